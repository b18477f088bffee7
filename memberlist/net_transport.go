package memberlist

import (
	"fmt"
	"log"
	"net"
	"time"

	metrics "github.com/armon/go-metrics"
	sockaddr "github.com/hashicorp/go-sockaddr"
)

// netTransport owns the UDP probe/gossip socket and the TCP
// push-pull/user-message listener for a single memberlist instance,
// per spec 4.2 ("UDP for probes/gossip, TCP for push/pull and user
// messages").
type netTransport struct {
	config *Config
	logger *log.Logger

	udpListener *net.UDPConn
	tcpListener *net.TCPListener

	packetCh chan *packet
	shutdown int32
}

// packet is a raw inbound UDP datagram, stamped with its source for
// ack routing and with its receive time.
type packet struct {
	Buf       []byte
	From      net.Addr
	Timestamp time.Time
}

func resolveBindAddr(bindAddr string, advertiseAddr string) (string, error) {
	if advertiseAddr != "" {
		return advertiseAddr, nil
	}
	if bindAddr != "" && bindAddr != "0.0.0.0" && bindAddr != "::" {
		return bindAddr, nil
	}
	ip, err := sockaddr.GetPrivateIP()
	if err != nil || ip == "" {
		if pub, pubErr := sockaddr.GetPublicIP(); pubErr == nil && pub != "" {
			return pub, nil
		}
		return "", fmt.Errorf("memberlist: failed to resolve a bind address: %v", err)
	}
	return ip, nil
}

func newNetTransport(config *Config, logger *log.Logger) (*netTransport, error) {
	t := &netTransport{
		config:   config,
		logger:   logger,
		packetCh: make(chan *packet, 1024),
	}

	udpAddr := &net.UDPAddr{IP: net.ParseIP(config.BindAddr), Port: config.BindPort}
	udpLn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("memberlist: failed to start UDP listener: %w", err)
	}
	t.udpListener = udpLn

	tcpAddr := &net.TCPAddr{IP: net.ParseIP(config.BindAddr), Port: config.BindPort}
	tcpLn, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		udpLn.Close()
		return nil, fmt.Errorf("memberlist: failed to start TCP listener: %w", err)
	}
	t.tcpListener = tcpLn

	return t, nil
}

func (t *netTransport) LocalAddr() net.Addr { return t.udpListener.LocalAddr() }

// udpReceiveLoop is the single long-lived goroutine allowed to touch
// the UDP socket for reads; decode-and-enqueue only, per the
// concurrency model in spec 5 ("No callback runs on the UDP receive
// thread except the minimal decode-and-enqueue step"). A single
// dispatch goroutine drains packetCh and handles packets in arrival
// order.
func (t *netTransport) udpReceiveLoop(m *Memberlist) {
	go func() {
		for p := range t.packetCh {
			m.ingestPacket(p.Buf, p.From, p.Timestamp)
		}
	}()
	defer close(t.packetCh)

	buf := make([]byte, 65536)
	for {
		n, from, err := t.udpListener.ReadFrom(buf)
		if err != nil {
			if t.isShutdown() {
				return
			}
			m.logger.Printf("[ERR] memberlist: udp read error: %v", err)
			continue
		}
		if n < 1 {
			continue
		}
		msg := make([]byte, n)
		copy(msg, buf[:n])
		metrics.IncrCounter([]string{"memberlist", "udp", "received"}, float32(n))
		t.packetCh <- &packet{Buf: msg, From: from, Timestamp: time.Now()}
	}
}

func (t *netTransport) tcpAcceptLoop(m *Memberlist) {
	for {
		conn, err := t.tcpListener.AcceptTCP()
		if err != nil {
			if t.isShutdown() {
				return
			}
			m.logger.Printf("[ERR] memberlist: tcp accept error: %v", err)
			continue
		}
		go m.handleTCPConn(conn)
	}
}

func (t *netTransport) isShutdown() bool {
	return t.shutdown != 0
}

func (t *netTransport) Shutdown() {
	t.shutdown = 1
	t.udpListener.Close()
	t.tcpListener.Close()
}

// WriteTo is the only UDP send path: it applies label, optional
// compression, and optional encryption in the order the wire format
// requires (compress/crc are inside the label wrapper; label is
// outermost so a misconfigured peer can reject before even trying to
// decrypt).
func (t *netTransport) WriteTo(raw []byte, addr string) error {
	buf := raw
	if t.config.EnableCompression && len(buf) > 256 {
		compressed, err := compressPayload(buf)
		if err == nil {
			buf = compressed
		}
	}
	if t.config.Keyring != nil && t.config.Keyring.GetPrimaryKey() != nil {
		encrypted, err := encryptPayload(t.config.Keyring.GetPrimaryKey(), buf, t.config.Label)
		if err != nil {
			return err
		}
		buf = encrypted
	} else {
		buf = crcWrap(buf)
	}
	wrapped, err := wrapLabel(t.config.Label, buf)
	if err != nil {
		return err
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	_, err = t.udpListener.WriteTo(wrapped, udpAddr)
	if err == nil {
		metrics.IncrCounter([]string{"memberlist", "udp", "sent"}, float32(len(wrapped)))
	}
	return err
}

// unwrapInbound reverses WriteTo's wrapping for a received datagram.
func (t *netTransport) unwrapInbound(buf []byte) ([]byte, error) {
	buf, err := unwrapLabel(t.config.Label, buf)
	if err != nil {
		return nil, err
	}
	if len(buf) < 1 {
		return nil, fmt.Errorf("memberlist: empty packet")
	}
	switch messageType(buf[0]) {
	case encryptMsg:
		if t.config.Keyring == nil {
			return nil, fmt.Errorf("memberlist: received encrypted message but encryption is disabled")
		}
		plain, err := decryptPayload(t.config.Keyring.GetKeys(), buf[1:], t.config.Label)
		if err != nil {
			return nil, err
		}
		buf = plain
	case hasCrcMsg:
		plain, err := crcUnwrap(buf[1:])
		if err != nil {
			return nil, err
		}
		buf = plain
	}
	if len(buf) >= 1 && messageType(buf[0]) == compressMsg {
		plain, err := decompressPayload(buf[1:])
		if err != nil {
			return nil, err
		}
		buf = plain
	}
	return buf, nil
}

// dialTCP opens a push/pull or user-message connection. It writes no
// label frame: TCP streams carry no label, and handleTCPConn reads none.
func (t *netTransport) dialTCP(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
