package memberlist

import (
	"net"
	"time"
)

type ackOrNack struct {
	complete bool
	rtt      time.Duration
	payload  []byte
}

func (m *Memberlist) setAckHandler(seq uint32, ch chan ackOrNack, timeout time.Duration) {
	sent := time.Now()
	h := &ackHandler{
		ackFn: func(payload []byte, timestamp time.Time) {
			select {
			case ch <- ackOrNack{complete: true, rtt: timestamp.Sub(sent), payload: payload}:
			default:
			}
		},
		nackFn: func() {},
	}
	h.timer = time.AfterFunc(timeout, func() {
		m.ackLock.Lock()
		delete(m.ackHandlers, seq)
		m.ackLock.Unlock()
	})

	m.ackLock.Lock()
	m.ackHandlers[seq] = h
	m.ackLock.Unlock()
}

func (m *Memberlist) invokeAckHandler(seq uint32, payload []byte, timestamp time.Time) {
	m.ackLock.Lock()
	h, ok := m.ackHandlers[seq]
	if ok {
		delete(m.ackHandlers, seq)
	}
	m.ackLock.Unlock()
	if !ok {
		return
	}
	h.timer.Stop()
	h.ackFn(payload, timestamp)
}

// ingestPacket is the only function the UDP dispatch goroutine calls
// directly: unwrap label/crc/crypto/compression, then dispatch by
// message type. Anything malformed is dropped, per spec 7 ("Protocol
// errors... packet dropped... never fatal").
func (m *Memberlist) ingestPacket(buf []byte, from net.Addr, timestamp time.Time) {
	plain, err := m.transport.unwrapInbound(buf)
	if err != nil {
		m.logger.Printf("[WARN] memberlist: dropping packet from %s: %v", from, err)
		return
	}
	m.handleMessage(plain, from, timestamp)
}

func (m *Memberlist) handleMessage(buf []byte, from net.Addr, timestamp time.Time) {
	if len(buf) < 1 {
		return
	}
	mt, err := readMessageType(buf)
	if err != nil {
		return
	}

	switch mt {
	case compoundMsg:
		parts, truncated, err := decodeCompound(buf[1:])
		if err != nil {
			m.logger.Printf("[WARN] memberlist: failed to decode compound packet: %v", err)
			return
		}
		if truncated > 0 {
			m.logger.Printf("[WARN] memberlist: compound packet from %s truncated, dropped %d sub-messages", from, truncated)
		}
		for _, part := range parts {
			m.handleMessage(part, from, timestamp)
		}

	case pingMsg:
		var p ping
		if err := decodeMessage(buf[1:], &p); err != nil {
			m.logger.Printf("[WARN] memberlist: failed to decode ping: %v", err)
			return
		}
		if p.Node != "" && p.Node != m.config.Name {
			return
		}
		m.handlePing(&p, from)

	case indirectPingMsg:
		var req indirectPingReq
		if err := decodeMessage(buf[1:], &req); err != nil {
			m.logger.Printf("[WARN] memberlist: failed to decode indirect ping: %v", err)
			return
		}
		m.handleIndirectPing(&req)

	case ackRespMsg:
		var a ackResp
		if err := decodeMessage(buf[1:], &a); err != nil {
			return
		}
		m.invokeAckHandler(a.SeqNo, a.Payload, timestamp)

	case nackRespMsg:
		var n nackResp
		if err := decodeMessage(buf[1:], &n); err != nil {
			return
		}
		// Nack simply means "I couldn't reach it", leave the ack
		// timeout to expire naturally so the indirect-probe fallback
		// still has a chance via other relays.

	case suspectMsg:
		var s suspect
		if err := decodeMessage(buf[1:], &s); err != nil {
			return
		}
		m.handleSuspectMsg(&s)

	case aliveMsg:
		var a alive
		if err := decodeMessage(buf[1:], &a); err != nil {
			return
		}
		m.handleAliveMsg(&a)

	case deadMsg:
		var d dead
		if err := decodeMessage(buf[1:], &d); err != nil {
			return
		}
		m.handleDeadMsg(&d)

	case userMsg:
		if m.config.Delegate != nil {
			m.config.Delegate.NotifyMsg(buf[1:])
		}

	default:
		m.logger.Printf("[WARN] memberlist: received message of unknown type %d from %s", mt, from)
	}
}

// handlePing answers a direct probe with an ack, attaching the ping
// delegate's payload (Serf's coordinate piggyback) if configured.
func (m *Memberlist) handlePing(p *ping, from net.Addr) {
	var payload []byte
	if m.config.Ping != nil {
		payload = m.config.Ping.AckPayload()
	}
	ack := ackResp{SeqNo: p.SeqNo, Payload: payload}
	msg, err := encodeMessage(ackRespMsg, &ack)
	if err != nil {
		return
	}
	m.transport.WriteTo(msg, from.String())
}

// handleIndirectPing relays a ping to the real target on behalf of
// the original prober, then relays whatever ack/timeout results back.
func (m *Memberlist) handleIndirectPing(req *indirectPingReq) {
	destAddr := (&net.TCPAddr{IP: net.IP(req.Target), Port: int(req.Port)}).String()

	localSeq := m.nextSeqNo()
	ackCh := make(chan ackOrNack, 1)
	m.setAckHandler(localSeq, ackCh, m.config.ProbeTimeout)

	ping := ping{SeqNo: localSeq, Node: req.Node}
	msg, err := encodeMessage(pingMsg, &ping)
	if err != nil {
		return
	}
	m.transport.WriteTo(msg, destAddr)

	go func() {
		var ok bool
		select {
		case a := <-ackCh:
			ok = a.complete
		case <-time.After(m.config.ProbeTimeout):
		}

		if ok {
			ack := ackResp{SeqNo: req.SeqNo}
			out, err := encodeMessage(ackRespMsg, &ack)
			if err == nil {
				m.transport.WriteTo(out, m.relaySourceAddr(req))
			}
		} else {
			nack := nackResp{SeqNo: req.SeqNo}
			out, err := encodeMessage(nackRespMsg, &nack)
			if err == nil {
				m.transport.WriteTo(out, m.relaySourceAddr(req))
			}
		}
	}()
}

func (m *Memberlist) relaySourceAddr(req *indirectPingReq) string {
	if len(req.SourceAddr) > 0 {
		return (&net.TCPAddr{IP: net.IP(req.SourceAddr), Port: int(req.SourcePort)}).String()
	}
	return ""
}
