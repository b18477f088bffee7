package memberlist

import (
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

// Memberlist is a single node's view of a SWIM cluster: the node
// table, the probe scheduler, and the push/pull anti-entropy loop.
// Serf owns one of these and narrows it down to Delegate/EventDelegate
// implementations that only see the Serf-relevant slice of state, per
// the "Cyclic ownership" design note.
type Memberlist struct {
	config *Config
	logger *log.Logger

	transport *netTransport

	nodeLock sync.RWMutex
	nodes    []*nodeState
	nodeMap  map[string]*nodeState

	awareness *awareness

	ackLock     sync.Mutex
	ackHandlers map[uint32]*ackHandler

	tickerLock sync.Mutex
	tickers    []*time.Ticker
	stopTick   chan struct{}

	broadcasts *TransmitLimitedQueue

	incarnation uint32

	probeIndex int

	shutdown int32

	sequenceNum uint32

	seqLock sync.Mutex
}

type ackHandler struct {
	ackFn  func(payload []byte, timestamp time.Time)
	nackFn func()
	timer  *time.Timer
}

// Create starts a Memberlist bound per config, but does not join any
// peers -- mirroring Serf's Create-then-Start split so the owner can
// still wire up delegates/handlers without a join race.
func Create(config *Config) (*Memberlist, error) {
	if config.Delegate == nil {
		return nil, fmt.Errorf("memberlist: a Delegate is required")
	}
	logOutput := config.LogOutput
	if logOutput == nil {
		logOutput = os.Stderr
	}
	logger := log.New(logOutput, "", log.LstdFlags)

	if config.BindAddr == "" {
		config.BindAddr = "0.0.0.0"
	}

	transport, err := newNetTransport(config, logger)
	if err != nil {
		return nil, err
	}

	m := &Memberlist{
		config:      config,
		logger:      logger,
		transport:   transport,
		nodeMap:     make(map[string]*nodeState),
		awareness:   newAwareness(maxInt(config.AwarenessMaxMultiplier, 1)),
		ackHandlers: make(map[uint32]*ackHandler),
		stopTick:    make(chan struct{}),
	}
	m.broadcasts = &TransmitLimitedQueue{
		NumNodes:       m.NumMembers,
		RetransmitMult: config.RetransmitMult,
	}

	advertiseAddr, advertisePort := m.advertiseAddress()

	self := &nodeState{
		Node: Node{
			Name:  config.Name,
			Addr:  net.ParseIP(advertiseAddr),
			Port:  uint16(advertisePort),
			State: StateAlive,
			PMin:  config.ProtocolVersion, PMax: config.ProtocolVersion, PCur: config.ProtocolVersion,
			DMin: config.DelegateVersion, DMax: config.DelegateVersion, DCur: config.DelegateVersion,
		},
		Incarnation: 0,
		StateChange: time.Now(),
	}
	if config.Delegate != nil {
		self.Meta = config.Delegate.NodeMeta(MetaMaxSize)
	}
	m.nodes = append(m.nodes, self)
	m.nodeMap[config.Name] = self

	go transport.udpReceiveLoop(m)
	go transport.tcpAcceptLoop(m)
	m.schedule()

	return m, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (m *Memberlist) advertiseAddress() (string, int) {
	addr := m.config.AdvertiseAddr
	port := m.config.AdvertisePort
	if addr == "" {
		addr = m.config.BindAddr
	}
	if port == 0 {
		port = m.config.BindPort
	}
	return addr, port
}

func (m *Memberlist) LocalNode() *Node {
	m.nodeLock.RLock()
	defer m.nodeLock.RUnlock()
	n := m.nodeMap[m.config.Name].Node
	return &n
}

// SendTo fires a raw, unreliable UDP datagram at addr, bypassing the
// node table entirely. Serf uses this for query ack/response delivery
// and for forwarding relayed messages (serf/relay.go).
func (m *Memberlist) SendTo(addr string, msg []byte) error {
	return m.transport.WriteTo(msg, addr)
}

// UpdateNode forces the local node's metadata to be re-read from the
// delegate and republishes it via a refuting Alive broadcast, for
// Serf's SetTags/UpdateTags operation.
func (m *Memberlist) UpdateNode(timeout time.Duration) error {
	if m.config.Delegate == nil {
		return nil
	}
	meta := m.config.Delegate.NodeMeta(MetaMaxSize)

	m.nodeLock.Lock()
	self, ok := m.nodeMap[m.config.Name]
	if !ok {
		m.nodeLock.Unlock()
		return fmt.Errorf("memberlist: cannot find local node state")
	}
	self.Meta = meta
	m.nodeLock.Unlock()

	m.seqLock.Lock()
	inc := m.nextIncarnation()
	m.seqLock.Unlock()

	a := alive{
		Incarnation: inc,
		Node:        m.config.Name,
		Addr:        self.Addr,
		Port:        self.Port,
		Meta:        meta,
		Vsn: []uint8{
			self.PMin, self.PMax, self.PCur,
			self.DMin, self.DMax, self.DCur,
		},
	}
	m.handleAliveMsg(&a)
	return nil
}

// NumMembers returns the count of nodes we believe are alive or
// suspect (i.e. not yet reaped dead/left).
func (m *Memberlist) NumMembers() int {
	m.nodeLock.RLock()
	defer m.nodeLock.RUnlock()
	n := 0
	for _, ns := range m.nodes {
		if ns.State == StateAlive || ns.State == StateSuspect {
			n++
		}
	}
	return n
}

// Members returns a snapshot of every known node, any state.
func (m *Memberlist) Members() []*Node {
	m.nodeLock.RLock()
	defer m.nodeLock.RUnlock()
	out := make([]*Node, 0, len(m.nodes))
	for _, ns := range m.nodes {
		n := ns.Node
		out = append(out, &n)
	}
	return out
}

// Join resolves each address and attempts a push/pull with it,
// returning the number that succeeded and an aggregated multierror
// describing every failure.
func (m *Memberlist) Join(existing []string) (int, error) {
	var successes int
	var errs *multierror.Error
	for _, addr := range existing {
		if err := m.pushPullNode(addr, true); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to join %s: %w", addr, err))
			continue
		}
		successes++
	}
	if errs.ErrorOrNil() != nil {
		return successes, errs.ErrorOrNil()
	}
	return successes, nil
}

// Leave broadcasts our own Dead message (From == us) so peers
// transition us straight to StateLeft rather than suspecting and
// eventually declaring us Failed.
func (m *Memberlist) Leave(timeout time.Duration) error {
	m.seqLock.Lock()
	inc := m.nextIncarnation()
	m.seqLock.Unlock()

	m.nodeLock.Lock()
	self, ok := m.nodeMap[m.config.Name]
	if ok {
		self.State = StateLeft
		self.StateChange = time.Now()
	}
	m.nodeLock.Unlock()

	d := dead{Incarnation: inc, Node: m.config.Name, From: m.config.Name}
	msg, err := encodeMessage(deadMsg, &d)
	if err != nil {
		return err
	}
	m.broadcasts.QueueBroadcast(&memberlistBroadcast{node: m.config.Name, msg: msg})

	if m.NumMembers() <= 1 {
		return nil
	}
	time.Sleep(timeout)
	return nil
}

func (m *Memberlist) Shutdown() error {
	if !atomic.CompareAndSwapInt32(&m.shutdown, 0, 1) {
		return nil
	}
	m.deschedule()
	m.transport.Shutdown()
	return nil
}

func (m *Memberlist) hasShutdown() bool {
	return atomic.LoadInt32(&m.shutdown) == 1
}

// memberlistBroadcast is the internal implementation of Broadcast used
// for memberlist's own alive/suspect/dead chatter (as distinct from
// Serf's broadcast wrapper, which rides the exact same queue).
type memberlistBroadcast struct {
	node   string
	msg    []byte
	notify chan struct{}
}

func (b *memberlistBroadcast) Invalidates(other Broadcast) bool {
	o, ok := other.(*memberlistBroadcast)
	return ok && o.node == b.node
}
func (b *memberlistBroadcast) Name() string   { return "memberlist:" + b.node }
func (b *memberlistBroadcast) Message() []byte { return b.msg }
func (b *memberlistBroadcast) Finished() {
	if b.notify != nil {
		close(b.notify)
	}
}

// nextSeqNo returns a fresh ping sequence number.
func (m *Memberlist) nextSeqNo() uint32 {
	m.seqLock.Lock()
	defer m.seqLock.Unlock()
	m.sequenceNum++
	return m.sequenceNum
}

func (m *Memberlist) nextIncarnation() uint32 {
	m.incarnation++
	return m.incarnation
}
