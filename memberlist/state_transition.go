package memberlist

import (
	"io"
	"math"
	"net"
	"time"

	"github.com/hashicorp/go-msgpack/codec"
)

// suspectNode is the local-origin entry point: the probe cycle itself
// failed to confirm target is alive, so we raise our own suspicion
// (From == us) and let handleSuspectMsg do the bookkeeping shared with
// suspicions reported by peers.
func (m *Memberlist) suspectNode(name string, incarnation uint32) {
	m.handleSuspectMsg(&suspect{Incarnation: incarnation, Node: name, From: m.config.Name})
}

// handleSuspectMsg applies an incoming (or self-raised) Suspect,
// implementing spec 4.4's ordering rule: a stale incarnation is
// dropped, a repeat suspicion of an already-suspect node just adds a
// confirmation (shortening the timer), and a suspicion of ourselves is
// refuted rather than accepted.
func (m *Memberlist) handleSuspectMsg(s *suspect) {
	if s.Node == m.config.Name {
		m.refute(s.Incarnation)
		return
	}

	m.nodeLock.Lock()
	ns, ok := m.nodeMap[s.Node]
	if !ok || s.Incarnation < ns.Incarnation || ns.State == StateDead || ns.State == StateLeft {
		m.nodeLock.Unlock()
		return
	}
	if ns.State == StateSuspect {
		susp := ns.suspicion
		m.nodeLock.Unlock()
		if susp != nil {
			susp.Confirm(s.From)
		}
		return
	}

	n := len(m.nodes)
	k := n - 2
	if k > 3 {
		k = 3
	}
	if k < 0 {
		k = 0
	}
	min := time.Duration(float64(m.config.ProbeInterval) * float64(m.config.SuspicionMult) * math.Log10(math.Max(float64(n), 1)))
	if min < m.config.ProbeInterval {
		min = m.config.ProbeInterval
	}
	max := min * time.Duration(m.config.SuspicionMaxMult)

	ns.State = StateSuspect
	ns.Incarnation = s.Incarnation
	ns.StateChange = time.Now()
	nodeName := s.Node
	ns.suspicion = newSuspicion(s.From, k, min, max, func(int) {
		m.suspectTimeout(nodeName, s.Incarnation)
	})
	nodeCopy := ns.Node
	m.nodeLock.Unlock()

	if msg, err := encodeMessage(suspectMsg, s); err == nil {
		m.broadcasts.QueueBroadcast(&memberlistBroadcast{node: s.Node, msg: msg})
	}
	if m.config.Events != nil {
		m.config.Events.NotifyUpdate(&nodeCopy)
	}
}

// suspectTimeout fires when a suspicion's timer expires without
// sufficient refutation: the node is declared Dead and a Dead message
// is broadcast on its behalf.
func (m *Memberlist) suspectTimeout(name string, incarnation uint32) {
	m.nodeLock.Lock()
	ns, ok := m.nodeMap[name]
	if !ok || ns.State != StateSuspect || ns.Incarnation != incarnation {
		m.nodeLock.Unlock()
		return
	}
	ns.State = StateDead
	ns.StateChange = time.Now()
	ns.suspicion = nil
	nodeCopy := ns.Node
	m.nodeLock.Unlock()

	d := dead{Incarnation: incarnation, Node: name, From: m.config.Name}
	if msg, err := encodeMessage(deadMsg, &d); err == nil {
		m.broadcasts.QueueBroadcast(&memberlistBroadcast{node: name, msg: msg})
	}
	if m.config.Events != nil {
		m.config.Events.NotifyLeave(&nodeCopy)
	}
}

// refute is how a node defends itself against a Suspect or Dead
// naming it: bump the incarnation past whatever was alleged and
// re-broadcast Alive, per spec 4.4 ("A node refutes suspicion by
// broadcasting Alive with Incarnation = max(self, incoming)+1").
func (m *Memberlist) refute(allegedIncarnation uint32) {
	m.seqLock.Lock()
	if allegedIncarnation >= m.incarnation {
		m.incarnation = allegedIncarnation
	}
	m.incarnation++
	inc := m.incarnation
	m.seqLock.Unlock()

	m.nodeLock.Lock()
	self := m.nodeMap[m.config.Name]
	self.Incarnation = inc
	self.State = StateAlive
	self.StateChange = time.Now()
	nodeCopy := self.Node
	m.nodeLock.Unlock()

	a := alive{
		Incarnation: inc,
		Node:        m.config.Name,
		Addr:        []byte(nodeCopy.Addr),
		Port:        nodeCopy.Port,
		Meta:        nodeCopy.Meta,
		Vsn:         []uint8{nodeCopy.PMin, nodeCopy.PMax, nodeCopy.PCur, nodeCopy.DMin, nodeCopy.DMax, nodeCopy.DCur},
	}
	msg, err := encodeMessage(aliveMsg, &a)
	if err != nil {
		return
	}
	m.broadcasts.QueueBroadcast(&memberlistBroadcast{node: m.config.Name, msg: msg})
}

// handleAliveMsg admits a new node or refreshes a known one. A stale
// incarnation (or an equal one with no state change) is ignored. The
// Alive/Merge delegate gets a veto before any state mutation happens.
func (m *Memberlist) handleAliveMsg(a *alive) {
	m.nodeLock.RLock()
	ns, ok := m.nodeMap[a.Node]
	if ok {
		if a.Incarnation < ns.Incarnation || (a.Incarnation == ns.Incarnation && ns.State == StateAlive) {
			m.nodeLock.RUnlock()
			return
		}
	}
	m.nodeLock.RUnlock()

	if m.config.Alive != nil {
		candidate := aliveToNode(a)
		if err := m.config.Alive.NotifyAlive(candidate); err != nil {
			m.logger.Printf("[WARN] memberlist: alive rejected for %s: %v", a.Node, err)
			return
		}
	}

	m.nodeLock.Lock()
	ns, ok = m.nodeMap[a.Node]
	if !ok {
		ns = &nodeState{Node: Node{Name: a.Node}}
		m.nodeMap[a.Node] = ns
		m.nodes = append(m.nodes, ns)
	}
	if ns.suspicion != nil {
		ns.suspicion.Stop()
		ns.suspicion = nil
	}
	ns.Addr = net.IP(a.Addr)
	ns.Port = a.Port
	ns.Meta = a.Meta
	ns.Incarnation = a.Incarnation
	ns.State = StateAlive
	ns.StateChange = time.Now()
	if len(a.Vsn) >= 6 {
		ns.PMin, ns.PMax, ns.PCur = a.Vsn[0], a.Vsn[1], a.Vsn[2]
		ns.DMin, ns.DMax, ns.DCur = a.Vsn[3], a.Vsn[4], a.Vsn[5]
	}
	nodeCopy := ns.Node
	m.nodeLock.Unlock()

	if !ok {
		if m.config.Events != nil {
			m.config.Events.NotifyJoin(&nodeCopy)
		}
	} else if m.config.Events != nil {
		m.config.Events.NotifyUpdate(&nodeCopy)
	}

	if msg, err := encodeMessage(aliveMsg, a); err == nil {
		m.broadcasts.QueueBroadcast(&memberlistBroadcast{node: a.Node, msg: msg})
	}
}

func aliveToNode(a *alive) *Node {
	n := &Node{Name: a.Node, Addr: net.IP(a.Addr), Port: a.Port, Meta: a.Meta, State: StateAlive}
	if len(a.Vsn) >= 6 {
		n.PMin, n.PMax, n.PCur = a.Vsn[0], a.Vsn[1], a.Vsn[2]
		n.DMin, n.DMax, n.DCur = a.Vsn[3], a.Vsn[4], a.Vsn[5]
	}
	return n
}

// handleDeadMsg transitions a node to Dead (or Left, if it announced
// its own departure: From == Node) unless we are the named node, in
// which case it is a refutable accusation (ignored once we have left).
func (m *Memberlist) handleDeadMsg(d *dead) {
	if d.Node == m.config.Name {
		m.nodeLock.RLock()
		self := m.nodeMap[m.config.Name]
		cur, left := self.Incarnation, self.State == StateLeft
		m.nodeLock.RUnlock()
		if d.Incarnation >= cur && !left {
			m.refute(d.Incarnation)
		}
		return
	}

	m.nodeLock.Lock()
	ns, ok := m.nodeMap[d.Node]
	if !ok || d.Incarnation < ns.Incarnation || ns.State == StateDead || ns.State == StateLeft {
		m.nodeLock.Unlock()
		return
	}
	if ns.suspicion != nil {
		ns.suspicion.Stop()
		ns.suspicion = nil
	}
	if d.Node == d.From {
		ns.State = StateLeft
	} else {
		ns.State = StateDead
	}
	ns.Incarnation = d.Incarnation
	ns.StateChange = time.Now()
	nodeCopy := ns.Node
	m.nodeLock.Unlock()

	if msg, err := encodeMessage(deadMsg, d); err == nil {
		m.broadcasts.QueueBroadcast(&memberlistBroadcast{node: d.Node, msg: msg})
	}
	if m.config.Events != nil {
		m.config.Events.NotifyLeave(&nodeCopy)
	}
}

// pushPullNode drives the client side of a push/pull anti-entropy
// exchange: send our full state, read the peer's, then merge.
func (m *Memberlist) pushPullNode(addr string, join bool) error {
	conn, err := m.transport.dialTCP(addr, m.config.TCPTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(m.config.TCPTimeout))

	if _, err := conn.Write([]byte{uint8(pushPullMsg)}); err != nil {
		return err
	}
	if err := m.sendLocalState(conn, join); err != nil {
		return err
	}

	remoteNodes, remoteUserState, err := m.readRemoteState(conn)
	if err != nil {
		return err
	}
	if err := m.mergeRemoteState(remoteNodes); err != nil {
		return err
	}
	if m.config.Delegate != nil && len(remoteUserState) > 0 {
		m.config.Delegate.MergeRemoteState(remoteUserState, join)
	}
	return nil
}

// handleTCPConn is the server side: a push/pull reads the remote's
// state first (since it announced it by writing first), answers with
// our own, then merges exactly like the client does. A userMsg
// connection is just a one-shot NotifyMsg delivery.
func (m *Memberlist) handleTCPConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(m.config.TCPTimeout))

	typeBuf := make([]byte, 1)
	if _, err := io.ReadFull(conn, typeBuf); err != nil {
		return
	}

	switch messageType(typeBuf[0]) {
	case pushPullMsg:
		remoteNodes, remoteUserState, err := m.readRemoteState(conn)
		if err != nil {
			m.logger.Printf("[ERR] memberlist: push/pull read failed: %v", err)
			return
		}
		if err := m.sendLocalState(conn, false); err != nil {
			m.logger.Printf("[ERR] memberlist: push/pull reply failed: %v", err)
			return
		}
		if err := m.mergeRemoteState(remoteNodes); err != nil {
			m.logger.Printf("[WARN] memberlist: push/pull merge rejected: %v", err)
			return
		}
		if m.config.Delegate != nil && len(remoteUserState) > 0 {
			m.config.Delegate.MergeRemoteState(remoteUserState, false)
		}

	case userMsg:
		buf, err := io.ReadAll(conn)
		if err == nil && m.config.Delegate != nil {
			m.config.Delegate.NotifyMsg(buf)
		}

	default:
		m.logger.Printf("[ERR] memberlist: unexpected TCP message type %d", typeBuf[0])
	}
}

func (m *Memberlist) sendLocalState(conn net.Conn, join bool) error {
	m.nodeLock.RLock()
	snapshot := make([]pushNodeState, 0, len(m.nodes))
	for _, ns := range m.nodes {
		snapshot = append(snapshot, pushNodeState{
			Name:        ns.Name,
			Addr:        []byte(ns.Addr),
			Port:        ns.Port,
			Meta:        ns.Meta,
			Incarnation: ns.Incarnation,
			State:       ns.State,
			Vsn:         []uint8{ns.PMin, ns.PMax, ns.PCur, ns.DMin, ns.DMax, ns.DCur},
		})
	}
	m.nodeLock.RUnlock()

	var userState []byte
	if m.config.Delegate != nil {
		userState = m.config.Delegate.LocalState(join)
	}

	header := pushPullHeader{Nodes: len(snapshot), UserStateLen: len(userState), Join: join}
	enc := codec.NewEncoder(conn, msgpackHandle)
	if err := enc.Encode(&header); err != nil {
		return err
	}
	for i := range snapshot {
		if err := enc.Encode(&snapshot[i]); err != nil {
			return err
		}
	}
	if len(userState) > 0 {
		if _, err := conn.Write(userState); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memberlist) readRemoteState(conn net.Conn) ([]pushNodeState, []byte, error) {
	dec := codec.NewDecoder(conn, msgpackHandle)
	var header pushPullHeader
	if err := dec.Decode(&header); err != nil {
		return nil, nil, err
	}
	nodes := make([]pushNodeState, header.Nodes)
	for i := 0; i < header.Nodes; i++ {
		if err := dec.Decode(&nodes[i]); err != nil {
			return nil, nil, err
		}
	}
	var userState []byte
	if header.UserStateLen > 0 {
		userState = make([]byte, header.UserStateLen)
		if _, err := io.ReadFull(conn, userState); err != nil {
			return nil, nil, err
		}
	}
	return nodes, userState, nil
}

// mergeRemoteState lets the owner veto the whole batch via
// MergeDelegate, then folds each remote record through the same
// alive/suspect/dead handlers a gossip message would take, so a
// push/pull peer is indistinguishable from one learned via UDP.
func (m *Memberlist) mergeRemoteState(remote []pushNodeState) error {
	if m.config.Merge != nil {
		nodes := make([]*Node, 0, len(remote))
		for _, r := range remote {
			nodes = append(nodes, pushStateToNode(r))
		}
		if err := m.config.Merge.NotifyMerge(nodes); err != nil {
			return err
		}
	}

	for _, r := range remote {
		if r.Name == m.config.Name {
			continue
		}
		switch r.State {
		case StateAlive, StateSuspect:
			a := alive{Incarnation: r.Incarnation, Node: r.Name, Addr: r.Addr, Port: r.Port, Meta: r.Meta, Vsn: r.Vsn}
			m.handleAliveMsg(&a)
			if r.State == StateSuspect {
				m.handleSuspectMsg(&suspect{Incarnation: r.Incarnation, Node: r.Name, From: r.Name})
			}
		case StateDead:
			m.handleDeadMsg(&dead{Incarnation: r.Incarnation, Node: r.Name, From: m.config.Name})
		case StateLeft:
			m.handleDeadMsg(&dead{Incarnation: r.Incarnation, Node: r.Name, From: r.Name})
		}
	}
	return nil
}

func pushStateToNode(r pushNodeState) *Node {
	n := &Node{Name: r.Name, Addr: net.IP(r.Addr), Port: r.Port, Meta: r.Meta, State: r.State}
	if len(r.Vsn) >= 6 {
		n.PMin, n.PMax, n.PCur = r.Vsn[0], r.Vsn[1], r.Vsn[2]
		n.DMin, n.DMax, n.DCur = r.Vsn[3], r.Vsn[4], r.Vsn[5]
	}
	return n
}
