package memberlist

import (
	"math/rand"
	"time"
)

// schedule starts the probe, gossip and push/pull tickers, mirroring
// the trigger-func pattern from the reference memberlist excerpt
// (schedule/triggerFunc): each ticker fans into a single stop channel
// so deschedule can tear all of them down uniformly.
func (m *Memberlist) schedule() {
	m.tickerLock.Lock()
	defer m.tickerLock.Unlock()

	if m.config.ProbeInterval > 0 {
		t := time.NewTicker(m.config.ProbeInterval)
		go m.triggerFunc(t.C, m.probe)
		m.tickers = append(m.tickers, t)
	}
	if m.config.GossipInterval > 0 && m.config.GossipNodes > 0 {
		t := time.NewTicker(m.config.GossipInterval)
		go m.triggerFunc(t.C, m.gossip)
		m.tickers = append(m.tickers, t)
	}
	if m.config.PushPullInterval > 0 {
		t := time.NewTicker(m.config.PushPullInterval)
		go m.triggerFunc(t.C, m.pushPull)
		m.tickers = append(m.tickers, t)
	}
	if m.config.GossipToDeadTime > 0 {
		interval := m.config.GossipToDeadTime / 2
		if interval < time.Second {
			interval = time.Second
		}
		t := time.NewTicker(interval)
		go m.triggerFunc(t.C, m.reap)
		m.tickers = append(m.tickers, t)
	}
}

func (m *Memberlist) triggerFunc(c <-chan time.Time, f func()) {
	for {
		select {
		case <-c:
			f()
		case <-m.stopTick:
			return
		}
	}
}

func (m *Memberlist) deschedule() {
	m.tickerLock.Lock()
	defer m.tickerLock.Unlock()
	for _, t := range m.tickers {
		t.Stop()
	}
	close(m.stopTick)
	m.tickers = nil
}

// probe runs one round of the SWIM failure detector against the next
// node in the shuffled ring, per spec 4.4's 5-step probe cycle.
func (m *Memberlist) probe() {
	m.nodeLock.RLock()
	if len(m.nodes) <= 1 {
		m.nodeLock.RUnlock()
		return
	}
	if m.probeIndex >= len(m.nodes) {
		m.probeIndex = 0
	}
	var target *nodeState
	start := m.probeIndex
	for {
		candidate := m.nodes[m.probeIndex]
		m.probeIndex = (m.probeIndex + 1) % len(m.nodes)
		if candidate.Name != m.config.Name && candidate.State != StateDead && candidate.State != StateLeft {
			target = candidate
			break
		}
		if m.probeIndex == start {
			break
		}
	}
	m.nodeLock.RUnlock()

	if target == nil {
		return
	}
	m.probeNode(target)
}

// probeNode implements steps 2-5 of spec 4.4: direct ping, then
// indirect pings to IndirectChecks random peers, then Suspect if
// nothing acks by the end of the probe interval.
func (m *Memberlist) probeNode(target *nodeState) {
	seq := m.nextSeqNo()
	destAddr := target.Address()

	ackCh := make(chan ackOrNack, 1)
	probeTimeout := m.awareness.ScaleTimeout(m.config.ProbeTimeout)
	m.setAckHandler(seq, ackCh, probeTimeout)

	ping := ping{SeqNo: seq, Node: target.Name}
	msg, err := encodeMessage(pingMsg, &ping)
	if err != nil {
		m.logger.Printf("[ERR] memberlist: failed to encode ping: %v", err)
		return
	}
	if err := m.transport.WriteTo(msg, destAddr); err != nil {
		m.logger.Printf("[ERR] memberlist: failed to send ping to %s: %v", target.Name, err)
	}

	select {
	case a := <-ackCh:
		if a.complete {
			m.awareness.ApplyDelta(-1)
			if m.config.Ping != nil {
				m.config.Ping.NotifyPingComplete(&target.Node, a.rtt, a.payload)
			}
			return
		}
	case <-time.After(probeTimeout):
	}

	// Direct probe failed (or nacked); fall back to indirect probes.
	m.awareness.ApplyDelta(1)
	indirectAckCh := make(chan ackOrNack, 1)
	remaining := m.awareness.ScaleTimeout(m.config.ProbeInterval) - probeTimeout
	if remaining < 0 {
		remaining = probeTimeout
	}
	m.setAckHandler(seq, indirectAckCh, remaining)

	self := m.LocalNode()
	peers := m.kRandomNodes(m.config.IndirectChecks, target.Name)
	for _, peer := range peers {
		req := indirectPingReq{SeqNo: seq, Target: target.Addr, Port: target.Port, Node: target.Name,
			SourceAddr: self.Addr, SourcePort: self.Port, SourceNode: self.Name}
		msg, err := encodeMessage(indirectPingMsg, &req)
		if err != nil {
			continue
		}
		m.transport.WriteTo(msg, peer.Address())
	}

	select {
	case a := <-indirectAckCh:
		if a.complete {
			m.awareness.ApplyDelta(-1)
			return
		}
	case <-time.After(remaining):
	}

	// Nobody could reach it. Broadcast Suspect and start the
	// accelerating suspicion timer.
	m.suspectNode(target.Name, target.Incarnation)
}

// kRandomNodes returns up to k distinct alive peers, excluding exclude
// and ourself.
func (m *Memberlist) kRandomNodes(k int, exclude string) []*nodeState {
	m.nodeLock.RLock()
	defer m.nodeLock.RUnlock()

	candidates := make([]*nodeState, 0, len(m.nodes))
	for _, n := range m.nodes {
		if n.Name == exclude || n.Name == m.config.Name || n.State != StateAlive {
			continue
		}
		candidates = append(candidates, n)
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

// gossip sends one packet holding every queued broadcast that fits the
// UDP packet budget to up to GossipNodes random live peers. The number
// of broadcasts per packet is not capped at GossipNodes.
func (m *Memberlist) gossip() {
	peers := m.kRandomNodes(m.config.GossipNodes, "")
	if len(peers) == 0 {
		return
	}

	msgs := m.broadcasts.GetBroadcasts(compoundOverhead, udpPacketLimit)
	if m.config.Delegate != nil {
		msgs = append(msgs, m.config.Delegate.GetBroadcasts(compoundOverhead, udpPacketLimit)...)
	}
	if len(msgs) == 0 {
		return
	}

	var payload []byte
	if len(msgs) == 1 {
		payload = msgs[0]
	} else {
		compound, err := encodeCompound(msgs)
		if err != nil {
			m.logger.Printf("[ERR] memberlist: failed to build gossip compound: %v", err)
			return
		}
		payload = compound
	}

	for _, peer := range peers {
		if err := m.transport.WriteTo(payload, peer.Address()); err != nil {
			m.logger.Printf("[ERR] memberlist: failed to gossip to %s: %v", peer.Name, err)
		}
	}
}

const compoundOverhead = 3 // rough per-message length-prefix overhead inside a compound packet

// pushPull runs the slower TCP anti-entropy exchange against one
// random alive peer.
func (m *Memberlist) pushPull() {
	peers := m.kRandomNodes(1, "")
	if len(peers) == 0 {
		return
	}
	if err := m.pushPullNode(peers[0].Address(), false); err != nil {
		m.logger.Printf("[ERR] memberlist: push/pull with %s failed: %v", peers[0].Name, err)
	}
}

// reap drops Dead/Left nodes whose state hasn't changed in
// GossipToDeadTime, per spec 4.4's bounded-tombstone-retention rule.
// Without this, Members() and every push/pull peer exchange would
// carry stale tombstones forever.
func (m *Memberlist) reap() {
	m.nodeLock.Lock()
	defer m.nodeLock.Unlock()

	cutoff := time.Now().Add(-m.config.GossipToDeadTime)
	kept := m.nodes[:0]
	for _, n := range m.nodes {
		if (n.State == StateDead || n.State == StateLeft) && n.StateChange.Before(cutoff) {
			delete(m.nodeMap, n.Name)
			continue
		}
		kept = append(kept, n)
	}
	m.nodes = kept
	if m.probeIndex >= len(m.nodes) {
		m.probeIndex = 0
	}
}
