package memberlist

import (
	"testing"
	"time"
)

func newReapTestMemberlist(deadTime time.Duration) *Memberlist {
	return &Memberlist{
		config:  &Config{Name: "self", GossipToDeadTime: deadTime},
		nodeMap: make(map[string]*nodeState),
	}
}

func addTestNode(m *Memberlist, name string, state NodeStateType, changed time.Time) {
	ns := &nodeState{
		Node:        Node{Name: name, State: state},
		StateChange: changed,
	}
	m.nodes = append(m.nodes, ns)
	m.nodeMap[name] = ns
}

func TestMemberlist_reapDropsExpiredTombstones(t *testing.T) {
	m := newReapTestMemberlist(30 * time.Second)

	addTestNode(m, "alive-node", StateAlive, time.Now())
	addTestNode(m, "stale-dead", StateDead, time.Now().Add(-time.Minute))
	addTestNode(m, "fresh-dead", StateDead, time.Now())
	addTestNode(m, "stale-left", StateLeft, time.Now().Add(-time.Minute))

	m.reap()

	if _, ok := m.nodeMap["stale-dead"]; ok {
		t.Fatalf("expected stale-dead to be reaped")
	}
	if _, ok := m.nodeMap["stale-left"]; ok {
		t.Fatalf("expected stale-left to be reaped")
	}
	if _, ok := m.nodeMap["alive-node"]; !ok {
		t.Fatalf("alive-node should never be reaped")
	}
	if _, ok := m.nodeMap["fresh-dead"]; !ok {
		t.Fatalf("fresh-dead hasn't aged past GossipToDeadTime yet")
	}
	if len(m.nodes) != 2 {
		t.Fatalf("expected 2 remaining nodes, got %d", len(m.nodes))
	}
}

func TestMemberlist_reapResetsOutOfBoundsProbeIndex(t *testing.T) {
	m := newReapTestMemberlist(30 * time.Second)
	addTestNode(m, "stale-dead", StateDead, time.Now().Add(-time.Minute))
	m.probeIndex = 5

	m.reap()

	if m.probeIndex != 0 {
		t.Fatalf("expected probeIndex to reset after the node list shrank, got %d", m.probeIndex)
	}
}
