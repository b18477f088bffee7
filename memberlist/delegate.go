package memberlist

import "time"

// Delegate is the interface the owning layer (Serf) implements to
// piggyback its own metadata and messages on memberlist's gossip
// traffic, mirroring serf/delegate.go's role exactly.
type Delegate interface {
	// NodeMeta returns the metadata blob (Serf encodes its Tags here)
	// to attach to this node's alive/push-pull records. Must be <=
	// limit bytes.
	NodeMeta(limit int) []byte

	// NotifyMsg is invoked for every user-level message (messageType
	// User) received over UDP or TCP, after framing/label/crypto has
	// already been stripped.
	NotifyMsg(buf []byte)

	// GetBroadcasts is polled once per gossip tick and once per
	// push/pull to collect piggybacked messages to send alongside
	// memberlist's own state.
	GetBroadcasts(overhead, limit int) [][]byte

	// LocalState/MergeRemoteState exchange an opaque user-state blob
	// during push/pull (Serf's recent-event buffer rides here).
	LocalState(join bool) []byte
	MergeRemoteState(buf []byte, join bool)
}

// EventDelegate is notified of node-level lifecycle transitions as
// memberlist itself observes them (before Serf's own coalescing).
type EventDelegate interface {
	NotifyJoin(n *Node)
	NotifyLeave(n *Node)
	NotifyUpdate(n *Node)
}

// MergeDelegate lets the owner veto an incoming push/pull merge or a
// freshly-seen alive node, e.g. to validate metadata before admitting
// a peer (serf/merge_delegate.go's validiateMemberInfo).
type MergeDelegate interface {
	NotifyMerge(nodes []*Node) error
	NotifyAlive(peer *Node) error
}

// PingDelegate is notified on completion of a direct probe ack and
// gets to attach/consume an opaque payload on the ping/ack, used by
// Serf to piggyback network coordinate exchange (serf/ping_delegate.go).
type PingDelegate interface {
	AckPayload() []byte
	NotifyPingComplete(other *Node, rtt time.Duration, payload []byte)
}

// AliveDelegate lets the owner reject an alive message outright (name
// collision, metadata validation) before any state change occurs.
type AliveDelegate interface {
	NotifyAlive(peer *Node) error
}
