package memberlist

import (
	"net"
	"strconv"
	"time"
)

// NodeStateType is the state of a node as tracked by the local SWIM
// failure detector.
type NodeStateType int

const (
	StateAlive NodeStateType = iota
	StateSuspect
	StateDead
	StateLeft
)

func (s NodeStateType) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateSuspect:
		return "suspect"
	case StateDead:
		return "dead"
	case StateLeft:
		return "left"
	default:
		return "unknown"
	}
}

// Node is a lightweight, read-only view of a known peer, handed to
// delegates (NotifyJoin, NotifyLeave, NotifyMerge, NotifyAlive).
type Node struct {
	Name string
	Addr net.IP
	Port uint16
	Meta []byte

	State NodeStateType

	PMin, PMax, PCur uint8
	DMin, DMax, DCur uint8
}

func (n *Node) Address() string {
	return net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))
}

// nodeState is the full local record of a peer, including the fields
// that only the failure detector itself needs (incarnation, suspicion
// bookkeeping). It is never handed out directly; Node is the read-only
// projection delegates see.
type nodeState struct {
	Node
	Incarnation uint32
	StateChange time.Time

	// suspicion, when non-nil, holds the running suspicion-to-dead
	// timer for this node and the distinct peers that have also
	// reported this node as suspect, used to shorten the timer as per
	// spec 4.4 ("confirmed faster as independent 'from' reports
	// accumulate").
	suspicion *suspicion
}
