package serf

import (
	"github.com/nserf/nserf/memberlist"
)

// eventDelegate is the memberlist.EventDelegate Serf installs to learn
// about node-level transitions before its own coalescing/event-buffer
// logic runs.
type eventDelegate struct {
	serf *Serf
}

func (e *eventDelegate) NotifyJoin(n *memberlist.Node) {
	e.serf.handleNodeJoin(n)
}

func (e *eventDelegate) NotifyLeave(n *memberlist.Node) {
	e.serf.handleNodeLeave(n)
}

func (e *eventDelegate) NotifyUpdate(n *memberlist.Node) {
	e.serf.handleNodeUpdate(n)
}
