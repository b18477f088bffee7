package agent

import (
	"github.com/nserf/nserf/serf"
)

// EventHandler is notified of every Serf event the agent's event loop
// dispatches — membership changes, user events, and queries alike.
// Registered handlers are invoked sequentially, in registration order,
// matching the ordering guarantee the event dispatcher provides.
type EventHandler interface {
	HandleEvent(serf.Event)
}

// EventHandlerFunc adapts a plain function to an EventHandler. It
// must be registered and deregistered by the same *EventHandlerFunc
// pointer: Agent identifies handlers by equality, and bare func values
// are not comparable.
type EventHandlerFunc func(serf.Event)

func (f *EventHandlerFunc) HandleEvent(e serf.Event) {
	(*f)(e)
}
