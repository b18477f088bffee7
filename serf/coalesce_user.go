package serf

// latestUserEvents tracks, for one user event name, the highest
// LamportTime seen and every event that arrived at that time (a tie
// means distinct payloads fired concurrently, so all survive).
type latestUserEvents struct {
	LTime  LamportTime
	Events []Event
}

// userEventCoalescer keeps only the newest-LTime user event(s) per
// name across a flush window, so a node that fires the same named
// event repeatedly in a burst only costs the consumer one update.
type userEventCoalescer struct {
	events map[string]*latestUserEvents
}

func newUserEventCoalescer() *userEventCoalescer {
	return &userEventCoalescer{
		events: make(map[string]*latestUserEvents),
	}
}

func (c *userEventCoalescer) handles(e Event) bool {
	if e.EventType() != EventUser {
		return false
	}
	return e.(UserEvent).Coalesce
}

func (c *userEventCoalescer) absorb(e Event) {
	user := e.(UserEvent)
	latest, ok := c.events[user.Name]

	if !ok || latest.LTime < user.LTime {
		c.events[user.Name] = &latestUserEvents{
			LTime:  user.LTime,
			Events: []Event{e},
		}
		return
	}

	if latest.LTime == user.LTime {
		latest.Events = append(latest.Events, e)
	}
}

func (c *userEventCoalescer) drain(outCh chan<- Event) {
	for _, latest := range c.events {
		for _, e := range latest.Events {
			outCh <- e
		}
	}
	c.events = make(map[string]*latestUserEvents)
}
