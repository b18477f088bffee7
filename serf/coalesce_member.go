package serf

// coalesceEvent is the last-seen snapshot for one node: the event type
// fired for it and the Member payload that would accompany a flush.
type coalesceEvent struct {
	Type   EventType
	Member Member
}

// memberEventCoalescer batches membership churn (join/leave/fail/
// update/reap) across a flush window, keeping only the most recent
// event per node and suppressing a flush entirely when a node's event
// type hasn't changed since the last one that actually went out.
type memberEventCoalescer struct {
	lastEvents   map[string]EventType   // type last flushed for a node
	latestEvents map[string]coalesceEvent // type/member pending the next flush
}

func (c *memberEventCoalescer) handles(e Event) bool {
	switch e.EventType() {
	case EventMemberJoin, EventMemberLeave, EventMemberFailed, EventMemberUpdate, EventMemberReap:
		return true
	default:
		return false
	}
}

func (c *memberEventCoalescer) absorb(raw Event) {
	e := raw.(MemberEvent)
	for _, m := range e.Members {
		c.latestEvents[m.Name] = coalesceEvent{
			Type:   e.Type,
			Member: m,
		}
	}
}

func (c *memberEventCoalescer) drain(outCh chan<- Event) {
	grouped := make(map[EventType]*MemberEvent)
	for name, ce := range c.latestEvents {
		if c.lastEvents[name] == ce.Type {
			continue
		}
		c.lastEvents[name] = ce.Type

		event, ok := grouped[ce.Type]
		if !ok {
			event = &MemberEvent{Type: ce.Type}
			grouped[ce.Type] = event
		}
		event.Members = append(event.Members, ce.Member)
	}

	for _, event := range grouped {
		outCh <- *event
	}
	c.latestEvents = make(map[string]coalesceEvent)
}
