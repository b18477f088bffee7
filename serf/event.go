package serf

import metrics "github.com/armon/go-metrics"

// dispatchEvent delivers e to ch without ever blocking the caller: if
// ch is full, the oldest queued event is dropped to make room. A slow
// or absent consumer can lose history this way, but it can never stall
// the membership/gossip goroutines that produce these events.
func dispatchEvent(ch chan Event, e Event) {
	if ch == nil {
		return
	}
	select {
	case ch <- e:
		return
	default:
	}

	select {
	case <-ch:
		metrics.IncrCounter([]string{"serf", "events", "dropped"}, 1)
	default:
	}

	select {
	case ch <- e:
	default:
	}
}

// EventType is the type of an event, one of the Event* constants below.
type EventType int

const (
	EventMemberJoin EventType = iota
	EventMemberLeave
	EventMemberFailed
	EventMemberUpdate
	EventMemberReap
	EventUser
	EventQuery
)

func (t EventType) String() string {
	switch t {
	case EventMemberJoin:
		return "member-join"
	case EventMemberLeave:
		return "member-leave"
	case EventMemberFailed:
		return "member-failed"
	case EventMemberUpdate:
		return "member-update"
	case EventMemberReap:
		return "member-reap"
	case EventUser:
		return "user"
	case EventQuery:
		return "query"
	default:
		return "unknown"
	}
}

// Event is something that happens in a Serf cluster that can be consumed
// off of the Serf.config.EventCh channel. Every concrete event type
// (MemberEvent, UserEvent, Query) satisfies this.
type Event interface {
	EventType() EventType
}

// MemberEvent is the struct used for member related events. It is sent
// for any membership status change, already coalesced by
// coalesce_member.go if a CoalescePeriod is configured.
type MemberEvent struct {
	Type    EventType
	Members []Member
}

func (m MemberEvent) EventType() EventType {
	return m.Type
}

// UserEvent is the struct used for a user generated event, fired via
// Serf.UserEvent and delivered on every reachable node's event channel.
type UserEvent struct {
	LTime    LamportTime
	Name     string
	Payload  []byte
	Coalesce bool
}

func (u UserEvent) EventType() EventType {
	return EventUser
}
