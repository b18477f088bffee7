package memberlist

import (
	"math"
	"sync"
)

// Broadcast is the interface a message must implement to ride the
// gossip broadcast queue. Serf's own join/leave/user-event/query
// messages wrap around this exactly the way serf/broadcast.go does.
type Broadcast interface {
	// Invalidates returns true if this broadcast supersedes (and
	// should replace) other in the queue.
	Invalidates(other Broadcast) bool

	// Message returns the encoded bytes to send.
	Message() []byte

	// Finished is invoked once the broadcast has either been sent out
	// its configured number of times, or has been invalidated.
	Finished()
}

// NamedBroadcast is an optional extension that lets the queue
// invalidate by a logical key rather than relying on Invalidates doing
// a type assertion dance; TransmitLimitedQueue prefers this when
// present.
type NamedBroadcast interface {
	Broadcast
	Name() string
}

type limitedBroadcast struct {
	transmits int // number of transmits attempted so far
	b         Broadcast
	name      string // set if b implements NamedBroadcast
}

// TransmitLimitedQueue is a priority queue of pending broadcasts. Each
// entry is retransmitted up to a number of times proportional to
// log(NumNodes+1), per spec 4.3. It is safe for concurrent use by the
// gossip goroutine, the probe goroutine (piggy-backing alive/suspect/
// dead), and any layer above (Serf) injecting its own messages.
type TransmitLimitedQueue struct {
	// NumNodes returns the current estimate of cluster size, used to
	// compute the retransmit limit.
	NumNodes func() int

	// RetransmitMult is multiplied against log(N+1) to get the
	// maximum number of transmits for a broadcast.
	RetransmitMult int

	mu sync.Mutex
	tq []*limitedBroadcast
}

// QueueBroadcast enqueues b. If b is a NamedBroadcast and an existing
// entry shares its name, the existing entry is invalidated (Finished
// called) and replaced.
func (q *TransmitLimitedQueue) QueueBroadcast(b Broadcast) {
	q.mu.Lock()
	defer q.mu.Unlock()

	name := ""
	if nb, ok := b.(NamedBroadcast); ok {
		name = nb.Name()
	}

	kept := q.tq[:0]
	for _, item := range q.tq {
		if name != "" && item.name == name {
			item.b.Finished()
			continue
		}
		if name == "" && item.b.Invalidates(b) {
			item.b.Finished()
			continue
		}
		if b.Invalidates(item.b) {
			item.b.Finished()
			continue
		}
		kept = append(kept, item)
	}
	q.tq = append(kept, &limitedBroadcast{b: b, name: name})
}

// retransmitLimit returns ceil(RetransmitMult * log(n+1)), with a
// floor of 1 so at least one transmission always happens.
func (q *TransmitLimitedQueue) retransmitLimit() int {
	n := 0
	if q.NumNodes != nil {
		n = q.NumNodes()
	}
	limit := q.RetransmitMult
	if limit <= 0 {
		limit = 1
	}
	scaled := int(math.Ceil(float64(limit) * math.Log10(float64(n+1))))
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}

// GetBroadcasts returns a set of encoded messages whose total size
// (plus overhead per message) fits within limit bytes, counting one
// transmit for each. The messages are returned as a plain list; the
// caller packs them into a compound packet.
func (q *TransmitLimitedQueue) GetBroadcasts(overhead, limit int) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tq) == 0 {
		return nil
	}

	transmitLimit := q.retransmitLimit()

	var out [][]byte
	used := 0
	var toRemove []int
	for i, item := range q.tq {
		msg := item.b.Message()
		need := overhead + len(msg)
		if used+need > limit {
			continue
		}
		used += need
		out = append(out, msg)
		item.transmits++
		if item.transmits >= transmitLimit {
			toRemove = append(toRemove, i)
		}
	}

	if len(toRemove) > 0 {
		kept := q.tq[:0]
		removeSet := make(map[int]struct{}, len(toRemove))
		for _, idx := range toRemove {
			removeSet[idx] = struct{}{}
		}
		for i, item := range q.tq {
			if _, ok := removeSet[i]; ok {
				item.b.Finished()
				continue
			}
			kept = append(kept, item)
		}
		q.tq = kept
	}

	return out
}

// NumQueued returns the number of pending broadcasts, used to warn on
// a growing queue depth (per spec's QueueDepthWarning convention).
func (q *TransmitLimitedQueue) NumQueued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tq)
}

// Reset clears the queue, calling Finished on every pending broadcast.
func (q *TransmitLimitedQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.tq {
		item.b.Finished()
	}
	q.tq = nil
}
