package serf

import (
	"sync/atomic"
)

// LamportTime is the value of a LamportClock, used to order member,
// user, and query events across the cluster without relying on wall
// clocks.
type LamportTime uint64

// LamportClock provides a thread safe implementation of a lamport clock.
// Serf keeps three independent clocks: membership (Serf.clock), user
// events (Serf.eventClock), and queries (Serf.queryClock).
type LamportClock struct {
	counter uint64
}

// Time is used to return the current value of the lamport clock
func (l *LamportClock) Time() LamportTime {
	return LamportTime(atomic.LoadUint64(&l.counter))
}

// Increment is used to increment and return the value of the lamport clock
func (l *LamportClock) Increment() LamportTime {
	return LamportTime(atomic.AddUint64(&l.counter, 1))
}

// Witness is called to update our local clock if necessary after
// witnessing a clock value received from another process
func (l *LamportClock) Witness(v LamportTime) {
	for {
		cur := atomic.LoadUint64(&l.counter)
		other := uint64(v)
		if other < cur {
			return
		}
		if atomic.CompareAndSwapUint64(&l.counter, cur, other+1) {
			return
		}
	}
}
