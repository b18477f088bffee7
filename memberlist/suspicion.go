package memberlist

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// suspicion tracks the timer that will declare a node dead unless it
// is refuted first. Every additional, distinct peer that confirms the
// suspicion shortens the remaining time, down to a configured minimum,
// per spec 4.4 ("confirmed faster as independent 'from' reports
// accumulate").
type suspicion struct {
	n       int64 // number of independent confirmations so far, atomic
	k       int64 // number of confirmations that reach the minimum timeout
	min     time.Duration
	max     time.Duration
	start   time.Time
	timer   *time.Timer
	timeoutFn func(numConfirmations int)

	confirmedMu sync.Mutex
	confirmed   map[string]struct{}
}

// newSuspicion starts a timer for max duration, calling fn when it
// fires (unless stopped first via Stop). Each Confirm from a new peer
// reschedules it earlier, down to min once k peers have confirmed.
// from is the peer that raised the original suspicion and does not
// count as a confirmation itself.
func newSuspicion(from string, k int, min, max time.Duration, fn func(numConfirmations int)) *suspicion {
	s := &suspicion{
		k:         int64(k),
		min:       min,
		max:       max,
		start:     time.Now(),
		timeoutFn: fn,
		confirmed: make(map[string]struct{}),
	}
	s.confirmed[from] = struct{}{}

	if k < 1 {
		s.timer = time.AfterFunc(max, func() { fn(0) })
		return s
	}

	s.timer = time.AfterFunc(max, s.fire)
	return s
}

func (s *suspicion) fire() {
	n := int(atomic.LoadInt64(&s.n))
	s.timeoutFn(n)
}

// remainingSuspicionTime implements the accelerating curve: with zero
// confirmations the full max elapses; with k confirmations the timeout
// collapses to min. Values in between interpolate on a log scale, the
// same shape SWIM's paper and the teacher's comments describe.
func remainingSuspicionTime(n, k int64, elapsed time.Duration, min, max time.Duration) time.Duration {
	if k < 1 {
		return max - elapsed
	}
	frac := math.Log(float64(n)+1.0) / math.Log(float64(k)+1.0)
	if frac > 1 {
		frac = 1
	}
	raw := float64(max) - frac*float64(max-min)
	remaining := time.Duration(raw) - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Confirm registers an additional peer's report of suspicion. Returns
// true if this confirmation actually rescheduled the timer (i.e. from
// was new and we have not already reached k).
func (s *suspicion) Confirm(from string) bool {
	s.confirmedMu.Lock()
	defer s.confirmedMu.Unlock()

	if atomic.LoadInt64(&s.n) >= s.k {
		return false
	}
	if _, ok := s.confirmed[from]; ok {
		return false
	}
	s.confirmed[from] = struct{}{}

	n := atomic.AddInt64(&s.n, 1)
	elapsed := time.Since(s.start)
	remaining := remainingSuspicionTime(n, s.k, elapsed, s.min, s.max)
	s.timer.Reset(remaining)
	return true
}

func (s *suspicion) Stop() bool {
	return s.timer.Stop()
}
