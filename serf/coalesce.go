package serf

import (
	"time"

	metrics "github.com/armon/go-metrics"
)

// coalescer smooths out bursts of events (many nodes flapping at once,
// a storm of user events) into periodic batches, so a downstream
// EventCh consumer sees one summarized update instead of N
// near-duplicate ones.
type coalescer interface {
	// handles reports whether this coalescer wants e. Events it
	// doesn't want are passed straight through to the output channel.
	handles(Event) bool

	// absorb folds e into whatever state will be flushed next.
	absorb(Event)

	// drain emits the coalesced state and resets it.
	drain(out chan<- Event)
}

// newCoalescedEventCh wraps outCh with a coalescing stage: the
// returned channel is what producers should send raw events to, and
// c decides which of those survive as individual sends and which get
// batched up into periodic flushes.
func newCoalescedEventCh(outCh chan<- Event, shutdownCh <-chan struct{},
	coalescePeriod, quiescentPeriod time.Duration, c coalescer) chan<- Event {
	inCh := make(chan Event, 1024)
	go runCoalescer(inCh, outCh, shutdownCh, coalescePeriod, quiescentPeriod, c)
	return inCh
}

// runCoalescer batches inbound events into flush cycles bounded two
// ways: a hard ceiling (coalescePeriod since the batch's first event)
// and a quiescence window (quiescentPeriod of silence) that lets a
// burst flush early once it tapers off.
func runCoalescer(inCh <-chan Event, outCh chan<- Event, shutdownCh <-chan struct{},
	coalescePeriod, quiescentPeriod time.Duration, c coalescer) {
	for {
		passed, flushReason := fillBatch(inCh, outCh, shutdownCh, coalescePeriod, quiescentPeriod, c)
		metrics.IncrCounter([]string{"serf", "coalesce", "passthrough"}, float32(passed))
		c.drain(outCh)
		if flushReason == flushShutdown {
			return
		}
	}
}

type flushReason int

const (
	flushDeadline flushReason = iota
	flushQuiescent
	flushShutdown
)

// fillBatch ingests events until one of the flush conditions fires,
// returning how many events it passed straight through untouched.
func fillBatch(inCh <-chan Event, outCh chan<- Event, shutdownCh <-chan struct{},
	coalescePeriod, quiescentPeriod time.Duration, c coalescer) (passed int, reason flushReason) {
	var deadline, quiet <-chan time.Time

	for {
		select {
		case e := <-inCh:
			if !c.handles(e) {
				outCh <- e
				passed++
				continue
			}
			if deadline == nil {
				deadline = time.After(coalescePeriod)
			}
			quiet = time.After(quiescentPeriod)
			c.absorb(e)

		case <-deadline:
			return passed, flushDeadline
		case <-quiet:
			return passed, flushQuiescent
		case <-shutdownCh:
			return passed, flushShutdown
		}
	}
}
