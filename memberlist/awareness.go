package memberlist

import (
	"sync"
	"time"
)

// awareness tracks a rolling health score for the local node: probe
// failures push it up, successes pull it down, and the current score
// scales every outgoing timer (probe interval, suspicion duration) so
// a locally-overloaded node backs off rather than flooding the
// cluster with false suspicions, per spec 4.4.
type awareness struct {
	mu       sync.Mutex
	max      int
	score    int
}

func newAwareness(max int) *awareness {
	return &awareness{max: max}
}

func (a *awareness) ApplyDelta(delta int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.score += delta
	if a.score < 0 {
		a.score = 0
	}
	if a.score > a.max-1 {
		a.score = a.max - 1
	}
}

func (a *awareness) GetHealthScore() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.score
}

// ScaleTimeout multiplies d by (score+1), so an unhealthy local node
// waits proportionally longer before declaring peers dead -- it gives
// the local node's own link a chance to recover instead of mass
// suspecting the cluster.
func (a *awareness) ScaleTimeout(d time.Duration) time.Duration {
	score := a.GetHealthScore()
	return d * time.Duration(score+1)
}
