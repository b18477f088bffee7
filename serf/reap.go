package serf

import (
	"time"
)

// handleReap is a long running routine that reaps tombstones for
// failed nodes as well as those that gracefully left, once their
// timeout has passed.
func (s *Serf) handleReap() {
	for {
		select {
		case <-time.After(s.config.ReapInterval):
			s.memberLock.Lock()
			s.failedMembers = s.reap(s.failedMembers, s.config.ReconnectTimeout)
			s.leftMembers = s.reap(s.leftMembers, s.config.TombstoneTimeout)
			s.memberLock.Unlock()
		case <-s.shutdownCh:
			return
		}
	}
}

// reap removes members whose leaveTime has exceeded timeout from both
// old and s.members. Caller must hold s.memberLock.
func (s *Serf) reap(old []*memberState, timeout time.Duration) []*memberState {
	now := time.Now()
	n := len(old)
	for i := 0; i < n; i++ {
		m := old[i]
		if now.Sub(m.leaveTime) <= timeout {
			continue
		}

		old[i], old[n-1] = old[n-1], nil
		old = old[:n-1]
		n--
		i--

		delete(s.members, m.Name)
		dispatchEvent(s.config.EventCh, MemberEvent{Type: EventMemberReap, Members: []Member{m.Member}})
	}
	return old
}
