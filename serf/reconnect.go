package serf

import (
	"net"
	"strconv"
	"time"
)

// handleReconnect is a long running routine that attempts to reconnect
// to nodes that have failed or been partitioned, letting Serf recover
// automatically once the network heals.
func (s *Serf) handleReconnect() {
	for {
		select {
		case <-time.After(s.config.ReconnectInterval):
			s.attemptReconnect()
		case <-s.shutdownCh:
			return
		}
	}
}

// attemptReconnect tries to rejoin a single random failed member.
func (s *Serf) attemptReconnect() {
	s.memberLock.RLock()
	n := len(s.failedMembers)
	if n == 0 {
		s.memberLock.RUnlock()
		return
	}
	mem := s.failedMembers[randomOffset(n)]
	s.memberLock.RUnlock()

	addr := net.JoinHostPort(mem.Addr.String(), strconv.Itoa(int(mem.Port)))
	if _, err := s.memberlist.Join([]string{addr}); err != nil {
		s.logger.Printf("[DEBUG] serf: failed to reconnect to %s: %v", mem.Name, err)
	}
}
