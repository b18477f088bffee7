package serf

import (
	"testing"
)

func TestAttemptReconnect_NoFailedMembers(t *testing.T) {
	s := &Serf{
		config: &Config{},
	}
	// Must not panic or block when there is nothing to reconnect to.
	s.attemptReconnect()
}

func TestAttemptReconnect_AttemptsJoin(t *testing.T) {
	c1, done1 := testConfig(t)
	defer done1()
	s1, err := Create(c1)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s1.Shutdown()

	c2, done2 := testConfig(t)
	defer done2()
	s2, err := Create(c2)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s2.Shutdown()

	s2.memberLock.Lock()
	s2.failedMembers = append(s2.failedMembers, &memberState{
		Member: Member{
			Name: c1.NodeName,
			Addr: s1.memberlist.LocalNode().Addr,
			Port: s1.memberlist.LocalNode().Port,
		},
	})
	s2.memberLock.Unlock()

	s2.attemptReconnect()

	waitForCondition(t, func() bool {
		return s2.memberlist.NumMembers() == 2
	})
}
