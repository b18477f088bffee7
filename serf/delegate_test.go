package serf

import (
	"testing"
)

func TestDelegate_NodeMeta(t *testing.T) {
	c, done := testConfig(t)
	defer done()
	c.Tags = map[string]string{"role": "web"}

	s, err := Create(c)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	d := &delegate{serf: s}
	meta := d.NodeMeta(512)
	tags := s.decodeTags(meta)
	if tags["role"] != "web" {
		t.Fatalf("bad tags: %v", tags)
	}
}

func TestDelegate_NodeMeta_PanicsOverLimit(t *testing.T) {
	c, done := testConfig(t)
	defer done()
	c.Tags = map[string]string{"role": "web"}

	s, err := Create(c)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic when tags exceed the meta limit")
		}
	}()

	d := &delegate{serf: s}
	d.NodeMeta(1)
}

func TestDelegate_LocalState_MergeRemoteState(t *testing.T) {
	c, done := testConfig(t)
	defer done()
	s, err := Create(c)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	if err := s.UserEvent("deploy", []byte("v1"), false); err != nil {
		t.Fatalf("err: %v", err)
	}

	d := &delegate{serf: s}
	buf := d.LocalState(false)
	if len(buf) == 0 {
		t.Fatal("expected non-empty local state")
	}
	if messageType(buf[0]) != messagePushPullType {
		t.Fatalf("bad message type: %d", buf[0])
	}

	// A fresh Serf merging this state should witness the clock and the
	// user event without needing a live memberlist round.
	c2, done2 := testConfig(t)
	defer done2()
	s2, err := Create(c2)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s2.Shutdown()

	d2 := &delegate{serf: s2}
	d2.MergeRemoteState(buf, false)

	if s2.clock.Time() <= LamportTime(1) {
		t.Fatalf("expected clock to advance past witness, got %d", s2.clock.Time())
	}
}

func TestDelegate_GetBroadcasts(t *testing.T) {
	c, done := testConfig(t)
	defer done()
	s, err := Create(c)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	s.broadcasts.QueueBroadcast(&broadcast{key: "k", msg: []byte("hello")})

	d := &delegate{serf: s}
	msgs := d.GetBroadcasts(0, 1024)
	if len(msgs) == 0 {
		t.Fatal("expected at least one queued broadcast")
	}
}
