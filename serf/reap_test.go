package serf

import (
	"net"
	"testing"
	"time"
)

func TestReap(t *testing.T) {
	s := &Serf{
		config:  &Config{EventCh: make(chan Event, 4)},
		members: make(map[string]*memberState),
	}

	old := []*memberState{
		{
			Member:    Member{Name: "stale", Addr: net.ParseIP("127.0.0.1")},
			leaveTime: time.Now().Add(-2 * time.Hour),
		},
		{
			Member:    Member{Name: "fresh", Addr: net.ParseIP("127.0.0.2")},
			leaveTime: time.Now(),
		},
	}
	s.members["stale"] = old[0]
	s.members["fresh"] = old[1]

	remaining := s.reap(old, time.Hour)
	if len(remaining) != 1 || remaining[0].Name != "fresh" {
		t.Fatalf("expected only 'fresh' to remain, got %v", remaining)
	}
	if _, ok := s.members["stale"]; ok {
		t.Fatal("expected 'stale' to be removed from members")
	}
	if _, ok := s.members["fresh"]; !ok {
		t.Fatal("expected 'fresh' to remain in members")
	}

	select {
	case e := <-s.config.EventCh:
		me, ok := e.(MemberEvent)
		if !ok || me.Type != EventMemberReap {
			t.Fatalf("expected a reap event, got %v", e)
		}
		if len(me.Members) != 1 || me.Members[0].Name != "stale" {
			t.Fatalf("expected reap event for 'stale', got %v", me.Members)
		}
	default:
		t.Fatal("expected a reap event to be emitted")
	}
}

func TestReap_NothingExpired(t *testing.T) {
	s := &Serf{
		config:  &Config{},
		members: make(map[string]*memberState),
	}
	old := []*memberState{
		{Member: Member{Name: "fresh"}, leaveTime: time.Now()},
	}
	s.members["fresh"] = old[0]

	remaining := s.reap(old, time.Hour)
	if len(remaining) != 1 {
		t.Fatalf("expected nothing reaped, got %v", remaining)
	}
}
