package serf

import (
	"testing"

	"github.com/nserf/nserf/memberlist"
)

func TestBroadcast_ImplementsMemberlistBroadcast(t *testing.T) {
	var _ memberlist.Broadcast = &broadcast{}
}

func TestBroadcast_Invalidates(t *testing.T) {
	b1 := &broadcast{key: "node1", msg: []byte("old")}
	b2 := &broadcast{key: "node1", msg: []byte("new")}
	b3 := &broadcast{key: "node2", msg: []byte("other")}

	if !b1.Invalidates(b2) {
		t.Fatal("expected same-key broadcasts to invalidate each other")
	}
	if b1.Invalidates(b3) {
		t.Fatal("did not expect different-key broadcasts to invalidate each other")
	}
	if b1.Invalidates(&nonBroadcast{}) {
		t.Fatal("did not expect a non-broadcast to be invalidated")
	}
}

func TestBroadcast_EmptyKeyNeverInvalidates(t *testing.T) {
	b1 := &broadcast{msg: []byte("a")}
	b2 := &broadcast{msg: []byte("b")}
	if b1.Invalidates(b2) {
		t.Fatal("empty-key broadcasts must never invalidate each other")
	}
}

func TestBroadcast_NameAndMessage(t *testing.T) {
	b := &broadcast{key: "node1", msg: []byte("payload")}
	if b.Name() != "node1" {
		t.Fatalf("bad name: %v", b.Name())
	}
	if string(b.Message()) != "payload" {
		t.Fatalf("bad message: %v", b.Message())
	}
}

func TestBroadcast_Finished(t *testing.T) {
	notify := make(chan struct{})
	b := &broadcast{msg: []byte("x"), notify: notify}
	b.Finished()

	select {
	case _, ok := <-notify:
		if ok {
			t.Fatal("expected notify channel to be closed, not sent on")
		}
	default:
		t.Fatal("expected notify channel to be closed")
	}

	// Finished on a broadcast with no notify channel must not panic.
	(&broadcast{msg: []byte("x")}).Finished()
}

type nonBroadcast struct{}

func (n *nonBroadcast) Invalidates(memberlist.Broadcast) bool { return false }
func (n *nonBroadcast) Name() string                          { return "" }
func (n *nonBroadcast) Message() []byte                       { return nil }
func (n *nonBroadcast) Finished()                             {}
