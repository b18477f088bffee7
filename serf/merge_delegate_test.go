package serf

import (
	"net"
	"testing"

	"github.com/nserf/nserf/memberlist"
)

func testNode(name, addr string) *memberlist.Node {
	return &memberlist.Node{
		Name:  name,
		Addr:  net.ParseIP(addr),
		Port:  7946,
		State: memberlist.StateAlive,
	}
}

func TestMergeDelegate_ValidateMemberInfo(t *testing.T) {
	m := &mergeDelegate{}

	cases := []struct {
		name    string
		node    *memberlist.Node
		wantErr bool
	}{
		{"valid", testNode("node1", "127.0.0.1"), false},
		{"empty name", testNode("", "127.0.0.1"), true},
		{"invalid chars", testNode("node 1!", "127.0.0.1"), true},
		{"bad addr", testNode("node1", "not-an-ip"), true},
	}

	for _, tc := range cases {
		err := m.validateMemberInfo(tc.node)
		if tc.wantErr && err == nil {
			t.Errorf("%s: expected error, got nil", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("%s: unexpected error: %v", tc.name, err)
		}
	}
}

func TestMergeDelegate_ValidateMemberInfo_NameTooLong(t *testing.T) {
	m := &mergeDelegate{}
	long := make([]byte, 129)
	for i := range long {
		long[i] = 'a'
	}
	n := testNode(string(long), "127.0.0.1")
	if err := m.validateMemberInfo(n); err == nil {
		t.Fatal("expected an error for an over-long node name")
	}
}

func TestMergeDelegate_ValidateMemberInfo_MetaTooLarge(t *testing.T) {
	m := &mergeDelegate{}
	n := testNode("node1", "127.0.0.1")
	n.Meta = make([]byte, memberlist.MetaMaxSize+1)
	if err := m.validateMemberInfo(n); err == nil {
		t.Fatal("expected an error for oversized meta")
	}
}

func TestMergeDelegate_NotifyAlive_NoMergeDelegate(t *testing.T) {
	c, done := testConfig(t)
	defer done()
	s, err := Create(c)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	md := &mergeDelegate{serf: s}
	if err := md.NotifyAlive(testNode("other", "127.0.0.2")); err != nil {
		t.Fatalf("err: %v", err)
	}
}

type rejectMerge struct {
	called bool
}

func (r *rejectMerge) NotifyMerge(members []*Member) error {
	r.called = true
	return nil
}

func TestMergeDelegate_NotifyMerge_CallsConfiguredDelegate(t *testing.T) {
	c, done := testConfig(t)
	defer done()
	rm := &rejectMerge{}
	c.Merge = rm
	s, err := Create(c)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	md := &mergeDelegate{serf: s}
	nodes := []*memberlist.Node{testNode("other", "127.0.0.2")}
	if err := md.NotifyMerge(nodes); err != nil {
		t.Fatalf("err: %v", err)
	}
	if !rm.called {
		t.Fatal("expected configured Merge delegate to be invoked")
	}
}
