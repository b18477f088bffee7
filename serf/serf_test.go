package serf

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/nserf/nserf/memberlist"
	"github.com/nserf/nserf/testutil"
)

func testConfig(t *testing.T) (*Config, func()) {
	ip, returnFn := testutil.TakeIP()

	c := DefaultConfig()
	c.NodeName = ip.String()
	c.MemberlistConfig = memberlist.DefaultLocalConfig()
	c.MemberlistConfig.BindAddr = ip.String()
	c.MemberlistConfig.BindPort = 7946
	c.MemberlistConfig.LogOutput = testutil.TestWriter(t)
	c.LogOutput = testutil.TestWriter(t)
	c.ReapInterval = 10 * time.Second
	c.ReconnectInterval = 10 * time.Second

	return c, returnFn
}

func testMember(t *testing.T, s *Serf) Member {
	for _, m := range s.Members() {
		if m.Name == s.config.NodeName {
			return m
		}
	}
	t.Fatalf("local member %q not found", s.config.NodeName)
	return Member{}
}

func TestSerf_Create(t *testing.T) {
	c, done := testConfig(t)
	defer done()

	s, err := Create(c)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	if s.State() != SerfAlive {
		t.Fatalf("bad state: %v", s.State())
	}
	if len(s.Members()) != 1 {
		t.Fatalf("expected 1 member, got %d", len(s.Members()))
	}
	m := testMember(t, s)
	if m.Status != StatusAlive {
		t.Fatalf("bad status: %v", m.Status)
	}
}

func TestSerf_Join(t *testing.T) {
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

	joinAddr := fmt.Sprintf("%s:%d", c1.MemberlistConfig.BindAddr, c1.MemberlistConfig.BindPort)
	n, err := s2.Join([]string{joinAddr}, false)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected to join 1 node, got %d", n)
	}

	waitForCondition(t, func() bool {
		return len(s1.Members()) == 2 && len(s2.Members()) == 2
	})
}

func TestSerf_Leave(t *testing.T) {
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

	joinAddr := fmt.Sprintf("%s:%d", c1.MemberlistConfig.BindAddr, c1.MemberlistConfig.BindPort)
	if _, err := s2.Join([]string{joinAddr}, false); err != nil {
		t.Fatalf("err: %v", err)
	}
	waitForCondition(t, func() bool {
		return len(s1.Members()) == 2
	})

	if err := s2.Leave(); err != nil {
		t.Fatalf("err: %v", err)
	}
	if s2.State() != SerfLeft {
		t.Fatalf("bad state: %v", s2.State())
	}

	waitForCondition(t, func() bool {
		for _, m := range s1.Members() {
			if m.Name == c2.NodeName {
				return m.Status == StatusLeft
			}
		}
		return false
	})
}

func TestSerf_UserEvent(t *testing.T) {
	c1, done1 := testConfig(t)
	defer done1()
	eventCh := make(chan Event, 64)
	c1.EventCh = eventCh
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

	joinAddr := fmt.Sprintf("%s:%d", c1.MemberlistConfig.BindAddr, c1.MemberlistConfig.BindPort)
	if _, err := s2.Join([]string{joinAddr}, false); err != nil {
		t.Fatalf("err: %v", err)
	}

	if err := s2.UserEvent("deploy", []byte("v2"), false); err != nil {
		t.Fatalf("err: %v", err)
	}

	found := false
	timeout := time.After(5 * time.Second)
	for !found {
		select {
		case e := <-eventCh:
			if ue, ok := e.(UserEvent); ok && ue.Name == "deploy" {
				found = true
			}
		case <-timeout:
			t.Fatal("timed out waiting for user event")
		}
	}
}

func TestSerf_Query(t *testing.T) {
	c1, done1 := testConfig(t)
	defer done1()
	s1, err := Create(c1)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s1.Shutdown()

	c2, done2 := testConfig(t)
	defer done2()
	eventCh := make(chan Event, 64)
	c2.EventCh = eventCh
	s2, err := Create(c2)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s2.Shutdown()

	joinAddr := fmt.Sprintf("%s:%d", c1.MemberlistConfig.BindAddr, c1.MemberlistConfig.BindPort)
	if _, err := s2.Join([]string{joinAddr}, false); err != nil {
		t.Fatalf("err: %v", err)
	}
	waitForCondition(t, func() bool {
		return len(s1.Members()) == 2 && len(s2.Members()) == 2
	})

	go func() {
		for e := range eventCh {
			if q, ok := e.(*Query); ok {
				q.Respond([]byte("pong"))
			}
		}
	}()

	resp, err := s1.Query("ping", []byte("hi"), nil)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	gotResponse := false
	timeout := time.After(5 * time.Second)
loop:
	for {
		select {
		case r, ok := <-resp.ResponseCh():
			if !ok {
				break loop
			}
			if string(r.Payload) == "pong" {
				gotResponse = true
			}
		case <-timeout:
			t.Fatal("timed out waiting for query response")
		}
	}
	if !gotResponse {
		t.Fatal("expected a response")
	}
}

func TestSerf_ForceLeave(t *testing.T) {
	c, done := testConfig(t)
	defer done()
	s, err := Create(c)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	s.memberLock.Lock()
	s.members["ghost"] = &memberState{
		Member: Member{
			Name:   "ghost",
			Addr:   net.ParseIP("127.0.0.250"),
			Port:   7946,
			Status: StatusFailed,
		},
		statusLTime: s.clock.Time(),
	}
	s.memberLock.Unlock()

	if err := s.ForceLeave("ghost", true); err != nil {
		t.Fatalf("err: %v", err)
	}

	s.memberLock.RLock()
	_, ok := s.members["ghost"]
	s.memberLock.RUnlock()
	if ok {
		t.Fatal("expected ghost member to be pruned immediately")
	}
}

func TestSerf_SetTags(t *testing.T) {
	c, done := testConfig(t)
	defer done()
	s, err := Create(c)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	if err := s.SetTags(map[string]string{"role": "web"}); err != nil {
		t.Fatalf("err: %v", err)
	}
	m := testMember(t, s)
	if m.Tags["role"] != "web" {
		t.Fatalf("bad tags: %v", m.Tags)
	}
}

func TestSerf_UpdateTags(t *testing.T) {
	c, done := testConfig(t)
	defer done()
	c.Tags = map[string]string{"role": "web", "az": "us-east-1"}
	s, err := Create(c)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	if err := s.UpdateTags(map[string]string{"role": "db"}, []string{"az"}); err != nil {
		t.Fatalf("err: %v", err)
	}

	m := testMember(t, s)
	if m.Tags["role"] != "db" {
		t.Fatalf("bad role tag: %v", m.Tags)
	}
	if _, ok := m.Tags["az"]; ok {
		t.Fatalf("expected az tag to be removed: %v", m.Tags)
	}
}

func TestSerf_MembersFiltered(t *testing.T) {
	c, done := testConfig(t)
	defer done()
	c.Tags = map[string]string{"role": "web"}
	s, err := Create(c)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	members, err := s.MembersFiltered(map[string]string{"role": "web"}, "", "")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("expected 1 match, got %d", len(members))
	}

	members, err = s.MembersFiltered(map[string]string{"role": "db"}, "", "")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected 0 matches, got %d", len(members))
	}
}

func TestSerf_Stats(t *testing.T) {
	c, done := testConfig(t)
	defer done()
	s, err := Create(c)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	stats := s.Stats()
	if stats["members"] != "1" {
		t.Fatalf("bad member count: %v", stats["members"])
	}
	if stats["encrypted"] != "false" {
		t.Fatalf("expected encrypted=false, got %v", stats["encrypted"])
	}
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
