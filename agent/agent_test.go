package agent

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/nserf/nserf/memberlist"
	"github.com/nserf/nserf/serf"
	"github.com/nserf/nserf/testutil"
)

func testAgent(t *testing.T) (*Agent, *Config, func()) {
	ip, returnFn := testutil.TakeIP()

	sc := serf.DefaultConfig()
	sc.MemberlistConfig = memberlist.DefaultLocalConfig()
	sc.MemberlistConfig.BindAddr = ip.String()
	sc.MemberlistConfig.BindPort = 7946
	sc.NodeName = ip.String()
	sc.ReapInterval = 10 * time.Second
	sc.ReconnectInterval = 10 * time.Second

	ac := DefaultConfig()

	a, err := Create(ac, sc, testutil.TestWriter(t))
	if err != nil {
		returnFn()
		t.Fatalf("err: %v", err)
	}
	return a, ac, returnFn
}

func TestAgent_StartShutdown(t *testing.T) {
	a, _, done := testAgent(t)
	defer done()

	if err := a.Start(); err != nil {
		t.Fatalf("err: %v", err)
	}
	defer a.Shutdown()

	if len(a.Members()) != 1 {
		t.Fatalf("expected 1 member, got %d", len(a.Members()))
	}

	if err := a.Shutdown(); err != nil {
		t.Fatalf("err: %v", err)
	}
	// A second Shutdown must be a safe no-op.
	if err := a.Shutdown(); err != nil {
		t.Fatalf("err: %v", err)
	}

	select {
	case <-a.ShutdownCh():
	default:
		t.Fatal("expected ShutdownCh to be closed")
	}
}

func TestAgent_Join(t *testing.T) {
	a1, sc1, done1 := testAgent(t)
	defer done1()
	if err := a1.Start(); err != nil {
		t.Fatalf("err: %v", err)
	}
	defer a1.Shutdown()

	a2, _, done2 := testAgent(t)
	defer done2()
	if err := a2.Start(); err != nil {
		t.Fatalf("err: %v", err)
	}
	defer a2.Shutdown()

	joinAddr := fmt.Sprintf("%s:%d", sc1.MemberlistConfig.BindAddr, sc1.MemberlistConfig.BindPort)
	n, err := a2.Join([]string{joinAddr}, false)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 node joined, got %d", n)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(a1.Members()) == 2 && len(a2.Members()) == 2 {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	if len(a1.Members()) != 2 {
		t.Fatalf("expected a1 to see 2 members, got %d", len(a1.Members()))
	}
}

func TestAgent_EventHandler(t *testing.T) {
	a, _, done := testAgent(t)
	defer done()
	if err := a.Start(); err != nil {
		t.Fatalf("err: %v", err)
	}
	defer a.Shutdown()

	eventCh := make(chan serf.Event, 16)
	handler := EventHandlerFunc(func(e serf.Event) {
		eventCh <- e
	})
	a.RegisterEventHandler(&handler)

	if err := a.UserEvent("deploy", []byte("v1"), false); err != nil {
		t.Fatalf("err: %v", err)
	}

	select {
	case e := <-eventCh:
		ue, ok := e.(serf.UserEvent)
		if !ok || ue.Name != "deploy" {
			t.Fatalf("unexpected event: %#v", e)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for user event")
	}

	a.DeregisterEventHandler(&handler)
	if err := a.UserEvent("deploy2", []byte("v2"), false); err != nil {
		t.Fatalf("err: %v", err)
	}
	select {
	case e := <-eventCh:
		t.Fatalf("did not expect an event after deregistering: %#v", e)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestAgent_SetTags(t *testing.T) {
	a, _, done := testAgent(t)
	defer done()
	if err := a.Start(); err != nil {
		t.Fatalf("err: %v", err)
	}
	defer a.Shutdown()

	if err := a.SetTags(map[string]string{"role": "web"}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if a.LocalMember().Tags["role"] != "web" {
		t.Fatalf("bad tags: %v", a.LocalMember().Tags)
	}
}

func TestAgent_TagsFile(t *testing.T) {
	f, err := os.CreateTemp("", "nserf-tags")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	f.Close()
	defer os.Remove(f.Name())

	ip, done := testutil.TakeIP()
	defer done()

	sc := serf.DefaultConfig()
	sc.MemberlistConfig = memberlist.DefaultLocalConfig()
	sc.MemberlistConfig.BindAddr = ip.String()
	sc.MemberlistConfig.BindPort = 7946
	sc.NodeName = ip.String()

	ac := DefaultConfig()
	ac.TagsFile = f.Name()

	a, err := Create(ac, sc, testutil.TestWriter(t))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("err: %v", err)
	}
	defer a.Shutdown()

	if err := a.SetTags(map[string]string{"role": "db"}); err != nil {
		t.Fatalf("err: %v", err)
	}

	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected tags file to be written")
	}
}

func TestAgent_Stats(t *testing.T) {
	a, _, done := testAgent(t)
	defer done()
	if err := a.Start(); err != nil {
		t.Fatalf("err: %v", err)
	}
	defer a.Shutdown()

	stats := a.Stats()
	if stats["members"] != "1" {
		t.Fatalf("bad stats: %v", stats)
	}
}

func TestAgent_Stream(t *testing.T) {
	a, _, done := testAgent(t)
	defer done()
	if err := a.Start(); err != nil {
		t.Fatalf("err: %v", err)
	}
	defer a.Shutdown()

	ch, cancel := a.Stream("DEBUG")
	defer cancel()

	a.logger.Printf("[DEBUG] agent: a synthetic test line")

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a log line on the stream")
	}
}

func TestAgent_GetCoordinate(t *testing.T) {
	a, _, done := testAgent(t)
	defer done()
	if err := a.Start(); err != nil {
		t.Fatalf("err: %v", err)
	}
	defer a.Shutdown()

	if _, err := a.GetCoordinate(); err != nil {
		t.Fatalf("err: %v", err)
	}
}

func TestAgent_QueryRejectsInternalPrefix(t *testing.T) {
	a, _, done := testAgent(t)
	defer done()
	if err := a.Start(); err != nil {
		t.Fatalf("err: %v", err)
	}
	defer a.Shutdown()

	if _, err := a.Query(serf.InternalQueryPrefix+"conflict", []byte("x"), nil); err == nil {
		t.Fatal("expected an error querying an internal query name")
	}
}
