package serf

import (
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/nserf/nserf/memberlist"
)

const testKey1 = "HvY8ubRZMgafUOWvrOadwOckVa1wN3QWAo46FVKbVN8="
const testKey2 = "kzbqDvMJYKIuSx+A1l0oHY5iH3/CuFT7NjwgzUlPIjk="

func testKeyringConfig(t *testing.T) (*Config, func()) {
	c, done := testConfig(t)
	raw1, err := base64.StdEncoding.DecodeString(testKey1)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	keyring, err := memberlist.NewKeyring(nil, raw1)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	c.MemberlistConfig.Keyring = keyring
	return c, done
}

func TestKeyManager_InstallUseRemoveList(t *testing.T) {
	c1, done1 := testKeyringConfig(t)
	defer done1()
	s1, err := Create(c1)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s1.Shutdown()

	c2, done2 := testKeyringConfig(t)
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
		return len(s1.Members()) == 2 && len(s2.Members()) == 2
	})

	km := s1.KeyManager()

	installResp, err := km.InstallKey(testKey2)
	if err != nil {
		t.Fatalf("err: %v (%v)", err, installResp.Messages)
	}
	if installResp.TotalNodes != 2 {
		t.Fatalf("expected 2 nodes, got %d", installResp.TotalNodes)
	}

	listResp, err := km.ListKeys()
	if err != nil {
		t.Fatalf("err: %v (%v)", err, listResp.Messages)
	}
	if listResp.Keys[testKey1] != 2 || listResp.Keys[testKey2] != 2 {
		t.Fatalf("expected both keys on both nodes: %v", listResp.Keys)
	}

	useResp, err := km.UseKey(testKey2)
	if err != nil {
		t.Fatalf("err: %v (%v)", err, useResp.Messages)
	}

	removeResp, err := km.RemoveKey(testKey1)
	if err != nil {
		t.Fatalf("err: %v (%v)", err, removeResp.Messages)
	}

	listResp, err = km.ListKeys()
	if err != nil {
		t.Fatalf("err: %v (%v)", err, listResp.Messages)
	}
	if _, ok := listResp.Keys[testKey1]; ok {
		t.Fatalf("expected key1 to be removed: %v", listResp.Keys)
	}
	if listResp.Keys[testKey2] != 2 {
		t.Fatalf("expected key2 installed on both nodes: %v", listResp.Keys)
	}
}

func TestKeyManager_NoEncryption(t *testing.T) {
	c, done := testConfig(t)
	defer done()
	s, err := Create(c)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	km := s.KeyManager()
	resp, err := km.InstallKey(testKey2)
	if err == nil {
		t.Fatal("expected an error installing a key with no keyring configured")
	}
	if resp.Messages[s.config.NodeName] == "" {
		t.Fatalf("expected a per-node error message: %v", resp.Messages)
	}
}
