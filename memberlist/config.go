package memberlist

import (
	"io"
	"time"
)

// MetaMaxSize bounds the NodeMeta blob (Serf's encoded tags) that rides
// on every alive/push-pull record.
const MetaMaxSize = 512

// Config tunes every knob spec.md section 4.4/6 names for the SWIM
// layer. Field names intentionally mirror the teacher's
// serf/config.go#memberlistConfig mapping so the Serf layer above can
// assign them one-for-one.
type Config struct {
	Name string

	BindAddr string
	BindPort int

	AdvertiseAddr string
	AdvertisePort int

	// Label is prepended to every outbound UDP packet and checked on
	// every inbound one (TCP streams carry no label); it also doubles
	// as AES-GCM additional data.
	Label string

	// EnableCompression gzip-wraps outbound UDP payloads above a small
	// threshold.
	EnableCompression bool

	Keyring *Keyring

	ProtocolVersion uint8
	DelegateVersion uint8

	ProbeInterval   time.Duration
	ProbeTimeout    time.Duration
	IndirectChecks  int
	RetransmitMult  int
	SuspicionMult   int
	SuspicionMaxMult int

	GossipInterval time.Duration
	GossipNodes    int
	GossipToDeadTime time.Duration

	PushPullInterval time.Duration

	AwarenessMaxMultiplier int

	TCPTimeout time.Duration

	// DNSConfigPath intentionally omitted: DNS-based seed resolution
	// is delegated to the caller (spec's "opaque peer-address
	// provider").

	Delegate      Delegate
	Events        EventDelegate
	Merge         MergeDelegate
	Alive         AliveDelegate
	Ping          PingDelegate

	LogOutput io.Writer
}

// DefaultLANConfig mirrors the teacher's lan profile defaults.
func DefaultLANConfig() *Config {
	return &Config{
		BindPort:               7946,
		ProtocolVersion:        2,
		DelegateVersion:        1,
		ProbeInterval:          1 * time.Second,
		ProbeTimeout:           500 * time.Millisecond,
		IndirectChecks:         3,
		RetransmitMult:         4,
		SuspicionMult:          4,
		SuspicionMaxMult:       6,
		GossipInterval:         200 * time.Millisecond,
		GossipNodes:            3,
		GossipToDeadTime:       30 * time.Second,
		PushPullInterval:       30 * time.Second,
		AwarenessMaxMultiplier: 8,
		TCPTimeout:             10 * time.Second,
	}
}

// DefaultWANConfig widens every timer for higher-latency / lossier
// links.
func DefaultWANConfig() *Config {
	c := DefaultLANConfig()
	c.ProbeInterval = 3 * time.Second
	c.ProbeTimeout = 3 * time.Second
	c.SuspicionMult = 6
	c.PushPullInterval = 60 * time.Second
	c.GossipNodes = 4
	c.GossipInterval = 500 * time.Millisecond
	c.TCPTimeout = 30 * time.Second
	return c
}

// DefaultLocalConfig is tuned for same-host/loopback testing: fast
// timers, since there's no real network latency to absorb.
func DefaultLocalConfig() *Config {
	c := DefaultLANConfig()
	c.ProbeInterval = 200 * time.Millisecond
	c.ProbeTimeout = 100 * time.Millisecond
	c.GossipInterval = 100 * time.Millisecond
	c.PushPullInterval = 15 * time.Second
	return c
}
