package serf

import (
	"io"
	"os"
	"time"

	"github.com/nserf/nserf/memberlist"
)

// ProtocolVersionMin/Max is the range of protocol versions this build of
// Serf understands.
const (
	ProtocolVersionMin uint8 = 2
	ProtocolVersionMax uint8 = 5
)

// ProtocolVersionMap maps a Serf protocol version to the underlying
// memberlist protocol version it requires.
var ProtocolVersionMap = map[uint8]uint8{
	2: 0,
	3: 1,
	4: 2,
	5: 2,
}

// Config is the configuration used to create a Serf instance.
type Config struct {
	// NodeName is this node's unique name in the cluster.
	NodeName string

	// Tags are opaque key/value metadata gossiped alongside membership,
	// readable by every other node.
	Tags map[string]string

	// ProtocolVersion is the Serf protocol version to speak.
	ProtocolVersion uint8

	// EventCh is where MemberEvent, UserEvent, and Query events are
	// delivered. Serf blocks sending to this channel, so the consumer
	// must keep it drained.
	EventCh chan Event

	// CoalescePeriod/QuiescentPeriod configure the member event
	// coalescer. Zero CoalescePeriod disables coalescing entirely.
	CoalescePeriod  time.Duration
	QuiescentPeriod time.Duration

	// UserCoalescePeriod/UserQuiescentPeriod do the same for user events.
	UserCoalescePeriod  time.Duration
	UserQuiescentPeriod time.Duration

	// MemberlistConfig is the configuration passed to memberlist.Create.
	MemberlistConfig *memberlist.Config

	// LogOutput is where Serf's own log lines go.
	LogOutput io.Writer

	// RecentIntentBuffer is the size of the join/leave intent dedup ring.
	RecentIntentBuffer int

	// EventBuffer is the size of the recent user-event dedup ring.
	EventBuffer int

	// QueryBuffer is the size of the recent query-id dedup ring.
	QueryBuffer int

	// QueryTimeoutMult scales DefaultQueryTimeout with cluster size.
	QueryTimeoutMult int

	// QueryResponseSizeLimit/QuerySizeLimit bound encoded UDP payloads.
	QueryResponseSizeLimit int
	QuerySizeLimit         int

	// MaxUserEventSize bounds a UserEvent's Name+Payload.
	MaxUserEventSize int

	// BroadcastTimeout bounds how long Leave waits for the leave
	// broadcast to finish propagating before calling memberlist.Leave.
	BroadcastTimeout time.Duration

	// ReapInterval is how often failed/left members are checked for
	// final removal from the member table.
	ReapInterval time.Duration

	// ReconnectInterval/ReconnectTimeout govern the periodic attempt to
	// rejoin failed nodes and how long they're retried before giving up.
	ReconnectInterval time.Duration
	ReconnectTimeout  time.Duration

	// TombstoneTimeout is how long a Left node is kept around (to absorb
	// stale gossip) before being reaped.
	TombstoneTimeout time.Duration

	// QueueCheckInterval/QueueDepthWarning log a warning once a
	// broadcast queue exceeds this many pending messages.
	QueueCheckInterval time.Duration
	QueueDepthWarning  int

	// Merge, if set, is consulted on every push/pull merge and every
	// freshly observed alive node, and can veto the join.
	Merge MergeDelegate

	// RejoinAfterLeave, if true, allows a node that called Leave to
	// later rejoin without restarting the process.
	RejoinAfterLeave bool

	// EnableNameConflictResolution runs the _serf_conflict internal
	// query whenever a duplicate node name is observed.
	EnableNameConflictResolution bool

	// KeyringFile, if set, is where the encryption keyring is written on
	// every InstallKey/UseKey/RemoveKey. Serf does not read it back.
	KeyringFile string

	// SnapshotPath, if set, enables crash-recovery/anti-entropy
	// snapshotting of the member list and clocks.
	SnapshotPath string

	// DisableCoordinates turns off Vivaldi network coordinate
	// maintenance entirely.
	DisableCoordinates bool
}

// Init allocates Tags if nil, so SetTags/UpdateTags callers never have
// to nil-check it.
func (c *Config) Init() {
	if c.Tags == nil {
		c.Tags = make(map[string]string)
	}
}

// DefaultConfig returns a Config tuned for a small-to-medium LAN
// cluster, the same profile the teacher's CLI wires in by default.
func DefaultConfig() *Config {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return &Config{
		NodeName:                     hostname,
		Tags:                         make(map[string]string),
		ProtocolVersion:              ProtocolVersionMax,
		MemberlistConfig:             memberlist.DefaultLANConfig(),
		CoalescePeriod:               3 * time.Second,
		QuiescentPeriod:              1 * time.Second,
		UserCoalescePeriod:           3 * time.Second,
		UserQuiescentPeriod:          1 * time.Second,
		RecentIntentBuffer:           128,
		EventBuffer:                  512,
		QueryBuffer:                  512,
		QueryTimeoutMult:             16,
		QueryResponseSizeLimit:       1024,
		QuerySizeLimit:               1024,
		MaxUserEventSize:             512,
		BroadcastTimeout:             5 * time.Second,
		ReapInterval:                 15 * time.Second,
		ReconnectInterval:            30 * time.Second,
		ReconnectTimeout:             24 * time.Hour,
		TombstoneTimeout:             24 * time.Hour,
		QueueCheckInterval:           30 * time.Second,
		QueueDepthWarning:            128,
		EnableNameConflictResolution: true,
	}
}
