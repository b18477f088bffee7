package agent

import (
	"fmt"
	"time"

	sockaddr "github.com/hashicorp/go-sockaddr"
)

// Config is the agent-level configuration: everything above the Serf
// layer itself — tags/keyring persistence, retry-join, and the
// opaque Lighthouse bootstrap provider. Most fields mirror their Serf
// counterparts directly, matching the teacher's command/agent/config.go
// split between "agent" and "serf" concerns.
type Config struct {
	// NodeName is this node's name. Empty resolves to the hostname.
	NodeName string `mapstructure:"node_name"`

	// Tags are gossiped verbatim. Mutually exclusive with TagsFile.
	Tags map[string]string `mapstructure:"tags"`

	// TagsFile, if set, persists tags across restarts; SetTags/UpdateTags
	// rewrite it on every change.
	TagsFile string `mapstructure:"tags_file"`

	// KeyringFile, if set, is rewritten with the keyring on every key
	// change. Keys are not loaded from it at start.
	KeyringFile string `mapstructure:"keyring_file"`

	// BindAddr is "ip" or "ip:port"; empty resolves to a private
	// interface address via go-sockaddr. Interface names and
	// go-sockaddr templates are not parsed. Resolved once at Start time.
	BindAddr string `mapstructure:"bind_addr"`

	// AdvertiseAddr overrides the address gossiped to peers, for nodes
	// behind NAT.
	AdvertiseAddr string `mapstructure:"advertise_addr"`

	// Profile selects the memberlist timing profile: "lan", "wan", or
	// "local".
	Profile string `mapstructure:"profile"`

	// StartJoin is a list of existing cluster members to join
	// synchronously at Start. Failure here aborts startup.
	StartJoin []string `mapstructure:"start_join"`

	// ReplayOnJoin replays recent user events to a freshly joined node
	// instead of suppressing them.
	ReplayOnJoin bool `mapstructure:"replay_on_join"`

	// RetryJoin is attempted the same way as StartJoin but in the
	// background, indefinitely or up to RetryMaxAttempts, sleeping
	// RetryInterval between rounds.
	RetryJoin        []string      `mapstructure:"retry_join"`
	RetryMaxAttempts int           `mapstructure:"retry_max_attempts"`
	RetryInterval    time.Duration `mapstructure:"retry_interval"`

	// DiscoveryURL, if set, is queried at Start and on every retry-join
	// round for a JSON array of additional seed addresses, treating the
	// responder as an opaque peer-address provider (a "Lighthouse").
	DiscoveryURL string `mapstructure:"discovery_url"`

	// SnapshotPath enables Serf's crash-recovery snapshot and feeds
	// auto-rejoin of the peers it recorded as alive.
	SnapshotPath string `mapstructure:"snapshot_path"`

	// EncryptKey is a base64 32-byte AES key installed as the sole
	// primary key. Mutually exclusive with KeyringFile: Create returns
	// an error if both are set.
	EncryptKey string `mapstructure:"encrypt_key"`
}

// DefaultConfig returns an agent configuration with the same
// retry/profile defaults the teacher's CLI wires in.
func DefaultConfig() *Config {
	return &Config{
		Profile:          "lan",
		RetryInterval:    30 * time.Second,
		RetryMaxAttempts: 0,
	}
}

// resolveBindAddr turns a.BindAddr into a concrete "ip:port" pair,
// falling back to a private interface address the same way operators
// configure `bind_addr = "{{ GetPrivateIP }}"` in the teacher's
// deployments.
func resolveBindAddr(addr string, defaultPort int) (string, int, error) {
	if addr == "" {
		ip, err := sockaddr.GetPrivateIP()
		if err != nil {
			return "", 0, fmt.Errorf("agent: failed to resolve private IP: %w", err)
		}
		return ip, defaultPort, nil
	}

	host, port, err := splitHostPort(addr, defaultPort)
	if err != nil {
		return "", 0, fmt.Errorf("agent: invalid bind address %q: %w", addr, err)
	}
	return host, port, nil
}
