package agent

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/nserf/nserf/coordinate"
	"github.com/nserf/nserf/memberlist"
	"github.com/nserf/nserf/serf"
)

// Agent owns a Serf instance end to end: it loads persisted tags,
// starts Serf and its background goroutines, fans incoming events out
// to registered handlers, and exposes the operation surface spec
// §4.13 names (everything an RPC or CLI layer would otherwise call
// directly). Building that RPC/CLI layer itself is out of scope; this
// is the Go API such a layer would be written against.
type Agent struct {
	conf      *serf.Config
	agentConf *Config

	eventCh chan serf.Event

	eventHandlers     []EventHandler
	eventHandlersLock sync.Mutex

	logBroadcaster *logBroadcaster
	logger         *log.Logger

	serf *serf.Serf

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

// Create builds an Agent without touching the network: it loads the
// tags file (if any) and wires logging, but defers everything that
// does I/O to Start. Splitting these lets a caller register event
// handlers in between without racing Serf's own startup events.
func Create(agentConf *Config, conf *serf.Config, logOutput io.Writer) (*Agent, error) {
	if logOutput == nil {
		logOutput = os.Stderr
	}

	broadcaster := newLogBroadcaster(logOutput)
	conf.MemberlistConfig.LogOutput = broadcaster
	conf.LogOutput = broadcaster

	eventCh := make(chan serf.Event, 64)
	conf.EventCh = eventCh

	a := &Agent{
		conf:           conf,
		agentConf:      agentConf,
		eventCh:        eventCh,
		logBroadcaster: broadcaster,
		logger:         log.New(broadcaster, "", log.LstdFlags),
		shutdownCh:     make(chan struct{}),
	}

	if agentConf.NodeName != "" {
		conf.NodeName = agentConf.NodeName
	}
	if agentConf.SnapshotPath != "" {
		conf.SnapshotPath = agentConf.SnapshotPath
	}
	if agentConf.KeyringFile != "" {
		conf.KeyringFile = agentConf.KeyringFile
	}

	if agentConf.TagsFile != "" {
		if err := a.loadTagsFile(agentConf.TagsFile); err != nil {
			return nil, err
		}
	} else if len(agentConf.Tags) > 0 {
		conf.Tags = agentConf.Tags
	}

	if err := a.loadKeyring(); err != nil {
		return nil, err
	}

	return a, nil
}

// loadKeyring installs a.agentConf.EncryptKey as the memberlist
// keyring's sole primary key, if configured.
func (a *Agent) loadKeyring() error {
	if a.agentConf.EncryptKey == "" {
		return nil
	}
	if a.agentConf.KeyringFile != "" {
		return fmt.Errorf("agent: encrypt key is not allowed while using a keyring file")
	}
	raw, err := base64.StdEncoding.DecodeString(a.agentConf.EncryptKey)
	if err != nil {
		return fmt.Errorf("agent: invalid encryption key: %w", err)
	}
	keyring, err := memberlist.NewKeyring(nil, raw)
	if err != nil {
		return fmt.Errorf("agent: failed to load encryption key: %w", err)
	}
	a.conf.MemberlistConfig.Keyring = keyring
	return nil
}

// Start creates the underlying Serf instance — opening the transport,
// replaying the snapshot, and launching every background loop — then
// begins dispatching events and, if configured, joins StartJoin
// synchronously followed by a backgrounded RetryJoin.
func (a *Agent) Start() error {
	a.logger.Printf("[INFO] agent: Serf agent starting")

	if a.agentConf.BindAddr != "" || a.conf.MemberlistConfig.BindAddr == "" {
		host, port, err := resolveBindAddr(a.agentConf.BindAddr, a.conf.MemberlistConfig.BindPort)
		if err != nil {
			return err
		}
		a.conf.MemberlistConfig.BindAddr = host
		if port != 0 {
			a.conf.MemberlistConfig.BindPort = port
		}
	}
	if a.agentConf.AdvertiseAddr != "" {
		host, port, err := resolveBindAddr(a.agentConf.AdvertiseAddr, a.conf.MemberlistConfig.BindPort)
		if err != nil {
			return err
		}
		a.conf.MemberlistConfig.AdvertiseAddr = host
		a.conf.MemberlistConfig.AdvertisePort = port
	}

	switch a.agentConf.Profile {
	case "wan":
		a.applyProfile(memberlist.DefaultWANConfig())
	case "local":
		a.applyProfile(memberlist.DefaultLocalConfig())
	}

	s, err := serf.Create(a.conf)
	if err != nil {
		return fmt.Errorf("agent: failed to create serf: %w", err)
	}
	a.serf = s

	go a.eventLoop()

	if len(a.agentConf.StartJoin) > 0 {
		n, err := a.Join(a.agentConf.StartJoin, !a.agentConf.ReplayOnJoin)
		if err != nil {
			return fmt.Errorf("agent: start-join failed: %w", err)
		}
		a.logger.Printf("[INFO] agent: start-join contacted %d node(s)", n)
	}

	if len(a.agentConf.RetryJoin) > 0 || a.agentConf.DiscoveryURL != "" {
		go a.retryJoin()
	}

	return nil
}

// applyProfile swaps in a named timing profile while keeping the
// identity, network and security fields already present on
// MemberlistConfig (e.g. a caller-supplied Keyring or BindAddr).
func (a *Agent) applyProfile(profile *memberlist.Config) {
	cur := a.conf.MemberlistConfig
	profile.Name = cur.Name
	profile.BindAddr = cur.BindAddr
	profile.BindPort = cur.BindPort
	profile.AdvertiseAddr = cur.AdvertiseAddr
	profile.AdvertisePort = cur.AdvertisePort
	profile.Keyring = cur.Keyring
	profile.Label = cur.Label
	profile.LogOutput = cur.LogOutput
	a.conf.MemberlistConfig = profile
}

// Leave broadcasts a graceful leave intent and blocks until it has
// propagated or BroadcastTimeout elapses.
func (a *Agent) Leave() error {
	if a.serf == nil {
		return nil
	}
	a.logger.Printf("[INFO] agent: requesting graceful leave from serf")
	return a.serf.Leave()
}

// Shutdown tears down Serf and stops the agent's own goroutines. Safe
// to call more than once; every call after the first is a no-op.
func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()

	if a.shutdown {
		return nil
	}

	if a.serf != nil {
		a.logger.Printf("[INFO] agent: requesting serf shutdown")
		if err := a.serf.Shutdown(); err != nil {
			return err
		}
	}

	a.logger.Printf("[INFO] agent: shutdown complete")
	a.shutdown = true
	close(a.shutdownCh)
	return nil
}

// ShutdownCh returns a channel that closes once Shutdown has run.
func (a *Agent) ShutdownCh() <-chan struct{} {
	return a.shutdownCh
}

// Serf returns the underlying Serf instance, mainly for tests and for
// callers that need an operation this façade doesn't wrap.
func (a *Agent) Serf() *serf.Serf {
	return a.serf
}

// Join asks Serf to join existing, see Serf.Join for ignoreOld's
// meaning (true suppresses replay of events predating this join).
func (a *Agent) Join(existing []string, ignoreOld bool) (int, error) {
	a.logger.Printf("[INFO] agent: joining: %v replay: %v", existing, !ignoreOld)
	n, err := a.serf.Join(existing, ignoreOld)
	if n > 0 {
		a.logger.Printf("[INFO] agent: joined: %d node(s)", n)
	}
	if err != nil {
		a.logger.Printf("[WARN] agent: error joining: %v", err)
	}
	return n, err
}

// ForceLeave ejects node from the cluster on everyone else's behalf.
// prune additionally drops its tombstone immediately rather than
// retaining it for TombstoneTimeout.
func (a *Agent) ForceLeave(node string, prune bool) error {
	a.logger.Printf("[INFO] agent: force-leaving node %q (prune=%v)", node, prune)
	if err := a.serf.ForceLeave(node, prune); err != nil {
		a.logger.Printf("[WARN] agent: failed to force-leave node: %v", err)
		return err
	}
	return nil
}

// Members returns every known member.
func (a *Agent) Members() []serf.Member {
	return a.serf.Members()
}

// MembersFiltered narrows Members by tag regex, status, and/or exact
// name.
func (a *Agent) MembersFiltered(tags map[string]string, status, name string) ([]serf.Member, error) {
	return a.serf.MembersFiltered(tags, status, name)
}

// LocalMember returns this node's own Member record.
func (a *Agent) LocalMember() serf.Member {
	return a.serf.LocalMember()
}

// UserEvent broadcasts a named, optionally-coalescable user event.
func (a *Agent) UserEvent(name string, payload []byte, coalesce bool) error {
	a.logger.Printf("[DEBUG] agent: user event: %s coalesce=%v", name, coalesce)
	if err := a.serf.UserEvent(name, payload, coalesce); err != nil {
		a.logger.Printf("[WARN] agent: failed to send user event: %v", err)
		return err
	}
	return nil
}

// Query broadcasts a query and returns a handle for collecting acks
// and responses. The internal query namespace is off-limits to
// callers except the bare "ping" with no payload, the one internal
// query meant to be driven externally (reachability probing).
func (a *Agent) Query(name string, payload []byte, params *serf.QueryParam) (*serf.QueryResponse, error) {
	if strings.HasPrefix(name, serf.InternalQueryPrefix) {
		if name != serf.InternalQueryPrefix+"ping" || payload != nil {
			return nil, fmt.Errorf("agent: queries cannot use the %q prefix", serf.InternalQueryPrefix)
		}
	}
	a.logger.Printf("[DEBUG] agent: query: %s", name)
	resp, err := a.serf.Query(name, payload, params)
	if err != nil {
		a.logger.Printf("[WARN] agent: failed to start query: %v", err)
	}
	return resp, err
}

// SetTags replaces this node's tags wholesale, persisting them to
// TagsFile first (if configured) so a crash between the two can't
// desync the on-disk copy from what was actually gossiped.
func (a *Agent) SetTags(tags map[string]string) error {
	if a.agentConf.TagsFile != "" {
		if err := a.writeTagsFile(tags); err != nil {
			a.logger.Printf("[ERR] agent: %v", err)
			return err
		}
	}
	return a.serf.SetTags(tags)
}

// UpdateTags merges set and deletes del from this node's tags,
// persisting the result the same way SetTags does.
func (a *Agent) UpdateTags(set map[string]string, del []string) error {
	if err := a.serf.UpdateTags(set, del); err != nil {
		return err
	}
	if a.agentConf.TagsFile != "" {
		return a.writeTagsFile(a.serf.LocalMember().Tags)
	}
	return nil
}

// Stats returns Serf's operational counters verbatim.
func (a *Agent) Stats() map[string]string {
	return a.serf.Stats()
}

// GetCoordinate returns this node's current network coordinate
// estimate, or an error if DisableCoordinates is set.
func (a *Agent) GetCoordinate() (*coordinate.Coordinate, error) {
	return a.serf.GetCoordinate()
}

// GetCachedCoordinate returns the last coordinate heard from node, if
// any, without probing for a fresh one.
func (a *Agent) GetCachedCoordinate(node string) (*coordinate.Coordinate, bool) {
	return a.serf.GetCachedCoordinate(node)
}

// InstallKey, UseKey, RemoveKey, and ListKeys delegate to Serf's Key
// Manager, aggregating a per-node response across the cluster.
func (a *Agent) InstallKey(key string) (*serf.ModifyKeyResponse, error) {
	return a.serf.KeyManager().InstallKey(key)
}

func (a *Agent) UseKey(key string) (*serf.ModifyKeyResponse, error) {
	return a.serf.KeyManager().UseKey(key)
}

func (a *Agent) RemoveKey(key string) (*serf.ModifyKeyResponse, error) {
	return a.serf.KeyManager().RemoveKey(key)
}

func (a *Agent) ListKeys() (*serf.ListKeysResponse, error) {
	return a.serf.KeyManager().ListKeys()
}

// Stream subscribes to the agent's log output at or above level,
// returning the channel of formatted lines and a cancel function that
// must be called to release the subscription.
func (a *Agent) Stream(level string) (<-chan string, func()) {
	return a.logBroadcaster.subscribe(level)
}

// RegisterEventHandler appends eh to the list notified of every Serf
// event. Safe to call before or after Start. Handlers are invoked in
// the order they were registered.
func (a *Agent) RegisterEventHandler(eh EventHandler) {
	a.eventHandlersLock.Lock()
	defer a.eventHandlersLock.Unlock()
	a.eventHandlers = append(a.eventHandlers, eh)
}

// DeregisterEventHandler removes eh; it stops receiving events once
// this call returns.
func (a *Agent) DeregisterEventHandler(eh EventHandler) {
	a.eventHandlersLock.Lock()
	defer a.eventHandlersLock.Unlock()
	for i, other := range a.eventHandlers {
		if other == eh {
			a.eventHandlers = append(a.eventHandlers[:i], a.eventHandlers[i+1:]...)
			return
		}
	}
}

// eventLoop fans events from Serf's channel out to every registered
// handler, in registration order, and watches for either Serf or the
// agent itself shutting down.
func (a *Agent) eventLoop() {
	serfShutdownCh := a.serf.ShutdownCh()
	for {
		select {
		case e := <-a.eventCh:
			a.logger.Printf("[DEBUG] agent: received event: %s", e.EventType())
			a.eventHandlersLock.Lock()
			handlers := append([]EventHandler(nil), a.eventHandlers...)
			a.eventHandlersLock.Unlock()
			for _, eh := range handlers {
				eh.HandleEvent(e)
			}

		case <-serfShutdownCh:
			a.logger.Printf("[WARN] agent: serf shutdown detected, quitting")
			a.Shutdown()
			return

		case <-a.shutdownCh:
			return
		}
	}
}

// loadTagsFile restores tags from disk into the Serf config being
// built. Mutually exclusive with passing Tags directly, the same
// ambiguity the teacher's agent refuses to resolve silently.
func (a *Agent) loadTagsFile(tagsFile string) error {
	if len(a.agentConf.Tags) > 0 {
		return fmt.Errorf("agent: tags config is not allowed while using a tags file")
	}

	if _, err := os.Stat(tagsFile); err == nil {
		data, err := os.ReadFile(tagsFile)
		if err != nil {
			return fmt.Errorf("agent: failed to read tags file: %w", err)
		}
		if err := json.Unmarshal(data, &a.conf.Tags); err != nil {
			return fmt.Errorf("agent: failed to decode tags file: %w", err)
		}
	}
	return nil
}

// writeTagsFile persists tags as indented JSON with 0600 permissions,
// since tag values may carry operator-sensitive metadata.
func (a *Agent) writeTagsFile(tags map[string]string) error {
	encoded, err := json.MarshalIndent(tags, "", "  ")
	if err != nil {
		return fmt.Errorf("agent: failed to encode tags: %w", err)
	}
	if err := os.WriteFile(a.agentConf.TagsFile, encoded, 0600); err != nil {
		return fmt.Errorf("agent: failed to write tags file: %w", err)
	}
	return nil
}
