package serf

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/nserf/nserf/coordinate"
	"github.com/nserf/nserf/memberlist"
)

// SerfState is the state of the Serf instance itself, distinct from any
// individual member's MemberStatus.
type SerfState int

const (
	SerfAlive SerfState = iota
	SerfLeaving
	SerfLeft
	SerfShutdown
)

func (s SerfState) String() string {
	switch s {
	case SerfAlive:
		return "alive"
	case SerfLeaving:
		return "leaving"
	case SerfLeft:
		return "left"
	case SerfShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// MemberStatus is the state of a member as known to the local node.
type MemberStatus int

const (
	StatusNone MemberStatus = iota
	StatusAlive
	StatusLeaving
	StatusLeft
	StatusFailed
)

func (s MemberStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusAlive:
		return "alive"
	case StatusLeaving:
		return "leaving"
	case StatusLeft:
		return "left"
	case StatusFailed:
		return "failed"
	default:
		panic(fmt.Sprintf("unknown MemberStatus: %d", s))
	}
}

// Member is a single member of the Serf cluster.
type Member struct {
	Name   string
	Addr   net.IP
	Port   uint16
	Tags   map[string]string
	Status MemberStatus

	ProtocolMin uint8
	ProtocolMax uint8
	ProtocolCur uint8
	DelegateMin uint8
	DelegateMax uint8
	DelegateCur uint8
}

// memberState wraps a Member with the bookkeeping Serf needs beyond
// what's gossiped: the lamport time its status last changed and when.
type memberState struct {
	Member
	statusLTime LamportTime
	leaveTime   time.Time
}

// userEvent is a single named+payloaded user event at a point in time.
type userEvent struct {
	Name    string
	Payload []byte
}

func (u *userEvent) Equals(other *userEvent) bool {
	return u.Name == other.Name && bytes.Equal(u.Payload, other.Payload)
}

// userEvents buckets every userEvent witnessed at a given lamport time,
// for dedup and for replay during push/pull.
type userEvents struct {
	LTime  LamportTime
	Events []userEvent
}

// UserEventSizeLimit is a hard ceiling on Name+Payload, checked in
// addition to Config.MaxUserEventSize.
const UserEventSizeLimit = 9 * 1024

// Serf is a single node's view of, and participation in, a Serf
// cluster: Lamport clocks for membership/events/queries, a broadcast
// queue riding memberlist's gossip, and the member table itself.
type Serf struct {
	clock      LamportClock
	eventClock LamportClock
	queryClock LamportClock

	broadcasts      *memberlist.TransmitLimitedQueue
	eventBroadcasts *memberlist.TransmitLimitedQueue
	queryBroadcasts *memberlist.TransmitLimitedQueue

	config *Config
	logger *log.Logger

	memberlist *memberlist.Memberlist

	memberLock    sync.RWMutex
	members       map[string]*memberState
	failedMembers []*memberState
	leftMembers   []*memberState

	recentLeave      []nodeIntent
	recentLeaveIndex int
	recentJoin       []nodeIntent
	recentJoinIndex  int

	eventLock       sync.RWMutex
	eventBuffer     []*userEvents
	eventJoinIgnore bool
	eventMinTime    LamportTime

	queryLock         sync.Mutex
	queryMinTime      LamportTime
	queryBuffer       []*queries
	queryCounter      uint32
	queryResponseLock sync.RWMutex
	queryResponses    map[uint32]*QueryResponse

	coordClient    *coordinate.Client
	coordCache     map[string]*coordinate.Coordinate
	coordCacheLock sync.RWMutex

	snapshotter *Snapshotter

	stateLock  sync.Mutex
	state      SerfState
	shutdownCh chan struct{}
}

// Create creates a new Serf instance, starting the underlying
// memberlist but not yet joining any peers (see Join).
func Create(conf *Config) (*Serf, error) {
	conf.Init()

	if conf.ProtocolVersion < ProtocolVersionMin || conf.ProtocolVersion > ProtocolVersionMax {
		return nil, fmt.Errorf("serf: protocol version %d not in range [%d, %d]",
			conf.ProtocolVersion, ProtocolVersionMin, ProtocolVersionMax)
	}

	logOutput := conf.LogOutput
	if logOutput == nil {
		logOutput = os.Stderr
	}
	logger := log.New(logOutput, "", log.LstdFlags)

	serf := &Serf{
		config:         conf,
		logger:         logger,
		members:        make(map[string]*memberState),
		queryResponses: make(map[uint32]*QueryResponse),
		shutdownCh:     make(chan struct{}),
		state:          SerfAlive,
	}

	serf.eventBuffer = make([]*userEvents, conf.EventBuffer)
	serf.queryBuffer = make([]*queries, conf.QueryBuffer)
	serf.recentJoin = make([]nodeIntent, conf.RecentIntentBuffer)
	serf.recentLeave = make([]nodeIntent, conf.RecentIntentBuffer)

	conf.EventCh = serf.setupEventCh(conf.EventCh)

	serf.broadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       func() int { return len(serf.members) },
		RetransmitMult: conf.MemberlistConfig.RetransmitMult,
	}
	serf.eventBroadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       func() int { return len(serf.members) },
		RetransmitMult: conf.MemberlistConfig.RetransmitMult,
	}
	serf.queryBroadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       func() int { return len(serf.members) },
		RetransmitMult: conf.MemberlistConfig.RetransmitMult,
	}

	serf.clock.Increment()
	serf.eventClock.Increment()
	serf.queryClock.Increment()

	if !conf.DisableCoordinates {
		client, err := coordinate.NewClient(coordinate.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("serf: failed to create coordinate client: %w", err)
		}
		serf.coordClient = client
		serf.coordCache = make(map[string]*coordinate.Coordinate)
	}

	if conf.SnapshotPath != "" {
		eventCh, snap, err := NewSnapshotter(conf.SnapshotPath, int(UserEventSizeLimit)*8, logger,
			&serf.clock, &serf.eventClock, &serf.queryClock, conf.EventCh, serf.shutdownCh)
		if err != nil {
			return nil, fmt.Errorf("serf: failed to open snapshot: %w", err)
		}
		serf.snapshotter = snap
		conf.EventCh = eventCh
		serf.clock.Witness(snap.LastClock())
		serf.eventClock.Witness(snap.LastEventClock())
		serf.queryClock.Witness(snap.LastQueryClock())
	}

	queryCh, err := newSerfQueries(serf, logger, conf.EventCh, serf.shutdownCh)
	if err != nil {
		return nil, fmt.Errorf("serf: failed to setup serf query handler: %w", err)
	}
	conf.EventCh = queryCh

	conf.MemberlistConfig.Delegate = &delegate{serf: serf}
	conf.MemberlistConfig.Events = &eventDelegate{serf: serf}
	conf.MemberlistConfig.Merge = &mergeDelegate{serf: serf}
	conf.MemberlistConfig.Alive = &mergeDelegate{serf: serf}
	if serf.coordClient != nil {
		conf.MemberlistConfig.Ping = &pingDelegate{serf: serf}
	}
	conf.MemberlistConfig.Name = conf.NodeName
	conf.MemberlistConfig.ProtocolVersion = ProtocolVersionMap[conf.ProtocolVersion]
	conf.MemberlistConfig.DelegateVersion = 1

	ml, err := memberlist.Create(conf.MemberlistConfig)
	if err != nil {
		return nil, fmt.Errorf("serf: failed to create memberlist: %w", err)
	}
	serf.memberlist = ml

	local := ml.LocalNode()
	serf.members[conf.NodeName] = &memberState{
		Member: Member{
			Name:        conf.NodeName,
			Addr:        local.Addr,
			Port:        local.Port,
			Tags:        conf.Tags,
			Status:      StatusAlive,
			ProtocolMin: ProtocolVersionMin,
			ProtocolMax: ProtocolVersionMax,
			ProtocolCur: conf.ProtocolVersion,
		},
		statusLTime: serf.clock.Time(),
	}

	go serf.handleReap()
	go serf.handleReconnect()
	go serf.checkQueueDepth("Intent", serf.broadcasts)
	go serf.checkQueueDepth("Event", serf.eventBroadcasts)
	go serf.checkQueueDepth("Query", serf.queryBroadcasts)

	return serf, nil
}

// setupEventCh wires the member and user event coalescers in front of
// the caller's event channel, if coalescing periods are configured, and
// returns the channel Serf itself should send raw events to.
func (s *Serf) setupEventCh(outCh chan Event) chan Event {
	if outCh == nil {
		return nil
	}

	in := outCh
	if s.config.CoalescePeriod > 0 && s.config.QuiescentPeriod > 0 {
		c := &memberEventCoalescer{
			lastEvents:   make(map[string]EventType),
			latestEvents: make(map[string]coalesceEvent),
		}
		in = newCoalescedEventCh(in, s.shutdownCh, s.config.CoalescePeriod, s.config.QuiescentPeriod, c)
	}
	if s.config.UserCoalescePeriod > 0 && s.config.UserQuiescentPeriod > 0 {
		c := newUserEventCoalescer()
		in = newCoalescedEventCh(in, s.shutdownCh, s.config.UserCoalescePeriod, s.config.UserQuiescentPeriod, c)
	}
	return in
}

// ProtocolVersion returns the Serf protocol version in use.
func (s *Serf) ProtocolVersion() uint8 {
	return s.config.ProtocolVersion
}

// EncryptionEnabled reports whether a non-empty keyring is configured.
func (s *Serf) EncryptionEnabled() bool {
	return s.config.MemberlistConfig.Keyring != nil
}

// UserEvent broadcasts a custom user event with a given name and
// payload. If coalesce is true, nodes may merge multiple deliveries of
// the same-named event into the latest one.
func (s *Serf) UserEvent(name string, payload []byte, coalesce bool) error {
	if len(name)+len(payload) > s.config.MaxUserEventSize {
		return fmt.Errorf("serf: user event exceeds %d byte limit", s.config.MaxUserEventSize)
	}
	if len(name)+len(payload) > UserEventSizeLimit {
		return fmt.Errorf("serf: user event exceeds %d byte protocol limit", UserEventSizeLimit)
	}

	msg := messageUserEvent{
		LTime:   s.eventClock.Increment(),
		Name:    name,
		Payload: payload,
		CC:      coalesce,
	}
	s.handleUserEvent(&msg)

	raw, err := encodeMessage(messageUserEventType, &msg)
	if err != nil {
		return err
	}
	s.eventBroadcasts.QueueBroadcast(&broadcast{msg: raw})
	return nil
}

// Join attempts to join the cluster by contacting each of the given
// addresses via memberlist's push/pull exchange, returning the number
// that succeeded and an aggregated error of the rest.
func (s *Serf) Join(existing []string, ignoreOld bool) (int, error) {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	if s.state == SerfShutdown {
		return 0, fmt.Errorf("serf: Join after Shutdown")
	}
	if s.state == SerfLeft && !s.config.RejoinAfterLeave {
		return 0, fmt.Errorf("serf: Join after Leave without RejoinAfterLeave")
	}

	if ignoreOld {
		s.eventLock.Lock()
		s.eventJoinIgnore = true
		s.eventLock.Unlock()
		defer func() {
			s.eventLock.Lock()
			s.eventJoinIgnore = false
			s.eventLock.Unlock()
		}()
	}

	n, err := s.memberlist.Join(existing)
	if n > 0 {
		if bErr := s.broadcastJoin(s.clock.Time()); bErr != nil {
			s.logger.Printf("[WARN] serf: failed to broadcast join intent: %v", bErr)
		}
	}
	return n, err
}

// broadcastJoin locally applies and then gossips a join intent at the
// given lamport time, refuting any stale leave intent for ourselves.
func (s *Serf) broadcastJoin(ltime LamportTime) error {
	msg := messageJoin{LTime: ltime, Node: s.config.NodeName}
	s.clock.Witness(msg.LTime)
	s.handleNodeJoinIntent(&msg)

	raw, err := encodeMessage(messageJoinType, &msg)
	if err != nil {
		s.logger.Printf("[ERR] serf: failed to encode join intent: %v", err)
		return err
	}
	s.broadcasts.QueueBroadcast(&broadcast{msg: raw})
	return nil
}

// Leave gracefully exits the cluster, waiting up to BroadcastTimeout for
// the leave intent to propagate before memberlist's own Leave runs.
func (s *Serf) Leave() error {
	s.stateLock.Lock()
	if s.state == SerfLeft {
		s.stateLock.Unlock()
		return nil
	}
	if s.state == SerfShutdown {
		s.stateLock.Unlock()
		return fmt.Errorf("serf: Leave after Shutdown")
	}
	if s.state == SerfLeaving {
		s.stateLock.Unlock()
		return fmt.Errorf("serf: Leave already in progress")
	}
	s.state = SerfLeaving
	s.stateLock.Unlock()

	msg := messageLeave{LTime: s.clock.Increment(), Node: s.config.NodeName}
	s.handleNodeLeaveIntent(&msg)

	notifyCh := make(chan struct{})
	raw, err := encodeMessage(messageLeaveType, &msg)
	if err != nil {
		s.stateLock.Lock()
		s.state = SerfAlive
		s.stateLock.Unlock()
		return err
	}
	if s.hasAliveMembers() {
		s.broadcasts.QueueBroadcast(&broadcast{msg: raw, notify: notifyCh})
		select {
		case <-notifyCh:
		case <-time.After(s.config.BroadcastTimeout):
		}
	}

	if s.snapshotter != nil {
		s.snapshotter.Leave()
	}

	if err := s.memberlist.Leave(s.config.BroadcastTimeout); err != nil {
		return err
	}

	s.stateLock.Lock()
	s.state = SerfLeft
	s.stateLock.Unlock()
	return nil
}

func (s *Serf) hasAliveMembers() bool {
	s.memberLock.RLock()
	defer s.memberLock.RUnlock()
	for _, m := range s.members {
		if m.Name == s.config.NodeName {
			continue
		}
		if m.Status == StatusAlive {
			return true
		}
	}
	return false
}

// Members returns a point-in-time snapshot of every known member.
func (s *Serf) Members() []Member {
	s.memberLock.RLock()
	defer s.memberLock.RUnlock()
	out := make([]Member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m.Member)
	}
	return out
}

// LocalMember returns this node's own Member record.
func (s *Serf) LocalMember() Member {
	s.memberLock.RLock()
	defer s.memberLock.RUnlock()
	return s.members[s.config.NodeName].Member
}

// GetCoordinate returns this node's current network coordinate estimate.
func (s *Serf) GetCoordinate() (*coordinate.Coordinate, error) {
	if s.coordClient == nil {
		return nil, fmt.Errorf("serf: coordinates are disabled")
	}
	return s.coordClient.GetCoordinate(), nil
}

// GetCachedCoordinate returns the last known coordinate for a given
// node, as observed via piggybacked pings, not a live round trip.
func (s *Serf) GetCachedCoordinate(name string) (*coordinate.Coordinate, bool) {
	if s.coordClient == nil {
		return nil, false
	}
	s.coordCacheLock.RLock()
	defer s.coordCacheLock.RUnlock()
	coord, ok := s.coordCache[name]
	return coord, ok
}

// NumNodes returns the number of alive (or suspect) nodes.
func (s *Serf) NumNodes() int {
	return s.memberlist.NumMembers()
}

// SetTags replaces this node's tags and republishes them to the
// cluster via a refuting Alive broadcast.
func (s *Serf) SetTags(tags map[string]string) error {
	if err := s.checkTagsSize(tags); err != nil {
		return err
	}
	s.config.Tags = tags
	return s.memberlist.UpdateNode(s.config.BroadcastTimeout)
}

func (s *Serf) checkTagsSize(tags map[string]string) error {
	buf := s.encodeTags(tags)
	if len(buf) > memberlist.MetaMaxSize {
		return fmt.Errorf("serf: encoded tags exceed %d byte limit", memberlist.MetaMaxSize)
	}
	return nil
}

const tagMagicByte uint8 = 0xff

// encodeTags msgpack-encodes tags into memberlist's NodeMeta slot,
// prefixed with a magic byte identifying the payload as a tag map.
func (s *Serf) encodeTags(tags map[string]string) []byte {
	var buf bytes.Buffer
	buf.WriteByte(tagMagicByte)
	enc := codec.NewEncoder(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(tags); err != nil {
		panic(fmt.Sprintf("serf: failed to encode tags: %v", err))
	}
	return buf.Bytes()
}

func (s *Serf) decodeTags(buf []byte) map[string]string {
	tags := make(map[string]string)
	if len(buf) == 0 || buf[0] != tagMagicByte {
		return tags
	}
	r := bytes.NewReader(buf[1:])
	dec := codec.NewDecoder(r, &codec.MsgpackHandle{})
	if err := dec.Decode(&tags); err != nil {
		s.logger.Printf("[ERR] serf: failed to decode tags: %v", err)
	}
	return tags
}

// ForceLeave force-removes a node from the cluster on everyone else's
// behalf, broadcasting a synthetic removal on its behalf so every other
// node transitions it straight to left without waiting for its own
// refutation window. If prune is true, the tombstone is deleted
// immediately instead of being retained for TombstoneTimeout.
func (s *Serf) ForceLeave(node string, prune bool) error {
	msg := messageRemoveFailed{LTime: s.clock.Increment(), Node: node, Prune: prune}
	s.handleNodeForceRemove(&msg)

	if !s.hasAliveMembers() {
		return nil
	}

	raw, err := encodeMessage(messageRemoveFailedType, &msg)
	if err != nil {
		return err
	}
	notifyCh := make(chan struct{})
	s.broadcasts.QueueBroadcast(&broadcast{msg: raw, notify: notifyCh})
	select {
	case <-notifyCh:
	case <-time.After(s.config.BroadcastTimeout):
	}
	return nil
}

// MembersFiltered returns every known member matching the given tag
// filters, status filter (empty matches any), and name filter (empty
// matches any).
func (s *Serf) MembersFiltered(tags map[string]string, status, name string) ([]Member, error) {
	var tagFilters []*regexp.Regexp
	var tagKeys []string
	for k, v := range tags {
		re, err := regexp.Compile(v)
		if err != nil {
			return nil, fmt.Errorf("serf: invalid tag filter regex for %q: %w", k, err)
		}
		tagKeys = append(tagKeys, k)
		tagFilters = append(tagFilters, re)
	}

	s.memberLock.RLock()
	defer s.memberLock.RUnlock()

	out := make([]Member, 0, len(s.members))
MEMBER:
	for _, m := range s.members {
		if status != "" && !strings.EqualFold(m.Status.String(), status) {
			continue
		}
		if name != "" && m.Name != name {
			continue
		}
		for i, key := range tagKeys {
			val, ok := m.Tags[key]
			if !ok || !tagFilters[i].MatchString(val) {
				continue MEMBER
			}
		}
		out = append(out, m.Member)
	}
	return out, nil
}

// UpdateTags merges set into this node's tags, deletes every tag named
// in del, and republishes the result the same way SetTags does.
func (s *Serf) UpdateTags(set map[string]string, del []string) error {
	s.memberLock.RLock()
	tags := make(map[string]string, len(s.config.Tags))
	for k, v := range s.config.Tags {
		tags[k] = v
	}
	s.memberLock.RUnlock()

	for k, v := range set {
		tags[k] = v
	}
	for _, k := range del {
		delete(tags, k)
	}
	return s.SetTags(tags)
}

// Stats returns a snapshot of operational counters and configuration,
// the same shape the monitor/info RPC operations surface to operators.
func (s *Serf) Stats() map[string]string {
	s.memberLock.RLock()
	numMembers := len(s.members)
	numFailed := len(s.failedMembers)
	numLeft := len(s.leftMembers)
	s.memberLock.RUnlock()

	stats := map[string]string{
		"members":         strconv.Itoa(numMembers),
		"failed":          strconv.Itoa(numFailed),
		"left":            strconv.Itoa(numLeft),
		"member_time":     strconv.FormatUint(uint64(s.clock.Time()), 10),
		"event_time":      strconv.FormatUint(uint64(s.eventClock.Time()), 10),
		"query_time":      strconv.FormatUint(uint64(s.queryClock.Time()), 10),
		"intent_queue":    strconv.Itoa(s.broadcasts.NumQueued()),
		"event_queue":     strconv.Itoa(s.eventBroadcasts.NumQueued()),
		"query_queue":     strconv.Itoa(s.queryBroadcasts.NumQueued()),
		"encrypted":       strconv.FormatBool(s.EncryptionEnabled()),
		"coordinate_set":  strconv.FormatBool(s.coordClient != nil),
		"protocol_cur":    strconv.Itoa(int(s.config.ProtocolVersion)),
	}
	return stats
}

// WriteKeyringFile persists the current keyring to Config.KeyringFile as
// a JSON array of base64-encoded keys, primary key first, so it
// survives a restart. A no-op if KeyringFile isn't configured.
func (s *Serf) WriteKeyringFile(keyring *memberlist.Keyring) error {
	if s.config.KeyringFile == "" {
		return nil
	}

	keys := keyring.GetKeys()
	encoded := make([]string, 0, len(keys))
	encoded = append(encoded, base64.StdEncoding.EncodeToString(keyring.GetPrimaryKey()))
	for _, k := range keys {
		if bytes.Equal(k, keyring.GetPrimaryKey()) {
			continue
		}
		encoded = append(encoded, base64.StdEncoding.EncodeToString(k))
	}

	buf, err := json.MarshalIndent(encoded, "", "  ")
	if err != nil {
		return fmt.Errorf("serf: failed to encode keyring: %w", err)
	}
	buf = append(buf, '\n')

	if err := os.WriteFile(s.config.KeyringFile, buf, 0600); err != nil {
		return fmt.Errorf("serf: failed to write keyring file: %w", err)
	}
	return nil
}

// ShutdownCh returns a channel that closes when Shutdown is called.
// Leave alone does not close it.
func (s *Serf) ShutdownCh() <-chan struct{} {
	return s.shutdownCh
}

// Shutdown forcefully shuts down the Serf instance, stopping all
// network activity without broadcasting any departure to the cluster.
func (s *Serf) Shutdown() error {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()

	if s.state == SerfShutdown {
		return nil
	}
	if s.state != SerfLeft {
		s.logger.Printf("[WARN] serf: Shutdown without a Leave")
	}

	s.state = SerfShutdown
	close(s.shutdownCh)

	if err := s.memberlist.Shutdown(); err != nil {
		return err
	}
	if s.snapshotter != nil {
		s.snapshotter.Wait()
	}
	return nil
}

// State returns Serf's own lifecycle state.
func (s *Serf) State() SerfState {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.state
}

func (s *Serf) broadcast(t messageType, msg interface{}, notify chan<- struct{}) error {
	raw, err := encodeMessage(t, msg)
	if err != nil {
		return err
	}
	s.broadcasts.QueueBroadcast(&broadcast{msg: raw, notify: notify})
	return nil
}

// handleNodeJoin is invoked by eventDelegate whenever memberlist itself
// observes a node transition to alive.
func (s *Serf) handleNodeJoin(n *memberlist.Node) {
	s.memberLock.Lock()
	defer s.memberLock.Unlock()

	member, ok := s.members[n.Name]
	if !ok {
		member = &memberState{Member: Member{Name: n.Name}}
		s.members[n.Name] = member
	} else {
		s.failedMembers = removeOldMember(s.failedMembers, n.Name)
		s.leftMembers = removeOldMember(s.leftMembers, n.Name)
	}

	member.Status = StatusAlive
	member.leaveTime = time.Time{}
	member.Addr = n.Addr
	member.Port = n.Port
	member.Tags = s.decodeTags(n.Meta)
	member.ProtocolMin = n.PMin
	member.ProtocolMax = n.PMax
	member.ProtocolCur = n.PCur
	member.DelegateMin = n.DMin
	member.DelegateMax = n.DMax
	member.DelegateCur = n.DCur

	if intent := recentIntent(s.recentJoin, n.Name); intent != nil {
		member.statusLTime = intent.LTime
	}

	s.eventLock.RLock()
	ignore := s.eventJoinIgnore
	s.eventLock.RUnlock()
	if !ignore {
		dispatchEvent(s.config.EventCh, MemberEvent{Type: EventMemberJoin, Members: []Member{member.Member}})
	}
}

// handleNodeLeave is invoked by eventDelegate whenever memberlist itself
// observes a node transition to suspect/dead/left.
func (s *Serf) handleNodeLeave(n *memberlist.Node) {
	s.memberLock.Lock()
	defer s.memberLock.Unlock()

	member, ok := s.members[n.Name]
	if !ok {
		return
	}

	var evType EventType
	switch member.Status {
	case StatusLeaving:
		member.Status = StatusLeft
		member.leaveTime = time.Now()
		s.leftMembers = append(s.leftMembers, member)
		evType = EventMemberLeave
	case StatusAlive:
		member.Status = StatusFailed
		member.leaveTime = time.Now()
		s.failedMembers = append(s.failedMembers, member)
		evType = EventMemberFailed
	default:
		return
	}

	dispatchEvent(s.config.EventCh, MemberEvent{Type: evType, Members: []Member{member.Member}})
}

// handleNodeUpdate is invoked by eventDelegate when a known node's meta
// changes (tags or protocol version) without a status transition.
func (s *Serf) handleNodeUpdate(n *memberlist.Node) {
	s.memberLock.Lock()
	member, ok := s.members[n.Name]
	if !ok {
		s.memberLock.Unlock()
		return
	}
	member.Tags = s.decodeTags(n.Meta)
	member.ProtocolCur = n.PCur
	member.DelegateCur = n.DCur
	mCopy := member.Member
	s.memberLock.Unlock()

	dispatchEvent(s.config.EventCh, MemberEvent{Type: EventMemberUpdate, Members: []Member{mCopy}})
}

// handleNodeLeaveIntent processes a (possibly gossiped) leave intent,
// returning true if it should be rebroadcast.
func (s *Serf) handleNodeLeaveIntent(leaveMsg *messageLeave) bool {
	s.clock.Witness(leaveMsg.LTime)

	s.memberLock.Lock()
	defer s.memberLock.Unlock()

	member, ok := s.members[leaveMsg.Node]
	if !ok {
		s.recentLeave[s.recentLeaveIndex] = nodeIntent{LTime: leaveMsg.LTime, Node: leaveMsg.Node}
		s.recentLeaveIndex = (s.recentLeaveIndex + 1) % len(s.recentLeave)
		return true
	}

	if leaveMsg.LTime <= member.statusLTime {
		return false
	}
	member.statusLTime = leaveMsg.LTime

	if leaveMsg.Node == s.config.NodeName && s.State() == SerfAlive {
		s.logger.Printf("[DEBUG] serf: refuting a leave intent")
		go func() {
			if err := s.broadcastJoin(s.clock.Time()); err != nil {
				s.logger.Printf("[WARN] serf: failed to refute leave intent: %v", err)
			}
		}()
		return false
	}

	switch member.Status {
	case StatusAlive:
		member.Status = StatusLeaving
	case StatusFailed:
		member.Status = StatusLeft
		s.failedMembers = removeOldMember(s.failedMembers, member.Name)
		s.leftMembers = append(s.leftMembers, member)
	default:
		return true
	}
	return true
}

// handleNodeForceRemove processes a gossiped ForceLeave, skipping the
// usual leaving grace period for a node already believed failed.
func (s *Serf) handleNodeForceRemove(remove *messageRemoveFailed) bool {
	s.clock.Witness(remove.LTime)

	s.memberLock.Lock()
	defer s.memberLock.Unlock()

	member, ok := s.members[remove.Node]
	if !ok {
		return true
	}
	if remove.LTime <= member.statusLTime {
		return false
	}
	member.statusLTime = remove.LTime

	switch member.Status {
	case StatusFailed, StatusAlive, StatusLeaving:
		member.Status = StatusLeft
		member.leaveTime = time.Now()
		s.failedMembers = removeOldMember(s.failedMembers, member.Name)
		if remove.Prune {
			delete(s.members, member.Name)
		} else {
			s.leftMembers = append(s.leftMembers, member)
		}
	}
	return true
}

// handleNodeJoinIntent processes a (possibly gossiped) join intent,
// returning true if it should be rebroadcast.
func (s *Serf) handleNodeJoinIntent(joinMsg *messageJoin) bool {
	s.clock.Witness(joinMsg.LTime)

	s.memberLock.Lock()
	defer s.memberLock.Unlock()

	member, ok := s.members[joinMsg.Node]
	if !ok {
		s.recentJoin[s.recentJoinIndex] = nodeIntent{LTime: joinMsg.LTime, Node: joinMsg.Node}
		s.recentJoinIndex = (s.recentJoinIndex + 1) % len(s.recentJoin)
		return true
	}

	if joinMsg.LTime <= member.statusLTime {
		return false
	}
	member.statusLTime = joinMsg.LTime
	if member.Status == StatusLeaving {
		member.Status = StatusAlive
	}
	return true
}

// handleUserEvent dedups and delivers a user event, returning true if
// it should be rebroadcast.
func (s *Serf) handleUserEvent(eventMsg *messageUserEvent) bool {
	s.eventClock.Witness(eventMsg.LTime)

	s.eventLock.Lock()
	defer s.eventLock.Unlock()

	curTime := s.eventClock.Time()
	bufLen := LamportTime(len(s.eventBuffer))
	if eventMsg.LTime < s.eventMinTime {
		return false
	}
	if bufLen > 0 && curTime > bufLen && eventMsg.LTime < curTime-bufLen {
		return false
	}

	idx := eventMsg.LTime % bufLen
	seen := s.eventBuffer[idx]
	ev := userEvent{Name: eventMsg.Name, Payload: eventMsg.Payload}

	if seen != nil && seen.LTime == eventMsg.LTime {
		for _, prior := range seen.Events {
			if prior.Equals(&ev) {
				return false
			}
		}
		seen.Events = append(seen.Events, ev)
	} else {
		seen = &userEvents{LTime: eventMsg.LTime, Events: []userEvent{ev}}
		s.eventBuffer[idx] = seen
	}

	dispatchEvent(s.config.EventCh, UserEvent{
		LTime:    eventMsg.LTime,
		Name:     eventMsg.Name,
		Payload:  eventMsg.Payload,
		Coalesce: eventMsg.CC,
	})
	return true
}

// mergeRemoteState folds a remote push/pull payload into our own
// state: witness its clocks, replay any leave intents for members we
// don't know happened yet, and absorb any user events we haven't seen.
func (s *Serf) mergeRemoteState(pp *messagePushPull) {
	s.clock.Witness(pp.LTime)

	for _, name := range pp.LeftMembers {
		s.handleNodeLeaveIntent(&messageLeave{LTime: pp.StatusLTimes[name], Node: name})
	}

	s.eventLock.Lock()
	s.eventClock.Witness(pp.EventLTime)
	s.eventLock.Unlock()

	for _, events := range pp.Events {
		if events == nil {
			continue
		}
		for _, e := range events.Events {
			s.handleUserEvent(&messageUserEvent{LTime: events.LTime, Name: e.Name, Payload: e.Payload})
		}
	}
}

func (s *Serf) checkQueueDepth(name string, queue *memberlist.TransmitLimitedQueue) {
	ticker := time.NewTicker(s.config.QueueCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n := queue.NumQueued()
			if n > s.config.QueueDepthWarning {
				s.logger.Printf("[WARN] serf: %s queue depth: %d", name, n)
			}
		case <-s.shutdownCh:
			return
		}
	}
}

func removeOldMember(old []*memberState, name string) []*memberState {
	for i, m := range old {
		if m.Name == name {
			n := len(old)
			old[i], old[n-1] = old[n-1], old[i]
			return old[:n-1]
		}
	}
	return old
}

var validNodeName = regexp.MustCompile(`^[A-Za-z0-9\-_.]+$`)

// validateNodeName rejects node names that wouldn't survive framing as
// a memberlist Node.Name, used by mergeDelegate before admitting a peer.
func validateNodeName(name string) error {
	if len(name) == 0 || len(name) > 128 {
		return fmt.Errorf("serf: node name must be between 1 and 128 characters")
	}
	if !validNodeName.MatchString(name) {
		return fmt.Errorf("serf: node name contains invalid characters: %s", name)
	}
	return nil
}
