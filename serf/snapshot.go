package serf

import (
	"bufio"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	metrics "github.com/armon/go-metrics"
)

// Serf can persist a "snapshot" file recording member events and the
// latest Lamport clocks, so a restarted process can recover its peer
// list and clock state without replaying history it has already seen.
// The file is appended to during normal operation and periodically
// compacted once it grows past maxSize.

const fsyncInterval = 100 * time.Millisecond
const clockUpdateInterval = 500 * time.Millisecond
const tmpExt = ".compact"

// snapshotSizeLimit is a 128 MiB maxSize for NewSnapshotter.
const snapshotSizeLimit = 128 * 1024 * 1024

// Snapshotter ingests events off inCh, persists the subset that
// matters for recovery to disk, and forwards every event (unmodified)
// to outCh so it still reaches the application's own EventCh.
type Snapshotter struct {
	aliveNodes     map[string]string
	clock          *LamportClock
	eventClock     *LamportClock
	queryClock     *LamportClock
	fh             *os.File
	inCh           <-chan Event
	lastFsync      time.Time
	lastClock      LamportTime
	lastEventClock LamportTime
	lastQueryClock LamportTime
	leaveCh        chan struct{}
	leaving        bool
	logger         *log.Logger
	maxSize        int64
	path           string
	offset         int64
	outCh          chan<- Event
	shutdownCh     <-chan struct{}
	waitCh         chan struct{}
}

// PreviousNode is a node recovered from a snapshot's alive-node list.
type PreviousNode struct {
	Name string
	Addr string
}

func (p PreviousNode) String() string {
	return fmt.Sprintf("%s: %s", p.Name, p.Addr)
}

// NewSnapshotter opens (or creates) the snapshot at path, replays it to
// recover prior state, and starts the background goroutine that keeps
// it up to date. clock, eventClock and queryClock are witnessed with
// the recovered values by the caller once this returns.
func NewSnapshotter(path string, maxSize int, logger *log.Logger,
	clock, eventClock, queryClock *LamportClock,
	outCh chan<- Event, shutdownCh <-chan struct{}) (chan<- Event, *Snapshotter, error) {
	inCh := make(chan Event, 1024)

	fh, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0755)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open snapshot: %v", err)
	}

	info, err := fh.Stat()
	if err != nil {
		fh.Close()
		return nil, nil, fmt.Errorf("failed to stat snapshot: %v", err)
	}
	offset := info.Size()

	snap := &Snapshotter{
		aliveNodes: make(map[string]string),
		clock:      clock,
		eventClock: eventClock,
		queryClock: queryClock,
		fh:         fh,
		inCh:       inCh,
		leaveCh:    make(chan struct{}),
		logger:     logger,
		maxSize:    int64(maxSize),
		path:       path,
		offset:     offset,
		outCh:      outCh,
		shutdownCh: shutdownCh,
		waitCh:     make(chan struct{}),
	}

	if err := snap.replay(); err != nil {
		fh.Close()
		return nil, nil, err
	}

	go snap.stream()
	return inCh, snap, nil
}

// LastClock returns the last known member clock time.
func (s *Snapshotter) LastClock() LamportTime {
	return s.lastClock
}

// LastEventClock returns the last known user-event clock time.
func (s *Snapshotter) LastEventClock() LamportTime {
	return s.lastEventClock
}

// LastQueryClock returns the last known query clock time.
func (s *Snapshotter) LastQueryClock() LamportTime {
	return s.lastQueryClock
}

// AliveNodes returns the last known alive nodes, in random order to
// avoid every restarted node hammering the same peer first.
func (s *Snapshotter) AliveNodes() []*PreviousNode {
	previous := make([]*PreviousNode, 0, len(s.aliveNodes))
	for name, addr := range s.aliveNodes {
		previous = append(previous, &PreviousNode{name, addr})
	}

	for i := range previous {
		j := rand.Intn(i + 1)
		previous[i], previous[j] = previous[j], previous[i]
	}
	return previous
}

// Wait blocks until the snapshotter has finished shutting down.
func (s *Snapshotter) Wait() {
	<-s.waitCh
}

// Leave clears the recorded alive-node list so a restart doesn't
// rejoin nodes this process deliberately left.
func (s *Snapshotter) Leave() {
	select {
	case s.leaveCh <- struct{}{}:
	case <-s.shutdownCh:
	}
}

func (s *Snapshotter) stream() {
	for {
		select {
		case <-s.leaveCh:
			s.aliveNodes = make(map[string]string)
			s.leaving = true
			s.tryAppend("leave\n")
			if err := s.fh.Sync(); err != nil {
				s.logger.Printf("[ERR] serf: failed to sync leave to snapshot: %v", err)
			}

		case e := <-s.inCh:
			if s.outCh != nil {
				s.outCh <- e
			}

			if s.leaving {
				continue
			}
			switch typed := e.(type) {
			case MemberEvent:
				s.processMemberEvent(typed)
			case UserEvent:
				s.processUserEvent(typed)
			case *Query:
				s.processQueryEvent(typed)
			default:
				s.logger.Printf("[ERR] serf: Unknown event to snapshot: %#v", e)
			}

		case <-time.After(clockUpdateInterval):
			s.updateClock()

		case <-s.shutdownCh:
			if err := s.fh.Sync(); err != nil {
				s.logger.Printf("[ERR] serf: failed to sync snapshot: %v", err)
			}
			s.fh.Close()
			close(s.waitCh)
			return
		}
	}
}

func (s *Snapshotter) processMemberEvent(e MemberEvent) {
	switch e.Type {
	case EventMemberJoin:
		for _, mem := range e.Members {
			addr := net.TCPAddr{IP: mem.Addr, Port: int(mem.Port)}
			s.aliveNodes[mem.Name] = addr.String()
			s.tryAppend(fmt.Sprintf("alive: %s %s\n", mem.Name, addr.String()))
		}

	case EventMemberLeave, EventMemberFailed:
		for _, mem := range e.Members {
			delete(s.aliveNodes, mem.Name)
			s.tryAppend(fmt.Sprintf("not-alive: %s\n", mem.Name))
		}
	}
	s.updateClock()
}

// updateClock checks all three Lamport clocks for advancement. Called
// after every member event and on a timer, since join/leave intents
// and queries can race the clock forward without a matching event.
func (s *Snapshotter) updateClock() {
	if t := s.clock.Time(); t > 0 && t-1 > s.lastClock {
		s.lastClock = t - 1
		s.tryAppend(fmt.Sprintf("clock: %d\n", s.lastClock))
	}
	if t := s.eventClock.Time(); t > 0 && t-1 > s.lastEventClock {
		s.lastEventClock = t - 1
		s.tryAppend(fmt.Sprintf("event-clock: %d\n", s.lastEventClock))
	}
	if t := s.queryClock.Time(); t > 0 && t-1 > s.lastQueryClock {
		s.lastQueryClock = t - 1
		s.tryAppend(fmt.Sprintf("query-clock: %d\n", s.lastQueryClock))
	}
}

func (s *Snapshotter) processUserEvent(e UserEvent) {
	if e.LTime <= s.lastEventClock {
		return
	}
	s.lastEventClock = e.LTime
	s.tryAppend(fmt.Sprintf("event-clock: %d\n", e.LTime))
}

func (s *Snapshotter) processQueryEvent(q *Query) {
	if q.LTime <= s.lastQueryClock {
		return
	}
	s.lastQueryClock = q.LTime
	s.tryAppend(fmt.Sprintf("query-clock: %d\n", q.LTime))
}

func (s *Snapshotter) tryAppend(l string) {
	if err := s.appendLine(l); err != nil {
		s.logger.Printf("[ERR] serf: Failed to update snapshot: %v", err)
	}
}

func (s *Snapshotter) appendLine(l string) error {
	n, err := s.fh.WriteString(l)
	if err != nil {
		return err
	}

	now := time.Now()
	if now.Sub(s.lastFsync) > fsyncInterval {
		s.lastFsync = now
		if err := s.fh.Sync(); err != nil {
			return err
		}
	}

	s.offset += int64(n)
	if s.offset > s.maxSize {
		metrics.IncrCounter([]string{"serf", "snapshot", "compact"}, 1)
		return s.compact()
	}
	return nil
}

// compact rewrites the snapshot as just the alive-node list plus the
// three current clocks, dropping the accumulated not-alive/clock
// history that made the file grow past maxSize.
func (s *Snapshotter) compact() error {
	newPath := s.path + tmpExt
	fh, err := os.OpenFile(newPath, os.O_RDWR|os.O_TRUNC|os.O_CREATE, 0755)
	if err != nil {
		return fmt.Errorf("failed to open new snapshot: %v", err)
	}

	var offset int64
	write := func(line string) error {
		n, err := fh.WriteString(line)
		if err != nil {
			fh.Close()
			return err
		}
		offset += int64(n)
		return nil
	}

	for name, addr := range s.aliveNodes {
		if err := write(fmt.Sprintf("alive: %s %s\n", name, addr)); err != nil {
			return err
		}
	}
	if err := write(fmt.Sprintf("clock: %d\n", s.lastClock)); err != nil {
		return err
	}
	if err := write(fmt.Sprintf("event-clock: %d\n", s.lastEventClock)); err != nil {
		return err
	}
	if err := write(fmt.Sprintf("query-clock: %d\n", s.lastQueryClock)); err != nil {
		return err
	}

	if err := os.Rename(newPath, s.path); err != nil {
		fh.Close()
		return fmt.Errorf("failed to install new snapshot: %v", err)
	}

	s.fh.Close()
	s.fh = fh
	s.offset = offset
	s.lastFsync = time.Now()
	return nil
}

// replay reconstructs state from the snapshot file at startup.
func (s *Snapshotter) replay() error {
	if _, err := s.fh.Seek(0, os.SEEK_SET); err != nil {
		return err
	}

	reader := bufio.NewReader(s.fh)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		line = line[:len(line)-1]

		switch {
		case strings.HasPrefix(line, "alive: "):
			info := strings.TrimPrefix(line, "alive: ")
			addrIdx := strings.LastIndex(info, " ")
			if addrIdx == -1 {
				s.logger.Printf("[WARN] Failed to parse address: %v", line)
				continue
			}
			s.aliveNodes[info[:addrIdx]] = info[addrIdx+1:]

		case strings.HasPrefix(line, "not-alive: "):
			delete(s.aliveNodes, strings.TrimPrefix(line, "not-alive: "))

		case strings.HasPrefix(line, "clock: "):
			if t, ok := s.parseClockLine(line, "clock: "); ok {
				s.lastClock = t
			}

		case strings.HasPrefix(line, "event-clock: "):
			if t, ok := s.parseClockLine(line, "event-clock: "); ok {
				s.lastEventClock = t
			}

		case strings.HasPrefix(line, "query-clock: "):
			if t, ok := s.parseClockLine(line, "query-clock: "); ok {
				s.lastQueryClock = t
			}

		case line == "leave":
			s.aliveNodes = make(map[string]string)
			s.lastClock = 0
			s.lastEventClock = 0
			s.lastQueryClock = 0

		case strings.HasPrefix(line, "#"):
			// comment

		default:
			s.logger.Printf("[WARN] Unrecognized snapshot line: %v", line)
		}
	}

	if _, err := s.fh.Seek(0, os.SEEK_END); err != nil {
		return err
	}
	return nil
}

func (s *Snapshotter) parseClockLine(line, prefix string) (LamportTime, bool) {
	timeStr := strings.TrimPrefix(line, prefix)
	timeInt, err := strconv.ParseUint(timeStr, 10, 64)
	if err != nil {
		s.logger.Printf("[WARN] Failed to convert %s time: %v", strings.TrimSuffix(prefix, ": "), err)
		return 0, false
	}
	return LamportTime(timeInt), true
}
