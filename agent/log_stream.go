package agent

import (
	"bytes"
	"io"
	"sync"

	"github.com/hashicorp/logutils"
)

// logBroadcaster is an io.Writer that fans every line it receives out
// to any number of registered listeners, each filtered to its own
// minimum level. It backs Agent.Stream, the same way the teacher's
// ipc_log_stream.go backs the monitor command's RPC stream, minus the
// RPC framing.
type logBroadcaster struct {
	mu        sync.Mutex
	listeners map[*logListener]struct{}
	next      io.Writer
}

type logListener struct {
	ch     chan string
	filter *logutils.LevelFilter
}

func newLogBroadcaster(next io.Writer) *logBroadcaster {
	return &logBroadcaster{
		listeners: make(map[*logListener]struct{}),
		next:      next,
	}
}

func (b *logBroadcaster) Write(p []byte) (int, error) {
	line := bytes.TrimRight(p, "\n")

	b.mu.Lock()
	for l := range b.listeners {
		if !l.filter.Check(line) {
			continue
		}
		select {
		case l.ch <- string(line):
		default:
			// Slow subscriber; drop rather than block log writers.
		}
	}
	b.mu.Unlock()

	if b.next != nil {
		return b.next.Write(p)
	}
	return len(p), nil
}

// subscribe registers a new listener at the given minimum level
// ("DEBUG", "INFO", "WARN", "ERR") and returns its channel plus a
// cancel function that unregisters it.
func (b *logBroadcaster) subscribe(level string) (<-chan string, func()) {
	if level == "" {
		level = "INFO"
	}
	l := &logListener{
		ch: make(chan string, 512),
		filter: &logutils.LevelFilter{
			Levels:   []logutils.LogLevel{"DEBUG", "INFO", "WARN", "ERR"},
			MinLevel: logutils.LogLevel(level),
		},
	}

	b.mu.Lock()
	b.listeners[l] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.listeners, l)
		b.mu.Unlock()
		close(l.ch)
	}
	return l.ch, cancel
}
