package serf

import (
	"github.com/nserf/nserf/memberlist"
)

// broadcast is an implementation of memberlist.Broadcast used to
// manage broadcasts across the memberlist channel that are related
// only to Serf (join/leave/user-event/query gossip, as distinct from
// memberlist's own alive/suspect/dead chatter).
type broadcast struct {
	key    string
	msg    []byte
	notify chan<- struct{}
}

func (b *broadcast) Invalidates(other memberlist.Broadcast) bool {
	b2, ok := other.(*broadcast)
	if !ok {
		return false
	}
	return b.key != "" && b.key == b2.key
}

func (b *broadcast) Name() string {
	return b.key
}

func (b *broadcast) Message() []byte {
	return b.msg
}

func (b *broadcast) Finished() {
	if b.notify != nil {
		close(b.notify)
	}
}
