package serf

import (
	"fmt"
	"net"

	"github.com/nserf/nserf/memberlist"
)

// MergeDelegate lets an application veto a push/pull merge or a freshly
// observed alive node, e.g. to reject a cluster with an incompatible
// tag schema.
type MergeDelegate interface {
	NotifyMerge([]*Member) error
}

type mergeDelegate struct {
	serf *Serf
}

func (m *mergeDelegate) NotifyMerge(nodes []*memberlist.Node) error {
	if m.serf.config.Merge == nil {
		return nil
	}
	members := make([]*Member, len(nodes))
	for idx, n := range nodes {
		var err error
		members[idx], err = m.nodeToMember(n)
		if err != nil {
			return err
		}
	}
	return m.serf.config.Merge.NotifyMerge(members)
}

func (m *mergeDelegate) NotifyAlive(peer *memberlist.Node) error {
	if m.serf.config.Merge == nil {
		if _, err := m.nodeToMember(peer); err != nil {
			return err
		}
		return nil
	}
	member, err := m.nodeToMember(peer)
	if err != nil {
		return err
	}
	return m.serf.config.Merge.NotifyMerge([]*Member{member})
}

func (m *mergeDelegate) nodeToMember(n *memberlist.Node) (*Member, error) {
	status := StatusNone
	if n.State == memberlist.StateLeft {
		status = StatusLeft
	}
	if err := m.validateMemberInfo(n); err != nil {
		return nil, err
	}
	return &Member{
		Name:        n.Name,
		Addr:        net.IP(n.Addr),
		Port:        n.Port,
		Tags:        m.serf.decodeTags(n.Meta),
		Status:      status,
		ProtocolMin: n.PMin,
		ProtocolMax: n.PMax,
		ProtocolCur: n.PCur,
		DelegateMin: n.DMin,
		DelegateMax: n.DMax,
		DelegateCur: n.DCur,
	}, nil
}

// validateMemberInfo checks that an incoming node record is sane before
// it is admitted as a Member.
func (m *mergeDelegate) validateMemberInfo(n *memberlist.Node) error {
	if err := validateNodeName(n.Name); err != nil {
		return err
	}
	if len(n.Addr) != net.IPv4len && len(n.Addr) != net.IPv6len {
		return fmt.Errorf("serf: address of %d bytes is not a valid IPv4 or IPv6 address", len(n.Addr))
	}
	if len(n.Meta) > memberlist.MetaMaxSize {
		return fmt.Errorf("serf: encoded tags exceed %d byte limit", memberlist.MetaMaxSize)
	}
	return nil
}
