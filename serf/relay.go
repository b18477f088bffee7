package serf

import (
	"math/rand"
	"net"

	multierror "github.com/hashicorp/go-multierror"
)

// relayResponse asks relayFactor random alive members, other than this
// node, to forward resp on our behalf, so the response
// survives a one-way network partition between us and addr.
func (s *Serf) relayResponse(relayFactor uint8, addr net.IP, port uint16, resp *messageQueryResponse) error {
	if relayFactor == 0 {
		return nil
	}

	raw, err := encodeMessage(messageQueryResponseType, resp)
	if err != nil {
		return err
	}

	members := s.Members()
	candidates := make([]Member, 0, len(members))
	for _, m := range members {
		if m.Status == StatusAlive && m.Name != s.config.NodeName {
			candidates = append(candidates, m)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if len(candidates) > int(relayFactor) {
		candidates = candidates[:relayFactor]
	}

	relay := messageRelay{Addr: []byte(addr), Port: port, Msg: raw}
	relayRaw, err := encodeMessage(messageRelayType, &relay)
	if err != nil {
		return err
	}

	var merr *multierror.Error
	for _, m := range candidates {
		relayAddr := (&net.UDPAddr{IP: m.Addr, Port: int(m.Port)}).String()
		if err := s.memberlist.SendTo(relayAddr, relayRaw); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// handleRelay forwards a relayed message's payload verbatim to its
// final destination.
func (s *Serf) handleRelay(r *messageRelay) {
	addr := (&net.UDPAddr{IP: net.IP(r.Addr), Port: int(r.Port)}).String()
	if err := s.memberlist.SendTo(addr, r.Msg); err != nil {
		s.logger.Printf("[ERR] serf: failed to forward relayed message to %s: %v", addr, err)
	}
}
