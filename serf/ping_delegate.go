package serf

import (
	"bytes"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-msgpack/codec"
	"github.com/nserf/nserf/coordinate"
	"github.com/nserf/nserf/memberlist"
)

// pingDelegate is notified when memberlist successfully completes a
// direct ping of a peer node. It piggybacks our Vivaldi network
// coordinate on the ack payload and updates our own coordinate
// estimate from the peer's.
type pingDelegate struct {
	serf *Serf
}

// PingVersion is an internal version for the ping payload, independent
// of the Serf protocol version, so the coordinate wire format can
// evolve without a full protocol bump.
const PingVersion = 1

// AckPayload produces the coordinate payload piggybacked on every ack.
func (p *pingDelegate) AckPayload() []byte {
	var buf bytes.Buffer
	buf.WriteByte(PingVersion)

	enc := codec.NewEncoder(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(p.serf.coordClient.GetCoordinate()); err != nil {
		p.serf.logger.Printf("[ERR] serf: failed to encode coordinate: %v", err)
	}
	return buf.Bytes()
}

// NotifyPingComplete updates our coordinate estimate from a successful
// direct probe's RTT and the peer's piggybacked coordinate.
func (p *pingDelegate) NotifyPingComplete(other *memberlist.Node, rtt time.Duration, payload []byte) {
	if len(payload) == 0 {
		return
	}

	version := payload[0]
	if version != PingVersion {
		p.serf.logger.Printf("[ERR] serf: unsupported ping payload version: %d", version)
		return
	}

	r := bytes.NewReader(payload[1:])
	dec := codec.NewDecoder(r, &codec.MsgpackHandle{})
	var coord coordinate.Coordinate
	if err := dec.Decode(&coord); err != nil {
		p.serf.logger.Printf("[ERR] serf: failed to decode coordinate from ping: %v", err)
		return
	}

	before := p.serf.coordClient.GetCoordinate()
	p.serf.coordClient.Update(&coord, rtt)
	after := p.serf.coordClient.GetCoordinate()

	d := float32(before.DistanceTo(after).Seconds() * 1.0e3)
	metrics.AddSample([]string{"serf", "coordinate", "adjustment-ms"}, d)

	p.serf.coordCacheLock.Lock()
	p.serf.coordCache[other.Name] = &coord
	p.serf.coordCache[p.serf.config.NodeName] = after
	p.serf.coordCacheLock.Unlock()
}
