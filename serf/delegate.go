package serf

// delegate is the memberlist.Delegate implementation that Serf uses to
// piggyback its own tags, gossip, and push/pull state on memberlist.
type delegate struct {
	serf *Serf
}

func (d *delegate) NodeMeta(limit int) []byte {
	tags := d.serf.encodeTags(d.serf.config.Tags)
	if len(tags) > limit {
		panic(len(tags))
	}
	return tags
}

func (d *delegate) NotifyMsg(buf []byte) {
	if len(buf) == 0 {
		return
	}

	rebroadcast := false
	queue := d.serf.broadcasts
	t := messageType(buf[0])

	switch t {
	case messageLeaveType:
		var leave messageLeave
		if err := decodeMessage(buf[1:], &leave); err != nil {
			d.serf.logger.Printf("[ERR] serf: error decoding leave message: %v", err)
			break
		}
		rebroadcast = d.serf.handleNodeLeaveIntent(&leave)

	case messageRemoveFailedType:
		var remove messageRemoveFailed
		if err := decodeMessage(buf[1:], &remove); err != nil {
			d.serf.logger.Printf("[ERR] serf: error decoding remove message: %v", err)
			break
		}
		rebroadcast = d.serf.handleNodeForceRemove(&remove)

	case messageJoinType:
		var join messageJoin
		if err := decodeMessage(buf[1:], &join); err != nil {
			d.serf.logger.Printf("[ERR] serf: error decoding join message: %v", err)
			break
		}
		rebroadcast = d.serf.handleNodeJoinIntent(&join)

	case messageUserEventType:
		var userMsg messageUserEvent
		if err := decodeMessage(buf[1:], &userMsg); err != nil {
			d.serf.logger.Printf("[ERR] serf: error decoding user event message: %v", err)
			break
		}
		rebroadcast = d.serf.handleUserEvent(&userMsg)
		queue = d.serf.eventBroadcasts

	case messageQueryType:
		var query messageQuery
		if err := decodeMessage(buf[1:], &query); err != nil {
			d.serf.logger.Printf("[ERR] serf: error decoding query message: %v", err)
			break
		}
		rebroadcast = d.serf.handleQuery(&query)
		queue = d.serf.queryBroadcasts

	case messageQueryResponseType:
		var resp messageQueryResponse
		if err := decodeMessage(buf[1:], &resp); err != nil {
			d.serf.logger.Printf("[ERR] serf: error decoding query response message: %v", err)
			break
		}
		d.serf.handleQueryResponse(&resp)

	case messageRelayType:
		var relay messageRelay
		if err := decodeMessage(buf[1:], &relay); err != nil {
			d.serf.logger.Printf("[ERR] serf: error decoding relay message: %v", err)
			break
		}
		d.serf.handleRelay(&relay)

	default:
		d.serf.logger.Printf("[WARN] serf: received message of unknown type: %d", t)
	}

	if rebroadcast {
		queue.QueueBroadcast(&broadcast{msg: buf})
	}
}

func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte {
	msgs := d.serf.broadcasts.GetBroadcasts(overhead, limit)
	msgs = append(msgs, d.serf.eventBroadcasts.GetBroadcasts(overhead, limit)...)
	msgs = append(msgs, d.serf.queryBroadcasts.GetBroadcasts(overhead, limit)...)
	return msgs
}

// LocalState is exchanged during push/pull to carry Serf's membership
// clock, leave intents, and recent user events to the remote peer.
func (d *delegate) LocalState(join bool) []byte {
	s := d.serf

	s.memberLock.RLock()
	statusLTimes := make(map[string]LamportTime, len(s.members))
	leftMembers := make([]string, 0, len(s.leftMembers))
	for name, m := range s.members {
		statusLTimes[name] = m.statusLTime
	}
	for _, m := range s.leftMembers {
		leftMembers = append(leftMembers, m.Name)
	}
	s.memberLock.RUnlock()

	s.eventLock.RLock()
	events := make([]*userEvents, len(s.eventBuffer))
	copy(events, s.eventBuffer)
	eventLTime := s.eventClock.Time()
	s.eventLock.RUnlock()

	pp := messagePushPull{
		LTime:        s.clock.Time(),
		StatusLTimes: statusLTimes,
		LeftMembers:  leftMembers,
		EventLTime:   eventLTime,
		Events:       events,
	}
	buf, err := encodeMessage(messagePushPullType, &pp)
	if err != nil {
		s.logger.Printf("[ERR] serf: failed to encode local state: %v", err)
		return nil
	}
	return buf
}

// MergeRemoteState applies the remote peer's push/pull state: witness
// its clocks, replay any leave intents we might have missed, and fold
// in any user events we haven't seen.
func (d *delegate) MergeRemoteState(buf []byte, join bool) {
	if len(buf) == 0 {
		return
	}
	if messageType(buf[0]) != messagePushPullType {
		d.serf.logger.Printf("[ERR] serf: remote state has bad type prefix: %d", buf[0])
		return
	}

	var pp messagePushPull
	if err := decodeMessage(buf[1:], &pp); err != nil {
		d.serf.logger.Printf("[ERR] serf: failed to decode remote state: %v", err)
		return
	}
	d.serf.mergeRemoteState(&pp)
}
