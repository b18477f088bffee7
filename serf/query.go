package serf

import (
	"fmt"
	"net"
	"regexp"
	"sync"
	"time"
)

// QueryParam is provided to Query() to configure the parameters of the
// query. If not provided, sane defaults are used, see DefaultQueryParams.
type QueryParam struct {
	// FilterNodes restricts the query to the given node names. Useful to
	// ping a specific node, or to retry a query against just the nodes
	// that didn't answer the first time around.
	FilterNodes []string

	// FilterTags maps a tag name to a regular expression applied to that
	// tag's value. A node must match every entry to receive the query.
	FilterTags map[string]string

	// RequestAck requests an acknowledgement from every matching node,
	// delivered as soon as the query is received, separately from any
	// application-level response.
	RequestAck bool

	// RelayFactor controls how many extra nodes are asked to relay the
	// ack/response back towards the querier, to survive a broken direct
	// return path. Zero disables relaying.
	RelayFactor uint8

	// Timeout is the total time to wait for acks/responses. Zero uses
	// Serf.DefaultQueryTimeout().
	Timeout time.Duration

	// MaxResponses closes the QueryResponse's channels as soon as this
	// many distinct nodes have responded, instead of waiting out the
	// full deadline. Zero means unlimited (wait for the deadline).
	MaxResponses int
}

// DefaultQueryTimeout returns the timeout used if no custom timeout is
// provided. Scales with cluster size and GossipInterval so a query has
// time to propagate through several gossip rounds before expiring.
func (s *Serf) DefaultQueryTimeout() time.Duration {
	n := s.memberlist.NumMembers()
	timeout := s.config.MemberlistConfig.GossipInterval
	timeout *= time.Duration(s.config.QueryTimeoutMult)
	timeout *= time.Duration(logBase2(uint64(n + 1)))
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	return timeout
}

// DefaultQueryParams is a convenience method for building a QueryParam
// pre-populated with this Serf's default timeout.
func (s *Serf) DefaultQueryParams() *QueryParam {
	return &QueryParam{
		Timeout: s.DefaultQueryTimeout(),
	}
}

func logBase2(n uint64) uint64 {
	if n <= 1 {
		return 1
	}
	var count uint64
	for n > 1 {
		n >>= 1
		count++
	}
	return count + 1
}

func (q *QueryParam) toMessage(s *Serf, name string, payload []byte) (messageQuery, error) {
	if q.Timeout == 0 {
		q.Timeout = s.DefaultQueryTimeout()
	}

	var filters [][]byte
	if len(q.FilterNodes) > 0 {
		buf, err := encodeFilter(filterNodeType, filterNode(q.FilterNodes))
		if err != nil {
			return messageQuery{}, err
		}
		filters = append(filters, buf)
	}
	for tag, expr := range q.FilterTags {
		buf, err := encodeFilter(filterTagType, filterTag{Tag: tag, Expr: expr})
		if err != nil {
			return messageQuery{}, err
		}
		filters = append(filters, buf)
	}

	local := s.memberlist.LocalNode()
	return messageQuery{
		ID:          s.nextQueryID(),
		Addr:        []byte(local.Addr),
		Port:        local.Port,
		Filters:     filters,
		Ack:         q.RequestAck,
		RelayFactor: q.RelayFactor,
		Timeout:     q.Timeout,
		Name:        name,
		Payload:     payload,
	}, nil
}

// NodeResponse is a single response collected for a query.
type NodeResponse struct {
	From    string
	Payload []byte
}

// QueryResponse is returned by Serf.Query and is used to collect the
// query's acks and responses as they stream in, up until its deadline
// (or until MaxResponses distinct nodes have responded).
type QueryResponse struct {
	deadline     time.Time
	id           uint32
	lTime        LamportTime
	filters      [][]byte
	maxResponses int

	closeLock sync.Mutex
	closed    bool

	// acked/responded dedup deliveries per node, since an ack or
	// response can legitimately arrive twice: once via the querier's
	// direct unicast reply and again via a relay node forwarding the
	// same message (see relay.go).
	acked     map[string]struct{}
	responded map[string]struct{}

	ackCh  chan string
	respCh chan NodeResponse
}

func newQueryResponse(n int, q *messageQuery, maxResponses int) *QueryResponse {
	resp := &QueryResponse{
		deadline:     time.Now().Add(q.Timeout),
		id:           q.ID,
		lTime:        q.LTime,
		filters:      q.Filters,
		maxResponses: maxResponses,
		responded:    make(map[string]struct{}),
		respCh:       make(chan NodeResponse, n),
	}
	if q.Ack {
		resp.acked = make(map[string]struct{})
		resp.ackCh = make(chan string, n)
	}
	return resp
}

// Filters returns the encoded node/tag filters this query was sent
// with.
func (r *QueryResponse) Filters() [][]byte {
	return r.filters
}

// Close stops any further deliveries, used once the deadline passes or
// MaxResponses is reached.
func (r *QueryResponse) Close() {
	r.closeLock.Lock()
	defer r.closeLock.Unlock()
	r.closeLocked()
}

// closeLocked is Close's body, callable by code that already holds
// closeLock (sendResponse, once MaxResponses is hit).
func (r *QueryResponse) closeLocked() {
	if r.closed {
		return
	}
	r.closed = true
	if r.ackCh != nil {
		close(r.ackCh)
	}
	close(r.respCh)
}

// Deadline returns the query's final deadline.
func (r *QueryResponse) Deadline() time.Time {
	return r.deadline
}

// Finished returns true once the deadline has passed.
func (r *QueryResponse) Finished() bool {
	return time.Now().After(r.deadline)
}

// AckCh returns a channel that streams the name of every node that has
// acked, nil if the query did not request acks.
func (r *QueryResponse) AckCh() <-chan string {
	return r.ackCh
}

// ResponseCh returns a channel that streams every NodeResponse received.
func (r *QueryResponse) ResponseCh() <-chan NodeResponse {
	return r.respCh
}

func (r *QueryResponse) sendAck(from string) {
	r.closeLock.Lock()
	defer r.closeLock.Unlock()
	if r.closed || r.ackCh == nil {
		return
	}
	if _, dup := r.acked[from]; dup {
		return
	}
	r.acked[from] = struct{}{}
	select {
	case r.ackCh <- from:
	default:
	}
}

func (r *QueryResponse) sendResponse(resp NodeResponse) {
	r.closeLock.Lock()
	defer r.closeLock.Unlock()
	if r.closed {
		return
	}
	if _, dup := r.responded[resp.From]; dup {
		return
	}
	r.responded[resp.From] = struct{}{}
	select {
	case r.respCh <- resp:
	default:
	}
	if r.maxResponses > 0 && len(r.responded) >= r.maxResponses {
		r.closeLocked()
	}
}

// Query is the inbound representation of a running query delivered to
// the application on Serf.config.EventCh, used to produce a response via
// Respond.
type Query struct {
	LTime   LamportTime
	Name    string
	Payload []byte

	serf        *Serf
	id          uint32
	addr        []byte
	port        uint16
	deadline    time.Time
	relayFactor uint8

	respLock sync.Mutex
	responded bool
}

func (q *Query) EventType() EventType {
	return EventQuery
}

// Deadline is the time by which a response must be sent to be honored.
func (q *Query) Deadline() time.Time {
	return q.deadline
}

// Respond sends a response to the query, which is broadcast directly
// back to the querying node (and relayed via RelayFactor extra nodes, if
// requested). Only the first call succeeds; subsequent calls error.
func (q *Query) Respond(buf []byte) error {
	q.respLock.Lock()
	defer q.respLock.Unlock()

	if q.responded {
		return fmt.Errorf("serf: query response already sent")
	}
	if time.Now().After(q.deadline) {
		return fmt.Errorf("serf: query response is past the deadline")
	}

	resp := messageQueryResponse{
		LTime:   q.LTime,
		ID:      q.id,
		From:    q.serf.config.NodeName,
		Payload: buf,
	}
	raw, err := encodeMessage(messageQueryResponseType, &resp)
	if err != nil {
		return fmt.Errorf("serf: failed to encode query response: %w", err)
	}
	if len(raw) > q.serf.config.QueryResponseSizeLimit {
		return fmt.Errorf("serf: query response exceeds %d byte limit", q.serf.config.QueryResponseSizeLimit)
	}

	addr := (&net.UDPAddr{IP: net.IP(q.addr), Port: int(q.port)}).String()
	if err := q.serf.memberlist.SendTo(addr, raw); err != nil {
		return err
	}
	if q.relayFactor > 0 {
		q.serf.relayResponse(q.relayFactor, net.IP(q.addr), q.port, &resp)
	}

	q.responded = true
	return nil
}

// queries tracks the query IDs already seen at a given lamport time, to
// deduplicate a query arriving via multiple gossip paths.
type queries struct {
	LTime    LamportTime
	QueryIDs []uint32
}

func (s *Serf) nextQueryID() uint32 {
	s.queryLock.Lock()
	defer s.queryLock.Unlock()
	s.queryCounter++
	return s.queryCounter
}

// Query broadcasts a query to the cluster and returns a QueryResponse
// that streams acks/responses until the query's deadline passes.
func (s *Serf) Query(name string, payload []byte, params *QueryParam) (*QueryResponse, error) {
	if params == nil {
		params = s.DefaultQueryParams()
	}
	if len(name)+len(payload) > s.config.QuerySizeLimit {
		return nil, fmt.Errorf("serf: query exceeds %d byte size limit", s.config.QuerySizeLimit)
	}

	q, err := params.toMessage(s, name, payload)
	if err != nil {
		return nil, err
	}
	q.LTime = s.queryClock.Increment()

	resp := newQueryResponse(s.memberlist.NumMembers(), &q, params.MaxResponses)
	s.registerQueryResponse(q.Timeout, resp)

	raw, err := encodeMessage(messageQueryType, &q)
	if err != nil {
		return nil, err
	}

	s.handleQuery(&q)
	s.queryBroadcasts.QueueBroadcast(&broadcast{msg: raw})
	return resp, nil
}

func (s *Serf) registerQueryResponse(timeout time.Duration, resp *QueryResponse) {
	s.queryResponseLock.Lock()
	s.queryResponses[resp.id] = resp
	s.queryResponseLock.Unlock()

	time.AfterFunc(timeout, func() {
		s.queryResponseLock.Lock()
		delete(s.queryResponses, resp.id)
		s.queryResponseLock.Unlock()
		resp.Close()
	})
}

// handleQuery processes an inbound query message, returning true if it
// should be rebroadcast to the rest of the cluster.
func (s *Serf) handleQuery(q *messageQuery) bool {
	s.queryClock.Witness(q.LTime)

	s.queryLock.Lock()
	if q.LTime < s.queryMinTime {
		s.queryLock.Unlock()
		return false
	}
	curTime := s.queryClock.Time()
	bufLen := LamportTime(len(s.queryBuffer))
	if bufLen > 0 && curTime > bufLen && q.LTime < curTime-bufLen {
		s.queryLock.Unlock()
		return false
	}

	rebroadcast := true
	if bufLen > 0 {
		idx := q.LTime % bufLen
		seen := s.queryBuffer[idx]
		if seen != nil && seen.LTime == q.LTime {
			for _, id := range seen.QueryIDs {
				if id == q.ID {
					s.queryLock.Unlock()
					return false
				}
			}
			seen.QueryIDs = append(seen.QueryIDs, q.ID)
		} else {
			s.queryBuffer[idx] = &queries{LTime: q.LTime, QueryIDs: []uint32{q.ID}}
		}
	}
	s.queryLock.Unlock()

	if !s.shouldProcessQuery(q.Filters) {
		return rebroadcast
	}

	if q.Ack {
		ack := messageQueryResponse{LTime: q.LTime, ID: q.ID, From: s.config.NodeName, Ack: true}
		raw, err := encodeMessage(messageQueryResponseType, &ack)
		if err != nil {
			s.logger.Printf("[ERR] serf: failed to encode query ack: %v", err)
		} else {
			addr := (&net.UDPAddr{IP: net.IP(q.Addr), Port: int(q.Port)}).String()
			if err := s.memberlist.SendTo(addr, raw); err != nil {
				s.logger.Printf("[ERR] serf: failed to send query ack: %v", err)
			}
		}
	}

	dispatchEvent(s.config.EventCh, &Query{
		LTime:       q.LTime,
		Name:        q.Name,
		Payload:     q.Payload,
		serf:        s,
		id:          q.ID,
		addr:        q.Addr,
		port:        q.Port,
		deadline:    time.Now().Add(q.Timeout),
		relayFactor: q.RelayFactor,
	})
	return rebroadcast
}

// handleQueryResponse routes an ack/response back to the QueryResponse
// tracker for the query we originated, if we still have one registered.
func (s *Serf) handleQueryResponse(resp *messageQueryResponse) {
	s.queryResponseLock.RLock()
	query, ok := s.queryResponses[resp.ID]
	s.queryResponseLock.RUnlock()
	if !ok {
		return
	}
	if query.lTime != resp.LTime {
		return
	}
	if resp.Ack {
		query.sendAck(resp.From)
	} else {
		query.sendResponse(NodeResponse{From: resp.From, Payload: resp.Payload})
	}
}

// shouldProcessQuery evaluates the query's encoded filters against this
// node's name and tags.
func (s *Serf) shouldProcessQuery(filters [][]byte) bool {
	for _, filter := range filters {
		if len(filter) == 0 {
			continue
		}
		switch filterType(filter[0]) {
		case filterNodeType:
			var nodes filterNode
			if err := decodeMessage(filter[1:], &nodes); err != nil {
				s.logger.Printf("[WARN] serf: failed to decode node filter: %v", err)
				return false
			}
			found := false
			for _, n := range nodes {
				if n == s.config.NodeName {
					found = true
					break
				}
			}
			if !found {
				return false
			}

		case filterTagType:
			var tag filterTag
			if err := decodeMessage(filter[1:], &tag); err != nil {
				s.logger.Printf("[WARN] serf: failed to decode tag filter: %v", err)
				return false
			}
			expr, err := regexp.Compile(tag.Expr)
			if err != nil {
				s.logger.Printf("[WARN] serf: failed to compile tag filter regex %q: %v", tag.Expr, err)
				return false
			}
			value, ok := s.config.Tags[tag.Tag]
			if !ok || !expr.MatchString(value) {
				return false
			}

		default:
			s.logger.Printf("[WARN] serf: query has unrecognized filter type %d", filter[0])
			return false
		}
	}
	return true
}
