package serf

import (
	"testing"
	"time"
)

func newTestQueryResponse(n int, ack bool, maxResponses int) *QueryResponse {
	q := &messageQuery{
		ID:      1,
		LTime:   1,
		Timeout: time.Minute,
		Ack:     ack,
	}
	return newQueryResponse(n, q, maxResponses)
}

func TestQueryResponse_sendAckDedupesPerNode(t *testing.T) {
	r := newTestQueryResponse(4, true, 0)

	r.sendAck("a")
	r.sendAck("a") // relay + direct unicast both deliver the same ack
	r.sendAck("b")

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case from := <-r.ackCh:
			got = append(got, from)
		case <-time.After(10 * time.Millisecond):
			t.Fatalf("expected 2 acks, got %v", got)
		}
	}

	select {
	case extra := <-r.ackCh:
		t.Fatalf("expected no third ack, got %v", extra)
	default:
	}
}

func TestQueryResponse_sendResponseDedupesPerNode(t *testing.T) {
	r := newTestQueryResponse(4, false, 0)

	r.sendResponse(NodeResponse{From: "a", Payload: []byte("1")})
	r.sendResponse(NodeResponse{From: "a", Payload: []byte("1")})
	r.sendResponse(NodeResponse{From: "b", Payload: []byte("1")})

	if len(r.respCh) != 2 {
		t.Fatalf("expected 2 buffered responses, got %d", len(r.respCh))
	}
}

func TestQueryResponse_maxResponsesClosesChannels(t *testing.T) {
	r := newTestQueryResponse(4, true, 2)

	r.sendResponse(NodeResponse{From: "a"})
	if r.Finished() {
		// Finished only tracks the deadline; MaxResponses closes the
		// channels directly instead.
	}
	select {
	case _, ok := <-r.respCh:
		if !ok {
			t.Fatalf("channel closed after only 1/2 responses")
		}
	default:
		t.Fatalf("expected a buffered response")
	}

	r.sendResponse(NodeResponse{From: "b"})

	// Channel should now be closed: drain the buffered value, then
	// confirm a zero-value read indicates closure.
	<-r.respCh
	if _, ok := <-r.respCh; ok {
		t.Fatalf("expected respCh to be closed once MaxResponses was reached")
	}

	// A response arriving after close must not panic.
	r.sendResponse(NodeResponse{From: "c"})
}

func TestQueryParam_defaultMaxResponsesIsUnlimited(t *testing.T) {
	var p QueryParam
	if p.MaxResponses != 0 {
		t.Fatalf("expected zero-value QueryParam to mean unlimited responses")
	}
}
