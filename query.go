package fanproxy

import (
	"net"
	"time"

	"github.com/miekg/dns"
)

// Query is a client request that is waiting for upstream answers or its deadline.
// After admission, all mutable state is owned by the Coordinator and only changed
// from its Run loop.
type Query struct {
	Client   net.Addr
	Raw      []byte
	Msg      *dns.Msg
	ClientID uint16 // Transaction ID the client used

	Arrival  time.Time
	Deadline time.Time

	seq        uint64
	heapIndex  int
	finished   bool
	timedOut   bool
	answers    []UpstreamAnswer
	dispatched []Upstream
}

func newQuery(client net.Addr, raw []byte, msg *dns.Msg, now time.Time, timeout time.Duration) *Query {
	return &Query{
		Client:    client,
		Raw:       raw,
		Msg:       msg,
		ClientID:  msg.Id,
		Arrival:   now,
		Deadline:  now.Add(timeout),
		heapIndex: -1,
	}
}

// Marks the query as finished. Returns false if it already was.
func (q *Query) finish() bool {
	if q.finished {
		return false
	}
	q.finished = true
	return true
}

// Finished returns true once the query was completed or timed out.
func (q *Query) Finished() bool {
	return q.finished
}

// TimedOut returns true if the query was finished by its deadline rather than by
// receiving answers from all upstreams it was sent to.
func (q *Query) TimedOut() bool {
	return q.timedOut
}

// Answers returns the upstream answers in the order they arrived.
func (q *Query) Answers() []UpstreamAnswer {
	return q.answers
}

// AnswerFrom returns the answer of the upstream with the given config index.
func (q *Query) AnswerFrom(index int) (UpstreamAnswer, bool) {
	for _, a := range q.answers {
		if a.Upstream.Index == index {
			return a, true
		}
	}
	return UpstreamAnswer{}, false
}

// Dispatched returns the upstreams the query was sent to.
func (q *Query) Dispatched() []Upstream {
	return q.dispatched
}

// UpstreamAnswer is a decoded answer from one upstream.
type UpstreamAnswer struct {
	Upstream UpstreamConfig
	Msg      *dns.Msg
	Raw      []byte
	Received time.Time
}

// Latency returns the time between arrival of the query and receipt of the answer.
func (a UpstreamAnswer) Latency(q *Query) time.Duration {
	return a.Received.Sub(q.Arrival)
}

// PendingSend holds everything needed to answer a client, decoupled from the
// Query itself.
type PendingSend struct {
	ClientID uint16
	Answer   UpstreamAnswer
	Client   net.Addr
}
