package fanproxy

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// TestUpstream is an Upstream that records dispatched and cancelled queries instead
// of sending them anywhere.
type TestUpstream struct {
	cfg         UpstreamConfig
	DispatchErr error

	mu         sync.Mutex
	dispatched []*Query
	cancelled  []*Query
}

var _ Upstream = &TestUpstream{}

func newTestUpstream(index int, suffix string) *TestUpstream {
	return &TestUpstream{cfg: UpstreamConfig{
		Suffix: suffix,
		Host:   "127.0.0.1",
		Port:   5300 + index,
		Index:  index,
	}}
}

func (u *TestUpstream) Config() UpstreamConfig { return u.cfg }

func (u *TestUpstream) Dispatch(q *Query) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.DispatchErr != nil {
		return u.DispatchErr
	}
	u.dispatched = append(u.dispatched, q)
	return nil
}

func (u *TestUpstream) Cancel(q *Query) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.cancelled = append(u.cancelled, q)
}

func (u *TestUpstream) HitCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.dispatched)
}

func (u *TestUpstream) CancelCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.cancelled)
}

func (u *TestUpstream) Dispatched() []*Query {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]*Query(nil), u.dispatched...)
}

// Builds an answer from this upstream for the query.
func (u *TestUpstream) Answer(q *Query, rcode int) UpstreamAnswer {
	a := new(dns.Msg)
	a.SetRcode(q.Msg, rcode)
	raw, _ := a.Pack()
	return UpstreamAnswer{
		Upstream: u.cfg,
		Msg:      a,
		Raw:      raw,
		Received: time.Now(),
	}
}

func (u *TestUpstream) String() string { return u.cfg.String() }

// Collects the answers queued for clients.
type testSink struct {
	ch chan PendingSend
}

func newTestSink() *testSink {
	return &testSink{ch: make(chan PendingSend, 100)}
}

func (s *testSink) Enqueue(ctx context.Context, p PendingSend) error {
	s.ch <- p
	return nil
}

// Collects finished queries.
type testAudit struct {
	ch chan *Query
}

func newTestAudit() *testAudit {
	return &testAudit{ch: make(chan *Query, 100)}
}

func (a *testAudit) Record(ctx context.Context, q *Query) error {
	a.ch <- q
	return nil
}

// Builds a query message for the given names.
func testQuery(id uint16, names ...string) *dns.Msg {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(names[0]), dns.TypeA)
	for _, name := range names[1:] {
		q.Question = append(q.Question, dns.Question{Name: dns.Fqdn(name), Qtype: dns.TypeA, Qclass: dns.ClassINET})
	}
	q.Id = id
	return q
}

func testClient() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

// Returns a free local UDP address.
func getUDPAddress(t *testing.T) string {
	c, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer c.Close()
	return c.LocalAddr().String()
}
