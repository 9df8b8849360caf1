package fanproxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

type delivery struct {
	q *Query
	a UpstreamAnswer
}

// Correlator that collects delivered answers.
type testCorrelator struct {
	ch chan delivery
}

func newTestCorrelator() *testCorrelator {
	return &testCorrelator{ch: make(chan delivery, 100)}
}

func (c *testCorrelator) Deliver(ctx context.Context, q *Query, a UpstreamAnswer) error {
	c.ch <- delivery{q, a}
	return nil
}

// UDP server standing in for an upstream resolver. Every received query is passed
// to the handler which returns the raw answer, or nil to not respond right away.
// Answers can also be sent later with reply().
type testServer struct {
	conn    net.PacketConn
	handler func(q *dns.Msg) []byte

	mu     sync.Mutex
	client net.Addr
}

func startTestServer(t *testing.T, handler func(q *dns.Msg) []byte) *testServer {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	s := &testServer{conn: conn, handler: handler}
	go func() {
		buf := make([]byte, MaxPacketSize)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			s.mu.Lock()
			s.client = addr
			s.mu.Unlock()
			q := new(dns.Msg)
			if err := q.Unpack(buf[:n]); err != nil {
				continue
			}
			if b := handler(q); b != nil {
				_, _ = conn.WriteTo(b, addr)
			}
		}
	}()
	return s
}

func (s *testServer) addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Sends raw bytes to the last client that sent a query.
func (s *testServer) reply(t *testing.T, b []byte) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	require.NotNil(t, client)
	_, err := s.conn.WriteTo(b, client)
	require.NoError(t, err)
}

// Builds an answer for a query and packs it.
func packReply(q *dns.Msg, rcode int) []byte {
	a := new(dns.Msg)
	a.SetRcode(q, rcode)
	b, _ := a.Pack()
	return b
}

func newSessionQuery(t *testing.T, id uint16, name string) *Query {
	msg := testQuery(id, name)
	raw, err := msg.Pack()
	require.NoError(t, err)
	return newQuery(testClient(), raw, msg, time.Now(), time.Second)
}

func startSession(t *testing.T, addr *net.UDPAddr, c Correlator) *UpstreamSession {
	list := new(UpstreamList)
	cfg := list.Add("", addr.IP.String(), addr.Port)
	s := NewUpstreamSession(cfg, addr, c, UpstreamSessionOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return s
}

func TestUpstreamSessionCorrelation(t *testing.T) {
	// Hold on to the queries so both are pending at the same time
	seen := make(chan *dns.Msg, 2)
	server := startTestServer(t, func(q *dns.Msg) []byte {
		seen <- q
		return nil
	})
	correlator := newTestCorrelator()
	s := startSession(t, server.addr(), correlator)

	// Both clients use the same ID
	q1 := newSessionQuery(t, 0x1234, "one.example.com")
	q2 := newSessionQuery(t, 0x1234, "two.example.com")
	require.NoError(t, s.Dispatch(q1))
	require.NoError(t, s.Dispatch(q2))
	require.Equal(t, 2, s.Inflight())

	m1, m2 := <-seen, <-seen
	require.NotEqual(t, m1.Id, m2.Id)

	// Answer in reverse order
	if qName(m1) == "one.example.com." {
		m1, m2 = m2, m1
	}
	server.reply(t, packReply(m1, dns.RcodeNameError))
	d := <-correlator.ch
	require.Same(t, q2, d.q)
	require.Equal(t, dns.RcodeNameError, d.a.Msg.Rcode)
	require.Equal(t, s.Config(), d.a.Upstream)
	require.False(t, d.a.Received.IsZero())

	server.reply(t, packReply(m2, dns.RcodeSuccess))
	d = <-correlator.ch
	require.Same(t, q1, d.q)
	require.Equal(t, dns.RcodeSuccess, d.a.Msg.Rcode)
	require.Equal(t, 0, s.Inflight())
}

func TestUpstreamSessionParseError(t *testing.T) {
	server := startTestServer(t, func(q *dns.Msg) []byte {
		return []byte{0x01, 0x02, 0x03}
	})
	correlator := newTestCorrelator()
	s := startSession(t, server.addr(), correlator)

	require.NoError(t, s.Dispatch(newSessionQuery(t, 1, "example.com")))
	require.Eventually(t, func() bool { return s.ParseErrors() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 1, s.Inflight())
	require.Empty(t, correlator.ch)
}

func TestUpstreamSessionMismatch(t *testing.T) {
	server := startTestServer(t, func(q *dns.Msg) []byte {
		q.Id++
		return packReply(q, dns.RcodeSuccess)
	})
	correlator := newTestCorrelator()
	s := startSession(t, server.addr(), correlator)

	require.NoError(t, s.Dispatch(newSessionQuery(t, 1, "example.com")))
	require.Eventually(t, func() bool { return s.MismatchErrors() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 1, s.Inflight())
	require.Empty(t, correlator.ch)
}

func TestUpstreamSessionWrongQuestion(t *testing.T) {
	// Right ID, different question. Could be a late answer for a previous query
	// that used the same ID.
	server := startTestServer(t, func(q *dns.Msg) []byte {
		q.Question[0].Name = "other.example.com."
		return packReply(q, dns.RcodeSuccess)
	})
	correlator := newTestCorrelator()
	s := startSession(t, server.addr(), correlator)

	require.NoError(t, s.Dispatch(newSessionQuery(t, 1, "example.com")))
	require.Eventually(t, func() bool { return s.MismatchErrors() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 1, s.Inflight())
	require.Empty(t, correlator.ch)
}

func TestUpstreamSessionCancel(t *testing.T) {
	seen := make(chan *dns.Msg, 1)
	server := startTestServer(t, func(q *dns.Msg) []byte {
		seen <- q
		return nil
	})
	correlator := newTestCorrelator()
	s := startSession(t, server.addr(), correlator)

	q := newSessionQuery(t, 1, "example.com")
	require.NoError(t, s.Dispatch(q))
	m := <-seen
	s.Cancel(q)
	s.Cancel(q)
	require.Equal(t, 0, s.Inflight())

	// Cancelling a query that never went to this upstream is fine too
	s.Cancel(newSessionQuery(t, 2, "example.com"))

	// The answer arrives after cancellation and is dropped
	before := s.MismatchErrors()
	server.reply(t, packReply(m, dns.RcodeSuccess))
	require.Eventually(t, func() bool { return s.MismatchErrors() == before+1 }, time.Second, time.Millisecond)
	require.Empty(t, correlator.ch)
}

func TestUpstreamSessionExhausted(t *testing.T) {
	s := NewUpstreamSession(UpstreamConfig{Host: "127.0.0.1", Port: 1, Index: 1}, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}, newTestCorrelator(), UpstreamSessionOptions{})
	// Mark all IDs as taken without queueing anything
	for i := 0; i < idSpaceSize; i++ {
		_, ok := s.ids.alloc()
		require.True(t, ok)
	}
	err := s.Dispatch(newSessionQuery(t, 1, "example.com"))
	require.ErrorIs(t, err, ErrIDSpaceExhausted)
	require.Equal(t, 0, s.Inflight())
}

func TestUpstreamSessionClosed(t *testing.T) {
	server := startTestServer(t, func(q *dns.Msg) []byte { return nil })
	list := new(UpstreamList)
	cfg := list.Add("", "127.0.0.1", server.addr().Port)
	s := NewUpstreamSession(cfg, server.addr(), newTestCorrelator(), UpstreamSessionOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Run(ctx))

	err := s.Dispatch(newSessionQuery(t, 1, "example.com"))
	require.ErrorIs(t, err, ErrSessionClosed)
}

type failingCorrelator struct{}

func (failingCorrelator) Deliver(ctx context.Context, q *Query, a UpstreamAnswer) error {
	return errors.New("broken")
}

func TestUpstreamSessionDeliverFailure(t *testing.T) {
	server := startTestServer(t, func(q *dns.Msg) []byte {
		return packReply(q, dns.RcodeSuccess)
	})
	list := new(UpstreamList)
	cfg := list.Add("", "127.0.0.1", server.addr().Port)
	s := NewUpstreamSession(cfg, server.addr(), failingCorrelator{}, UpstreamSessionOptions{})

	// The parent context stays alive, the session has to stop by itself
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.NoError(t, s.Dispatch(newSessionQuery(t, 1, "example.com")))
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("session didn't stop after failing to deliver an answer")
	}
	require.ErrorIs(t, s.Dispatch(newSessionQuery(t, 2, "example.com")), ErrSessionClosed)
}
