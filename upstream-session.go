package fanproxy

import (
	"context"
	"expvar"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Correlator accepts answers matched to their query by an upstream session.
type Correlator interface {
	Deliver(ctx context.Context, q *Query, a UpstreamAnswer) error
}

// UpstreamSession forwards queries to a single upstream over one UDP socket. Since
// many client queries share the socket and clients pick their IDs independently,
// every outgoing query gets a new transaction ID from the session's own ID space.
// The ID is mapped back to the query when the answer arrives.
type UpstreamSession struct {
	id          string
	cfg         UpstreamConfig
	addr        *net.UDPAddr
	coordinator Correlator
	opt         UpstreamSessionOptions
	metrics     *UpstreamMetrics

	mu      sync.Mutex
	ids     *idSpace
	pending map[uint16]*Query
	byQuery map[*Query]uint16

	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

var _ Upstream = &UpstreamSession{}

// UpstreamSessionOptions contains settings for an upstream session.
type UpstreamSessionOptions struct {
	// Number of queries that can be waiting to be written to the socket. Default 8192.
	QueueSize int
}

// UpstreamMetrics holds the counters of one upstream session.
type UpstreamMetrics struct {
	// Queries written to the upstream
	sent *expvar.Int
	// Answers matched to a query
	received *expvar.Int
	// Answers that couldn't be decoded
	parseErr *expvar.Int
	// Answers with unknown or mismatched transaction ID
	mismatchErr *expvar.Int
	// Socket write failures
	sendErr *expvar.Int
	// Queries waiting for an answer
	inflight *expvar.Int
}

// NewUpstreamMetrics returns a new set of counters for an upstream session.
func NewUpstreamMetrics() *UpstreamMetrics {
	return &UpstreamMetrics{
		sent:        new(expvar.Int),
		received:    new(expvar.Int),
		parseErr:    new(expvar.Int),
		mismatchErr: new(expvar.Int),
		sendErr:     new(expvar.Int),
		inflight:    new(expvar.Int),
	}
}

func (m *UpstreamMetrics) vars() map[string]expvar.Var {
	return map[string]expvar.Var{
		"sent":           m.sent,
		"received":       m.received,
		"parse-error":    m.parseErr,
		"mismatch-error": m.mismatchErr,
		"send-error":     m.sendErr,
		"inflight":       m.inflight,
	}
}

// NewUpstreamSession returns a session for one upstream. Answers are delivered to
// the given correlator. The session doesn't open its socket until Run is called,
// but queries can be dispatched before that and are sent once it runs.
func NewUpstreamSession(cfg UpstreamConfig, addr *net.UDPAddr, coordinator Correlator, opt UpstreamSessionOptions) *UpstreamSession {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 8192
	}
	id := cfg.Address()
	return &UpstreamSession{
		id:          id,
		cfg:         cfg,
		addr:        addr,
		coordinator: coordinator,
		opt:         opt,
		metrics:     NewUpstreamMetrics(),
		ids:         newIDSpace(),
		pending:     make(map[uint16]*Query),
		byQuery:     make(map[*Query]uint16),
		sendCh:      make(chan []byte, opt.QueueSize),
		done:        make(chan struct{}),
	}
}

// Config returns the configuration of the upstream.
func (s *UpstreamSession) Config() UpstreamConfig {
	return s.cfg
}

// Dispatch assigns a new transaction ID to the query and queues it for sending.
func (s *UpstreamSession) Dispatch(q *Query) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	s.mu.Lock()
	if _, ok := s.byQuery[q]; ok {
		s.mu.Unlock()
		return nil
	}
	id, ok := s.ids.alloc()
	if !ok {
		s.mu.Unlock()
		return ErrIDSpaceExhausted
	}
	s.pending[id] = q
	s.byQuery[q] = id
	s.metrics.inflight.Set(int64(len(s.pending)))
	s.mu.Unlock()

	select {
	case s.sendCh <- withID(q.Raw, id):
		return nil
	case <-s.done:
		s.Cancel(q)
		return ErrSessionClosed
	}
}

// Cancel forgets a pending query and frees its transaction ID. Answers arriving for
// it later are counted as mismatched and dropped.
func (s *UpstreamSession) Cancel(q *Query) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byQuery[q]
	if !ok {
		return
	}
	s.remove(id, q)
}

// Must be called with the lock held.
func (s *UpstreamSession) remove(id uint16, q *Query) {
	delete(s.pending, id)
	delete(s.byQuery, q)
	s.ids.release(id)
	s.metrics.inflight.Set(int64(len(s.pending)))
}

// Looks up and removes the query matching an answer.
func (s *UpstreamSession) take(a *dns.Msg) (*Query, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.pending[a.Id]
	if !ok {
		return nil, false
	}
	// The ID could have been reused after the original query was cancelled, make
	// sure this is really the answer to the pending query and leave it waiting
	// otherwise.
	if !sameQuestion(q.Msg, a) {
		return nil, false
	}
	s.remove(a.Id, q)
	return q, true
}

// Run opens the socket to the upstream and runs the send and receive loops until
// the context is cancelled.
func (s *UpstreamSession) Run(ctx context.Context) error {
	defer s.once.Do(func() { close(s.done) })

	conn, err := net.DialUDP("udp", nil, s.addr)
	if err != nil {
		return errors.Wrapf(err, "failed to open socket to upstream %s", s.cfg)
	}
	log := Log.WithFields(logrus.Fields{"upstream": s.id, "suffix": s.cfg.Suffix})
	log.Info("starting upstream session")

	// Stops the writer and closes the socket when the reader is done, or
	// unblocks the reader when the session is stopped.
	wctx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writer(wctx, conn, log)
	}()
	go func() {
		defer wg.Done()
		<-wctx.Done()
		conn.Close()
	}()

	err = s.reader(ctx, conn, log)
	stop()
	wg.Wait()
	log.Info("upstream session stopped")
	return err
}

func (s *UpstreamSession) writer(ctx context.Context, conn *net.UDPConn, log *logrus.Entry) {
	for {
		select {
		case b := <-s.sendCh:
			if _, err := conn.Write(b); err != nil {
				s.metrics.sendErr.Add(1)
				log.WithError(err).Warn("failed to send query")
				continue
			}
			s.metrics.sent.Add(1)
		case <-ctx.Done():
			return
		}
	}
}

func (s *UpstreamSession) reader(ctx context.Context, conn *net.UDPConn, log *logrus.Entry) error {
	buf := make([]byte, MaxPacketSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			// ICMP errors from the upstream end up here, keep reading
			log.WithError(err).Debug("failed to read from upstream")
			continue
		}
		received := time.Now()

		a := new(dns.Msg)
		if err := a.Unpack(buf[:n]); err != nil || !a.Response {
			s.metrics.parseErr.Add(1)
			log.WithError(err).Debug("discarding invalid answer")
			continue
		}
		q, ok := s.take(a)
		if !ok {
			s.metrics.mismatchErr.Add(1)
			log.WithFields(logrus.Fields{"qid": a.Id, "qname": qName(a)}).Debug("discarding unexpected answer")
			continue
		}
		s.metrics.received.Add(1)

		raw := make([]byte, n)
		copy(raw, buf[:n])
		answer := UpstreamAnswer{
			Upstream: s.cfg,
			Msg:      a,
			Raw:      raw,
			Received: received,
		}
		if err := s.coordinator.Deliver(ctx, q, answer); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// ParseErrors returns the number of answers that could not be decoded.
func (s *UpstreamSession) ParseErrors() int64 {
	return s.metrics.parseErr.Value()
}

// MismatchErrors returns the number of answers that didn't match a pending query.
func (s *UpstreamSession) MismatchErrors() int64 {
	return s.metrics.mismatchErr.Value()
}

// Inflight returns the number of queries waiting for an answer from this upstream.
func (s *UpstreamSession) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *UpstreamSession) String() string {
	return s.cfg.String()
}
