package fanproxy

import (
	"context"
	"expvar"
	"net"

	"github.com/sirupsen/logrus"
)

// EgressSender sends answers back to clients. It works only with the data in
// PendingSend and never touches the query the answer belongs to.
type EgressSender struct {
	id      string
	conn    net.PacketConn
	queue   chan PendingSend
	metrics *EgressMetrics
}

var _ AnswerSink = &EgressSender{}

// EgressSenderOptions contains settings for the egress sender.
type EgressSenderOptions struct {
	// Number of answers that can be waiting to be sent. Default 8192.
	QueueSize int
}

// EgressMetrics holds the counters of the egress sender.
type EgressMetrics struct {
	// Answers sent to clients
	sent *expvar.Int
	// Answers dropped, by reason
	drop *expvar.Map
}

// NewEgressMetrics returns a new set of counters for a sender.
func NewEgressMetrics() *EgressMetrics {
	return &EgressMetrics{
		sent: new(expvar.Int),
		drop: newVarMap(),
	}
}

func (m *EgressMetrics) vars() map[string]expvar.Var {
	return map[string]expvar.Var{
		"sent": m.sent,
		"drop": m.drop,
	}
}

// NewEgressSender returns a sender that writes answers to the given socket.
func NewEgressSender(id string, conn net.PacketConn, opt EgressSenderOptions) *EgressSender {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 8192
	}
	return &EgressSender{
		id:      id,
		conn:    conn,
		queue:   make(chan PendingSend, opt.QueueSize),
		metrics: NewEgressMetrics(),
	}
}

// Enqueue adds an answer to the send queue. Blocks while the queue is full.
func (s *EgressSender) Enqueue(ctx context.Context, p PendingSend) error {
	select {
	case s.queue <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run sends queued answers until the context is cancelled.
func (s *EgressSender) Run(ctx context.Context) error {
	log := Log.WithField("id", s.id)
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-s.queue:
			if err := s.send(p); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.WithFields(logrus.Fields{"client": p.Client, "upstream": p.Answer.Upstream.String()}).WithError(err).Warn("failed to send answer")
			}
		}
	}
}

func (s *EgressSender) send(p PendingSend) error {
	b := p.Answer.Raw
	if len(b) < headerSize || len(b) > MaxPacketSize {
		s.metrics.drop.Add("size", 1)
		return nil
	}
	// The answer still carries the ID used towards the upstream, restore the one
	// the client sent.
	if _, err := s.conn.WriteTo(withID(b, p.ClientID), p.Client); err != nil {
		s.metrics.drop.Add("error", 1)
		return err
	}
	s.metrics.sent.Add(1)
	return nil
}

func (s *EgressSender) String() string {
	return s.id
}
