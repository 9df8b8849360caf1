package fanproxy

import (
	"context"
	"expvar"
	"net"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DNSListener receives client queries over UDP and hands them to the coordinator.
// Answers are sent from the same socket by the EgressSender.
type DNSListener struct {
	id          string
	conn        net.PacketConn
	coordinator Admitter
	opt         ListenOptions
	metrics     *ListenerMetrics
}

var _ Listener = &DNSListener{}

// ListenerMetrics holds the counters of a listener.
type ListenerMetrics struct {
	// DNS query count.
	query *expvar.Int
	// Dropped datagrams, by reason.
	drop *expvar.Map
}

// NewListenerMetrics returns a new set of counters for a listener.
func NewListenerMetrics() *ListenerMetrics {
	return &ListenerMetrics{
		query: new(expvar.Int),
		drop:  newVarMap(),
	}
}

func (m *ListenerMetrics) vars() map[string]expvar.Var {
	return map[string]expvar.Var{
		"query": m.query,
		"drop":  m.drop,
	}
}

// NewDNSListener returns a listener reading queries from the given socket.
func NewDNSListener(id string, conn net.PacketConn, coordinator Admitter, opt ListenOptions) *DNSListener {
	return &DNSListener{
		id:          id,
		conn:        conn,
		coordinator: coordinator,
		opt:         opt,
		metrics:     NewListenerMetrics(),
	}
}

// Run reads queries until the context is cancelled or the socket is closed.
// Malformed datagrams are dropped silently. When the coordinator can't keep up,
// reading blocks rather than dropping queries.
func (s *DNSListener) Run(ctx context.Context) error {
	log := Log.WithFields(logrus.Fields{"id": s.id, "protocol": "udp", "addr": s.conn.LocalAddr()})
	log.Info("starting listener")

	// One extra byte to detect oversized datagrams
	buf := make([]byte, MaxPacketSize+1)
	for {
		n, client, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.WithError(err).Warn("failed to read query")
			continue
		}
		if !s.allowed(client) {
			s.metrics.drop.Add("acl", 1)
			continue
		}
		if n > MaxPacketSize {
			s.metrics.drop.Add("size", 1)
			continue
		}
		q := new(dns.Msg)
		if err := q.Unpack(buf[:n]); err != nil {
			s.metrics.drop.Add("parse", 1)
			continue
		}
		if q.Response {
			s.metrics.drop.Add("response", 1)
			continue
		}
		s.metrics.query.Add(1)
		if Log.IsLevelEnabled(logrus.DebugLevel) {
			logger(s.id, q).WithField("client", client).Debug("received query")
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])
		if err := s.coordinator.Admit(ctx, client, raw, q); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *DNSListener) allowed(client net.Addr) bool {
	if len(s.opt.AllowedNet) == 0 {
		return true
	}
	addr, ok := client.(*net.UDPAddr)
	if !ok {
		return false
	}
	return isAllowed(s.opt.AllowedNet, addr.IP)
}

func (s *DNSListener) String() string {
	return s.id
}
