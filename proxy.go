package fanproxy

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Proxy wires together the listener, coordinator, upstream sessions, sender and
// audit log of a forwarding proxy.
type Proxy struct {
	id          string
	conn        *net.UDPConn
	listener    *DNSListener
	sender      *EgressSender
	coordinator *Coordinator
	sessions    []*UpstreamSession
	audit       *AuditLogger
	extra       []Listener
	stats       *StatsReporter
	vars        *Vars
}

// ProxyOptions contains settings for the proxy.
type ProxyOptions struct {
	// Client-facing address to listen on, host:port.
	Listen string

	Listener    ListenOptions
	Coordinator CoordinatorOptions
	Egress      EgressSenderOptions
	Upstream    UpstreamSessionOptions
	Audit       AuditLoggerOptions

	// Log upstream and memory stats at this interval. Disabled if 0.
	StatsInterval time.Duration
}

// NewProxy validates the configuration and builds a proxy. All addresses are
// resolved and checked before the listening socket is opened.
func NewProxy(id string, upstreams []UpstreamConfig, opt ProxyOptions) (*Proxy, error) {
	laddr, err := net.ResolveUDPAddr("udp", opt.Listen)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve listen address '%s'", opt.Listen)
	}
	uaddrs, err := resolveUpstreams(upstreams)
	if err != nil {
		return nil, err
	}

	p := &Proxy{id: id, vars: NewVars()}
	p.audit, err = NewAuditLogger(id, upstreams, opt.Audit)
	if err != nil {
		return nil, err
	}
	p.conn, err = net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", laddr)
	}
	p.sender = NewEgressSender(id, p.conn, opt.Egress)
	p.coordinator, err = NewCoordinator(id, nil, p.sender, p.audit, opt.Coordinator)
	if err != nil {
		p.conn.Close()
		return nil, err
	}
	resolvers := make([]Upstream, 0, len(upstreams))
	for i, cfg := range upstreams {
		s := NewUpstreamSession(cfg, uaddrs[i], p.coordinator, opt.Upstream)
		p.sessions = append(p.sessions, s)
		resolvers = append(resolvers, s)
	}
	p.coordinator.SetUpstreams(resolvers)
	p.listener = NewDNSListener(id, p.conn, p.coordinator, opt.Listener)
	if err := p.publish(); err != nil {
		p.conn.Close()
		return nil, err
	}
	if opt.StatsInterval > 0 {
		p.stats = NewStatsReporter(id, opt.StatsInterval, p.coordinator, p.sessions)
	}
	return p, nil
}

// Adds the counters of all components to the proxy's vars.
func (p *Proxy) publish() error {
	if err := p.vars.Publish("listener", p.id, p.listener.metrics.vars()); err != nil {
		return err
	}
	if err := p.vars.Publish("coordinator", p.id, p.coordinator.metrics.vars()); err != nil {
		return err
	}
	if err := p.vars.Publish("egress", p.id, p.sender.metrics.vars()); err != nil {
		return err
	}
	if err := p.vars.Publish("audit", p.id, p.audit.metrics.vars()); err != nil {
		return err
	}
	for _, s := range p.sessions {
		if err := p.vars.Publish("upstream", s.id, s.metrics.vars()); err != nil {
			return err
		}
	}
	return nil
}

// AddListener registers an additional listener, like the admin listener, that
// is run alongside the proxy.
func (p *Proxy) AddListener(l Listener) {
	p.extra = append(p.extra, l)
}

// Run starts all components and blocks until the context is cancelled or one of
// them fails. A failure stops all other components.
func (p *Proxy) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// The listener blocks in ReadFrom, closing the socket unblocks it.
	g.Go(func() error {
		<-ctx.Done()
		p.conn.Close()
		return nil
	})
	g.Go(func() error { return p.coordinator.Run(ctx) })
	g.Go(func() error { return p.sender.Run(ctx) })
	g.Go(func() error { return p.audit.Run(ctx) })
	for _, s := range p.sessions {
		s := s
		g.Go(func() error { return s.Run(ctx) })
	}
	g.Go(func() error { return p.listener.Run(ctx) })
	for _, l := range p.extra {
		l := l
		g.Go(func() error { return l.Run(ctx) })
	}
	if p.stats != nil {
		g.Go(func() error { return p.stats.Run(ctx) })
	}

	Log.WithFields(logrus.Fields{"id": p.id, "addr": p.Addr(), "upstreams": len(p.sessions)}).Info("proxy started")
	return g.Wait()
}

// Addr returns the address the proxy is listening on.
func (p *Proxy) Addr() net.Addr {
	return p.conn.LocalAddr()
}

// Vars returns the counters of all components of the proxy.
func (p *Proxy) Vars() *Vars {
	return p.vars
}

// Sessions returns the upstream sessions in configuration order.
func (p *Proxy) Sessions() []*UpstreamSession {
	return p.sessions
}

func (p *Proxy) String() string {
	return p.id
}
