package fanproxy

import (
	"context"
	"expvar"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// AnswerSink takes answers that are ready to be sent to the client.
type AnswerSink interface {
	Enqueue(ctx context.Context, p PendingSend) error
}

// AuditSink takes queries that are finished, either because all upstreams answered
// or because they timed out.
type AuditSink interface {
	Record(ctx context.Context, q *Query) error
}

// Admitter accepts new client queries.
type Admitter interface {
	Admit(ctx context.Context, client net.Addr, raw []byte, msg *dns.Msg) error
}

// An operation executed on the coordinator's goroutine. Any error returned is fatal.
type op func(ctx context.Context) error

// Coordinator owns all in-flight queries. It admits new queries, sends them to the
// selected upstreams, correlates answers and times out queries that didn't get all
// their answers in time. All query state is modified by the coordinator goroutine
// only, other goroutines submit operations to it through a bounded queue.
type Coordinator struct {
	id        string
	upstreams []Upstream
	sender    AnswerSink
	audit     AuditSink
	opt       CoordinatorOptions
	metrics   *CoordinatorMetrics

	ops      chan op
	inflight deadlineQueue
	seq      uint64
}

var (
	_ Admitter   = &Coordinator{}
	_ Correlator = &Coordinator{}
)

// CoordinatorOptions contains settings for the coordinator.
type CoordinatorOptions struct {
	// Time after which a query is considered timed out. Required.
	Timeout time.Duration

	// Timeouts are checked with this precision. Default 1ms.
	Grain time.Duration

	// Maximum number of pending operations before submitters block. Default 16384.
	QueueSize int

	// Picks the upstreams for a query. Defaults to SuffixSelection.
	Selection SelectionPolicy
}

// CoordinatorMetrics holds the counters of the coordinator.
type CoordinatorMetrics struct {
	// Queries accepted from clients
	admitted *expvar.Int
	// Queries answered by all upstreams they were sent to
	completed *expvar.Int
	// Queries that reached their deadline
	timeout *expvar.Int
	// Answers received after the query was finished
	late *expvar.Int
	// Dispatch failures by upstream
	dispatchErr *expvar.Map
	// Queries currently waiting
	inflight *expvar.Int
}

// NewCoordinatorMetrics returns a new set of counters for a coordinator.
func NewCoordinatorMetrics() *CoordinatorMetrics {
	return &CoordinatorMetrics{
		admitted:    new(expvar.Int),
		completed:   new(expvar.Int),
		timeout:     new(expvar.Int),
		late:        new(expvar.Int),
		dispatchErr: newVarMap(),
		inflight:    new(expvar.Int),
	}
}

func (m *CoordinatorMetrics) vars() map[string]expvar.Var {
	return map[string]expvar.Var{
		"admitted":       m.admitted,
		"completed":      m.completed,
		"timeout":        m.timeout,
		"late":           m.late,
		"dispatch-error": m.dispatchErr,
		"inflight":       m.inflight,
	}
}

// NewCoordinator returns a new coordinator. Upstreams can be added with SetUpstreams
// before the coordinator is started if they need a reference to it.
func NewCoordinator(id string, upstreams []Upstream, sender AnswerSink, audit AuditSink, opt CoordinatorOptions) (*Coordinator, error) {
	if opt.Timeout <= 0 {
		return nil, errors.New("query timeout must be greater than zero")
	}
	if opt.Grain <= 0 {
		opt.Grain = time.Millisecond
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 16384
	}
	if opt.Selection == nil {
		opt.Selection = SuffixSelection
	}
	return &Coordinator{
		id:        id,
		upstreams: upstreams,
		sender:    sender,
		audit:     audit,
		opt:       opt,
		metrics:   NewCoordinatorMetrics(),
		ops:       make(chan op, opt.QueueSize),
	}, nil
}

// SetUpstreams replaces the upstreams queries are sent to. Must be called before
// Run since upstream sessions need the coordinator to deliver their answers.
func (c *Coordinator) SetUpstreams(upstreams []Upstream) {
	c.upstreams = upstreams
}

// Admit queues a new client query. Blocks if the coordinator is busy.
func (c *Coordinator) Admit(ctx context.Context, client net.Addr, raw []byte, msg *dns.Msg) error {
	q := newQuery(client, raw, msg, time.Now(), c.opt.Timeout)
	return c.submit(ctx, func(ctx context.Context) error {
		return c.admit(ctx, q)
	})
}

// Deliver queues an answer from an upstream for correlation with its query.
func (c *Coordinator) Deliver(ctx context.Context, q *Query, a UpstreamAnswer) error {
	return c.submit(ctx, func(ctx context.Context) error {
		return c.correlate(ctx, q, a)
	})
}

func (c *Coordinator) submit(ctx context.Context, o op) error {
	select {
	case c.ops <- o:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes operations and timeouts until the context is cancelled or an
// operation fails. A failed operation leaves the query state undefined, the
// returned error should be treated as fatal.
func (c *Coordinator) Run(ctx context.Context) error {
	log := Log.WithField("id", c.id)
	log.WithFields(logrus.Fields{"timeout": c.opt.Timeout, "upstreams": len(c.upstreams)}).Info("starting coordinator")

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		var wakeup <-chan time.Time
		if q := c.inflight.peek(); q != nil {
			delay := time.Until(q.Deadline)
			if delay <= 0 {
				c.inflight.pop()
				if err := c.expire(ctx, q); err != nil {
					return c.stopped(ctx, err)
				}
				// Keep going until all expired queries are gone
				continue
			}
			// Don't wake up more often than the configured precision
			delay = ((delay + c.opt.Grain - 1) / c.opt.Grain) * c.opt.Grain
			timer.Reset(delay)
			wakeup = timer.C
		}

		select {
		case <-ctx.Done():
			log.Info("stopping coordinator")
			return nil
		case <-wakeup:
		case o := <-c.ops:
			timer.Stop()
			if err := o(ctx); err != nil {
				return c.stopped(ctx, err)
			}
		}
	}
}

// Errors caused by shutdown aren't failures.
func (c *Coordinator) stopped(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	Log.WithField("id", c.id).WithError(err).Error("coordinator failed")
	return errors.Wrap(err, "coordinator failed")
}

func (c *Coordinator) admit(ctx context.Context, q *Query) error {
	c.seq++
	q.seq = c.seq
	c.inflight.push(q)
	c.metrics.admitted.Add(1)
	c.metrics.inflight.Set(int64(c.inflight.len()))

	log := logger(c.id, q.Msg)
	candidates := c.opt.Selection(c.upstreams, q.Msg)
	for _, u := range candidates {
		if err := u.Dispatch(q); err != nil {
			c.metrics.dispatchErr.Add(u.String(), 1)
			log.WithField("upstream", u.String()).WithError(err).Warn("failed to dispatch query")
			continue
		}
		q.dispatched = append(q.dispatched, u)
	}
	if len(q.dispatched) == 0 {
		log.Debug("no upstream for query, waiting for timeout")
		return nil
	}
	if Log.IsLevelEnabled(logrus.DebugLevel) {
		log.WithField("upstreams", q.dispatched).Debug("dispatched query")
	}
	return nil
}

func (c *Coordinator) correlate(ctx context.Context, q *Query, a UpstreamAnswer) error {
	if q.finished {
		c.metrics.late.Add(1)
		return nil
	}
	q.answers = append(q.answers, a)
	if len(q.answers) == 1 {
		// First answer wins and goes back to the client
		p := PendingSend{
			ClientID: q.ClientID,
			Answer:   a,
			Client:   q.Client,
		}
		if err := c.sender.Enqueue(ctx, p); err != nil {
			return errors.Wrap(err, "failed to queue answer")
		}
	}
	if len(q.answers) < len(q.dispatched) {
		return nil
	}
	if !q.finish() {
		return nil
	}
	c.inflight.remove(q)
	c.metrics.completed.Add(1)
	c.metrics.inflight.Set(int64(c.inflight.len()))
	return c.record(ctx, q)
}

func (c *Coordinator) expire(ctx context.Context, q *Query) error {
	c.metrics.inflight.Set(int64(c.inflight.len()))
	if !q.finish() {
		return nil
	}
	q.timedOut = true
	c.metrics.timeout.Add(1)
	for _, u := range q.dispatched {
		u.Cancel(q)
	}
	if Log.IsLevelEnabled(logrus.DebugLevel) {
		logger(c.id, q.Msg).WithField("answers", len(q.answers)).Debug("query timed out")
	}
	return c.record(ctx, q)
}

func (c *Coordinator) record(ctx context.Context, q *Query) error {
	if c.audit == nil {
		return nil
	}
	if err := c.audit.Record(ctx, q); err != nil {
		return errors.Wrap(err, "failed to queue audit record")
	}
	return nil
}

// Inflight returns the number of queries waiting for answers or their deadline.
func (c *Coordinator) Inflight() int64 {
	return c.metrics.inflight.Value()
}

func (c *Coordinator) String() string {
	return c.id
}
