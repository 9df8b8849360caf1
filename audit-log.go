package fanproxy

import (
	"context"
	"expvar"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	syslog "github.com/RackSec/srslog"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Audit log files are started every hour.
const auditBucketSize = 3600

// AuditLogger writes one line for every finished query with the result code and
// latency of each configured upstream. Output goes to a new file every hour.
type AuditLogger struct {
	id        string
	upstreams []UpstreamConfig
	opt       AuditLoggerOptions
	queue     chan *Query
	metrics   *AuditMetrics
	syslog    *syslog.Writer

	// Wall clock, replaced in tests
	now func() time.Time

	bucket int64
	out    *os.File
}

var _ AuditSink = &AuditLogger{}

// AuditLoggerOptions contains settings for the audit logger.
type AuditLoggerOptions struct {
	// Directory the log files are written to. Defaults to the working directory.
	Directory string

	// Number of finished queries that can be waiting to be logged. Default 8192.
	QueueSize int

	// Wait time before trying again when a log file can't be opened. Default 1s.
	RetryAfter time.Duration

	// Optionally also send every line to syslog.
	Syslog *SyslogOptions
}

// AuditMetrics holds the counters of the audit logger.
type AuditMetrics struct {
	// Lines written
	written *expvar.Int
	// Failures to open or write a file
	err *expvar.Int
}

func (m *AuditMetrics) vars() map[string]expvar.Var {
	return map[string]expvar.Var{
		"written": m.written,
		"error":   m.err,
	}
}

// NewAuditLogger returns a logger for queries sent to the given upstreams. The
// upstreams define the columns of the log.
func NewAuditLogger(id string, upstreams []UpstreamConfig, opt AuditLoggerOptions) (*AuditLogger, error) {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 8192
	}
	if opt.RetryAfter <= 0 {
		opt.RetryAfter = time.Second
	}
	l := &AuditLogger{
		id:        id,
		upstreams: upstreams,
		opt:       opt,
		queue:     make(chan *Query, opt.QueueSize),
		metrics: &AuditMetrics{
			written: new(expvar.Int),
			err:     new(expvar.Int),
		},
		now:    time.Now,
		bucket: -1,
	}
	if opt.Syslog != nil {
		w, err := newSyslogWriter(*opt.Syslog)
		if err != nil {
			return nil, errors.Wrap(err, "failed to initialize syslog")
		}
		l.syslog = w
	}
	return l, nil
}

// Record queues a finished query for logging. Blocks while the queue is full.
func (l *AuditLogger) Record(ctx context.Context, q *Query) error {
	select {
	case l.queue <- q:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run writes queued queries to the log until the context is cancelled.
func (l *AuditLogger) Run(ctx context.Context) error {
	log := Log.WithFields(logrus.Fields{"id": l.id, "dir": l.opt.Directory})
	log.Info("starting audit log")
	defer l.close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case q := <-l.queue:
			if err := l.write(ctx, q, log); err != nil {
				return nil
			}
		}
	}
}

// Writes one query to the log. Only returns an error if the context is cancelled
// while waiting for a log file.
func (l *AuditLogger) write(ctx context.Context, q *Query, log *logrus.Entry) error {
	// Latency of upstreams that didn't answer
	elapsed := time.Since(q.Arrival)
	timestamp := l.now().Unix()
	bucket := timestamp - timestamp%auditBucketSize

	for bucket != l.bucket {
		err := l.rotate(bucket)
		if err == nil {
			break
		}
		l.metrics.err.Add(1)
		log.WithError(err).Error("failed to open audit log")
		select {
		case <-time.After(l.opt.RetryAfter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	line := l.format(q, timestamp, elapsed)
	if _, err := fmt.Fprintln(l.out, line); err != nil {
		l.metrics.err.Add(1)
		log.WithError(err).Error("failed to write audit log")
	} else {
		l.metrics.written.Add(1)
	}
	if l.syslog != nil {
		if _, err := l.syslog.Write([]byte(line)); err != nil {
			log.WithError(err).Warn("failed to send syslog")
		}
	}
	return nil
}

// Closes the current file and opens the one for the given bucket, starting it
// with a header if it's new.
func (l *AuditLogger) rotate(bucket int64) error {
	l.close()
	name := filepath.Join(l.opt.Directory, auditFileName(bucket))
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if fi.Size() == 0 {
		if _, err := fmt.Fprintln(f, l.header()); err != nil {
			f.Close()
			return err
		}
	}
	l.out = f
	l.bucket = bucket
	return nil
}

func (l *AuditLogger) close() {
	if l.out != nil {
		l.out.Close()
		l.out = nil
	}
	l.bucket = -1
}

func (l *AuditLogger) header() string {
	var sb strings.Builder
	sb.WriteString("[time]")
	for _, u := range l.upstreams {
		sb.WriteString("\t")
		sb.WriteString(u.Address())
		sb.WriteString("\t(latency)")
	}
	return sb.String()
}

func (l *AuditLogger) format(q *Query, timestamp int64, elapsed time.Duration) string {
	var sb strings.Builder
	sb.WriteString(strconv.FormatInt(timestamp, 10))
	for _, u := range l.upstreams {
		sb.WriteString("\t")
		if a, ok := q.AnswerFrom(u.Index); ok {
			sb.WriteString(rCode(a.Msg))
			sb.WriteString("\t")
			sb.WriteString(strconv.FormatInt(a.Latency(q).Milliseconds(), 10))
		} else {
			sb.WriteString("-\t")
			sb.WriteString(strconv.FormatInt(elapsed.Milliseconds(), 10))
		}
		sb.WriteString("ms")
	}
	return sb.String()
}

func auditFileName(bucket int64) string {
	return fmt.Sprintf("resolve-%d-%s.log", bucket, time.Unix(bucket, 0).Format("2006-01-02-15-04"))
}

func (l *AuditLogger) String() string {
	return l.id
}
