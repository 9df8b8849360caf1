package fanproxy

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// StatsReporter periodically logs memory usage and the state of all upstream
// sessions. It's informational only.
type StatsReporter struct {
	id          string
	interval    time.Duration
	coordinator *Coordinator
	sessions    []*UpstreamSession
}

// NewStatsReporter returns a reporter that logs every interval.
func NewStatsReporter(id string, interval time.Duration, coordinator *Coordinator, sessions []*UpstreamSession) *StatsReporter {
	return &StatsReporter{
		id:          id,
		interval:    interval,
		coordinator: coordinator,
		sessions:    sessions,
	}
}

// Run logs stats until the context is cancelled.
func (r *StatsReporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.report()
		}
	}
}

func (r *StatsReporter) report() {
	start := time.Now()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	Log.WithFields(logrus.Fields{
		"id":        r.id,
		"heap-mb":   mem.HeapAlloc / (1 << 20),
		"sys-mb":    mem.Sys / (1 << 20),
		"inflight":  r.coordinator.Inflight(),
		"upstreams": r.upstreamSummary(),
		"check":     time.Since(start),
	}).Info("stats")
}

// Formats inflight/parse errors/mismatch errors for every upstream.
func (r *StatsReporter) upstreamSummary() string {
	parts := make([]string, 0, len(r.sessions))
	for _, s := range r.sessions {
		part := fmt.Sprintf("%s: %d", s.Config().Address(), s.Inflight())
		if n := s.ParseErrors(); n != 0 {
			part += fmt.Sprintf("/%dperr", n)
		}
		if n := s.MismatchErrors(); n != 0 {
			part += fmt.Sprintf("/%daerr", n)
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, ", ")
}

func (r *StatsReporter) String() string {
	return r.id
}
