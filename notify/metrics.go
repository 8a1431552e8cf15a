package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"boardsync/domain"
)

const tracerName = "boardsync/notify"

// dispatchMetrics aggregates the outcome of one publish call across its
// asynchronously delivered recipients. The span and the log record are
// emitted once the last recipient is accounted for.
type dispatchMetrics struct {
	logger   *log.Logger
	span     trace.Span
	start    time.Time
	event    string
	kind     string
	expected int64

	recorded atomic.Int64
	pushed   atomic.Int64
	fallback atomic.Int64
	skipped  atomic.Int64
	failed   atomic.Int64

	finishOnce sync.Once
}

func newDispatchMetrics(ctx context.Context, logger *log.Logger, ev domain.Event, expected int) *dispatchMetrics {
	_, span := otel.Tracer(tracerName).Start(ctx, "notify.publish",
		trace.WithAttributes(
			attribute.String("boardsync.event.id", ev.ID),
			attribute.String("boardsync.event.kind", ev.Kind),
			attribute.String("boardsync.event.project", ev.ProjectID),
			attribute.Int("boardsync.notify.recipients", expected),
		))
	return &dispatchMetrics{
		logger:   logger,
		span:     span,
		start:    time.Now(),
		event:    ev.ID,
		kind:     ev.Kind,
		expected: int64(expected),
	}
}

func (m *dispatchMetrics) RecordPushed()   { m.pushed.Add(1); m.recordOne() }
func (m *dispatchMetrics) RecordFallback() { m.fallback.Add(1); m.recordOne() }
func (m *dispatchMetrics) RecordSkipped()  { m.skipped.Add(1); m.recordOne() }
func (m *dispatchMetrics) RecordFailed()   { m.failed.Add(1); m.recordOne() }

func (m *dispatchMetrics) recordOne() {
	if m.recorded.Add(1) >= m.expected {
		m.Done()
	}
}

// Done finalizes the span and emits the dispatch summary. Safe to call more
// than once; only the first call logs.
func (m *dispatchMetrics) Done() {
	m.finishOnce.Do(func() {
		pushed := m.pushed.Load()
		fallback := m.fallback.Load()
		skipped := m.skipped.Load()
		failed := m.failed.Load()

		m.span.SetAttributes(
			attribute.Int64("boardsync.notify.pushed", pushed),
			attribute.Int64("boardsync.notify.fallback", fallback),
			attribute.Int64("boardsync.notify.skipped", skipped),
			attribute.Int64("boardsync.notify.failed", failed),
		)
		if failed > 0 {
			m.span.SetStatus(codes.Error, "partial delivery failure")
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()

		fields := log.Fields{
			"event":      m.event,
			"kind":       m.kind,
			"recipients": m.expected,
			"pushed":     pushed,
			"fallback":   fallback,
			"skipped":    skipped,
			"failed":     failed,
			"total_ms":   durationToMillis(time.Since(m.start)),
		}
		if failed > 0 {
			m.logger.WithFields(fields).Warn("notify.dispatch.metrics")
			return
		}
		m.logger.WithFields(fields).Info("notify.dispatch.metrics")
	})
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
