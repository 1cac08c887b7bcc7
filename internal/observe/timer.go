package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Timer measures one operation and records its duration in seconds into a
// histogram when stopped. Use it scoped:
//
//	t := observe.StartTimer(ctx, m.ScoreDuration)
//	defer t.Stop()
type Timer struct {
	ctx     context.Context
	h       metric.Float64Histogram
	attrs   []attribute.KeyValue
	start   time.Time
	stopped bool
}

// StartTimer starts timing against h. A nil histogram makes Stop a pure
// stopwatch.
func StartTimer(ctx context.Context, h metric.Float64Histogram, attrs ...attribute.KeyValue) *Timer {
	return &Timer{ctx: ctx, h: h, attrs: attrs, start: time.Now()}
}

// SetAttributes adds attributes recorded on Stop, e.g. the outcome.
func (t *Timer) SetAttributes(attrs ...attribute.KeyValue) {
	t.attrs = append(t.attrs, attrs...)
}

// Stop records the elapsed time once and returns it. Later calls return the
// elapsed time without recording again.
func (t *Timer) Stop() time.Duration {
	d := time.Since(t.start)
	if t.stopped {
		return d
	}
	t.stopped = true
	if t.h != nil {
		t.h.Record(t.ctx, d.Seconds(), metric.WithAttributes(t.attrs...))
	}
	return d
}
