package queue

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// EventType is a job lifecycle transition.
type EventType string

const (
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventRetrying  EventType = "retrying"
	EventDead      EventType = "dead"
)

// Event is emitted at the start and end of every attempt. Events are for
// observability only; job state lives in the table.
type Event struct {
	Type  EventType
	Job   Job
	Err   error
	Delay time.Duration
}

type metrics struct {
	enqueuedCount metric.Int64Counter
	events        metric.Int64Counter
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter("library-lending/queue")

	enqueued, err := meter.Int64Counter(
		"queue.jobs.enqueued",
		metric.WithDescription("Resolution jobs accepted by the queue"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, err
	}

	events, err := meter.Int64Counter(
		"queue.jobs.events",
		metric.WithDescription("Resolution job lifecycle events by type"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}
	return &metrics{enqueuedCount: enqueued, events: events}, nil
}

func (m *metrics) enqueued(ctx context.Context, kind string) {
	m.enqueuedCount.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (q *Queue) emit(ctx context.Context, ev Event) {
	q.metrics.events.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("kind", ev.Job.Kind),
		attribute.String("event", string(ev.Type)),
	))

	fields := []zap.Field{
		zap.Int64("job", ev.Job.ID),
		zap.String("kind", ev.Job.Kind),
		zap.String("name", ev.Job.Name),
		zap.String("book", ev.Job.BookID),
		zap.Int("attempt", ev.Job.Attempts),
	}
	switch ev.Type {
	case EventStarted:
		q.logger.Debug("job started", fields...)
	case EventCompleted:
		q.logger.Info("job completed", fields...)
	case EventRetrying:
		q.logger.Warn("job failed, retrying", append(fields, zap.Duration("delay", ev.Delay), zap.Error(ev.Err))...)
	case EventDead:
		q.logger.Error("job dead-lettered", append(fields, zap.Error(ev.Err))...)
	}

	if q.opts.OnEvent != nil {
		q.opts.OnEvent(ev)
	}
}
