// Package tracing wraps a flowmq.Queuer with OpenTelemetry spans, grounded
// on the teacher's mqtttracing/brokerstracing decorator pattern seen wired
// in cmd/mqtt/main.go (a tracer obtained once at startup and threaded
// through constructor functions that wrap an existing component).
package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowmq/flowmq"
)

// Queue decorates a flowmq.Queuer, starting a span around every Send and
// every handler invocation inside Drain. Queue itself satisfies
// flowmq.Queuer, so it nests under metrics.Queue or another tracing.Queue.
type Queue struct {
	inner  flowmq.Queuer
	tracer trace.Tracer
	name   string
}

var _ flowmq.Queuer = (*Queue)(nil)

// New wraps inner. name identifies the queue/topic in span attributes.
func New(tracer trace.Tracer, name string, inner flowmq.Queuer) *Queue {
	return &Queue{inner: inner, tracer: tracer, name: name}
}

func (q *Queue) attr() attribute.KeyValue { return attribute.String("flowmq.queue", q.name) }

// Send wraps the wrapped Queuer's Send in a "flowmq.send" span.
func (q *Queue) Send(ctx context.Context, value any) error {
	ctx, span := q.tracer.Start(ctx, "flowmq.send", trace.WithAttributes(q.attr()))
	defer span.End()

	if err := q.inner.Send(ctx, value); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Drain wraps the wrapped Queuer's Drain, starting one "flowmq.handle" span
// per yielded message.
func (q *Queue) Drain(ctx context.Context, timeout time.Duration, handle func(value any) error) error {
	return q.inner.Drain(ctx, timeout, func(value any) error {
		_, span := q.tracer.Start(ctx, "flowmq.handle", trace.WithAttributes(q.attr()))
		defer span.End()

		if err := handle(value); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		return nil
	})
}

// Close closes the wrapped Queuer.
func (q *Queue) Close() error { return q.inner.Close() }
