// Package metrics wraps a flowmq.Queuer with Prometheus instrumentation,
// grounded on the oriys-nova example's internal/metrics/prometheus.go
// manual-registry style (github.com/prometheus/client_golang/prometheus),
// rather than the promauto package.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowmq/flowmq"
)

// Queue decorates a flowmq.Queuer with send/receive/ack/nack counters and a
// receive-latency histogram, all registered under namespace "flowmq". Queue
// itself satisfies flowmq.Queuer, so it nests under tracing.Queue or
// another metrics.Queue.
type Queue struct {
	inner flowmq.Queuer

	sentTotal     prometheus.Counter
	receivedTotal prometheus.Counter
	ackedTotal    prometheus.Counter
	nackedTotal   prometheus.Counter
	recvLatency   prometheus.Histogram
}

var _ flowmq.Queuer = (*Queue)(nil)

// New wraps inner and registers its collectors on registry.
func New(inner flowmq.Queuer, registry *prometheus.Registry) *Queue {
	q := &Queue{
		inner: inner,
		sentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmq",
			Name:      "sent_total",
			Help:      "Total number of messages sent.",
		}),
		receivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmq",
			Name:      "received_total",
			Help:      "Total number of messages received and decoded.",
		}),
		ackedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmq",
			Name:      "acked_total",
			Help:      "Total number of messages acknowledged.",
		}),
		nackedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmq",
			Name:      "nacked_total",
			Help:      "Total number of messages negatively acknowledged.",
		}),
		recvLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "flowmq",
			Name:      "receive_latency_seconds",
			Help:      "Time spent inside a message handler.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	registry.MustRegister(q.sentTotal, q.receivedTotal, q.ackedTotal, q.nackedTotal, q.recvLatency)
	return q
}

// Send instruments the wrapped Queuer's Send.
func (q *Queue) Send(ctx context.Context, value any) error {
	if err := q.inner.Send(ctx, value); err != nil {
		return err
	}
	q.sentTotal.Inc()
	return nil
}

// Drain instruments the wrapped Queuer's Drain, counting every yielded
// message as received, then acked or nacked depending on whether handle
// returns an error, and observing handler latency.
func (q *Queue) Drain(ctx context.Context, timeout time.Duration, handle func(value any) error) error {
	return q.inner.Drain(ctx, timeout, func(value any) error {
		q.receivedTotal.Inc()
		start := time.Now()
		err := handle(value)
		q.recvLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			q.nackedTotal.Inc()
			return err
		}
		q.ackedTotal.Inc()
		return nil
	})
}

// Close closes the wrapped Queuer. Registered collectors are left on the
// registry; callers that tear down a Queue mid-process are expected to
// discard the registry too.
func (q *Queue) Close() error { return q.inner.Close() }
