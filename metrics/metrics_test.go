package metrics_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmq/flowmq"
	"github.com/flowmq/flowmq/flowmqtest"
	"github.com/flowmq/flowmq/metrics"
)

func TestQueue_DrainCountsAckAndNack(t *testing.T) {
	backend := flowmqtest.New()
	q := flowmq.New(backend, "mem://", "observed")
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, "ok"))
	require.NoError(t, q.Send(ctx, "boom"))

	registry := prometheus.NewRegistry()
	instrumented := metrics.New(q, registry)

	// The nacked "boom" is requeued and redelivered to the resumed session,
	// so the handler fails only on its first delivery.
	boom := errors.New("handler failed")
	var seen []any
	failed := false
	err := instrumented.Drain(ctx, 20*time.Millisecond, func(v any) error {
		seen = append(seen, v)
		if v == "boom" && !failed {
			failed = true
			return boom
		}
		return nil
	})
	require.NoError(t, err, "default propagate_recv_error=false suppresses handler errors")
	assert.Equal(t, []any{"ok", "boom", "boom"}, seen)

	mfs, err := registry.Gather()
	require.NoError(t, err)
	counts := map[string]float64{}
	for _, mf := range mfs {
		if len(mf.GetMetric()) == 1 && mf.GetMetric()[0].GetCounter() != nil {
			counts[mf.GetName()] = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(3), counts["flowmq_received_total"])
	assert.Equal(t, float64(2), counts["flowmq_acked_total"])
	assert.Equal(t, float64(1), counts["flowmq_nacked_total"])
}

func TestQueue_SendIncrementsSentTotal(t *testing.T) {
	backend := flowmqtest.New()
	q := flowmq.New(backend, "mem://", "counted")
	registry := prometheus.NewRegistry()
	instrumented := metrics.New(q, registry)

	require.NoError(t, instrumented.Send(context.Background(), "a"))
	require.NoError(t, instrumented.Send(context.Background(), "b"))

	mfs, err := registry.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range mfs {
		if mf.GetName() == "flowmq_sent_total" {
			found = true
			require.Len(t, mf.GetMetric(), 1)
			assert.Equal(t, float64(2), mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found, "flowmq_sent_total must be registered")
}
