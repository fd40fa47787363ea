package tracing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/flowmq/flowmq"
	"github.com/flowmq/flowmq/flowmqtest"
	"github.com/flowmq/flowmq/tracing"
)

func newTestTracerProvider() (*sdktrace.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return tp, recorder
}

func TestQueue_SendSpansSuccess(t *testing.T) {
	tp, recorder := newTestTracerProvider()
	defer tp.Shutdown(context.Background())

	backend := flowmqtest.New()
	q := flowmq.New(backend, "mem://", "spanned")
	traced := tracing.New(tp.Tracer("test"), "spanned", q)

	require.NoError(t, traced.Send(context.Background(), "hello"))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "flowmq.send", spans[0].Name())
	assert.NotEqual(t, codes.Error, spans[0].Status().Code)
}

func TestQueue_DrainSpansEachMessage(t *testing.T) {
	tp, recorder := newTestTracerProvider()
	defer tp.Shutdown(context.Background())

	backend := flowmqtest.New()
	q := flowmq.New(backend, "mem://", "drained")
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, "one"))
	require.NoError(t, q.Send(ctx, "two"))

	traced := tracing.New(tp.Tracer("test"), "drained", q)

	var seen []any
	require.NoError(t, traced.Drain(ctx, 20*time.Millisecond, func(v any) error {
		seen = append(seen, v)
		return nil
	}))
	assert.Equal(t, []any{"one", "two"}, seen)

	var handleSpans int
	for _, span := range recorder.Ended() {
		if span.Name() == "flowmq.handle" {
			handleSpans++
		}
	}
	assert.Equal(t, 2, handleSpans)
}

func TestQueue_DrainRecordsHandlerError(t *testing.T) {
	tp, recorder := newTestTracerProvider()
	defer tp.Shutdown(context.Background())

	backend := flowmqtest.New()
	q := flowmq.New(backend, "mem://", "failing", flowmq.WithPropagateRecvError(true))
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, "bad"))

	traced := tracing.New(tp.Tracer("test"), "failing", q)

	boom := errors.New("handler failed")
	err := traced.Drain(ctx, 20*time.Millisecond, func(any) error { return boom })
	assert.ErrorIs(t, err, boom)

	var sawError bool
	for _, span := range recorder.Ended() {
		if span.Name() == "flowmq.handle" && span.Status().Code == codes.Error {
			sawError = true
		}
	}
	assert.True(t, sawError, "handler error must mark the span as errored")
}
