package flowmq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmq/flowmq"
	"github.com/flowmq/flowmq/flowmqtest"
)

// Round-trip property (spec.md §8): send(v) followed by recv_one returns v.
func TestQueue_SendRecvOneRoundTrip(t *testing.T) {
	backend := flowmqtest.New()
	q := flowmq.New(backend, "mem://", "greetings")
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, "hello"))

	var got any
	err := q.RecvOne(ctx, func(v any) error {
		got = v
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

// Empty-queue recv_one (spec.md §8 scenario 5).
func TestQueue_RecvOneOnEmptyQueue(t *testing.T) {
	backend := flowmqtest.New()
	q := flowmq.New(backend, "mem://", "empty")

	err := q.RecvOne(context.Background(), func(any) error {
		t.Fatal("handle must not be called for an empty queue")
		return nil
	})
	assert.ErrorIs(t, err, flowmq.ErrNoMessageAvailable)
}

// RecvOne's default suppression policy: a handler error is nacked and
// swallowed unless WithPropagateRecvError(true) was set (spec.md §4.4).
func TestQueue_RecvOneSuppressesByDefault(t *testing.T) {
	backend := flowmqtest.New()
	q := flowmq.New(backend, "mem://", "suppressed")
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, "payload"))

	boom := errors.New("handler failed")
	err := q.RecvOne(ctx, func(any) error { return boom })
	assert.NoError(t, err, "default policy suppresses handler errors")
	assert.Len(t, backend.Nacks, 1)
}

func TestQueue_RecvOnePropagatesWhenConfigured(t *testing.T) {
	backend := flowmqtest.New()
	q := flowmq.New(backend, "mem://", "propagated", flowmq.WithPropagateRecvError(true))
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, "payload"))

	boom := errors.New("handler failed")
	err := q.RecvOne(ctx, func(any) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Len(t, backend.Nacks, 1)
}

// Prefetch=20, small queue (spec.md §8 scenario 4): two RecvOne calls
// followed by a Recv session see every sent message exactly once.
func TestQueue_RecvOneThenRecvSeesEverySentMessage(t *testing.T) {
	backend := flowmqtest.New()
	q := flowmq.New(backend, "mem://", "mixed", flowmq.WithPrefetch(20))
	ctx := context.Background()

	sent := []any{"d0", "d1", "d2", "d3", "d4", "d5"}
	for _, v := range sent {
		require.NoError(t, q.Send(ctx, v))
	}

	var received []any
	for i := 0; i < 2; i++ {
		require.NoError(t, q.RecvOne(ctx, func(v any) error {
			received = append(received, v)
			return nil
		}))
	}

	session, err := q.Recv(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, session.Consume(ctx, func(v any) error {
		received = append(received, v)
		return nil
	}))

	assert.ElementsMatch(t, sent, received)
	assert.Len(t, received, len(sent))
}

// Facade closing policy (spec.md §4.4): normal end-of-stream closes the sub
// handle so the next Recv opens a fresh one.
func TestQueue_RecvClosesSubHandleOnNormalEndOfStream(t *testing.T) {
	backend := flowmqtest.New()
	q := flowmq.New(backend, "mem://", "closing")
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, "only message"))

	session, err := q.Recv(ctx, 50*time.Millisecond)
	require.NoError(t, err)

	var got []any
	require.NoError(t, session.Consume(ctx, func(v any) error {
		got = append(got, v)
		return nil
	}))
	assert.Equal(t, []any{"only message"}, got)

	// A second Recv must succeed by opening a brand new sub handle, not
	// reuse the exhausted one.
	require.NoError(t, q.Send(ctx, "second message"))
	session2, err := q.Recv(ctx, 50*time.Millisecond)
	require.NoError(t, err)

	var got2 []any
	require.NoError(t, session2.Consume(ctx, func(v any) error {
		got2 = append(got2, v)
		return nil
	}))
	assert.Equal(t, []any{"second message"}, got2)
}

// Order on first delivery (spec.md §8): messages are observed in send order
// when nothing is nacked.
func TestQueue_OrderOnFirstDelivery(t *testing.T) {
	backend := flowmqtest.New()
	q := flowmq.New(backend, "mem://", "ordered")
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Send(ctx, i))
	}

	session, err := q.Recv(ctx, 50*time.Millisecond)
	require.NoError(t, err)

	var got []any
	require.NoError(t, session.Consume(ctx, func(v any) error {
		got = append(got, v)
		return nil
	}))

	require.Len(t, got, 10)
	for i, v := range got {
		assert.Equal(t, float64(i), v)
	}
}

// Drain is the Recv+Consume+Close convenience the CLI driver and the
// tracing/metrics decorators build on.
func TestQueue_DrainRunsHandleOverEveryMessage(t *testing.T) {
	backend := flowmqtest.New()
	q := flowmq.New(backend, "mem://", "drained")
	ctx := context.Background()

	for _, v := range []any{"a", "b", "c"} {
		require.NoError(t, q.Send(ctx, v))
	}

	var got []any
	err := q.Drain(ctx, 20*time.Millisecond, func(v any) error {
		got = append(got, v)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, got)
}

// Encode failure at the send path (spec.md §7): Send surfaces it as an
// EncodeError without touching the broker.
func TestQueue_SendEncodeErrorSurfaces(t *testing.T) {
	backend := flowmqtest.New()
	q := flowmq.New(backend, "mem://", "unencodable", flowmq.WithCodec(failingSendCodec{}))

	err := q.Send(context.Background(), "anything")
	var encodeErr *flowmq.EncodeError
	assert.ErrorAs(t, err, &encodeErr)
}

// Decode failure at the RecvOne path (spec.md §7): the undecodable message
// is nacked and a DecodeError is returned without calling handle.
func TestQueue_RecvOneDecodeErrorSurfaces(t *testing.T) {
	backend := flowmqtest.New()
	q := flowmq.New(backend, "mem://", "undecodable", flowmq.WithCodec(failingRecvCodec{}))
	ctx := context.Background()
	require.NoError(t, backendPublishRaw(ctx, backend, "undecodable", []byte("irrelevant")))

	err := q.RecvOne(ctx, func(any) error {
		t.Fatal("handle must not be called when decoding fails")
		return nil
	})
	var decodeErr *flowmq.DecodeError
	assert.ErrorAs(t, err, &decodeErr)
	assert.Len(t, backend.Nacks, 1)
}

// failingSendCodec always fails to encode.
type failingSendCodec struct{}

func (failingSendCodec) Encode(any) ([]byte, error) {
	return nil, errors.New("failingSendCodec: encode always fails")
}

func (failingSendCodec) Decode(data []byte) (any, error) { return flowmq.JSONCodec{}.Decode(data) }

// failingRecvCodec always fails to decode.
type failingRecvCodec struct{}

func (failingRecvCodec) Encode(value any) ([]byte, error) { return flowmq.JSONCodec{}.Encode(value) }

func (failingRecvCodec) Decode([]byte) (any, error) {
	return nil, errors.New("failingRecvCodec: decode always fails")
}

// backendPublishRaw writes data directly to a backend queue, bypassing any
// codec, since failingRecvCodec can never successfully encode a seed message.
func backendPublishRaw(ctx context.Context, backend *flowmqtest.Backend, name string, data []byte) error {
	pub, err := backend.CreatePub(ctx, "mem://", name)
	if err != nil {
		return err
	}
	return pub.Send(ctx, data)
}

func TestQueue_SendReopensClosedPubHandle(t *testing.T) {
	backend := flowmqtest.New()
	q := flowmq.New(backend, "mem://", "reopen")
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, "one"))
	require.NoError(t, q.Close())
	require.NoError(t, q.Send(ctx, "two"), "Send must transparently reopen a closed pub handle")

	var got []any
	session, err := q.Recv(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, session.Consume(ctx, func(v any) error {
		got = append(got, v)
		return nil
	}))
	assert.Equal(t, []any{"one", "two"}, got)
}
