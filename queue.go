package flowmq

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Queue is the single object a user holds per logical queue or topic. It
// lazily constructs the raw Pub/Sub handles the first time they are
// needed and owns them until Close or, for the Sub handle, until the
// natural end of a ReceiveSession (spec.md §4.4). A Queue is not safe for
// concurrent use by multiple goroutines.
type Queue struct {
	backend Backend
	address string
	name    string

	prefetch         int
	propagateRecvErr bool
	codec            Codec
	logger           *slog.Logger

	mu  sync.Mutex
	pub PubHandle
	sub SubHandle
}

// New constructs a Queue bound to backend for the queue/topic name at
// address. Default prefetch is 1; default propagate_recv_error is false.
func New(backend Backend, address, name string, opts ...Option) *Queue {
	q := &Queue{
		backend:  backend,
		address:  address,
		name:     name,
		prefetch: 1,
		codec:    JSONCodec{},
		logger:   defaultLogger(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) ensurePub(ctx context.Context) (PubHandle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pub != nil {
		return q.pub, nil
	}
	if q.name == "" {
		return nil, ErrEmptyName
	}
	pub, err := q.backend.CreatePub(ctx, q.address, q.name)
	if err != nil {
		return nil, &ConnectError{Address: q.address, Err: err}
	}
	q.pub = pub
	return pub, nil
}

func (q *Queue) ensureSub(ctx context.Context) (SubHandle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.sub != nil {
		return q.sub, nil
	}
	if q.name == "" {
		return nil, ErrEmptyName
	}
	sub, err := q.backend.CreateSub(ctx, q.address, q.name, q.prefetch)
	if err != nil {
		return nil, &ConnectError{Address: q.address, Err: err}
	}
	q.sub = sub
	return sub, nil
}

// forgetSub drops the Queue's reference to its SubHandle and closes it (the
// ReceiveSession already closed the SubHandle's stream; the SubHandle's
// connection is closed here, matching "the facade closes the underlying Sub
// Handle" in spec.md §4.4).
func (q *Queue) forgetSub() {
	q.mu.Lock()
	sub := q.sub
	q.sub = nil
	q.mu.Unlock()

	if sub != nil {
		if err := sub.Close(); err != nil {
			q.logger.Warn("failed to close sub handle", slog.Any("error", err))
		}
	}
}

// Send encodes value and publishes it, transparently re-opening the pub
// handle if it was previously closed.
func (q *Queue) Send(ctx context.Context, value any) error {
	data, err := q.codec.Encode(value)
	if err != nil {
		return err
	}

	pub, err := q.ensurePub(ctx)
	if err != nil {
		return err
	}

	if err := pub.Send(ctx, data); err != nil {
		// A closed handle is re-opened on the next Send (spec.md §4.4); drop
		// the stale reference so ensurePub recreates it.
		q.mu.Lock()
		if q.pub == pub {
			q.pub = nil
		}
		q.mu.Unlock()
		return err
	}
	return nil
}

// RecvOne is a scoped, single-message acquisition. It ensures the sub
// handle is open, fetches exactly one message, and invokes handle with the
// decoded value. On normal return from handle, the message is acked; on
// error from handle, it is nacked and, per spec.md §4.4, the error is
// suppressed unless the Queue was built with WithPropagateRecvError(true).
// If the queue is empty, RecvOne returns ErrNoMessageAvailable without
// calling handle.
func (q *Queue) RecvOne(ctx context.Context, handle func(value any) error) error {
	sub, err := q.ensureSub(ctx)
	if err != nil {
		return err
	}

	msg, ok, err := sub.GetOne(ctx)
	if err != nil {
		return &UpstreamError{Err: err}
	}
	if !ok {
		return ErrNoMessageAvailable
	}

	value, derr := q.codec.Decode(msg.Data)
	if derr != nil {
		if nerr := sub.Nack(ctx, msg.ID); nerr != nil {
			q.logger.Warn("nack failed after decode error", slog.Any("error", nerr))
		}
		return &DecodeError{Err: derr}
	}

	if herr := handle(value); herr != nil {
		if nerr := sub.Nack(ctx, msg.ID); nerr != nil {
			q.logger.Warn("nack failed", slog.Any("error", nerr))
		}
		if q.propagateRecvErr {
			return &DownstreamError{Err: herr}
		}
		return nil
	}

	return sub.Ack(ctx, msg.ID)
}

// Recv returns a ReceiveSession bound to the Queue's (lazily opened) sub
// handle, with auto_ack=true and propagate_error taken from the Queue's
// WithPropagateRecvError setting. timeout bounds inactivity, not total
// session duration (spec.md §5).
func (q *Queue) Recv(ctx context.Context, timeout time.Duration) (*ReceiveSession, error) {
	sub, err := q.ensureSub(ctx)
	if err != nil {
		return nil, err
	}

	session := NewReceiveSession(sub, q.codec, timeout, true, q.propagateRecvErr, q.logger)
	session.onEndOfStream = q.forgetSub
	return session, nil
}

// Drain opens a receive session at timeout and runs handle over every
// message until the session ends, closing the session afterward. It is a
// convenience for callers, such as a long-running worker process, that
// don't need direct access to the ReceiveSession.
func (q *Queue) Drain(ctx context.Context, timeout time.Duration, handle func(value any) error) error {
	session, err := q.Recv(ctx, timeout)
	if err != nil {
		return err
	}
	defer session.Close()
	return session.Consume(ctx, handle)
}

// Queuer is the subset of Queue's surface that the tracing and metrics
// decorators wrap. It lets those decorators nest: a Queuer wrapped in
// metrics.Queue is itself a Queuer, and so is the tracing.Queue around
// that.
type Queuer interface {
	Send(ctx context.Context, value any) error
	Drain(ctx context.Context, timeout time.Duration, handle func(value any) error) error
	Close() error
}

var _ Queuer = (*Queue)(nil)

// Close releases both the pub and sub handles, if open. Idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	pub, sub := q.pub, q.sub
	q.pub, q.sub = nil, nil
	q.mu.Unlock()

	var firstErr error
	if pub != nil {
		if err := pub.Close(); err != nil {
			firstErr = err
		}
	}
	if sub != nil {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
