package flowmq

import (
	"context"
	"time"
)

// Backend is a factory for a single broker's raw publish/subscribe
// primitives. Adapter selection is by value: the application passes a
// concrete Backend into New. See spec.md §4.1 for the contract each method
// must satisfy.
type Backend interface {
	// CreatePub establishes a publish connection to name at address. For
	// queue-style brokers this idempotently declares the queue as
	// non-durable and enables delivery confirmation.
	CreatePub(ctx context.Context, address, name string) (PubHandle, error)

	// CreateSub establishes a subscribe connection, configuring
	// per-consumer flow control so that at most prefetch unacked messages
	// may be outstanding.
	CreateSub(ctx context.Context, address, name string, prefetch int) (SubHandle, error)
}

// PubHandle owns a live publish connection and carries the destination
// identity. It is single-owner and not safe for concurrent use.
type PubHandle interface {
	// Send publishes one opaque payload, blocking until the broker
	// confirms delivery when the broker supports confirms, or returning
	// after a local enqueue otherwise.
	Send(ctx context.Context, data []byte) error

	// Close releases broker-side resources. Idempotent.
	Close() error
}

// SubHandle owns a live subscribe connection and carries the destination
// identity and prefetch. It is single-owner and not safe for concurrent
// use.
type SubHandle interface {
	// GetOne makes one nonblocking (or short-bounded) attempt to receive a
	// message. ok is false when no message was available.
	GetOne(ctx context.Context) (msg *Message, ok bool, err error)

	// Ack positively acknowledges a previously yielded message. For
	// channel-wide-tag brokers, acknowledging id N cumulatively
	// acknowledges all lower-id unacked messages on that channel.
	Ack(ctx context.Context, id MessageID) error

	// Nack negatively acknowledges a previously yielded message. Requeue
	// policy follows the broker's default.
	Nack(ctx context.Context, id MessageID) error

	// Stream opens an inactivity-bounded lazy sequence of messages. The
	// returned MessageStream must be closed to release broker-side
	// consumer/cursor state, even when it ends on its own.
	Stream(ctx context.Context, timeout time.Duration) (MessageStream, error)

	// Close releases broker-side resources. Idempotent.
	Close() error
}

// MessageStream is a lazy, inactivity-bounded sequence of messages produced
// by SubHandle.Stream.
type MessageStream interface {
	// Next blocks until a message arrives, the inactivity timeout elapses,
	// or ctx is done. (nil, nil) signals normal end of stream (inactivity
	// timeout); a non-nil error signals an upstream failure.
	Next(ctx context.Context) (*Message, error)

	// Close cancels the broker-side consumer/cursor. Idempotent.
	Close() error
}

// CumulativeAck reports whether a SubHandle's Ack is cumulative (as on an
// AMQP channel, where acking id N also acks all lower unacked ids) or
// per-message. Nack is per-message in every adapter in this module. Adapters that care may implement this optional interface;
// flowmq's core never needs to compensate for cumulative semantics itself
// (spec.md §4.3 "Tie-breaks and edge cases").
type CumulativeAck interface {
	CumulativeAck() bool
}
