package flowmq

import "errors"

// Sentinel errors surfaced directly to callers, per spec.md §7.
var (
	// ErrNotConnected is returned when an operation is attempted on a
	// closed or not-yet-opened handle.
	ErrNotConnected = errors.New("flowmq: handle is not connected")

	// ErrNoMessageAvailable is returned by Queue.RecvOne when the queue is
	// empty at the moment of the call.
	ErrNoMessageAvailable = errors.New("flowmq: no message available")

	// ErrEmptyName is returned when a queue/topic name is empty.
	ErrEmptyName = errors.New("flowmq: queue/topic name must not be empty")
)

// ConnectError wraps a transport failure during CreatePub/CreateSub.
type ConnectError struct {
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return "flowmq: connect to " + e.Address + ": " + e.Err.Error()
}

func (e *ConnectError) Unwrap() error { return e.Err }

// UpstreamError wraps a failure raised by the broker or adapter itself
// while getting or streaming messages. It is always propagated by the
// ReceiveSession regardless of the propagate-error policy (spec.md §4.3).
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string { return "flowmq: upstream: " + e.Err.Error() }

func (e *UpstreamError) Unwrap() error { return e.Err }

// DownstreamError wraps a caller-side failure while handling a yielded
// message (a handler returning an error, or a decode failure). It always
// triggers a nack; whether it propagates or is suppressed follows the
// ReceiveSession's propagate-error policy (spec.md §4.3, §7).
type DownstreamError struct {
	Err error
}

func (e *DownstreamError) Error() string { return "flowmq: downstream: " + e.Err.Error() }

func (e *DownstreamError) Unwrap() error { return e.Err }

// EncodeError wraps a Codec.Encode failure. It surfaces from Send without
// touching the broker.
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string { return "flowmq: encode: " + e.Err.Error() }

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError wraps a Codec.Decode failure encountered while receiving. It
// is treated as a DownstreamError at the receive path: the offending
// message is nacked.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "flowmq: decode: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }
