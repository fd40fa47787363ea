package flowmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// sessionState is the cursor_state of spec.md §3: IDLE, STREAMING,
// SUSPENDED-BY-EXCEPTION, CLOSED. flowmq folds STREAMING into IDLE/
// HANDED-OUT bookkeeping kept on the session itself (see inFlight) rather
// than as a separate state value, since "streaming" is just "a Scope is
// open and pulling from the stream" — there is nothing else a Scope does.
type sessionState int

const (
	stateIdle sessionState = iota
	stateSuspended
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateSuspended:
		return "suspended"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ReceiveSession is a scoped, resumable, lazy sequence over decoded
// application values, bound to a single SubHandle. See spec.md §4.3 for the
// full state machine. A ReceiveSession is not safe for concurrent use.
type ReceiveSession struct {
	sub          SubHandle
	codec        Codec
	timeout      time.Duration
	autoAck      bool
	propagateErr bool
	logger       *slog.Logger

	// onEndOfStream is invoked exactly once, the first time the session
	// releases its stream: at normal end of stream, on an upstream error, on
	// a propagated caller error, or on Close (never on suspension). The Queue
	// facade uses
	// this to close and forget its SubHandle so the next recv opens a
	// fresh one (spec.md §4.4, "Facade closing policy").
	onEndOfStream func()

	mu       sync.Mutex
	state    sessionState
	entered  bool           // guards against re-entrant Enter while a Scope is open
	stream   MessageStream  // persists across suspensions; nil until first use
	inFlight *Message       // raw message handed out, not yet acked/nacked
}

// NewReceiveSession constructs a ReceiveSession directly against a
// SubHandle. Most callers obtain one via Queue.Recv instead; this
// constructor exists for advanced use (e.g. auto_ack=false, which Queue
// never exposes since its facade contract always acks automatically).
func NewReceiveSession(sub SubHandle, codec Codec, timeout time.Duration, autoAck, propagateErr bool, logger *slog.Logger) *ReceiveSession {
	if codec == nil {
		codec = JSONCodec{}
	}
	if logger == nil {
		logger = defaultLogger()
	}
	return &ReceiveSession{
		sub:          sub,
		codec:        codec,
		timeout:      timeout,
		autoAck:      autoAck,
		propagateErr: propagateErr,
		logger:       logger,
	}
}

// Received pairs a decoded value with the id of its message, for acking or
// nacking it manually when the session's autoAck is false. Scope.Next
// returns only the decoded value, and no function in this package
// constructs a Received.
type Received struct {
	Value any

	session *ReceiveSession
	id      MessageID
}

// Ack positively acknowledges the received message. Only meaningful when
// the owning session was constructed with autoAck=false; Queue-backed
// sessions always auto-ack and callers should not call this.
func (r *Received) Ack(ctx context.Context) error {
	if err := r.session.sub.Ack(ctx, r.id); err != nil {
		return err
	}
	r.session.clearInFlight(r.id)
	return nil
}

// Nack negatively acknowledges the received message.
func (r *Received) Nack(ctx context.Context) error {
	if err := r.session.sub.Nack(ctx, r.id); err != nil {
		return err
	}
	r.session.clearInFlight(r.id)
	return nil
}

func (s *ReceiveSession) clearInFlight(id MessageID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight != nil && s.inFlight.ID == id {
		s.inFlight = nil
	}
}

// Scope represents one entry into a ReceiveSession's bracketed region. It
// must be closed exactly once via Exit, normally via defer. Obtaining a
// Scope transitions a SUSPENDED session back to IDLE (spec.md §4.3,
// "Resumability").
type Scope struct {
	session *ReceiveSession
}

// Enter begins or resumes the session's scope. Panics if a Scope from this
// session is already open (reentrant Enter is a caller bug, not a runtime
// condition spec.md asks the library to handle gracefully).
func (s *ReceiveSession) Enter() *Scope {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entered {
		panic("flowmq: ReceiveSession.Enter called while a Scope is already open")
	}
	s.entered = true
	if s.state == stateSuspended {
		s.state = stateIdle
	}
	return &Scope{session: s}
}

// ensureStream lazily opens the underlying SubHandle's streaming primitive.
// Called with s.mu held.
func (s *ReceiveSession) ensureStream(ctx context.Context) error {
	if s.stream != nil {
		return nil
	}
	stream, err := s.sub.Stream(ctx, s.timeout)
	if err != nil {
		return &UpstreamError{Err: err}
	}
	s.stream = stream
	return nil
}

// Next advances the scope to the next decoded message.
//
//   - (value, true, nil): a message was decoded and is now in flight.
//   - (nil, false, nil): the underlying stream ended normally (inactivity
//     timeout). The scope should be exited with a nil error.
//   - (nil, false, err): an upstream error from the adapter, or a decode
//     failure on the message that was retrieved. The scope must still be
//     exited, passing err through, so the in-flight message (if any) is
//     nacked and the propagate/suppress policy is applied.
func (sc *Scope) Next(ctx context.Context) (value any, ok bool, err error) {
	s := sc.session
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateClosed {
		return nil, false, &UpstreamError{Err: errors.New("flowmq: session is closed")}
	}

	if err := s.ensureStream(ctx); err != nil {
		return nil, false, err
	}

	msg, serr := s.stream.Next(ctx)
	if serr != nil {
		// Upstream error: best-effort nack whatever was in flight between
		// yields (spec.md §4.3 "Tie-breaks and edge cases"), then
		// propagate unconditionally — Exit will finish the teardown.
		if s.inFlight != nil {
			if aerr := s.sub.Nack(ctx, s.inFlight.ID); aerr != nil {
				s.logger.Warn("best-effort nack failed during upstream error teardown",
					slog.Any("error", aerr))
			}
			s.inFlight = nil
		}
		return nil, false, &UpstreamError{Err: serr}
	}

	// The fetch itself succeeded (msg may be nil, meaning normal end of
	// stream). Finalize the PREVIOUS in-flight message now, since we know
	// the stream didn't fail while it was outstanding.
	if s.inFlight != nil {
		if s.autoAck {
			if aerr := s.sub.Ack(ctx, s.inFlight.ID); aerr != nil {
				s.logger.Warn("ack failed", slog.Any("error", aerr))
			}
		}
		s.inFlight = nil
	}

	if msg == nil {
		return nil, false, nil
	}

	value, derr := s.codec.Decode(msg.Data)
	if derr != nil {
		// Decode failure is a DownstreamError: nack the offending message
		// and still hand the failure to Exit so propagate/suppress policy
		// applies uniformly (spec.md §7).
		s.inFlight = msg
		return nil, false, &DownstreamError{Err: &DecodeError{Err: derr}}
	}

	s.inFlight = msg
	return value, true, nil
}

// Exit finalizes the scope according to callerErr and the session's
// policy, then reports whether iteration should continue (by the caller
// re-Entering) or has concluded. It is the single place spec.md §4.3's
// NACKING / CLOSED / SUSPENDED transitions happen.
//
//   - callerErr == nil: normal completion. Acks a message still in flight
//     (when autoAck; a caller that stops before Next reports end of stream
//     leaves one), releases the stream and ends the session for good.
//   - callerErr wraps *UpstreamError: always nacks any in-flight message
//     best-effort, releases the stream, and returns the error —
//     propagate_error has no say over upstream failures.
//   - any other callerErr (a DownstreamError from Next's decode path, or a
//     plain error from the caller's own handler): nacks the in-flight
//     message, then either releases the stream and returns callerErr
//     (propagateErr=true) or keeps the stream alive, marks the session
//     SUSPENDED, and returns nil (propagateErr=false).
func (sc *Scope) Exit(ctx context.Context, callerErr error) error {
	s := sc.session
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.entered = false }()

	var upstream *UpstreamError

	switch {
	case callerErr == nil:
		if s.inFlight != nil {
			if s.autoAck {
				if aerr := s.sub.Ack(ctx, s.inFlight.ID); aerr != nil {
					s.logger.Warn("ack failed on scope exit", slog.Any("error", aerr))
				}
			}
			s.inFlight = nil
		}
		s.closeStreamLocked()
		s.state = stateClosed
		return nil

	case errors.As(callerErr, &upstream):
		if s.inFlight != nil {
			if aerr := s.sub.Nack(ctx, s.inFlight.ID); aerr != nil {
				s.logger.Warn("best-effort nack failed on scope exit", slog.Any("error", aerr))
			}
			s.inFlight = nil
		}
		s.closeStreamLocked()
		s.state = stateClosed
		return upstream.Err

	default:
		if s.inFlight != nil {
			if nerr := s.sub.Nack(ctx, s.inFlight.ID); nerr != nil {
				s.logger.Warn("nack failed on scope exit", slog.Any("error", nerr))
			}
			s.inFlight = nil
		}

		var downstream *DownstreamError
		errToPropagate := callerErr
		if errors.As(callerErr, &downstream) {
			errToPropagate = downstream.Err
		}

		if s.propagateErr {
			s.closeStreamLocked()
			s.state = stateClosed
			return errToPropagate
		}

		s.state = stateSuspended
		return nil
	}
}

// closeStreamLocked releases the underlying stream and invokes the
// end-of-stream hook exactly once. Called with s.mu held.
func (s *ReceiveSession) closeStreamLocked() {
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			s.logger.Warn("failed to close message stream", slog.Any("error", err))
		}
		s.stream = nil
	}
	if s.onEndOfStream != nil {
		hook := s.onEndOfStream
		s.onEndOfStream = nil
		hook()
	}
}

// Consume is a convenience loop over Enter/Next/Exit for the common case of
// per-message handling with standard ack/nack bookkeeping. It implements
// the resumability of spec.md §4.3 directly: when a handler error is
// suppressed (propagateErr=false), Consume re-enters the same session and
// continues from the next message rather than returning.
func (s *ReceiveSession) Consume(ctx context.Context, handle func(value any) error) error {
	for {
		scope := s.Enter()

		var loopErr error
	loop:
		for {
			value, ok, err := scope.Next(ctx)
			switch {
			case err != nil:
				loopErr = err
				break loop
			case !ok:
				loopErr = nil
				break loop
			}
			if herr := handle(value); herr != nil {
				loopErr = &DownstreamError{Err: herr}
				break loop
			}
		}

		exitErr := scope.Exit(ctx, loopErr)
		if exitErr != nil {
			return exitErr
		}
		if loopErr == nil {
			return nil
		}
		// loopErr != nil but Exit returned nil: suppressed per
		// propagateErr=false. Resume by looping back to Enter().
	}
}

// Close releases the session's underlying stream (if any) without waiting
// for normal end-of-stream. Useful for abandoning a suspended session
// early. Safe to call multiple times.
func (s *ReceiveSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return nil
	}
	s.closeStreamLocked()
	s.state = stateClosed
	return nil
}
