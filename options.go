package flowmq

import (
	"io"
	"log/slog"
)

// Option configures a Queue constructed with New.
type Option func(*Queue)

// WithPrefetch sets the max unacknowledged messages outstanding to a
// subscriber. Default 1.
func WithPrefetch(prefetch int) Option {
	return func(q *Queue) {
		if prefetch >= 1 {
			q.prefetch = prefetch
		}
	}
}

// WithPropagateRecvError sets whether caller-side exceptions during receive
// are re-raised (true) or suppressed (false, the default).
func WithPropagateRecvError(propagate bool) Option {
	return func(q *Queue) { q.propagateRecvErr = propagate }
}

// WithCodec overrides the default JSONCodec.
func WithCodec(codec Codec) Option {
	return func(q *Queue) {
		if codec != nil {
			q.codec = codec
		}
	}
}

// WithLogger overrides the default discard logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

func defaultLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
