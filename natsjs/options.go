package natsjs

import "log/slog"

// Option configures a Backend constructed with New.
type Option func(*Backend)

// WithLogger overrides the default discard logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}
