// Package logging builds the shared slog.Logger used across flowmq binaries,
// grounded on the teacher's cmd/mqtt/main.go and cmd/ws/main.go call sites
// (smqlog.New, smqlog.ExitWithError).
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// New builds a text-handler *slog.Logger writing to w at the given level
// ("debug", "info", "warn", "error"). An unrecognized level is an error,
// matching the teacher's fail-fast behavior at startup.
func New(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("logging: unknown level %q: %w", level, err)
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler), nil
}

// ExitWithError is deferred in main with the address of a local exit-code
// variable; it turns a nonzero code set anywhere in main into
// a real process exit without skipping other deferred cleanup.
func ExitWithError(code *int) {
	if *code != 0 {
		os.Exit(*code)
	}
}
