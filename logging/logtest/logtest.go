// Package logtest swaps the global exporter logger inside tests.
package logtest

import (
	"log/slog"
	"testing"

	"github.com/giygas/zulip-exporter/logging"
)

// Reset installs a fresh global logger built from opts and restores the
// previous one when the test ends
func Reset(t testing.TB, opts logging.Options) {
	t.Helper()

	if !opts.Verbose {
		opts.Verbose = testing.Verbose()
	}

	previous := logging.DefaultLoggingService
	logging.InitLogger(opts)
	current := logging.DefaultLoggingService

	t.Cleanup(func() {
		_ = current.Close()
		logging.DefaultLoggingService = previous
		if previous != nil {
			slog.SetDefault(previous.Logger)
		}
	})
}
