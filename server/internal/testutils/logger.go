package testutils

import (
	"testing"

	"github.com/rs/zerolog"
)

// Logger returns a debug logger that writes through t when tests run with -v,
// and a no-op logger otherwise.
func Logger(t testing.TB) zerolog.Logger {
	t.Helper()

	if !testing.Verbose() {
		return zerolog.Nop()
	}

	return zerolog.New(zerolog.NewTestWriter(t)).
		Level(zerolog.DebugLevel).
		With().
		Str("test", t.Name()).
		Logger()
}
