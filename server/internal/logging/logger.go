package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kaws-project/kaws/server/internal/config"
)

const defaultLevel = zerolog.InfoLevel

// NewLogger builds the process logger. Output goes to stderr so that commands
// that print results to stdout stay pipeable.
func NewLogger(cfg config.Config) (zerolog.Logger, error) {
	return newLogger(os.Stderr, cfg)
}

func newLogger(out io.Writer, cfg config.Config) (zerolog.Logger, error) {
	level := defaultLevel
	if cfg.Logging.Level != "" {
		l, err := zerolog.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("failed to parse log level '%s': %w", cfg.Logging.Level, err)
		}

		level = l
	}

	if cfg.Logging.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}

	logger := zerolog.New(out).
		With().
		Timestamp().
		Logger().
		Level(level)
	if cfg.Cluster != "" {
		logger = logger.With().Str("cluster", cfg.Cluster).Logger()
	}

	return logger, nil
}

// Fatal calls Fatal on the default zerolog logger. It's intended for panic
// recovery and other places where a logger instance isn't available.
func Fatal(err any, msg string) {
	logger := log.With().
		Timestamp().
		Caller().
		Logger()

	switch v := err.(type) {
	case error:
		logger.Fatal().
			CallerSkipFrame(2).
			Err(v).
			Msg(msg)
	default:
		logger.Fatal().
			CallerSkipFrame(2).
			Interface("error", err).
			Msg(msg)
	}
}
