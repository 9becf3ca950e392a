package logging

import (
	"github.com/rs/zerolog"
	"go.mau.fi/zerozap"
	"go.uber.org/zap"
)

// Zap adapts a zerolog logger for libraries that require zap, such as the etcd
// client.
func Zap(base zerolog.Logger, level zerolog.Level) *zap.Logger {
	core := zerozap.New(base.
		Level(level).
		With().
		Str("component", "etcd_client").
		Logger())
	return zap.New(core)
}
