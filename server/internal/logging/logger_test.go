package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/samber/do"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaws-project/kaws/server/internal/config"
)

func TestNewLogger(t *testing.T) {
	t.Run("level and cluster field", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := newLogger(&buf, config.Config{
			Cluster: "test",
			Logging: config.Logging{Level: "warn"},
		})
		require.NoError(t, err)
		assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())

		logger.Info().Msg("dropped")
		logger.Warn().Msg("kept")

		out := buf.String()
		assert.NotContains(t, out, "dropped")
		assert.Contains(t, out, `"message":"kept"`)
		assert.Contains(t, out, `"cluster":"test"`)
	})

	t.Run("invalid level", func(t *testing.T) {
		_, err := newLogger(&bytes.Buffer{}, config.Config{
			Logging: config.Logging{Level: "loud"},
		})
		assert.ErrorContains(t, err, "failed to parse log level")
	})
}

func TestProvide(t *testing.T) {
	i := do.New()
	do.ProvideValue(i, config.Config{
		Cluster: "test",
		Logging: config.Logging{Level: "info"},
	})
	var buf bytes.Buffer
	provideLogger(i, &buf)

	logger, err := do.Invoke[zerolog.Logger](i)
	require.NoError(t, err)
	logger.Info().Msg("hello")

	assert.Equal(t, 1, strings.Count(buf.String(), `"cluster":"test"`))
}
