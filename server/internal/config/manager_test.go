package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaws-project/kaws/server/internal/config"
)

func TestManager(t *testing.T) {
	t.Run("with generated config", func(t *testing.T) {
		root := t.TempDir()
		user := config.Config{
			RootDir: root,
			Cluster: "test-cluster",
			Domain:  "example.com",
			KMS: config.KMS{
				TimeoutSeconds: 10,
			},
		}

		manager := config.NewManager(structSource(t, user))

		require.NoError(t, manager.Load())
		assert.Equal(t, defaultWithOverrides(t, user), manager.Config())

		err := manager.UpdateGeneratedConfig(config.Config{
			KMS: config.KMS{
				KeyID:          "rotated-key",
				TimeoutSeconds: 5,
			},
		})
		require.NoError(t, err)
		assert.FileExists(t, config.GeneratedPath(root, "test-cluster"))

		assert.Equal(t, defaultWithOverrides(t, config.Config{
			RootDir: root,
			Cluster: "test-cluster",
			Domain:  "example.com",
			KMS: config.KMS{
				// Comes from the generated config.
				KeyID: "rotated-key",
				// Set in both, the user-specified value wins.
				TimeoutSeconds: 10,
			},
		}), manager.Config())
	})

	t.Run("generated config requires a cluster", func(t *testing.T) {
		manager := config.NewManager(structSource(t, config.Config{
			RootDir: t.TempDir(),
		}))
		require.NoError(t, manager.Load())

		err := manager.UpdateGeneratedConfig(config.Config{Region: "eu-west-1"})
		assert.ErrorContains(t, err, "without a cluster")
	})

	t.Run("invalid user-specified config", func(t *testing.T) {
		user := config.Config{
			Cluster: "Not_Valid",
			PKI: config.PKI{
				Engine: "bogus",
			},
		}

		manager := config.NewManager(structSource(t, user))
		err := manager.Load()
		assert.ErrorContains(t, err, "lowercase alphanumeric")
		assert.ErrorContains(t, err, `pki.engine: unsupported engine "bogus"`)
	})

	t.Run("keeper provider requires keepers", func(t *testing.T) {
		manager := config.NewManager(structSource(t, config.Config{
			KMS: config.KMS{Provider: config.KMSProviderKeeper},
		}))
		assert.ErrorContains(t, manager.Load(), "kms.keepers")
	})
}

func TestEnvVarSource(t *testing.T) {
	t.Setenv("KAWS_CLUSTER", "env-cluster")
	t.Setenv("KAWS_KMS__KEY_ID", "env-key")

	manager := config.NewManager(config.NewEnvVarSource())
	require.NoError(t, manager.Load())

	cfg := manager.Config()
	assert.Equal(t, "env-cluster", cfg.Cluster)
	assert.Equal(t, "env-key", cfg.KMS.KeyID)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("KAWS_DOTENV_TEST_VALUE=from-file\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("KAWS_DOTENV_TEST_VALUE") })

	require.NoError(t, config.LoadDotEnv(filepath.Join(dir, "missing.env"), path))
	assert.Equal(t, "from-file", os.Getenv("KAWS_DOTENV_TEST_VALUE"))
}

func structSource(t *testing.T, cfg config.Config) *config.Source {
	t.Helper()

	source, err := config.NewStructSource(cfg)
	require.NoError(t, err)

	return source
}

func defaultWithOverrides(t *testing.T, overrides config.Config) config.Config {
	t.Helper()

	k := koanf.New(".")
	require.NoError(t, config.LoadStruct(k, config.DefaultConfig()))
	require.NoError(t, config.LoadStruct(k, overrides))

	var merged config.Config
	require.NoError(t, k.Unmarshal("", &merged))

	return merged
}

func TestPFlagSource(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("cluster", "flag-default", "")
	flags.String("kms.key-id", "", "")
	flags.Int("kms.timeout-seconds", 99, "")
	require.NoError(t, flags.Parse([]string{"--kms.key-id", "flag-key"}))

	manager := config.NewManager(config.NewPFlagSource(flags))
	require.NoError(t, manager.Load())

	cfg := manager.Config()
	assert.Equal(t, "flag-key", cfg.KMS.KeyID)
	// Unchanged flags leave the defaults alone.
	assert.Empty(t, cfg.Cluster)
	assert.Equal(t, config.DefaultConfig().KMS.TimeoutSeconds, cfg.KMS.TimeoutSeconds)
}
