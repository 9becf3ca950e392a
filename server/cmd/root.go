package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/samber/do"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/kaws-project/kaws/server/internal/cluster"
	"github.com/kaws-project/kaws/server/internal/config"
	"github.com/kaws-project/kaws/server/internal/encryption"
	"github.com/kaws-project/kaws/server/internal/etcd"
	"github.com/kaws-project/kaws/server/internal/filesystem"
	"github.com/kaws-project/kaws/server/internal/keyring"
	"github.com/kaws-project/kaws/server/internal/kms"
	"github.com/kaws-project/kaws/server/internal/logging"
	"github.com/kaws-project/kaws/server/internal/pki"
)

var (
	configPath string
	logger     zerolog.Logger
)

func newRootCmd(i *do.Injector) *cobra.Command {
	return &cobra.Command{
		Use:   "kaws",
		Short: "Manage the PKI and encrypted secrets of kaws clusters",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			if err := config.LoadDotEnv(".env"); err != nil {
				return err
			}

			// Source order determines precedence. The last source loaded will
			// override any previous values.
			var sources []*config.Source
			if configPath != "" {
				sources = append(sources, config.NewJsonFileSource(configPath))
			}
			sources = append(sources,
				config.NewEnvVarSource(),
				config.NewPFlagSource(cmd.Flags()),
			)

			config.Provide(i, sources...)
			logging.Provide(i)
			filesystem.Provide(i)
			kms.Provide(i)
			keyring.Provide(i)
			encryption.Provide(i)
			pki.Provide(i)
			etcd.Provide(i)
			cluster.Provide(i)

			var err error
			logger, err = do.Invoke[zerolog.Logger](i)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}

			return nil
		},
	}
}

// newApp assembles the root command with its flags and subcommands.
func newApp(i *do.Injector) *cobra.Command {
	rootCmd := newRootCmd(i)
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config-path", "c", "", "Path to a config.json file.")
	flags.String("root-dir", "", "Directory that holds the clusters/ and pubkeys/ trees.")
	flags.String("cluster", "", "Name of the cluster to operate on.")
	flags.String("region", "", "AWS region of the cluster.")
	flags.String("domain", "", "Base domain of the cluster.")
	flags.StringP("logging.level", "l", "", "The logging level, e.g. 'debug', 'info', 'error', etc.")
	flags.BoolP("logging.pretty", "p", false, "Use pretty logging instead of JSON logging.")
	flags.String("kms.provider", "", "KMS provider: 'aws' or 'keeper'.")
	flags.String("kms.key-id", "", "The master key id used for new encryptions.")
	flags.String("pki.engine", "", "Certificate engine: 'cfssl', 'openssl', or 'native'.")

	rootCmd.AddCommand(
		newClusterCommand(i),
		newAdminCommand(i),
		newEncryptCommand(i),
		newDecryptCommand(i),
		newVersionCommand(i),
	)

	return rootCmd
}

func Execute() {
	i := do.New()
	rootCmd := newApp(i)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if shutdownErr := i.Shutdown(); shutdownErr != nil && err == nil {
		err = shutdownErr
	}

	if err != nil {
		if logger.GetLevel() == zerolog.NoLevel {
			// NoLevel indicates that the logger is uninitialized. In this case
			// we'll use our fallback logger.
			logging.Fatal(err, "command failed")
		} else {
			logger.Fatal().
				Err(err).
				Msg("command failed")
		}
	}
}

func currentLayout(i *do.Injector) (config.Config, cluster.Layout, error) {
	cfg, err := do.Invoke[config.Config](i)
	if err != nil {
		return config.Config{}, cluster.Layout{}, fmt.Errorf("failed to load config: %w", err)
	}
	l, err := cluster.NewLayout(cfg.RootDir, cfg.Cluster)
	if err != nil {
		return config.Config{}, cluster.Layout{}, err
	}
	return cfg, l, nil
}

// withLock runs fn while holding the lock of the configured cluster.
func withLock(i *do.Injector, fn func(cfg config.Config, l cluster.Layout) error) (err error) {
	cfg, l, err := currentLayout(i)
	if err != nil {
		return err
	}
	fs, err := do.Invoke[afero.Fs](i)
	if err != nil {
		return err
	}
	lock, err := cluster.AcquireLock(fs, l)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := lock.Release(); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()

	return fn(cfg, l)
}

// withEncryptor hands fn the encryptor and removes every file it decrypted
// once fn returns.
func withEncryptor(i *do.Injector, fn func(enc *encryption.Encryptor) error) (err error) {
	enc, err := do.Invoke[*encryption.Encryptor](i)
	if err != nil {
		return fmt.Errorf("failed to initialize encryptor: %w", err)
	}
	defer func() {
		if closeErr := enc.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(enc)
}
