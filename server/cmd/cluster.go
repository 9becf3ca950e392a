package cmd

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/samber/do"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/kaws-project/kaws/server/internal/cluster"
	"github.com/kaws-project/kaws/server/internal/config"
	"github.com/kaws-project/kaws/server/internal/encryption"
	"github.com/kaws-project/kaws/server/internal/etcd"
	"github.com/kaws-project/kaws/server/internal/pki"
	"github.com/kaws-project/kaws/server/internal/rotation"
	"github.com/kaws-project/kaws/server/internal/storage"
)

func newClusterCommand(i *do.Injector) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Manage a cluster's certificates and encrypted keys",
	}
	cmd.AddCommand(
		newGeneratePKICommand(i),
		newVerifyCommand(i),
		newRotateKeysCommand(i),
		newPublishCommand(i),
		newFetchCommand(i),
	)
	return cmd
}

func newGeneratePKICommand(i *do.Injector) *cobra.Command {
	return &cobra.Command{
		Use:   "generate-pki",
		Short: "Generate the certificate authorities and certificates of a new cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLock(i, func(cfg config.Config, l cluster.Layout) error {
				if cfg.Domain == "" {
					return errors.New("a domain is required to generate the master certificate")
				}
				engine, err := do.Invoke[pki.Engine](i)
				if err != nil {
					return err
				}
				fs, err := do.Invoke[afero.Fs](i)
				if err != nil {
					return err
				}
				return withEncryptor(i, func(enc *encryption.Encryptor) error {
					gen := cluster.NewGenerator(engine, enc, fs, logger)
					return gen.GeneratePKI(cmd.Context(), l, cfg.Domain)
				})
			})
		},
	}
}

func newVerifyCommand(i *do.Injector) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that every certificate chains to its CA and matches its encrypted key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, l, err := currentLayout(i)
			if err != nil {
				return err
			}
			fs, err := do.Invoke[afero.Fs](i)
			if err != nil {
				return err
			}
			return withEncryptor(i, func(enc *encryption.Encryptor) error {
				statuses, err := cluster.VerifyPKI(cmd.Context(), fs, l, enc)
				out := cmd.OutOrStdout()
				for _, s := range statuses {
					if s.Err != nil {
						fmt.Fprintf(out, "%-14s FAIL %v\n", s.Component, s.Err)
					} else {
						fmt.Fprintf(out, "%-14s ok   key %s\n", s.Component, s.KeyID)
					}
				}
				return err
			})
		},
	}
}

func newRotateKeysCommand(i *do.Injector) *cobra.Command {
	var (
		toKeyID      string
		fromKeyID    string
		secretNames  []string
		keepPrevious bool
		reset        bool
		status       bool
		ledgerKind   string
	)

	cmd := &cobra.Command{
		Use:   "rotate-keys",
		Short: "Re-encrypt the cluster's keys under a new master key",
		Long: "Re-encrypt the cluster's keys under a new master key. Each key is verified\n" +
			"before it replaces the old artifact, and progress is recorded in a ledger so\n" +
			"an interrupted rotation resumes where it stopped.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLock(i, func(cfg config.Config, l cluster.Layout) error {
				ledger, err := newLedger(i, ledgerKind, cfg, l)
				if err != nil {
					return err
				}
				fs, err := do.Invoke[afero.Fs](i)
				if err != nil {
					return err
				}

				return withEncryptor(i, func(enc *encryption.Encryptor) error {
					rotator := rotation.NewRotator(enc, fs, ledger, logger)
					ctx := cmd.Context()

					switch {
					case reset:
						return rotator.Reset(ctx)
					case status:
						record, err := rotator.Status(ctx)
						if err != nil {
							return err
						}
						return printRotationStatus(cmd, record)
					}

					if toKeyID == "" {
						return errors.New("--to is required")
					}
					if !cmd.Flags().Changed("from") {
						fromKeyID = cfg.KMS.KeyID
					}
					secrets, err := rotation.Secrets(l.RotationSecrets(), secretNames...)
					if err != nil {
						return err
					}

					result, err := rotator.Rotate(ctx, rotation.Plan{
						FromKeyID:    fromKeyID,
						ToKeyID:      toKeyID,
						Secrets:      secrets,
						KeepPrevious: keepPrevious,
					})
					if err != nil {
						return err
					}
					if !result.Complete() {
						logger.Warn().
							Str("rotation_id", result.ID).
							Strs("rotated", result.Rotated).
							Strs("pending", result.Pending).
							Msg("rotation incomplete, run rotate-keys again for the pending keys")
						return nil
					}
					if missing := missingSecrets(result.Secrets, l.RotationSecrets()); len(missing) > 0 {
						logger.Info().
							Str("rotation_id", result.ID).
							Strs("rotated", result.Rotated).
							Strs("not_rotated", missing).
							Msg("rotated the selected keys, the new key id is saved once every key is rotated")
						return nil
					}

					manager, err := do.Invoke[*config.Manager](i)
					if err != nil {
						return err
					}
					if err := manager.UpdateGeneratedConfig(config.Config{
						KMS: config.KMS{KeyID: toKeyID},
					}); err != nil {
						return fmt.Errorf("rotation %s succeeded but the new key id was not saved: %w", result.ID, err)
					}
					if effective := manager.Config().KMS.KeyID; effective != manager.GeneratedConfig().KMS.KeyID {
						logger.Warn().
							Str("key_id", effective).
							Msg("a user-specified kms.key_id overrides the rotated key")
					}

					logger.Info().
						Str("rotation_id", result.ID).
						Strs("rotated", result.Rotated).
						Strs("skipped", result.Skipped).
						Str("key_id", toKeyID).
						Msg("rotation complete")
					return nil
				})
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&toKeyID, "to", "", "The master key id to rotate to. It is saved to the cluster's kaws.json, but a kms.key-id from config.json or flags still takes precedence.")
	flags.StringVar(&fromKeyID, "from", "", "The master key id the keys are expected to be under. Defaults to kms.key-id; pass an empty value to accept any key.")
	flags.StringSliceVar(&secretNames, "secret", nil, "Rotate only the named keys, e.g. k8s-ca. May be repeated.")
	flags.BoolVar(&keepPrevious, "keep-previous", false, "Keep each replaced artifact next to the new one with a .previous suffix.")
	flags.BoolVar(&reset, "reset", false, "Discard an unfinished rotation and exit.")
	flags.BoolVar(&status, "status", false, "Show the unfinished rotation, if any, and exit.")
	flags.StringVar(&ledgerKind, "ledger", "file", "Where rotation progress is recorded: 'file' or 'etcd'.")
	cmd.MarkFlagsMutuallyExclusive("reset", "status")

	return cmd
}

// missingSecrets returns the names in all that are not in rotated.
func missingSecrets(rotated []string, all []rotation.Secret) []string {
	var missing []string
	for _, s := range all {
		if !slices.Contains(rotated, s.Name) {
			missing = append(missing, s.Name)
		}
	}
	return missing
}

func newLedger(i *do.Injector, kind string, cfg config.Config, l cluster.Layout) (rotation.Ledger, error) {
	switch kind {
	case "file":
		fs, err := do.Invoke[afero.Fs](i)
		if err != nil {
			return nil, err
		}
		return rotation.NewFileLedger(fs, l.LedgerPath()), nil
	case "etcd":
		client, err := do.Invoke[*etcd.Client](i)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		timeout := time.Duration(cfg.Etcd.TimeoutSeconds) * time.Second
		return rotation.NewEtcdLedger(storage.WithTimeout(client, timeout), cfg.Etcd.KeyRoot, l.Name), nil
	default:
		return nil, fmt.Errorf("unsupported ledger %q", kind)
	}
}

func printRotationStatus(cmd *cobra.Command, record *rotation.Record) error {
	out := cmd.OutOrStdout()
	if record == nil {
		_, err := fmt.Fprintln(out, "no rotation in progress")
		return err
	}
	fmt.Fprintf(out, "rotation %s from %q to %q started %s\n",
		record.ID, record.FromKeyID, record.ToKeyID, record.StartedAt.Format("2006-01-02 15:04:05Z07:00"))
	for _, s := range record.Secrets {
		state := "pending"
		if s.Committed() {
			state = "committed"
		}
		fmt.Fprintf(out, "  %-14s %s\n", s.Name, state)
	}
	return nil
}

func newPublishCommand(i *do.Injector) *cobra.Command {
	return &cobra.Command{
		Use:   "publish",
		Short: "Publish the Kubernetes certificates and encrypted keys to etcd",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, l, err := currentLayout(i)
			if err != nil {
				return err
			}
			publisher, err := newPublisher(i)
			if err != nil {
				return err
			}
			keys, err := publisher.Publish(cmd.Context(), l)
			if err != nil {
				return err
			}
			logger.Info().
				Str("cluster", l.Name).
				Strs("keys", keys).
				Msg("published cluster pki")
			return nil
		},
	}
}

func newFetchCommand(i *do.Injector) *cobra.Command {
	var (
		roleName string
		dir      string
	)

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch and decrypt this machine's certificates and keys from etcd",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := cluster.ParseRole(roleName)
			if err != nil {
				return err
			}
			publisher, err := newPublisher(i)
			if err != nil {
				return err
			}
			return withEncryptor(i, func(enc *encryption.Encryptor) error {
				paths, err := publisher.Fetch(cmd.Context(), role, dir, enc)
				if err != nil {
					return err
				}
				logger.Info().
					Str("role", string(role)).
					Strs("paths", paths).
					Msg("fetched cluster pki")
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&roleName, "role", "", "The machine's role: 'master' or 'node'.")
	cmd.Flags().StringVar(&dir, "dir", "/etc/kubernetes/ssl", "Directory to write the certificates and keys to.")
	_ = cmd.MarkFlagRequired("role")

	return cmd
}

func newPublisher(i *do.Injector) (*cluster.Publisher, error) {
	store, err := do.Invoke[*cluster.Store](i)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	fs, err := do.Invoke[afero.Fs](i)
	if err != nil {
		return nil, err
	}
	return cluster.NewPublisher(store, fs, logger), nil
}
