package cmd

import (
	"github.com/samber/do"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/kaws-project/kaws/server/internal/cluster"
	"github.com/kaws-project/kaws/server/internal/config"
	"github.com/kaws-project/kaws/server/internal/encryption"
	"github.com/kaws-project/kaws/server/internal/keyring"
	"github.com/kaws-project/kaws/server/internal/pki"
)

func newAdminCommand(i *do.Injector) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Issue client certificates for cluster administrators",
	}
	cmd.AddCommand(
		newCreateRequestCommand(i),
		newSignCommand(i),
		newExportKeyCommand(i),
	)
	return cmd
}

func newCreateRequestCommand(i *do.Injector) *cobra.Command {
	var uid string

	cmd := &cobra.Command{
		Use:   "create-request",
		Short: "Create a key and signing request, keeping the key encrypted to your keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLock(i, func(_ config.Config, l cluster.Layout) error {
				return withAdmin(i, func(admin *cluster.Admin) error {
					if err := admin.CreateRequest(cmd.Context(), l, uid); err != nil {
						return err
					}
					logger.Info().
						Str("uid", uid).
						Str("csr", l.AdminCSRPath(uid)).
						Msg("created signing request")
					return nil
				})
			})
		},
	}

	cmd.Flags().StringVar(&uid, "uid", "", "Your OpenPGP user id, e.g. an email address.")
	_ = cmd.MarkFlagRequired("uid")

	return cmd
}

func newSignCommand(i *do.Injector) *cobra.Command {
	var recipient string

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign an administrator's request with the cluster CA",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLock(i, func(_ config.Config, l cluster.Layout) error {
				return withAdmin(i, func(admin *cluster.Admin) error {
					cert, err := admin.SignRequest(cmd.Context(), l, recipient)
					if err != nil {
						return err
					}
					logger.Info().
						Str("uid", recipient).
						Str("certificate", l.AdminCertPath(recipient)).
						Time("expires", cert.NotAfter()).
						Msg("signed administrator certificate")
					return nil
				})
			})
		},
	}

	cmd.Flags().StringVar(&recipient, "recipient", "", "User id of the administrator whose request to sign.")
	_ = cmd.MarkFlagRequired("recipient")

	return cmd
}

func newExportKeyCommand(i *do.Injector) *cobra.Command {
	var uid string

	cmd := &cobra.Command{
		Use:   "export-key",
		Short: "Export your public key to the shared pubkeys directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, l, err := currentLayout(i)
			if err != nil {
				return err
			}
			kr, err := do.Invoke[*keyring.Keyring](i)
			if err != nil {
				return err
			}
			path, err := kr.ExportPublicKey(cmd.Context(), uid, l.PubKeysDir())
			if err != nil {
				return err
			}
			logger.Info().
				Str("uid", uid).
				Str("path", path).
				Msg("exported public key")
			return nil
		},
	}

	cmd.Flags().StringVar(&uid, "uid", "", "Your OpenPGP user id.")
	_ = cmd.MarkFlagRequired("uid")

	return cmd
}

func withAdmin(i *do.Injector, fn func(admin *cluster.Admin) error) error {
	engine, err := do.Invoke[pki.Engine](i)
	if err != nil {
		return err
	}
	kr, err := do.Invoke[*keyring.Keyring](i)
	if err != nil {
		return err
	}
	fs, err := do.Invoke[afero.Fs](i)
	if err != nil {
		return err
	}
	return withEncryptor(i, func(enc *encryption.Encryptor) error {
		return fn(cluster.NewAdmin(engine, kr, enc, fs, logger))
	})
}
