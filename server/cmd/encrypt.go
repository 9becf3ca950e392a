package cmd

import (
	"github.com/samber/do"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/kaws-project/kaws/server/internal/encryption"
	"github.com/kaws-project/kaws/server/internal/filesystem"
)

func newEncryptCommand(i *do.Injector) *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt <input> <output>",
		Short: "Encrypt a file under the configured master key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEncryptor(i, func(enc *encryption.Encryptor) error {
				if err := enc.EncryptFileToFile(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				logger.Info().
					Str("path", args[1]).
					Str("key_id", enc.MasterKeyID()).
					Msg("encrypted file")
				return nil
			})
		},
	}
}

func newDecryptCommand(i *do.Injector) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "decrypt <input>",
		Short: "Decrypt a file to stdout or to --output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEncryptor(i, func(enc *encryption.Encryptor) error {
				plaintext, err := enc.DecryptFile(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				defer plaintext.Zero()

				if output == "" {
					_, err = cmd.OutOrStdout().Write(plaintext.Data)
					return err
				}
				fs, err := do.Invoke[afero.Fs](i)
				if err != nil {
					return err
				}
				return filesystem.WriteFileAtomic(fs, output, plaintext.Data, 0o600)
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the plaintext to this file with mode 0600.")

	return cmd
}
