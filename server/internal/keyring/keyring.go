package keyring

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/kaws-project/kaws/server/internal/exec"
)

// ErrIO wraps filesystem failures around keyring operations.
var ErrIO = errors.New("i/o error")

const defaultBinary = "gpg2"

// FatalHandler is invoked when a plaintext file can't be removed.
type FatalHandler func(err error, path string)

type Option func(k *Keyring)

func WithBinary(bin string) Option {
	return func(k *Keyring) {
		if bin != "" {
			k.bin = bin
		}
	}
}

func WithFatalHandler(h FatalHandler) Option {
	return func(k *Keyring) {
		k.fatal = h
	}
}

// Keyring drives the local OpenPGP keyring through the gpg command line.
type Keyring struct {
	run    exec.CmdRunner
	fs     afero.Fs
	logger zerolog.Logger
	bin    string
	fatal  FatalHandler
}

func New(run exec.CmdRunner, fs afero.Fs, logger zerolog.Logger, opts ...Option) *Keyring {
	k := &Keyring{
		run:    run,
		fs:     fs,
		logger: logger.With().Str("component", "keyring").Logger(),
		bin:    defaultBinary,
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.fatal == nil {
		k.fatal = func(err error, path string) {
			k.logger.Fatal().
				Err(err).
				Str("path", path).
				Msg("failed to remove unencrypted file, remove it manually")
		}
	}
	return k
}

func (k *Keyring) gpg(ctx context.Context, stdin []byte, args ...string) (*exec.Output, error) {
	return k.run(ctx, exec.Cmd{
		Name:  k.bin,
		Args:  append([]string{"--batch", "--yes"}, args...),
		Stdin: stdin,
	})
}

// Acquire decrypts encryptedPath to unencryptedPath. The returned
// ScopedDecryption must be released when the plaintext is no longer needed.
func (k *Keyring) Acquire(ctx context.Context, encryptedPath, unencryptedPath string) (*ScopedDecryption, error) {
	k.logger.Info().Str("path", encryptedPath).Msg("decrypting")

	s := &ScopedDecryption{
		EncryptedPath:   encryptedPath,
		UnencryptedPath: unencryptedPath,
		keyring:         k,
	}
	_, err := k.gpg(ctx, nil, "--output", unencryptedPath, "--decrypt", encryptedPath)
	if err != nil {
		// gpg may leave a partial file behind.
		s.Release()
		return nil, fmt.Errorf("failed to decrypt %q: %w", encryptedPath, err)
	}
	return s, nil
}

// DecryptArmored decrypts ASCII-armored ciphertext without touching the
// filesystem.
func (k *Keyring) DecryptArmored(ctx context.Context, armored []byte) ([]byte, error) {
	out, err := k.gpg(ctx, armored, "--decrypt")
	if err != nil {
		return nil, err
	}
	return out.Stdout, nil
}

// EncryptFor signs and encrypts in to out as ASCII armor, with uid as both
// signer and recipient.
func (k *Keyring) EncryptFor(ctx context.Context, uid, in, out string) error {
	_, err := k.gpg(ctx, nil,
		"--encrypt",
		"--sign",
		"--local-user", uid,
		"--recipient", uid,
		"--output", out,
		"--armor",
		in,
	)
	if err != nil {
		return fmt.Errorf("failed to encrypt %q for %q: %w", in, uid, err)
	}
	k.logger.Info().Str("path", out).Str("uid", uid).Msg("encrypted file for recipient")
	return nil
}

// ExportPublicKey writes uid's armored public key to <dir>/<uid>.asc and
// returns that path.
func (k *Keyring) ExportPublicKey(ctx context.Context, uid, dir string) (string, error) {
	if err := k.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: failed to create %q: %w", ErrIO, dir, err)
	}
	path := filepath.Join(dir, uid+".asc")
	if _, err := k.gpg(ctx, nil, "--output", path, "--armor", "--export", uid); err != nil {
		return "", fmt.Errorf("failed to export public key for %q: %w", uid, err)
	}
	return path, nil
}

// ImportPublicKeys imports every file in dir into the local keyring, in name
// order. A missing directory imports nothing.
func (k *Keyring) ImportPublicKeys(ctx context.Context, dir string) ([]string, error) {
	entries, err := afero.ReadDir(k.fs, dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %q: %w", ErrIO, dir, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	var imported []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if _, err := k.gpg(ctx, nil, "--import", path); err != nil {
			return imported, fmt.Errorf("failed to import %q: %w", path, err)
		}
		imported = append(imported, path)
	}
	k.logger.Info().Int("count", len(imported)).Str("dir", dir).Msg("synchronized public keys")
	return imported, nil
}

// ScopedDecryption is a plaintext file that exists until Release.
type ScopedDecryption struct {
	EncryptedPath   string
	UnencryptedPath string
	keyring         *Keyring
	released        bool
}

// Release removes the plaintext file. Calling it again does nothing. A file
// that is already gone is not an error; any other failure goes to the fatal
// handler.
func (s *ScopedDecryption) Release() {
	if s.released {
		return
	}
	s.released = true

	k := s.keyring
	err := k.fs.Remove(s.UnencryptedPath)
	switch {
	case err == nil:
		k.logger.Info().Str("path", s.UnencryptedPath).Msg("removed unencrypted file")
	case errors.Is(err, os.ErrNotExist):
	default:
		k.fatal(fmt.Errorf("%w: failed to remove %q: %w", ErrIO, s.UnencryptedPath, err), s.UnencryptedPath)
	}
}
