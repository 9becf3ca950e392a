package encryption

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/kaws-project/kaws/server/internal/kms"
)

// KeyringDecrypter decrypts ASCII-armored local keyring ciphertext.
type KeyringDecrypter interface {
	DecryptArmored(ctx context.Context, armored []byte) ([]byte, error)
}

// Plaintext is the result of decrypting an artifact.
type Plaintext struct {
	Data []byte
	// KeyID is the key that produced the ciphertext, as recorded in the
	// envelope or reported by the remote service.
	KeyID  string
	Scheme Scheme
}

// Zero overwrites the plaintext in memory.
func (p *Plaintext) Zero() {
	Zero(p.Data)
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

type Option func(e *Encryptor)

// WithMasterKeyID sets the key used for encryption. Decryption never needs it.
func WithMasterKeyID(keyID string) Option {
	return func(e *Encryptor) {
		e.masterKeyID = keyID
	}
}

func WithKeyring(k KeyringDecrypter) Option {
	return func(e *Encryptor) {
		e.keyring = k
	}
}

func WithFatalHandler(h FatalHandler) Option {
	return func(e *Encryptor) {
		e.fatal = h
	}
}

// WithTimeout bounds each remote call.
func WithTimeout(d time.Duration) Option {
	return func(e *Encryptor) {
		e.timeout = d
	}
}

const defaultTimeout = 30 * time.Second

// Encryptor wraps and unwraps secrets with a remote key management service.
// Plaintext files it creates are tracked and removed by Close, which every
// caller must defer. An Encryptor is not safe for concurrent use.
type Encryptor struct {
	client      kms.Client
	fs          afero.Fs
	logger      zerolog.Logger
	masterKeyID string
	keyring     KeyringDecrypter
	fatal       FatalHandler
	timeout     time.Duration
	registry    *DecryptedFileRegistry
}

func NewEncryptor(client kms.Client, fs afero.Fs, logger zerolog.Logger, opts ...Option) *Encryptor {
	e := &Encryptor{
		client:  client,
		fs:      fs,
		logger:  logger.With().Str("component", "encryptor").Logger(),
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.registry = NewDecryptedFileRegistry(fs, e.logger, e.fatal)
	return e
}

func (e *Encryptor) MasterKeyID() string {
	return e.masterKeyID
}

// Encrypt returns the on-disk artifact for plaintext under the master key.
func (e *Encryptor) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if e.masterKeyID == "" {
		return nil, ErrMasterKeyRequired
	}
	return e.EncryptWithKey(ctx, e.masterKeyID, plaintext)
}

// EncryptWithKey is Encrypt with an explicit key id.
func (e *Encryptor) EncryptWithKey(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ciphertext, err := e.client.Encrypt(ctx, keyID, plaintext)
	if err != nil {
		return nil, err
	}
	return EncodeEnvelope(keyID, ciphertext)
}

// EncryptAndWriteFile encrypts plaintext under the master key and writes the
// artifact to destination in a single write.
func (e *Encryptor) EncryptAndWriteFile(ctx context.Context, plaintext []byte, destination string) error {
	artifact, err := e.Encrypt(ctx, plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt %q: %w", destination, err)
	}
	if err := afero.WriteFile(e.fs, destination, artifact, 0o644); err != nil {
		return fmt.Errorf("%w: failed to write %q: %w", ErrIO, destination, err)
	}
	e.logger.Debug().Str("path", destination).Str("key_id", e.masterKeyID).Msg("wrote encrypted file")
	return nil
}

// EncryptFileToFile encrypts the contents of source to destination. The
// source file is left in place.
func (e *Encryptor) EncryptFileToFile(ctx context.Context, source, destination string) error {
	plaintext, err := afero.ReadFile(e.fs, source)
	if err != nil {
		return fmt.Errorf("%w: failed to read %q: %w", ErrIO, source, err)
	}
	defer Zero(plaintext)

	return e.EncryptAndWriteFile(ctx, plaintext, destination)
}

// Decrypt unwraps an artifact of any supported scheme.
func (e *Encryptor) Decrypt(ctx context.Context, data []byte) (*Plaintext, error) {
	artifact, err := DecodeArtifact(data)
	if err != nil {
		return nil, err
	}

	if artifact.Scheme == SchemeKeyringArmored {
		if e.keyring == nil {
			return nil, ErrKeyringRequired
		}
		plaintext, err := e.keyring.DecryptArmored(ctx, artifact.Ciphertext)
		if err != nil {
			return nil, err
		}
		return &Plaintext{Data: plaintext, Scheme: artifact.Scheme}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	plaintext, keyID, err := e.client.Decrypt(ctx, artifact.Ciphertext)
	if err != nil {
		return nil, err
	}
	if artifact.KeyID != "" {
		keyID = artifact.KeyID
	}
	return &Plaintext{
		Data:   plaintext,
		KeyID:  keyID,
		Scheme: artifact.Scheme,
	}, nil
}

// DecryptString decrypts an artifact whose plaintext must be text.
func (e *Encryptor) DecryptString(ctx context.Context, data []byte) (string, error) {
	plaintext, err := e.Decrypt(ctx, data)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(plaintext.Data) {
		plaintext.Zero()
		return "", ErrUTF8
	}
	return string(plaintext.Data), nil
}

// DecryptFile reads and decrypts the artifact at path.
func (e *Encryptor) DecryptFile(ctx context.Context, path string) (*Plaintext, error) {
	data, err := afero.ReadFile(e.fs, path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %q: %w", ErrIO, path, err)
	}
	plaintext, err := e.Decrypt(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt %q: %w", path, err)
	}
	return plaintext, nil
}

// DecryptFileToFile decrypts the artifact at source and writes the plaintext
// to destination with owner-only permissions. The destination is registered
// for removal before anything is written, so even a partial write is cleaned
// up by Close.
func (e *Encryptor) DecryptFileToFile(ctx context.Context, source, destination string) error {
	plaintext, err := e.DecryptFile(ctx, source)
	if err != nil {
		return err
	}
	defer plaintext.Zero()

	e.registry.Register(destination)

	// OpenFile keeps the mode of an existing file.
	if err := e.fs.Remove(destination); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: failed to replace %q: %w", ErrIO, destination, err)
	}
	f, err := e.fs.OpenFile(destination, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("%w: failed to create %q: %w", ErrIO, destination, err)
	}
	if _, err := f.Write(plaintext.Data); err != nil {
		f.Close()
		return fmt.Errorf("%w: failed to write %q: %w", ErrIO, destination, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: failed to close %q: %w", ErrIO, destination, err)
	}

	e.logger.Debug().
		Str("source", source).
		Str("path", destination).
		Stringer("scheme", plaintext.Scheme).
		Msg("wrote decrypted file")
	return nil
}

// DecryptedFiles lists the plaintext files awaiting removal.
func (e *Encryptor) DecryptedFiles() []string {
	return e.registry.Paths()
}

// Close removes every plaintext file written by DecryptFileToFile. It is safe
// to call more than once.
func (e *Encryptor) Close() error {
	return e.registry.RemoveAll()
}
