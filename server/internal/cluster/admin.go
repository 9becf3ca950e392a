package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/kaws-project/kaws/server/internal/encryption"
	"github.com/kaws-project/kaws/server/internal/pki"
)

// ErrRequestExists is returned when an administrator already has a pending
// or signed request for a cluster.
var ErrRequestExists = errors.New("administrator request already exists")

// Keyring is the part of the local OpenPGP keyring used by the administrator
// flow.
type Keyring interface {
	ImportPublicKeys(ctx context.Context, dir string) ([]string, error)
	EncryptFor(ctx context.Context, uid, in, out string) error
}

// FileDecrypter decrypts artifacts to plaintext files that are removed again
// by Close.
type FileDecrypter interface {
	DecryptFileToFile(ctx context.Context, source, destination string) error
	Close() error
}

// Admin issues client certificates for cluster administrators. The
// administrator's key never leaves their keyring unencrypted: it is created
// locally, encrypted to their OpenPGP key, and only the request is shared.
type Admin struct {
	engine  pki.Engine
	keyring Keyring
	dec     FileDecrypter
	fs      afero.Fs
	logger  zerolog.Logger
}

func NewAdmin(engine pki.Engine, keyring Keyring, dec FileDecrypter, fs afero.Fs, logger zerolog.Logger) *Admin {
	return &Admin{
		engine:  engine,
		keyring: keyring,
		dec:     dec,
		fs:      fs,
		logger:  logger.With().Str("component", "admin").Logger(),
	}
}

func validateUID(uid string) error {
	if uid == "" {
		return errors.New("uid cannot be empty")
	}
	if strings.ContainsAny(uid, `/\`) || strings.HasPrefix(uid, ".") {
		return fmt.Errorf("invalid uid %q", uid)
	}
	return nil
}

// AdminCommonName is the subject of an administrator's client certificate.
func AdminCommonName(uid, cluster string) string {
	return uid + "-" + cluster
}

// CreateRequest generates a key and signing request for uid. The key is
// stored encrypted for uid at <uid>-key.pem.asc and the request at
// <uid>.csr.
func (a *Admin) CreateRequest(ctx context.Context, l Layout, uid string) (err error) {
	if err := validateUID(uid); err != nil {
		return err
	}
	gen, ok := a.engine.(pki.RequestGenerator)
	if !ok {
		return fmt.Errorf("pki engine %T cannot generate signing requests", a.engine)
	}
	if _, err := a.keyring.ImportPublicKeys(ctx, l.PubKeysDir()); err != nil {
		return err
	}
	if err := l.Init(a.fs); err != nil {
		return err
	}
	for _, path := range []string{l.AdminCSRPath(uid), l.AdminEncryptedKeyPath(uid)} {
		exists, err := afero.Exists(a.fs, path)
		if err != nil {
			return fmt.Errorf("failed to check for %q: %w", path, err)
		}
		if exists {
			return fmt.Errorf("%w: %q", ErrRequestExists, path)
		}
	}

	csr, key, err := gen.GenerateRequest(ctx, pki.Request{CommonName: AdminCommonName(uid, l.Name)})
	if err != nil {
		return err
	}
	defer key.Zero()

	keyPath := l.AdminKeyPath(uid)
	plaintext := encryption.NewDecryptedFileRegistry(a.fs, a.logger, nil)
	plaintext.Register(keyPath)
	defer func() {
		err = errors.Join(err, plaintext.RemoveAll())
	}()

	if err := key.WriteToFileUnencrypted(a.fs, keyPath); err != nil {
		return err
	}
	if err := a.keyring.EncryptFor(ctx, uid, keyPath, l.AdminEncryptedKeyPath(uid)); err != nil {
		return err
	}
	if err := csr.WriteToFile(a.fs, l.AdminCSRPath(uid)); err != nil {
		return err
	}

	a.logger.Info().
		Str("cluster", l.Name).
		Str("uid", uid).
		Str("request", l.AdminCSRPath(uid)).
		Msg("created administrator signing request")
	return nil
}

// SignRequest signs recipient's pending request with the Kubernetes CA and
// writes the certificate to <recipient>.pem.
func (a *Admin) SignRequest(ctx context.Context, l Layout, recipient string) (cert pki.Certificate, err error) {
	if err := validateUID(recipient); err != nil {
		return pki.Certificate{}, err
	}
	if _, err := a.keyring.ImportPublicKeys(ctx, l.PubKeysDir()); err != nil {
		return pki.Certificate{}, err
	}

	csr, err := pki.ReadCertificateSigningRequest(a.fs, l.AdminCSRPath(recipient))
	if err != nil {
		return pki.Certificate{}, err
	}
	caCert, err := pki.ReadCertificate(a.fs, l.CertPath(ComponentK8sCA))
	if err != nil {
		return pki.Certificate{}, err
	}

	defer func() {
		err = errors.Join(err, a.dec.Close())
	}()
	keyPath := l.KeyPath(ComponentK8sCA)
	if err := a.dec.DecryptFileToFile(ctx, l.EncryptedKeyPath(ComponentK8sCA), keyPath); err != nil {
		return pki.Certificate{}, err
	}
	keyPEM, err := afero.ReadFile(a.fs, keyPath)
	if err != nil {
		return pki.Certificate{}, fmt.Errorf("failed to read %q: %w", keyPath, err)
	}
	caKey, err := pki.PrivateKeyFromPEM(keyPEM)
	if err != nil {
		encryption.Zero(keyPEM)
		return pki.Certificate{}, err
	}
	defer caKey.Zero()

	ca := pki.NewCertificateAuthority(a.engine, caCert, caKey)
	cert, err = ca.Sign(ctx, csr)
	if err != nil {
		return pki.Certificate{}, err
	}
	if err := cert.Verify(caCert); err != nil {
		return pki.Certificate{}, err
	}
	if err := cert.WriteToFile(a.fs, l.AdminCertPath(recipient)); err != nil {
		return pki.Certificate{}, err
	}

	a.logger.Info().
		Str("cluster", l.Name).
		Str("recipient", recipient).
		Str("path", l.AdminCertPath(recipient)).
		Msg("signed administrator certificate")
	return cert, nil
}
