package pki

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/afero"
)

// CertificateAuthority owns a CA certificate and its private key. The two are
// generated, persisted and loaded together.
type CertificateAuthority struct {
	engine Engine
	cert   Certificate
	key    PrivateKey
}

// GenerateCertificateAuthority creates a self-signed CA with an RSA 2048 key.
func GenerateCertificateAuthority(ctx context.Context, engine Engine, commonName string) (*CertificateAuthority, error) {
	cert, key, err := engine.GenerateCA(ctx, Request{CommonName: commonName})
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate authority %q: %w", commonName, err)
	}
	return &CertificateAuthority{
		engine: engine,
		cert:   cert,
		key:    key,
	}, nil
}

// NewCertificateAuthority wraps existing material, e.g. a CA whose key was
// just decrypted from disk.
func NewCertificateAuthority(engine Engine, cert Certificate, key PrivateKey) *CertificateAuthority {
	return &CertificateAuthority{
		engine: engine,
		cert:   cert,
		key:    key,
	}
}

func (ca *CertificateAuthority) Certificate() Certificate {
	return ca.cert
}

func (ca *CertificateAuthority) PrivateKey() PrivateKey {
	return ca.key
}

func (ca *CertificateAuthority) issuer() Issuer {
	return Issuer{Certificate: ca.cert, Key: ca.key}
}

// GenerateCert issues a new key pair signed by this CA. sans and
// organizations may be empty.
func (ca *CertificateAuthority) GenerateCert(
	ctx context.Context,
	commonName string,
	sans []string,
	organizations []string,
) (Certificate, PrivateKey, error) {
	cert, key, err := ca.engine.GenerateCert(ctx, ca.issuer(), Request{
		CommonName:    commonName,
		Hosts:         sans,
		Organizations: organizations,
	})
	if err != nil {
		return Certificate{}, PrivateKey{}, fmt.Errorf("failed to generate certificate %q: %w", commonName, err)
	}
	return cert, key, nil
}

func (ca *CertificateAuthority) Sign(ctx context.Context, csr CertificateSigningRequest) (Certificate, error) {
	cert, err := ca.engine.Sign(ctx, ca.issuer(), csr)
	if err != nil {
		return Certificate{}, fmt.Errorf("failed to sign certificate signing request: %w", err)
	}
	return cert, nil
}

// WriteToFiles encrypts the key to keyPath and then writes the certificate to
// certPath. If the certificate can't be written, the key artifact is removed
// again so that a partial pair is never left behind.
func (ca *CertificateAuthority) WriteToFiles(
	ctx context.Context,
	fs afero.Fs,
	encryptor KeyEncryptor,
	certPath string,
	keyPath string,
) error {
	if err := ca.key.WriteToFile(ctx, encryptor, keyPath); err != nil {
		return fmt.Errorf("failed to write certificate authority key: %w", err)
	}
	if err := ca.cert.WriteToFile(fs, certPath); err != nil {
		if rmErr := fs.Remove(keyPath); rmErr != nil && !errors.Is(rmErr, afero.ErrFileNotFound) {
			err = errors.Join(err, fmt.Errorf("failed to remove key artifact %q: %w", keyPath, rmErr))
		}
		return fmt.Errorf("failed to write certificate authority certificate: %w", err)
	}
	return nil
}
