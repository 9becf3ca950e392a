package pki

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"
)

// ErrParse indicates that a tool produced output that could not be decoded
// into the expected PKI material.
var ErrParse = errors.New("failed to parse pki material")

const (
	pemTypeCertificate = "CERTIFICATE"
	pemTypeCSR         = "CERTIFICATE REQUEST"
)

// KeyEncryptor persists private key bytes in encrypted form.
type KeyEncryptor interface {
	EncryptAndWriteFile(ctx context.Context, plaintext []byte, destination string) error
}

// Certificate is a PEM-encoded X.509 certificate.
type Certificate struct {
	bytes []byte
}

func CertificateFromPEM(data []byte) (Certificate, error) {
	if _, err := parseCertificate(data); err != nil {
		return Certificate{}, err
	}
	return Certificate{bytes: data}, nil
}

func ReadCertificate(fs afero.Fs, path string) (Certificate, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return Certificate{}, fmt.Errorf("failed to read certificate %q: %w", path, err)
	}
	return CertificateFromPEM(data)
}

func (c Certificate) Bytes() []byte {
	return c.bytes
}

func (c Certificate) WriteToFile(fs afero.Fs, path string) error {
	if err := afero.WriteFile(fs, path, c.bytes, 0o644); err != nil {
		return fmt.Errorf("failed to write certificate %q: %w", path, err)
	}
	return nil
}

func (c Certificate) X509() (*x509.Certificate, error) {
	return parseCertificate(c.bytes)
}

// NotAfter returns the end of the certificate's validity period.
func (c Certificate) NotAfter() time.Time {
	cert, err := c.X509()
	if err != nil {
		return time.Time{}
	}
	return cert.NotAfter
}

// Verify checks that c chains to ca.
func (c Certificate) Verify(ca Certificate) error {
	cert, err := c.X509()
	if err != nil {
		return err
	}
	root, err := ca.X509()
	if err != nil {
		return err
	}

	pool := x509.NewCertPool()
	pool.AddCert(root)

	_, err = cert.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("failed to verify certificate: %w", err)
	}

	return nil
}

// CertificateSigningRequest is a PEM-encoded PKCS #10 request.
type CertificateSigningRequest struct {
	bytes []byte
}

func CertificateSigningRequestFromPEM(data []byte) (CertificateSigningRequest, error) {
	if _, err := parseCSR(data); err != nil {
		return CertificateSigningRequest{}, err
	}
	return CertificateSigningRequest{bytes: data}, nil
}

func ReadCertificateSigningRequest(fs afero.Fs, path string) (CertificateSigningRequest, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return CertificateSigningRequest{}, fmt.Errorf("failed to read certificate signing request %q: %w", path, err)
	}
	return CertificateSigningRequestFromPEM(data)
}

func (r CertificateSigningRequest) Bytes() []byte {
	return r.bytes
}

func (r CertificateSigningRequest) WriteToFile(fs afero.Fs, path string) error {
	if err := afero.WriteFile(fs, path, r.bytes, 0o644); err != nil {
		return fmt.Errorf("failed to write certificate signing request %q: %w", path, err)
	}
	return nil
}

func (r CertificateSigningRequest) X509() (*x509.CertificateRequest, error) {
	return parseCSR(r.bytes)
}

// PrivateKey holds PEM-encoded private key bytes. The bytes are only ever
// written to disk through a KeyEncryptor, except by WriteToFileUnencrypted.
type PrivateKey struct {
	bytes []byte
}

func PrivateKeyFromPEM(data []byte) (PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return PrivateKey{}, fmt.Errorf("%w: no PEM block found in private key", ErrParse)
	}
	switch block.Type {
	case "RSA PRIVATE KEY", "PRIVATE KEY", "EC PRIVATE KEY":
	default:
		return PrivateKey{}, fmt.Errorf("%w: unexpected PEM type %q for private key", ErrParse, block.Type)
	}
	return PrivateKey{bytes: data}, nil
}

func (k PrivateKey) Bytes() []byte {
	return k.bytes
}

// WriteToFile encrypts the key and writes the resulting artifact to path.
func (k PrivateKey) WriteToFile(ctx context.Context, encryptor KeyEncryptor, path string) error {
	return encryptor.EncryptAndWriteFile(ctx, k.bytes, path)
}

// WriteToFileUnencrypted writes the plaintext key with owner-only permissions.
// It exists for the administrator request flow, where the key is immediately
// re-encrypted for a keyring recipient and then removed.
func (k PrivateKey) WriteToFileUnencrypted(fs afero.Fs, path string) error {
	if err := afero.WriteFile(fs, path, k.bytes, 0o600); err != nil {
		return fmt.Errorf("failed to write private key %q: %w", path, err)
	}
	return nil
}

// Matches reports whether k is the private half of cert's public key.
func (k PrivateKey) Matches(cert Certificate) (bool, error) {
	signer, err := parsePrivateKey(k)
	if err != nil {
		return false, err
	}
	x, err := cert.X509()
	if err != nil {
		return false, err
	}
	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	return ok && pub.Equal(x.PublicKey), nil
}

// Zero overwrites the key bytes in memory.
func (k PrivateKey) Zero() {
	for i := range k.bytes {
		k.bytes[i] = 0
	}
}

func parseCertificate(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemTypeCertificate {
		return nil, fmt.Errorf("%w: no certificate PEM block found", ErrParse)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	return cert, nil
}

func parseCSR(data []byte) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemTypeCSR {
		return nil, fmt.Errorf("%w: no certificate request PEM block found", ErrParse)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	return csr, nil
}

func writePrivateFile(fs afero.Fs, path string, data []byte) error {
	f, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
