package cluster

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/afero"

	"github.com/kaws-project/kaws/server/internal/encryption"
	"github.com/kaws-project/kaws/server/internal/pki"
)

// ErrKeyMismatch is returned when a decrypted key does not belong to its
// certificate.
var ErrKeyMismatch = errors.New("private key does not match certificate")

// KeyDecrypter decrypts key artifacts.
type KeyDecrypter interface {
	DecryptFile(ctx context.Context, path string) (*encryption.Plaintext, error)
}

// Issuer returns the component whose CA issued c. CAs are self-signed.
func Issuer(c Component) Component {
	switch c {
	case ComponentK8sMaster, ComponentK8sNode:
		return ComponentK8sCA
	default:
		return c
	}
}

// ComponentStatus is the outcome of verifying one component.
type ComponentStatus struct {
	Component Component
	KeyID     string
	Err       error
}

// VerifyPKI checks that each certificate chains to its issuer and that each
// encrypted key decrypts to the certificate's private key. Every component
// is checked; failures are reported per component and joined in the error.
func VerifyPKI(ctx context.Context, fs afero.Fs, l Layout, dec KeyDecrypter) ([]ComponentStatus, error) {
	var (
		statuses []ComponentStatus
		errs     []error
	)
	for _, c := range Components() {
		keyID, err := verifyComponent(ctx, fs, l, dec, c)
		if err != nil {
			err = fmt.Errorf("%s: %w", c, err)
			errs = append(errs, err)
		}
		statuses = append(statuses, ComponentStatus{Component: c, KeyID: keyID, Err: err})
	}
	return statuses, errors.Join(errs...)
}

func verifyComponent(ctx context.Context, fs afero.Fs, l Layout, dec KeyDecrypter, c Component) (string, error) {
	cert, err := pki.ReadCertificate(fs, l.CertPath(c))
	if err != nil {
		return "", err
	}
	issuer, err := pki.ReadCertificate(fs, l.CertPath(Issuer(c)))
	if err != nil {
		return "", err
	}
	if err := cert.Verify(issuer); err != nil {
		return "", err
	}

	plaintext, err := dec.DecryptFile(ctx, l.EncryptedKeyPath(c))
	if err != nil {
		return "", err
	}
	defer plaintext.Zero()

	key, err := pki.PrivateKeyFromPEM(plaintext.Data)
	if err != nil {
		return plaintext.KeyID, err
	}
	ok, err := key.Matches(cert)
	if err != nil {
		return plaintext.KeyID, err
	}
	if !ok {
		return plaintext.KeyID, ErrKeyMismatch
	}
	return plaintext.KeyID, nil
}
