package cluster_test

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaws-project/kaws/server/internal/cluster"
	"github.com/kaws-project/kaws/server/internal/pki"
	"github.com/kaws-project/kaws/server/internal/testutils"
)

// fakeKeyring "encrypts" by copying the file with a marker prefix.
type fakeKeyring struct {
	fs        afero.Fs
	imports   []string
	encrypted map[string]string
}

func newFakeKeyring(fs afero.Fs) *fakeKeyring {
	return &fakeKeyring{fs: fs, encrypted: map[string]string{}}
}

func (k *fakeKeyring) ImportPublicKeys(_ context.Context, dir string) ([]string, error) {
	k.imports = append(k.imports, dir)
	return nil, nil
}

func (k *fakeKeyring) EncryptFor(_ context.Context, uid, in, out string) error {
	data, err := afero.ReadFile(k.fs, in)
	if err != nil {
		return err
	}
	k.encrypted[out] = uid
	return afero.WriteFile(k.fs, out, append([]byte("armored:"), data...), 0o644)
}

func TestAdminFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t).withPKI(t)
	l := f.layout
	kr := newFakeKeyring(f.fs)
	admin := cluster.NewAdmin(f.engine, kr, f.enc, f.fs, testutils.Logger(t))

	require.NoError(t, admin.CreateRequest(ctx, l, "alice"))

	assert.Equal(t, []string{l.PubKeysDir()}, kr.imports)
	assert.Equal(t, "alice", kr.encrypted[l.AdminEncryptedKeyPath("alice")])
	assert.False(t, exists(t, f.fs, l.AdminKeyPath("alice")), "plaintext key must be removed")

	csr, err := pki.ReadCertificateSigningRequest(f.fs, l.AdminCSRPath("alice"))
	require.NoError(t, err)
	csrX509, err := csr.X509()
	require.NoError(t, err)
	assert.Equal(t, "alice-test", csrX509.Subject.CommonName)

	err = admin.CreateRequest(ctx, l, "alice")
	assert.ErrorIs(t, err, cluster.ErrRequestExists)

	cert, err := admin.SignRequest(ctx, l, "alice")
	require.NoError(t, err)
	certX509, err := cert.X509()
	require.NoError(t, err)
	assert.Equal(t, "alice-test", certX509.Subject.CommonName)

	ca, err := pki.ReadCertificate(f.fs, l.CertPath(cluster.ComponentK8sCA))
	require.NoError(t, err)
	written, err := pki.ReadCertificate(f.fs, l.AdminCertPath("alice"))
	require.NoError(t, err)
	assert.NoError(t, written.Verify(ca))

	assert.False(t, exists(t, f.fs, l.KeyPath(cluster.ComponentK8sCA)), "decrypted CA key must be removed")
	assert.Empty(t, f.enc.DecryptedFiles())
}

func TestAdminSignMissingRequest(t *testing.T) {
	f := newFixture(t).withPKI(t)
	admin := cluster.NewAdmin(f.engine, newFakeKeyring(f.fs), f.enc, f.fs, testutils.Logger(t))

	_, err := admin.SignRequest(context.Background(), f.layout, "bob")
	assert.Error(t, err)
	assert.False(t, exists(t, f.fs, f.layout.KeyPath(cluster.ComponentK8sCA)))
	assert.False(t, exists(t, f.fs, f.layout.AdminCertPath("bob")))
}

func TestAdminInvalidUID(t *testing.T) {
	f := newFixture(t)
	admin := cluster.NewAdmin(f.engine, newFakeKeyring(f.fs), f.enc, f.fs, testutils.Logger(t))

	for _, uid := range []string{"", "../alice", ".hidden"} {
		assert.Error(t, admin.CreateRequest(context.Background(), f.layout, uid), uid)
	}
}
