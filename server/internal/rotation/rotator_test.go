package rotation_test

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaws-project/kaws/server/internal/encryption"
	"github.com/kaws-project/kaws/server/internal/kms"
	"github.com/kaws-project/kaws/server/internal/kms/kmstest"
	"github.com/kaws-project/kaws/server/internal/rotation"
	"github.com/kaws-project/kaws/server/internal/testutils"
)

const ledgerPath = "/clusters/test/rotation-ledger.yaml"

type fixture struct {
	fs      afero.Fs
	client  *countingClient
	enc     *encryption.Encryptor
	ledger  *rotation.FileLedger
	secrets []rotation.Secret
	values  map[string][]byte
}

// newFixture writes five secrets under key-1.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	ctx := context.Background()
	fs := afero.NewMemMapFs()
	client := &countingClient{Client: kmstest.NewClient(t, "key-1", "key-2", "key-3")}
	enc := encryption.NewEncryptor(client, fs, testutils.Logger(t), encryption.WithMasterKeyID("key-1"))
	t.Cleanup(func() { enc.Close() })

	f := &fixture{
		fs:     fs,
		client: client,
		enc:    enc,
		ledger: rotation.NewFileLedger(fs, ledgerPath),
		values: map[string][]byte{},
	}
	require.NoError(t, fs.MkdirAll("/clusters/test", 0o755))
	for _, name := range []string{"etcd-ca", "etcd-peer-ca", "k8s-ca", "k8s-master", "k8s-node"} {
		path := fmt.Sprintf("/clusters/test/%s-key-encrypted.base64", name)
		value := []byte("private key of " + name)
		require.NoError(t, enc.EncryptAndWriteFile(ctx, value, path))
		f.secrets = append(f.secrets, rotation.Secret{Name: name, Path: path})
		f.values[name] = value
	}
	client.encrypts = 0
	return f
}

func (f *fixture) plan() rotation.Plan {
	return rotation.Plan{
		FromKeyID: "key-1",
		ToKeyID:   "key-2",
		Secrets:   f.secrets,
	}
}

func (f *fixture) rotator(t *testing.T, fs afero.Fs, ledger rotation.Ledger) *rotation.Rotator {
	return rotation.NewRotator(f.enc, fs, ledger, testutils.Logger(t))
}

// keyIDs decrypts every secret, checks its value, and returns the key each
// one is under.
func (f *fixture) keyIDs(t *testing.T) []string {
	t.Helper()

	var ids []string
	for _, s := range f.secrets {
		plaintext, err := f.enc.DecryptFile(context.Background(), s.Path)
		require.NoError(t, err, s.Name)
		assert.Equal(t, f.values[s.Name], plaintext.Data, s.Name)
		ids = append(ids, plaintext.KeyID)
	}
	return ids
}

func names(secrets []rotation.Secret) []string {
	var out []string
	for _, s := range secrets {
		out = append(out, s.Name)
	}
	return out
}

func TestRotate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result, err := f.rotator(t, f.fs, f.ledger).Rotate(ctx, f.plan())
	require.NoError(t, err)
	assert.NotEmpty(t, result.ID)
	assert.Equal(t, names(f.secrets), result.Rotated)
	assert.Empty(t, result.Skipped)
	assert.Equal(t, 5, f.client.encrypts)

	assert.Equal(t, []string{"key-2", "key-2", "key-2", "key-2", "key-2"}, f.keyIDs(t))

	for _, s := range f.secrets {
		raw, err := afero.ReadFile(f.fs, s.Path)
		require.NoError(t, err)
		_, err = base64.StdEncoding.DecodeString(string(raw))
		assert.NoError(t, err)

		exists, err := afero.Exists(f.fs, s.Path+".rotating")
		require.NoError(t, err)
		assert.False(t, exists)
	}

	record, err := f.ledger.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, record, "ledger is removed after a complete rotation")
}

func TestRotateInterrupted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	failing := &renameFailFs{Fs: f.fs, path: f.secrets[2].Path}
	_, err := f.rotator(t, failing, f.ledger).Rotate(ctx, f.plan())
	require.ErrorIs(t, err, encryption.ErrIO)
	assert.ErrorContains(t, err, "disk unplugged")

	// Every secret is still decryptable, under one key or the other.
	assert.Equal(t, []string{"key-2", "key-2", "key-1", "key-1", "key-1"}, f.keyIDs(t))
	exists, err := afero.Exists(f.fs, f.secrets[2].Path+".rotating")
	require.NoError(t, err)
	assert.False(t, exists)

	record, err := f.ledger.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, names(f.secrets[2:]), record.Pending())

	f.client.encrypts = 0
	result, err := f.rotator(t, f.fs, f.ledger).Rotate(ctx, f.plan())
	require.NoError(t, err)
	assert.Equal(t, record.ID, result.ID)
	assert.Equal(t, names(f.secrets[2:]), result.Rotated)
	assert.Equal(t, names(f.secrets[:2]), result.Skipped)
	assert.Equal(t, 3, f.client.encrypts, "committed secrets are not processed again")

	assert.Equal(t, []string{"key-2", "key-2", "key-2", "key-2", "key-2"}, f.keyIDs(t))
}

func TestRotateResumeSubset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	failing := &renameFailFs{Fs: f.fs, path: f.secrets[2].Path}
	_, err := f.rotator(t, failing, f.ledger).Rotate(ctx, f.plan())
	require.ErrorIs(t, err, encryption.ErrIO)

	subset, err := rotation.Secrets(f.secrets, "k8s-ca")
	require.NoError(t, err)
	plan := f.plan()
	plan.Secrets = subset
	result, err := f.rotator(t, f.fs, f.ledger).Rotate(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, []string{"k8s-ca"}, result.Rotated)
	assert.Equal(t, []string{"k8s-master", "k8s-node"}, result.Pending)
	assert.Equal(t, names(f.secrets), result.Secrets)
	assert.False(t, result.Complete())
	assert.Equal(t, []string{"key-2", "key-2", "key-2", "key-1", "key-1"}, f.keyIDs(t))

	// The remaining secrets are still recorded.
	record, err := f.ledger.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, result.ID, record.ID)
	assert.Equal(t, []string{"k8s-master", "k8s-node"}, record.Pending())

	f.client.encrypts = 0
	result, err = f.rotator(t, f.fs, f.ledger).Rotate(ctx, f.plan())
	require.NoError(t, err)
	assert.True(t, result.Complete())
	assert.Equal(t, []string{"k8s-master", "k8s-node"}, result.Rotated)
	assert.Equal(t, 2, f.client.encrypts)
	assert.Equal(t, []string{"key-2", "key-2", "key-2", "key-2", "key-2"}, f.keyIDs(t))

	record, err = f.ledger.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestRotateInterruptedBeforeCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// The first save starts the rotation, the second commits the first
	// secret after its artifact was replaced.
	ledger := &failingLedger{Ledger: f.ledger, failAt: 2}
	_, err := f.rotator(t, f.fs, ledger).Rotate(ctx, f.plan())
	require.Error(t, err)
	assert.Equal(t, []string{"key-2", "key-1", "key-1", "key-1", "key-1"}, f.keyIDs(t))

	f.client.encrypts = 0
	result, err := f.rotator(t, f.fs, f.ledger).Rotate(ctx, f.plan())
	require.NoError(t, err)
	assert.Equal(t, names(f.secrets[:1]), result.Skipped)
	assert.Equal(t, names(f.secrets[1:]), result.Rotated)
	assert.Equal(t, 4, f.client.encrypts)
	assert.Equal(t, []string{"key-2", "key-2", "key-2", "key-2", "key-2"}, f.keyIDs(t))
}

func TestRotateKeepPrevious(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	originals := map[string][]byte{}
	for _, s := range f.secrets {
		raw, err := afero.ReadFile(f.fs, s.Path)
		require.NoError(t, err)
		originals[s.Path] = raw
	}

	plan := f.plan()
	plan.KeepPrevious = true
	_, err := f.rotator(t, f.fs, f.ledger).Rotate(ctx, plan)
	require.NoError(t, err)

	for _, s := range f.secrets {
		previous, err := afero.ReadFile(f.fs, s.Path+".previous")
		require.NoError(t, err)
		assert.Equal(t, originals[s.Path], previous)

		plaintext, err := f.enc.Decrypt(ctx, previous)
		require.NoError(t, err)
		assert.Equal(t, "key-1", plaintext.KeyID)
	}
}

func TestRotateUnexpectedKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	stray, err := f.enc.EncryptWithKey(ctx, "key-3", []byte("stray"))
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(f.fs, f.secrets[0].Path, stray, 0o644))
	f.client.encrypts = 0

	_, err = f.rotator(t, f.fs, f.ledger).Rotate(ctx, f.plan())
	assert.ErrorIs(t, err, rotation.ErrUnexpectedKey)
	assert.Equal(t, 0, f.client.encrypts)

	// Without a source key any key is accepted.
	require.NoError(t, f.rotator(t, f.fs, f.ledger).Reset(ctx))
	plan := f.plan()
	plan.FromKeyID = ""
	_, err = f.rotator(t, f.fs, f.ledger).Rotate(ctx, plan)
	assert.NoError(t, err)
}

func TestRotateLegacyArtifact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ciphertext, err := f.client.Encrypt(ctx, "key-1", f.values["etcd-ca"])
	require.NoError(t, err)
	legacy := base64.StdEncoding.EncodeToString(ciphertext)
	require.NoError(t, afero.WriteFile(f.fs, f.secrets[0].Path, []byte(legacy), 0o644))

	result, err := f.rotator(t, f.fs, f.ledger).Rotate(ctx, f.plan())
	require.NoError(t, err)
	assert.Contains(t, result.Rotated, "etcd-ca")

	raw, err := afero.ReadFile(f.fs, f.secrets[0].Path)
	require.NoError(t, err)
	artifact, err := encryption.DecodeArtifact(raw)
	require.NoError(t, err)
	assert.Equal(t, encryption.SchemeKMSEnvelope, artifact.Scheme)
	assert.Equal(t, "key-2", artifact.KeyID)
}

func TestRotateVerificationFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.client.corrupt = true

	_, err := f.rotator(t, f.fs, f.ledger).Rotate(ctx, f.plan())
	assert.ErrorIs(t, err, rotation.ErrVerificationFailed)

	f.client.corrupt = false
	assert.Equal(t, []string{"key-1", "key-1", "key-1", "key-1", "key-1"}, f.keyIDs(t))
	exists, err := afero.Exists(f.fs, f.secrets[0].Path+".rotating")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRotateLedgerMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.ledger.Save(ctx, &rotation.Record{
		ID:        "earlier",
		FromKeyID: "key-3",
		ToKeyID:   "key-1",
	}))

	rotator := f.rotator(t, f.fs, f.ledger)
	_, err := rotator.Rotate(ctx, f.plan())
	assert.ErrorIs(t, err, rotation.ErrLedgerMismatch)

	status, err := rotator.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "earlier", status.ID)

	require.NoError(t, rotator.Reset(ctx))
	_, err = rotator.Rotate(ctx, f.plan())
	assert.NoError(t, err)
}

func TestRotateInvalidPlan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rotator := f.rotator(t, f.fs, f.ledger)

	for _, plan := range []rotation.Plan{
		{FromKeyID: "key-1", Secrets: f.secrets},
		{FromKeyID: "key-1", ToKeyID: "key-1", Secrets: f.secrets},
		{FromKeyID: "key-1", ToKeyID: "key-2"},
		{ToKeyID: "key-2", Secrets: []rotation.Secret{f.secrets[0], f.secrets[0]}},
	} {
		_, err := rotator.Rotate(ctx, plan)
		assert.Error(t, err)
	}
}

func TestSecrets(t *testing.T) {
	all := []rotation.Secret{{Name: "a"}, {Name: "b"}, {Name: "c"}}

	selected, err := rotation.Secrets(all, "c", "a")
	require.NoError(t, err)
	assert.Equal(t, []rotation.Secret{{Name: "a"}, {Name: "c"}}, selected)

	selected, err = rotation.Secrets(all)
	require.NoError(t, err)
	assert.Equal(t, all, selected)

	_, err = rotation.Secrets(all, "d")
	assert.Error(t, err)
}

// countingClient counts encryptions. With corrupt set, it encrypts a
// modified copy of the plaintext.
type countingClient struct {
	kms.Client
	encrypts int
	corrupt  bool
}

func (c *countingClient) Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	c.encrypts++
	if c.corrupt {
		plaintext = append([]byte("x"), plaintext...)
	}
	return c.Client.Encrypt(ctx, keyID, plaintext)
}

type renameFailFs struct {
	afero.Fs
	path string
}

func (f *renameFailFs) Rename(oldname, newname string) error {
	if newname == f.path {
		return errors.New("disk unplugged")
	}
	return f.Fs.Rename(oldname, newname)
}

type failingLedger struct {
	rotation.Ledger
	saves  int
	failAt int
}

func (l *failingLedger) Save(ctx context.Context, record *rotation.Record) error {
	l.saves++
	if l.saves == l.failAt {
		return errors.New("ledger unavailable")
	}
	return l.Ledger.Save(ctx, record)
}
