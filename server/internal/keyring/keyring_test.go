package keyring_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kaws-project/kaws/server/internal/exec"
	"github.com/kaws-project/kaws/server/internal/keyring"
	"github.com/kaws-project/kaws/server/internal/testutils"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeGPG writes a gpg stand-in that appends each invocation's arguments to
// args.log before running body.
func fakeGPG(t *testing.T, body string) (bin string, argsLog string) {
	t.Helper()

	dir := t.TempDir()
	bin = filepath.Join(dir, "fake-gpg")
	argsLog = filepath.Join(dir, "args.log")
	script := "#!/bin/sh\necho \"$@\" >> '" + argsLog + "'\n" + body
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	return bin, argsLog
}

func invocations(t *testing.T, argsLog string) []string {
	t.Helper()

	raw, err := os.ReadFile(argsLog)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(raw)), "\n")
}

func newKeyring(t *testing.T, bin string, opts ...keyring.Option) *keyring.Keyring {
	t.Helper()

	opts = append([]keyring.Option{keyring.WithBinary(bin)}, opts...)
	return keyring.New(exec.RunCmd, afero.NewOsFs(), testutils.Logger(t), opts...)
}

func TestScopedDecryption(t *testing.T) {
	ctx := context.Background()

	t.Run("acquire and release", func(t *testing.T) {
		// --batch --yes --output <out> --decrypt <in>
		bin, argsLog := fakeGPG(t, "cp \"$6\" \"$4\"\n")
		dir := t.TempDir()
		encrypted := filepath.Join(dir, "admin-key.pem.asc")
		unencrypted := filepath.Join(dir, "admin-key.pem")
		require.NoError(t, os.WriteFile(encrypted, []byte("private key"), 0o644))

		scoped, err := newKeyring(t, bin).Acquire(ctx, encrypted, unencrypted)
		require.NoError(t, err)
		assert.FileExists(t, unencrypted)
		assert.Equal(t, []string{
			"--batch --yes --output " + unencrypted + " --decrypt " + encrypted,
		}, invocations(t, argsLog))

		scoped.Release()
		assert.NoFileExists(t, unencrypted)
		assert.FileExists(t, encrypted)

		// Releasing twice is harmless.
		scoped.Release()
	})

	t.Run("release ignores a file that is already gone", func(t *testing.T) {
		bin, _ := fakeGPG(t, "cp \"$6\" \"$4\"\n")
		dir := t.TempDir()
		encrypted := filepath.Join(dir, "in.asc")
		unencrypted := filepath.Join(dir, "out")
		require.NoError(t, os.WriteFile(encrypted, []byte("data"), 0o644))

		var fatal []string
		k := newKeyring(t, bin, keyring.WithFatalHandler(func(_ error, path string) {
			fatal = append(fatal, path)
		}))
		scoped, err := k.Acquire(ctx, encrypted, unencrypted)
		require.NoError(t, err)
		require.NoError(t, os.Remove(unencrypted))

		scoped.Release()
		assert.Empty(t, fatal)
	})

	t.Run("failed decryption removes partial output", func(t *testing.T) {
		bin, _ := fakeGPG(t, "echo partial > \"$4\"\necho 'gpg: decryption failed: No secret key' >&2\nexit 2\n")
		dir := t.TempDir()
		unencrypted := filepath.Join(dir, "out")

		_, err := newKeyring(t, bin).Acquire(ctx, filepath.Join(dir, "in.asc"), unencrypted)

		var toolErr *exec.ToolExecutionError
		require.ErrorAs(t, err, &toolErr)
		assert.Contains(t, string(toolErr.Stderr), "No secret key")
		assert.NoFileExists(t, unencrypted)
	})

	t.Run("failed removal is fatal", func(t *testing.T) {
		bin, _ := fakeGPG(t, "cp \"$6\" \"$4\"\n")
		dir := t.TempDir()
		encrypted := filepath.Join(dir, "in.asc")
		require.NoError(t, os.WriteFile(encrypted, []byte("data"), 0o644))

		var fatal []string
		k := keyring.New(exec.RunCmd, &stuckFs{Fs: afero.NewOsFs()}, testutils.Logger(t),
			keyring.WithBinary(bin),
			keyring.WithFatalHandler(func(err error, path string) {
				assert.ErrorIs(t, err, keyring.ErrIO)
				fatal = append(fatal, path)
			}),
		)
		scoped, err := k.Acquire(ctx, encrypted, filepath.Join(dir, "out"))
		require.NoError(t, err)

		scoped.Release()
		assert.Equal(t, []string{filepath.Join(dir, "out")}, fatal)
	})
}

func TestKeyring(t *testing.T) {
	ctx := context.Background()

	t.Run("decrypt armored through stdin", func(t *testing.T) {
		bin, argsLog := fakeGPG(t, "tr 'a-z' 'A-Z'\n")

		out, err := newKeyring(t, bin).DecryptArmored(ctx, []byte("secret"))
		require.NoError(t, err)
		assert.Equal(t, "SECRET", string(out))
		assert.Equal(t, []string{"--batch --yes --decrypt"}, invocations(t, argsLog))
	})

	t.Run("encrypt for a recipient", func(t *testing.T) {
		bin, argsLog := fakeGPG(t, "")

		err := newKeyring(t, bin).EncryptFor(ctx, "alice", "alice-key.pem", "alice-key.pem.asc")
		require.NoError(t, err)
		assert.Equal(t, []string{
			"--batch --yes --encrypt --sign --local-user alice --recipient alice --output alice-key.pem.asc --armor alice-key.pem",
		}, invocations(t, argsLog))
	})

	t.Run("export public key", func(t *testing.T) {
		bin, argsLog := fakeGPG(t, "")
		dir := filepath.Join(t.TempDir(), "pubkeys")

		path, err := newKeyring(t, bin).ExportPublicKey(ctx, "alice", dir)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "alice.asc"), path)
		assert.DirExists(t, dir)
		assert.Equal(t, []string{
			"--batch --yes --output " + path + " --armor --export alice",
		}, invocations(t, argsLog))
	})

	t.Run("import public keys in name order", func(t *testing.T) {
		bin, argsLog := fakeGPG(t, "")
		dir := t.TempDir()
		for _, name := range []string{"carol.asc", "alice.asc", ".hidden", "bob.asc"} {
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("key"), 0o644))
		}
		require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o755))

		imported, err := newKeyring(t, bin).ImportPublicKeys(ctx, dir)
		require.NoError(t, err)
		assert.Equal(t, []string{
			filepath.Join(dir, "alice.asc"),
			filepath.Join(dir, "bob.asc"),
			filepath.Join(dir, "carol.asc"),
		}, imported)
		assert.Len(t, invocations(t, argsLog), 3)
	})

	t.Run("missing public key directory", func(t *testing.T) {
		imported, err := newKeyring(t, "gpg-is-never-run").ImportPublicKeys(ctx, filepath.Join(t.TempDir(), "missing"))
		require.NoError(t, err)
		assert.Empty(t, imported)
	})
}

// stuckFs refuses every removal.
type stuckFs struct {
	afero.Fs
}

func (s *stuckFs) Remove(string) error {
	return os.ErrPermission
}
