package filesystem_test

import (
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaws-project/kaws/server/internal/filesystem"
)

func TestWriteFileAtomic(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/clusters/test", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/clusters/test/ledger.yaml", []byte("old"), 0o644))

	err := filesystem.WriteFileAtomic(fs, "/clusters/test/ledger.yaml", []byte("new"), 0o600)
	require.NoError(t, err)

	data, err := afero.ReadFile(fs, "/clusters/test/ledger.yaml")
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	info, err := fs.Stat("/clusters/test/ledger.yaml")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := afero.ReadDir(fs, "/clusters/test")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file must not be left behind")
}

func TestWriteFileAtomicMissingDir(t *testing.T) {
	fs := afero.NewMemMapFs()

	err := filesystem.WriteFileAtomic(afero.NewReadOnlyFs(fs), "/missing/file", []byte("x"), 0o644)
	assert.Error(t, err)
}

func TestCopyFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/a", []byte("contents"), 0o640))

	require.NoError(t, filesystem.CopyFile(fs, "/a", "/b"))

	data, err := afero.ReadFile(fs, "/b")
	require.NoError(t, err)
	assert.Equal(t, "contents", string(data))
}

func TestTree(t *testing.T) {
	fs := afero.NewMemMapFs()
	tree := &filesystem.Directory{
		Children: []filesystem.TreeNode{
			&filesystem.Directory{
				Path: "clusters/test",
				Children: []filesystem.TreeNode{
					&filesystem.File{Path: ".gitignore", Contents: []byte("*-key.pem\n")},
				},
			},
			&filesystem.Directory{Path: "pubkeys", Mode: 0o700},
		},
	}
	require.NoError(t, tree.Create(fs, "/root"))

	data, err := afero.ReadFile(fs, "/root/clusters/test/.gitignore")
	require.NoError(t, err)
	assert.Equal(t, "*-key.pem\n", string(data))
	isDir, err := afero.DirExists(fs, "/root/pubkeys")
	require.NoError(t, err)
	assert.True(t, isDir)

	// Existing files are left alone.
	require.NoError(t, afero.WriteFile(fs, "/root/clusters/test/.gitignore", []byte("custom"), 0o644))
	require.NoError(t, tree.Create(fs, "/root"))
	data, err = afero.ReadFile(fs, "/root/clusters/test/.gitignore")
	require.NoError(t, err)
	assert.Equal(t, "custom", string(data))
}
