package cluster_test

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/kaws-project/kaws/server/internal/cluster"
	"github.com/kaws-project/kaws/server/internal/encryption"
	"github.com/kaws-project/kaws/server/internal/kms/kmstest"
	"github.com/kaws-project/kaws/server/internal/pki"
	"github.com/kaws-project/kaws/server/internal/testutils"
)

type fixture struct {
	fs     afero.Fs
	layout cluster.Layout
	enc    *encryption.Encryptor
	engine pki.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	fs := afero.NewMemMapFs()
	client := kmstest.NewClient(t, "test-key-1")
	enc := encryption.NewEncryptor(client, fs, testutils.Logger(t), encryption.WithMasterKeyID("test-key-1"))
	t.Cleanup(func() { enc.Close() })

	layout, err := cluster.NewLayout("/repo", "test")
	require.NoError(t, err)

	return &fixture{
		fs:     fs,
		layout: layout,
		enc:    enc,
		engine: pki.NewNativeEngine(),
	}
}

// withPKI generates the cluster's PKI.
func (f *fixture) withPKI(t *testing.T) *fixture {
	t.Helper()

	gen := cluster.NewGenerator(f.engine, f.enc, f.fs, testutils.Logger(t))
	require.NoError(t, gen.GeneratePKI(context.Background(), f.layout, "example.com"))
	return f
}

func exists(t *testing.T, fs afero.Fs, path string) bool {
	t.Helper()

	ok, err := afero.Exists(fs, path)
	require.NoError(t, err)
	return ok
}
