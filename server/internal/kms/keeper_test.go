package kms_test

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaws-project/kaws/server/internal/kms"
	"github.com/kaws-project/kaws/server/internal/kms/kmstest"
)

func TestKeeperClient(t *testing.T) {
	ctx := context.Background()
	client := kmstest.NewClient(t, "test-key-1", "test-key-2")

	t.Run("round trip reports key id", func(t *testing.T) {
		plaintext := make([]byte, 32)
		_, err := rand.Read(plaintext)
		require.NoError(t, err)

		ciphertext, err := client.Encrypt(ctx, "test-key-1", plaintext)
		require.NoError(t, err)
		assert.NotContains(t, string(ciphertext), string(plaintext))

		decrypted, keyID, err := client.Decrypt(ctx, ciphertext)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
		assert.Equal(t, "test-key-1", keyID)
	})

	t.Run("keys are independent", func(t *testing.T) {
		ciphertext, err := client.Encrypt(ctx, "test-key-2", []byte("secret"))
		require.NoError(t, err)

		// Swap the framing so the keeper for the other key is used.
		tampered := append([]byte{0, 10}, []byte("test-key-1")...)
		tampered = append(tampered, ciphertext[2+len("test-key-2"):]...)

		_, _, err = client.Decrypt(ctx, tampered)
		assert.ErrorIs(t, err, kms.ErrRemoteService)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := client.Encrypt(ctx, "missing", []byte("secret"))
		assert.ErrorIs(t, err, kms.ErrUnknownKey)
	})

	t.Run("malformed ciphertext", func(t *testing.T) {
		_, _, err := client.Decrypt(ctx, []byte{0})
		assert.ErrorIs(t, err, kms.ErrRemoteService)

		_, _, err = client.Decrypt(ctx, []byte{0, 200, 'a'})
		assert.ErrorIs(t, err, kms.ErrRemoteService)
	})

	t.Run("invalid keeper url", func(t *testing.T) {
		bad := kms.NewKeeperClient(map[string]string{"bad": "invalid://uri"})
		defer bad.Close()

		_, err := bad.Encrypt(ctx, "bad", []byte("secret"))
		assert.ErrorIs(t, err, kms.ErrRemoteService)
	})

	t.Run("key ids are sorted", func(t *testing.T) {
		assert.Equal(t, []string{"test-key-1", "test-key-2"}, client.KeyIDs())
	})
}
