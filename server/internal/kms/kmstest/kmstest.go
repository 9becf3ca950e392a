package kmstest

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/kaws-project/kaws/server/internal/kms"
)

// KeyURL returns a local keeper URL with a random 256-bit key.
func KeyURL(t testing.TB) string {
	t.Helper()

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	return "base64key://" + base64.URLEncoding.EncodeToString(key)
}

// NewClient returns a key management client backed by local keepers, one per
// key id.
func NewClient(t testing.TB, keyIDs ...string) *kms.KeeperClient {
	t.Helper()

	urls := make(map[string]string, len(keyIDs))
	for _, id := range keyIDs {
		urls[id] = KeyURL(t)
	}
	client := kms.NewKeeperClient(urls)
	t.Cleanup(func() {
		if err := client.Close(); err != nil {
			t.Errorf("failed to close keeper client: %v", err)
		}
	})
	return client
}
