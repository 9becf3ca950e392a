package kms

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"gocloud.dev/secrets"

	// Keeper drivers selectable by URL scheme.
	_ "gocloud.dev/secrets/awskms"
	_ "gocloud.dev/secrets/azurekeyvault"
	_ "gocloud.dev/secrets/gcpkms"
	_ "gocloud.dev/secrets/hashivault"
	_ "gocloud.dev/secrets/localsecrets"
)

var _ Client = (*KeeperClient)(nil)

// KeeperClient maps master key ids to gocloud.dev secrets keeper URLs, e.g.
// awskms://, gcpkms://, hashivault:// or base64key://. Keeper ciphertext does
// not identify its key, so Encrypt frames it with the key id:
//
//	key id length (uint16, big endian) | key id | keeper ciphertext
type KeeperClient struct {
	urls    map[string]string
	mu      sync.Mutex
	keepers map[string]*secrets.Keeper
}

func NewKeeperClient(urls map[string]string) *KeeperClient {
	return &KeeperClient{
		urls:    urls,
		keepers: map[string]*secrets.Keeper{},
	}
}

// KeyIDs returns the configured key ids in sorted order.
func (c *KeeperClient) KeyIDs() []string {
	ids := make([]string, 0, len(c.urls))
	for id := range c.urls {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *KeeperClient) Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	if len(keyID) > 0xffff {
		return nil, fmt.Errorf("key id is too long: %d bytes", len(keyID))
	}
	keeper, err := c.keeper(ctx, keyID)
	if err != nil {
		return nil, err
	}
	ciphertext, err := keeper.Encrypt(ctx, plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypt with key %q: %w", ErrRemoteService, keyID, err)
	}

	framed := make([]byte, 0, 2+len(keyID)+len(ciphertext))
	framed = binary.BigEndian.AppendUint16(framed, uint16(len(keyID)))
	framed = append(framed, keyID...)
	framed = append(framed, ciphertext...)
	return framed, nil
}

func (c *KeeperClient) Decrypt(ctx context.Context, framed []byte) ([]byte, string, error) {
	if len(framed) < 2 {
		return nil, "", fmt.Errorf("%w: ciphertext is too short", ErrRemoteService)
	}
	n := int(binary.BigEndian.Uint16(framed))
	if len(framed) < 2+n {
		return nil, "", fmt.Errorf("%w: ciphertext is truncated", ErrRemoteService)
	}
	keyID := string(framed[2 : 2+n])

	keeper, err := c.keeper(ctx, keyID)
	if err != nil {
		return nil, "", err
	}
	plaintext, err := keeper.Decrypt(ctx, framed[2+n:])
	if err != nil {
		return nil, "", fmt.Errorf("%w: decrypt with key %q: %w", ErrRemoteService, keyID, err)
	}
	return plaintext, keyID, nil
}

// Close releases every keeper that has been opened.
func (c *KeeperClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for id, keeper := range c.keepers {
		if err := keeper.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close keeper for key %q: %w", id, err))
		}
		delete(c.keepers, id)
	}
	return errors.Join(errs...)
}

// Shutdown closes the keepers when the injector shuts down.
func (c *KeeperClient) Shutdown() error {
	return c.Close()
}

func (c *KeeperClient) keeper(ctx context.Context, keyID string) (*secrets.Keeper, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if keeper, ok := c.keepers[keyID]; ok {
		return keeper, nil
	}
	url, ok := c.urls[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, keyID)
	}
	keeper, err := secrets.OpenKeeper(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open keeper for key %q: %w", ErrRemoteService, keyID, err)
	}
	c.keepers[keyID] = keeper
	return keeper, nil
}
