package kms

import (
	"context"
	"errors"
)

// ErrRemoteService wraps every failure reported by a key management service.
var ErrRemoteService = errors.New("key management service error")

// ErrUnknownKey indicates that a client has no way to reach the requested key.
var ErrUnknownKey = errors.New("unknown master key")

// Client is a remote key management service. Ciphertext returned by Encrypt is
// opaque and self-describing: Decrypt needs no key id and reports which key
// produced it.
type Client interface {
	Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) (plaintext []byte, keyID string, err error)
}
