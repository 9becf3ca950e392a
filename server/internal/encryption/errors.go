package encryption

import "errors"

// ErrIO wraps filesystem failures while reading or writing artifacts.
var ErrIO = errors.New("i/o error")

// ErrUTF8 indicates decrypted bytes that were expected to be text are not
// valid UTF-8.
var ErrUTF8 = errors.New("plaintext is not valid utf-8")

// ErrMasterKeyRequired is returned by encrypting operations on an Encryptor
// that was built without a master key id.
var ErrMasterKeyRequired = errors.New("a master key id is required to encrypt")

// ErrUnknownScheme indicates an artifact whose format could not be
// identified, or whose envelope version is not supported.
var ErrUnknownScheme = errors.New("unknown encryption scheme")

// ErrKeyringRequired is returned when decrypting a keyring artifact with an
// Encryptor that has no keyring.
var ErrKeyringRequired = errors.New("a keyring is required to decrypt this artifact")
