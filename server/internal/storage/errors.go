package storage

import "errors"

// ErrNotFound indicates that no value exists for the given key.
var ErrNotFound = errors.New("key not found")

// ErrAlreadyExists indicates that a create failed because the key exists.
var ErrAlreadyExists = errors.New("key already exists")

// ErrValueVersionMismatch indicates that the stored value changed since it was
// read.
var ErrValueVersionMismatch = errors.New("value version mismatch")

// ErrOperationConstraintViolated indicates that a condition in a transaction
// failed.
var ErrOperationConstraintViolated = errors.New("operation constraint violated")

// ErrDuplicateKeysInTransaction indicates that more than one operation in a
// transaction targeted the same key.
var ErrDuplicateKeysInTransaction = errors.New("duplicate keys in transaction")
