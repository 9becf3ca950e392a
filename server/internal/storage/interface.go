package storage

import (
	"context"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdClient is the subset of the etcd client used by storage operations.
type EtcdClient interface {
	clientv3.KV
}

// Value is implemented by every stored value. Values are JSON-encoded, and
// their etcd version is tracked outside of the encoding through these methods.
type Value interface {
	Version() int64
	SetVersion(version int64)
}

// StoredValue can be embedded in a struct to implement Value.
type StoredValue struct {
	version int64
}

func (v *StoredValue) Version() int64 {
	return v.version
}

func (v *StoredValue) SetVersion(version int64) {
	v.version = version
}

// TxnOperation is a storage operation that can be used in a transaction.
type TxnOperation interface {
	Ops(ctx context.Context) ([]clientv3.Op, error)
	Cmps() []clientv3.Cmp
}

// Txn executes a group of operations atomically. If any operation carries a
// condition that fails, none of the operations are applied. Each operation
// must target a distinct key.
type Txn interface {
	AddOps(ops ...TxnOperation)
	Commit(ctx context.Context) error
}

type GetOp[V Value] interface {
	Exec(ctx context.Context) (V, error)
}

type GetMultipleOp[V Value] interface {
	Exec(ctx context.Context) ([]V, error)
}

type PutOp[V Value] interface {
	TxnOperation
	Exec(ctx context.Context) error
}

// DeleteOp removes one or more keys and reports how many were removed.
type DeleteOp interface {
	TxnOperation
	Exec(ctx context.Context) (int64, error)
}
