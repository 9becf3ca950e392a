package storage

import (
	"context"
	"encoding/json"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
)

type putOp[V Value] struct {
	client EtcdClient
	key    string
	val    V
}

// NewPutOp returns an operation that unconditionally stores val under key.
func NewPutOp[V Value](client EtcdClient, key string, val V) PutOp[V] {
	return &putOp[V]{
		client: client,
		key:    key,
		val:    val,
	}
}

func (o *putOp[V]) Ops(_ context.Context) ([]clientv3.Op, error) {
	return putOps(o.key, o.val)
}

func (o *putOp[V]) Cmps() []clientv3.Cmp {
	return nil
}

func (o *putOp[V]) Exec(ctx context.Context) error {
	ops, err := o.Ops(ctx)
	if err != nil {
		return err
	}
	if _, err := o.client.Do(ctx, ops[0]); err != nil {
		return fmt.Errorf("failed to put %q: %w", o.key, err)
	}

	return nil
}

type createOp[V Value] struct {
	client EtcdClient
	key    string
	val    V
}

// NewCreateOp returns an operation that stores val only if key does not exist
// yet. Its Exec method returns ErrAlreadyExists otherwise, and on success sets
// the value's version to 1.
func NewCreateOp[V Value](client EtcdClient, key string, val V) PutOp[V] {
	return &createOp[V]{
		client: client,
		key:    key,
		val:    val,
	}
}

func (o *createOp[V]) Ops(_ context.Context) ([]clientv3.Op, error) {
	return putOps(o.key, o.val)
}

func (o *createOp[V]) Cmps() []clientv3.Cmp {
	return []clientv3.Cmp{clientv3.Compare(clientv3.Version(o.key), "=", 0)}
}

func (o *createOp[V]) Exec(ctx context.Context) error {
	ops, err := o.Ops(ctx)
	if err != nil {
		return err
	}
	resp, err := o.client.Txn(ctx).
		If(o.Cmps()...).
		Then(ops...).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to create %q: %w", o.key, err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("%q: %w", o.key, ErrAlreadyExists)
	}
	o.val.SetVersion(1)

	return nil
}

type updateOp[V Value] struct {
	client EtcdClient
	key    string
	val    V
}

// NewUpdateOp returns an operation that replaces the value under key if its
// stored version still equals val.Version(). Its Exec method returns
// ErrValueVersionMismatch otherwise, and on success advances the value's
// version to match the store.
func NewUpdateOp[V Value](client EtcdClient, key string, val V) PutOp[V] {
	return &updateOp[V]{
		client: client,
		key:    key,
		val:    val,
	}
}

func (o *updateOp[V]) Ops(_ context.Context) ([]clientv3.Op, error) {
	return putOps(o.key, o.val)
}

func (o *updateOp[V]) Cmps() []clientv3.Cmp {
	return []clientv3.Cmp{
		clientv3.Compare(clientv3.Version(o.key), "=", o.val.Version()),
	}
}

func (o *updateOp[V]) Exec(ctx context.Context) error {
	ops, err := o.Ops(ctx)
	if err != nil {
		return err
	}
	resp, err := o.client.Txn(ctx).
		If(o.Cmps()...).
		Then(ops...).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to update %q: %w", o.key, err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("%q: %w", o.key, ErrValueVersionMismatch)
	}
	o.val.SetVersion(o.val.Version() + 1)

	return nil
}

func putOps[V Value](key string, val V) ([]clientv3.Op, error) {
	encoded, err := json.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value for %q: %w", key, err)
	}

	return []clientv3.Op{clientv3.OpPut(key, string(encoded))}, nil
}
