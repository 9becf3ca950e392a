package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

type getOp[V Value] struct {
	client EtcdClient
	key    string
}

// NewGetOp returns an operation that fetches a single value. Its Exec method
// returns ErrNotFound when the key does not exist.
func NewGetOp[V Value](client EtcdClient, key string) GetOp[V] {
	return &getOp[V]{
		client: client,
		key:    key,
	}
}

func (o *getOp[V]) Exec(ctx context.Context) (V, error) {
	var zero V
	resp, err := o.client.Get(ctx, o.key)
	if err != nil {
		return zero, fmt.Errorf("failed to get %q: %w", o.key, err)
	}
	vals, err := decodeKVs[V](resp.Kvs)
	if err != nil {
		return zero, err
	}
	if len(vals) < 1 {
		return zero, fmt.Errorf("%q: %w", o.key, ErrNotFound)
	}

	return vals[0], nil
}

type getPrefixOp[V Value] struct {
	client EtcdClient
	prefix string
}

// NewGetPrefixOp returns an operation that fetches every value under prefix,
// ordered by key.
func NewGetPrefixOp[V Value](client EtcdClient, prefix string) GetMultipleOp[V] {
	return &getPrefixOp[V]{
		client: client,
		prefix: ensureTrailingSlash(prefix),
	}
}

func (o *getPrefixOp[V]) Exec(ctx context.Context) ([]V, error) {
	resp, err := o.client.Get(ctx, o.prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get prefix %q: %w", o.prefix, err)
	}
	return decodeKVs[V](resp.Kvs)
}

func decodeKVs[V Value](kvs []*mvccpb.KeyValue) ([]V, error) {
	vals := make([]V, len(kvs))
	for idx, kv := range kvs {
		v, err := decodeKV[V](kv)
		if err != nil {
			return nil, err
		}
		vals[idx] = v
	}

	return vals, nil
}

func decodeKV[V Value](kv *mvccpb.KeyValue) (V, error) {
	var val V
	if err := json.Unmarshal(kv.Value, &val); err != nil {
		return val, fmt.Errorf("failed to decode %q: %w", string(kv.Key), err)
	}
	val.SetVersion(kv.Version)
	return val, nil
}
