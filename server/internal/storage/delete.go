package storage

import (
	"context"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
)

type deleteKeyOp struct {
	client EtcdClient
	key    string
}

// NewDeleteKeyOp returns an operation that deletes a single key.
func NewDeleteKeyOp(client EtcdClient, key string) DeleteOp {
	return &deleteKeyOp{
		client: client,
		key:    key,
	}
}

func (o *deleteKeyOp) Ops(_ context.Context) ([]clientv3.Op, error) {
	return []clientv3.Op{clientv3.OpDelete(o.key)}, nil
}

func (o *deleteKeyOp) Cmps() []clientv3.Cmp {
	return nil
}

func (o *deleteKeyOp) Exec(ctx context.Context) (int64, error) {
	resp, err := o.client.Delete(ctx, o.key)
	if err != nil {
		return 0, fmt.Errorf("failed to delete key %q: %w", o.key, err)
	}

	return resp.Deleted, nil
}

type deletePrefixOp struct {
	client EtcdClient
	prefix string
}

// NewDeletePrefixOp returns an operation that deletes every key under prefix.
func NewDeletePrefixOp(client EtcdClient, prefix string) DeleteOp {
	return &deletePrefixOp{
		client: client,
		prefix: ensureTrailingSlash(prefix),
	}
}

func (o *deletePrefixOp) Ops(_ context.Context) ([]clientv3.Op, error) {
	return []clientv3.Op{clientv3.OpDelete(o.prefix, clientv3.WithPrefix())}, nil
}

func (o *deletePrefixOp) Cmps() []clientv3.Cmp {
	return nil
}

func (o *deletePrefixOp) Exec(ctx context.Context) (int64, error) {
	resp, err := o.client.Delete(ctx, o.prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete prefix %q: %w", o.prefix, err)
	}

	return resp.Deleted, nil
}
