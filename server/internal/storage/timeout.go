package storage

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// WithTimeout bounds every request made through client by timeout.
func WithTimeout(client EtcdClient, timeout time.Duration) EtcdClient {
	return &timeoutClient{kv: client, timeout: timeout}
}

type timeoutClient struct {
	kv      clientv3.KV
	timeout time.Duration
}

func (c *timeoutClient) Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.kv.Put(ctx, key, val, opts...)
}

func (c *timeoutClient) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.kv.Get(ctx, key, opts...)
}

func (c *timeoutClient) Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.kv.Delete(ctx, key, opts...)
}

func (c *timeoutClient) Compact(ctx context.Context, rev int64, opts ...clientv3.CompactOption) (*clientv3.CompactResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.kv.Compact(ctx, rev, opts...)
}

func (c *timeoutClient) Do(ctx context.Context, op clientv3.Op) (clientv3.OpResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.kv.Do(ctx, op)
}

// Txn starts the deadline when the transaction is created. It is released on
// Commit.
func (c *timeoutClient) Txn(ctx context.Context) clientv3.Txn {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	return &timeoutTxn{txn: c.kv.Txn(ctx), cancel: cancel}
}

type timeoutTxn struct {
	txn    clientv3.Txn
	cancel context.CancelFunc
}

func (t *timeoutTxn) If(cs ...clientv3.Cmp) clientv3.Txn {
	t.txn = t.txn.If(cs...)
	return t
}

func (t *timeoutTxn) Then(ops ...clientv3.Op) clientv3.Txn {
	t.txn = t.txn.Then(ops...)
	return t
}

func (t *timeoutTxn) Else(ops ...clientv3.Op) clientv3.Txn {
	t.txn = t.txn.Else(ops...)
	return t
}

func (t *timeoutTxn) Commit() (*clientv3.TxnResponse, error) {
	defer t.cancel()
	return t.txn.Commit()
}
