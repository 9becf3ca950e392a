package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"
)

type txn struct {
	ops    []TxnOperation
	client EtcdClient
}

func NewTxn(client EtcdClient, ops ...TxnOperation) Txn {
	return &txn{
		client: client,
		ops:    ops,
	}
}

func (t *txn) AddOps(ops ...TxnOperation) {
	t.ops = append(t.ops, ops...)
}

func (t *txn) Commit(ctx context.Context) error {
	var allOps []clientv3.Op
	var allCmps []clientv3.Cmp

	seen := map[string]int{}
	for _, op := range t.ops {
		ops, err := op.Ops(ctx)
		if err != nil {
			return err
		}
		for _, o := range ops {
			seen[string(o.KeyBytes())]++
		}
		allOps = append(allOps, ops...)
		allCmps = append(allCmps, op.Cmps()...)
	}

	// etcd rejects these with an unhelpful message, so report them up front.
	var duplicates []string
	for key, count := range seen {
		if count > 1 {
			duplicates = append(duplicates, key)
		}
	}
	if len(duplicates) > 0 {
		sort.Strings(duplicates)
		return fmt.Errorf("%w: %s", ErrDuplicateKeysInTransaction, strings.Join(duplicates, ", "))
	}

	resp, err := t.client.Txn(ctx).
		If(allCmps...).
		Then(allOps...).
		Commit()
	if err != nil {
		return fmt.Errorf("failed transaction: %w", err)
	}
	if !resp.Succeeded {
		return ErrOperationConstraintViolated
	}

	return nil
}
