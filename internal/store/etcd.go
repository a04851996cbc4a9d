package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Etcd keeps every key under a namespace prefix.
type Etcd struct {
	client *clientv3.Client
	prefix string
}

// OpenEtcd dials endpoints and verifies the cluster answers a read.
func OpenEtcd(ctx context.Context, endpoints []string, prefix string, dialTimeout time.Duration) (*Etcd, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd dial: %w", err)
	}
	e := NewEtcd(client, prefix)

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if _, err := client.Get(pingCtx, e.key("ping")); err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd ping: %w", err)
	}
	return e, nil
}

// NewEtcd wraps an existing client. A non-empty prefix always ends in "/".
func NewEtcd(client *clientv3.Client, prefix string) *Etcd {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Etcd{client: client, prefix: prefix}
}

func (e *Etcd) key(k string) string { return e.prefix + k }

func (e *Etcd) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := e.client.Get(ctx, e.key(key))
	if err != nil {
		return "", false, fmt.Errorf("etcd get %q: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

func (e *Etcd) Put(ctx context.Context, key, value string) error {
	if _, err := e.client.Put(ctx, e.key(key), value); err != nil {
		return fmt.Errorf("etcd put %q: %w", key, err)
	}
	return nil
}

func (e *Etcd) PutIfAbsent(ctx context.Context, key, value string) (string, bool, error) {
	k := e.key(key)
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, value)).
		Else(clientv3.OpGet(k)).
		Commit()
	if err != nil {
		return "", false, fmt.Errorf("etcd txn create %q: %w", key, err)
	}
	if resp.Succeeded {
		return value, true, nil
	}
	if len(resp.Responses) > 0 {
		if rr := resp.Responses[0].GetResponseRange(); rr != nil && len(rr.Kvs) > 0 {
			return string(rr.Kvs[0].Value), false, nil
		}
	}
	return "", false, fmt.Errorf("etcd txn create %q: existing value missing", key)
}

func (e *Etcd) CompareAndSwap(ctx context.Context, key, old, next string) (bool, error) {
	k := e.key(key)
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(k), "=", old)).
		Then(clientv3.OpPut(k, next)).
		Commit()
	if err != nil {
		return false, fmt.Errorf("etcd txn swap %q: %w", key, err)
	}
	return resp.Succeeded, nil
}

func (e *Etcd) Delete(ctx context.Context, key string) error {
	if _, err := e.client.Delete(ctx, e.key(key)); err != nil {
		return fmt.Errorf("etcd delete %q: %w", key, err)
	}
	return nil
}

func (e *Etcd) Close() error {
	return e.client.Close()
}
