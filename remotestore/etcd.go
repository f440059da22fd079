package remotestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/btcpayserver/lnsync/etcdconn"
	"github.com/lightningnetwork/lnd/kvdb/etcd"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const (
	// etcdPrefix scopes the store inside the configured namespace.
	etcdPrefix = "remotestore/"

	// recordPrefix prefixes the per-key metadata.
	recordPrefix = "r/"

	// objectPrefix prefixes the full values.
	objectPrefix = "o/"
)

func recordKey(key string) string {
	return recordPrefix + key
}

func objectKey(key string) string {
	return objectPrefix + key
}

// EtcdStore is a Store kept in etcd. Transactional puts run as software
// transactional memory so a batch is applied all-or-nothing and is retried
// by the STM on contention.
type EtcdStore struct {
	cli         *clientv3.Client
	inlineLimit int
}

// A compile time check to ensure EtcdStore implements the Store interface.
var _ Store = (*EtcdStore)(nil)

// NewEtcdStore connects to etcd and returns a store rooted in the configured
// namespace.
func NewEtcdStore(ctx context.Context, cfg *etcd.Config,
	timeout time.Duration, inlineLimit int) (*EtcdStore, error) {

	cli, err := etcdconn.Dial(ctx, cfg, etcdPrefix, timeout)
	if err != nil {
		return nil, err
	}

	log.Infof("Remote store connected to %v (namespace=%v)", cfg.Host,
		cfg.Namespace)

	return NewEtcdStoreFromClient(cli, inlineLimit), nil
}

// NewEtcdStoreFromClient wraps an existing client, which must already be
// scoped to the store's namespace.
func NewEtcdStoreFromClient(cli *clientv3.Client,
	inlineLimit int) *EtcdStore {

	if inlineLimit <= 0 {
		inlineLimit = DefaultInlineLimit
	}

	return &EtcdStore{
		cli:         cli,
		inlineLimit: inlineLimit,
	}
}

// Close closes the etcd client.
func (e *EtcdStore) Close() error {
	return e.cli.Close()
}

// ListKeyVersions reads every record in one range request.
func (e *EtcdStore) ListKeyVersions(ctx context.Context) ([]ListingEntry,
	error) {

	resp, err := e.cli.Get(
		ctx, recordPrefix, clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to list remote keys: %w", err)
	}

	entries := make([]ListingEntry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		key := strings.TrimPrefix(string(kv.Key), recordPrefix)

		r, err := decodeRecord(kv.Value)
		if err != nil {
			return nil, fmt.Errorf("key %v: %w", key, err)
		}
		if r.deleted {
			continue
		}

		entries = append(entries, r.listingEntry(key))
	}

	return entries, nil
}

// GetObject fetches the full value of a live key.
func (e *EtcdStore) GetObject(ctx context.Context, key string) ([]byte,
	error) {

	resp, err := e.cli.Get(ctx, objectKey(key))
	if err != nil {
		return nil, fmt.Errorf("unable to fetch %v: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}

	return resp.Kvs[0].Value, nil
}

// PutObject applies the request inside one STM transaction.
func (e *EtcdStore) PutObject(ctx context.Context, req *PutRequest) error {
	if err := req.validate(); err != nil {
		return err
	}

	apply := func(stm concurrency.STM) error {
		stored := func(key string) (int64, bool, error) {
			raw := stm.Get(recordKey(key))
			if raw == "" {
				return 0, false, nil
			}

			r, err := decodeRecord([]byte(raw))
			if err != nil {
				return 0, false, fmt.Errorf("key %v: %w", key,
					err)
			}

			return r.version, true, nil
		}

		for _, item := range req.Items {
			version, ok, err := stored(item.Key)
			if err != nil {
				return err
			}
			if ok {
				err := checkVersion(
					item.Key, version, item.Version,
				)
				if err != nil {
					return err
				}
			}
		}
		for _, del := range req.Deletes {
			version, ok, err := stored(del.Key)
			if err != nil {
				return err
			}
			if ok {
				err := checkVersion(
					del.Key, version, del.Version,
				)
				if err != nil {
					return err
				}
			}
		}

		for _, item := range req.Items {
			r := newRecord(item, req.RevisionToken, e.inlineLimit)
			raw, err := r.bytes()
			if err != nil {
				return err
			}

			stm.Put(recordKey(item.Key), string(raw))
			stm.Put(objectKey(item.Key), string(item.Value))
		}
		for _, del := range req.Deletes {
			r := &record{
				version: del.Version,
				writer:  req.RevisionToken,
				deleted: true,
			}
			raw, err := r.bytes()
			if err != nil {
				return err
			}

			stm.Put(recordKey(del.Key), string(raw))
			stm.Del(objectKey(del.Key))
		}

		return nil
	}

	_, err := concurrency.NewSTM(
		e.cli, apply, concurrency.WithAbortContext(ctx),
	)
	if err != nil {
		return err
	}

	log.Debugf("Applied %v", req)

	return nil
}
