package remotestore

import (
	"context"
	"sort"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// MemStore is an in-memory Store. It implements the same versioning and
// conflict rules as the etcd store and is shared by every device of a single
// process in tests and in the memory backend.
type MemStore struct {
	mu sync.Mutex

	inlineLimit int
	records     map[string]*record
	values      map[string][]byte

	putHook func(*PutRequest) error
}

// A compile time check to ensure MemStore implements the Store interface.
var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		inlineLimit: DefaultInlineLimit,
		records:     make(map[string]*record),
		values:      make(map[string][]byte),
	}
}

// SetInlineLimit changes the largest value returned inline by the listing.
func (m *MemStore) SetInlineLimit(limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.inlineLimit = limit
}

// SetPutHook installs a function consulted before every put. A non-nil error
// fails the put without applying it.
func (m *MemStore) SetPutHook(hook func(*PutRequest) error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.putHook = hook
}

// Writer returns the revision token of the last write of key.
func (m *MemStore) Writer(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.records[key]; ok {
		return r.writer
	}

	return ""
}

// ListKeyVersions returns every live key sorted by key.
func (m *MemStore) ListKeyVersions(_ context.Context) ([]ListingEntry,
	error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]ListingEntry, 0, len(m.records))
	for key, r := range m.records {
		if r.deleted {
			continue
		}

		entry := ListingEntry{
			Key:     key,
			Version: r.version,
			Value:   fn.None[[]byte](),
		}
		if value := m.values[key]; len(value) <= m.inlineLimit {
			entry.Value = fn.Some(append([]byte{}, value...))
		}

		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})

	return entries, nil
}

// GetObject returns a copy of the value stored under key.
func (m *MemStore) GetObject(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[key]
	if !ok || r.deleted {
		return nil, ErrNotFound
	}

	return append([]byte{}, m.values[key]...), nil
}

// PutObject validates every item against the stored versions before applying
// any of them.
func (m *MemStore) PutObject(_ context.Context, req *PutRequest) error {
	if err := req.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.putHook != nil {
		if err := m.putHook(req); err != nil {
			return err
		}
	}

	for _, item := range req.Items {
		if r, ok := m.records[item.Key]; ok {
			err := checkVersion(item.Key, r.version, item.Version)
			if err != nil {
				return err
			}
		}
	}
	for _, del := range req.Deletes {
		if r, ok := m.records[del.Key]; ok {
			err := checkVersion(del.Key, r.version, del.Version)
			if err != nil {
				return err
			}
		}
	}

	for _, item := range req.Items {
		m.records[item.Key] = newRecord(
			item, req.RevisionToken, m.inlineLimit,
		)
		m.values[item.Key] = append([]byte{}, item.Value...)
	}
	for _, del := range req.Deletes {
		m.records[del.Key] = &record{
			version: del.Version,
			writer:  req.RevisionToken,
			deleted: true,
		}
		delete(m.values, del.Key)
	}

	log.Debugf("Applied %v", req)

	return nil
}
