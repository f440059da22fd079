package remotestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultInlineLimit is the largest value, in bytes, returned inline
	// with the key listing.
	DefaultInlineLimit = 1024
)

var (
	// ErrConflict is returned by PutObject when the store already holds a
	// newer version of one of the written or deleted keys. Nothing of the
	// request has been applied.
	ErrConflict = errors.New("remote store holds a newer version")

	// ErrNotFound is returned when the requested object does not exist.
	ErrNotFound = errors.New("remote object not found")
)

// ListingEntry is one live key of the remote store.
type ListingEntry struct {
	// Key is the entity key.
	Key string

	// Version is the version of the stored value.
	Version int64

	// Value is set for small objects the store returns inline.
	Value fn.Option[[]byte]
}

// PutItem is an upsert of a transactional put.
type PutItem struct {
	Key     string
	Value   []byte
	Version int64
}

// DeleteItem is a deletion of a transactional put.
type DeleteItem struct {
	Key     string
	Version int64
}

// PutRequest is an all-or-nothing batch of upserts and deletions.
type PutRequest struct {
	// Items are the upserts of the batch.
	Items []PutItem

	// Deletes are the deletions of the batch.
	Deletes []DeleteItem

	// RevisionToken identifies the writer. It is recorded with every
	// written key.
	RevisionToken string

	// RequestID correlates the request with the sync cycle that built it.
	RequestID uuid.UUID
}

// String returns a short description for logging.
func (r *PutRequest) String() string {
	return fmt.Sprintf("put(id=%v, writer=%v, items=%d, deletes=%d)",
		r.RequestID, r.RevisionToken, len(r.Items), len(r.Deletes))
}

// validate rejects requests that touch one key twice.
func (r *PutRequest) validate() error {
	seen := make(map[string]struct{}, len(r.Items)+len(r.Deletes))
	check := func(key string) error {
		if key == "" {
			return fmt.Errorf("empty key in %v", r)
		}
		if _, ok := seen[key]; ok {
			return fmt.Errorf("key %v appears twice in %v", key, r)
		}
		seen[key] = struct{}{}

		return nil
	}

	for _, item := range r.Items {
		if err := check(item.Key); err != nil {
			return err
		}
	}
	for _, del := range r.Deletes {
		if err := check(del.Key); err != nil {
			return err
		}
	}

	return nil
}

// Store is the remote versioned object store shared by every device of a
// node.
type Store interface {
	// ListKeyVersions returns every live key with its version, inlining
	// small values.
	ListKeyVersions(ctx context.Context) ([]ListingEntry, error)

	// GetObject returns the value of a live key, or ErrNotFound.
	GetObject(ctx context.Context, key string) ([]byte, error)

	// PutObject atomically applies the request. It fails with ErrConflict,
	// applying nothing, if the store holds a version greater than the one
	// carried by any item.
	PutObject(ctx context.Context, req *PutRequest) error
}

// checkVersion enforces the optimistic concurrency rule. Rewriting the stored
// version is accepted so a request whose acknowledgement was lost can be
// retried.
func checkVersion(key string, stored, incoming int64) error {
	if stored > incoming {
		return fmt.Errorf("%w: %v at %d, write at %d", ErrConflict,
			key, stored, incoming)
	}

	return nil
}
