package devicedb

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/tlv"
)

// EntityKind is the type of a synchronized row.
type EntityKind uint8

const (
	// KindSetting is a wallet setting.
	KindSetting EntityKind = 1

	// KindChannel is a payment channel state record.
	KindChannel EntityKind = 2

	// KindPayment is a payment record.
	KindPayment EntityKind = 3
)

// String returns the prefix used for keys of this kind.
func (k EntityKind) String() string {
	switch k {
	case KindSetting:
		return "Setting"
	case KindChannel:
		return "Channel"
	case KindPayment:
		return "Payment"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// EntityKey builds the globally unique key of an entity, <Kind>_<name>.
func EntityKey(kind EntityKind, name string) string {
	return kind.String() + "_" + name
}

// KindFromKey returns the kind encoded in an entity key's prefix.
func KindFromKey(key string) (EntityKind, error) {
	prefix, _, ok := strings.Cut(key, "_")
	if !ok {
		return 0, fmt.Errorf("entity key %q has no kind prefix", key)
	}

	for _, k := range []EntityKind{KindSetting, KindChannel, KindPayment} {
		if k.String() == prefix {
			return k, nil
		}
	}

	return 0, fmt.Errorf("unknown entity kind %q", prefix)
}

const (
	entityKindType     tlv.Type = 0
	entityVersionType  tlv.Type = 1
	entityEligibleType tlv.Type = 2
	entityDataType     tlv.Type = 3
)

// Entity is a versioned row. The version is assigned by the store on every
// local mutation and never by application code.
type Entity struct {
	// Kind is the entity type.
	Kind EntityKind

	// Key is the globally unique entity key.
	Key string

	// Version strictly increases on every mutation of the row.
	Version int64

	// BackupEligible marks rows that synchronize with the remote store.
	BackupEligible bool

	// Data is the opaque row payload.
	Data []byte
}

// Encode serializes the entity, excluding its key, as a TLV stream.
func (e *Entity) Encode(w io.Writer) error {
	kind := uint8(e.Kind)
	version := uint64(e.Version)
	eligible := e.BackupEligible
	data := e.Data

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(entityKindType, &kind),
		tlv.MakePrimitiveRecord(entityVersionType, &version),
		tlv.MakePrimitiveRecord(entityEligibleType, &eligible),
		tlv.MakePrimitiveRecord(entityDataType, &data),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// DecodeEntity decodes an entity stored under key.
func DecodeEntity(key string, r io.Reader) (*Entity, error) {
	var (
		kind     uint8
		version  uint64
		eligible bool
		data     []byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(entityKindType, &kind),
		tlv.MakePrimitiveRecord(entityVersionType, &version),
		tlv.MakePrimitiveRecord(entityEligibleType, &eligible),
		tlv.MakePrimitiveRecord(entityDataType, &data),
	)
	if err != nil {
		return nil, err
	}

	if err := stream.Decode(r); err != nil {
		return nil, fmt.Errorf("%w: entity %v: %v", ErrCorruptRecord,
			key, err)
	}

	return &Entity{
		Kind:           EntityKind(kind),
		Key:            key,
		Version:        int64(version),
		BackupEligible: eligible,
		Data:           data,
	}, nil
}

// fetchEntityTx reads the row for key, returning nil if it doesn't exist.
func fetchEntityTx(entities kvdb.RBucket, key string) (*Entity, error) {
	raw := entities.Get([]byte(key))
	if raw == nil {
		return nil, nil
	}

	return DecodeEntity(key, bytes.NewReader(raw))
}

// writeEntityTx stores the encoded entity under its key.
func writeEntityTx(entities kvdb.RwBucket, e *Entity) error {
	var b bytes.Buffer
	if err := e.Encode(&b); err != nil {
		return err
	}

	return entities.Put([]byte(e.Key), b.Bytes())
}

// putEntityTx inserts or updates a row with a freshly assigned version that
// is at least floor. When capture is set and the row is backup eligible an
// OutboxItem is queued in the same transaction.
func (d *DB) putEntityTx(tx kvdb.RwTx, e *Entity, floor int64,
	capture bool) (int64, error) {

	meta := tx.ReadWriteBucket(metaBucket)
	entities := tx.ReadWriteBucket(entityBucket)
	if meta == nil || entities == nil {
		return 0, ErrMetaNotFound
	}

	prev, err := fetchEntityTx(entities, e.Key)
	if err != nil {
		return 0, err
	}

	action := ActionInsert
	var prevVersion int64
	if prev != nil {
		action = ActionUpdate
		prevVersion = prev.Version
	}

	version, err := nextVersion(meta, prevVersion, floor)
	if err != nil {
		return 0, err
	}
	e.Version = version

	if err := writeEntityTx(entities, e); err != nil {
		return 0, err
	}

	if capture && e.BackupEligible {
		err := d.appendOutboxTx(tx, &OutboxItem{
			Kind:    e.Kind,
			Key:     e.Key,
			Version: version,
			Action:  action,
		})
		if err != nil {
			return 0, err
		}
	}

	return version, nil
}

// deleteEntityTx removes a row. The deletion consumes a version so that a
// recreated row sorts after it.
func (d *DB) deleteEntityTx(tx kvdb.RwTx, key string,
	capture bool) (int64, error) {

	meta := tx.ReadWriteBucket(metaBucket)
	entities := tx.ReadWriteBucket(entityBucket)
	if meta == nil || entities == nil {
		return 0, ErrMetaNotFound
	}

	prev, err := fetchEntityTx(entities, key)
	if err != nil {
		return 0, err
	}
	if prev == nil {
		return 0, ErrEntityNotFound
	}

	version, err := nextVersion(meta, prev.Version, 0)
	if err != nil {
		return 0, err
	}

	if err := entities.Delete([]byte(key)); err != nil {
		return 0, err
	}

	if prev.Kind == KindChannel {
		if err := removeChannelAliasesTx(tx, prev); err != nil {
			return 0, err
		}
	}

	if capture && prev.BackupEligible {
		err := d.appendOutboxTx(tx, &OutboxItem{
			Kind:    prev.Kind,
			Key:     key,
			Version: version,
			Action:  ActionDelete,
		})
		if err != nil {
			return 0, err
		}
	}

	return version, nil
}

// PutEntity inserts or updates the entity named name of the given kind and
// returns the version assigned to the mutation.
func (d *DB) PutEntity(kind EntityKind, name string, data []byte,
	backupEligible bool) (int64, error) {

	if kind == KindChannel {
		return 0, fmt.Errorf("channel rows must be written with " +
			"PutChannelState")
	}

	var version int64
	err := kvdb.Update(d, func(tx kvdb.RwTx) error {
		var err error
		version, err = d.putEntityTx(tx, &Entity{
			Kind:           kind,
			Key:            EntityKey(kind, name),
			BackupEligible: backupEligible,
			Data:           data,
		}, 0, true)

		return err
	}, func() {
		version = 0
	})
	if err != nil {
		return 0, err
	}

	return version, nil
}

// DeleteEntity removes the entity stored under key and returns the version
// consumed by the deletion.
func (d *DB) DeleteEntity(key string) (int64, error) {
	var version int64
	err := kvdb.Update(d, func(tx kvdb.RwTx) error {
		var err error
		version, err = d.deleteEntityTx(tx, key, true)

		return err
	}, func() {
		version = 0
	})
	if err != nil {
		return 0, err
	}

	return version, nil
}

// FetchEntity returns the entity stored under key.
func (d *DB) FetchEntity(key string) (*Entity, error) {
	var entity *Entity
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		entities := tx.ReadBucket(entityBucket)
		if entities == nil {
			return ErrMetaNotFound
		}

		var err error
		entity, err = fetchEntityTx(entities, key)
		if err != nil {
			return err
		}
		if entity == nil {
			return ErrEntityNotFound
		}

		return nil
	}, func() {
		entity = nil
	})
	if err != nil {
		return nil, err
	}

	return entity, nil
}

// ListVersions returns the key and version of every backup eligible row.
func (d *DB) ListVersions() (map[string]int64, error) {
	var versions map[string]int64
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		entities := tx.ReadBucket(entityBucket)
		if entities == nil {
			return ErrMetaNotFound
		}

		return entities.ForEach(func(k, v []byte) error {
			e, err := DecodeEntity(string(k), bytes.NewReader(v))
			if err != nil {
				return err
			}
			if e.BackupEligible {
				versions[e.Key] = e.Version
			}

			return nil
		})
	}, func() {
		versions = make(map[string]int64)
	})
	if err != nil {
		return nil, err
	}

	return versions, nil
}

// HasEligibleEntities reports whether any backup eligible row exists.
func (d *DB) HasEligibleEntities() (bool, error) {
	versions, err := d.ListVersions()
	if err != nil {
		return false, err
	}

	return len(versions) > 0, nil
}

// ApplyRemoteChanges applies a pulled set of deletions and upserts in one
// transaction. Change capture is suspended for these writes: they originate
// from the remote store and must not be pushed back. Upserted rows keep the
// version they carry remotely, and pending outbox items of an upserted key at
// or below that version are dropped as superseded.
func (d *DB) ApplyRemoteChanges(deletes []string, upserts []*Entity) error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		meta := tx.ReadWriteBucket(metaBucket)
		entities := tx.ReadWriteBucket(entityBucket)
		if meta == nil || entities == nil {
			return ErrMetaNotFound
		}

		for _, key := range deletes {
			_, err := d.deleteEntityTx(tx, key, false)
			switch {
			// Deleted locally in the meantime, nothing to do.
			case errors.Is(err, ErrEntityNotFound):

			case err != nil:
				return fmt.Errorf("unable to delete %v: %w",
					key, err)
			}
		}

		for _, e := range upserts {
			prev, err := fetchEntityTx(entities, e.Key)
			if err != nil {
				return err
			}

			if prev != nil && prev.Kind == KindChannel {
				err := removeChannelAliasesTx(tx, prev)
				if err != nil {
					return err
				}
			}

			if err := writeEntityTx(entities, e); err != nil {
				return err
			}
			if err := observeVersion(meta, e.Version); err != nil {
				return err
			}

			if e.Kind == KindChannel {
				if err := indexChannelAliasesTx(tx, e); err != nil {
					return err
				}
			}
		}

		superseded := make(map[string]int64, len(upserts))
		for _, e := range upserts {
			superseded[e.Key] = e.Version
		}

		return dropSupersededOutboxTx(tx, superseded)
	}, func() {})
}
