package devicedb

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/tlv"
)

// ActionType is the kind of mutation an OutboxItem records.
type ActionType uint8

const (
	// ActionInsert records the creation of a row.
	ActionInsert ActionType = 1

	// ActionUpdate records a modification of an existing row.
	ActionUpdate ActionType = 2

	// ActionDelete records the removal of a row.
	ActionDelete ActionType = 3
)

// String returns a human readable action name.
func (a ActionType) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

const (
	outboxKindType      tlv.Type = 0
	outboxKeyType       tlv.Type = 1
	outboxVersionType   tlv.Type = 2
	outboxActionType    tlv.Type = 3
	outboxTimestampType tlv.Type = 4
)

// OutboxItem is a pending mutation of a backup eligible row that has not
// been confirmed by the remote store yet.
type OutboxItem struct {
	// Seq is the position of the item in the outbox.
	Seq uint64

	// Kind is the kind of the mutated entity.
	Kind EntityKind

	// Key is the key of the mutated entity.
	Key string

	// Version is the entity version the mutation produced.
	Version int64

	// Action is the mutation type.
	Action ActionType

	// Timestamp is when the mutation was captured.
	Timestamp time.Time
}

func (o *OutboxItem) encode(w io.Writer) error {
	kind := uint8(o.Kind)
	key := []byte(o.Key)
	version := uint64(o.Version)
	action := uint8(o.Action)
	ts := uint64(o.Timestamp.UnixNano())

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(outboxKindType, &kind),
		tlv.MakePrimitiveRecord(outboxKeyType, &key),
		tlv.MakePrimitiveRecord(outboxVersionType, &version),
		tlv.MakePrimitiveRecord(outboxActionType, &action),
		tlv.MakePrimitiveRecord(outboxTimestampType, &ts),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

func decodeOutboxItem(seq uint64, r io.Reader) (*OutboxItem, error) {
	var (
		kind    uint8
		key     []byte
		version uint64
		action  uint8
		ts      uint64
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(outboxKindType, &kind),
		tlv.MakePrimitiveRecord(outboxKeyType, &key),
		tlv.MakePrimitiveRecord(outboxVersionType, &version),
		tlv.MakePrimitiveRecord(outboxActionType, &action),
		tlv.MakePrimitiveRecord(outboxTimestampType, &ts),
	)
	if err != nil {
		return nil, err
	}

	if err := stream.Decode(r); err != nil {
		return nil, fmt.Errorf("%w: outbox item %d: %v",
			ErrCorruptRecord, seq, err)
	}

	return &OutboxItem{
		Seq:       seq,
		Kind:      EntityKind(kind),
		Key:       string(key),
		Version:   int64(version),
		Action:    ActionType(action),
		Timestamp: time.Unix(0, int64(ts)),
	}, nil
}

// appendOutboxTx queues an item at the tail of the outbox.
func (d *DB) appendOutboxTx(tx kvdb.RwTx, item *OutboxItem) error {
	outbox := tx.ReadWriteBucket(outboxBucket)
	if outbox == nil {
		return ErrMetaNotFound
	}

	seq, err := outbox.NextSequence()
	if err != nil {
		return err
	}
	item.Seq = seq
	item.Timestamp = d.clock.Now()

	var b bytes.Buffer
	if err := item.encode(&b); err != nil {
		return err
	}

	var k [8]byte
	byteOrder.PutUint64(k[:], seq)

	log.Tracef("Captured %v of %v at version %d (outbox seq %d)",
		item.Action, item.Key, item.Version, seq)

	return outbox.Put(k[:], b.Bytes())
}

// FetchOutbox returns every pending item in capture order.
func (d *DB) FetchOutbox() ([]*OutboxItem, error) {
	var items []*OutboxItem
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		outbox := tx.ReadBucket(outboxBucket)
		if outbox == nil {
			return ErrMetaNotFound
		}

		return outbox.ForEach(func(k, v []byte) error {
			if len(k) != 8 {
				return fmt.Errorf("%w: outbox key",
					ErrCorruptRecord)
			}

			item, err := decodeOutboxItem(
				byteOrder.Uint64(k), bytes.NewReader(v),
			)
			if err != nil {
				return err
			}
			items = append(items, item)

			return nil
		})
	}, func() {
		items = nil
	})
	if err != nil {
		return nil, err
	}

	return items, nil
}

// PendingOutboxKeys returns the set of entity keys with at least one pending
// outbox item.
func (d *DB) PendingOutboxKeys() (map[string]struct{}, error) {
	items, err := d.FetchOutbox()
	if err != nil {
		return nil, err
	}

	keys := make(map[string]struct{}, len(items))
	for _, item := range items {
		keys[item.Key] = struct{}{}
	}

	return keys, nil
}

// DeleteOutboxItems removes exactly the items with the given sequence
// numbers. It is called once the remote store confirmed the write they
// describe.
func (d *DB) DeleteOutboxItems(seqs []uint64) error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		outbox := tx.ReadWriteBucket(outboxBucket)
		if outbox == nil {
			return ErrMetaNotFound
		}

		var k [8]byte
		for _, seq := range seqs {
			byteOrder.PutUint64(k[:], seq)
			if err := outbox.Delete(k[:]); err != nil {
				return err
			}
		}

		return nil
	}, func() {})
}

// dropSupersededOutboxTx deletes the outbox items whose key maps to a version
// at or above the item's own version.
func dropSupersededOutboxTx(tx kvdb.RwTx, versions map[string]int64) error {
	if len(versions) == 0 {
		return nil
	}

	outbox := tx.ReadWriteBucket(outboxBucket)
	if outbox == nil {
		return ErrMetaNotFound
	}

	var stale [][]byte
	err := outbox.ForEach(func(k, v []byte) error {
		item, err := decodeOutboxItem(
			byteOrder.Uint64(k), bytes.NewReader(v),
		)
		if err != nil {
			return err
		}

		version, ok := versions[item.Key]
		if ok && item.Version <= version {
			stale = append(stale, append([]byte{}, k...))
		}

		return nil
	})
	if err != nil {
		return err
	}

	for _, k := range stale {
		log.Debugf("Dropping outbox item %d superseded by remote",
			byteOrder.Uint64(k))

		if err := outbox.Delete(k); err != nil {
			return err
		}
	}

	return nil
}
