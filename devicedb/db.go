package devicedb

import (
	"encoding/binary"
	"fmt"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/kvdb"
)

const (
	// dbName is the file name of the bolt database holding the device
	// state.
	dbName = "device.db"

	// latestDBVersion is the schema version written by this code.
	latestDBVersion = 1
)

var (
	// metaBucket stores the device id, the schema version and the
	// version sequence.
	metaBucket = []byte("meta")

	// entityBucket maps an entity key to its encoded row.
	entityBucket = []byte("entities")

	// outboxBucket maps a big endian outbox sequence number to an encoded
	// OutboxItem.
	outboxBucket = []byte("outbox")

	// channelAliasBucket maps every known channel id, canonical or alias,
	// to the canonical id of the channel.
	channelAliasBucket = []byte("channel-aliases")

	// dbVersionKey holds the schema version in the meta bucket.
	dbVersionKey = []byte("db-version")

	// deviceIDKey holds the DeviceID in the meta bucket.
	deviceIDKey = []byte("device-id")

	// versionSeqKey holds the highest entity version ever assigned or
	// observed by this store.
	versionSeqKey = []byte("version-seq")

	// topLevelBuckets are created on first open.
	topLevelBuckets = [][]byte{
		metaBucket,
		entityBucket,
		outboxBucket,
		channelAliasBucket,
	}

	// Big endian is the preferred byte order, due to cursor scans over
	// integer keys iterating in order.
	byteOrder = binary.BigEndian
)

// DBName returns the file name of the device database.
func DBName() string {
	return dbName
}

// DB is the local store of the device. It keeps the versioned entity rows,
// the change outbox and the channel alias index. Every mutation of a backup
// eligible row emits an OutboxItem inside the same transaction.
type DB struct {
	kvdb.Backend

	clock clock.Clock
}

// CreateWithBackend creates the device database using the passed backend,
// creating the top level buckets if they don't exist yet.
func CreateWithBackend(backend kvdb.Backend,
	modifiers ...OptionModifier) (*DB, error) {

	opts := DefaultOptions()
	for _, modifier := range modifiers {
		modifier(&opts)
	}

	db := &DB{
		Backend: backend,
		clock:   opts.clock,
	}

	if err := db.initBuckets(); err != nil {
		return nil, err
	}

	return db, nil
}

// initBuckets creates the top level buckets and checks the schema version.
func (d *DB) initBuckets() error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		for _, name := range topLevelBuckets {
			if _, err := tx.CreateTopLevelBucket(name); err != nil {
				return err
			}
		}

		meta := tx.ReadWriteBucket(metaBucket)
		if meta == nil {
			return ErrMetaNotFound
		}

		stored := meta.Get(dbVersionKey)
		if stored == nil {
			var v [4]byte
			byteOrder.PutUint32(v[:], latestDBVersion)

			return meta.Put(dbVersionKey, v[:])
		}

		if len(stored) != 4 {
			return fmt.Errorf("%w: db version", ErrCorruptRecord)
		}
		version := byteOrder.Uint32(stored)
		if version > latestDBVersion {
			log.Errorf("Refusing to revert from db_version=%d to "+
				"lower version=%d", version, latestDBVersion)

			return ErrDBReversion
		}

		return nil
	}, func() {})
}

// readSeq returns the version sequence stored in the meta bucket.
func readSeq(meta kvdb.RBucket) (int64, error) {
	raw := meta.Get(versionSeqKey)
	if raw == nil {
		return 0, nil
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("%w: version sequence", ErrCorruptRecord)
	}

	return int64(byteOrder.Uint64(raw)), nil
}

// writeSeq stores the version sequence.
func writeSeq(meta kvdb.RwBucket, seq int64) error {
	var b [8]byte
	byteOrder.PutUint64(b[:], uint64(seq))

	return meta.Put(versionSeqKey, b[:])
}

// nextVersion assigns the version of a local mutation. The result is above
// the row's previous version, above every version this store has ever
// assigned or pulled, and at least floor.
func nextVersion(meta kvdb.RwBucket, prev, floor int64) (int64, error) {
	seq, err := readSeq(meta)
	if err != nil {
		return 0, err
	}

	next := seq + 1
	if prev+1 > next {
		next = prev + 1
	}
	if floor > next {
		next = floor
	}

	if err := writeSeq(meta, next); err != nil {
		return 0, err
	}

	return next, nil
}

// observeVersion raises the sequence so that later local mutations are
// always above a version pulled from the remote store.
func observeVersion(meta kvdb.RwBucket, version int64) error {
	seq, err := readSeq(meta)
	if err != nil {
		return err
	}
	if version <= seq {
		return nil
	}

	return writeSeq(meta, version)
}
