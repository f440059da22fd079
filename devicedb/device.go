package devicedb

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/lightningnetwork/lnd/kvdb"
)

// DeviceID identifies one install of the wallet. It is generated once, never
// rotated, and doubles as the claimant id in master election and the
// revision token stamped on remote writes.
type DeviceID int64

// String returns the decimal representation of the id.
func (d DeviceID) String() string {
	return strconv.FormatInt(int64(d), 10)
}

// ParseDeviceID parses the decimal representation of a DeviceID.
func ParseDeviceID(s string) (DeviceID, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid device id %q: %w", s, err)
	}

	return DeviceID(id), nil
}

// newDeviceID draws a fresh non-zero id from crypto/rand.
func newDeviceID() (DeviceID, error) {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}

		// Keep the id positive so its decimal form is stable across
		// every consumer.
		id := int64(binary.BigEndian.Uint64(b[:]) >> 1)
		if id != 0 {
			return DeviceID(id), nil
		}
	}
}

// FetchOrCreateDeviceID returns the persisted device id, creating and
// storing a new one on first use.
func (d *DB) FetchOrCreateDeviceID() (DeviceID, error) {
	var id DeviceID
	err := kvdb.Update(d, func(tx kvdb.RwTx) error {
		meta := tx.ReadWriteBucket(metaBucket)
		if meta == nil {
			return ErrMetaNotFound
		}

		if raw := meta.Get(deviceIDKey); raw != nil {
			if len(raw) != 8 {
				return fmt.Errorf("%w: device id",
					ErrCorruptRecord)
			}
			id = DeviceID(byteOrder.Uint64(raw))

			return nil
		}

		newID, err := newDeviceID()
		if err != nil {
			return err
		}

		var b [8]byte
		byteOrder.PutUint64(b[:], uint64(newID))
		if err := meta.Put(deviceIDKey, b[:]); err != nil {
			return err
		}

		log.Infof("Generated new device id %v", newID)
		id = newID

		return nil
	}, func() {
		id = 0
	})
	if err != nil {
		return 0, err
	}

	return id, nil
}
