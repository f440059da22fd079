package remotestore

import (
	"bytes"
	"fmt"
	"io"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	recordVersionType tlv.Type = 0
	recordWriterType  tlv.Type = 1
	recordDeletedType tlv.Type = 2
	recordInlineType  tlv.Type = 3
	recordSizeType    tlv.Type = 4
)

// record is the per-key metadata kept by a store. Deleted keys keep their
// record as a tombstone so a stale writer cannot resurrect them.
type record struct {
	version int64
	writer  string
	deleted bool
	inline  []byte
	size    uint64
}

// inlined reports whether the record carries the full value.
func (r *record) inlined() bool {
	return uint64(len(r.inline)) == r.size
}

func (r *record) encode(w io.Writer) error {
	version := uint64(r.version)
	writer := []byte(r.writer)
	deleted := r.deleted
	inline := r.inline
	size := r.size

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(recordVersionType, &version),
		tlv.MakePrimitiveRecord(recordWriterType, &writer),
		tlv.MakePrimitiveRecord(recordDeletedType, &deleted),
		tlv.MakePrimitiveRecord(recordInlineType, &inline),
		tlv.MakePrimitiveRecord(recordSizeType, &size),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

func (r *record) bytes() ([]byte, error) {
	var b bytes.Buffer
	if err := r.encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

func decodeRecord(raw []byte) (*record, error) {
	var (
		version uint64
		writer  []byte
		deleted bool
		inline  []byte
		size    uint64
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(recordVersionType, &version),
		tlv.MakePrimitiveRecord(recordWriterType, &writer),
		tlv.MakePrimitiveRecord(recordDeletedType, &deleted),
		tlv.MakePrimitiveRecord(recordInlineType, &inline),
		tlv.MakePrimitiveRecord(recordSizeType, &size),
	)
	if err != nil {
		return nil, err
	}

	if err := stream.Decode(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("unable to decode remote record: %w",
			err)
	}

	return &record{
		version: int64(version),
		writer:  string(writer),
		deleted: deleted,
		inline:  inline,
		size:    size,
	}, nil
}

// newRecord builds the record of an upsert, inlining the value when it is at
// most limit bytes.
func newRecord(item PutItem, writer string, limit int) *record {
	r := &record{
		version: item.Version,
		writer:  writer,
		size:    uint64(len(item.Value)),
	}
	if len(item.Value) <= limit {
		r.inline = append([]byte{}, item.Value...)
	}

	return r
}

// listingEntry converts a live record into its listing form.
func (r *record) listingEntry(key string) ListingEntry {
	entry := ListingEntry{
		Key:     key,
		Version: r.version,
		Value:   fn.None[[]byte](),
	}
	if r.inlined() {
		entry.Value = fn.Some(append([]byte{}, r.inline...))
	}

	return entry
}
