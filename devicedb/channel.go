package devicedb

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	chanCanonicalType  tlv.Type = 0
	chanAliasesType    tlv.Type = 1
	chanDataType       tlv.Type = 2
	chanCheckpointType tlv.Type = 3
	chanArchivedType   tlv.Type = 4
)

// ChannelState is the persisted state of one payment channel. A channel is
// addressable by its canonical id and by any number of alias ids.
type ChannelState struct {
	// CanonicalID is the id the record is stored under.
	CanonicalID string

	// AliasIDs are the other ids the channel is known by. The canonical
	// id is never part of the set.
	AliasIDs []string

	// Data is the opaque channel state blob.
	Data []byte

	// Checkpoint is bumped by the channel engine once per persistence
	// request.
	Checkpoint uint64

	// Archived marks a closed channel. Records are never hard deleted so
	// other devices can reconcile the close.
	Archived bool
}

// aliasSet is the TLV representation of ChannelState.AliasIDs.
type aliasSet []string

func (a *aliasSet) encode(w io.Writer) error {
	var buf [8]byte
	if err := tlv.WriteVarInt(w, uint64(len(*a)), &buf); err != nil {
		return err
	}

	for _, alias := range *a {
		err := tlv.WriteVarInt(w, uint64(len(alias)), &buf)
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte(alias)); err != nil {
			return err
		}
	}

	return nil
}

func (a *aliasSet) recordSize() uint64 {
	var b bytes.Buffer
	if err := a.encode(&b); err != nil {
		panic(err)
	}

	return uint64(b.Len())
}

func aliasSetEncoder(w io.Writer, val any, _ *[8]byte) error {
	if t, ok := val.(*aliasSet); ok {
		return t.encode(w)
	}

	return tlv.NewTypeForEncodingErr(val, "aliasSet")
}

func aliasSetDecoder(r io.Reader, val any, buf *[8]byte, l uint64) error {
	t, ok := val.(*aliasSet)
	if !ok {
		return tlv.NewTypeForDecodingErr(val, "aliasSet", l, l)
	}

	lr := io.LimitReader(r, int64(l))
	n, err := tlv.ReadVarInt(lr, buf)
	if err != nil {
		return err
	}

	set := make(aliasSet, 0, n)
	for i := uint64(0); i < n; i++ {
		size, err := tlv.ReadVarInt(lr, buf)
		if err != nil {
			return err
		}
		if size > l {
			return fmt.Errorf("alias length %d exceeds record", size)
		}

		alias := make([]byte, size)
		if _, err := io.ReadFull(lr, alias); err != nil {
			return err
		}
		set = append(set, string(alias))
	}
	*t = set

	return nil
}

// Encode serializes the channel state as a TLV stream.
func (c *ChannelState) Encode(w io.Writer) error {
	canonical := []byte(c.CanonicalID)
	aliases := aliasSet(c.AliasIDs)
	data := c.Data
	checkpoint := c.Checkpoint
	archived := c.Archived

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(chanCanonicalType, &canonical),
		tlv.MakeDynamicRecord(
			chanAliasesType, &aliases, aliases.recordSize,
			aliasSetEncoder, aliasSetDecoder,
		),
		tlv.MakePrimitiveRecord(chanDataType, &data),
		tlv.MakePrimitiveRecord(chanCheckpointType, &checkpoint),
		tlv.MakePrimitiveRecord(chanArchivedType, &archived),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// DecodeChannelState decodes a channel state from its TLV stream.
func DecodeChannelState(r io.Reader) (*ChannelState, error) {
	var (
		canonical  []byte
		aliases    aliasSet
		data       []byte
		checkpoint uint64
		archived   bool
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(chanCanonicalType, &canonical),
		tlv.MakeDynamicRecord(
			chanAliasesType, &aliases, aliases.recordSize,
			aliasSetEncoder, aliasSetDecoder,
		),
		tlv.MakePrimitiveRecord(chanDataType, &data),
		tlv.MakePrimitiveRecord(chanCheckpointType, &checkpoint),
		tlv.MakePrimitiveRecord(chanArchivedType, &archived),
	)
	if err != nil {
		return nil, err
	}

	if err := stream.Decode(r); err != nil {
		return nil, fmt.Errorf("%w: channel state: %v",
			ErrCorruptRecord, err)
	}

	return &ChannelState{
		CanonicalID: string(canonical),
		AliasIDs:    aliases,
		Data:        data,
		Checkpoint:  checkpoint,
		Archived:    archived,
	}, nil
}

// ChannelKey returns the entity key of the channel with the given canonical
// id.
func ChannelKey(canonicalID string) string {
	return EntityKey(KindChannel, canonicalID)
}

// ChannelWrite describes the outcome of PutChannelState.
type ChannelWrite struct {
	// CanonicalID is the id the record is stored under.
	CanonicalID string

	// Key is the entity key of the record.
	Key string

	// Version is the row version after the call.
	Version int64

	// Written is false when the request was already fully reflected by
	// the stored record and nothing was mutated.
	Written bool
}

// mergeAliases returns the union of existing and ids, excluding canonical,
// sorted, and whether anything was added.
func mergeAliases(canonical string, existing, ids []string) ([]string, bool) {
	set := make(map[string]struct{}, len(existing)+len(ids))
	for _, id := range existing {
		if id != canonical {
			set[id] = struct{}{}
		}
	}

	added := false
	for _, id := range ids {
		if id == canonical {
			continue
		}
		if _, ok := set[id]; !ok {
			set[id] = struct{}{}
			added = true
		}
	}

	merged := make([]string, 0, len(set))
	for id := range set {
		merged = append(merged, id)
	}
	sort.Strings(merged)

	return merged, added
}

// resolveCanonicalTx finds the channel the ids refer to. The first id that is
// already indexed wins; an unknown channel is stored under the first id.
func resolveCanonicalTx(tx kvdb.RTx, ids []string) (string, error) {
	index := tx.ReadBucket(channelAliasBucket)
	if index == nil {
		return "", ErrMetaNotFound
	}

	var canonical string
	for _, id := range ids {
		c := index.Get([]byte(id))
		if c == nil {
			continue
		}

		switch {
		case canonical == "":
			canonical = string(c)

		case canonical != string(c):
			return "", fmt.Errorf("%w: %v and %v", ErrAliasConflict,
				canonical, string(c))
		}
	}

	if canonical == "" {
		canonical = ids[0]
	}

	return canonical, nil
}

// indexChannelAliasesTx points every id of the channel row at its canonical
// id.
func indexChannelAliasesTx(tx kvdb.RwTx, e *Entity) error {
	state, err := DecodeChannelState(bytes.NewReader(e.Data))
	if err != nil {
		return err
	}

	index := tx.ReadWriteBucket(channelAliasBucket)
	if index == nil {
		return ErrMetaNotFound
	}

	canonical := []byte(state.CanonicalID)
	if err := index.Put(canonical, canonical); err != nil {
		return err
	}
	for _, alias := range state.AliasIDs {
		if err := index.Put([]byte(alias), canonical); err != nil {
			return err
		}
	}

	return nil
}

// removeChannelAliasesTx drops every index entry of the channel row.
func removeChannelAliasesTx(tx kvdb.RwTx, e *Entity) error {
	state, err := DecodeChannelState(bytes.NewReader(e.Data))
	if err != nil {
		return err
	}

	index := tx.ReadWriteBucket(channelAliasBucket)
	if index == nil {
		return ErrMetaNotFound
	}

	if err := index.Delete([]byte(state.CanonicalID)); err != nil {
		return err
	}
	for _, alias := range state.AliasIDs {
		if err := index.Delete([]byte(alias)); err != nil {
			return err
		}
	}

	return nil
}

// fetchChannelTx loads the record of the channel stored under canonical.
func fetchChannelTx(tx kvdb.RTx, canonical string) (*Entity,
	*ChannelState, error) {

	entities := tx.ReadBucket(entityBucket)
	if entities == nil {
		return nil, nil, ErrMetaNotFound
	}

	e, err := fetchEntityTx(entities, ChannelKey(canonical))
	if err != nil || e == nil {
		return nil, nil, err
	}

	state, err := DecodeChannelState(bytes.NewReader(e.Data))
	if err != nil {
		return nil, nil, err
	}

	return e, state, nil
}

// writeChannelTx stores state as a backup eligible channel row. The row
// version is at least the checkpoint so that the version of a channel write
// never trails the engine's own counter.
func (d *DB) writeChannelTx(tx kvdb.RwTx, state *ChannelState) (int64,
	error) {

	var b bytes.Buffer
	if err := state.Encode(&b); err != nil {
		return 0, err
	}

	floor := int64(math.MaxInt64)
	if state.Checkpoint < math.MaxInt64 {
		floor = int64(state.Checkpoint)
	}

	e := &Entity{
		Kind:           KindChannel,
		Key:            ChannelKey(state.CanonicalID),
		BackupEligible: true,
		Data:           b.Bytes(),
	}
	version, err := d.putEntityTx(tx, e, floor, true)
	if err != nil {
		return 0, err
	}

	if err := indexChannelAliasesTx(tx, e); err != nil {
		return 0, err
	}

	return version, nil
}

// PutChannelState durably writes blob as the state of the channel known by
// ids at the given checkpoint, merging any new alias ids into the record.
// The write captures an outbox item in the same transaction.
//
// Persisting a checkpoint below the stored one fails with
// ErrStaleCheckpoint. Repeating the stored checkpoint with identical data and
// no new ids is a no-op.
func (d *DB) PutChannelState(ids []string, blob []byte,
	checkpoint uint64) (*ChannelWrite, error) {

	if len(ids) == 0 {
		return nil, ErrNoAliases
	}

	var res *ChannelWrite
	err := kvdb.Update(d, func(tx kvdb.RwTx) error {
		canonical, err := resolveCanonicalTx(tx, ids)
		if err != nil {
			return err
		}

		prev, state, err := fetchChannelTx(tx, canonical)
		if err != nil {
			return err
		}
		if state == nil {
			state = &ChannelState{CanonicalID: canonical}
		}

		aliases, added := mergeAliases(canonical, state.AliasIDs, ids)

		switch {
		case prev != nil && checkpoint < state.Checkpoint:
			return fmt.Errorf("%w: channel %v at %d, got %d",
				ErrStaleCheckpoint, canonical,
				state.Checkpoint, checkpoint)

		case prev != nil && checkpoint == state.Checkpoint && !added &&
			bytes.Equal(blob, state.Data):

			res = &ChannelWrite{
				CanonicalID: canonical,
				Key:         prev.Key,
				Version:     prev.Version,
			}

			return nil
		}

		if prev != nil {
			if err := removeChannelAliasesTx(tx, prev); err != nil {
				return err
			}
		}

		state.AliasIDs = aliases
		state.Data = blob
		state.Checkpoint = checkpoint

		version, err := d.writeChannelTx(tx, state)
		if err != nil {
			return err
		}

		res = &ChannelWrite{
			CanonicalID: canonical,
			Key:         ChannelKey(canonical),
			Version:     version,
			Written:     true,
		}

		return nil
	}, func() {
		res = nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// FetchChannelState returns the record of the channel known by id, along
// with its row version.
func (d *DB) FetchChannelState(id string) (*ChannelState, int64, error) {
	var (
		state   *ChannelState
		version int64
	)
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		index := tx.ReadBucket(channelAliasBucket)
		if index == nil {
			return ErrMetaNotFound
		}

		canonical := index.Get([]byte(id))
		if canonical == nil {
			return ErrChannelNotFound
		}

		e, s, err := fetchChannelTx(tx, string(canonical))
		if err != nil {
			return err
		}
		if s == nil {
			return ErrChannelNotFound
		}
		state, version = s, e.Version

		return nil
	}, func() {
		state, version = nil, 0
	})
	if err != nil {
		return nil, 0, err
	}

	return state, version, nil
}

// ArchiveChannel soft deletes the channel known by id and returns the new
// row version. Archiving an archived channel is a no-op.
func (d *DB) ArchiveChannel(id string) (int64, error) {
	var version int64
	err := kvdb.Update(d, func(tx kvdb.RwTx) error {
		index := tx.ReadBucket(channelAliasBucket)
		if index == nil {
			return ErrMetaNotFound
		}

		canonical := index.Get([]byte(id))
		if canonical == nil {
			return ErrChannelNotFound
		}

		e, state, err := fetchChannelTx(tx, string(canonical))
		if err != nil {
			return err
		}
		if state == nil {
			return ErrChannelNotFound
		}
		if state.Archived {
			version = e.Version
			return nil
		}

		state.Archived = true
		version, err = d.writeChannelTx(tx, state)

		return err
	}, func() {
		version = 0
	})
	if err != nil {
		return 0, err
	}

	return version, nil
}

// ListChannelStates returns every stored channel record, archived ones
// included.
func (d *DB) ListChannelStates() ([]*ChannelState, error) {
	var states []*ChannelState
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
			if e.Kind != KindChannel {
				return nil
			}

			state, err := DecodeChannelState(
				bytes.NewReader(e.Data),
			)
			if err != nil {
				return err
			}
			states = append(states, state)

			return nil
		})
	}, func() {
		states = nil
	})
	if err != nil {
		return nil, err
	}

	return states, nil
}
