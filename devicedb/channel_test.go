package devicedb

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestChannelStateEncoding checks a channel record survives its TLV
// encoding, including an empty alias set.
func TestChannelStateEncoding(t *testing.T) {
	t.Parallel()

	states := []*ChannelState{
		{
			CanonicalID: "funding:0",
			AliasIDs:    []string{"alias-a", "alias-b"},
			Data:        []byte{1, 2, 3},
			Checkpoint:  42,
			Archived:    true,
		},
		{
			CanonicalID: "c",
			AliasIDs:    []string{},
			Data:        []byte{},
		},
	}

	for _, state := range states {
		var b bytes.Buffer
		require.NoError(t, state.Encode(&b))

		decoded, err := DecodeChannelState(&b)
		require.NoError(t, err)
		require.Equal(t, state.CanonicalID, decoded.CanonicalID)
		require.ElementsMatch(t, state.AliasIDs, decoded.AliasIDs)
		require.Equal(t, state.Checkpoint, decoded.Checkpoint)
		require.Equal(t, state.Archived, decoded.Archived)
		require.True(t, bytes.Equal(state.Data, decoded.Data))
	}

	_, err := DecodeChannelState(bytes.NewReader([]byte{0xff}))
	require.ErrorIs(t, err, ErrCorruptRecord)
}

// TestPutChannelStateAliases asserts alias ids are merged into one record,
// that an alias equal to the canonical id collapses and that any id finds
// the record.
func TestPutChannelStateAliases(t *testing.T) {
	t.Parallel()

	db := MakeTestDB(t)

	w, err := db.PutChannelState(
		[]string{"fund", "fund"}, []byte("s1"), 1,
	)
	require.NoError(t, err)
	require.True(t, w.Written)
	require.Equal(t, "fund", w.CanonicalID)
	require.Equal(t, "Channel_fund", w.Key)

	// The engine later learns an arbitrary alias for the same channel.
	w2, err := db.PutChannelState(
		[]string{"scid-77", "fund"}, []byte("s2"), 2,
	)
	require.NoError(t, err)
	require.Equal(t, "fund", w2.CanonicalID)
	require.Greater(t, w2.Version, w.Version)

	for _, id := range []string{"fund", "scid-77"} {
		state, version, err := db.FetchChannelState(id)
		require.NoError(t, err)
		require.Equal(t, "fund", state.CanonicalID)
		require.Equal(t, []string{"scid-77"}, state.AliasIDs)
		require.Equal(t, []byte("s2"), state.Data)
		require.EqualValues(t, 2, state.Checkpoint)
		require.Equal(t, w2.Version, version)
	}

	// Addressing the channel by its alias only resolves to the same
	// record.
	w3, err := db.PutChannelState([]string{"scid-77"}, []byte("s3"), 3)
	require.NoError(t, err)
	require.Equal(t, "fund", w3.CanonicalID)

	states, err := db.ListChannelStates()
	require.NoError(t, err)
	require.Len(t, states, 1)

	_, _, err = db.FetchChannelState("unknown")
	require.ErrorIs(t, err, ErrChannelNotFound)

	_, err = db.PutChannelState(nil, nil, 1)
	require.ErrorIs(t, err, ErrNoAliases)
}

// TestPutChannelStateAliasConflict asserts ids of two different channels in
// one request are rejected.
func TestPutChannelStateAliasConflict(t *testing.T) {
	t.Parallel()

	db := MakeTestDB(t)

	_, err := db.PutChannelState([]string{"a"}, nil, 1)
	require.NoError(t, err)
	_, err = db.PutChannelState([]string{"b"}, nil, 1)
	require.NoError(t, err)

	_, err = db.PutChannelState([]string{"a", "b"}, nil, 2)
	require.ErrorIs(t, err, ErrAliasConflict)
}

// TestPutChannelStateCheckpoints covers stale and repeated checkpoints.
func TestPutChannelStateCheckpoints(t *testing.T) {
	t.Parallel()

	db := MakeTestDB(t)

	w, err := db.PutChannelState([]string{"c"}, []byte("five"), 5)
	require.NoError(t, err)

	// A fresh store assigns the checkpoint as the row version.
	require.EqualValues(t, 5, w.Version)

	outbox, err := db.FetchOutbox()
	require.NoError(t, err)
	require.Len(t, outbox, 1)
	require.EqualValues(t, 5, outbox[0].Version)
	require.Equal(t, ActionInsert, outbox[0].Action)

	// Repeating the same request mutates nothing.
	again, err := db.PutChannelState([]string{"c"}, []byte("five"), 5)
	require.NoError(t, err)
	require.False(t, again.Written)
	require.Equal(t, w.Version, again.Version)

	outbox, err = db.FetchOutbox()
	require.NoError(t, err)
	require.Len(t, outbox, 1)

	_, err = db.PutChannelState([]string{"c"}, []byte("four"), 4)
	require.ErrorIs(t, err, ErrStaleCheckpoint)
}

// TestArchiveChannel asserts archiving is a versioned soft delete.
func TestArchiveChannel(t *testing.T) {
	t.Parallel()

	db := MakeTestDB(t)

	w, err := db.PutChannelState([]string{"c", "alias"}, []byte("x"), 1)
	require.NoError(t, err)

	v, err := db.ArchiveChannel("alias")
	require.NoError(t, err)
	require.Greater(t, v, w.Version)

	state, version, err := db.FetchChannelState("c")
	require.NoError(t, err)
	require.True(t, state.Archived)
	require.Equal(t, v, version)

	again, err := db.ArchiveChannel("c")
	require.NoError(t, err)
	require.Equal(t, v, again)

	_, err = db.ArchiveChannel("nope")
	require.ErrorIs(t, err, ErrChannelNotFound)
}

// TestPulledChannelIndexed asserts channel rows received from the remote
// store are reachable through their aliases.
func TestPulledChannelIndexed(t *testing.T) {
	t.Parallel()

	db := MakeTestDB(t)

	var b bytes.Buffer
	state := &ChannelState{
		CanonicalID: "remote-chan",
		AliasIDs:    []string{"remote-alias"},
		Data:        []byte("state"),
		Checkpoint:  9,
	}
	require.NoError(t, state.Encode(&b))

	err := db.ApplyRemoteChanges(nil, []*Entity{{
		Kind:           KindChannel,
		Key:            ChannelKey("remote-chan"),
		Version:        9,
		BackupEligible: true,
		Data:           b.Bytes(),
	}})
	require.NoError(t, err)

	got, version, err := db.FetchChannelState("remote-alias")
	require.NoError(t, err)
	require.Equal(t, "remote-chan", got.CanonicalID)
	require.EqualValues(t, 9, version)

	err = db.ApplyRemoteChanges([]string{ChannelKey("remote-chan")}, nil)
	require.NoError(t, err)

	_, _, err = db.FetchChannelState("remote-alias")
	require.ErrorIs(t, err, ErrChannelNotFound)
}
