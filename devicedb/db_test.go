package devicedb

import (
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

// TestDeviceIDPersists asserts the device id is generated once and returned
// unchanged afterwards.
func TestDeviceIDPersists(t *testing.T) {
	t.Parallel()

	db := MakeTestDB(t)

	first, err := db.FetchOrCreateDeviceID()
	require.NoError(t, err)
	require.Positive(t, int64(first))

	second, err := db.FetchOrCreateDeviceID()
	require.NoError(t, err)
	require.Equal(t, first, second)

	parsed, err := ParseDeviceID(first.String())
	require.NoError(t, err)
	require.Equal(t, first, parsed)
}

// TestReopenKeepsState asserts that creating the database on an existing
// backend keeps the stored rows and sequence.
func TestReopenKeepsState(t *testing.T) {
	t.Parallel()

	db := MakeTestDB(t)

	v, err := db.PutEntity(KindSetting, "x", []byte("1"), true)
	require.NoError(t, err)

	reopened, err := CreateWithBackend(db.Backend)
	require.NoError(t, err)

	e, err := reopened.FetchEntity(EntityKey(KindSetting, "x"))
	require.NoError(t, err)
	require.Equal(t, v, e.Version)

	next, err := reopened.PutEntity(KindSetting, "y", nil, true)
	require.NoError(t, err)
	require.Greater(t, next, v)
}

// TestOutboxCapture checks that every mutation of an eligible row queues an
// outbox item with the right action and that ineligible rows never do.
func TestOutboxCapture(t *testing.T) {
	t.Parallel()

	testClock := clock.NewTestClock(testTime)
	db := MakeTestDB(t, OptionClock(testClock))

	key := EntityKey(KindSetting, "fiat")

	v1, err := db.PutEntity(KindSetting, "fiat", []byte("usd"), true)
	require.NoError(t, err)
	v2, err := db.PutEntity(KindSetting, "fiat", []byte("eur"), true)
	require.NoError(t, err)
	v3, err := db.DeleteEntity(key)
	require.NoError(t, err)

	_, err = db.PutEntity(KindSetting, "local-only", []byte("x"), false)
	require.NoError(t, err)

	items, err := db.FetchOutbox()
	require.NoError(t, err)
	require.Len(t, items, 3)

	want := []struct {
		action  ActionType
		version int64
	}{
		{ActionInsert, v1},
		{ActionUpdate, v2},
		{ActionDelete, v3},
	}
	for i, w := range want {
		require.Equal(t, key, items[i].Key)
		require.Equal(t, KindSetting, items[i].Kind)
		require.Equal(t, w.action, items[i].Action)
		require.Equal(t, w.version, items[i].Version)
		require.True(t, testTime.Equal(items[i].Timestamp))
	}

	require.NoError(t, db.DeleteOutboxItems(
		[]uint64{items[0].Seq, items[1].Seq},
	))

	items, err = db.FetchOutbox()
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, ActionDelete, items[0].Action)

	pending, err := db.PendingOutboxKeys()
	require.NoError(t, err)
	require.Contains(t, pending, key)

	_, err = db.FetchEntity(key)
	require.ErrorIs(t, err, ErrEntityNotFound)

	_, err = db.DeleteEntity(key)
	require.ErrorIs(t, err, ErrEntityNotFound)
}

// TestListVersionsEligibleOnly asserts the local listing only covers rows
// that synchronize.
func TestListVersionsEligibleOnly(t *testing.T) {
	t.Parallel()

	db := MakeTestDB(t)

	has, err := db.HasEligibleEntities()
	require.NoError(t, err)
	require.False(t, has)

	_, err = db.PutEntity(KindSetting, "local", nil, false)
	require.NoError(t, err)

	has, err = db.HasEligibleEntities()
	require.NoError(t, err)
	require.False(t, has)

	v, err := db.PutEntity(KindPayment, "p1", []byte("paid"), true)
	require.NoError(t, err)

	versions, err := db.ListVersions()
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"Payment_p1": v}, versions)
}

// TestApplyRemoteChanges asserts pulled writes keep their remote version,
// produce no outbox items and raise the version sequence.
func TestApplyRemoteChanges(t *testing.T) {
	t.Parallel()

	db := MakeTestDB(t)

	_, err := db.PutEntity(KindSetting, "y", []byte("local"), true)
	require.NoError(t, err)

	outbox, err := db.FetchOutbox()
	require.NoError(t, err)
	require.NoError(t, db.DeleteOutboxItems([]uint64{outbox[0].Seq}))

	err = db.ApplyRemoteChanges(
		[]string{"Setting_y", "Setting_missing"},
		[]*Entity{{
			Kind:           KindSetting,
			Key:            "Setting_x",
			Version:        100,
			BackupEligible: true,
			Data:           []byte("remote"),
		}},
	)
	require.NoError(t, err)

	outbox, err = db.FetchOutbox()
	require.NoError(t, err)
	require.Empty(t, outbox)

	versions, err := db.ListVersions()
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"Setting_x": 100}, versions)

	// A later local mutation of any key lands above the pulled version.
	v, err := db.PutEntity(KindSetting, "z", nil, true)
	require.NoError(t, err)
	require.EqualValues(t, 101, v)
}

// TestKindFromKey checks key prefix parsing.
func TestKindFromKey(t *testing.T) {
	t.Parallel()

	kind, err := KindFromKey("Channel_abc_def")
	require.NoError(t, err)
	require.Equal(t, KindChannel, kind)

	_, err = KindFromKey("nokind")
	require.Error(t, err)

	_, err = KindFromKey("Invoice_1")
	require.Error(t, err)
}

// TestApplyRemoteDropsSupersededOutbox asserts a pulled newer version
// retires the local pending items of that key and nothing else.
func TestApplyRemoteDropsSupersededOutbox(t *testing.T) {
	t.Parallel()

	db := MakeTestDB(t)

	vx, err := db.PutEntity(KindSetting, "x", []byte("local"), true)
	require.NoError(t, err)
	_, err = db.PutEntity(KindSetting, "y", []byte("local"), true)
	require.NoError(t, err)

	err = db.ApplyRemoteChanges(nil, []*Entity{{
		Kind:           KindSetting,
		Key:            "Setting_x",
		Version:        vx + 10,
		BackupEligible: true,
		Data:           []byte("remote"),
	}})
	require.NoError(t, err)

	outbox, err := db.FetchOutbox()
	require.NoError(t, err)
	require.Len(t, outbox, 1)
	require.Equal(t, "Setting_y", outbox[0].Key)
}
