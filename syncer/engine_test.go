package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcpayserver/lnsync/devicedb"
	"github.com/btcpayserver/lnsync/events"
	"github.com/btcpayserver/lnsync/lnencrypt"
	"github.com/btcpayserver/lnsync/remotestore"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// recorder collects the events published by an engine.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, ev)

	return nil
}

// writes returns the observed remote writes, keyed by entity key.
func (r *recorder) writes() map[string]events.RemoteWriteObserved {
	r.mu.Lock()
	defer r.mu.Unlock()

	writes := make(map[string]events.RemoteWriteObserved)
	for _, ev := range r.events {
		if w, ok := ev.(events.RemoteWriteObserved); ok {
			writes[w.Key] = w
		}
	}

	return writes
}

// testDevice is one device sharing a remote store with others.
type testDevice struct {
	db     *devicedb.DB
	keys   *lnencrypt.MemKeyStore
	rec    *recorder
	engine *Engine

	mu     sync.Mutex
	ticker *ticker.Force
}

func newTestDevice(t *testing.T, remote remotestore.Store,
	secret fn.Option[lnencrypt.Secret]) *testDevice {

	d := &testDevice{
		db:   devicedb.MakeTestDB(t),
		keys: &lnencrypt.MemKeyStore{},
		rec:  &recorder{},
	}
	secret.WhenSome(func(s lnencrypt.Secret) {
		require.NoError(t, d.keys.StoreSecret(s))
	})

	d.engine = New(&Config{
		Local:    d.db,
		Remote:   remote,
		KeyStore: d.keys,
		Notifier: d.rec,
		NewTicker: func(time.Duration) ticker.Ticker {
			d.mu.Lock()
			defer d.mu.Unlock()

			d.ticker = ticker.NewForce(time.Hour)

			return d.ticker
		},
		FetchConcurrency: 2,
	})
	t.Cleanup(d.engine.Stop)

	return d
}

// tick forces one more iteration of the latest loop.
func (d *testDevice) tick(t *testing.T) {
	d.mu.Lock()
	force := d.ticker.Force
	d.mu.Unlock()

	select {
	case force <- time.Now():
	case <-time.After(testTimeout):
		t.Fatalf("loop did not accept tick")
	}
}

func newSecret(t *testing.T) fn.Option[lnencrypt.Secret] {
	secret, err := lnencrypt.GenerateSecret()
	require.NoError(t, err)

	return fn.Some(secret)
}

func requireSameRows(t *testing.T, a, b *devicedb.DB) {
	t.Helper()

	av, err := a.ListVersions()
	require.NoError(t, err)
	bv, err := b.ListVersions()
	require.NoError(t, err)
	require.Equal(t, av, bv)

	for key := range av {
		ae, err := a.FetchEntity(key)
		require.NoError(t, err)
		be, err := b.FetchEntity(key)
		require.NoError(t, err)
		require.Equal(t, ae, be)
	}
}

// TestPushThenPullConverges pushes the rows of one device and pulls them on
// another. Both end up with identical rows and versions, and the outbox of
// the pushing device is empty.
func TestPushThenPullConverges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	remote := remotestore.NewMemStore()

	// Force one body out of the listing so both fetch paths are used.
	remote.SetInlineLimit(64)

	secret := newSecret(t)
	master := newTestDevice(t, remote, secret)
	slave := newTestDevice(t, remote, secret)

	_, err := master.db.PutEntity(
		devicedb.KindSetting, "fiat", []byte("usd"), true,
	)
	require.NoError(t, err)
	_, err = master.db.PutEntity(
		devicedb.KindPayment, "p1", make([]byte, 512), true,
	)
	require.NoError(t, err)
	write, err := master.db.PutChannelState(
		[]string{"chan-a", "scid-1"}, []byte("state"), 3,
	)
	require.NoError(t, err)
	_, err = master.db.PutEntity(
		devicedb.KindSetting, "local", []byte("x"), false,
	)
	require.NoError(t, err)

	require.NoError(t, master.engine.PushToRemote(ctx, "1"))

	outbox, err := master.db.FetchOutbox()
	require.NoError(t, err)
	require.Empty(t, outbox)
	require.Equal(t, "1", remote.Writer(write.Key))

	pushed := master.rec.writes()
	require.Len(t, pushed, 3)
	require.Equal(t, write.Version, pushed[write.Key].Version)
	require.Equal(t, events.DirectionPush, pushed[write.Key].Via)

	// Channel writes name the state they carry, other rows don't.
	mark := events.NewChannelMark(3, []byte("state"))
	require.Equal(t, fn.Some(mark), pushed[write.Key].Channel)
	fiatKey := devicedb.EntityKey(devicedb.KindSetting, "fiat")
	require.True(t, pushed[fiatKey].Channel.IsNone())

	require.NoError(t, slave.engine.PullFromRemote(ctx))
	requireSameRows(t, master.db, slave.db)

	pulled := slave.rec.writes()
	require.Len(t, pulled, 3)
	require.Equal(t, events.DirectionPull, pulled[write.Key].Via)
	require.Equal(t, fn.Some(mark), pulled[write.Key].Channel)

	// The pulled channel is reachable through its aliases and pulled
	// rows are never queued for push.
	state, _, err := slave.db.FetchChannelState("scid-1")
	require.NoError(t, err)
	require.Equal(t, []byte("state"), state.Data)

	outbox, err = slave.db.FetchOutbox()
	require.NoError(t, err)
	require.Empty(t, outbox)

	// A second pull with nothing new changes nothing.
	require.NoError(t, slave.engine.PullFromRemote(ctx))
	requireSameRows(t, master.db, slave.db)
}

// TestPullDeletesRemovedRows checks that a row deleted by the master
// disappears from the slave on the next pull, while a slave row that has not
// been pushed yet survives.
func TestPullDeletesRemovedRows(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	remote := remotestore.NewMemStore()
	secret := newSecret(t)
	master := newTestDevice(t, remote, secret)
	slave := newTestDevice(t, remote, secret)

	_, err := master.db.PutEntity(
		devicedb.KindSetting, "gone", []byte("1"), true,
	)
	require.NoError(t, err)
	require.NoError(t, master.engine.PushToRemote(ctx, "1"))
	require.NoError(t, slave.engine.PullFromRemote(ctx))

	key := devicedb.EntityKey(devicedb.KindSetting, "gone")
	_, err = slave.db.FetchEntity(key)
	require.NoError(t, err)

	_, err = master.db.DeleteEntity(key)
	require.NoError(t, err)
	require.NoError(t, master.engine.PushToRemote(ctx, "1"))

	_, err = slave.db.PutEntity(
		devicedb.KindSetting, "unpushed", []byte("2"), true,
	)
	require.NoError(t, err)

	require.NoError(t, slave.engine.PullFromRemote(ctx))

	_, err = slave.db.FetchEntity(key)
	require.ErrorIs(t, err, devicedb.ErrEntityNotFound)

	_, err = slave.db.FetchEntity(
		devicedb.EntityKey(devicedb.KindSetting, "unpushed"),
	)
	require.NoError(t, err)
}

// TestPushConflictPullsNewerData makes a device push a version older than
// the one on the remote store. The push fails with a conflict, the newer
// remote row replaces the local one and the superseded outbox item is gone.
func TestPushConflictPullsNewerData(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	remote := remotestore.NewMemStore()
	secret := newSecret(t)
	first := newTestDevice(t, remote, secret)
	second := newTestDevice(t, remote, secret)

	for _, v := range []string{"a", "b", "c"} {
		_, err := first.db.PutEntity(
			devicedb.KindSetting, "k", []byte(v), true,
		)
		require.NoError(t, err)
	}
	require.NoError(t, first.engine.PushToRemote(ctx, "1"))

	_, err := second.db.PutEntity(
		devicedb.KindSetting, "k", []byte("stale"), true,
	)
	require.NoError(t, err)

	err = second.engine.PushToRemote(ctx, "2")
	require.ErrorIs(t, err, remotestore.ErrConflict)

	key := devicedb.EntityKey(devicedb.KindSetting, "k")
	row, err := second.db.FetchEntity(key)
	require.NoError(t, err)
	require.Equal(t, []byte("c"), row.Data)
	require.Equal(t, "1", remote.Writer(key))

	outbox, err := second.db.FetchOutbox()
	require.NoError(t, err)
	require.Empty(t, outbox)

	// The next local write supersedes everything observed and pushes.
	_, err = second.db.PutEntity(
		devicedb.KindSetting, "k", []byte("fresh"), true,
	)
	require.NoError(t, err)
	require.NoError(t, second.engine.PushToRemote(ctx, "2"))
	require.Equal(t, "2", remote.Writer(key))
}

// TestPushDrainsExactly adds a local write while the push is in flight. The
// concurrent write's outbox item is kept for the next push.
func TestPushDrainsExactly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	remote := remotestore.NewMemStore()
	dev := newTestDevice(t, remote, newSecret(t))

	_, err := dev.db.PutEntity(
		devicedb.KindSetting, "first", []byte("1"), true,
	)
	require.NoError(t, err)

	var once sync.Once
	remote.SetPutHook(func(*remotestore.PutRequest) error {
		once.Do(func() {
			_, err := dev.db.PutEntity(
				devicedb.KindSetting, "racing", []byte("2"),
				true,
			)
			require.NoError(t, err)
		})

		return nil
	})

	require.NoError(t, dev.engine.PushToRemote(ctx, "1"))

	outbox, err := dev.db.FetchOutbox()
	require.NoError(t, err)
	require.Len(t, outbox, 1)
	require.Equal(t, devicedb.EntityKey(
		devicedb.KindSetting, "racing",
	), outbox[0].Key)

	require.NoError(t, dev.engine.PushToRemote(ctx, "1"))

	outbox, err = dev.db.FetchOutbox()
	require.NoError(t, err)
	require.Empty(t, outbox)
}

// TestPushFailureKeepsOutbox asserts a failed remote write leaves every
// outbox item in place.
func TestPushFailureKeepsOutbox(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	remote := remotestore.NewMemStore()
	dev := newTestDevice(t, remote, newSecret(t))

	_, err := dev.db.PutEntity(
		devicedb.KindSetting, "k", []byte("1"), true,
	)
	require.NoError(t, err)

	errLink := errors.New("link down")
	remote.SetPutHook(func(*remotestore.PutRequest) error {
		return errLink
	})

	err = dev.engine.PushToRemote(ctx, "1")
	require.ErrorIs(t, err, errLink)

	outbox, err := dev.db.FetchOutbox()
	require.NoError(t, err)
	require.Len(t, outbox, 1)
	require.Empty(t, dev.rec.writes())
}

// TestSyncRequiresKey checks both directions refuse to run without the
// root secret.
func TestSyncRequiresKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dev := newTestDevice(
		t, remotestore.NewMemStore(), fn.None[lnencrypt.Secret](),
	)

	require.ErrorIs(t, dev.engine.PushToRemote(ctx, "1"), lnencrypt.ErrNoKey)
	require.ErrorIs(t, dev.engine.PullFromRemote(ctx), lnencrypt.ErrNoKey)
}

// TestContinuousSingleDirection switches the engine between directions and
// checks only the latest loop keeps running.
func TestContinuousSingleDirection(t *testing.T) {
	t.Parallel()

	remote := remotestore.NewMemStore()
	dev := newTestDevice(t, remote, newSecret(t))

	require.True(t, dev.engine.ActiveDirection().IsNone())

	_, err := dev.db.PutEntity(
		devicedb.KindSetting, "k", []byte("1"), true,
	)
	require.NoError(t, err)

	require.NoError(t, dev.engine.StartContinuous(events.DirectionPush, "1"))
	require.Equal(
		t, fn.Some(events.DirectionPush), dev.engine.ActiveDirection(),
	)

	// The first iteration runs without waiting for a tick.
	require.Eventually(t, func() bool {
		outbox, err := dev.db.FetchOutbox()
		return err == nil && len(outbox) == 0
	}, testTimeout, 10*time.Millisecond)

	// Restarting the same loop is a no-op.
	require.NoError(t, dev.engine.StartContinuous(events.DirectionPush, "1"))

	require.NoError(t, dev.engine.StartContinuous(events.DirectionPull, ""))
	require.Equal(
		t, fn.Some(events.DirectionPull), dev.engine.ActiveDirection(),
	)

	// With only the pull loop running a new local write is never pushed.
	_, err = dev.db.PutEntity(
		devicedb.KindSetting, "held", []byte("2"), true,
	)
	require.NoError(t, err)
	dev.tick(t)
	dev.tick(t)

	entries, err := remote.ListKeyVersions(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)

	dev.engine.StopContinuous()
	require.True(t, dev.engine.ActiveDirection().IsNone())

	dev.engine.Stop()
	err = dev.engine.StartContinuous(events.DirectionPush, "1")
	require.ErrorIs(t, err, ErrEngineStopped)
}

// TestContinuousPullPropagates checks a slave's pull loop picks up each
// master push on the next tick.
func TestContinuousPullPropagates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	remote := remotestore.NewMemStore()
	secret := newSecret(t)
	master := newTestDevice(t, remote, secret)
	slave := newTestDevice(t, remote, secret)

	require.NoError(t, slave.engine.StartContinuous(events.DirectionPull, ""))

	for _, v := range []string{"1", "2", "3"} {
		_, err := master.db.PutEntity(
			devicedb.KindSetting, "counter", []byte(v), true,
		)
		require.NoError(t, err)
		require.NoError(t, master.engine.PushToRemote(ctx, "1"))

		slave.tick(t)

		key := devicedb.EntityKey(devicedb.KindSetting, "counter")
		require.Eventually(t, func() bool {
			row, err := slave.db.FetchEntity(key)
			return err == nil && string(row.Data) == v
		}, testTimeout, 10*time.Millisecond)
	}

	requireSameRows(t, master.db, slave.db)
}

// TestGroupOutbox checks the selection of the most advanced item per key.
func TestGroupOutbox(t *testing.T) {
	t.Parallel()

	item := func(seq uint64, key string, version int64,
		action devicedb.ActionType) *devicedb.OutboxItem {

		return &devicedb.OutboxItem{
			Seq:     seq,
			Key:     key,
			Version: version,
			Action:  action,
		}
	}

	groups := groupOutbox([]*devicedb.OutboxItem{
		item(1, "b", 1, devicedb.ActionInsert),
		item(2, "a", 2, devicedb.ActionInsert),
		item(3, "b", 3, devicedb.ActionUpdate),
		item(4, "a", 2, devicedb.ActionDelete),
		item(5, "a", 2, devicedb.ActionUpdate),
	})
	require.Len(t, groups, 2)

	require.Equal(t, "a", groups[0].key)
	require.Equal(t, devicedb.ActionDelete, groups[0].best.Action)
	require.ElementsMatch(t, []uint64{2, 4, 5}, groups[0].seqs)

	require.Equal(t, "b", groups[1].key)
	require.Equal(t, int64(3), groups[1].best.Version)
	require.ElementsMatch(t, []uint64{1, 3}, groups[1].seqs)
}

// TestPlanPull exercises the pull predicate.
func TestPlanPull(t *testing.T) {
	t.Parallel()

	entry := func(key string, version int64) remotestore.ListingEntry {
		return remotestore.ListingEntry{Key: key, Version: version}
	}

	testCases := []struct {
		name     string
		local    map[string]int64
		pending  map[string]int64
		remote   []remotestore.ListingEntry
		deletes  []string
		upserts  []string
		observed []string
	}{
		{
			name:     "missing locally",
			remote:   []remotestore.ListingEntry{entry("a", 1)},
			upserts:  []string{"a"},
			observed: []string{"a"},
		},
		{
			name:     "newer remotely",
			local:    map[string]int64{"a": 1},
			remote:   []remotestore.ListingEntry{entry("a", 4)},
			upserts:  []string{"a"},
			observed: []string{"a"},
		},
		{
			name:     "same version",
			local:    map[string]int64{"a": 4},
			remote:   []remotestore.ListingEntry{entry("a", 4)},
			observed: []string{"a"},
		},
		{
			name:   "older remotely",
			local:  map[string]int64{"a": 5},
			remote: []remotestore.ListingEntry{entry("a", 4)},
		},
		{
			name:    "absent remotely",
			local:   map[string]int64{"a": 5},
			deletes: []string{"a"},
		},
		{
			name:    "absent remotely but pending",
			local:   map[string]int64{"a": 5},
			pending: map[string]int64{"a": 5},
		},
		{
			name:    "deleted locally, pending",
			pending: map[string]int64{"a": 6},
			remote:  []remotestore.ListingEntry{entry("a", 5)},
		},
		{
			name:     "pending but superseded",
			local:    map[string]int64{"a": 5},
			pending:  map[string]int64{"a": 5},
			remote:   []remotestore.ListingEntry{entry("a", 9)},
			upserts:  []string{"a"},
			observed: []string{"a"},
		},
	}

	keys := func(entries []remotestore.ListingEntry) []string {
		var out []string
		for _, e := range entries {
			out = append(out, e.Key)
		}

		return out
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			plan := planPull(tc.local, tc.pending, tc.remote)
			require.ElementsMatch(t, tc.deletes, plan.deletes)
			require.ElementsMatch(t, tc.upserts, keys(plan.upserts))
			require.ElementsMatch(
				t, tc.observed, keys(plan.observed),
			)
		})
	}
}

// TestEncryptionKeyRequiresImport checks when a device without a key must
// wait for an import instead of generating one.
func TestEncryptionKeyRequiresImport(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	testCases := []struct {
		name       string
		haveKey    bool
		localRows  bool
		remoteRows bool
		want       bool
	}{
		{name: "fresh node"},
		{name: "key present", haveKey: true, localRows: true,
			remoteRows: true},
		{name: "local rows", localRows: true, want: true},
		{name: "remote rows", remoteRows: true, want: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			remote := remotestore.NewMemStore()
			if tc.remoteRows {
				err := remote.PutObject(ctx, &remotestore.PutRequest{
					Items: []remotestore.PutItem{{
						Key:     "Setting_x",
						Value:   []byte{1},
						Version: 1,
					}},
				})
				require.NoError(t, err)
			}

			secret := fn.None[lnencrypt.Secret]()
			if tc.haveKey {
				secret = newSecret(t)
			}
			dev := newTestDevice(t, remote, secret)

			if tc.localRows {
				_, err := dev.db.PutEntity(
					devicedb.KindSetting, "y", nil, true,
				)
				require.NoError(t, err)
			}

			got, err := dev.engine.EncryptionKeyRequiresImport(ctx)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)

			err = dev.engine.EnsureEncryptionKey(ctx)
			if tc.want {
				require.ErrorIs(t, err, lnencrypt.ErrNoKey)
				return
			}
			require.NoError(t, err)

			ok, err := lnencrypt.HasSecret(dev.keys)
			require.NoError(t, err)
			require.True(t, ok)
		})
	}
}

// TestImportEncryptionKey checks an imported key unblocks the engine and is
// announced.
func TestImportEncryptionKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dev := newTestDevice(
		t, remotestore.NewMemStore(), fn.None[lnencrypt.Secret](),
	)

	secret, err := lnencrypt.GenerateSecret()
	require.NoError(t, err)
	require.NoError(t, dev.engine.ImportEncryptionKey(secret))

	require.NoError(t, dev.engine.PullFromRemote(ctx))

	dev.rec.mu.Lock()
	defer dev.rec.mu.Unlock()

	require.Contains(t, dev.rec.events, events.EncryptionKeyImported{
		Fingerprint: secret.Fingerprint(),
	})
}

// TestPullMirrorsRemoteVersions gives a slave an older copy of one setting
// and a setting the remote store no longer has. After one pull it holds
// exactly the remote keys at the remote versions.
func TestPullMirrorsRemoteVersions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	remote := remotestore.NewMemStore()
	secret := newSecret(t)
	master := newTestDevice(t, remote, secret)
	slave := newTestDevice(t, remote, secret)

	for _, name := range []string{"x", "y"} {
		_, err := master.db.PutEntity(
			devicedb.KindSetting, name, []byte("v1"), true,
		)
		require.NoError(t, err)
	}
	require.NoError(t, master.engine.PushToRemote(ctx, "1"))
	require.NoError(t, slave.engine.PullFromRemote(ctx))

	x := devicedb.EntityKey(devicedb.KindSetting, "x")
	y := devicedb.EntityKey(devicedb.KindSetting, "y")

	_, err := master.db.PutEntity(
		devicedb.KindSetting, "x", []byte("v3"), true,
	)
	require.NoError(t, err)
	_, err = master.db.DeleteEntity(y)
	require.NoError(t, err)
	require.NoError(t, master.engine.PushToRemote(ctx, "1"))

	require.NoError(t, slave.engine.PullFromRemote(ctx))

	listing, err := remote.ListKeyVersions(ctx)
	require.NoError(t, err)
	require.Len(t, listing, 1)
	require.Equal(t, x, listing[0].Key)

	versions, err := slave.db.ListVersions()
	require.NoError(t, err)
	require.Equal(t, map[string]int64{x: listing[0].Version}, versions)

	row, err := slave.db.FetchEntity(x)
	require.NoError(t, err)
	require.Equal(t, []byte("v3"), row.Data)

	outbox, err := slave.db.FetchOutbox()
	require.NoError(t, err)
	require.Empty(t, outbox)
}
