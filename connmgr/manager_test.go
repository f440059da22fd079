package connmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcpayserver/lnsync/auth"
	"github.com/btcpayserver/lnsync/chanpersist"
	"github.com/btcpayserver/lnsync/cluster"
	"github.com/btcpayserver/lnsync/devicedb"
	"github.com/btcpayserver/lnsync/events"
	"github.com/btcpayserver/lnsync/lnencrypt"
	"github.com/btcpayserver/lnsync/remotestore"
	"github.com/btcpayserver/lnsync/syncer"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

const (
	testTimeout = 5 * time.Second
	pollDelay   = 10 * time.Millisecond
)

var (
	testTime = time.Date(2024, time.June, 1, 9, 0, 0, 0, time.UTC)

	alice = auth.Credential{User: "alice", Password: "hunter2"}
)

// testNode is one device of a node, wired the way the daemon wires it.
type testNode struct {
	id      devicedb.DeviceID
	db      *devicedb.DB
	keys    *lnencrypt.MemKeyStore
	bus     *events.Bus
	session *auth.Session
	engine  *syncer.Engine
	link    *cluster.MemCoordinator
	mgr     *Manager
	states  *StateSubscription
}

type nodeOpts struct {
	clock   clock.Clock
	refresh fn.Option[auth.Refresher]
}

func newTestNode(t *testing.T, hub *cluster.MemHub,
	remote remotestore.Store, opts nodeOpts) *testNode {

	n := &testNode{
		db:   devicedb.MakeTestDB(t),
		keys: &lnencrypt.MemKeyStore{},
		bus:  events.NewBus(),
		link: hub.NewCoordinator(),
	}

	id, err := n.db.FetchOrCreateDeviceID()
	require.NoError(t, err)
	n.id = id

	require.NoError(t, n.bus.Start())
	t.Cleanup(func() {
		require.NoError(t, n.bus.Stop())
	})

	n.session = auth.NewSession(n.bus, opts.refresh)

	n.engine = syncer.New(&syncer.Config{
		Local:    n.db,
		Remote:   remote,
		KeyStore: n.keys,
		Notifier: n.bus,
		Interval: pollDelay,
	})
	t.Cleanup(n.engine.Stop)

	n.mgr = New(&Config{
		DeviceID:   n.id,
		Hub:        n.link,
		Auth:       n.session,
		Sync:       n.engine,
		Bus:        n.bus,
		RetryDelay: pollDelay,
		Clock:      opts.clock,
	})
	n.states = n.mgr.SubscribeStates()

	require.NoError(t, n.mgr.Start())
	t.Cleanup(func() {
		require.NoError(t, n.mgr.Stop())
	})

	return n
}

// waitForState reads entered states until want shows up.
func (n *testNode) waitForState(t *testing.T, want ConnectionState) {
	t.Helper()

	timeout := time.After(testTimeout)
	for {
		select {
		case item := <-n.states.Updates():
			if item.(ConnectionState) == want {
				return
			}

		case <-timeout:
			t.Fatalf("state %v not reached, at %v", want,
				n.mgr.State())
		}
	}
}

// requireNoState checks the machine does not enter state within a short
// window.
func (n *testNode) requireNoState(t *testing.T, state ConnectionState) {
	t.Helper()

	timeout := time.After(20 * pollDelay)
	for {
		select {
		case item := <-n.states.Updates():
			require.NotEqual(t, state, item.(ConnectionState))

		case <-timeout:
			return
		}
	}
}

func (n *testNode) login(t *testing.T, cred auth.Credential) {
	t.Helper()

	require.NoError(t, n.session.Login(cred))
}

func (n *testNode) secret(t *testing.T) lnencrypt.Secret {
	t.Helper()

	secret, err := n.keys.LoadSecret()
	require.NoError(t, err)

	return secret
}

func requireMaster(t *testing.T, hub *cluster.MemHub, id devicedb.DeviceID) {
	t.Helper()

	require.Eventually(t, func() bool {
		return hub.Master() == fn.Some(id)
	}, testTimeout, pollDelay)
}

// TestFreshNodeBecomesMaster brings up the first device of a brand new
// node: it waits for a credential, generates the encryption key, claims
// the master role and pushes its rows.
func TestFreshNodeBecomesMaster(t *testing.T) {
	t.Parallel()

	hub := cluster.NewMemHub()
	remote := remotestore.NewMemStore()
	n := newTestNode(t, hub, remote, nodeOpts{})

	n.waitForState(t, StateWaitingForAuth)
	n.requireNoState(t, StateConnecting)

	has, err := lnencrypt.HasSecret(n.keys)
	require.NoError(t, err)
	require.False(t, has)

	n.login(t, alice)

	for _, state := range []ConnectionState{
		StateConnecting,
		StateSyncing,
		StateConnectedFinishedInitialSync,
		StateConnectedAsMaster,
	} {
		n.waitForState(t, state)
	}
	requireMaster(t, hub, n.id)

	has, err = lnencrypt.HasSecret(n.keys)
	require.NoError(t, err)
	require.True(t, has)

	// The push loop drains the outbox and stamps the writes with the
	// device id.
	_, err = n.db.PutEntity(
		devicedb.KindSetting, "fiat", []byte("eur"), true,
	)
	require.NoError(t, err)

	key := devicedb.EntityKey(devicedb.KindSetting, "fiat")
	require.Eventually(t, func() bool {
		return remote.Writer(key) == n.id.String()
	}, testTimeout, pollDelay)

	require.Eventually(t, func() bool {
		outbox, err := n.db.FetchOutbox()
		return err == nil && len(outbox) == 0
	}, testTimeout, pollDelay)

	// Stopping the device releases the role with its link.
	require.NoError(t, n.mgr.Stop())
	require.True(t, hub.Master().IsNone())
}

// TestSecondDeviceImportsKey brings up a second device of a node that
// already has data. It waits for the key, then follows the master as a
// slave.
func TestSecondDeviceImportsKey(t *testing.T) {
	t.Parallel()

	hub := cluster.NewMemHub()
	remote := remotestore.NewMemStore()

	master := newTestNode(t, hub, remote, nodeOpts{})
	master.login(t, alice)
	master.waitForState(t, StateConnectedAsMaster)

	_, err := master.db.PutEntity(
		devicedb.KindPayment, "p1", []byte("payment"), true,
	)
	require.NoError(t, err)

	key := devicedb.EntityKey(devicedb.KindPayment, "p1")
	require.Eventually(t, func() bool {
		return remote.Writer(key) != ""
	}, testTimeout, pollDelay)

	slave := newTestNode(t, hub, remote, nodeOpts{})
	slave.login(t, alice)
	slave.waitForState(t, StateWaitingForEncryptionKey)

	has, err := lnencrypt.HasSecret(slave.keys)
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, slave.engine.ImportEncryptionKey(
		master.secret(t),
	))

	slave.waitForState(t, StateSyncing)
	slave.waitForState(t, StateConnectedAsSlave)
	requireMaster(t, hub, master.id)

	entity, err := slave.db.FetchEntity(key)
	require.NoError(t, err)
	require.Equal(t, []byte("payment"), entity.Data)

	// Later writes of the master reach the slave through its pull loop.
	_, err = master.db.PutEntity(
		devicedb.KindPayment, "p2", []byte("another"), true,
	)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := slave.db.FetchEntity(
			devicedb.EntityKey(devicedb.KindPayment, "p2"),
		)
		return err == nil
	}, testTimeout, pollDelay)
}

// TestMasterHandover checks a downgrade hands the master role to the slave,
// which then pushes the channel state it wrote while it was slave and
// completes its pending checkpoint exactly once.
func TestMasterHandover(t *testing.T) {
	t.Parallel()

	hub := cluster.NewMemHub()
	remote := remotestore.NewMemStore()

	first := newTestNode(t, hub, remote, nodeOpts{})
	first.login(t, alice)
	first.waitForState(t, StateConnectedAsMaster)

	second := newTestNode(t, hub, remote, nodeOpts{})
	require.NoError(t, second.keys.StoreSecret(first.secret(t)))
	second.login(t, alice)
	second.waitForState(t, StateConnectedAsSlave)

	var (
		mu   sync.Mutex
		done []string
	)
	coord := chanpersist.New(&chanpersist.Config{
		Store: second.db,
		OnComplete: func(canonicalID string, checkpoint uint64) {
			mu.Lock()
			defer mu.Unlock()

			done = append(done, fmt.Sprintf("%v@%d", canonicalID,
				checkpoint))
		},
	})
	reg := events.NewRegistry()
	coord.RegisterHandlers(reg)
	detach, err := second.bus.Attach(reg)
	require.NoError(t, err)
	t.Cleanup(detach)

	require.NoError(t, coord.Start())
	t.Cleanup(coord.Stop)

	status := coord.PersistChannelState(
		[]string{"chan-a"}, []byte("state-5"), 5,
	)
	require.Equal(t, chanpersist.StatusInProgress, status)

	// A slave never pushes, so the checkpoint stays pending.
	second.requireNoState(t, StateConnectedAsMaster)
	require.Equal(t, 1, coord.NumPending())
	require.Empty(t, remote.Writer(devicedb.ChannelKey("chan-a")))

	first.mgr.RequestDowngrade()

	first.waitForState(t, StateConnectedAsSlave)
	second.waitForState(t, StateConnectedAsMaster)
	requireMaster(t, hub, second.id)

	require.Eventually(t, func() bool {
		return remote.Writer(devicedb.ChannelKey("chan-a")) ==
			second.id.String()
	}, testTimeout, pollDelay)

	require.Eventually(t, func() bool {
		return coord.NumPending() == 0
	}, testTimeout, pollDelay)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, coord.WaitForCheckpoint(ctx, 5))

	// The downgraded device does not take the role back.
	first.requireNoState(t, StateConnectedAsMaster)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"chan-a@5"}, done)
}

// TestRejectedCredentialRefreshed checks a credential rejected by the hub is
// refreshed and the connection retried with the new one.
func TestRejectedCredentialRefreshed(t *testing.T) {
	t.Parallel()

	hub := cluster.NewMemHub()
	fresh := auth.Credential{User: "alice", Password: "rotated"}
	hub.RequireCredential(fresh)

	var refreshes atomic.Int32
	refresh := func(_ context.Context,
		cur auth.Credential) (auth.Credential, error) {

		refreshes.Add(1)
		if cur != alice {
			return auth.Credential{}, errors.New("unknown credential")
		}

		return fresh, nil
	}

	n := newTestNode(t, hub, remotestore.NewMemStore(), nodeOpts{
		refresh: fn.Some[auth.Refresher](refresh),
	})
	n.login(t, alice)

	n.waitForState(t, StateConnectedAsMaster)
	require.Equal(t, int32(1), refreshes.Load())
	require.Equal(t, fn.Some(fresh), n.session.Credential())
}

// TestConnectRetry checks a failed connection attempt is retried after the
// retry delay and not before.
func TestConnectRetry(t *testing.T) {
	t.Parallel()

	hub := cluster.NewMemHub()
	hub.FailConnects(errors.New("hub unreachable"))

	ticks := make(chan time.Duration, 10)
	testClock := clock.NewTestClockWithTickSignal(testTime, ticks)

	n := newTestNode(t, hub, remotestore.NewMemStore(), nodeOpts{
		clock: testClock,
	})
	n.login(t, alice)
	n.waitForState(t, StateConnecting)

	select {
	case delay := <-ticks:
		require.Equal(t, pollDelay, delay)

	case <-time.After(testTimeout):
		t.Fatalf("retry not scheduled")
	}

	// The machine idles until the delay passed.
	n.requireNoState(t, StateWaitingForAuth)
	require.Equal(t, StateConnecting, n.mgr.State())

	hub.FailConnects(nil)
	testClock.SetTime(testTime.Add(pollDelay))

	n.waitForState(t, StateWaitingForAuth)
	n.waitForState(t, StateConnectedAsMaster)
}

// TestLinkLossReconnects checks a dropped hub link is re-established and the
// role reclaimed.
func TestLinkLossReconnects(t *testing.T) {
	t.Parallel()

	hub := cluster.NewMemHub()
	n := newTestNode(t, hub, remotestore.NewMemStore(), nodeOpts{})
	n.login(t, alice)
	n.waitForState(t, StateConnectedAsMaster)

	hub.Drop(n.link)

	n.waitForState(t, StateDisconnected)
	n.waitForState(t, StateWaitingForAuth)
	n.waitForState(t, StateConnectedAsMaster)
	requireMaster(t, hub, n.id)
}

// TestDowngradeRacingLinkLoss drops the hub link right after a downgrade
// was requested, so the release fails on a dead link while the link loss is
// queued. The machine follows a single chain of transitions and settles as
// master on the new link.
func TestDowngradeRacingLinkLoss(t *testing.T) {
	t.Parallel()

	hub := cluster.NewMemHub()
	n := newTestNode(t, hub, remotestore.NewMemStore(), nodeOpts{})
	n.login(t, alice)
	n.waitForState(t, StateConnectedAsMaster)

	n.mgr.RequestDowngrade()
	hub.Drop(n.link)

	n.waitForState(t, StateConnecting)
	n.waitForState(t, StateConnectedAsMaster)
	requireMaster(t, hub, n.id)

	// Settled: no further connection attempts.
	n.requireNoState(t, StateConnecting)
	require.Equal(t, StateConnectedAsMaster, n.mgr.State())
}

// TestDowngradeLiftedOnNewLink checks a downgraded device stays slave while
// its link is up, and claims the vacant role again once it reconnects.
func TestDowngradeLiftedOnNewLink(t *testing.T) {
	t.Parallel()

	hub := cluster.NewMemHub()
	n := newTestNode(t, hub, remotestore.NewMemStore(), nodeOpts{})
	n.login(t, alice)
	n.waitForState(t, StateConnectedAsMaster)

	n.mgr.RequestDowngrade()
	n.waitForState(t, StateConnectedAsSlave)
	require.Eventually(t, func() bool {
		return hub.Master().IsNone()
	}, testTimeout, pollDelay)
	n.requireNoState(t, StateConnectedAsMaster)

	hub.Drop(n.link)

	n.waitForState(t, StateConnecting)
	n.waitForState(t, StateConnectedAsMaster)
	requireMaster(t, hub, n.id)
}

// TestLogoutReleasesMaster checks logging out closes the link and a new
// login connects again.
func TestLogoutReleasesMaster(t *testing.T) {
	t.Parallel()

	hub := cluster.NewMemHub()
	n := newTestNode(t, hub, remotestore.NewMemStore(), nodeOpts{})
	n.login(t, alice)
	n.waitForState(t, StateConnectedAsMaster)

	require.NoError(t, n.session.Logout())
	n.waitForState(t, StateWaitingForAuth)
	n.requireNoState(t, StateConnecting)
	require.True(t, hub.Master().IsNone())

	n.login(t, alice)
	n.waitForState(t, StateConnectedAsMaster)
}

// TestMasterLossResyncs checks a slave resyncs and takes the role when the
// master's link goes away.
func TestMasterLossResyncs(t *testing.T) {
	t.Parallel()

	hub := cluster.NewMemHub()
	remote := remotestore.NewMemStore()

	first := newTestNode(t, hub, remote, nodeOpts{})
	first.login(t, alice)
	first.waitForState(t, StateConnectedAsMaster)

	second := newTestNode(t, hub, remote, nodeOpts{})
	require.NoError(t, second.keys.StoreSecret(first.secret(t)))
	second.login(t, alice)
	second.waitForState(t, StateConnectedAsSlave)

	require.NoError(t, first.mgr.Stop())

	second.waitForState(t, StateSyncing)
	second.waitForState(t, StateConnectedAsMaster)
	requireMaster(t, hub, second.id)
}

// TestStaleTransitionDropped checks a transition queued before the machine
// moved on is never entered.
func TestStaleTransitionDropped(t *testing.T) {
	t.Parallel()

	m := New(&Config{})
	m.epoch = 3

	next := m.handle(transition{to: StateSyncing, epoch: 2})
	require.True(t, next.IsNone())
	require.Equal(t, StateInit, m.State())
	require.EqualValues(t, 3, m.epoch)
}
