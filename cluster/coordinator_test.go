package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcpayserver/lnsync/auth"
	"github.com/btcpayserver/lnsync/devicedb"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

const testTimeout = 10 * time.Second

var testCred = auth.Credential{User: "node", Password: "secret"}

// newLinkFunc returns a fresh, connected coordinator of the hub under test.
type newLinkFunc func(t *testing.T) Coordinator

// expectMaster waits for the next master change on the link.
func expectMaster(t *testing.T, c Coordinator,
	want fn.Option[devicedb.DeviceID]) {

	t.Helper()

	select {
	case got, ok := <-c.MasterChanges():
		require.True(t, ok, "change channel closed")
		require.Equal(t, want, got)

	case <-time.After(testTimeout):
		t.Fatalf("no master change observed")
	}
}

// testMasterUniqueness races several devices for the role and asserts
// exactly one of them wins.
func testMasterUniqueness(t *testing.T, newLink newLinkFunc) {
	ctx := context.Background()

	const numDevices = 8
	links := make([]Coordinator, numDevices)
	for i := range links {
		links[i] = newLink(t)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []devicedb.DeviceID
		errs    []error
	)
	for i, link := range links {
		wg.Add(1)
		go func(id devicedb.DeviceID, link Coordinator) {
			defer wg.Done()

			claimed, err := link.ClaimOrReleaseMaster(
				ctx, id, true,
			).Unpack()

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err != nil:
				errs = append(errs, err)

			case claimed:
				winners = append(winners, id)
			}
		}(devicedb.DeviceID(i+1), link)
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, winners, 1)

	master, err := links[0].CurrentMaster(ctx).Unpack()
	require.NoError(t, err)
	require.Equal(t, fn.Some(winners[0]), master)

	// Claiming again keeps the role for the winner only.
	again, err := links[int(winners[0])-1].ClaimOrReleaseMaster(
		ctx, winners[0], true,
	).Unpack()
	require.NoError(t, err)
	require.True(t, again)
}

// testReleaseAndNotify asserts a release frees the role and that every link
// observes the changes.
func testReleaseAndNotify(t *testing.T, newLink newLinkFunc) {
	ctx := context.Background()

	a, b := newLink(t), newLink(t)

	claimed, err := a.ClaimOrReleaseMaster(ctx, 1, true).Unpack()
	require.NoError(t, err)
	require.True(t, claimed)
	expectMaster(t, b, fn.Some(devicedb.DeviceID(1)))

	// Releasing someone else's role does nothing.
	held, err := b.ClaimOrReleaseMaster(ctx, 2, false).Unpack()
	require.NoError(t, err)
	require.False(t, held)

	master, err := b.CurrentMaster(ctx).Unpack()
	require.NoError(t, err)
	require.Equal(t, fn.Some(devicedb.DeviceID(1)), master)

	held, err = a.ClaimOrReleaseMaster(ctx, 1, false).Unpack()
	require.NoError(t, err)
	require.False(t, held)
	expectMaster(t, b, fn.None[devicedb.DeviceID]())

	claimed, err = b.ClaimOrReleaseMaster(ctx, 2, true).Unpack()
	require.NoError(t, err)
	require.True(t, claimed)
}

// testCloseFreesRole asserts a closed link gives up its role and closes its
// change channel.
func testCloseFreesRole(t *testing.T, newLink newLinkFunc) {
	ctx := context.Background()

	a, b := newLink(t), newLink(t)

	claimed, err := a.ClaimOrReleaseMaster(ctx, 1, true).Unpack()
	require.NoError(t, err)
	require.True(t, claimed)
	expectMaster(t, b, fn.Some(devicedb.DeviceID(1)))

	changes := a.MasterChanges()
	require.NoError(t, a.Close())

	deadline := time.After(testTimeout)
	for closed := false; !closed; {
		select {
		case _, ok := <-changes:
			closed = !ok

		case <-deadline:
			t.Fatalf("change channel not closed")
		}
	}

	expectMaster(t, b, fn.None[devicedb.DeviceID]())

	_, err = a.CurrentMaster(ctx).Unpack()
	require.ErrorIs(t, err, ErrNotConnected)
}

var coordinatorTests = []struct {
	name string
	test func(t *testing.T, newLink newLinkFunc)
}{
	{"master uniqueness", testMasterUniqueness},
	{"release and notify", testReleaseAndNotify},
	{"close frees role", testCloseFreesRole},
}

// TestMemHub runs the coordinator suite against the in-process hub.
func TestMemHub(t *testing.T) {
	t.Parallel()

	for _, tc := range coordinatorTests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			hub := NewMemHub()
			tc.test(t, func(t *testing.T) Coordinator {
				link := hub.NewCoordinator()
				require.NoError(t, link.Connect(
					context.Background(), testCred,
				))
				t.Cleanup(func() {
					_ = link.Close()
				})

				return link
			})
		})
	}
}

// TestMemHubAuth asserts credential checks and injected connect failures.
func TestMemHubAuth(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	hub := NewMemHub()
	hub.RequireCredential(testCred)

	link := hub.NewCoordinator()
	err := link.Connect(ctx, auth.Credential{User: "node", Password: "x"})
	require.ErrorIs(t, err, ErrAuthFailed)

	_, err = link.ClaimOrReleaseMaster(ctx, 1, true).Unpack()
	require.ErrorIs(t, err, ErrNotConnected)

	_, ok := <-link.MasterChanges()
	require.False(t, ok)

	hub.FailConnects(context.DeadlineExceeded)
	require.ErrorIs(t, link.Connect(ctx, testCred),
		context.DeadlineExceeded)

	hub.FailConnects(nil)
	require.NoError(t, link.Connect(ctx, testCred))

	// Dropping the link closes its change channel.
	changes := link.MasterChanges()
	hub.Drop(link)
	_, ok = <-changes
	require.False(t, ok)
}
