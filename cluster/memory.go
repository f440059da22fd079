package cluster

import (
	"context"
	"sync"

	"github.com/btcpayserver/lnsync/auth"
	"github.com/btcpayserver/lnsync/devicedb"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// MemHub is an in-process coordinating server. Every device of a test or of
// a single process deployment gets its own MemCoordinator link to it.
type MemHub struct {
	mu sync.Mutex

	cred        fn.Option[auth.Credential]
	connectErr  error
	master      fn.Option[devicedb.DeviceID]
	masterOwner *MemCoordinator
	links       map[*MemCoordinator]struct{}
}

// NewMemHub creates a hub accepting any credential.
func NewMemHub() *MemHub {
	return &MemHub{
		cred:   fn.None[auth.Credential](),
		master: fn.None[devicedb.DeviceID](),
		links:  make(map[*MemCoordinator]struct{}),
	}
}

// RequireCredential makes the hub reject every other credential.
func (h *MemHub) RequireCredential(cred auth.Credential) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cred = fn.Some(cred)
}

// FailConnects makes every Connect fail with err until called with nil.
func (h *MemHub) FailConnects(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.connectErr = err
}

// Master returns the current master.
func (h *MemHub) Master() fn.Option[devicedb.DeviceID] {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.master
}

// NewCoordinator returns an unconnected link to the hub.
func (h *MemHub) NewCoordinator() *MemCoordinator {
	return &MemCoordinator{hub: h}
}

// setMasterLocked changes the master and notifies every link.
//
// NOTE: h.mu must be held.
func (h *MemHub) setMasterLocked(master fn.Option[devicedb.DeviceID],
	owner *MemCoordinator) {

	h.master = master
	h.masterOwner = owner

	for link := range h.links {
		link.notify(master)
	}
}

// dropLocked removes a link, freeing the master role it held the way an
// expired lease would.
//
// NOTE: h.mu must be held.
func (h *MemHub) dropLocked(link *MemCoordinator) {
	if _, ok := h.links[link]; !ok {
		return
	}
	delete(h.links, link)
	link.closeChanges()

	if h.masterOwner == link {
		h.setMasterLocked(fn.None[devicedb.DeviceID](), nil)
	}
}

// Drop simulates the loss of link, as seen by both sides.
func (h *MemHub) Drop(link *MemCoordinator) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.dropLocked(link)
}

// MemCoordinator is a Coordinator link to a MemHub.
type MemCoordinator struct {
	hub *MemHub

	// changes is guarded by hub.mu.
	changes chan fn.Option[devicedb.DeviceID]
}

// A compile time check to ensure MemCoordinator implements the Coordinator
// interface.
var _ Coordinator = (*MemCoordinator)(nil)

// notify queues a master change, dropping the oldest pending one if the
// consumer is behind.
//
// NOTE: hub.mu must be held.
func (m *MemCoordinator) notify(master fn.Option[devicedb.DeviceID]) {
	for {
		select {
		case m.changes <- master:
			return
		default:
		}

		select {
		case <-m.changes:
		default:
		}
	}
}

// closeChanges closes the change channel of the current link.
//
// NOTE: hub.mu must be held.
func (m *MemCoordinator) closeChanges() {
	if m.changes != nil {
		close(m.changes)
		m.changes = nil
	}
}

// Connect checks the credential and registers the link.
func (m *MemCoordinator) Connect(_ context.Context,
	cred auth.Credential) error {

	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	h.dropLocked(m)

	if h.connectErr != nil {
		return h.connectErr
	}

	var authErr error
	h.cred.WhenSome(func(want auth.Credential) {
		if want != cred {
			authErr = ErrAuthFailed
		}
	})
	if authErr != nil {
		return authErr
	}

	m.changes = make(chan fn.Option[devicedb.DeviceID], 16)
	h.links[m] = struct{}{}

	return nil
}

// Close drops the link.
func (m *MemCoordinator) Close() error {
	m.hub.Drop(m)

	return nil
}

// connected reports whether the link is registered.
//
// NOTE: hub.mu must be held.
func (m *MemCoordinator) connected() bool {
	_, ok := m.hub.links[m]

	return ok
}

// CurrentMaster returns the hub's master.
func (m *MemCoordinator) CurrentMaster(
	_ context.Context) fn.Result[fn.Option[devicedb.DeviceID]] {

	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if !m.connected() {
		return fn.Err[fn.Option[devicedb.DeviceID]](ErrNotConnected)
	}

	return fn.Ok(h.master)
}

// ClaimOrReleaseMaster claims a vacant role or vacates a held one.
func (m *MemCoordinator) ClaimOrReleaseMaster(_ context.Context,
	id devicedb.DeviceID, wantsMaster bool) fn.Result[bool] {

	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if !m.connected() {
		return fn.Err[bool](ErrNotConnected)
	}

	current := h.master.UnwrapOr(0)
	held := h.master.IsSome() && current == id

	switch {
	case wantsMaster && held:
		return fn.Ok(true)

	case wantsMaster && h.master.IsNone():
		h.setMasterLocked(fn.Some(id), m)
		return fn.Ok(true)

	case wantsMaster:
		return fn.Ok(false)

	case held:
		h.setMasterLocked(fn.None[devicedb.DeviceID](), nil)
	}

	return fn.Ok(false)
}

// MasterChanges returns the change channel of the current link.
func (m *MemCoordinator) MasterChanges() <-chan fn.Option[devicedb.DeviceID] {
	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if m.changes == nil {
		closed := make(chan fn.Option[devicedb.DeviceID])
		close(closed)

		return closed
	}

	return m.changes
}
