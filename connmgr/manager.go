package connmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcpayserver/lnsync/auth"
	"github.com/btcpayserver/lnsync/cluster"
	"github.com/btcpayserver/lnsync/devicedb"
	"github.com/btcpayserver/lnsync/events"
	"github.com/btcpayserver/lnsync/syncer"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/queue"
)

const (
	// DefaultRetryDelay is the pause before retrying a failed connection
	// attempt or sync cycle.
	DefaultRetryDelay = 5 * time.Second

	// DefaultCallTimeout bounds every hub call and initial sync cycle.
	DefaultCallTimeout = 30 * time.Second
)

// SyncEngine is the part of the sync engine driven by the state machine.
type SyncEngine interface {
	// PullFromRemote runs one pull cycle.
	PullFromRemote(ctx context.Context) error

	// PushToRemote runs one push cycle stamped with revisionToken.
	PushToRemote(ctx context.Context, revisionToken string) error

	// StartContinuous replaces the running loop with one of direction.
	StartContinuous(dir events.Direction, token string) error

	// StopContinuous stops the running loop.
	StopContinuous()

	// EncryptionKeyRequiresImport reports whether the device has to wait
	// for its root secret to be imported.
	EncryptionKeyRequiresImport(ctx context.Context) (bool, error)

	// EnsureEncryptionKey creates the root secret of a new node.
	EnsureEncryptionKey(ctx context.Context) error
}

// A compile time check to ensure the sync engine satisfies SyncEngine.
var _ SyncEngine = (*syncer.Engine)(nil)

// Config holds the dependencies of the Manager.
type Config struct {
	// DeviceID is this device's identity in master election and the
	// revision token of its pushes.
	DeviceID devicedb.DeviceID

	// Hub is the link to the coordinating server.
	Hub cluster.Coordinator

	// Auth provides the hub credential.
	Auth auth.Provider

	// Sync is the sync engine.
	Sync SyncEngine

	// Bus delivers session, key import and downgrade events to the
	// machine and receives its MasterChanged events. Optional.
	Bus *events.Bus

	// RetryDelay is the pause before a retry.
	RetryDelay time.Duration

	// CallTimeout bounds hub calls and initial sync cycles.
	CallTimeout time.Duration

	// Clock times retries.
	Clock clock.Clock
}

// Manager is the connection state machine. Inputs, whether requested
// transitions or external events, are queued and handled strictly one at a
// time by a single goroutine. A handler's follow-up transition is queued as
// well, never run from within the handler. Queuing a transition advances the
// epoch, so only the latest queued transition is ever entered and a single
// chain of transitions runs at a time.
type Manager struct {
	cfg *Config

	inputs *queue.ConcurrentQueue
	subs   *stateSubscribers

	// The fields below are owned by the machine goroutine. The epoch
	// advances on every state entered and every transition queued.
	epoch      uint64
	link       uint64
	linkUp     bool
	downgraded bool

	// mu guards state for readers outside the machine goroutine.
	mu    sync.RWMutex
	state ConnectionState

	detach func()

	ctx    context.Context
	cancel context.CancelFunc

	started sync.Once
	stopped sync.Once
	quit    chan struct{}
	wg      sync.WaitGroup
}

// New creates a state machine in StateInit.
func New(cfg *Config) *Manager {
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		cfg:    cfg,
		inputs: queue.NewConcurrentQueue(20),
		subs:   newStateSubscribers(),
		state:  StateInit,
		detach: func() {},
		ctx:    ctx,
		cancel: cancel,
		quit:   make(chan struct{}),
	}
}

// Start launches the machine. It leaves StateInit right away.
func (m *Manager) Start() error {
	var err error
	m.started.Do(func() {
		log.Infof("Connection manager starting for device %v",
			m.cfg.DeviceID)

		if m.cfg.Bus != nil {
			err = m.attachBus()
			if err != nil {
				return
			}
		}

		m.inputs.Start()

		m.wg.Add(1)
		go m.machine()

		// No state was entered yet, so the initial epoch is current.
		m.enqueue(transition{to: StateWaitingForAuth})
	})

	return err
}

// Stop halts the machine, the sync loop and the hub link.
func (m *Manager) Stop() error {
	m.stopped.Do(func() {
		log.Infof("Connection manager shutting down")

		m.detach()

		m.cancel()
		close(m.quit)
		m.wg.Wait()

		m.inputs.Stop()
		m.subs.stop()

		m.cfg.Sync.StopContinuous()
		if err := m.cfg.Hub.Close(); err != nil {
			log.Warnf("Unable to close hub link: %v", err)
		}
	})

	return nil
}

// attachBus routes the bus events the machine reacts to into its queue.
func (m *Manager) attachBus() error {
	reg := events.NewRegistry()
	events.Register(reg, func(events.LoggedIn) {
		m.enqueue(credentialChanged{})
	})
	events.Register(reg, func(events.TokenRefreshed) {
		m.enqueue(credentialChanged{})
	})
	events.Register(reg, func(events.LoggedOut) {
		m.enqueue(credentialChanged{loggedOut: true})
	})
	events.Register(reg, func(events.EncryptionKeyImported) {
		m.enqueue(keyImported{})
	})
	events.Register(reg, func(events.DowngradeRequested) {
		m.enqueue(downgradeRequested{})
	})

	detach, err := m.cfg.Bus.Attach(reg)
	if err != nil {
		return fmt.Errorf("unable to attach to event bus: %w", err)
	}
	m.detach = detach

	return nil
}

// State returns the current state.
func (m *Manager) State() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.state
}

// SubscribeStates returns a subscription to every state entered from now
// on.
func (m *Manager) SubscribeStates() *StateSubscription {
	return m.subs.subscribe()
}

// RequestDowngrade asks the device to hand the master role over. The device
// releases the role and stays slave until its hub link is replaced.
func (m *Manager) RequestDowngrade() {
	m.enqueue(downgradeRequested{})
}

// EncryptionKeyImported tells a machine waiting for the root secret that it
// is available.
func (m *Manager) EncryptionKeyImported() {
	m.enqueue(keyImported{})
}

// LinkLost reports that the current hub link is broken.
func (m *Manager) LinkLost() {
	m.enqueue(linkLost{})
}

// enqueue adds an input to the queue.
func (m *Manager) enqueue(in input) {
	select {
	case m.inputs.ChanIn() <- in:
	case <-m.quit:
	}
}

// machine drains the input queue.
//
// NOTE: MUST be run as a goroutine.
func (m *Manager) machine() {
	defer m.wg.Done()

	for {
		select {
		case item := <-m.inputs.ChanOut():
			in, ok := item.(input)
			if !ok {
				continue
			}

			next := m.handle(in)
			next.WhenSome(func(s ConnectionState) {
				m.epoch++
				m.enqueue(transition{to: s, epoch: m.epoch})
			})

		case <-m.quit:
			return
		}
	}
}

// handle processes one input and returns the state to enter next, if any.
func (m *Manager) handle(in input) fn.Option[ConnectionState] {
	none := fn.None[ConnectionState]()

	switch in := in.(type) {
	case transition:
		if in.epoch != m.epoch {
			log.Debugf("Dropping stale transition to %v", in.to)
			return none
		}

		return m.enter(in.to)

	case credentialChanged:
		return m.onCredentialChanged(in)

	case masterChanged:
		return m.onMasterChanged(in)

	case linkLost:
		// A zero link number means the current link.
		if in.link != 0 && in.link != m.link {
			return none
		}
		if !m.linkUp {
			return none
		}

		log.Warnf("Hub link %d lost in state %v", m.link, m.State())

		m.linkUp = false

		return fn.Some(StateDisconnected)

	case keyImported:
		if m.State() != StateWaitingForEncryptionKey {
			return none
		}

		return fn.Some(StateSyncing)

	case downgradeRequested:
		log.Infof("Downgrade to slave requested")

		m.downgraded = true
		if m.State() == StateConnectedAsMaster {
			return fn.Some(StateConnectedFinishedInitialSync)
		}

		return none

	default:
		log.Errorf("Unknown input %T", in)
		return none
	}
}

// onCredentialChanged reacts to session events.
func (m *Manager) onCredentialChanged(
	in credentialChanged) fn.Option[ConnectionState] {

	state := m.State()

	switch {
	case in.loggedOut && state != StateWaitingForAuth:
		return fn.Some(StateWaitingForAuth)

	case !in.loggedOut && state == StateWaitingForAuth:
		return fn.Some(StateWaitingForAuth)
	}

	return fn.None[ConnectionState]()
}

// onMasterChanged reacts to a master role change seen on the hub link.
func (m *Manager) onMasterChanged(
	in masterChanged) fn.Option[ConnectionState] {

	none := fn.None[ConnectionState]()

	if in.link != m.link || !m.linkUp {
		return none
	}

	ev := events.MasterChanged{Master: in.master}
	log.Debugf("Hub reports %v", ev)

	m.publish(ev)

	self := m.isSelf(in.master)

	switch state := m.State(); {
	case state == StateConnectedAsSlave && in.master.IsNone():
		return fn.Some(StateSyncing)

	case state.connected() && self && state != StateConnectedAsMaster:
		return fn.Some(StateConnectedAsMaster)

	case state == StateConnectedAsMaster && !self:
		return fn.Some(StateSyncing)
	}

	return none
}

// setState records the entered state and notifies the subscribers.
func (m *Manager) setState(s ConnectionState) ConnectionState {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()

	m.epoch++

	log.Infof("Connection state %v -> %v", prev, s)

	m.subs.send(s)

	return prev
}

// enter runs the entry action of state.
func (m *Manager) enter(s ConnectionState) fn.Option[ConnectionState] {
	m.setState(s)

	switch s {
	case StateInit:
		return fn.Some(StateWaitingForAuth)

	case StateWaitingForAuth:
		return m.enterWaitingForAuth()

	case StateConnecting:
		return m.enterConnecting()

	case StateSyncing:
		return m.enterSyncing()

	case StateWaitingForEncryptionKey:
		m.cfg.Sync.StopContinuous()

		log.Warnf("Encryption key required: import the key of this " +
			"node to resume syncing")

		return fn.None[ConnectionState]()

	case StateDisconnected:
		m.cfg.Sync.StopContinuous()
		return fn.Some(StateWaitingForAuth)

	case StateConnectedFinishedInitialSync:
		return m.enterFinishedInitialSync()

	case StateConnectedAsMaster:
		m.startLoop(events.DirectionPush)
		return fn.None[ConnectionState]()

	case StateConnectedAsSlave:
		m.startLoop(events.DirectionPull)
		return fn.None[ConnectionState]()

	default:
		log.Errorf("Entered unknown state %v", s)
		return fn.Some(StateWaitingForAuth)
	}
}

// enterWaitingForAuth tears the link down and connects once a credential is
// available.
func (m *Manager) enterWaitingForAuth() fn.Option[ConnectionState] {
	m.cfg.Sync.StopContinuous()
	m.closeLink()

	if m.cfg.Auth.Credential().IsNone() {
		log.Infof("Waiting for credential")
		return fn.None[ConnectionState]()
	}

	return fn.Some(StateConnecting)
}

// enterConnecting opens the hub link.
func (m *Manager) enterConnecting() fn.Option[ConnectionState] {
	cred, err := m.cfg.Auth.Credential().UnwrapOrErr(auth.ErrNoCredential)
	if err != nil {
		return fn.Some(StateWaitingForAuth)
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.CallTimeout)
	defer cancel()

	err = m.cfg.Hub.Connect(ctx, cred)
	switch {
	case err == nil:

	case errors.Is(err, cluster.ErrAuthFailed):
		log.Warnf("Hub rejected credential of %v, refreshing", cred.User)

		if err := m.cfg.Auth.Refresh(ctx); err != nil {
			log.Errorf("Unable to refresh credential: %v", err)

			m.retry(StateWaitingForAuth)
			return fn.None[ConnectionState]()
		}

		return fn.Some(StateWaitingForAuth)

	default:
		log.Errorf("Unable to connect to hub: %v", err)

		m.retry(StateWaitingForAuth)
		return fn.None[ConnectionState]()
	}

	m.link++
	m.linkUp = true
	m.forwardMasterChanges(m.link, m.cfg.Hub.MasterChanges())

	// A downgrade holds for the link it was requested on.
	if m.downgraded {
		log.Infof("Downgrade lifted on new link %d", m.link)
		m.downgraded = false
	}

	log.Infof("Connected to hub as %v (link %d)", cred.User, m.link)

	return fn.Some(StateSyncing)
}

// forwardMasterChanges queues the master changes of a link, then its loss.
func (m *Manager) forwardMasterChanges(link uint64,
	changes <-chan fn.Option[devicedb.DeviceID]) {

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		for {
			select {
			case master, ok := <-changes:
				if !ok {
					m.enqueue(linkLost{link: link})
					return
				}

				m.enqueue(masterChanged{
					master: master,
					link:   link,
				})

			case <-m.quit:
				return
			}
		}
	}()
}

// closeLink closes the hub link. The master role held over it is released
// with it.
func (m *Manager) closeLink() {
	m.linkUp = false

	if err := m.cfg.Hub.Close(); err != nil {
		log.Warnf("Unable to close hub link: %v", err)
	}
}

// enterSyncing runs one initial sync cycle in the direction the current
// master implies.
func (m *Manager) enterSyncing() fn.Option[ConnectionState] {
	m.cfg.Sync.StopContinuous()

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.CallTimeout)
	defer cancel()

	mustImport, err := m.cfg.Sync.EncryptionKeyRequiresImport(ctx)
	if err != nil {
		log.Errorf("Unable to check encryption key: %v", err)

		m.retry(StateSyncing)
		return fn.None[ConnectionState]()
	}
	if mustImport {
		return fn.Some(StateWaitingForEncryptionKey)
	}

	if err := m.cfg.Sync.EnsureEncryptionKey(ctx); err != nil {
		log.Errorf("Unable to set up encryption key: %v", err)

		m.retry(StateSyncing)
		return fn.None[ConnectionState]()
	}

	master, err := m.cfg.Hub.CurrentMaster(ctx).Unpack()
	if err != nil {
		log.Errorf("Unable to query master: %v", err)
		return fn.Some(StateWaitingForAuth)
	}

	if m.isSelf(master) {
		err = m.cfg.Sync.PushToRemote(ctx, m.token())
	} else {
		err = m.cfg.Sync.PullFromRemote(ctx)
	}
	if err != nil {
		log.Errorf("Initial sync failed: %v", err)

		m.retry(StateSyncing)
		return fn.None[ConnectionState]()
	}

	return fn.Some(StateConnectedFinishedInitialSync)
}

// enterFinishedInitialSync claims the master role, or releases it when a
// downgrade was requested.
func (m *Manager) enterFinishedInitialSync() fn.Option[ConnectionState] {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.CallTimeout)
	defer cancel()

	wantsMaster := !m.downgraded

	isMaster, err := m.cfg.Hub.ClaimOrReleaseMaster(
		ctx, m.cfg.DeviceID, wantsMaster,
	).Unpack()
	if err != nil {
		log.Errorf("Unable to claim master role: %v", err)
		return fn.Some(StateWaitingForAuth)
	}

	if isMaster {
		return fn.Some(StateConnectedAsMaster)
	}

	return fn.Some(StateConnectedAsSlave)
}

// startLoop switches the sync engine to the continuous loop of dir.
func (m *Manager) startLoop(dir events.Direction) {
	var token string
	if dir == events.DirectionPush {
		token = m.token()
	}

	err := m.cfg.Sync.StartContinuous(dir, token)
	if err != nil {
		log.Errorf("Unable to start %v loop: %v", dir, err)
	}
}

// retry schedules entering state after the retry delay, unless the machine
// moves on in the meantime.
func (m *Manager) retry(state ConnectionState) {
	epoch := m.epoch
	tick := m.cfg.Clock.TickAfter(m.cfg.RetryDelay)

	log.Debugf("Retrying %v in %v", state, m.cfg.RetryDelay)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		select {
		case <-tick:
			m.enqueue(transition{to: state, epoch: epoch})

		case <-m.quit:
		}
	}()
}

// isSelf reports whether master is this device.
func (m *Manager) isSelf(master fn.Option[devicedb.DeviceID]) bool {
	return fn.ElimOption(master, func() bool {
		return false
	}, func(id devicedb.DeviceID) bool {
		return id == m.cfg.DeviceID
	})
}

// token is the revision token stamped on this device's pushes.
func (m *Manager) token() string {
	return m.cfg.DeviceID.String()
}

// publish hands an event to the bus, if one is configured.
func (m *Manager) publish(ev events.Event) {
	if m.cfg.Bus == nil {
		return
	}

	if err := m.cfg.Bus.Publish(ev); err != nil {
		log.Debugf("Unable to publish %v: %v", ev.Kind(), err)
	}
}
