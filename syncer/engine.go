package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcpayserver/lnsync/devicedb"
	"github.com/btcpayserver/lnsync/events"
	"github.com/btcpayserver/lnsync/lnencrypt"
	"github.com/btcpayserver/lnsync/remotestore"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultInterval is the delay between two iterations of a continuous
	// sync loop.
	DefaultInterval = 5 * time.Second

	// DefaultFetchConcurrency bounds the number of object bodies fetched
	// in parallel during a pull.
	DefaultFetchConcurrency = 8
)

// ErrEngineStopped is returned when a loop is started on a stopped engine.
var ErrEngineStopped = errors.New("sync engine stopped")

// LocalStore is the part of the local database the engine reconciles.
type LocalStore interface {
	// ListVersions returns the key and version of every backup eligible
	// row.
	ListVersions() (map[string]int64, error)

	// HasEligibleEntities reports whether any backup eligible row exists.
	HasEligibleEntities() (bool, error)

	// FetchEntity returns the row stored under key, or
	// devicedb.ErrEntityNotFound.
	FetchEntity(key string) (*devicedb.Entity, error)

	// FetchOutbox returns the pending change capture items.
	FetchOutbox() ([]*devicedb.OutboxItem, error)

	// DeleteOutboxItems removes exactly the given items.
	DeleteOutboxItems(seqs []uint64) error

	// ApplyRemoteChanges writes pulled rows without capturing them.
	ApplyRemoteChanges(deletes []string, upserts []*devicedb.Entity) error
}

// A compile time check to ensure the device database satisfies LocalStore.
var _ LocalStore = (*devicedb.DB)(nil)

// Notifier receives the events emitted by the engine.
type Notifier interface {
	Publish(events.Event) error
}

// Config holds the dependencies of the Engine.
type Config struct {
	// Local is the local versioned store.
	Local LocalStore

	// Remote is the shared remote store.
	Remote remotestore.Store

	// KeyStore holds the root secret used to seal remote values.
	KeyStore lnencrypt.KeyStore

	// Notifier is handed a RemoteWriteObserved event for every key the
	// engine sees durable on the remote store.
	Notifier Notifier

	// Interval is the delay between loop iterations.
	Interval time.Duration

	// NewTicker creates the ticker driving a continuous loop. Tests
	// replace it with a force ticker.
	NewTicker func(time.Duration) ticker.Ticker

	// FetchConcurrency bounds parallel body fetches during a pull.
	FetchConcurrency int

	// Metrics is optional.
	Metrics *Metrics
}

// loop is one running continuous sync loop.
type loop struct {
	direction events.Direction
	token     string
	gm        *fn.GoroutineManager
}

// Engine reconciles the local store with the remote store. It runs at most
// one continuous loop at a time: pushing when this device is master, pulling
// otherwise.
type Engine struct {
	cfg *Config

	// cycleMtx serializes sync cycles so a one-shot cycle never overlaps
	// with an iteration of the continuous loop.
	cycleMtx sync.Mutex

	mu      sync.Mutex
	active  *loop
	stopped bool
}

// New creates a new sync engine.
func New(cfg *Config) *Engine {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = func(d time.Duration) ticker.Ticker {
			return ticker.New(d)
		}
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = DefaultFetchConcurrency
	}

	return &Engine{
		cfg: cfg,
	}
}

// StartContinuous runs the loop of the given direction, stamping pushed
// writes with token. Any running loop is cancelled, and waited for, before
// the first iteration of the new one. Starting the loop that is already
// running is a no-op.
func (e *Engine) StartContinuous(dir events.Direction, token string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrEngineStopped
	}

	if e.active != nil && e.active.direction == dir &&
		e.active.token == token {

		return nil
	}

	e.stopLoopLocked()

	l := &loop{
		direction: dir,
		token:     token,
		gm:        fn.NewGoroutineManager(),
	}

	started := l.gm.Go(context.Background(), func(ctx context.Context) {
		e.runLoop(ctx, l)
	})
	if !started {
		return fmt.Errorf("unable to start %v loop", dir)
	}
	e.active = l

	log.Infof("Started continuous %v loop", dir)

	return nil
}

// StopContinuous cancels the running loop, if any, and waits for it to exit.
func (e *Engine) StopContinuous() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopLoopLocked()
}

// Stop cancels the running loop and refuses to start new ones.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopLoopLocked()
	e.stopped = true
}

// ActiveDirection returns the direction of the running loop.
func (e *Engine) ActiveDirection() fn.Option[events.Direction] {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active == nil {
		return fn.None[events.Direction]()
	}

	return fn.Some(e.active.direction)
}

// stopLoopLocked cancels the active loop and blocks until its current
// iteration returned.
//
// NOTE: e.mu must be held.
func (e *Engine) stopLoopLocked() {
	if e.active == nil {
		return
	}

	log.Debugf("Stopping continuous %v loop", e.active.direction)

	e.active.gm.Stop()
	e.active = nil
}

// runLoop runs one iteration immediately and then one per tick until the
// context is cancelled. Errors are logged and the loop continues.
func (e *Engine) runLoop(ctx context.Context, l *loop) {
	t := e.cfg.NewTicker(e.cfg.Interval)
	t.Resume()
	defer t.Stop()

	for {
		e.iterate(ctx, l)

		select {
		case <-t.Ticks():

		case <-ctx.Done():
			log.Debugf("Continuous %v loop exiting", l.direction)
			return
		}
	}
}

// iterate runs a single cycle of the loop's direction.
func (e *Engine) iterate(ctx context.Context, l *loop) {
	var err error
	switch l.direction {
	case events.DirectionPush:
		err = e.PushToRemote(ctx, l.token)

	case events.DirectionPull:
		err = e.PullFromRemote(ctx)

	default:
		err = fmt.Errorf("unknown direction %v", l.direction)
	}

	switch {
	case err == nil:

	// The loop is being torn down, the error is an artefact of that.
	case ctx.Err() != nil:
		log.Debugf("%v cycle interrupted: %v", l.direction, err)

	default:
		log.Errorf("%v cycle failed: %v", l.direction, err)
	}
}

// encrypter loads the root secret. It fails with lnencrypt.ErrNoKey when the
// device holds none.
func (e *Engine) encrypter() (*lnencrypt.Encrypter, error) {
	return lnencrypt.EncrypterFromStore(e.cfg.KeyStore)
}

// notify publishes a remote write event, logging delivery failures. The
// channel mark names the channel state the remote store holds under key.
func (e *Engine) notify(key string, version int64, via events.Direction,
	mark fn.Option[events.ChannelMark]) {

	if e.cfg.Notifier == nil {
		return
	}

	err := e.cfg.Notifier.Publish(events.RemoteWriteObserved{
		Key:     key,
		Version: version,
		Via:     via,
		Channel: mark,
	})
	if err != nil {
		log.Warnf("Unable to publish remote write of %v@%d: %v", key,
			version, err)
	}
}
