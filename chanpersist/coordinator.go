package chanpersist

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/btcpayserver/lnsync/devicedb"
	"github.com/btcpayserver/lnsync/events"
	"github.com/btcpayserver/lnsync/lnencrypt"
	"github.com/btcpayserver/lnsync/multimutex"
	"github.com/btcpayserver/lnsync/remotestore"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/robfig/cron/v3"
)

const (
	// DefaultAckTimeout is the age after which a pipeline still waiting
	// for its remote acknowledgement is reported as overdue.
	DefaultAckTimeout = 2 * time.Minute

	// DefaultSweepSchedule is the cron schedule of the reconciliation
	// sweep.
	DefaultSweepSchedule = "@every 1m"
)

var (
	// ErrShuttingDown is returned to waiters when the coordinator stops
	// before their checkpoint resolved.
	ErrShuttingDown = errors.New("channel persistence shutting down")

	// ErrSuperseded is returned to waiters of a checkpoint whose local
	// write was replaced by a channel state another device stored
	// remotely before it could be pushed.
	ErrSuperseded = errors.New("channel state superseded by remote " +
		"state")
)

// ChannelStore is the local store of channel state records.
type ChannelStore interface {
	// PutChannelState writes the record at checkpoint under the canonical
	// id of ids.
	PutChannelState(ids []string, blob []byte,
		checkpoint uint64) (*devicedb.ChannelWrite, error)

	// FetchChannelState looks a record up by any of its ids.
	FetchChannelState(id string) (*devicedb.ChannelState, int64, error)

	// ArchiveChannel soft-deletes a record.
	ArchiveChannel(id string) (int64, error)
}

// A compile time check to ensure the device database satisfies
// ChannelStore.
var _ ChannelStore = (*devicedb.DB)(nil)

// Config holds the dependencies of the Coordinator.
type Config struct {
	// Store is the local channel record store.
	Store ChannelStore

	// Remote is read by the reconciliation sweep. The sweep is disabled
	// when nil.
	Remote remotestore.Store

	// KeyStore holds the secret the sweep opens remote values with. The
	// sweep is disabled when nil.
	KeyStore lnencrypt.KeyStore

	// OnComplete is called exactly once for every persist request that
	// was answered with StatusInProgress, once its state is durable.
	OnComplete func(canonicalID string, checkpoint uint64)

	// NoRemoteAck completes requests as soon as they are written locally.
	// It is meant for nodes that run on a single device.
	NoRemoteAck bool

	// AckTimeout is the age after which a pending pipeline is reported.
	AckTimeout time.Duration

	// SweepSchedule is the cron schedule of the reconciliation sweep.
	SweepSchedule string

	// Clock is used to age pipelines.
	Clock clock.Clock

	// Metrics is optional.
	Metrics *Metrics
}

// Coordinator turns the synchronous persist contract of the channel engine
// into a local write followed by an asynchronous wait for the remote store
// to acknowledge that write.
type Coordinator struct {
	cfg *Config

	// chanMtx serializes the local writes of one canonical channel.
	chanMtx *multimutex.Mutex[string]

	mu sync.Mutex

	// pipelines holds the unresolved pipelines by checkpoint.
	pipelines map[uint64][]*pipeline

	// acked is the latest write of each channel key the remote store is
	// known to hold.
	acked map[string]remoteWrite

	// durable is the latest state of each channel key written by this
	// coordinator and known to be held remotely.
	durable map[string]events.ChannelMark

	// completed is the highest resolved checkpoint per canonical id.
	completed map[string]uint64

	// canonical maps every id seen to its canonical id.
	canonical map[string]string

	cron *cron.Cron

	started sync.Once
	stopped sync.Once
	quit    chan struct{}
}

// New creates a coordinator.
func New(cfg *Config) *Coordinator {
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = DefaultSweepSchedule
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.OnComplete == nil {
		cfg.OnComplete = func(string, uint64) {}
	}

	return &Coordinator{
		cfg:       cfg,
		chanMtx:   multimutex.NewMutex[string](),
		pipelines: make(map[uint64][]*pipeline),
		acked:     make(map[string]remoteWrite),
		durable:   make(map[string]events.ChannelMark),
		completed: make(map[string]uint64),
		canonical: make(map[string]string),
		cron:      cron.New(),
		quit:      make(chan struct{}),
	}
}

// RegisterHandlers subscribes the coordinator to the remote write events of
// the sync engine.
func (c *Coordinator) RegisterHandlers(reg *events.Registry) {
	events.Register(reg, c.handleRemoteWrite)
}

// Start schedules the reconciliation sweep.
func (c *Coordinator) Start() error {
	var err error
	c.started.Do(func() {
		if c.cfg.Remote == nil || c.cfg.KeyStore == nil {
			log.Infof("Reconciliation sweep disabled")
			return
		}

		_, err = c.cron.AddFunc(c.cfg.SweepSchedule, func() {
			c.sweep(context.Background())
		})
		if err != nil {
			err = fmt.Errorf("invalid sweep schedule %q: %w",
				c.cfg.SweepSchedule, err)
			return
		}

		c.cron.Start()

		log.Infof("Channel persistence started, sweep schedule %v",
			c.cfg.SweepSchedule)
	})

	return err
}

// Stop cancels the sweep and abandons every pending pipeline. Abandoned
// pipelines are not completed: their updates are replayed by the channel
// engine after a restart.
func (c *Coordinator) Stop() {
	c.stopped.Do(func() {
		<-c.cron.Stop().Done()

		c.mu.Lock()
		defer c.mu.Unlock()

		close(c.quit)

		var abandoned int
		for _, ps := range c.pipelines {
			abandoned += len(ps)
		}
		c.pipelines = make(map[uint64][]*pipeline)
		c.cfg.Metrics.setPending(0)

		log.Infof("Channel persistence stopped, abandoned %d pending "+
			"pipelines", abandoned)
	})
}

// PersistChannelState durably stores a channel state. The first call for a
// checkpoint writes the state locally and answers StatusInProgress until the
// remote store acknowledged the write, after which OnComplete fires. Calls
// repeated while the checkpoint is pending answer StatusInProgress without
// writing again.
func (c *Coordinator) PersistChannelState(ids []string, blob []byte,
	checkpoint uint64) Status {

	if len(ids) == 0 || slices.Contains(ids, "") {
		log.Errorf("Persist request at checkpoint %d without channel "+
			"ids", checkpoint)

		return StatusUnrecoverableError
	}

	c.mu.Lock()
	select {
	case <-c.quit:
		c.mu.Unlock()

		log.Warnf("Channel %v checkpoint %d deferred, shutting down",
			ids[0], checkpoint)

		return StatusInProgress
	default:
	}

	if _, ok := c.findLocked(ids, checkpoint); ok {
		c.mu.Unlock()

		log.Debugf("Channel %v checkpoint %d already in progress",
			ids[0], checkpoint)

		return StatusInProgress
	}

	if c.completedLocked(ids, checkpoint) {
		c.mu.Unlock()

		return StatusCompleted
	}

	p := newPipeline(ids, blob, checkpoint, c.cfg.Clock.Now())
	c.pipelines[checkpoint] = append(c.pipelines[checkpoint], p)
	c.cfg.Metrics.setPending(c.pendingLocked())
	c.mu.Unlock()

	write, err := c.writeLocal(ids, blob, checkpoint)
	if err != nil {
		log.Errorf("Unable to persist channel %v checkpoint %d: %v",
			ids[0], checkpoint, err)

		c.mu.Lock()
		c.removeLocked(p)
		c.mu.Unlock()

		c.cfg.Metrics.failed()

		return StatusUnrecoverableError
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p.canonicalID = write.CanonicalID
	p.key = write.Key
	p.version = write.Version
	close(p.localDone)

	for _, id := range ids {
		c.canonical[id] = write.CanonicalID
	}

	log.Debugf("Channel %v checkpoint %d written locally at version %d",
		write.CanonicalID, checkpoint, write.Version)

	// The pipeline may have been abandoned by a concurrent shutdown.
	select {
	case <-c.quit:
		return StatusInProgress
	default:
	}

	if c.cfg.NoRemoteAck || c.acked[p.key].covers(p) {
		c.resolveLocked(p)

		return StatusCompleted
	}

	p.async = true

	return StatusInProgress
}

// writeLocal performs the local write while holding the lock of the
// channel's canonical id.
func (c *Coordinator) writeLocal(ids []string, blob []byte,
	checkpoint uint64) (*devicedb.ChannelWrite, error) {

	canonical, err := c.resolveCanonical(ids)
	if err != nil {
		return nil, err
	}

	c.chanMtx.Lock(canonical)
	defer c.chanMtx.Unlock(canonical)

	return c.cfg.Store.PutChannelState(ids, blob, checkpoint)
}

// resolveCanonical returns the canonical id of an existing record known by
// any of ids, or the first id for a new channel.
func (c *Coordinator) resolveCanonical(ids []string) (string, error) {
	for _, id := range ids {
		state, _, err := c.cfg.Store.FetchChannelState(id)
		switch {
		case errors.Is(err, devicedb.ErrChannelNotFound):
			continue

		case err != nil:
			return "", err
		}

		return state.CanonicalID, nil
	}

	return ids[0], nil
}

// ArchiveChannel soft-deletes the record of a closed channel.
func (c *Coordinator) ArchiveChannel(id string) (int64, error) {
	canonical, err := c.resolveCanonical([]string{id})
	if err != nil {
		return 0, err
	}

	c.chanMtx.Lock(canonical)
	defer c.chanMtx.Unlock(canonical)

	version, err := c.cfg.Store.ArchiveChannel(id)
	if err != nil {
		return 0, err
	}

	log.Infof("Archived channel %v at version %d", canonical, version)

	return version, nil
}

// WaitForCheckpoint blocks until every pending pipeline of checkpoint is
// resolved. It returns immediately if none is pending.
func (c *Coordinator) WaitForCheckpoint(ctx context.Context,
	checkpoint uint64) error {

	c.mu.Lock()
	select {
	case <-c.quit:
		c.mu.Unlock()
		return ErrShuttingDown
	default:
	}
	pending := append([]*pipeline(nil), c.pipelines[checkpoint]...)
	c.mu.Unlock()

	for _, p := range pending {
		select {
		case <-p.remoteDone:
			if p.err != nil {
				return p.err
			}

		case <-c.quit:
			return ErrShuttingDown

		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// NumPending returns the number of unresolved pipelines.
func (c *Coordinator) NumPending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pendingLocked()
}

// remoteWrite is a channel write the remote store is known to hold.
type remoteWrite struct {
	version int64
	mark    fn.Option[events.ChannelMark]
}

// covers reports whether the write is the pipeline's own local write.
func (w remoteWrite) covers(p *pipeline) bool {
	if w.version < p.version {
		return false
	}

	return fn.MapOptionZ(w.mark, func(m events.ChannelMark) bool {
		return m == p.mark
	})
}

// handleRemoteWrite resolves the pipelines the observed write covers.
func (c *Coordinator) handleRemoteWrite(ev events.RemoteWriteObserved) {
	c.observe(ev.Key, ev.Version, ev.Channel)
}

// observe records that the remote store holds key at version with the
// channel state named by mark. If that state was written by this coordinator,
// every pipeline of key up to its checkpoint is resolved. Otherwise another
// device replaced the state, and every pipeline of key whose local write is
// at or below version can no longer reach the remote store: those fail.
func (c *Coordinator) observe(key string, version int64,
	mark fn.Option[events.ChannelMark]) {

	kind, err := devicedb.KindFromKey(key)
	if err != nil || kind != devicedb.KindChannel {
		return
	}

	if mark.IsNone() {
		log.Warnf("Remote write of %v@%d carries no channel state, "+
			"ignoring it", key, version)

		return
	}
	observed := mark.UnwrapOr(events.ChannelMark{})

	c.mu.Lock()
	if version > c.acked[key].version {
		c.acked[key] = remoteWrite{version: version, mark: mark}
	}

	var (
		candidates []*pipeline
		own        bool
	)
	if last, ok := c.durable[key]; ok && last == observed {
		own = true
	}
	for _, ps := range c.pipelines {
		for _, p := range ps {
			if !p.written() || p.key != key {
				continue
			}
			if p.mark == observed {
				own = true
			}
			if p.version <= version {
				candidates = append(candidates, p)
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].checkpoint < candidates[j].checkpoint
	})

	var done, superseded []*pipeline
	for _, p := range candidates {
		switch {
		case !own:
			superseded = append(superseded, p)
			c.supersedeLocked(p)

		case p.checkpoint <= observed.Checkpoint:
			done = append(done, p)
			c.resolveLocked(p)
		}
	}
	if len(done) > 0 {
		last, ok := c.durable[key]
		if !ok || observed.Checkpoint > last.Checkpoint {
			c.durable[key] = observed
		}
	}
	c.mu.Unlock()

	for _, p := range superseded {
		log.Errorf("Channel %v checkpoint %d superseded by remote "+
			"checkpoint %d at version %d before it was replicated",
			p.canonicalID, p.checkpoint, observed.Checkpoint, version)
	}

	for _, p := range done {
		if !p.async {
			continue
		}

		log.Debugf("Channel %v checkpoint %d durable", p.canonicalID,
			p.checkpoint)

		c.cfg.OnComplete(p.canonicalID, p.checkpoint)
	}
}

// findLocked returns the pending pipeline of the channel at checkpoint.
//
// NOTE: c.mu must be held.
func (c *Coordinator) findLocked(ids []string,
	checkpoint uint64) (*pipeline, bool) {

	for _, p := range c.pipelines[checkpoint] {
		if p.matches(ids) {
			return p, true
		}
	}

	return nil, false
}

// completedLocked reports whether checkpoint is at or below the highest
// checkpoint resolved for the channel.
//
// NOTE: c.mu must be held.
func (c *Coordinator) completedLocked(ids []string, checkpoint uint64) bool {
	for _, id := range ids {
		canonical, ok := c.canonical[id]
		if !ok {
			continue
		}

		last, ok := c.completed[canonical]
		if ok && checkpoint <= last {
			return true
		}
	}

	return false
}

// resolveLocked marks the pipeline durable and drops it.
//
// NOTE: c.mu must be held.
func (c *Coordinator) resolveLocked(p *pipeline) {
	last, ok := c.completed[p.canonicalID]
	if !ok || p.checkpoint > last {
		c.completed[p.canonicalID] = p.checkpoint
	}

	close(p.remoteDone)
	c.removeLocked(p)

	c.cfg.Metrics.resolved(c.cfg.Clock.Now().Sub(p.created))
}

// supersedeLocked fails the pipeline and drops it. The caller was never
// told the state is durable, and repeating the request is rejected by the
// local store since it holds a later checkpoint now.
//
// NOTE: c.mu must be held.
func (c *Coordinator) supersedeLocked(p *pipeline) {
	p.err = ErrSuperseded
	close(p.remoteDone)
	c.removeLocked(p)

	c.cfg.Metrics.failed()
}

// removeLocked drops the pipeline from the pending set.
//
// NOTE: c.mu must be held.
func (c *Coordinator) removeLocked(p *pipeline) {
	ps := c.pipelines[p.checkpoint]
	for i, candidate := range ps {
		if candidate != p {
			continue
		}

		ps = append(ps[:i], ps[i+1:]...)
		break
	}

	if len(ps) == 0 {
		delete(c.pipelines, p.checkpoint)
	} else {
		c.pipelines[p.checkpoint] = ps
	}

	c.cfg.Metrics.setPending(c.pendingLocked())
}

// pendingLocked counts the unresolved pipelines.
//
// NOTE: c.mu must be held.
func (c *Coordinator) pendingLocked() int {
	var n int
	for _, ps := range c.pipelines {
		n += len(ps)
	}

	return n
}
