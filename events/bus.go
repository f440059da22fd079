package events

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/queue"
)

// ErrBusShuttingDown is returned when the bus is in the process of shutting
// down.
var ErrBusShuttingDown = errors.New("event bus shutting down")

// Subscription delivers every event published after it was created.
type Subscription struct {
	// cancel should be called in case the client no longer wants to
	// receive events.
	cancel func()

	events *queue.ConcurrentQueue
	quit   chan struct{}
}

// Events returns the channel the subscribed events are delivered on. Every
// value is an Event.
func (s *Subscription) Events() <-chan interface{} {
	return s.events.ChanOut()
}

// Quit is closed once the bus stops delivering to this subscription.
func (s *Subscription) Quit() <-chan struct{} {
	return s.quit
}

// Cancel ends the subscription.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Bus fans every published event out to all subscriptions. Publishing never
// waits on a slow subscriber: each subscription buffers in an unbounded
// queue.
type Bus struct {
	clientCounter uint64 // To be used atomically.

	started uint32 // To be used atomically.
	stopped uint32 // To be used atomically.

	clients       map[uint64]*Subscription
	clientUpdates chan *clientUpdate

	events chan Event

	quit chan struct{}
	wg   sync.WaitGroup
}

// clientUpdate registers or cancels a subscription.
type clientUpdate struct {
	cancel   bool
	clientID uint64
	client   *Subscription
}

// NewBus returns a new Bus.
func NewBus() *Bus {
	return &Bus{
		clients:       make(map[uint64]*Subscription),
		clientUpdates: make(chan *clientUpdate),
		events:        make(chan Event),
		quit:          make(chan struct{}),
	}
}

// Start starts the Bus, making it ready to accept subscriptions and events.
func (b *Bus) Start() error {
	if !atomic.CompareAndSwapUint32(&b.started, 0, 1) {
		return nil
	}

	b.wg.Add(1)
	go b.dispatcher()

	return nil
}

// Stop stops the bus and every subscription.
func (b *Bus) Stop() error {
	if !atomic.CompareAndSwapUint32(&b.stopped, 0, 1) {
		return nil
	}

	close(b.quit)
	b.wg.Wait()

	return nil
}

// Subscribe returns a Subscription that receives every event published from
// now on.
func (b *Bus) Subscribe() (*Subscription, error) {
	clientID := atomic.AddUint64(&b.clientCounter, 1)

	client := &Subscription{
		events: queue.NewConcurrentQueue(20),
		quit:   make(chan struct{}),
		cancel: func() {
			select {
			case b.clientUpdates <- &clientUpdate{
				cancel:   true,
				clientID: clientID,
			}:
			case <-b.quit:
				return
			}
		},
	}

	select {
	case b.clientUpdates <- &clientUpdate{
		clientID: clientID,
		client:   client,
	}:
	case <-b.quit:
		return nil, ErrBusShuttingDown
	}

	return client, nil
}

// Publish hands the event to the bus for delivery to all subscriptions.
func (b *Bus) Publish(ev Event) error {
	select {
	case b.events <- ev:
		log.Tracef("Published %v", ev.Kind())
		return nil

	case <-b.quit:
		return ErrBusShuttingDown
	}
}

// Attach subscribes to the bus and dispatches every event through the
// registry on a dedicated goroutine until the returned cancel function is
// called or the bus stops.
//
// NOTE: The cancel function must not be called from within a handler.
func (b *Bus) Attach(reg *Registry) (func(), error) {
	sub, err := b.Subscribe()
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)

		for {
			select {
			case item := <-sub.Events():
				ev, ok := item.(Event)
				if !ok {
					continue
				}
				reg.Dispatch(ev)

			case <-sub.Quit():
				return
			}
		}
	}()

	return func() {
		sub.Cancel()
		<-done
	}, nil
}

// dispatcher is the main loop of the bus. It handles subscription changes
// and forwards every event to the registered subscriptions.
//
// NOTE: MUST be run as a goroutine.
func (b *Bus) dispatcher() {
	defer b.wg.Done()

	for {
		select {
		case update := <-b.clientUpdates:
			if update.cancel {
				client, ok := b.clients[update.clientID]
				if ok {
					client.events.Stop()
					close(client.quit)
					delete(b.clients, update.clientID)
				}

				continue
			}

			update.client.events.Start()
			b.clients[update.clientID] = update.client

		case ev := <-b.events:
			for _, client := range b.clients {
				select {
				case client.events.ChanIn() <- ev:
				case <-client.quit:
				case <-b.quit:
					return
				}
			}

		// In case the bus is shutting down, stop the subscriptions and
		// close the quit channels to notify them.
		case <-b.quit:
			for _, client := range b.clients {
				client.events.Stop()
				close(client.quit)
			}
			return
		}
	}
}
