package connmgr

import (
	"sync"

	"github.com/lightningnetwork/lnd/queue"
)

// StateSubscription delivers every state the machine enters, in order.
type StateSubscription struct {
	updates *queue.ConcurrentQueue
	quit    chan struct{}

	cancelOnce sync.Once
	cancel     func()
}

// Updates returns the channel the entered states are delivered on.
func (s *StateSubscription) Updates() <-chan interface{} {
	return s.updates.ChanOut()
}

// Quit is closed when the subscription ends.
func (s *StateSubscription) Quit() <-chan struct{} {
	return s.quit
}

// Cancel ends the subscription.
func (s *StateSubscription) Cancel() {
	s.cancelOnce.Do(s.cancel)
}

// stateSubscribers fans entered states out to the subscriptions.
type stateSubscribers struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*StateSubscription
}

func newStateSubscribers() *stateSubscribers {
	return &stateSubscribers{
		subs: make(map[uint64]*StateSubscription),
	}
}

// subscribe registers a new subscription.
func (s *stateSubscribers) subscribe() *StateSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++

	sub := &StateSubscription{
		updates: queue.NewConcurrentQueue(20),
		quit:    make(chan struct{}),
	}
	sub.updates.Start()
	sub.cancel = func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()

		close(sub.quit)
		sub.updates.Stop()
	}
	s.subs[id] = sub

	return sub
}

// send hands state to every subscription. The queues are unbounded so a slow
// subscriber never holds up the machine.
func (s *stateSubscribers) send(state ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subs {
		select {
		case sub.updates.ChanIn() <- state:
		case <-sub.quit:
		}
	}
}

// stop ends every subscription.
func (s *stateSubscribers) stop() {
	s.mu.Lock()
	subs := make([]*StateSubscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}
