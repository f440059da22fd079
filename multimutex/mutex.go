package multimutex

import (
	"fmt"
	"sync"
)

// cntMutex is a struct that wraps a counter and a mutex, and is used to keep
// track of the number of goroutines waiting for access to the mutex, such
// that we can forget about it when the counter is zero.
type cntMutex struct {
	cnt int
	sync.Mutex
}

// Mutex is a struct that keeps track of a set of mutexes with a given key. It
// can be used for making sure only one goroutine gets given the mutex per
// key, e.g. serialising the read-modify-write of a single channel record
// while unrelated channels proceed concurrently.
type Mutex[K comparable] struct {
	// mutexes is a map of keys to a cntMutex. The cntMutex for a given key
	// will hold the mutex to be used by all callers requesting access for
	// the key, in addition to the count of callers.
	mutexes map[K]*cntMutex

	// mapMtx is used to give synchronize concurrent access to the mutexes
	// map.
	mapMtx sync.Mutex
}

// NewMutex creates a new Mutex.
func NewMutex[K comparable]() *Mutex[K] {
	return &Mutex[K]{
		mutexes: make(map[K]*cntMutex),
	}
}

// Lock locks the mutex by the given key. If the mutex is already locked by
// this key, Lock blocks until the mutex is available.
func (c *Mutex[K]) Lock(key K) {
	c.mapMtx.Lock()
	mtx, ok := c.mutexes[key]
	if ok {
		// Another goroutine holds or waits for this key, so register
		// ourselves as one more waiter.
		mtx.cnt++
	} else {
		mtx = &cntMutex{
			cnt: 1,
		}
		c.mutexes[key] = mtx
	}
	c.mapMtx.Unlock()

	mtx.Lock()
}

// Unlock unlocks the mutex by the given key. It is a run-time error if the
// mutex is not locked by the key on entry to Unlock.
func (c *Mutex[K]) Unlock(key K) {
	c.mapMtx.Lock()

	mtx, ok := c.mutexes[key]
	if !ok {
		// The mutex not existing in the map means an unlock for a key
		// not currently locked was attempted.
		panic(fmt.Sprintf("double unlock for key %v", key))
	}

	// Once the last waiter is done we can forget the mutex. This is safe
	// under mapMtx: any other goroutine either already incremented the
	// counter or will create a fresh mutex.
	mtx.cnt--
	if mtx.cnt == 0 {
		delete(c.mutexes, key)
	}
	c.mapMtx.Unlock()

	mtx.Unlock()
}

// numLocks returns the number of keys currently tracked.
func (c *Mutex[K]) numLocks() int {
	c.mapMtx.Lock()
	defer c.mapMtx.Unlock()

	return len(c.mutexes)
}
