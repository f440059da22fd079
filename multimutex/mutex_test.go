package multimutex

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestMutexSerializesSameKey checks that two holders of the same key never
// overlap while different keys do not block each other.
func TestMutexSerializesSameKey(t *testing.T) {
	t.Parallel()

	m := NewMutex[string]()

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			m.Lock("chan-a")
			defer m.Unlock("chan-a")

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, maxSeen)
	require.Zero(t, m.numLocks())
}

// TestMutexIndependentKeys makes sure holding one key does not block another.
func TestMutexIndependentKeys(t *testing.T) {
	t.Parallel()

	m := NewMutex[string]()
	m.Lock("a")

	done := make(chan struct{})
	go func() {
		m.Lock("b")
		m.Unlock("b")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on independent key blocked")
	}

	m.Unlock("a")
	require.Zero(t, m.numLocks())
}

// TestMutexDoubleUnlock asserts that unlocking an unheld key panics.
func TestMutexDoubleUnlock(t *testing.T) {
	t.Parallel()

	m := NewMutex[int64]()
	require.Panics(t, func() { m.Unlock(7) })
}
