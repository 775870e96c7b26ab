package sequencer

import (
	"fmt"
	"sync"
	"time"
)

// symbolLocks serializes broker mutations per symbol. Operations on distinct
// symbols proceed in parallel; operations on the same symbol are totally
// ordered. Acquisition is bounded so a stuck sequence cannot wedge a worker
// forever.
type symbolLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newSymbolLocks() *symbolLocks {
	return &symbolLocks{locks: make(map[string]chan struct{})}
}

func (s *symbolLocks) lockFor(symbol string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.locks[symbol]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[symbol] = ch
	}
	return ch
}

// acquire takes the symbol's lock, waiting up to timeout. It returns a
// release function on success.
func (s *symbolLocks) acquire(symbol string, timeout time.Duration) (func(), error) {
	ch := s.lockFor(symbol)

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("timed out acquiring lock for %s after %v", symbol, timeout)
	}
}
