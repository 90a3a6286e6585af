// Package symlock implements per-symbol advisory locking and a retry
// queue for broker operations (spec.md §4.7): one strategy instance at a
// time may hold a symbol, and transient broker failures are retried with
// exponential backoff.
package symlock

import (
	"context"
	"fmt"
	"sync"
)

// SymbolLock is a process-local, FIFO-fair advisory lock keyed by
// symbol. Fairness comes from a buffered channel acting as a ticket
// queue: Acquire blocks on receiving a ticket, Release sends the next one.
type SymbolLock struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewSymbolLock returns an empty SymbolLock registry.
func NewSymbolLock() *SymbolLock {
	return &SymbolLock{locks: make(map[string]chan struct{})}
}

func (s *SymbolLock) ticket(symbol string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[symbol]
	if !ok {
		ch = make(chan struct{}, 1)
		ch <- struct{}{}
		s.locks[symbol] = ch
	}
	return ch
}

// Acquire blocks until the symbol's lock is free or ctx is done. The
// returned release func must be called exactly once to hand the lock to
// the next waiter.
func (s *SymbolLock) Acquire(ctx context.Context, symbol string) (release func(), err error) {
	ch := s.ticket(symbol)
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("symlock: acquire %q: %w", symbol, ctx.Err())
	}
}

// WithLock runs fn while holding symbol's lock, releasing it before returning.
func (s *SymbolLock) WithLock(ctx context.Context, symbol string, fn func() error) error {
	release, err := s.Acquire(ctx, symbol)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}
