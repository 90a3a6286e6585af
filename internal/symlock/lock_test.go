package symlock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/symlock"
)

func TestSymbolLockExcludesConcurrentHolders(t *testing.T) {
	lock := symlock.NewSymbolLock()
	var active int32
	var mu sync.Mutex
	maxObserved := 0

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock.WithLock(context.Background(), "AAPL", func() error {
				mu.Lock()
				active++
				if int(active) > maxObserved {
					maxObserved = int(active)
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxObserved != 1 {
		t.Fatalf("expected at most 1 concurrent holder of the AAPL lock, observed %d", maxObserved)
	}
}

func TestSymbolLockDifferentSymbolsDontContend(t *testing.T) {
	lock := symlock.NewSymbolLock()
	releaseA, err := lock.Acquire(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("Acquire AAPL: %v", err)
	}
	defer releaseA()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	releaseB, err := lock.Acquire(ctx, "MSFT")
	if err != nil {
		t.Fatalf("expected MSFT lock to be independently acquirable: %v", err)
	}
	releaseB()
}

func TestSymbolLockAcquireRespectsContextCancellation(t *testing.T) {
	lock := symlock.NewSymbolLock()
	release, err := lock.Acquire(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = lock.Acquire(ctx, "AAPL")
	if err == nil {
		t.Fatal("expected Acquire to fail once ctx deadline elapses while the lock is held")
	}
}
