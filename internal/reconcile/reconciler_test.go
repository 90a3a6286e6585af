package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/reconcile"
	"github.com/atlas-desktop/trading-backend/internal/symlock"
)

type fakeInstance struct {
	symbol string
	mu     sync.Mutex
	calls  int
	err    error
}

func (f *fakeInstance) Symbol() string { return f.symbol }
func (f *fakeInstance) Reconcile(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}
func (f *fakeInstance) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRegistry struct {
	instances []reconcile.Instance
}

func (r *fakeRegistry) Instances() []reconcile.Instance { return r.instances }

func TestRunReconcilesEveryInstanceOnEachTick(t *testing.T) {
	aapl := &fakeInstance{symbol: "AAPL"}
	msft := &fakeInstance{symbol: "MSFT"}
	reg := &fakeRegistry{instances: []reconcile.Instance{aapl, msft}}

	r := reconcile.New(reg, symlock.NewSymbolLock(), 5*time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	r.Run(ctx)

	if aapl.callCount() == 0 || msft.callCount() == 0 {
		t.Fatalf("expected both instances to be reconciled at least once, got AAPL=%d MSFT=%d", aapl.callCount(), msft.callCount())
	}
}

func TestRunContinuesPastAFailingInstance(t *testing.T) {
	failing := &fakeInstance{symbol: "AAPL", err: errors.New("broker unreachable")}
	healthy := &fakeInstance{symbol: "MSFT"}
	reg := &fakeRegistry{instances: []reconcile.Instance{failing, healthy}}

	// The failing instance's reconcile is retried (with backoff) before
	// reconcileAll moves on, so this window must outlast the retry queue's
	// worst case (3 attempts, 50ms base: 50ms + 100ms).
	r := reconcile.New(reg, symlock.NewSymbolLock(), 20*time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	r.Run(ctx)

	if healthy.callCount() == 0 {
		t.Fatal("expected the healthy instance to still be reconciled despite the other failing")
	}
	if failing.callCount() < 3 {
		t.Fatalf("expected the failing instance's reconcile to be retried at least 3 times, got %d", failing.callCount())
	}
}
