package symlock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/symlock"
)

func TestRetryQueueRetriesTransientErrorsUntilSuccess(t *testing.T) {
	q := symlock.NewRetryQueue(time.Millisecond, 5)
	attempts := 0

	err := q.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return symlock.Retryable(errors.New("503 from broker"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryQueueDoesNotRetryPermanentErrors(t *testing.T) {
	q := symlock.NewRetryQueue(time.Millisecond, 5)
	attempts := 0

	err := q.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("insufficient funds")
	})
	if err == nil {
		t.Fatal("expected the permanent error to be surfaced")
	}
	if attempts != 1 {
		t.Fatalf("expected no retries for a non-retryable error, got %d attempts", attempts)
	}
}

func TestRetryQueueExhaustsMaxAttempts(t *testing.T) {
	q := symlock.NewRetryQueue(time.Millisecond, 3)
	attempts := 0

	err := q.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return symlock.Retryable(errors.New("still failing"))
	})
	if err == nil {
		t.Fatal("expected an error once maxAttempts is exhausted")
	}
	if attempts != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts)
	}
}

func TestRetryQueueRespectsContextCancellation(t *testing.T) {
	q := symlock.NewRetryQueue(50*time.Millisecond, 10)
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := q.Do(ctx, func(ctx context.Context) error {
		attempts++
		return symlock.Retryable(errors.New("still failing"))
	})
	if err == nil {
		t.Fatal("expected cancellation to abort the retry loop")
	}
}
