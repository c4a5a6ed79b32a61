package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Factor: 2}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	sentinel := errors.New("bad input")
	err := Do(context.Background(), fastPolicy(5), func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoHonorsRetryableClassifier(t *testing.T) {
	calls := 0
	policy := fastPolicy(5)
	policy.Retryable = func(err error) bool { return false }

	_ = Do(context.Background(), policy, func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("nope")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	err := Do(context.Background(), fastPolicy(2), func(ctx context.Context, attempt int) error {
		return errors.New("attempt failed")
	})
	if err == nil || err.Error() != "attempt failed" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDoValue(t *testing.T) {
	v, err := DoValue(context.Background(), fastPolicy(2), func(ctx context.Context, attempt int) (string, error) {
		if attempt == 1 {
			return "", errors.New("first")
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("DoValue = %q, %v", v, err)
	}
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Factor: 2, Jitter: 0.5}

	tests := []struct {
		attempt int
		random  float64
		want    time.Duration
	}{
		{1, 0, 100 * time.Millisecond},
		{2, 0, 200 * time.Millisecond},
		{2, 1, 300 * time.Millisecond},
		{10, 0, time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt, tt.random); got != tt.want {
			t.Errorf("Delay(%d, %v) = %v, want %v", tt.attempt, tt.random, got, tt.want)
		}
	}
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep error = %v, want context.Canceled", err)
	}
}
