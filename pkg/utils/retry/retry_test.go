package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"egressfleet/pkg/utils/retry"
)

func TestComputeBackoff(t *testing.T) {
	tests := []struct {
		name  string
		retry int
		base  time.Duration
		max   time.Duration
		want  time.Duration
	}{
		{"zero base", 3, 0, time.Second, 0},
		{"first", 0, 100 * time.Millisecond, time.Second, 100 * time.Millisecond},
		{"doubles", 2, 100 * time.Millisecond, time.Second, 400 * time.Millisecond},
		{"capped", 10, 100 * time.Millisecond, time.Second, time.Second},
		{"base over max", 0, 2 * time.Second, time.Second, time.Second},
		{"no cap", 3, time.Millisecond, 0, 8 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retry.ComputeBackoff(tt.retry, tt.base, tt.max); got != tt.want {
				t.Fatalf("ComputeBackoff() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDoStopsOnSuccess(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), retry.Policy{Attempts: 5, BaseDelay: time.Millisecond}, nil, func(int) error {
		calls++
		if calls < 3 {
			return errors.New("busy")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := retry.Do(context.Background(), retry.Policy{Attempts: 5}, func(err error) bool {
		return !errors.Is(err, permanent)
	}, func(int) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("expected one call with permanent error, got %d calls err=%v", calls, err)
	}
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := retry.Do(ctx, retry.Policy{Attempts: 5, BaseDelay: time.Hour}, nil, func(int) error {
		calls++
		return errors.New("busy")
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected single call before cancellation, got %d err=%v", calls, err)
	}
}
