package retry

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestDo_SucceedsWithoutRetry(t *testing.T) {
	calls := 0
	value, err := Do(context.Background(), 3, 0, "test-op", func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 42, nil
	})
	if err != nil {
		t.Fatalf("expected success, got: %v", err)
	}
	if value != 42 {
		t.Errorf("expected 42, got %d", value)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	value, err := Do(context.Background(), 4, 0, "flaky-op", func(ctx context.Context, attempt int) (string, error) {
		calls++
		if calls <= 2 {
			return "", errors.New("transient failure")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got: %v", err)
	}
	if value != "ok" {
		t.Errorf("expected ok, got %q", value)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_FailsAfterAllAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), 2, 0, "broken-op", func(ctx context.Context, attempt int) (struct{}, error) {
		calls++
		return struct{}{}, errors.New("still failing")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
	if !strings.Contains(err.Error(), "broken-op failed after 2 attempts") {
		t.Errorf("unexpected error: %v", err)
	}
	if !strings.Contains(err.Error(), "still failing") {
		t.Errorf("expected wrapped cause, got: %v", err)
	}
}

func TestDoClassified_StopsOnNonRetryableError(t *testing.T) {
	calls := 0
	classify := func(error) Decision { return Stop }
	_, err := DoClassified(context.Background(), 3, 0, "non-retryable-op", classify, func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 0, errors.New("invalid input")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 call, got %d", calls)
	}
	if !strings.Contains(err.Error(), "failed with non-retryable error on attempt 1") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDoClassified_RetryDecisionKeepsGoing(t *testing.T) {
	calls := 0
	classify := func(error) Decision { return Retry }
	_, err := DoClassified(context.Background(), 3, 0, "keeps-going", classify, func(ctx context.Context, attempt int) (int, error) {
		calls++
		if attempt != calls {
			t.Errorf("attempt number mismatch: attempt=%d calls=%d", attempt, calls)
		}
		return 0, errors.New("nope")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_RejectsZeroAttempts(t *testing.T) {
	_, err := Do(context.Background(), 0, 0, "zero-op", func(ctx context.Context, attempt int) (int, error) {
		t.Fatal("function should never run")
		return 0, nil
	})
	if err == nil {
		t.Fatal("expected error for attempts < 1")
	}
	if !strings.Contains(err.Error(), "requires attempts >= 1") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDo_HonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Do(ctx, 5, MaxBackoff, "cancelled-op", func(ctx context.Context, attempt int) (int, error) {
		calls++
		cancel()
		return 0, errors.New("fail then cancel")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", calls)
	}
}
