package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

var (
	errTransient = errors.New("transient")
	errPermanent = errors.New("permanent")
)

func fastConfig(maxAttempts int) Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(3), func() error {
		attempts++
		if attempts < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetry_MaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(2), func() error {
		attempts++
		return errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("expected wrapped transient error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts (1 + 2 retries), got %d", attempts)
	}
}

func TestRetry_Disabled(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), Config{}, func() error {
		attempts++
		return errTransient
	})
	if err == nil || attempts != 1 {
		t.Fatalf("expected one failing attempt, got attempts=%d err=%v", attempts, err)
	}
}

func TestRetry_NonRetryableMatchesWrappedErrors(t *testing.T) {
	cfg := fastConfig(5).WithNonRetryable(errPermanent)

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return fmt.Errorf("update record: %w", errPermanent)
	})
	if !errors.Is(err, errPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected no retries, got %d attempts", attempts)
	}
}

func TestRetry_OtherErrorsStillRetriedWithNonRetryableList(t *testing.T) {
	cfg := fastConfig(2).WithNonRetryable(errPermanent)

	attempts := 0
	_ = Retry(context.Background(), cfg, func() error {
		attempts++
		return errTransient
	})
	if attempts != 3 {
		t.Errorf("unrelated errors must be retried, got %d attempts", attempts)
	}
}

func TestRetry_ErrorNotInRetryableList(t *testing.T) {
	cfg := fastConfig(3)
	cfg.RetryableErrors = []error{errTransient}

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return errPermanent
	})
	if err == nil || attempts != 1 {
		t.Fatalf("expected immediate failure, got attempts=%d err=%v", attempts, err)
	}
}

func TestRetry_ContextCancelledDuringWait(t *testing.T) {
	cfg := fastConfig(5)
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	attempts := 0
	err := Retry(ctx, cfg, func() error {
		attempts++
		return errTransient
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt before cancellation, got %d", attempts)
	}
}

func TestRetryWithResult(t *testing.T) {
	attempts := 0
	result, err := RetryWithResult(context.Background(), fastConfig(3), func() (string, error) {
		attempts++
		if attempts < 2 {
			return "", errTransient
		}
		return "ok", nil
	})
	if err != nil || result != "ok" {
		t.Fatalf("expected ok, got %q err=%v", result, err)
	}
}

func TestCalculateDelay(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0}

	if d := calculateDelay(cfg, 0); d != 100*time.Millisecond {
		t.Errorf("attempt 0: got %v", d)
	}
	if d := calculateDelay(cfg, 2); d != 400*time.Millisecond {
		t.Errorf("attempt 2: got %v", d)
	}
	if d := calculateDelay(cfg, 10); d != time.Second {
		t.Errorf("expected cap at MaxDelay, got %v", d)
	}

	cfg.Jitter = true
	for i := 0; i < 20; i++ {
		d := calculateDelay(cfg, 1)
		if d < 150*time.Millisecond || d > 250*time.Millisecond {
			t.Fatalf("jittered delay out of range: %v", d)
		}
	}
}
