package retry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

func testPolicy(total time.Duration) Policy {
	return Policy{
		ConnectionTimeout: 50 * time.Millisecond,
		ReadTimeout:       50 * time.Millisecond,
		RetryInterval:     10 * time.Millisecond,
		TotalTimeout:      total,
	}
}

func TestDo_Success(t *testing.T) {
	t.Parallel()
	attempts := 0
	op := func(context.Context) error {
		attempts++
		return nil
	}

	err := testPolicy(time.Second).Do(context.Background(), logr.Discard(), op)

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got: %d", attempts)
	}
}

func TestDo_SuccessAfterTransientFailures(t *testing.T) {
	t.Parallel()
	attempts := 0
	op := func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	}

	err := testPolicy(time.Second).Do(context.Background(), logr.Discard(), op)

	if err != nil {
		t.Errorf("Expected no error after retries, got: %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got: %d", attempts)
	}
}

func TestDo_ExhaustsBudget(t *testing.T) {
	t.Parallel()
	attempts := 0
	op := func(context.Context) error {
		attempts++
		return errors.New("still not ready")
	}

	start := time.Now()
	p := testPolicy(100 * time.Millisecond)
	err := p.Do(context.Background(), logr.Discard(), op)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrDeadlineExceeded) {
		t.Fatalf("Expected ErrDeadlineExceeded, got: %v", err)
	}
	if attempts < 1 {
		t.Errorf("Expected at least one attempt, got: %d", attempts)
	}
	// Budget plus one attempt's worth of slack, with margin for slow CI.
	if elapsed > p.TotalTimeout+p.ReadTimeout+500*time.Millisecond {
		t.Errorf("Loop overran the budget: %v", elapsed)
	}
	// The exhaustion error carries the last transient error.
	if !strings.Contains(err.Error(), "still not ready") {
		t.Errorf("Expected the last transient cause in %v", err)
	}
}

func TestDo_ZeroBudgetStillAttemptsOnce(t *testing.T) {
	t.Parallel()
	attempts := 0
	op := func(context.Context) error {
		attempts++
		return errors.New("transient")
	}

	err := testPolicy(0).Do(context.Background(), logr.Discard(), op)

	if !errors.Is(err, ErrDeadlineExceeded) {
		t.Fatalf("Expected ErrDeadlineExceeded, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected exactly 1 attempt with a zero budget, got: %d", attempts)
	}
}

func TestDo_PermanentErrorNotRetried(t *testing.T) {
	t.Parallel()
	attempts := 0
	cause := errors.New("authentication mismatch")
	op := func(context.Context) error {
		attempts++
		return Permanent(cause)
	}

	err := testPolicy(time.Second).Do(context.Background(), logr.Discard(), op)

	if !errors.Is(err, cause) {
		t.Fatalf("Expected the permanent cause, got: %v", err)
	}
	if errors.Is(err, ErrDeadlineExceeded) {
		t.Error("Permanent failure must not be reported as exhaustion")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got: %d", attempts)
	}
}

func TestDo_ContextCancellation(t *testing.T) {
	t.Parallel()
	attempts := 0
	op := func(context.Context) error {
		attempts++
		return errors.New("transient")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := testPolicy(time.Second).Do(ctx, logr.Discard(), op)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt before the cancellation check, got: %d", attempts)
	}
}

func TestPermanent_NilPassthrough(t *testing.T) {
	t.Parallel()
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) must be nil")
	}
	if IsPermanent(errors.New("plain")) {
		t.Error("Plain errors must not be permanent")
	}
	if !IsPermanent(Permanent(errors.New("x"))) {
		t.Error("Wrapped errors must be permanent")
	}
}
