package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
)

// ErrDeadlineExceeded is returned when the total retry budget is exhausted
// without a successful attempt. It always wraps the last attempt's error.
var ErrDeadlineExceeded = errors.New("total retry budget exhausted")

// Policy bounds one logical operation against an unreliable endpoint.
//
// The total timeout is fixed when the loop starts: transient failures never
// extend it. The loop always issues at least one attempt, so the wall-clock
// bound is TotalTimeout plus at most one attempt's duration.
type Policy struct {
	// ConnectionTimeout bounds transport establishment for one attempt.
	ConnectionTimeout time.Duration
	// ReadTimeout bounds receiving a complete response for one attempt.
	ReadTimeout time.Duration
	// RetryInterval is slept between a transient failure and the next attempt.
	RetryInterval time.Duration
	// TotalTimeout bounds the sum of all attempts including backoff sleeps.
	TotalTimeout time.Duration
}

// PermanentError marks an error that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks an error as permanent. Policy.Do terminates immediately
// when the operation returns a permanent error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is marked permanent.
func IsPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}

// outcome is the classification of one attempt.
type outcome int

const (
	succeed outcome = iota
	retrySleep
	failPermanent
)

func classify(err error) outcome {
	switch {
	case err == nil:
		return succeed
	case IsPermanent(err):
		return failPermanent
	default:
		return retrySleep
	}
}

// Do executes op until it succeeds, fails permanently, or the total budget
// runs out. One event is logged per attempt with the attempt number, elapsed
// time and outcome. The deadline is fixed at loop start and re-checked after
// every backoff sleep; when it has passed, Do returns an error wrapping
// [ErrDeadlineExceeded] instead of issuing another attempt.
func (p Policy) Do(ctx context.Context, logger logr.Logger, op func(context.Context) error) error {
	deadline := time.Now().Add(p.TotalTimeout)

	var lastErr error
	for attempt := 1; ; attempt++ {
		start := time.Now()
		err := op(ctx)
		elapsed := time.Since(start).Round(time.Millisecond)

		switch classify(err) {
		case succeed:
			logger.V(1).Info("attempt succeeded", "attempt", attempt, "elapsed", elapsed)
			return nil
		case failPermanent:
			logger.Info("attempt failed permanently, not retrying",
				"attempt", attempt, "elapsed", elapsed, "error", err.Error())
			return err
		case retrySleep:
			logger.Info("attempt failed, will retry",
				"attempt", attempt, "elapsed", elapsed, "error", err.Error())
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("cancelled after %d attempts: %w", attempt, ctx.Err())
		case <-time.After(p.RetryInterval):
		}

		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w after %d attempts: %w", ErrDeadlineExceeded, attempt, lastErr)
		}
	}
}
