// Package retry is a bounded retry-with-backoff executor for transient
// remote failures: dials, HTTP calls, command runs. Callers classify
// errors; the executor only decides when to stop.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Class is the outcome of classifying an attempt error.
type Class int

const (
	// Retryable errors are retried until the deadline.
	Retryable Class = iota
	// Fatal errors abort immediately without sleeping.
	Fatal
)

// Classifier decides whether an attempt error is worth retrying.
type Classifier func(error) Class

// RetryAll treats every error as transient.
func RetryAll(error) Class { return Retryable }

// Options controls a single Do invocation.
type Options struct {
	// Timeout bounds the whole loop, measured from the first attempt.
	// Zero means retry until a fatal error or context cancellation.
	Timeout time.Duration
	// Delay is the sleep between attempts when Delays is empty.
	Delay time.Duration
	// Delays is an ordered schedule; once exhausted the last entry repeats.
	// Takes precedence over Delay.
	Delays []time.Duration
	// Backoff multiplies the current single-value delay after every
	// attempt. Ignored when Delays is set. Values <= 1 mean no growth.
	Backoff float64
	// Classify defaults to RetryAll.
	Classify Classifier
}

// DeadlineError reports that the retry budget ran out. It wraps the error
// from the final attempt.
type DeadlineError struct {
	Attempts int
	Timeout  time.Duration
	Err      error
}

func (e *DeadlineError) Error() string {
	return fmt.Sprintf("retry: deadline exceeded after %d attempts (budget %s): %v", e.Attempts, e.Timeout, e.Err)
}

func (e *DeadlineError) Unwrap() error { return e.Err }

const defaultDelay = 1 * time.Second

// Executor runs operations with a retry policy. The zero value is not
// usable; construct with New.
type Executor struct {
	opts Options

	// injectable for tests
	sleep func(context.Context, time.Duration) error
	now   func() time.Time
}

// sleepCtx waits for d or for ctx, whichever ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// New builds an Executor. Missing fields get defaults: RetryAll
// classification and a 1s fixed delay.
func New(opts Options) *Executor {
	if opts.Classify == nil {
		opts.Classify = RetryAll
	}
	if opts.Delay <= 0 {
		opts.Delay = defaultDelay
	}
	return &Executor{opts: opts, sleep: sleepCtx, now: time.Now}
}

// Do invokes op until it succeeds, is classified fatal, the deadline
// passes, or ctx is cancelled. A non-positive remaining budget still
// allows exactly one attempt. On deadline expiry the last attempt error
// is returned wrapped in a *DeadlineError.
func (e *Executor) Do(ctx context.Context, op func() error) error {
	var deadline time.Time
	if e.opts.Timeout != 0 {
		deadline = e.now().Add(e.opts.Timeout)
	}

	delay := e.opts.Delay
	schedule := e.opts.Delays
	attempts := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		if e.opts.Classify(err) == Fatal {
			return err
		}

		next := delay
		if len(schedule) > 0 {
			next = schedule[0]
			if len(schedule) > 1 {
				schedule = schedule[1:]
			}
		}

		if !deadline.IsZero() && !e.now().Before(deadline) {
			return &DeadlineError{Attempts: attempts, Timeout: e.opts.Timeout, Err: err}
		}

		log.Debug().
			Err(err).
			Int("attempt", attempts).
			Dur("delay", next).
			Msg("transient failure, retrying")
		if err := e.sleep(ctx, next); err != nil {
			return err
		}

		if len(schedule) == 0 && e.opts.Backoff > 1 {
			delay = time.Duration(float64(delay) * e.opts.Backoff)
		}
	}
}

// Do is a convenience wrapper around New(opts).Do.
func Do(ctx context.Context, op func() error, opts Options) error {
	return New(opts).Do(ctx, op)
}
