package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeClock drives an Executor without wall-clock waits.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return ctx.Err()
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) install(e *Executor) {
	e.sleep = c.Sleep
	e.now = c.Now
}

func TestFatalErrorStopsImmediately(t *testing.T) {
	fatal := errors.New("bad credentials")
	clock := newFakeClock()
	e := New(Options{
		Timeout: 30 * time.Second,
		Delay:   time.Second,
		Classify: func(err error) Class {
			if errors.Is(err, fatal) {
				return Fatal
			}
			return Retryable
		},
	})
	clock.install(e)

	calls := 0
	err := e.Do(context.Background(), func() error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("expected fatal error back, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", calls)
	}
	if len(clock.sleeps) != 0 {
		t.Fatalf("expected no sleeps, got %v", clock.sleeps)
	}
}

func TestDeadlineBoundsAttempts(t *testing.T) {
	clock := newFakeClock()
	e := New(Options{Timeout: 5 * time.Second, Delay: 2 * time.Second})
	clock.install(e)

	boom := errors.New("connection refused")
	calls := 0
	err := e.Do(context.Background(), func() error {
		calls++
		return boom
	})

	var de *DeadlineError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeadlineError, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("DeadlineError should wrap the last attempt error")
	}
	// ceil(5/2)+1 = 4 attempts at most; sleeps at t=0,2,4 then deadline.
	if calls > 4 {
		t.Fatalf("expected at most 4 attempts, got %d", calls)
	}
	if de.Attempts != calls {
		t.Fatalf("Attempts=%d, want %d", de.Attempts, calls)
	}
	var slept time.Duration
	for _, d := range clock.sleeps {
		slept += d
	}
	if slept > 5*time.Second+2*time.Second {
		t.Fatalf("slept %v, beyond budget plus one increment", slept)
	}
}

func TestBackoffGrowth(t *testing.T) {
	clock := newFakeClock()
	e := New(Options{Timeout: time.Minute, Delay: time.Second, Backoff: 2})
	clock.install(e)

	calls := 0
	err := e.Do(context.Background(), func() error {
		calls++
		if calls < 5 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	if len(clock.sleeps) != len(want) {
		t.Fatalf("sleeps %v, want %v", clock.sleeps, want)
	}
	for i, d := range want {
		if clock.sleeps[i] != d {
			t.Fatalf("sleep %d = %v, want %v", i, clock.sleeps[i], d)
		}
	}
}

func TestDelayScheduleLastEntryRepeats(t *testing.T) {
	clock := newFakeClock()
	e := New(Options{
		Timeout: time.Minute,
		Delays:  []time.Duration{1 * time.Second, 1 * time.Second, 3 * time.Second, 5 * time.Second},
	})
	clock.install(e)

	calls := 0
	err := e.Do(context.Background(), func() error {
		calls++
		if calls < 7 {
			return errors.New("refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []time.Duration{1 * time.Second, 1 * time.Second, 3 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, d := range want {
		if clock.sleeps[i] != d {
			t.Fatalf("sleep %d = %v, want %v", i, clock.sleeps[i], d)
		}
	}
}

func TestConnectRefusedTwiceThenSucceeds(t *testing.T) {
	clock := newFakeClock()
	e := New(Options{
		Timeout: time.Minute,
		Delays:  []time.Duration{1 * time.Second, 1 * time.Second, 3 * time.Second, 5 * time.Second},
	})
	clock.install(e)

	calls := 0
	err := e.Do(context.Background(), func() error {
		calls++
		if calls <= 2 {
			return errors.New("connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	want := []time.Duration{1 * time.Second, 1 * time.Second}
	if len(clock.sleeps) != 2 || clock.sleeps[0] != want[0] || clock.sleeps[1] != want[1] {
		t.Fatalf("sleeps %v, want %v", clock.sleeps, want)
	}
}

func TestTinyTimeoutStillGetsOneAttempt(t *testing.T) {
	clock := newFakeClock()
	e := New(Options{Timeout: -1, Delay: time.Second})
	clock.install(e)

	calls := 0
	err := e.Do(context.Background(), func() error {
		calls++
		return errors.New("refused")
	})
	var de *DeadlineError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeadlineError, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", calls)
	}
}

func TestNoTimeoutRetriesUntilSuccess(t *testing.T) {
	clock := newFakeClock()
	e := New(Options{Delay: time.Second})
	clock.install(e)

	calls := 0
	err := e.Do(context.Background(), func() error {
		calls++
		if calls < 10 {
			return errors.New("refused")
		}
		return nil
	})
	if err != nil || calls != 10 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestCancellationInterruptsSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(10*time.Millisecond, cancel)

	e := New(Options{Delay: time.Hour})
	calls := 0
	start := time.Now()
	err := e.Do(ctx, func() error {
		calls++
		return errors.New("refused")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 attempt, got %d", calls)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("cancellation took %v, should interrupt the sleep", elapsed)
	}
}

func TestContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := New(Options{Delay: time.Second})
	err := e.Do(ctx, func() error { return errors.New("refused") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
