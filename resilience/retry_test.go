package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonwraymond/toolrun"
)

// fakeSleep records requested delays without sleeping.
func fakeSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestCoordinator_SucceedsFirstAttempt(t *testing.T) {
	c := NewCoordinator()

	calls := 0
	retries, err := c.Execute(context.Background(), "svc", Policy{}, func(ctx context.Context) error {
		calls++
		return nil
	})

	if err != nil {
		t.Errorf("Execute() error = %v", err)
	}
	if retries != 0 {
		t.Errorf("retries = %d, want 0", retries)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestCoordinator_RetriesThenSucceeds(t *testing.T) {
	c := NewCoordinator()
	var delays []time.Duration
	c.sleep = fakeSleep(&delays)

	calls := 0
	retries, err := c.Execute(context.Background(), "svc", Policy{MaxAttempts: 5}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Execute() error = %v", err)
	}
	if retries != 2 {
		t.Errorf("retries = %d, want 2", retries)
	}
	if len(delays) != 2 {
		t.Errorf("slept %d times, want 2", len(delays))
	}
}

func TestCoordinator_Exhaustion(t *testing.T) {
	c := NewCoordinator()
	var delays []time.Duration
	c.sleep = fakeSleep(&delays)

	boom := errors.New("boom")
	retries, err := c.Execute(context.Background(), "svc", Policy{MaxAttempts: 3}, func(ctx context.Context) error {
		return boom
	})

	if !errors.Is(err, toolrun.ErrRetryExhausted) {
		t.Errorf("Execute() error = %v, want ErrRetryExhausted", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("Execute() error = %v, want wrapped last failure", err)
	}
	if retries != 2 {
		t.Errorf("retries = %d, want 2", retries)
	}
}

func TestCoordinator_ExponentialDelays(t *testing.T) {
	c := NewCoordinator()
	var delays []time.Duration
	c.sleep = fakeSleep(&delays)

	policy := Policy{
		MaxAttempts: 4,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  2.0,
		Strategy:    BackoffExponential,
	}
	_, _ = c.Execute(context.Background(), "svc", policy, func(ctx context.Context) error {
		return errors.New("boom")
	})

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestCoordinator_LinearDelays(t *testing.T) {
	c := NewCoordinator()
	var delays []time.Duration
	c.sleep = fakeSleep(&delays)

	policy := Policy{
		MaxAttempts: 4,
		BaseDelay:   50 * time.Millisecond,
		Strategy:    BackoffLinear,
	}
	_, _ = c.Execute(context.Background(), "svc", policy, func(ctx context.Context) error {
		return errors.New("boom")
	})

	want := []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 150 * time.Millisecond}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestCoordinator_FixedDelays(t *testing.T) {
	c := NewCoordinator()
	var delays []time.Duration
	c.sleep = fakeSleep(&delays)

	policy := Policy{
		MaxAttempts: 3,
		BaseDelay:   70 * time.Millisecond,
		Strategy:    BackoffFixed,
	}
	_, _ = c.Execute(context.Background(), "svc", policy, func(ctx context.Context) error {
		return errors.New("boom")
	})

	for i, d := range delays {
		if d != 70*time.Millisecond {
			t.Errorf("delay[%d] = %v, want 70ms", i, d)
		}
	}
}

func TestCoordinator_MaxDelayClamp(t *testing.T) {
	c := NewCoordinator()
	var delays []time.Duration
	c.sleep = fakeSleep(&delays)

	policy := Policy{
		MaxAttempts: 6,
		BaseDelay:   time.Second,
		MaxDelay:    2 * time.Second,
		Strategy:    BackoffExponential,
	}
	_, _ = c.Execute(context.Background(), "svc", policy, func(ctx context.Context) error {
		return errors.New("boom")
	})

	for i, d := range delays {
		if d > 2*time.Second {
			t.Errorf("delay[%d] = %v, want <= 2s", i, d)
		}
	}
}

func TestCoordinator_AdaptiveScalesDown(t *testing.T) {
	c := NewCoordinator()
	state := c.service("healthy")

	// Recent history: all successes, rate > 0.8.
	for i := 0; i < 20; i++ {
		state.recordAttempt(true)
	}

	policy := (Policy{
		BaseDelay:  100 * time.Millisecond,
		Multiplier: 2.0,
		Strategy:   BackoffAdaptive,
	}).withDefaults()

	d := c.delayFor(policy, 1, state)
	if d != 80*time.Millisecond {
		t.Errorf("adaptive delay = %v, want 80ms (scaled x0.8)", d)
	}
}

func TestCoordinator_AdaptiveScalesUp(t *testing.T) {
	c := NewCoordinator()
	state := c.service("sick")

	// Recent history: all failures, rate < 0.3.
	for i := 0; i < 20; i++ {
		state.recordAttempt(false)
	}

	policy := (Policy{
		BaseDelay:  100 * time.Millisecond,
		Multiplier: 2.0,
		Strategy:   BackoffAdaptive,
	}).withDefaults()

	d := c.delayFor(policy, 1, state)
	if d != 150*time.Millisecond {
		t.Errorf("adaptive delay = %v, want 150ms (scaled x1.5)", d)
	}
}

func TestCoordinator_CircuitOpenShortCircuits(t *testing.T) {
	c := NewCoordinator()
	var delays []time.Duration
	c.sleep = fakeSleep(&delays)

	calls := 0
	_, err := c.Execute(context.Background(), "svc", Policy{MaxAttempts: 5}, func(ctx context.Context) error {
		calls++
		return toolrun.ErrCircuitOpen
	})

	if !errors.Is(err, toolrun.ErrCircuitOpen) {
		t.Errorf("Execute() error = %v, want ErrCircuitOpen", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry against an open circuit)", calls)
	}
	if len(delays) != 0 {
		t.Errorf("slept %d times, want 0", len(delays))
	}
}

func TestCoordinator_RetryIfPredicate(t *testing.T) {
	c := NewCoordinator()
	var delays []time.Duration
	c.sleep = fakeSleep(&delays)

	fatal := errors.New("fatal")
	calls := 0
	policy := Policy{
		MaxAttempts: 5,
		RetryIf:     func(err error) bool { return !errors.Is(err, fatal) },
	}
	_, err := c.Execute(context.Background(), "svc", policy, func(ctx context.Context) error {
		calls++
		return fatal
	})

	if !errors.Is(err, fatal) {
		t.Errorf("Execute() error = %v, want fatal", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestCoordinator_ContextCancelDuringBackoff(t *testing.T) {
	c := NewCoordinator()

	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{MaxAttempts: 3, BaseDelay: 10 * time.Second}

	done := make(chan error, 1)
	go func() {
		_, err := c.Execute(ctx, "svc", policy, func(ctx context.Context) error {
			return errors.New("boom")
		})
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Execute() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Execute() did not return after cancellation")
	}
}

func TestCoordinator_JitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	policy := (Policy{JitterFactor: 0.25}).withDefaults()

	for i := 0; i < 200; i++ {
		policy.Jitter = JitterUniform
		d := applyJitter(base, policy)
		if d < 75*time.Millisecond || d > 125*time.Millisecond {
			t.Fatalf("uniform jitter = %v, want within [75ms, 125ms]", d)
		}

		policy.Jitter = JitterGaussian
		d = applyJitter(base, policy)
		if d < 75*time.Millisecond || d > 125*time.Millisecond {
			t.Fatalf("gaussian jitter = %v, want within [75ms, 125ms]", d)
		}

		policy.Jitter = JitterFull
		d = applyJitter(base, policy)
		if d < 0 || d > base {
			t.Fatalf("full jitter = %v, want within [0, %v]", d, base)
		}
	}

	policy.Jitter = JitterNone
	if d := applyJitter(base, policy); d != base {
		t.Errorf("no jitter = %v, want %v", d, base)
	}
}

func TestCoordinator_Stats(t *testing.T) {
	c := NewCoordinator()
	var delays []time.Duration
	c.sleep = fakeSleep(&delays)

	_, _ = c.Execute(context.Background(), "svc", Policy{MaxAttempts: 3}, func(ctx context.Context) error {
		return errors.New("boom")
	})
	_, _ = c.Execute(context.Background(), "svc", Policy{}, func(ctx context.Context) error {
		return nil
	})

	stats := c.Stats()
	s, ok := stats["svc"]
	if !ok {
		t.Fatal("Stats() missing svc")
	}
	if s.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", s.Attempts)
	}
	if s.Successes != 1 {
		t.Errorf("Successes = %d, want 1", s.Successes)
	}
	if s.Failures != 3 {
		t.Errorf("Failures = %d, want 3", s.Failures)
	}
	if len(s.Recent) != 2 {
		t.Errorf("len(Recent) = %d, want 2", len(s.Recent))
	}
}

func TestCoordinator_HistoryBounded(t *testing.T) {
	c := NewCoordinator()
	var delays []time.Duration
	c.sleep = fakeSleep(&delays)

	for i := 0; i < historySize*2; i++ {
		_, _ = c.Execute(context.Background(), "svc", Policy{}, func(ctx context.Context) error {
			return nil
		})
	}

	s := c.Stats()["svc"]
	if len(s.Recent) != historySize {
		t.Errorf("len(Recent) = %d, want capped at %d", len(s.Recent), historySize)
	}
}
