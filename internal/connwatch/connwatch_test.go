package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testPolicy returns a fast policy for tests.
func testPolicy() Policy {
	return Policy{
		Delay:       time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  1,
		MaxAttempts: 5,
	}
}

func TestDefaultPolicy(t *testing.T) {
	t.Parallel()
	p := DefaultPolicy()

	if p.Delay != time.Second {
		t.Errorf("Delay = %v, want 1s", p.Delay)
	}
	if p.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", p.MaxAttempts)
	}
	if p.Multiplier != 1 {
		t.Errorf("Multiplier = %v, want 1 (fixed delay)", p.Multiplier)
	}
}

func TestRetry_ImmediateSuccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	err := Retry(context.Background(), "test", testPolicy(), func(ctx context.Context, n int) error {
		calls.Add(1)
		return nil
	}, quietLogger())

	if err != nil {
		t.Fatalf("Retry() = %v, want nil", err)
	}
	if calls.Load() != 1 {
		t.Errorf("attempts = %d, want 1", calls.Load())
	}
}

func TestRetry_FailThenSucceed(t *testing.T) {
	t.Parallel()

	errDown := errors.New("broker down")
	var seen []int
	err := Retry(context.Background(), "test", testPolicy(), func(ctx context.Context, n int) error {
		seen = append(seen, n)
		if n <= 3 {
			return errDown
		}
		return nil
	}, quietLogger())

	if err != nil {
		t.Fatalf("Retry() = %v, want nil", err)
	}
	if len(seen) != 4 || seen[0] != 1 || seen[3] != 4 {
		t.Errorf("attempt numbers = %v, want [1 2 3 4]", seen)
	}
}

func TestRetry_Exhausted(t *testing.T) {
	t.Parallel()

	errDown := errors.New("always down")
	var calls atomic.Int32
	err := Retry(context.Background(), "test", testPolicy(), func(ctx context.Context, n int) error {
		calls.Add(1)
		return errDown
	}, quietLogger())

	if !errors.Is(err, ErrExhausted) {
		t.Errorf("Retry() = %v, want ErrExhausted", err)
	}
	if !errors.Is(err, errDown) {
		t.Errorf("Retry() = %v, want wrapped attempt error", err)
	}
	if calls.Load() != 5 {
		t.Errorf("attempts = %d, want exactly 5", calls.Load())
	}
}

func TestRetry_ContextCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	p := testPolicy()
	p.Delay = time.Hour

	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, "test", p, func(ctx context.Context, n int) error {
			t.Error("attempt should not run before the delay elapses")
			return nil
		}, quietLogger())
	}()

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Retry() = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Retry did not return after cancellation")
	}
}

func TestRetry_DelayGrowsWithMultiplier(t *testing.T) {
	t.Parallel()

	p := Policy{
		Delay:       2 * time.Millisecond,
		MaxDelay:    8 * time.Millisecond,
		Multiplier:  2,
		MaxAttempts: 4,
	}

	var stamps []time.Time
	start := time.Now()
	_ = Retry(context.Background(), "test", p, func(ctx context.Context, n int) error {
		stamps = append(stamps, time.Now())
		return errors.New("down")
	}, quietLogger())

	// 2 + 4 + 8 + 8 (capped) ms.
	if elapsed := stamps[len(stamps)-1].Sub(start); elapsed < 22*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 22ms", elapsed)
	}
}

func TestPolicy_ZeroValueUsesDefaults(t *testing.T) {
	t.Parallel()
	p := Policy{}.withDefaults()
	if p.Delay != time.Second || p.MaxAttempts != 5 || p.MaxDelay != 60*time.Second {
		t.Errorf("withDefaults() = %+v", p)
	}
}

type fixedReporter ServiceStatus

func (r fixedReporter) Status() ServiceStatus { return ServiceStatus(r) }

func TestManager_Status(t *testing.T) {
	t.Parallel()

	m := NewManager(quietLogger())
	m.Register("session", fixedReporter{Ready: false, State: "failed", LastError: "refused"})
	m.Register("poller", fixedReporter{Name: "snapshot", Ready: true})

	status := m.Status()
	if len(status) != 2 {
		t.Fatalf("len(Status()) = %d, want 2", len(status))
	}
	if s := status["session"]; s.Name != "session" || s.Ready || s.State != "failed" {
		t.Errorf("session status = %+v", s)
	}
	if s := status["poller"]; s.Name != "snapshot" || !s.Ready {
		t.Errorf("poller status = %+v", s)
	}
	if !m.Healthy() {
		t.Error("Healthy() = false with one ready source")
	}

	names := m.Names()
	if len(names) != 2 || names[0] != "poller" || names[1] != "session" {
		t.Errorf("Names() = %v, want sorted [poller session]", names)
	}
}

func TestManager_Unhealthy(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	if m.Healthy() {
		t.Error("empty manager should not be healthy")
	}
	m.Register("session", fixedReporter{Ready: false})
	if m.Healthy() {
		t.Error("Healthy() = true with no ready sources")
	}
}

func TestManager_RegisterPanics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fn   func(m *Manager)
	}{
		{"empty name", func(m *Manager) { m.Register("", fixedReporter{}) }},
		{"nil reporter", func(m *Manager) { m.Register("x", nil) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			tt.fn(NewManager(quietLogger()))
		})
	}
}
