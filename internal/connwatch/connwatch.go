// Package connwatch provides the retry policy used to re-establish
// broker connections and a Manager that aggregates the health of every
// data source for the status API.
//
// Retry handles multi-second outages of a long-lived connection: the
// broker restarting, a network partition, a deploy on the hosting side.
// Each attempt is preceded by the policy delay; the loop gives up with
// ErrExhausted after MaxAttempts consecutive failures.
package connwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrExhausted is returned by Retry when every attempt failed.
var ErrExhausted = errors.New("connwatch: retry attempts exhausted")

// Policy controls reconnect timing.
type Policy struct {
	// Delay is the wait before each attempt (default: 1s).
	Delay time.Duration

	// MaxDelay caps delay growth when Multiplier > 1 (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each failed attempt. Values
	// <= 1 keep the delay fixed.
	Multiplier float64

	// MaxAttempts is the number of attempts before giving up
	// (default: 5).
	MaxAttempts int
}

// DefaultPolicy returns a fixed 1s delay with five attempts.
func DefaultPolicy() Policy {
	return Policy{
		Delay:       time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  1,
		MaxAttempts: 5,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Delay <= 0 {
		p.Delay = d.Delay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

// AttemptFunc performs one attempt. n starts at 1.
type AttemptFunc func(ctx context.Context, n int) error

// Retry waits the policy delay and calls attempt until it succeeds,
// ctx is cancelled, or MaxAttempts attempts have failed. It returns nil
// on success, ctx.Err() on cancellation, and an error wrapping both
// ErrExhausted and the last attempt error otherwise.
func Retry(ctx context.Context, name string, p Policy, attempt AttemptFunc, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	p = p.withDefaults()

	delay := p.Delay
	var lastErr error
	for n := 1; n <= p.MaxAttempts; n++ {
		logger.Debug("waiting before attempt",
			"service", name,
			"attempt", n,
			"max_attempts", p.MaxAttempts,
			"delay", delay.String(),
		)
		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}

		lastErr = attempt(ctx, n)
		if lastErr == nil {
			logger.Info("service connected", "service", name, "after_attempts", n)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		logger.Debug("attempt failed",
			"service", name,
			"attempt", n,
			"error", lastErr,
		)

		if p.Multiplier > 1 {
			delay = time.Duration(float64(delay) * p.Multiplier)
			if delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
	}

	logger.Warn("giving up after repeated failures",
		"service", name,
		"attempts", p.MaxAttempts,
		"error", lastErr,
	)
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.MaxAttempts, lastErr)
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// ServiceStatus is the health status of a data source, suitable for
// JSON serialization in health endpoints.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	State     string    `json:"state,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Reporter is implemented by every component that reports health.
type Reporter interface {
	Status() ServiceStatus
}

// Manager aggregates Reporters by name.
type Manager struct {
	mu        sync.RWMutex
	reporters map[string]Reporter
	logger    *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		reporters: make(map[string]Reporter),
		logger:    logger,
	}
}

// Register adds r under name, replacing any previous reporter with the
// same name.
//
// Panics if name is empty or r is nil.
func (m *Manager) Register(name string, r Reporter) {
	if name == "" {
		panic("connwatch: reporter name must not be empty")
	}
	if r == nil {
		panic("connwatch: reporter must not be nil")
	}

	m.mu.Lock()
	m.reporters[name] = r
	m.mu.Unlock()

	m.logger.Debug("health reporter registered", "service", name)
}

// Names returns the registered names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.reporters))
	for name := range m.reporters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status returns the health status of every registered reporter.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.reporters))
	for name, r := range m.reporters {
		s := r.Status()
		if s.Name == "" {
			s.Name = name
		}
		status[name] = s
	}
	return status
}

// Healthy reports whether at least one reporter is ready. A single
// working source is enough to keep occupancy current.
func (m *Manager) Healthy() bool {
	for _, s := range m.Status() {
		if s.Ready {
			return true
		}
	}
	return false
}
