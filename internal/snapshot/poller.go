package snapshot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/shelfwatch/internal/connwatch"
	"github.com/nugget/shelfwatch/internal/events"
	"github.com/nugget/shelfwatch/internal/metrics"
	"github.com/nugget/shelfwatch/internal/occupancy"
)

// Fetcher returns one snapshot. *Client satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context) (*Snapshot, error)
}

// Sink receives decoded readings. *occupancy.Tracker satisfies it.
// Commit must not call back into the poller; the returned update is
// notified after the poller releases its locks.
type Sink interface {
	Commit(source string, values map[occupancy.Signal]float64) occupancy.Update
}

// PollerConfig configures the snapshot poll loop.
type PollerConfig struct {
	// Fetcher performs the request. Required.
	Fetcher Fetcher

	// Sink receives each successful snapshot. Required.
	Sink Sink

	// Interval is the pause between the end of one cycle and the start
	// of the next.
	Interval time.Duration

	// OnError is called for every failed cycle. Optional.
	OnError func(error)

	// OnAlert receives the coarse shelf alert from every successful
	// cycle, including all-clear ones. Optional.
	OnAlert func(occupancy.Alert)

	// Events receives poll and alert events. Optional.
	Events *events.Bus

	// Metrics receives poll counters. Optional.
	Metrics *metrics.Metrics

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Poller runs the snapshot loop. Only one loop runs at a time.
type Poller struct {
	cfg PollerConfig

	mu        sync.Mutex
	current   *Handle
	lastCheck time.Time
	lastErr   error
	succeeded bool
}

// NewPoller creates a poller. Start must be called to begin polling.
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Poller{cfg: cfg}
}

// Handle controls a running poll loop.
type Handle struct {
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	mu     sync.Mutex
	active bool
}

// Stop cancels the pending timer. A request already in flight runs to
// completion but its result is discarded. Safe to call more than once.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.active = false
		h.mu.Unlock()
		close(h.stop)
	})
}

// Done is closed when the loop goroutine exits.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// whileActive runs fn with the handle locked if it is still active.
func (h *Handle) whileActive(fn func()) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.active {
		return false
	}
	fn()
	return true
}

func (h *Handle) isActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// Start begins polling: one cycle immediately, then one cycle per
// Interval measured from the end of the previous cycle. If a loop is
// already running its handle is returned and no second loop starts.
// Requests use ctx, so cancelling ctx aborts an in-flight request while
// Handle.Stop does not.
func (p *Poller) Start(ctx context.Context) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != nil && p.current.isActive() {
		p.cfg.Logger.Debug("poll loop already running")
		return p.current
	}

	h := &Handle{
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		active: true,
	}
	prev := p.current
	p.current = h

	p.cfg.Logger.Info("snapshot polling started", "interval", p.cfg.Interval.String())
	go p.loop(ctx, h, prev)
	return h
}

// loop runs cycles until h is stopped or ctx is cancelled. A stopped
// predecessor may still have a request in flight; the first cycle
// waits for it to finish.
func (p *Poller) loop(ctx context.Context, h, prev *Handle) {
	defer close(h.done)

	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			h.Stop()
			return
		case <-h.stop:
			return
		}
	}

	for {
		p.cycle(ctx, h)

		timer := time.NewTimer(p.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			h.Stop()
			return
		case <-h.stop:
			timer.Stop()
			p.cfg.Logger.Info("snapshot polling stopped")
			return
		case <-timer.C:
		}
	}
}

// cycle performs one request and applies its result if the handle is
// still active when the response arrives.
func (p *Poller) cycle(ctx context.Context, h *Handle) {
	start := time.Now()
	snap, err := p.cfg.Fetcher.Fetch(ctx)

	var values map[occupancy.Signal]float64
	if err == nil {
		values, err = snap.Values()
	}
	elapsed := time.Since(start)

	if !h.isActive() {
		p.cfg.Logger.Debug("discarding snapshot from stopped poller", "error", err)
		return
	}

	p.cfg.Metrics.PollCompleted(elapsed, err)
	p.record(err)

	if err != nil {
		p.cfg.Logger.Warn("snapshot poll failed",
			"error", err,
			"next_in", p.cfg.Interval.String(),
		)
		p.cfg.Events.Emit(events.SourcePoller, events.KindPollError, map[string]any{
			"error":       err.Error(),
			"duration_ms": elapsed.Milliseconds(),
		})
		if p.cfg.OnError != nil {
			p.cfg.OnError(err)
		}
		return
	}

	// Commit under the handle lock so a concurrent Stop either prevents
	// the write or waits for it. Change callbacks run after the lock is
	// released and may stop the poller themselves.
	var update occupancy.Update
	applied := h.whileActive(func() {
		update = p.cfg.Sink.Commit(occupancy.SourcePoll, values)
	})
	if !applied {
		p.cfg.Logger.Debug("discarding snapshot from stopped poller")
		return
	}
	update.Notify()

	p1, p2 := values[occupancy.Proximity1], values[occupancy.Proximity2]
	p.cfg.Events.Emit(events.SourcePoller, events.KindPollComplete, map[string]any{
		"proximity1":  p1,
		"proximity2":  p2,
		"duration_ms": elapsed.Milliseconds(),
	})
	p.cfg.Logger.Debug("snapshot applied",
		"proximity1", p1,
		"proximity2", p2,
		"elapsed", elapsed.String(),
	)

	alert := occupancy.EvaluateAlert(p1, p2)
	if alert.Any() {
		p.cfg.Logger.Warn("shelf alert: slot occupied",
			"slot1", alert.Slot1,
			"slot2", alert.Slot2,
			"proximity1", p1,
			"proximity2", p2,
		)
		p.cfg.Metrics.ShelfAlert()
		p.cfg.Events.Emit(events.SourcePoller, events.KindShelfAlert, map[string]any{
			"slot1":      alert.Slot1,
			"slot2":      alert.Slot2,
			"proximity1": p1,
			"proximity2": p2,
		})
	}
	if p.cfg.OnAlert != nil {
		p.cfg.OnAlert(alert)
	}
}

func (p *Poller) record(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastCheck = time.Now()
	p.lastErr = err
	p.succeeded = err == nil
}

// Status reports poll health for the status API. Ready means the last
// completed cycle succeeded.
func (p *Poller) Status() connwatch.ServiceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	state := "idle"
	if p.current != nil {
		state = "stopped"
		if p.current.isActive() {
			state = "polling"
		}
	}

	st := connwatch.ServiceStatus{
		Name:      "snapshot",
		Ready:     p.succeeded,
		State:     state,
		LastCheck: p.lastCheck,
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	return st
}
