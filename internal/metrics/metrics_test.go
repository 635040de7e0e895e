package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nugget/shelfwatch/internal/occupancy"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SessionState(2)
	if got := testutil.ToFloat64(m.sessionState); got != 2 {
		t.Errorf("session_state = %v, want 2", got)
	}

	m.ReconnectAttempt()
	m.ReconnectAttempt()
	if got := testutil.ToFloat64(m.reconnects); got != 2 {
		t.Errorf("reconnects = %v, want 2", got)
	}

	m.FrameDispatched("socketio")
	m.FrameDropped("socketio")
	m.FrameDropped("socketio")
	if got := testutil.ToFloat64(m.frames.WithLabelValues("socketio", "dropped")); got != 2 {
		t.Errorf("dropped frames = %v, want 2", got)
	}

	m.PollCompleted(10*time.Millisecond, nil)
	m.PollCompleted(10*time.Millisecond, errors.New("timeout"))
	if got := testutil.ToFloat64(m.polls.WithLabelValues("error")); got != 1 {
		t.Errorf("poll errors = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.pollDuration); n != 1 {
		t.Errorf("poll duration series = %d, want 1", n)
	}

	temp := 4.0
	m.ObserveResult(occupancy.Result{Slot1Occupied: true, Temperature: &temp})
	if got := testutil.ToFloat64(m.slotOccupied.WithLabelValues("1")); got != 1 {
		t.Errorf("slot 1 = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.slotOccupied.WithLabelValues("2")); got != 0 {
		t.Errorf("slot 2 = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.readings.WithLabelValues("temperature")); got != 4 {
		t.Errorf("temperature = %v, want 4", got)
	}

	if _, err := reg.Gather(); err != nil {
		t.Errorf("Gather() error: %v", err)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.SessionState(1)
	m.ReconnectAttempt()
	m.FrameDispatched("raw")
	m.FrameDropped("raw")
	m.MessageDispatched("socket")
	m.PollCompleted(time.Second, nil)
	m.ShelfAlert()
	m.MQTTMessage("accepted")
	m.ObserveResult(occupancy.Result{})
}
