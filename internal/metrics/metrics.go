// Package metrics exposes Prometheus collectors for the broker session,
// the snapshot poller, the MQTT bridge and the occupancy result.
//
// All methods are safe on a nil *Metrics so components can be built
// without instrumentation in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nugget/shelfwatch/internal/occupancy"
)

const namespace = "shelfwatch"

// Metrics holds every collector the daemon exports.
type Metrics struct {
	sessionState    prometheus.Gauge
	reconnects      prometheus.Counter
	frames          *prometheus.CounterVec
	dispatched      *prometheus.CounterVec
	polls           *prometheus.CounterVec
	pollDuration    prometheus.Histogram
	shelfAlerts     prometheus.Counter
	slotOccupied    *prometheus.GaugeVec
	readings        *prometheus.GaugeVec
	mqttMessages    *prometheus.CounterVec
	occupancyChange prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg
// registers with prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		sessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Broker session state (0 idle, 1 connecting, 2 connected, 3 disconnected, 4 failed).",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_reconnect_attempts_total",
			Help:      "Broker reconnect attempts.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_frames_total",
			Help:      "Inbound broker frames by framing and outcome.",
		}, []string{"framing", "result"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dispatched_total",
			Help:      "Sensor messages dispatched to the topic registry by source.",
		}, []string{"source"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_polls_total",
			Help:      "Snapshot polls by outcome.",
		}, []string{"result"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_poll_duration_seconds",
			Help:      "Snapshot request latency.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		shelfAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shelf_alerts_total",
			Help:      "Snapshot polls that found a slot under the alert threshold.",
		}),
		slotOccupied: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slot_occupied",
			Help:      "1 when the slot is occupied.",
		}, []string{"slot"}),
		readings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reading",
			Help:      "Latest known climate reading.",
		}, []string{"signal"}),
		mqttMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_messages_total",
			Help:      "Inbound MQTT messages by outcome.",
		}, []string{"result"}),
		occupancyChange: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "occupancy_changes_total",
			Help:      "Delivered occupancy results.",
		}),
	}

	reg.MustRegister(
		m.sessionState,
		m.reconnects,
		m.frames,
		m.dispatched,
		m.polls,
		m.pollDuration,
		m.shelfAlerts,
		m.slotOccupied,
		m.readings,
		m.mqttMessages,
		m.occupancyChange,
	)
	return m
}

// SessionState records the numeric session state.
func (m *Metrics) SessionState(state int) {
	if m == nil {
		return
	}
	m.sessionState.Set(float64(state))
}

// ReconnectAttempt counts one reconnect dial.
func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// FrameDispatched counts a frame that produced a sensor message.
func (m *Metrics) FrameDispatched(framing string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(framing, "dispatched").Inc()
}

// FrameDropped counts a malformed frame.
func (m *Metrics) FrameDropped(framing string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(framing, "dropped").Inc()
}

// MessageDispatched counts a message handed to the registry.
func (m *Metrics) MessageDispatched(source string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(source).Inc()
}

// PollCompleted records one poll cycle.
func (m *Metrics) PollCompleted(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.pollDuration.Observe(d.Seconds())
	if err != nil {
		m.polls.WithLabelValues("error").Inc()
		return
	}
	m.polls.WithLabelValues("success").Inc()
}

// ShelfAlert counts a poll whose alert had any slot set.
func (m *Metrics) ShelfAlert() {
	if m == nil {
		return
	}
	m.shelfAlerts.Inc()
}

// MQTTMessage counts an inbound MQTT message with the given outcome
// (accepted, rate_limited).
func (m *Metrics) MQTTMessage(result string) {
	if m == nil {
		return
	}
	m.mqttMessages.WithLabelValues(result).Inc()
}

// ObserveResult mirrors a delivered occupancy result into gauges.
func (m *Metrics) ObserveResult(res occupancy.Result) {
	if m == nil {
		return
	}
	m.occupancyChange.Inc()
	m.slotOccupied.WithLabelValues("1").Set(boolFloat(res.Slot1Occupied))
	m.slotOccupied.WithLabelValues("2").Set(boolFloat(res.Slot2Occupied))
	if res.Temperature != nil {
		m.readings.WithLabelValues(occupancy.Temperature.String()).Set(*res.Temperature)
	}
	if res.Humidity != nil {
		m.readings.WithLabelValues(occupancy.Humidity.String()).Set(*res.Humidity)
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
