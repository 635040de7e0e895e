// Package events provides a non-blocking broadcast bus for operational
// events: broker connectivity transitions, poll outcomes, shelf alerts
// and occupancy changes. The status API and logs consume it; the core
// never depends on anyone listening. Publishing on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceSession identifies events from the broker transport session.
	SourceSession = "session"
	// SourcePoller identifies events from the snapshot poll loop.
	SourcePoller = "poller"
	// SourceMQTT identifies events from the direct MQTT bridge.
	SourceMQTT = "mqtt"
	// SourceTracker identifies events from the signal state tracker.
	SourceTracker = "tracker"
)

// Kind constants describe the type of event within a source.
const (
	// KindConnecting signals a dial attempt.
	// Data: url, attempt.
	KindConnecting = "connecting"
	// KindConnected signals the broker connection is up.
	// Data: url, conn_id.
	KindConnected = "connected"
	// KindDisconnected signals the broker connection was lost.
	// Data: url, error.
	KindDisconnected = "disconnected"
	// KindFailed signals reconnect attempts are exhausted.
	// Data: url, attempts.
	KindFailed = "failed"
	// KindFrameDropped signals a malformed inbound frame.
	// Data: reason.
	KindFrameDropped = "frame_dropped"

	// KindPollComplete signals a successful snapshot poll.
	// Data: proximity1, proximity2, duration_ms.
	KindPollComplete = "poll_complete"
	// KindPollError signals a failed snapshot poll.
	// Data: error, duration_ms.
	KindPollError = "poll_error"
	// KindShelfAlert signals at least one slot under the alert threshold.
	// Data: slot1, slot2, proximity1, proximity2.
	KindShelfAlert = "shelf_alert"

	// KindOccupancyChanged signals a new reducer result.
	// Data: slot1_occupied, slot2_occupied, source.
	KindOccupancyChanged = "occupancy_changed"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers (a broker read loop must never stall on a
// status page).
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel handed to subscribers
	// back to the stored bidirectional channel so Unsubscribe can take
	// the caller's view.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers, dropping it for any
// subscriber whose buffer is full. Safe on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit stamps and publishes an event. Safe on a nil receiver.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
