// Package topics is the in-process observer registry that fans sensor
// messages out to interested handlers. It does no I/O: transports call
// Dispatch, consumers call Subscribe and keep the returned handle for
// teardown.
//
// Topics are matched by exact string comparison. Handlers registered
// for the same topic run in no particular order.
package topics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
)

// Message is one sensor reading as received from a transport. Payload
// is handed through unchanged; its shape is a contract between the
// publisher and the handler.
type Message struct {
	Topic   string
	Payload json.RawMessage
	// Source names the transport that delivered the message
	// ("socket", "mqtt").
	Source string
}

// Handler receives dispatched messages. It is called on the
// dispatching goroutine and must not block for long.
type Handler func(Message)

// Subscription is the handle returned by Subscribe. It is the only
// way to remove a handler.
type Subscription struct {
	ID    uint64
	Topic string // empty for catch-all subscriptions
}

// Registry maps topics to handlers. The zero value is not usable; call
// NewRegistry.
type Registry struct {
	mu       sync.RWMutex
	byTopic  map[string]map[uint64]Handler
	catchAll map[uint64]Handler
	nextID   atomic.Uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byTopic:  make(map[string]map[uint64]Handler),
		catchAll: make(map[uint64]Handler),
	}
}

// Subscribe registers h for topic and returns its handle. Registering
// the same function twice yields two handles and two invocations per
// dispatch.
//
// Panics if topic is empty or h is nil; both are programming errors.
func (r *Registry) Subscribe(topic string, h Handler) Subscription {
	if topic == "" {
		panic("topics: Subscribe with empty topic")
	}
	if h == nil {
		panic("topics: Subscribe with nil handler")
	}

	id := r.nextID.Add(1)

	r.mu.Lock()
	defer r.mu.Unlock()
	handlers, ok := r.byTopic[topic]
	if !ok {
		handlers = make(map[uint64]Handler)
		r.byTopic[topic] = handlers
	}
	handlers[id] = h

	return Subscription{ID: id, Topic: topic}
}

// SubscribeAll registers h for every dispatched message regardless of
// topic.
func (r *Registry) SubscribeAll(h Handler) Subscription {
	if h == nil {
		panic("topics: SubscribeAll with nil handler")
	}

	id := r.nextID.Add(1)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.catchAll[id] = h

	return Subscription{ID: id}
}

// Unsubscribe removes the handler behind sub. Unknown or already
// removed handles are ignored.
func (r *Registry) Unsubscribe(sub Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.Topic == "" {
		delete(r.catchAll, sub.ID)
		return
	}

	handlers, ok := r.byTopic[sub.Topic]
	if !ok {
		return
	}
	delete(handlers, sub.ID)
	if len(handlers) == 0 {
		delete(r.byTopic, sub.Topic)
	}
}

// Dispatch invokes every handler registered for msg.Topic, followed by
// the catch-all handlers, and returns how many ran. The handler set is
// captured before the first call, so handlers may subscribe or
// unsubscribe freely. A topic with no subscribers is not an error.
func (r *Registry) Dispatch(msg Message) int {
	r.mu.RLock()
	targets := make([]Handler, 0, len(r.byTopic[msg.Topic])+len(r.catchAll))
	for _, h := range r.byTopic[msg.Topic] {
		targets = append(targets, h)
	}
	for _, h := range r.catchAll {
		targets = append(targets, h)
	}
	r.mu.RUnlock()

	for _, h := range targets {
		h(msg)
	}
	return len(targets)
}

// Count returns the number of handlers registered for topic, not
// counting catch-all handlers.
func (r *Registry) Count(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTopic[topic])
}

// Topics returns the topics that currently have at least one handler.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byTopic))
	for t := range r.byTopic {
		out = append(out, t)
	}
	return out
}
