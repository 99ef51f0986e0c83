// Package diag provides a publish/subscribe event bus for session
// engine observability. Internal state transitions (connecting,
// reconnecting, session resets, exhausted retries) flow from the
// engine to anyone who wants to watch, without coupling the engine to
// any particular logging or metrics sink. The bus is nil-safe: calling
// Publish on a nil *Bus is a no-op, so the engine doesn't need a guard
// check at every call site.
package diag

import (
	"sync"
	"time"
)

// Source constants identify which part of the engine published an event.
const (
	// SourceEngine identifies events from the session engine's core
	// state machine (connect, reconnect, close).
	SourceEngine = "engine"
	// SourceTransport identifies events from the framed transport
	// connection itself.
	SourceTransport = "transport"
	// SourceWatcher identifies events from the connectivity watcher.
	SourceWatcher = "watcher"
)

// Kind constants describe the type of event within a source.
const (
	// KindConnecting signals the engine is attempting to open a
	// transport connection. Data: server_host.
	KindConnecting = "connecting"
	// KindConnected signals a transport connection was established.
	// Data: server_host.
	KindConnected = "connected"
	// KindDisconnected signals the transport connection was lost.
	// Data: server_host, error.
	KindDisconnected = "disconnected"
	// KindReconnecting signals the engine is about to retry opening a
	// transport connection after a disconnect. Data: server_host.
	KindReconnecting = "reconnecting"
	// KindSessionReset signals the server reported session_not_found
	// and the engine discarded session state to start fresh.
	// Data: old_session_id.
	KindSessionReset = "session_reset"
	// KindRetryExhausted signals an action was abandoned after
	// exhausting its retry budget. Data: action, action_id.
	KindRetryExhausted = "retry_exhausted"
	// KindActionDropped signals a pending action was discarded because
	// it was transient for a session that no longer exists.
	// Data: action, action_id.
	KindActionDropped = "action_dropped"
	// KindClosed signals the session was terminated. Data: none.
	KindClosed = "closed"
)

// Event represents a single operational event published by the engine.
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
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
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
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
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
