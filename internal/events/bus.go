// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (agent loop, channel
// providers, scheduler, output router) to subscribers (the WebSocket
// feed, the MQTT publisher). The bus is nil-safe: calling Publish on a
// nil *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the core agent loop.
	SourceAgent = "agent"
	// SourceGateway identifies events from the event gateway.
	SourceGateway = "gateway"
	// SourceTelegram identifies events from the Telegram channel.
	SourceTelegram = "telegram"
	// SourceEmail identifies events from the email channel.
	SourceEmail = "email"
	// SourceScheduler identifies events from the automation scheduler.
	SourceScheduler = "scheduler"
	// SourceOutput identifies events from the output router.
	SourceOutput = "output"
)

// Kind constants describe the type of event within a source.
const (
	// KindRequestStart signals the beginning of an agent run.
	// Data: conversation_id, model.
	KindRequestStart = "request_start"
	// KindLLMCall signals the start of an LLM completion call.
	// Data: conversation_id, iteration, model.
	KindLLMCall = "llm_call"
	// KindToolCall signals the start of a tool execution.
	// Data: conversation_id, tool, iteration.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: conversation_id, tool, result_length.
	KindToolDone = "tool_done"
	// KindRequestComplete signals the end of an agent run.
	// Data: conversation_id, iterations, tool_calls, finish_reason,
	// total_tokens.
	KindRequestComplete = "request_complete"

	// KindEventHandled signals an inbound event was fully processed.
	// Data: kind, channel, conversation_id.
	KindEventHandled = "event_handled"
	// KindMessageReceived signals an inbound channel message.
	// Data: channel, session_key, message_len.
	KindMessageReceived = "message_received"
	// KindOutputDispatched signals an output router delivery attempt.
	// Data: target, ok.
	KindOutputDispatched = "output_dispatched"

	// KindHeartbeat signals a heartbeat prompt fired.
	// Data: minute.
	KindHeartbeat = "heartbeat"
	// KindCronFired signals a cron job fired.
	// Data: job_id, label.
	KindCronFired = "cron_fired"
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
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event view.
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
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
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
