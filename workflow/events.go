package workflow

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// EventType names a progress event.
type EventType string

// Progress events, emitted in state-machine order. Every run emits exactly
// one terminal event: workflow_complete, workflow_failed, or
// workflow_cancelled.
const (
	EventWorkflowStarted     EventType = "workflow_started"
	EventQueryOptimized      EventType = "query_optimized"
	EventSearchComplete      EventType = "search_complete"
	EventResolutionGenerated EventType = "resolution_generated"
	EventEvaluationComplete  EventType = "evaluation_complete"
	EventWorkflowComplete    EventType = "workflow_complete"
	EventWorkflowFailed      EventType = "workflow_failed"
	EventWorkflowCancelled   EventType = "workflow_cancelled"
)

// IsTerminal reports whether the event ends a run's event stream.
func (t EventType) IsTerminal() bool {
	switch t {
	case EventWorkflowComplete, EventWorkflowFailed, EventWorkflowCancelled:
		return true
	}
	return false
}

// Event is one typed progress notification.
type Event struct {
	// Type is the event name.
	Type EventType `json:"type"`

	// ConversationID is the conversation the run belongs to.
	ConversationID string `json:"conversation_id"`

	// RunID is the emitting run.
	RunID string `json:"run_id"`

	// Attempt is the 1-based attempt index, 0 for run-level events.
	Attempt int `json:"attempt,omitempty"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`

	// Payload carries event-specific fields.
	Payload map[string]any `json:"payload,omitempty"`
}

// Sink receives progress events. Publish must never block; slow consumers
// are the sink's problem, not the engine's.
type Sink interface {
	Publish(conversationID string, event Event)
}

// MultiSink fans one event out to several sinks.
type MultiSink []Sink

// Publish implements Sink.
func (m MultiSink) Publish(conversationID string, event Event) {
	for _, sink := range m {
		sink.Publish(conversationID, event)
	}
}

// Broadcaster delivers events to in-process subscribers over one bounded
// channel per conversation. When a channel is full the oldest pending event
// is dropped so the newest always lands; workflow progress never blocks on a
// slow subscriber.
type Broadcaster struct {
	mu       sync.Mutex
	channels map[string]chan Event
	buffer   int
	dropped  atomic.Int64
	logger   *slog.Logger
}

// NewBroadcaster creates a broadcaster with the given per-conversation
// channel depth.
func NewBroadcaster(buffer int, logger *slog.Logger) *Broadcaster {
	if buffer < 1 {
		buffer = 32
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		channels: make(map[string]chan Event),
		buffer:   buffer,
		logger:   logger,
	}
}

// Subscribe returns the conversation's event channel, creating it if needed.
func (b *Broadcaster) Subscribe(conversationID string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.channels[conversationID]
	if !ok {
		ch = make(chan Event, b.buffer)
		b.channels[conversationID] = ch
	}
	return ch
}

// Unsubscribe closes and removes the conversation's channel.
func (b *Broadcaster) Unsubscribe(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.channels[conversationID]; ok {
		close(ch)
		delete(b.channels, conversationID)
	}
}

// Publish implements Sink with newest-wins drop on overflow.
func (b *Broadcaster) Publish(conversationID string, event Event) {
	b.mu.Lock()
	ch, ok := b.channels[conversationID]
	if !ok {
		ch = make(chan Event, b.buffer)
		b.channels[conversationID] = ch
	}

	for {
		select {
		case ch <- event:
			b.mu.Unlock()
			return
		default:
		}
		// Full: drop the oldest pending event and try again.
		select {
		case <-ch:
			dropped := b.dropped.Add(1)
			b.logger.Debug("Event buffer full, dropped oldest",
				slog.String("conversation_id", conversationID),
				slog.Int64("total_dropped", dropped))
		default:
		}
	}
}

// Dropped returns the total number of events dropped across conversations.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// EventSubjectPrefix is the NATS subject prefix for progress events.
// Full subject: rep.events.<conversation_id>.
const EventSubjectPrefix = "rep.events."

// NATSSink publishes events to NATS for external transports (WebSocket
// gateways, dashboards). nats.Conn.Publish is fire-and-forget.
type NATSSink struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// NewNATSSink creates a NATS-backed event sink.
func NewNATSSink(nc *nats.Conn, logger *slog.Logger) *NATSSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSink{nc: nc, logger: logger}
}

// Publish implements Sink.
func (s *NATSSink) Publish(conversationID string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("Failed to marshal event",
			slog.String("type", string(event.Type)),
			slog.String("error", err.Error()))
		return
	}

	if err := s.nc.Publish(EventSubjectPrefix+conversationID, data); err != nil {
		s.logger.Warn("Failed to publish event",
			slog.String("type", string(event.Type)),
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()))
	}
}
