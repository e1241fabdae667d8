package httpapi

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/shellhost/internal/eventbus"
	"pkt.systems/shellhost/internal/metrics"
	"pkt.systems/shellhost/schema"
)

// Stream event types.
const (
	StreamNotification   = "notification"
	StreamTerminalOutput = "terminal_output"
	StreamTerminalExit   = "terminal_exit"
	StreamStateChanged   = "state_changed"
	StreamMessage        = "message"
	StreamWorker         = "worker"
)

// StreamEvent is sent to SSE and WebSocket clients.
type StreamEvent struct {
	Seq          uint64                      `json:"seq"`
	Type         string                      `json:"type"`
	Notification *schema.NotificationEvent   `json:"notification,omitempty"`
	Output       *schema.TerminalOutputEvent `json:"output,omitempty"`
	Exit         *schema.TerminalExitEvent   `json:"exit,omitempty"`
	State        *schema.StateChangedEvent   `json:"state,omitempty"`
	Message      json.RawMessage             `json:"message,omitempty"`
	Worker       *schema.WorkerResponse      `json:"worker,omitempty"`
	Timestamp    time.Time                   `json:"timestamp"`
}

// EventFromBus converts a bus event into a stream event.
func EventFromBus(event eventbus.Event) (StreamEvent, bool) {
	out := StreamEvent{Type: string(event.Type), Timestamp: time.Now()}
	switch event.Type {
	case eventbus.EventNotification:
		notification := event.Notification
		out.Notification = &notification
	case eventbus.EventTerminalOutput:
		output := event.Output
		out.Output = &output
	case eventbus.EventTerminalExit:
		exit := event.Exit
		out.Exit = &exit
	case eventbus.EventStateChanged:
		state := event.State
		out.State = &state
	default:
		return StreamEvent{}, false
	}
	return out, true
}

// Hub keeps a bounded, sequenced history of stream events and fans them out.
type Hub struct {
	mu          sync.Mutex
	seq         uint64
	history     []StreamEvent
	historySize int
	subs        map[chan StreamEvent]struct{}
	log         pslog.Logger
	metrics     *metrics.Metrics
}

// NewHub constructs a hub with the given history size.
func NewHub(historySize int, logger pslog.Logger, m *metrics.Metrics) *Hub {
	if historySize <= 0 {
		historySize = 512
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Hub{
		historySize: historySize,
		subs:        make(map[chan StreamEvent]struct{}),
		log:         logger,
		metrics:     m,
	}
}

// Subscribe registers a subscriber. The returned history and seq are taken
// atomically with the registration, so history plus the channel has no gap.
func (h *Hub) Subscribe() (<-chan StreamEvent, func(), uint64, []StreamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan StreamEvent, 256)
	h.subs[ch] = struct{}{}
	history := append([]StreamEvent(nil), h.history...)
	seq := h.seq
	h.metrics.StreamClientDelta(1)
	h.log.Debug("hub subscribe", "subs", len(h.subs), "history", len(history))
	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			close(ch)
			remaining := len(h.subs)
			h.mu.Unlock()
			h.metrics.StreamClientDelta(-1)
			h.log.Debug("hub unsubscribe", "subs", remaining)
		})
	}
	return ch, unsub, seq, history
}

// Replay returns retained events after the provided seq.
func (h *Hub) Replay(after uint64) []StreamEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return eventsAfter(h.history, after)
}

func eventsAfter(history []StreamEvent, after uint64) []StreamEvent {
	events := make([]StreamEvent, 0, len(history))
	for _, event := range history {
		if event.Seq > after {
			events = append(events, event)
		}
	}
	return events
}

// Publish assigns the next sequence number and delivers the event to every
// subscriber without blocking.
func (h *Hub) Publish(event StreamEvent) uint64 {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	h.mu.Lock()
	h.seq++
	event.Seq = h.seq
	h.history = append(h.history, event)
	if len(h.history) > h.historySize {
		h.history = h.history[len(h.history)-h.historySize:]
	}
	dropped := 0
	for sub := range h.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	h.mu.Unlock()

	if dropped > 0 {
		h.log.Warn("hub event dropped", "type", event.Type, "dropped", dropped)
	}
	return event.Seq
}

// PublishBus forwards a bus event. Unknown event types are ignored.
func (h *Hub) PublishBus(event eventbus.Event) {
	if stream, ok := EventFromBus(event); ok {
		h.Publish(stream)
	}
}

// PublishMessage records a JSON-RPC reply produced for the UI.
func (h *Hub) PublishMessage(reply json.RawMessage) {
	h.Publish(StreamEvent{Type: StreamMessage, Message: reply})
}

// PublishWorker records a worker response produced for the UI.
func (h *Hub) PublishWorker(resp schema.WorkerResponse) {
	h.Publish(StreamEvent{Type: StreamWorker, Worker: &resp})
}

// Subscribers returns the number of connected stream clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
