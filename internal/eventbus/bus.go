package eventbus

import (
	"context"
	"strings"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/shellhost/schema"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventNotification carries an unsolicited worker message.
	EventNotification EventType = "notification"
	// EventTerminalOutput carries bytes read from a session.
	EventTerminalOutput EventType = "terminal_output"
	// EventTerminalExit reports a session shell exit.
	EventTerminalExit EventType = "terminal_exit"
	// EventStateChanged reports a persisted state write.
	EventStateChanged EventType = "state_changed"
)

// Topic scopes subscriptions.
type Topic string

const (
	// TopicNotifications receives worker notifications.
	TopicNotifications Topic = "notifications"
	// TopicState receives state change events.
	TopicState Topic = "state"
	// TopicAll receives every published event.
	TopicAll Topic = "*"
)

const terminalPrefix = "terminal:"

// TerminalTopic returns the topic carrying events for one session.
func TerminalTopic(id schema.SessionID) Topic {
	return Topic(terminalPrefix + string(id))
}

// SessionFromTopic extracts the session id from a terminal topic.
func SessionFromTopic(topic Topic) (schema.SessionID, bool) {
	raw, ok := strings.CutPrefix(string(topic), terminalPrefix)
	if !ok || raw == "" {
		return "", false
	}
	return schema.SessionID(raw), true
}

// Event is a single published message.
type Event struct {
	Type         EventType
	Topic        Topic
	Notification schema.NotificationEvent
	Output       schema.TerminalOutputEvent
	Exit         schema.TerminalExitEvent
	State        schema.StateChangedEvent
}

// DropObserver is told how many deliveries were dropped for a topic.
type DropObserver func(topic Topic, count int)

// Option configures a Bus.
type Option func(*Bus)

// WithDepth sets the per-subscriber channel depth.
func WithDepth(depth int) Option {
	return func(b *Bus) {
		if depth > 0 {
			b.depth = depth
		}
	}
}

// WithDropObserver registers a callback for dropped deliveries.
func WithDropObserver(fn DropObserver) Option {
	return func(b *Bus) {
		b.onDrop = fn
	}
}

// Bus fans events out to per-topic subscribers.
type Bus struct {
	mu      sync.Mutex
	subs    map[Topic]map[chan Event]struct{}
	log     pslog.Logger
	depth   int
	onDrop  DropObserver
	dropped uint64
}

// New constructs a Bus.
func New(logger pslog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	b := &Bus{
		subs:  make(map[Topic]map[chan Event]struct{}),
		log:   logger,
		depth: 256,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscribe registers a subscriber for the topic and returns a channel + cancel.
// Cancel is idempotent and closes the channel.
func (b *Bus) Subscribe(topic Topic) (<-chan Event, func()) {
	if b == nil {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	topicSubs := b.subs[topic]
	if topicSubs == nil {
		topicSubs = make(map[chan Event]struct{})
		b.subs[topic] = topicSubs
	}
	topicSubs[ch] = struct{}{}
	count := len(topicSubs)
	b.mu.Unlock()
	b.log.Debug("eventbus subscribe", "topic", topic, "subs", count)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.subs[topic]; subs != nil {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subs, topic)
				}
			}
			close(ch)
			b.mu.Unlock()
			b.log.Debug("eventbus unsubscribe", "topic", topic)
		})
	}
}

// Subscribers reports the number of live subscribers on a topic.
func (b *Bus) Subscribers(topic Topic) int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

// Dropped reports the total number of dropped deliveries.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// PublishNotification publishes a worker notification.
func (b *Bus) PublishNotification(event schema.NotificationEvent) {
	b.Publish(Event{Type: EventNotification, Topic: TopicNotifications, Notification: event})
}

// PublishTerminalOutput publishes session output.
func (b *Bus) PublishTerminalOutput(event schema.TerminalOutputEvent) {
	b.Publish(Event{Type: EventTerminalOutput, Topic: TerminalTopic(event.SessionID), Output: event})
}

// PublishTerminalExit publishes a session exit.
func (b *Bus) PublishTerminalExit(event schema.TerminalExitEvent) {
	b.Publish(Event{Type: EventTerminalExit, Topic: TerminalTopic(event.SessionID), Exit: event})
}

// PublishStateChanged publishes a state write.
func (b *Bus) PublishStateChanged(event schema.StateChangedEvent) {
	b.Publish(Event{Type: EventStateChanged, Topic: TopicState, State: event})
}

// Publish delivers the event to subscribers of its topic and of TopicAll.
// It never blocks: a full subscriber misses the event.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	dropped := 0
	delivered := 0
	// Sends happen under the lock so cancel cannot close a channel mid-send.
	b.mu.Lock()
	for _, topic := range [...]Topic{event.Topic, TopicAll} {
		for sub := range b.subs[topic] {
			select {
			case sub <- event:
				delivered++
			default:
				dropped++
			}
		}
		if event.Topic == TopicAll {
			break
		}
	}
	b.dropped += uint64(dropped)
	onDrop := b.onDrop
	b.mu.Unlock()
	if dropped > 0 {
		b.log.Trace("eventbus dropped", "topic", event.Topic, "count", dropped, "delivered", delivered)
		if onDrop != nil {
			onDrop(event.Topic, dropped)
		}
	}
}
