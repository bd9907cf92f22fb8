// Package bus provides the process-internal pub/sub layer and the durable
// outbound queue used to hand events to external consumers.
package bus

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity of operator-facing alerts carried on the bus.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Event is an in-process notification. Topic names are dotted, e.g.
// "order.new", "call.completed", "escalation.exhausted",
// "comms.notification.sent".
type Event struct {
	ID        string
	Topic     string
	Key       string // ordering key, usually the order id
	Severity  Severity
	Payload   map[string]any
	CreatedAt time.Time
}

const subscriberQueueSize = 128

// slowSubscriberDeadline bounds how long Publish waits on a saturated
// subscriber before dropping the event for that subscriber.
const slowSubscriberDeadline = time.Second

type subscriber struct {
	pattern string
	ch      chan Event
}

// Bus fans events out to in-process subscribers. Delivery is best-effort:
// a subscriber that stays saturated past the per-event deadline loses the
// event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*subscriber
	dropped func(topic string)
}

func New() *Bus {
	return &Bus{subs: make(map[string]*subscriber)}
}

// SetDropHook installs a callback invoked when an event is dropped for a
// slow subscriber. Used to count drops in metrics.
func (b *Bus) SetDropHook(hook func(topic string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropped = hook
}

// Subscribe registers interest in a topic pattern. Patterns are either an
// exact topic or a prefix wildcard like "order.*". The returned cancel
// func unregisters and closes the channel.
func (b *Bus) Subscribe(pattern string) (<-chan Event, func()) {
	id := uuid.NewString()
	sub := &subscriber{pattern: pattern, ch: make(chan Event, subscriberQueueSize)}

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers the event to every matching subscriber. It never blocks
// longer than the slow-subscriber deadline per subscriber.
func (b *Bus) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}

	b.mu.RLock()
	matched := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if topicMatches(s.pattern, evt.Topic) {
			matched = append(matched, s)
		}
	}
	dropped := b.dropped
	b.mu.RUnlock()

	for _, s := range matched {
		select {
		case s.ch <- evt:
			continue
		default:
		}
		timer := time.NewTimer(slowSubscriberDeadline)
		select {
		case s.ch <- evt:
		case <-timer.C:
			if dropped != nil {
				dropped(evt.Topic)
			}
		}
		timer.Stop()
	}
}

func topicMatches(pattern, topic string) bool {
	if pattern == topic || pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(topic, prefix+".")
	}
	return false
}
