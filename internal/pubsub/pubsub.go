// Package pubsub is the in-process topic bus that decouples the scoring
// pipeline from the transports delivering its results.
//
// Publishing never blocks: a subscriber whose buffer is full loses the
// message and its drop counter is incremented.
package pubsub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/fraudwatch/internal/metrics"
)

// Topics.
const (
	// TopicAlertsCompleted carries every completed alert, keyed by requester.
	TopicAlertsCompleted = "alerts.completed"

	// TopicAnalysisFailed carries queued analyses that errored, keyed by
	// requester.
	TopicAnalysisFailed = "alerts.failed"

	// TopicHighRisk carries HIGH risk alerts to every subscriber.
	TopicHighRisk = "alerts.high-risk"

	// TopicStatsSnapshot carries periodic StatsSummary snapshots.
	TopicStatsSnapshot = "stats.snapshot"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

// Message is one bus delivery. Payload is *fraud.FraudAlert for alert
// topics, a failure notice for alerts.failed and fraud.StatsSummary for
// snapshots.
type Message struct {
	Topic       string    `json:"topic"`
	Key         string    `json:"key,omitempty"`
	Payload     any       `json:"payload"`
	PublishedAt time.Time `json:"publishedAt"`
}

// Filter selects what a subscription receives.
type Filter struct {
	// Topics to receive; empty means all.
	Topics []string

	// Key restricts keyed topics (alerts.completed, alerts.failed) to one
	// requester.
	// Broadcast topics ignore it.
	Key string

	// Buffer is the channel capacity; <= 0 uses DefaultBuffer.
	Buffer int
}

// Keyed reports whether topic is delivered only to its requester.
func Keyed(topic string) bool {
	return topic == TopicAlertsCompleted || topic == TopicAnalysisFailed
}

// Subscription receives matching messages on C until closed.
type Subscription struct {
	id      uint64
	topics  map[string]bool
	key     string
	ch      chan Message
	dropped atomic.Int64
	bus     *Bus
	once    sync.Once
}

// C returns the delivery channel. It is closed when the subscription or the
// bus is closed.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Dropped returns the number of messages lost to a full buffer.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.remove(s)
}

func (s *Subscription) matches(m Message) bool {
	if len(s.topics) > 0 && !s.topics[m.Topic] {
		return false
	}
	if s.key != "" && Keyed(m.Topic) && m.Key != s.key {
		return false
	}
	return true
}

// Bus fans messages out to subscriptions.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
	now    func() time.Time
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription), now: time.Now}
}

// Subscribe registers a subscription. Subscribing to a closed bus returns a
// subscription whose channel is already closed.
func (b *Bus) Subscribe(f Filter) *Subscription {
	size := f.Buffer
	if size <= 0 {
		size = DefaultBuffer
	}
	s := &Subscription{
		topics: make(map[string]bool, len(f.Topics)),
		key:    f.Key,
		ch:     make(chan Message, size),
		bus:    b,
	}
	for _, t := range f.Topics {
		s.topics[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	return s
}

// Publish delivers msg to every matching subscription and returns how many
// received it.
func (b *Bus) Publish(msg Message) int {
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = b.now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}

	delivered := 0
	for _, s := range b.subs {
		if !s.matches(msg) {
			continue
		}
		select {
		case s.ch <- msg:
			delivered++
		default:
			s.dropped.Add(1)
			metrics.PublishDroppedTotal.WithLabelValues(msg.Topic).Inc()
		}
	}
	if delivered > 0 {
		metrics.PublishedTotal.WithLabelValues(msg.Topic).Add(float64(delivered))
	}
	return delivered
}

// Subscribers returns the number of open subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.once.Do(func() { close(s.ch) })
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s.id)
	s.once.Do(func() { close(s.ch) })
}
