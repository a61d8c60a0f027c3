package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// HeaderTopic carries the bus topic on forwarded Kafka messages.
const HeaderTopic = "fraudwatch-topic"

// MessageWriter is the subset of *kafka.Writer the forwarder needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter returns a synchronous writer for topic, partitioned by key.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}
}

// Forwarder copies bus messages for the configured topics onto Kafka.
type Forwarder struct {
	bus     *Bus
	writer  MessageWriter
	topics  []string
	logger  *slog.Logger
	running atomic.Bool
	failed  atomic.Int64
}

// NewForwarder creates a forwarder for topics.
func NewForwarder(bus *Bus, writer MessageWriter, topics []string, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{bus: bus, writer: writer, topics: topics, logger: logger}
}

// Run forwards until ctx is done or the bus closes, then closes the writer.
func (f *Forwarder) Run(ctx context.Context) error {
	f.running.Store(true)
	defer f.running.Store(false)

	sub := f.bus.Subscribe(Filter{Topics: f.topics, Buffer: 1024})
	defer sub.Close()
	defer func() {
		if err := f.writer.Close(); err != nil {
			f.logger.Warn("kafka writer close failed", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := f.forward(ctx, msg); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				f.failed.Add(1)
				f.logger.Error("kafka forward failed", "topic", msg.Topic, "error", err)
			}
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, msg Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Topic, err)
	}
	key := msg.Key
	if key == "" {
		key = msg.Topic
	}
	return f.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Time:    msg.PublishedAt,
		Headers: []kafka.Header{{Key: HeaderTopic, Value: []byte(msg.Topic)}},
	})
}

// Running reports whether the forward loop is active.
func (f *Forwarder) Running() bool {
	return f.running.Load()
}

// Failed returns the number of messages that could not be written.
func (f *Forwarder) Failed() int64 {
	return f.failed.Load()
}
