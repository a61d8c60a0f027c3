// Package ingest consumes raw transactions from Kafka and queues them for
// analysis.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mbd888/fraudwatch/internal/dispatcher"
	"github.com/mbd888/fraudwatch/internal/fraud"
	"github.com/mbd888/fraudwatch/internal/metrics"
)

const (
	// DefaultRequester is the requester for messages without a requester
	// header.
	DefaultRequester = "kafka"

	// HeaderRequester overrides the requester of a single message.
	HeaderRequester = "fraudwatch-requester"

	defaultBackoff = 250 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Enqueuer accepts transactions for background analysis.
type Enqueuer interface {
	Enqueue(tx *fraud.TransactionEvent, requester string) error
}

// NewKafkaReader returns a consumer-group reader for topic.
func NewKafkaReader(brokers []string, topic, groupID string, logger *slog.Logger) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 1 << 20,
		MaxWait:  500 * time.Millisecond,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka_reader")
		}),
	})
}

// Consumer moves messages from a reader into the dispatcher queue.
//
// A message is committed once it is queued or found malformed. While the
// queue is full the consumer backs off and retries the same message.
type Consumer struct {
	reader  MessageReader
	target  Enqueuer
	logger  *slog.Logger
	backoff time.Duration

	running  atomic.Bool
	enqueued atomic.Int64
	invalid  atomic.Int64
}

// NewConsumer creates a consumer.
func NewConsumer(reader MessageReader, target Enqueuer, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		reader:  reader,
		target:  target,
		logger:  logger,
		backoff: defaultBackoff,
	}
}

// Running reports whether the consume loop is active.
func (c *Consumer) Running() bool {
	return c.running.Load()
}

// Enqueued returns the number of messages queued for analysis.
func (c *Consumer) Enqueued() int64 {
	return c.enqueued.Load()
}

// Invalid returns the number of malformed messages skipped.
func (c *Consumer) Invalid() int64 {
	return c.invalid.Load()
}

// Run consumes until ctx is done or the dispatcher stops, then closes the
// reader.
func (c *Consumer) Run(ctx context.Context) error {
	c.running.Store(true)
	defer c.running.Store(false)
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Warn("kafka reader close failed", "error", err)
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.IngestMessagesTotal.WithLabelValues("fetch_error").Inc()
			c.logger.Warn("kafka fetch failed", "error", err)
			if !sleep(ctx, c.backoff) {
				return nil
			}
			continue
		}

		if err := c.handle(ctx, msg); err != nil {
			if errors.Is(err, dispatcher.ErrStopped) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	tx, requester, err := decode(msg)
	if err != nil {
		c.skip(msg, err)
		return c.commit(ctx, msg)
	}

	wait := c.backoff
	for {
		err := c.target.Enqueue(tx, requester)
		switch {
		case err == nil:
			c.enqueued.Add(1)
			metrics.IngestMessagesTotal.WithLabelValues("enqueued").Inc()
			return c.commit(ctx, msg)
		case errors.Is(err, fraud.ErrInvalidInput):
			c.skip(msg, err)
			return c.commit(ctx, msg)
		case errors.Is(err, dispatcher.ErrQueueFull):
			metrics.IngestMessagesTotal.WithLabelValues("backpressure").Inc()
			if !sleep(ctx, wait) {
				return ctx.Err()
			}
			wait = min(wait*2, maxBackoff)
		default:
			return err
		}
	}
}

func (c *Consumer) skip(msg kafka.Message, err error) {
	c.invalid.Add(1)
	metrics.IngestMessagesTotal.WithLabelValues("invalid").Inc()
	c.logger.Warn("skipping malformed transaction message",
		"partition", msg.Partition,
		"offset", msg.Offset,
		"error", err,
	)
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) error {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("kafka commit failed", "offset", msg.Offset, "error", err)
	}
	return nil
}

func decode(msg kafka.Message) (*fraud.TransactionEvent, string, error) {
	var tx fraud.TransactionEvent
	if err := json.Unmarshal(msg.Value, &tx); err != nil {
		return nil, "", fmt.Errorf("%w: %w", fraud.ErrInvalidInput, err)
	}
	requester := DefaultRequester
	for _, h := range msg.Headers {
		if h.Key == HeaderRequester && len(h.Value) > 0 {
			requester = string(h.Value)
		}
	}
	return &tx, requester, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
