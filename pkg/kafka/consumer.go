// Package kafka carries quickreply's two feeds over segmentio/kafka-go:
// template changes announced between instances, and the analytics events
// every instance aggregates. Events travel as JSON.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/quickreply/quickreply/pkg/config"
)

// ErrMalformed marks a message that can never be handled. It is committed
// and skipped rather than retried.
var ErrMalformed = errors.New("malformed kafka message")

// MessageHandler is a callback invoked for each Kafka message.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

// Subscription names one feed an instance follows.
type Subscription struct {
	// Feed labels the subscription in logs, e.g. "changes" or "analytics".
	Feed  string
	Topic string
	// Group is the consumer group. Every instance uses its own group so
	// that each one sees the whole feed.
	Group string
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer follows one feed and dispatches its messages to a
// MessageHandler.
type Consumer struct {
	reader  messageReader
	logger  *slog.Logger
	handler MessageHandler
}

// NewConsumer creates a Consumer for sub. Only new messages are read: an
// instance catches up from the store, not from the feed's history.
func NewConsumer(cfg config.KafkaConfig, sub Subscription, handler MessageHandler) *Consumer {
	if sub.Group == "" {
		sub.Group = cfg.ConsumerGroup
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       sub.Topic,
		GroupID:     sub.Group,
		MinBytes:    1,
		MaxBytes:    1e6,
		StartOffset: kafka.LastOffset,
	})
	return newConsumer(r, sub, handler)
}

func newConsumer(r messageReader, sub Subscription, handler MessageHandler) *Consumer {
	return &Consumer{
		reader: r,
		logger: slog.Default().With(
			"component", "kafka-consumer",
			"feed", sub.Feed,
			"topic", sub.Topic,
			"group", sub.Group,
		),
		handler: handler,
	}
}

// Start follows the feed until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("following feed")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("feed stopped", "reason", ctx.Err())
				return c.reader.Close()
			}
			c.logger.Error("failed to fetch message", "error", err)
			continue
		}
		c.process(ctx, msg)
	}
}

// process handles one message. A message is committed once handled or
// found malformed; other failures leave it uncommitted for redelivery after
// a rebalance.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) {
	log := c.logger.With("partition", msg.Partition, "offset", msg.Offset)
	log.Debug("message received", "key", string(msg.Key), "value_size", len(msg.Value))

	if err := c.handler(ctx, msg.Key, msg.Value); err != nil {
		if !errors.Is(err, ErrMalformed) {
			log.Error("failed to process message", "error", err)
			return
		}
		log.Warn("skipping malformed message", "error", err)
	}
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		log.Error("failed to commit message", "error", err)
	}
}

// Close closes the underlying Kafka reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// DecodeJSON unmarshals a message value into T. Failures wrap ErrMalformed.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return result, nil
}
