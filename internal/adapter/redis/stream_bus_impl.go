package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/price-scraper-service/internal/repository"
)

const (
	payloadField     = "data"
	deadLetterSuffix = ".dlq"
)

// StreamBusOptions configures a StreamBus.
type StreamBusOptions struct {
	Group       string
	Consumer    string
	BlockTime   time.Duration
	PendingIdle time.Duration
	MaxLen      int64
}

// StreamBusImpl provides a concrete implementation for the MessageBus interface
// using Redis Streams and consumer groups. Each topic is one stream.
type StreamBusImpl struct {
	client *redis.Client
	opts   StreamBusOptions

	mu           sync.Mutex
	groups       map[string]bool
	pendingStart map[string]string
}

// NewStreamBus creates a new instance of StreamBusImpl.
func NewStreamBus(client *redis.Client, opts StreamBusOptions) *StreamBusImpl {
	if opts.Group == "" {
		opts.Group = "price-scraper"
	}
	if opts.Consumer == "" {
		opts.Consumer = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	if opts.BlockTime <= 0 {
		opts.BlockTime = 2 * time.Second
	}
	if opts.PendingIdle <= 0 {
		opts.PendingIdle = 5 * time.Minute
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = 100000
	}
	return &StreamBusImpl{
		client:       client,
		opts:         opts,
		groups:       make(map[string]bool),
		pendingStart: make(map[string]string),
	}
}

// Publish appends the JSON encoding of payload to the topic stream.
func (b *StreamBusImpl) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", topic, err)
	}
	return b.publishRaw(ctx, topic, map[string]interface{}{payloadField: string(data)})
}

func (b *StreamBusImpl) publishRaw(ctx context.Context, stream string, values map[string]interface{}) error {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.opts.MaxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

// ensureGroup creates the consumer group once per topic. An existing group is not an error.
func (b *StreamBusImpl) ensureGroup(ctx context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.groups[topic] {
		return nil
	}
	err := b.client.XGroupCreateMkStream(ctx, topic, b.opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", b.opts.Group, topic, err)
	}
	b.groups[topic] = true
	return nil
}

// Fetch first reclaims deliveries that stayed unacked longer than
// PendingIdle, then reads new ones.
func (b *StreamBusImpl) Fetch(ctx context.Context, topic string, count int) ([]repository.Delivery, error) {
	if count < 1 {
		count = 1
	}
	if err := b.ensureGroup(ctx, topic); err != nil {
		return nil, err
	}

	pending, err := b.readPending(ctx, topic, count)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		return pending, nil
	}
	return b.readNew(ctx, topic, count)
}

func (b *StreamBusImpl) readPending(ctx context.Context, topic string, count int) ([]repository.Delivery, error) {
	b.mu.Lock()
	start := b.pendingStart[topic]
	b.mu.Unlock()
	if start == "" {
		start = "0-0"
	}

	messages, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   topic,
		Group:    b.opts.Group,
		Consumer: b.opts.Consumer,
		MinIdle:  b.opts.PendingIdle,
		Start:    start,
		Count:    int64(count),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xautoclaim %s: %w", topic, err)
	}
	b.mu.Lock()
	b.pendingStart[topic] = next
	b.mu.Unlock()

	deliveries := make([]repository.Delivery, 0, len(messages))
	for _, msg := range messages {
		d := b.toDelivery(topic, msg)
		d.Attempts = b.deliveryCount(ctx, topic, msg.ID)
		deliveries = append(deliveries, d)
	}
	return deliveries, nil
}

func (b *StreamBusImpl) deliveryCount(ctx context.Context, topic, id string) int64 {
	entries, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: topic,
		Group:  b.opts.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(entries) == 0 {
		return 2
	}
	return entries[0].RetryCount
}

func (b *StreamBusImpl) readNew(ctx context.Context, topic string, count int) ([]repository.Delivery, error) {
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.opts.Group,
		Consumer: b.opts.Consumer,
		Streams:  []string{topic, ">"},
		Count:    int64(count),
		Block:    b.opts.BlockTime,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", topic, err)
	}

	var deliveries []repository.Delivery
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			d := b.toDelivery(topic, msg)
			d.Attempts = 1
			deliveries = append(deliveries, d)
		}
	}
	return deliveries, nil
}

// toDelivery keeps malformed entries as deliveries with an empty body so the
// consumer can dead-letter them.
func (b *StreamBusImpl) toDelivery(topic string, msg redis.XMessage) repository.Delivery {
	data, _ := msg.Values[payloadField].(string)
	return repository.Delivery{ID: msg.ID, Topic: topic, Body: []byte(data)}
}

func (b *StreamBusImpl) Ack(ctx context.Context, topic, id string) error {
	if err := b.client.XAck(ctx, topic, b.opts.Group, id).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", topic, id, err)
	}
	return nil
}

// DeadLetter copies the delivery to "<topic>.dlq" and acks the original.
func (b *StreamBusImpl) DeadLetter(ctx context.Context, d repository.Delivery, reason string) error {
	err := b.publishRaw(ctx, d.Topic+deadLetterSuffix, map[string]interface{}{
		"original_id": d.ID,
		"payload":     string(d.Body),
		"reason":      reason,
		"attempts":    d.Attempts,
		"failed_at":   time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	return b.Ack(ctx, d.Topic, d.ID)
}
