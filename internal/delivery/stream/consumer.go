// Package stream drives use case handlers from message bus topics.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/user/price-scraper-service/internal/repository"
	"github.com/user/price-scraper-service/pkg/metrics"
)

// ErrPoison marks a payload that can never be processed. Such deliveries
// go straight to the dead-letter stream.
var ErrPoison = errors.New("poison message")

// Handler processes one message body. A nil return acks the delivery; any
// other error leaves it pending for redelivery.
type Handler func(ctx context.Context, body []byte) error

// JSONHandler decodes bodies into T before calling fn. Undecodable bodies
// are reported as ErrPoison.
func JSONHandler[T any](fn func(ctx context.Context, msg *T) error) Handler {
	return func(ctx context.Context, body []byte) error {
		var msg T
		if err := json.Unmarshal(body, &msg); err != nil {
			return fmt.Errorf("%w: %v", ErrPoison, err)
		}
		return fn(ctx, &msg)
	}
}

type Config struct {
	Topic         string
	Prefetch      int   // deliveries processed concurrently
	MaxDeliveries int64 // 0 retries forever
	ErrorBackoff  time.Duration
}

// Consumer reads one topic and runs the handler for each delivery.
type Consumer struct {
	sub     repository.Subscriber
	cfg     Config
	handler Handler
	logger  *zap.Logger
}

func NewConsumer(sub repository.Subscriber, cfg Config, handler Handler, logger *zap.Logger) *Consumer {
	if cfg.Prefetch < 1 {
		cfg.Prefetch = 1
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	return &Consumer{
		sub:     sub,
		cfg:     cfg,
		handler: handler,
		logger:  logger.Named("consumer").With(zap.String("topic", cfg.Topic)),
	}
}

// Run consumes until ctx is done, then waits for in-flight handlers.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started", zap.Int("prefetch", c.cfg.Prefetch))
	slots := make(chan struct{}, c.cfg.Prefetch)
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		c.logger.Info("consumer stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case slots <- struct{}{}:
		}

		deliveries, err := c.sub.Fetch(ctx, c.cfg.Topic, 1)
		if err != nil {
			<-slots
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.cfg.ErrorBackoff):
			}
			continue
		}
		if len(deliveries) == 0 {
			<-slots
			continue
		}

		d := deliveries[0]
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			c.handle(ctx, d)
		}()
	}
}

func (c *Consumer) handle(ctx context.Context, d repository.Delivery) {
	// Acks and dead letters must land even when shutting down.
	settleCtx := context.WithoutCancel(ctx)

	if c.cfg.MaxDeliveries > 0 && d.Attempts > c.cfg.MaxDeliveries {
		c.deadLetter(settleCtx, d, fmt.Sprintf("delivered %d times", d.Attempts))
		return
	}

	err := c.invoke(ctx, d.Body)
	switch {
	case err == nil:
		if err := c.sub.Ack(settleCtx, c.cfg.Topic, d.ID); err != nil {
			c.logger.Error("ack failed", zap.String("id", d.ID), zap.Error(err))
			return
		}
		metrics.StreamMessagesTotal.WithLabelValues(c.cfg.Topic, "acked").Inc()
	case errors.Is(err, ErrPoison):
		c.deadLetter(settleCtx, d, err.Error())
	default:
		metrics.StreamMessagesTotal.WithLabelValues(c.cfg.Topic, "retry").Inc()
		c.logger.Warn("handler failed, message left for redelivery",
			zap.String("id", d.ID),
			zap.Int64("attempts", d.Attempts),
			zap.Error(err),
		)
	}
}

func (c *Consumer) invoke(ctx context.Context, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, body)
}

func (c *Consumer) deadLetter(ctx context.Context, d repository.Delivery, reason string) {
	if err := c.sub.DeadLetter(ctx, d, reason); err != nil {
		c.logger.Error("dead letter failed", zap.String("id", d.ID), zap.Error(err))
		return
	}
	metrics.StreamMessagesTotal.WithLabelValues(c.cfg.Topic, "dead_lettered").Inc()
	c.logger.Warn("message dead-lettered", zap.String("id", d.ID), zap.String("reason", reason))
}
