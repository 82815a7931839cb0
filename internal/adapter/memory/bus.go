package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/user/price-scraper-service/internal/repository"
)

type busMessage struct {
	id          string
	body        []byte
	attempts    int64
	deliveredAt time.Time
}

type busTopic struct {
	ready   []*busMessage
	pending map[string]*busMessage
	dead    []DeadLetter
}

// DeadLetter is a message parked by Bus.DeadLetter.
type DeadLetter struct {
	ID     string
	Body   []byte
	Reason string
}

// Bus is an in-process MessageBus with the redelivery behavior of a Redis
// consumer group: unacked deliveries are handed out again after pendingIdle.
type Bus struct {
	mu          sync.Mutex
	seq         int64
	topics      map[string]*busTopic
	wake        chan struct{}
	blockTime   time.Duration
	pendingIdle time.Duration
}

func NewBus(blockTime, pendingIdle time.Duration) *Bus {
	if blockTime <= 0 {
		blockTime = 100 * time.Millisecond
	}
	if pendingIdle <= 0 {
		pendingIdle = time.Minute
	}
	return &Bus{
		topics:      make(map[string]*busTopic),
		wake:        make(chan struct{}),
		blockTime:   blockTime,
		pendingIdle: pendingIdle,
	}
}

func (b *Bus) topic(name string) *busTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &busTopic{pending: make(map[string]*busMessage)}
		b.topics[name] = t
	}
	return t
}

func (b *Bus) Publish(_ context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", topic, err)
	}
	b.mu.Lock()
	b.seq++
	t := b.topic(topic)
	t.ready = append(t.ready, &busMessage{id: fmt.Sprintf("%d-0", b.seq), body: body})
	close(b.wake)
	b.wake = make(chan struct{})
	b.mu.Unlock()
	return nil
}

func (b *Bus) Fetch(ctx context.Context, topic string, count int) ([]repository.Delivery, error) {
	if count < 1 {
		count = 1
	}
	deadline := time.NewTimer(b.blockTime)
	defer deadline.Stop()
	for {
		b.mu.Lock()
		out := b.take(topic, count)
		wake := b.wake
		b.mu.Unlock()
		if len(out) > 0 {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-wake:
		}
	}
}

// take must be called with b.mu held.
func (b *Bus) take(topic string, count int) []repository.Delivery {
	t := b.topic(topic)
	now := time.Now()
	var out []repository.Delivery
	for _, m := range t.pending {
		if len(out) == count {
			return out
		}
		if now.Sub(m.deliveredAt) >= b.pendingIdle {
			m.attempts++
			m.deliveredAt = now
			out = append(out, repository.Delivery{ID: m.id, Topic: topic, Body: m.body, Attempts: m.attempts})
		}
	}
	for len(out) < count && len(t.ready) > 0 {
		m := t.ready[0]
		t.ready = t.ready[1:]
		m.attempts = 1
		m.deliveredAt = now
		t.pending[m.id] = m
		out = append(out, repository.Delivery{ID: m.id, Topic: topic, Body: m.body, Attempts: 1})
	}
	return out
}

func (b *Bus) Ack(_ context.Context, topic, id string) error {
	b.mu.Lock()
	delete(b.topic(topic).pending, id)
	b.mu.Unlock()
	return nil
}

func (b *Bus) DeadLetter(_ context.Context, d repository.Delivery, reason string) error {
	b.mu.Lock()
	t := b.topic(d.Topic)
	t.dead = append(t.dead, DeadLetter{ID: d.ID, Body: d.Body, Reason: reason})
	delete(t.pending, d.ID)
	b.mu.Unlock()
	return nil
}

// Pending returns the number of delivered but unacked messages of a topic.
func (b *Bus) Pending(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topic(topic).pending)
}

// Ready returns the number of undelivered messages of a topic.
func (b *Bus) Ready(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topic(topic).ready)
}

// DeadLetters returns the parked messages of a topic.
func (b *Bus) DeadLetters(topic string) []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DeadLetter(nil), b.topic(topic).dead...)
}

// Drain removes every undelivered message of a topic and returns the bodies.
func (b *Bus) Drain(topic string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topic(topic)
	var bodies [][]byte
	for _, m := range t.ready {
		bodies = append(bodies, m.body)
	}
	t.ready = nil
	return bodies
}
