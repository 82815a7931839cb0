package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/user/price-scraper-service/internal/adapter/memory"
)

const topic = "scrape.commands"

type message struct {
	N int `json:"n"`
}

func runConsumer(t *testing.T, bus *memory.Bus, cfg Config, h Handler, until func() bool) {
	t.Helper()
	cfg.Topic = topic
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewConsumer(bus, cfg, h, zap.NewNop()).Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for !until() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestConsumerAcksHandledMessages(t *testing.T) {
	bus := memory.NewBus(10*time.Millisecond, time.Minute)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_ = bus.Publish(ctx, topic, message{N: i})
	}

	var mu sync.Mutex
	seen := map[int]bool{}
	h := JSONHandler(func(_ context.Context, m *message) error {
		mu.Lock()
		seen[m.N] = true
		mu.Unlock()
		return nil
	})
	runConsumer(t, bus, Config{Prefetch: 3}, h, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	})

	if len(seen) != 5 {
		t.Errorf("handled %d messages, want 5", len(seen))
	}
	if bus.Pending(topic) != 0 || bus.Ready(topic) != 0 {
		t.Errorf("pending/ready = %d/%d", bus.Pending(topic), bus.Ready(topic))
	}
}

func TestConsumerDeadLettersPoison(t *testing.T) {
	bus := memory.NewBus(10*time.Millisecond, time.Minute)
	_ = bus.Publish(context.Background(), topic, "not an object")

	h := JSONHandler(func(context.Context, *message) error { return nil })
	runConsumer(t, bus, Config{}, h, func() bool { return len(bus.DeadLetters(topic)) == 1 })

	if len(bus.DeadLetters(topic)) != 1 || bus.Pending(topic) != 0 {
		t.Errorf("poison message not parked: dead=%d pending=%d", len(bus.DeadLetters(topic)), bus.Pending(topic))
	}
}

func TestConsumerRedeliversFailures(t *testing.T) {
	bus := memory.NewBus(10*time.Millisecond, 20*time.Millisecond)
	_ = bus.Publish(context.Background(), topic, message{N: 1})

	var calls atomic.Int32
	h := JSONHandler(func(context.Context, *message) error {
		if calls.Add(1) == 1 {
			return errors.New("database unavailable")
		}
		return nil
	})
	runConsumer(t, bus, Config{MaxDeliveries: 5}, h, func() bool { return calls.Load() >= 2 && bus.Pending(topic) == 0 })

	if calls.Load() != 2 {
		t.Errorf("handler calls = %d, want 2", calls.Load())
	}
	if bus.Pending(topic) != 0 || len(bus.DeadLetters(topic)) != 0 {
		t.Errorf("message not acked after retry")
	}
}

func TestConsumerParksAfterMaxDeliveries(t *testing.T) {
	bus := memory.NewBus(10*time.Millisecond, 10*time.Millisecond)
	_ = bus.Publish(context.Background(), topic, message{N: 1})

	var calls atomic.Int32
	h := Handler(func(context.Context, []byte) error {
		calls.Add(1)
		panic("boom")
	})
	runConsumer(t, bus, Config{MaxDeliveries: 2}, h, func() bool { return len(bus.DeadLetters(topic)) == 1 })

	if calls.Load() != 2 {
		t.Errorf("handler calls = %d, want 2", calls.Load())
	}
	if len(bus.DeadLetters(topic)) != 1 {
		t.Errorf("message not dead-lettered")
	}
}
