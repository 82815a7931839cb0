package memory

import (
	"context"
	"testing"
	"time"
)

func TestBusRedeliversUnacked(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(10*time.Millisecond, 20*time.Millisecond)

	if err := bus.Publish(ctx, "t", map[string]int{"n": 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	first, err := bus.Fetch(ctx, "t", 1)
	if err != nil || len(first) != 1 {
		t.Fatalf("fetch = %v, %v", first, err)
	}
	if first[0].Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", first[0].Attempts)
	}

	none, _ := bus.Fetch(ctx, "t", 1)
	if len(none) != 0 {
		t.Fatalf("message redelivered before idle timeout")
	}

	time.Sleep(30 * time.Millisecond)
	again, err := bus.Fetch(ctx, "t", 1)
	if err != nil || len(again) != 1 || again[0].Attempts != 2 {
		t.Fatalf("redelivery = %+v, %v", again, err)
	}

	if err := bus.Ack(ctx, "t", again[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if bus.Pending("t") != 0 {
		t.Fatalf("pending = %d, want 0", bus.Pending("t"))
	}
}

func TestBusFetchWakesOnPublish(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(time.Second, time.Minute)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = bus.Publish(ctx, "t", "hello")
	}()

	start := time.Now()
	got, err := bus.Fetch(ctx, "t", 1)
	if err != nil || len(got) != 1 {
		t.Fatalf("fetch = %v, %v", got, err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("fetch waited for the full block time")
	}
}

func TestDedupRepo(t *testing.T) {
	ctx := context.Background()
	r := NewDedupRepo()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	ok, _ := r.MarkIfAbsent(ctx, "k", time.Minute)
	if !ok {
		t.Fatal("first mark should succeed")
	}
	ok, _ = r.MarkIfAbsent(ctx, "k", time.Minute)
	if ok {
		t.Fatal("second mark inside window should fail")
	}

	now = now.Add(2 * time.Minute)
	ok, _ = r.MarkIfAbsent(ctx, "k", time.Minute)
	if !ok {
		t.Fatal("mark after window should succeed")
	}

	_ = r.Release(ctx, "k")
	ok, _ = r.MarkIfAbsent(ctx, "k", time.Minute)
	if !ok {
		t.Fatal("mark after release should succeed")
	}
}
