package proxy

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/user/price-scraper-service/internal/adapter/memory"
	"github.com/user/price-scraper-service/internal/entity"
)

func testProxy(id int64, success, failure, consecutive int64) *entity.Proxy {
	return &entity.Proxy{
		ID:                  id,
		Host:                "10.0.0.1",
		Port:                8000 + int(id),
		Type:                entity.ProxyHTTP,
		Active:              true,
		SuccessCount:        success,
		FailureCount:        failure,
		ConsecutiveFailures: consecutive,
		CreatedAt:           time.Date(2025, 1, 1, 0, 0, int(id), 0, time.UTC),
	}
}

func newTestManager(strategy Strategy, proxies ...*entity.Proxy) (*Manager, *memory.ProxyRepo) {
	repo := memory.NewProxyRepo(proxies...)
	return NewManager(repo, Config{Strategy: strategy, MaxConsecutiveFailures: 3}, zap.NewNop()), repo
}

func TestSelectSkipsProxiesAtThreshold(t *testing.T) {
	ctx := context.Background()
	m, repo := newTestManager(RoundRobin, testProxy(1, 0, 3, 3), testProxy(2, 5, 0, 0))

	for i := 0; i < 5; i++ {
		p, err := m.Select(ctx)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if p.ID != 2 {
			t.Fatalf("selected excluded proxy %d", p.ID)
		}
	}

	if err := m.RecordSuccess(ctx, 1, 120*time.Millisecond); err != nil {
		t.Fatalf("record success: %v", err)
	}
	seen := map[int64]bool{}
	for i := 0; i < 4; i++ {
		p, err := m.Select(ctx)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		seen[p.ID] = true
	}
	if !seen[1] {
		t.Fatal("proxy 1 not eligible after a success")
	}

	stored, _ := repo.Get(1)
	if stored.ConsecutiveFailures != 0 || stored.SuccessCount != 1 {
		t.Fatalf("stored counters not updated: %+v", stored)
	}
}

func TestRecordFailureExcludesImmediately(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(RoundRobin, testProxy(1, 0, 0, 0))

	if _, err := m.Select(ctx); err != nil {
		t.Fatalf("select: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := m.RecordFailure(ctx, 1); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	if _, err := m.Select(ctx); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}
}

func TestBestSuccessRatePrefersUntried(t *testing.T) {
	m, _ := newTestManager(BestSuccessRate, testProxy(1, 5, 5, 0), testProxy(2, 0, 0, 0))

	p, err := m.Select(context.Background())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if p.ID != 2 {
		t.Fatalf("selected %d, want untried proxy 2", p.ID)
	}
}

func TestBestSuccessRateTieBreaksOnStreak(t *testing.T) {
	m, _ := newTestManager(BestSuccessRate, testProxy(1, 8, 2, 2), testProxy(2, 8, 2, 1))

	p, err := m.Select(context.Background())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if p.ID != 2 {
		t.Fatalf("selected %d, want proxy 2 with the shorter failure streak", p.ID)
	}
}

func TestLeastUsedTieBreaksOnInsertionOrder(t *testing.T) {
	m, _ := newTestManager(LeastUsed, testProxy(3, 4, 0, 0), testProxy(1, 2, 0, 0), testProxy(2, 1, 1, 0))

	p, err := m.Select(context.Background())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if p.ID != 1 {
		t.Fatalf("selected %d, want proxy 1", p.ID)
	}
}

func TestRoundRobinCycles(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(RoundRobin, testProxy(1, 0, 0, 0), testProxy(2, 0, 0, 0), testProxy(3, 0, 0, 0))

	var got []int64
	for i := 0; i < 6; i++ {
		p, err := m.Select(ctx)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		got = append(got, p.ID)
	}
	want := []int64{1, 2, 3, 1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sequence = %v, want %v", got, want)
		}
	}
}

func TestSelectHonorsExclude(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(Random, testProxy(1, 0, 0, 0), testProxy(2, 0, 0, 0))

	for i := 0; i < 10; i++ {
		p, err := m.Select(ctx, 1)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if p.ID != 2 {
			t.Fatalf("selected excluded proxy %d", p.ID)
		}
	}
	if _, err := m.Select(ctx, 1, 2); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}
}

func TestSnapshotCachedUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	m, repo := newTestManager(RoundRobin, testProxy(1, 0, 0, 0))

	if _, err := m.Select(ctx); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := repo.Deactivate(ctx, 1); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := m.Select(ctx); err != nil {
		t.Fatalf("cached snapshot should still serve proxy 1: %v", err)
	}

	m.Invalidate()
	if _, err := m.Select(ctx); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("err = %v, want ErrPoolExhausted after refresh", err)
	}
}

func TestStatistics(t *testing.T) {
	m, _ := newTestManager(RoundRobin, testProxy(1, 3, 1, 0), testProxy(2, 0, 4, 3))

	stats, err := m.Statistics(context.Background())
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if stats.Active != 2 || stats.Eligible != 1 || stats.Excluded != 1 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	if stats.SuccessRate != 37.5 {
		t.Fatalf("success rate = %v, want 37.5", stats.SuccessRate)
	}
	if stats.ByType[entity.ProxyHTTP] != 2 {
		t.Fatalf("by type = %v", stats.ByType)
	}
}

func TestParseStrategy(t *testing.T) {
	if s, err := ParseStrategy("best_success_rate"); err != nil || s != BestSuccessRate {
		t.Fatalf("ParseStrategy = %q, %v", s, err)
	}
	if _, err := ParseStrategy("fastest"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}
