package proxy

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"go.uber.org/zap"

	"github.com/user/price-scraper-service/internal/entity"
)

const testURL = "http://health.test/ip"

// mockTransports hands out one httpmock transport per proxy id.
type mockTransports map[int64]*httpmock.MockTransport

func (m mockTransports) RoundTripper(p *entity.Proxy) (http.RoundTripper, error) {
	if p == nil {
		return nil, errors.New("direct transport not mocked")
	}
	t, ok := m[p.ID]
	if !ok {
		return nil, errors.New("no transport for proxy")
	}
	return t, nil
}

func TestHealthMonitorCheckDue(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	fresh := now.Add(-10 * time.Minute)
	stale := now.Add(-3 * time.Hour)

	healthy := testProxy(1, 0, 0, 0)
	healthy.LastTestedAt = &stale
	failing := testProxy(2, 0, 0, 2)
	recently := testProxy(3, 0, 0, 0)
	recently.LastTestedAt = &fresh
	excluded := testProxy(4, 0, 3, 3)
	excluded.LastTestedAt = &fresh

	m, repo := newTestManager(RoundRobin, healthy, failing, recently, excluded)

	transports := mockTransports{}
	for id, status := range map[int64]int{1: 200, 2: 502, 3: 200, 4: 200} {
		mt := httpmock.NewMockTransport()
		mt.RegisterResponder(http.MethodGet, testURL, httpmock.NewStringResponder(status, `{"origin":"1.2.3.4"}`))
		transports[id] = mt
	}

	monitor := NewHealthMonitor(repo, m, NewChecker(transports, testURL, time.Second),
		MonitorConfig{Enabled: true, MaxAge: time.Hour, Parallelism: 2}, zap.NewNop())
	monitor.now = func() time.Time { return now }

	checked, ok, err := monitor.CheckDue(ctx)
	if err != nil {
		t.Fatalf("check due: %v", err)
	}
	if checked != 3 || ok != 2 {
		t.Fatalf("checked=%d healthy=%d, want 3 and 2", checked, ok)
	}

	if transports[3].GetTotalCallCount() != 0 {
		t.Fatal("recently tested proxy was re-tested")
	}
	if p, _ := repo.Get(2); p.ConsecutiveFailures != 3 {
		t.Fatalf("failing proxy streak = %d, want 3", p.ConsecutiveFailures)
	}
	if p, _ := repo.Get(4); p.ConsecutiveFailures != 0 || p.LastTestedAt == nil {
		t.Fatalf("excluded proxy not reset: %+v", p)
	}
	if p, _ := repo.Get(1); p.LastLatencyMs == nil {
		t.Fatal("latency not recorded for healthy proxy")
	}
}

func TestCheckerNon2xxIsUnhealthy(t *testing.T) {
	mt := httpmock.NewMockTransport()
	mt.RegisterResponder(http.MethodGet, testURL, httpmock.NewStringResponder(407, "auth required"))

	c := NewChecker(mockTransports{1: mt}, testURL, time.Second)
	if _, err := c.Check(context.Background(), testProxy(1, 0, 0, 0)); err == nil {
		t.Fatal("expected error for 407")
	}
}
