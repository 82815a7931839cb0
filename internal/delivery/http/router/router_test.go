package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/user/price-scraper-service/internal/adapter/memory"
	"github.com/user/price-scraper-service/internal/delivery/http/handler"
	"github.com/user/price-scraper-service/internal/delivery/http/response"
	"github.com/user/price-scraper-service/internal/entity"
	"github.com/user/price-scraper-service/internal/proxy"
	"github.com/user/price-scraper-service/internal/usecase"
)

func newTestServer(t *testing.T) (*httptest.Server, usecase.RunLogService) {
	t.Helper()
	runs := usecase.NewRunLogService(memory.NewRunLogRepo(), zap.NewNop())
	pool := proxy.NewManager(memory.NewProxyRepo(&entity.Proxy{
		ID: 1, Host: "10.0.0.1", Port: 8080, Type: entity.ProxyHTTP, Active: true, SuccessCount: 3, FailureCount: 1,
	}), proxy.Config{}, zap.NewNop())

	srv := httptest.NewServer(New(handler.NewHandler(runs, pool, zap.NewNop()), zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv, runs
}

func getJSON(t *testing.T, url string, wantStatus int, dst any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s status = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	if dst != nil {
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			t.Fatal(err)
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)

	var health map[string]string
	getJSON(t, srv.URL+"/api/health", http.StatusOK, &health)
	if health["status"] != "ok" {
		t.Errorf("health = %v", health)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}
}

func TestRunEndpoints(t *testing.T) {
	srv, runs := newTestServer(t)
	ctx := context.Background()

	first, _ := runs.Start(ctx, &entity.ScrapeCommand{MappingID: 7, URL: "https://shop.example.com/p"})
	_ = runs.Fail(ctx, first, entity.RunFailed, entity.NewScrapeError(entity.CategoryBlocked, "HTTP_403", 403, errors.New("denied")), entity.AttemptInfo{})
	second, _ := runs.Start(ctx, &entity.ScrapeCommand{MappingID: 7, URL: "https://shop.example.com/p", PreviousRunID: first.ID})
	_ = runs.Complete(ctx, second, entity.ExtractedFields{Name: "Widget"}, entity.AttemptInfo{HTTPStatus: 200})

	var run response.RunResponse
	getJSON(t, srv.URL+"/api/runs/"+first.ID, http.StatusOK, &run)
	if run.Status != "FAILED" || run.ErrorCategory != "BLOCKED" || run.HTTPStatus != 403 {
		t.Errorf("run = %+v", run)
	}

	var chain response.RunChainResponse
	getJSON(t, srv.URL+"/api/runs/"+second.ID+"/chain", http.StatusOK, &chain)
	if len(chain.Runs) != 2 || chain.Runs[0].ID != first.ID {
		t.Errorf("chain = %+v", chain)
	}

	var stats entity.RunStatistics
	getJSON(t, srv.URL+"/api/runs/stats?mapping_id=7", http.StatusOK, &stats)
	if stats.Total != 2 || stats.SuccessRate != 50 || stats.FailuresByCategory[entity.CategoryBlocked] != 1 {
		t.Errorf("stats = %+v", stats)
	}

	getJSON(t, srv.URL+"/api/runs/does-not-exist", http.StatusNotFound, nil)
	getJSON(t, srv.URL+"/api/runs/stats?mapping_id=abc", http.StatusBadRequest, nil)
	getJSON(t, srv.URL+"/api/runs/stats?from=yesterday", http.StatusBadRequest, nil)
}

func TestProxyStats(t *testing.T) {
	srv, _ := newTestServer(t)

	var stats entity.ProxyPoolStats
	getJSON(t, srv.URL+"/api/proxies/stats", http.StatusOK, &stats)
	if stats.Active != 1 || stats.Eligible != 1 || stats.SuccessRate != 75 {
		t.Errorf("stats = %+v", stats)
	}
}

func postJSON(t *testing.T, url string, wantStatus int) {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("POST %s status = %d, want %d", url, resp.StatusCode, wantStatus)
	}
}

func TestProxyDeactivateDropsFromPool(t *testing.T) {
	srv, _ := newTestServer(t)

	var stats entity.ProxyPoolStats
	getJSON(t, srv.URL+"/api/proxies/stats", http.StatusOK, &stats)
	if stats.Active != 1 {
		t.Fatalf("active = %d, want 1", stats.Active)
	}

	postJSON(t, srv.URL+"/api/proxies/1/deactivate", http.StatusOK)
	postJSON(t, srv.URL+"/api/proxies/99/deactivate", http.StatusNotFound)
	postJSON(t, srv.URL+"/api/proxies/abc/deactivate", http.StatusBadRequest)

	stats = entity.ProxyPoolStats{}
	getJSON(t, srv.URL+"/api/proxies/stats", http.StatusOK, &stats)
	if stats.Active != 0 || stats.Eligible != 0 {
		t.Errorf("stats after deactivate = %+v", stats)
	}
}

func TestProxyReload(t *testing.T) {
	srv, _ := newTestServer(t)
	postJSON(t, srv.URL+"/api/proxies/reload", http.StatusOK)
}
