package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/user/price-scraper-service/internal/entity"
	"github.com/user/price-scraper-service/internal/repository"
	"github.com/user/price-scraper-service/pkg/metrics"
)

// Checker tests one proxy against a fixed test URL.
type Checker struct {
	transports RoundTripperProvider
	testURL    string
	timeout    time.Duration
}

// NewChecker creates a Checker.
func NewChecker(transports RoundTripperProvider, testURL string, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Checker{transports: transports, testURL: testURL, timeout: timeout}
}

// Check issues a GET through p and returns the round-trip latency. Any
// transport error or non-2xx status is unhealthy.
func (c *Checker) Check(ctx context.Context, p *entity.Proxy) (time.Duration, error) {
	rt, err := c.transports.RoundTripper(p)
	if err != nil {
		return 0, err
	}
	client := &http.Client{Transport: rt, Timeout: c.timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.testURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build health request: %w", err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	latency := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return latency, fmt.Errorf("health check through %s returned status %d", p, resp.StatusCode)
	}
	return latency, nil
}

// MonitorConfig controls the periodic health sweep.
type MonitorConfig struct {
	Enabled     bool
	Interval    time.Duration
	MaxAge      time.Duration
	Parallelism int
}

// HealthMonitor periodically re-tests proxies whose last test is older than
// MaxAge. Excluded proxies are re-tested on every sweep so a recovered proxy
// returns to the pool.
type HealthMonitor struct {
	repo    repository.ProxyRepository
	manager *Manager
	checker *Checker
	cfg     MonitorConfig
	logger  *zap.Logger
	now     func() time.Time
}

// NewHealthMonitor creates a HealthMonitor.
func NewHealthMonitor(repo repository.ProxyRepository, manager *Manager, checker *Checker, cfg MonitorConfig, logger *zap.Logger) *HealthMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Hour
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 4
	}
	return &HealthMonitor{
		repo:    repo,
		manager: manager,
		checker: checker,
		cfg:     cfg,
		logger:  logger.Named("proxy_health"),
		now:     time.Now,
	}
}

// Run sweeps once immediately and then on every interval until ctx is done.
func (h *HealthMonitor) Run(ctx context.Context) error {
	if !h.cfg.Enabled {
		h.logger.Info("proxy health monitor disabled")
		return nil
	}
	h.sweep(ctx)

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.sweep(ctx)
		}
	}
}

func (h *HealthMonitor) sweep(ctx context.Context) {
	checked, healthy, err := h.CheckDue(ctx)
	if err != nil {
		h.logger.Error("proxy health sweep failed", zap.Error(err))
		return
	}
	h.logger.Info("proxy health sweep finished", zap.Int("checked", checked), zap.Int("healthy", healthy))
}

func (h *HealthMonitor) due(p *entity.Proxy, cutoff time.Time) bool {
	if p.ConsecutiveFailures >= h.manager.Threshold() {
		return true
	}
	return p.LastTestedAt == nil || p.LastTestedAt.Before(cutoff)
}

// CheckDue tests every due proxy with bounded parallelism and records the results.
func (h *HealthMonitor) CheckDue(ctx context.Context) (checked, healthy int, err error) {
	proxies, err := h.repo.ListActive(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list proxies for health check: %w", err)
	}
	cutoff := h.now().Add(-h.cfg.MaxAge)

	results := make(chan bool, len(proxies))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.cfg.Parallelism)
	for _, p := range proxies {
		if !h.due(p, cutoff) {
			continue
		}
		p := p
		g.Go(func() error {
			latency, checkErr := h.checker.Check(gctx, p)
			ok := checkErr == nil
			if ok {
				metrics.ProxyHealthChecksTotal.WithLabelValues("healthy").Inc()
			} else {
				metrics.ProxyHealthChecksTotal.WithLabelValues("unhealthy").Inc()
				h.logger.Warn("proxy health check failed", zap.Int64("proxy_id", p.ID), zap.String("proxy", p.String()), zap.Error(checkErr))
			}
			if err := h.manager.RecordHealthCheck(ctx, p.ID, ok, latency); err != nil {
				h.logger.Error("failed to store proxy health result", zap.Int64("proxy_id", p.ID), zap.Error(err))
			}
			results <- ok
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	for ok := range results {
		checked++
		if ok {
			healthy++
		}
	}
	return checked, healthy, nil
}
