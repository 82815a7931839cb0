package proxy

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/user/price-scraper-service/internal/entity"
	"github.com/user/price-scraper-service/internal/repository"
	"github.com/user/price-scraper-service/pkg/metrics"
)

// ErrPoolExhausted is returned by Select when no active proxy is eligible.
var ErrPoolExhausted = errors.New("proxy pool exhausted: no eligible proxy")

const (
	snapshotKey = "active"
	statsKey    = "stats"
)

// Config controls selection and caching.
type Config struct {
	Strategy               Strategy
	MaxConsecutiveFailures int
	PoolCacheTTL           time.Duration
	StatsCacheTTL          time.Duration
}

func (c *Config) defaults() {
	if c.Strategy == "" {
		c.Strategy = RoundRobin
	}
	if c.MaxConsecutiveFailures < 1 {
		c.MaxConsecutiveFailures = 3
	}
	if c.PoolCacheTTL <= 0 {
		c.PoolCacheTTL = 5 * time.Minute
	}
	if c.StatsCacheTTL <= 0 {
		c.StatsCacheTTL = 2 * time.Minute
	}
}

// proxyState pairs an immutable proxy row with live counters. The counters
// are seeded from the row when a snapshot is loaded and updated on every
// recorded outcome, so exclusion takes effect before the next refresh.
type proxyState struct {
	proxy       entity.Proxy
	success     atomic.Int64
	failure     atomic.Int64
	consecutive atomic.Int64
	latencyMs   atomic.Int64 // -1 when unknown
}

func newProxyState(p *entity.Proxy) *proxyState {
	s := &proxyState{proxy: *p}
	s.success.Store(p.SuccessCount)
	s.failure.Store(p.FailureCount)
	s.consecutive.Store(p.ConsecutiveFailures)
	s.latencyMs.Store(-1)
	if p.LastLatencyMs != nil {
		s.latencyMs.Store(*p.LastLatencyMs)
	}
	return s
}

func (s *proxyState) requests() int64 {
	return s.success.Load() + s.failure.Load()
}

func (s *proxyState) score() float64 {
	total := s.requests()
	if total == 0 {
		return 1
	}
	return float64(s.success.Load()) / float64(total)
}

// view copies the row with the live counters applied.
func (s *proxyState) view() *entity.Proxy {
	p := s.proxy
	p.SuccessCount = s.success.Load()
	p.FailureCount = s.failure.Load()
	p.ConsecutiveFailures = s.consecutive.Load()
	if ms := s.latencyMs.Load(); ms >= 0 {
		p.LastLatencyMs = &ms
	}
	return &p
}

// snapshot is never mutated after it is published, apart from the atomics
// inside each proxyState.
type snapshot struct {
	states []*proxyState
	byID   map[int64]*proxyState
}

func newSnapshot(proxies []*entity.Proxy) *snapshot {
	s := &snapshot{
		states: make([]*proxyState, 0, len(proxies)),
		byID:   make(map[int64]*proxyState, len(proxies)),
	}
	for _, p := range proxies {
		st := newProxyState(p)
		s.states = append(s.states, st)
		s.byID[p.ID] = st
	}
	return s
}

// Manager owns proxy selection, outcome accounting and pool statistics.
type Manager struct {
	repo   repository.ProxyRepository
	cfg    Config
	logger *zap.Logger

	snapshots *lru.LRU[string, *snapshot]
	stats     *lru.LRU[string, *entity.ProxyPoolStats]
	loads     singleflight.Group

	rr    atomic.Uint64
	rngMu sync.Mutex
	rng   *rand.Rand
	now   func() time.Time
}

// NewManager creates a Manager reading proxies from repo.
func NewManager(repo repository.ProxyRepository, cfg Config, logger *zap.Logger) *Manager {
	cfg.defaults()
	return &Manager{
		repo:      repo,
		cfg:       cfg,
		logger:    logger.Named("proxy_pool"),
		snapshots: lru.NewLRU[string, *snapshot](1, nil, cfg.PoolCacheTTL),
		stats:     lru.NewLRU[string, *entity.ProxyPoolStats](1, nil, cfg.StatsCacheTTL),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		now:       time.Now,
	}
}

// Threshold is the failure streak at which a proxy stops being selected.
func (m *Manager) Threshold() int64 {
	return int64(m.cfg.MaxConsecutiveFailures)
}

func (m *Manager) snapshot(ctx context.Context) (*snapshot, error) {
	if s, ok := m.snapshots.Get(snapshotKey); ok {
		return s, nil
	}
	v, err, _ := m.loads.Do(snapshotKey, func() (interface{}, error) {
		if s, ok := m.snapshots.Get(snapshotKey); ok {
			return s, nil
		}
		proxies, err := m.repo.ListActive(ctx)
		if err != nil {
			return nil, fmt.Errorf("load active proxies: %w", err)
		}
		s := newSnapshot(proxies)
		m.snapshots.Add(snapshotKey, s)
		m.logger.Debug("proxy snapshot refreshed", zap.Int("active", len(s.states)))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*snapshot), nil
}

// Invalidate drops the cached snapshot and statistics.
func (m *Manager) Invalidate() {
	m.snapshots.Purge()
	m.stats.Purge()
}

// Deactivate takes a proxy out of the pool and drops the caches so the next
// Select no longer sees it.
func (m *Manager) Deactivate(ctx context.Context, id int64) error {
	if err := m.repo.Deactivate(ctx, id); err != nil {
		return fmt.Errorf("deactivate proxy %d: %w", id, err)
	}
	m.Invalidate()
	m.logger.Info("proxy deactivated", zap.Int64("proxy_id", id))
	return nil
}

func (m *Manager) eligible(s *snapshot, exclude []int64) []*proxyState {
	out := make([]*proxyState, 0, len(s.states))
	for _, st := range s.states {
		if st.consecutive.Load() >= m.Threshold() {
			continue
		}
		if slices.Contains(exclude, st.proxy.ID) {
			continue
		}
		out = append(out, st)
	}
	return out
}

// Select picks a proxy with the configured strategy, skipping proxies at or
// over the failure threshold and any id in exclude.
func (m *Manager) Select(ctx context.Context, exclude ...int64) (*entity.Proxy, error) {
	s, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	candidates := m.eligible(s, exclude)
	if len(candidates) == 0 {
		metrics.ProxySelectionsTotal.WithLabelValues(string(m.cfg.Strategy), "exhausted").Inc()
		return nil, ErrPoolExhausted
	}

	var picked *proxyState
	switch m.cfg.Strategy {
	case LeastUsed:
		picked = pickLeastUsed(candidates)
	case BestSuccessRate:
		picked = pickBestSuccessRate(candidates)
	case Random:
		m.rngMu.Lock()
		picked = pickRandom(candidates, m.rng)
		m.rngMu.Unlock()
	default:
		idx := m.rr.Add(1) - 1
		picked = candidates[idx%uint64(len(candidates))]
	}
	metrics.ProxySelectionsTotal.WithLabelValues(string(m.cfg.Strategy), "selected").Inc()
	return picked.view(), nil
}

func (m *Manager) live(id int64) *proxyState {
	s, ok := m.snapshots.Peek(snapshotKey)
	if !ok {
		return nil
	}
	return s.byID[id]
}

// RecordSuccess counts a successful request through the proxy and clears its failure streak.
func (m *Manager) RecordSuccess(ctx context.Context, id int64, latency time.Duration) error {
	if st := m.live(id); st != nil {
		st.success.Add(1)
		st.consecutive.Store(0)
		st.latencyMs.Store(latency.Milliseconds())
	}
	if err := m.repo.RecordSuccess(ctx, id, latency); err != nil {
		return fmt.Errorf("record proxy %d success: %w", id, err)
	}
	return nil
}

// RecordFailure counts a failed request through the proxy.
func (m *Manager) RecordFailure(ctx context.Context, id int64) error {
	if st := m.live(id); st != nil {
		st.failure.Add(1)
		if n := st.consecutive.Add(1); n == m.Threshold() {
			m.logger.Warn("proxy excluded after consecutive failures",
				zap.Int64("proxy_id", id),
				zap.Int64("consecutive_failures", n),
			)
		}
	}
	if err := m.repo.RecordFailure(ctx, id); err != nil {
		return fmt.Errorf("record proxy %d failure: %w", id, err)
	}
	return nil
}

// RecordHealthCheck applies a health check result. A healthy check makes an
// excluded proxy eligible again.
func (m *Manager) RecordHealthCheck(ctx context.Context, id int64, healthy bool, latency time.Duration) error {
	if st := m.live(id); st != nil {
		if healthy {
			st.consecutive.Store(0)
			st.latencyMs.Store(latency.Milliseconds())
		} else {
			st.consecutive.Add(1)
		}
	}
	if err := m.repo.RecordHealthCheck(ctx, id, healthy, latency, m.now()); err != nil {
		return fmt.Errorf("record proxy %d health check: %w", id, err)
	}
	return nil
}

// Statistics summarizes the pool. Results are cached for the stats TTL.
func (m *Manager) Statistics(ctx context.Context) (*entity.ProxyPoolStats, error) {
	if st, ok := m.stats.Get(statsKey); ok {
		return st, nil
	}
	s, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	stats := &entity.ProxyPoolStats{
		Active:      len(s.states),
		ByType:      make(map[entity.ProxyType]int),
		GeneratedAt: m.now(),
	}
	var latencySum, latencyN int64
	for _, st := range s.states {
		stats.ByType[st.proxy.Type]++
		stats.TotalSuccesses += st.success.Load()
		stats.TotalFailures += st.failure.Load()
		if st.consecutive.Load() >= m.Threshold() {
			stats.Excluded++
		} else {
			stats.Eligible++
		}
		if ms := st.latencyMs.Load(); ms >= 0 {
			latencySum += ms
			latencyN++
		}
	}
	if total := stats.TotalSuccesses + stats.TotalFailures; total > 0 {
		stats.SuccessRate = 100 * float64(stats.TotalSuccesses) / float64(total)
	}
	if latencyN > 0 {
		stats.AvgLatencyMs = float64(latencySum) / float64(latencyN)
	}
	metrics.ProxiesEligible.Set(float64(stats.Eligible))

	m.stats.Add(statsKey, stats)
	return stats, nil
}
