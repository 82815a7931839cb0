package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/user/price-scraper-service/internal/entity"
	"github.com/user/price-scraper-service/internal/repository"
	"github.com/user/price-scraper-service/pkg/metrics"
	"github.com/user/price-scraper-service/pkg/utils"
)

// ProfileSource supplies the browser identity sent with a command.
type ProfileSource interface {
	Next(locale string) (userAgent string, headers map[string]string)
}

// ExponentialBackoff spaces out retries of a failing mapping. The delay for
// the n-th consecutive failure is Base*Factor^(n-1), capped at
// MaxMultiplier times the mapping frequency and never below Min.
type ExponentialBackoff struct {
	Base          time.Duration
	Factor        float64
	MaxMultiplier float64
	Min           time.Duration
}

func (b ExponentialBackoff) Next(frequency time.Duration, failures int) time.Duration {
	if b.Base <= 0 {
		return frequency
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	if failures < 1 {
		failures = 1
	}
	d := float64(b.Base) * math.Pow(factor, float64(failures-1))
	if b.MaxMultiplier > 0 {
		d = math.Min(d, float64(frequency)*b.MaxMultiplier)
	}
	delay := time.Duration(d)
	if delay < b.Min {
		delay = b.Min
	}
	return delay
}

type SchedulerConfig struct {
	TickInterval     time.Duration
	DefaultFrequency time.Duration
	BatchSize        int
	// DispatchLease pushes next-scrape-at forward while a command is in
	// flight so the mapping is not dispatched twice.
	DispatchLease time.Duration
	CommandTopic  string
	Backoff       ExponentialBackoff
	// StaleRunAfter is how long a run may stay STARTED before each tick
	// moves it to TIMEOUT. Zero disables the sweep.
	StaleRunAfter time.Duration
}

// Scheduler periodically dispatches scrape commands for due mappings and
// reschedules mappings from scraping results.
type Scheduler interface {
	Run(ctx context.Context) error
	Tick(ctx context.Context) (int, error)
	HandleResult(ctx context.Context, res *entity.ScrapingResult) error
}

type schedulerUseCase struct {
	mappings  repository.MappingRepository
	sites     repository.SiteConfigRepository
	runs      RunLogService
	publisher repository.Publisher
	profiles  ProfileSource
	cfg       SchedulerConfig
	logger    *zap.Logger

	running atomic.Bool
	now     func() time.Time
}

func NewScheduler(
	mappings repository.MappingRepository,
	sites repository.SiteConfigRepository,
	runs RunLogService,
	publisher repository.Publisher,
	profiles ProfileSource,
	cfg SchedulerConfig,
	logger *zap.Logger,
) Scheduler {
	return newScheduler(mappings, sites, runs, publisher, profiles, cfg, logger)
}

func newScheduler(
	mappings repository.MappingRepository,
	sites repository.SiteConfigRepository,
	runs RunLogService,
	publisher repository.Publisher,
	profiles ProfileSource,
	cfg SchedulerConfig,
	logger *zap.Logger,
) *schedulerUseCase {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Minute
	}
	if cfg.DefaultFrequency <= 0 {
		cfg.DefaultFrequency = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Backoff.Min <= 0 {
		cfg.Backoff.Min = cfg.TickInterval
	}
	return &schedulerUseCase{
		mappings:  mappings,
		sites:     sites,
		runs:      runs,
		publisher: publisher,
		profiles:  profiles,
		cfg:       cfg,
		logger:    logger.Named("scheduler"),
		now:       time.Now,
	}
}

// Run ticks immediately and then every tick interval until ctx is done. A
// tick still running when the next one is due causes that one to be skipped.
func (uc *schedulerUseCase) Run(ctx context.Context) error {
	uc.logger.Info("scheduler started", zap.Duration("tick_interval", uc.cfg.TickInterval))
	ticker := time.NewTicker(uc.cfg.TickInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	uc.launch(ctx, &wg)
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			uc.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			uc.launch(ctx, &wg)
		}
	}
}

func (uc *schedulerUseCase) launch(ctx context.Context, wg *sync.WaitGroup) {
	if !uc.running.CompareAndSwap(false, true) {
		metrics.SchedulerTicksTotal.WithLabelValues("skipped").Inc()
		uc.logger.Warn("previous tick still running, skipping")
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer uc.running.Store(false)

		tickCtx, cancel := context.WithTimeout(ctx, uc.cfg.TickInterval)
		defer cancel()
		if _, err := uc.Tick(tickCtx); err != nil && ctx.Err() == nil {
			uc.logger.Error("scheduler tick failed", zap.Error(err))
		}
		uc.expireStaleRuns(tickCtx)
	}()
}

// expireStaleRuns closes runs left STARTED by workers that crashed or could
// not record their outcome.
func (uc *schedulerUseCase) expireStaleRuns(ctx context.Context) {
	if uc.cfg.StaleRunAfter <= 0 || ctx.Err() != nil {
		return
	}
	n, err := uc.runs.ExpireStale(ctx, uc.cfg.StaleRunAfter)
	if err != nil {
		uc.logger.Error("failed to expire stale runs", zap.Error(err))
	}
	if n > 0 {
		uc.logger.Info("expired stale runs", zap.Int("count", n))
	}
}

// Tick dispatches a command for every due mapping and returns how many were sent.
func (uc *schedulerUseCase) Tick(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.SchedulerTickDuration.Observe(time.Since(start).Seconds()) }()

	now := uc.now()
	due, err := uc.mappings.FindDue(ctx, now, uc.cfg.BatchSize)
	if err != nil {
		metrics.SchedulerTicksTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("find due mappings: %w", err)
	}

	dispatched := 0
	for _, m := range due {
		if ctx.Err() != nil {
			break
		}
		sent, err := uc.dispatch(ctx, m, now)
		if err != nil {
			uc.logger.Warn("failed to dispatch mapping", zap.Int64("mapping_id", m.ID), zap.Error(err))
			continue
		}
		if sent {
			dispatched++
		}
	}

	metrics.SchedulerTicksTotal.WithLabelValues("ok").Inc()
	if len(due) > 0 {
		uc.logger.Info("scheduler tick completed",
			zap.Int("due", len(due)),
			zap.Int("dispatched", dispatched),
		)
	}
	return dispatched, nil
}

func (uc *schedulerUseCase) dispatch(ctx context.Context, m *entity.Mapping, now time.Time) (bool, error) {
	frequency := m.EffectiveFrequency(uc.cfg.DefaultFrequency)

	site, err := uc.resolveSite(ctx, m)
	if errors.Is(err, repository.ErrNotFound) {
		uc.logger.Warn("no site configuration for mapping, skipping until next cycle",
			zap.Int64("mapping_id", m.ID),
			zap.String("url", m.URL),
		)
		return false, uc.mappings.Reschedule(ctx, m.ID, now.Add(frequency))
	}
	if err != nil {
		return false, fmt.Errorf("resolve site configuration: %w", err)
	}

	userAgent, headers := uc.profiles.Next(site.Locale)
	cmd := &entity.ScrapeCommand{
		CommandID:  uuid.NewString(),
		MappingID:  m.ID,
		ProductID:  m.ProductID,
		SellerName: m.SellerName,
		URL:        m.URL,
		Selectors:  site.Selectors,
		Locale:     site.Locale,
		RenderJS:   site.RenderJS,
		UserAgent:  userAgent,
		Headers:    headers,
		IssuedAt:   now,
	}
	latest, err := uc.runs.LatestForMapping(ctx, m.ID)
	switch {
	case err == nil && latest.Status.IsFailure():
		cmd.PreviousRunID = latest.ID
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		uc.logger.Warn("failed to load latest run", zap.Int64("mapping_id", m.ID), zap.Error(err))
	}

	lease := frequency
	if uc.cfg.DispatchLease > 0 && uc.cfg.DispatchLease < lease {
		lease = uc.cfg.DispatchLease
	}
	if err := uc.mappings.Reschedule(ctx, m.ID, now.Add(lease)); err != nil {
		return false, fmt.Errorf("claim mapping: %w", err)
	}
	if err := uc.publisher.Publish(ctx, uc.cfg.CommandTopic, cmd); err != nil {
		// Make the mapping due again on the next tick.
		if rerr := uc.mappings.Reschedule(context.WithoutCancel(ctx), m.ID, now); rerr != nil {
			uc.logger.Error("failed to release mapping claim", zap.Int64("mapping_id", m.ID), zap.Error(rerr))
		}
		return false, fmt.Errorf("publish scrape command: %w", err)
	}
	metrics.SchedulerDispatchedTotal.Inc()
	return true, nil
}

func (uc *schedulerUseCase) resolveSite(ctx context.Context, m *entity.Mapping) (*entity.SiteConfiguration, error) {
	if m.SiteConfigID != nil {
		return uc.sites.Get(ctx, *m.SiteConfigID)
	}
	return uc.sites.FindByDomain(ctx, utils.Domain(m.URL))
}

// HandleResult moves the mapping's next-scrape-at according to the outcome:
// the regular cadence after a success, exponential backoff after a failure.
// Cancelled runs are retried on the next tick.
func (uc *schedulerUseCase) HandleResult(ctx context.Context, res *entity.ScrapingResult) error {
	m, err := uc.mappings.Get(ctx, res.MappingID)
	if errors.Is(err, repository.ErrNotFound) {
		uc.logger.Warn("result for unknown mapping", zap.Int64("mapping_id", res.MappingID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load mapping %d: %w", res.MappingID, err)
	}

	now := uc.now()
	frequency := m.EffectiveFrequency(uc.cfg.DefaultFrequency)
	switch res.Status {
	case entity.RunSuccess:
		scrapedAt := res.CompletedAt
		if scrapedAt.IsZero() {
			scrapedAt = now
		}
		err = uc.mappings.RecordSuccess(ctx, m.ID, scrapedAt, now.Add(frequency))
	case entity.RunCancelled:
		err = uc.mappings.Reschedule(ctx, m.ID, now.Add(uc.cfg.TickInterval))
	default:
		failures := m.ConsecutiveFailures + 1
		delay := uc.cfg.Backoff.Next(frequency, failures)
		err = uc.mappings.RecordFailure(ctx, m.ID, failures, now.Add(delay))
		uc.logger.Info("mapping backed off after failed scrape",
			zap.Int64("mapping_id", m.ID),
			zap.String("status", string(res.Status)),
			zap.String("category", string(res.ErrorCategory)),
			zap.Int("consecutive_failures", failures),
			zap.Duration("delay", delay),
		)
	}
	if err != nil {
		return fmt.Errorf("reschedule mapping %d: %w", m.ID, err)
	}
	return nil
}
