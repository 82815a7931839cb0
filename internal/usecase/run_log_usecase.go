package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/user/price-scraper-service/internal/entity"
	"github.com/user/price-scraper-service/internal/repository"
)

const (
	// maxChainLength bounds RetryChain walks.
	maxChainLength = 100
	// staleBatch bounds how many stuck runs one ExpireStale call closes.
	staleBatch = 200
)

// RunLogService owns the lifecycle of scrape attempts.
type RunLogService interface {
	Start(ctx context.Context, cmd *entity.ScrapeCommand) (*entity.RunLog, error)
	Complete(ctx context.Context, run *entity.RunLog, fields entity.ExtractedFields, info entity.AttemptInfo) error
	Fail(ctx context.Context, run *entity.RunLog, status entity.RunStatus, cause error, info entity.AttemptInfo) error
	Cancel(ctx context.Context, run *entity.RunLog, info entity.AttemptInfo) error
	Get(ctx context.Context, id string) (*entity.RunLog, error)
	RetryChain(ctx context.Context, id string) ([]*entity.RunLog, error)
	LatestForMapping(ctx context.Context, mappingID int64) (*entity.RunLog, error)
	GetStatistics(ctx context.Context, filter entity.RunFilter) (*entity.RunStatistics, error)
	ExpireStale(ctx context.Context, olderThan time.Duration) (int, error)
}

type runLogUseCase struct {
	repo   repository.RunLogRepository
	logger *zap.Logger
	now    func() time.Time

	// Terminal writes are retried with doubling delays before giving up.
	finishAttempts int
	finishDelay    time.Duration
}

// NewRunLogService creates a RunLogService backed by repo.
func NewRunLogService(repo repository.RunLogRepository, logger *zap.Logger) RunLogService {
	return &runLogUseCase{
		repo:   repo,
		logger: logger.Named("run_log"),
		now:    time.Now,

		finishAttempts: 4,
		finishDelay:    250 * time.Millisecond,
	}
}

// Start records a STARTED run for cmd before any work is done.
func (uc *runLogUseCase) Start(ctx context.Context, cmd *entity.ScrapeCommand) (*entity.RunLog, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	run := &entity.RunLog{
		ID:            id.String(),
		MappingID:     cmd.MappingID,
		Status:        entity.RunStarted,
		URL:           cmd.URL,
		UserAgent:     cmd.UserAgent,
		Headers:       cmd.Headers,
		Selectors:     cmd.Selectors,
		StartedAt:     uc.now(),
		PreviousRunID: cmd.PreviousRunID,
	}
	if err := uc.repo.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create run for mapping %d: %w", cmd.MappingID, err)
	}
	return run, nil
}

func (uc *runLogUseCase) Complete(ctx context.Context, run *entity.RunLog, fields entity.ExtractedFields, info entity.AttemptInfo) error {
	if err := run.Complete(uc.now(), fields, info); err != nil {
		return err
	}
	return uc.finish(ctx, run)
}

func (uc *runLogUseCase) Fail(ctx context.Context, run *entity.RunLog, status entity.RunStatus, cause error, info entity.AttemptInfo) error {
	if err := run.Fail(status, uc.now(), cause, info); err != nil {
		return err
	}
	return uc.finish(ctx, run)
}

func (uc *runLogUseCase) Cancel(ctx context.Context, run *entity.RunLog, info entity.AttemptInfo) error {
	cause := entity.NewScrapeError(entity.CategoryCancelled, "", 0, context.Canceled)
	return uc.Fail(ctx, run, entity.RunCancelled, cause, info)
}

func (uc *runLogUseCase) finish(ctx context.Context, run *entity.RunLog) error {
	delay := uc.finishDelay
	var err error
	for attempt := 1; attempt <= uc.finishAttempts; attempt++ {
		if attempt > 1 {
			uc.logger.Warn("retrying run finish", zap.String("run_id", run.ID), zap.Int("attempt", attempt), zap.Error(err))
			if serr := sleepCtx(ctx, delay); serr != nil {
				break
			}
			delay *= 2
		}
		err = uc.repo.Finish(ctx, run)
		if err == nil || errors.Is(err, entity.ErrRunAlreadyTerminal) || errors.Is(err, repository.ErrNotFound) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, entity.ErrRunAlreadyTerminal) {
			return err
		}
		return fmt.Errorf("finish run %s: %w", run.ID, err)
	}
	uc.logger.Debug("run finished",
		zap.String("run_id", run.ID),
		zap.Int64("mapping_id", run.MappingID),
		zap.String("status", string(run.Status)),
		zap.String("category", string(run.ErrorCategory)),
	)
	return nil
}

// ExpireStale moves runs that have been STARTED for longer than olderThan to
// TIMEOUT. Such runs belong to workers that died or could not write their
// terminal state.
func (uc *runLogUseCase) ExpireStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := uc.now()
	stale, err := uc.repo.ListStale(ctx, now.Add(-olderThan), staleBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale runs: %w", err)
	}
	expired := 0
	for _, run := range stale {
		cause := entity.NewScrapeError(entity.CategoryTimeout, "STALE_RUN", 0,
			fmt.Errorf("run still STARTED after %s", olderThan))
		if err := run.Fail(entity.RunTimeout, now, cause, entity.AttemptInfo{}); err != nil {
			continue
		}
		err := uc.repo.Finish(ctx, run)
		if errors.Is(err, entity.ErrRunAlreadyTerminal) {
			continue
		}
		if err != nil {
			return expired, fmt.Errorf("expire run %s: %w", run.ID, err)
		}
		expired++
		uc.logger.Warn("expired stale run", zap.String("run_id", run.ID), zap.Int64("mapping_id", run.MappingID))
	}
	return expired, nil
}

func (uc *runLogUseCase) Get(ctx context.Context, id string) (*entity.RunLog, error) {
	return uc.repo.Get(ctx, id)
}

func (uc *runLogUseCase) LatestForMapping(ctx context.Context, mappingID int64) (*entity.RunLog, error) {
	return uc.repo.LatestForMapping(ctx, mappingID)
}

// RetryChain follows previous-run references from id back to the first
// attempt and returns the runs oldest first. A missing ancestor ends the chain.
func (uc *runLogUseCase) RetryChain(ctx context.Context, id string) ([]*entity.RunLog, error) {
	run, err := uc.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	chain := []*entity.RunLog{run}
	seen := map[string]bool{run.ID: true}
	for run.PreviousRunID != "" && len(chain) < maxChainLength {
		if seen[run.PreviousRunID] {
			uc.logger.Warn("retry chain loops", zap.String("run_id", run.ID))
			break
		}
		prev, err := uc.repo.Get(ctx, run.PreviousRunID)
		if errors.Is(err, repository.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("load run %s: %w", run.PreviousRunID, err)
		}
		seen[prev.ID] = true
		chain = append(chain, prev)
		run = prev
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// GetStatistics summarizes runs matching filter. Only terminal runs count
// toward the total and the success rate.
func (uc *runLogUseCase) GetStatistics(ctx context.Context, filter entity.RunFilter) (*entity.RunStatistics, error) {
	counts, err := uc.repo.Counts(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}

	stats := &entity.RunStatistics{
		Successes:          counts.ByStatus[entity.RunSuccess],
		InProgress:         counts.ByStatus[entity.RunStarted],
		FailuresByCategory: make(map[entity.ErrorCategory]int64),
		AvgDurationMs:      counts.AvgDurationMs,
	}
	for status, n := range counts.ByStatus {
		if status.IsFailure() {
			stats.Failures += n
		}
	}
	for category, n := range counts.FailuresByCategory {
		if category == "" {
			category = entity.CategoryUnknown
		}
		stats.FailuresByCategory[category] += n
	}
	stats.Total = stats.Successes + stats.Failures
	if stats.Total > 0 {
		stats.SuccessRate = 100 * float64(stats.Successes) / float64(stats.Total)
	}
	return stats, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
