package repository

import (
	"context"
	"time"

	"github.com/user/price-scraper-service/internal/entity"
)

// RunLogRepository persists scrape attempt lifecycles.
type RunLogRepository interface {
	// Create inserts a run in STARTED state.
	Create(ctx context.Context, run *entity.RunLog) error
	// Finish writes the terminal fields of run, but only while the stored row
	// is still STARTED. It returns entity.ErrRunAlreadyTerminal otherwise.
	Finish(ctx context.Context, run *entity.RunLog) error
	// Get returns a run by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*entity.RunLog, error)
	// LatestForMapping returns the most recently started run of a mapping, or ErrNotFound.
	LatestForMapping(ctx context.Context, mappingID int64) (*entity.RunLog, error)
	// ListStale returns STARTED runs that began before startedBefore, oldest first.
	ListStale(ctx context.Context, startedBefore time.Time, limit int) ([]*entity.RunLog, error)
	// Counts aggregates runs matching filter.
	Counts(ctx context.Context, filter entity.RunFilter) (*entity.RunCounts, error)
}
