package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/user/price-scraper-service/internal/entity"
	"github.com/user/price-scraper-service/internal/repository"
)

type runRow struct {
	seq int64
	run entity.RunLog
}

// RunLogRepo is a RunLogRepository backed by a map.
type RunLogRepo struct {
	mu   sync.RWMutex
	seq  int64
	rows map[string]*runRow
}

func NewRunLogRepo() *RunLogRepo {
	return &RunLogRepo{rows: make(map[string]*runRow)}
}

func (r *RunLogRepo) Create(_ context.Context, run *entity.RunLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.rows[run.ID] = &runRow{seq: r.seq, run: *run}
	return nil
}

func (r *RunLogRepo) Finish(_ context.Context, run *entity.RunLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[run.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if row.run.Status != entity.RunStarted {
		return entity.ErrRunAlreadyTerminal
	}
	row.run = *run
	return nil
}

func (r *RunLogRepo) Get(_ context.Context, id string) (*entity.RunLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := row.run
	return &c, nil
}

func (r *RunLogRepo) LatestForMapping(_ context.Context, mappingID int64) (*entity.RunLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *runRow
	for _, row := range r.rows {
		if row.run.MappingID != mappingID {
			continue
		}
		if latest == nil || row.run.StartedAt.After(latest.run.StartedAt) ||
			(row.run.StartedAt.Equal(latest.run.StartedAt) && row.seq > latest.seq) {
			latest = row
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	c := latest.run
	return &c, nil
}

func (r *RunLogRepo) ListStale(_ context.Context, startedBefore time.Time, limit int) ([]*entity.RunLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var rows []*runRow
	for _, row := range r.rows {
		if row.run.Status == entity.RunStarted && row.run.StartedAt.Before(startedBefore) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].run.StartedAt.Equal(rows[j].run.StartedAt) {
			return rows[i].run.StartedAt.Before(rows[j].run.StartedAt)
		}
		return rows[i].seq < rows[j].seq
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]*entity.RunLog, 0, len(rows))
	for _, row := range rows {
		c := row.run
		out = append(out, &c)
	}
	return out, nil
}

func (r *RunLogRepo) Counts(_ context.Context, f entity.RunFilter) (*entity.RunCounts, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := &entity.RunCounts{
		ByStatus:           make(map[entity.RunStatus]int64),
		FailuresByCategory: make(map[entity.ErrorCategory]int64),
	}
	var durTotal, durN int64
	for _, row := range r.rows {
		run := row.run
		if f.MappingID != nil && run.MappingID != *f.MappingID {
			continue
		}
		if f.From != nil && run.StartedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !run.StartedAt.Before(*f.To) {
			continue
		}
		counts.ByStatus[run.Status]++
		if run.Status.IsFailure() {
			counts.FailuresByCategory[run.ErrorCategory]++
		}
		if run.DurationMs != nil {
			durTotal += *run.DurationMs
			durN++
		}
	}
	if durN > 0 {
		counts.AvgDurationMs = float64(durTotal) / float64(durN)
	}
	return counts, nil
}
