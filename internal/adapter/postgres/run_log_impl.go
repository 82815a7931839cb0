package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/price-scraper-service/internal/entity"
	"github.com/user/price-scraper-service/internal/repository"
)

// RunLogRepoImpl provides a concrete implementation for the RunLogRepository interface using PostgreSQL.
type RunLogRepoImpl struct {
	db *pgxpool.Pool
}

// NewRunLogRepo creates a new instance of RunLogRepoImpl.
func NewRunLogRepo(db *pgxpool.Pool) *RunLogRepoImpl {
	return &RunLogRepoImpl{db: db}
}

func (r *RunLogRepoImpl) Create(ctx context.Context, run *entity.RunLog) error {
	headersJSON, err := json.Marshal(run.Headers)
	if err != nil {
		return err
	}
	selectorsJSON, err := json.Marshal(run.Selectors)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO run_logs (id, mapping_id, status, url, user_agent, headers, selectors, started_at, previous_run_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, '')::uuid);
	`
	_, err = r.db.Exec(ctx, query,
		run.ID,
		run.MappingID,
		string(run.Status),
		run.URL,
		run.UserAgent,
		headersJSON,
		selectorsJSON,
		run.StartedAt,
		run.PreviousRunID,
	)
	return err
}

// Finish writes the terminal state. The status guard makes the transition a
// compare-and-set, so concurrent finishers cannot both succeed.
func (r *RunLogRepoImpl) Finish(ctx context.Context, run *entity.RunLog) error {
	var fieldsJSON []byte
	if run.Fields != nil {
		var err error
		if fieldsJSON, err = json.Marshal(run.Fields); err != nil {
			return err
		}
	}

	query := `
		UPDATE run_logs SET
			status = $2,
			completed_at = $3,
			duration_ms = $4,
			fields = $5,
			error_message = $6,
			error_code = $7,
			error_category = $8,
			http_status = $9,
			proxy_id = $10,
			page_load_ms = $11,
			parse_ms = $12
		WHERE id = $1 AND status = 'STARTED';
	`
	tag, err := r.db.Exec(ctx, query,
		run.ID,
		string(run.Status),
		run.CompletedAt,
		run.DurationMs,
		fieldsJSON,
		run.ErrorMessage,
		run.ErrorCode,
		string(run.ErrorCategory),
		run.HTTPStatus,
		run.ProxyID,
		run.PageLoadMs,
		run.ParseMs,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM run_logs WHERE id = $1);`, run.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return repository.ErrNotFound
	}
	return entity.ErrRunAlreadyTerminal
}

const runLogColumns = `id::text, mapping_id, status, url, user_agent, headers, selectors, started_at,
	completed_at, duration_ms, fields, error_message, error_code, error_category, http_status,
	proxy_id, page_load_ms, parse_ms, COALESCE(previous_run_id::text, '')`

func scanRunLog(row pgx.Row) (*entity.RunLog, error) {
	var (
		run                        entity.RunLog
		status, category           string
		headersJSON, selectorsJSON []byte
		fieldsJSON                 []byte
	)
	err := row.Scan(
		&run.ID,
		&run.MappingID,
		&status,
		&run.URL,
		&run.UserAgent,
		&headersJSON,
		&selectorsJSON,
		&run.StartedAt,
		&run.CompletedAt,
		&run.DurationMs,
		&fieldsJSON,
		&run.ErrorMessage,
		&run.ErrorCode,
		&category,
		&run.HTTPStatus,
		&run.ProxyID,
		&run.PageLoadMs,
		&run.ParseMs,
		&run.PreviousRunID,
	)
	if err != nil {
		return nil, mapNotFound(err)
	}
	run.Status = entity.RunStatus(status)
	run.ErrorCategory = entity.ErrorCategory(category)

	if err := json.Unmarshal(headersJSON, &run.Headers); err != nil {
		return nil, fmt.Errorf("decode headers of run %s: %w", run.ID, err)
	}
	if err := json.Unmarshal(selectorsJSON, &run.Selectors); err != nil {
		return nil, fmt.Errorf("decode selectors of run %s: %w", run.ID, err)
	}
	if len(fieldsJSON) > 0 {
		run.Fields = &entity.ExtractedFields{}
		if err := json.Unmarshal(fieldsJSON, run.Fields); err != nil {
			return nil, fmt.Errorf("decode fields of run %s: %w", run.ID, err)
		}
	}
	return &run, nil
}

func (r *RunLogRepoImpl) Get(ctx context.Context, id string) (*entity.RunLog, error) {
	query := `SELECT ` + runLogColumns + ` FROM run_logs WHERE id = $1::uuid;`
	return scanRunLog(r.db.QueryRow(ctx, query, id))
}

func (r *RunLogRepoImpl) LatestForMapping(ctx context.Context, mappingID int64) (*entity.RunLog, error) {
	query := `
		SELECT ` + runLogColumns + `
		FROM run_logs
		WHERE mapping_id = $1
		ORDER BY started_at DESC, id DESC
		LIMIT 1;
	`
	return scanRunLog(r.db.QueryRow(ctx, query, mappingID))
}

func (r *RunLogRepoImpl) ListStale(ctx context.Context, startedBefore time.Time, limit int) ([]*entity.RunLog, error) {
	query := `
		SELECT ` + runLogColumns + `
		FROM run_logs
		WHERE status = 'STARTED' AND started_at < $1
		ORDER BY started_at, id
		LIMIT $2;
	`
	rows, err := r.db.Query(ctx, query, startedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*entity.RunLog
	for rows.Next() {
		run, err := scanRunLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// Counts aggregates runs grouped by status and error category.
func (r *RunLogRepoImpl) Counts(ctx context.Context, f entity.RunFilter) (*entity.RunCounts, error) {
	var (
		where []string
		args  []any
	)
	if f.MappingID != nil {
		args = append(args, *f.MappingID)
		where = append(where, fmt.Sprintf("mapping_id = $%d", len(args)))
	}
	if f.From != nil {
		args = append(args, *f.From)
		where = append(where, fmt.Sprintf("started_at >= $%d", len(args)))
	}
	if f.To != nil {
		args = append(args, *f.To)
		where = append(where, fmt.Sprintf("started_at < $%d", len(args)))
	}

	query := `
		SELECT status, error_category, COUNT(*), COALESCE(SUM(duration_ms), 0), COUNT(duration_ms)
		FROM run_logs`
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	query += "\n\t\tGROUP BY status, error_category;"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := &entity.RunCounts{
		ByStatus:           make(map[entity.RunStatus]int64),
		FailuresByCategory: make(map[entity.ErrorCategory]int64),
	}
	var durTotal, durN int64
	for rows.Next() {
		var (
			status, category string
			n, sum, withDur  int64
		)
		if err := rows.Scan(&status, &category, &n, &sum, &withDur); err != nil {
			return nil, err
		}
		st := entity.RunStatus(status)
		counts.ByStatus[st] += n
		if st.IsFailure() {
			counts.FailuresByCategory[entity.ErrorCategory(category)] += n
		}
		durTotal += sum
		durN += withDur
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if durN > 0 {
		counts.AvgDurationMs = float64(durTotal) / float64(durN)
	}
	return counts, nil
}
