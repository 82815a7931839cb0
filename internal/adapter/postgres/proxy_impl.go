package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/price-scraper-service/internal/entity"
	"github.com/user/price-scraper-service/internal/repository"
)

// ProxyRepoImpl provides a concrete implementation for the ProxyRepository interface using PostgreSQL.
// Every counter update is a single-row increment so concurrent attempts never
// overwrite each other.
type ProxyRepoImpl struct {
	db *pgxpool.Pool
}

// NewProxyRepo creates a new instance of ProxyRepoImpl.
func NewProxyRepo(db *pgxpool.Pool) *ProxyRepoImpl {
	return &ProxyRepoImpl{db: db}
}

func (r *ProxyRepoImpl) ListActive(ctx context.Context) ([]*entity.Proxy, error) {
	query := `
		SELECT id, host, port, proxy_type, username, password, timeout_seconds, max_retries, active,
			success_count, failure_count, consecutive_failures, last_tested_at, last_latency_ms, created_at
		FROM proxy_configurations
		WHERE active
		ORDER BY created_at ASC, id ASC;
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var proxies []*entity.Proxy
	for rows.Next() {
		var (
			p         entity.Proxy
			proxyType string
		)
		if err := rows.Scan(
			&p.ID,
			&p.Host,
			&p.Port,
			&proxyType,
			&p.Username,
			&p.Password,
			&p.TimeoutSeconds,
			&p.MaxRetries,
			&p.Active,
			&p.SuccessCount,
			&p.FailureCount,
			&p.ConsecutiveFailures,
			&p.LastTestedAt,
			&p.LastLatencyMs,
			&p.CreatedAt,
		); err != nil {
			return nil, err
		}
		p.Type = entity.ProxyType(proxyType)
		proxies = append(proxies, &p)
	}
	return proxies, rows.Err()
}

func (r *ProxyRepoImpl) exec(ctx context.Context, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *ProxyRepoImpl) RecordSuccess(ctx context.Context, id int64, latency time.Duration) error {
	query := `
		UPDATE proxy_configurations SET
			success_count = success_count + 1,
			consecutive_failures = 0,
			last_latency_ms = $2
		WHERE id = $1;
	`
	return r.exec(ctx, query, id, latency.Milliseconds())
}

func (r *ProxyRepoImpl) RecordFailure(ctx context.Context, id int64) error {
	query := `
		UPDATE proxy_configurations SET
			failure_count = failure_count + 1,
			consecutive_failures = consecutive_failures + 1
		WHERE id = $1;
	`
	return r.exec(ctx, query, id)
}

func (r *ProxyRepoImpl) RecordHealthCheck(ctx context.Context, id int64, healthy bool, latency time.Duration, testedAt time.Time) error {
	if healthy {
		query := `
			UPDATE proxy_configurations SET
				consecutive_failures = 0,
				last_latency_ms = $2,
				last_tested_at = $3
			WHERE id = $1;
		`
		return r.exec(ctx, query, id, latency.Milliseconds(), testedAt)
	}
	query := `
		UPDATE proxy_configurations SET
			consecutive_failures = consecutive_failures + 1,
			last_tested_at = $2
		WHERE id = $1;
	`
	return r.exec(ctx, query, id, testedAt)
}

func (r *ProxyRepoImpl) Deactivate(ctx context.Context, id int64) error {
	return r.exec(ctx, `UPDATE proxy_configurations SET active = FALSE WHERE id = $1;`, id)
}
