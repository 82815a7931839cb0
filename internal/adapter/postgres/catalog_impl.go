package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/price-scraper-service/internal/entity"
	"github.com/user/price-scraper-service/internal/repository"
)

const mappingColumns = `id, product_id, seller_name, url, active, frequency_minutes, site_config_id,
	last_scraped_at, next_scrape_at, consecutive_failures`

// MappingRepoImpl provides a concrete implementation for the MappingRepository interface using PostgreSQL.
type MappingRepoImpl struct {
	db *pgxpool.Pool
}

// NewMappingRepo creates a new instance of MappingRepoImpl.
func NewMappingRepo(db *pgxpool.Pool) *MappingRepoImpl {
	return &MappingRepoImpl{db: db}
}

func scanMapping(row pgx.Row) (*entity.Mapping, error) {
	var m entity.Mapping
	err := row.Scan(
		&m.ID,
		&m.ProductID,
		&m.SellerName,
		&m.URL,
		&m.Active,
		&m.FrequencyMinutes,
		&m.SiteConfigID,
		&m.LastScrapedAt,
		&m.NextScrapeAt,
		&m.ConsecutiveFailures,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// FindDue retrieves a batch of active mappings whose next scrape time has elapsed or was never set.
func (r *MappingRepoImpl) FindDue(ctx context.Context, now time.Time, limit int) ([]*entity.Mapping, error) {
	query := `
		SELECT ` + mappingColumns + `
		FROM mappings
		WHERE active AND (next_scrape_at IS NULL OR next_scrape_at <= $1)
		ORDER BY next_scrape_at ASC NULLS FIRST, id ASC
		LIMIT $2;
	`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []*entity.Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, m)
	}
	return due, rows.Err()
}

func (r *MappingRepoImpl) Get(ctx context.Context, id int64) (*entity.Mapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM mappings WHERE id = $1;`
	m, err := scanMapping(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapNotFound(err)
	}
	return m, nil
}

func (r *MappingRepoImpl) exec(ctx context.Context, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *MappingRepoImpl) Reschedule(ctx context.Context, id int64, next time.Time) error {
	return r.exec(ctx, `UPDATE mappings SET next_scrape_at = $2 WHERE id = $1;`, id, next)
}

func (r *MappingRepoImpl) RecordSuccess(ctx context.Context, id int64, scrapedAt, next time.Time) error {
	query := `
		UPDATE mappings SET
			last_scraped_at = $2,
			next_scrape_at = $3,
			consecutive_failures = 0
		WHERE id = $1;
	`
	return r.exec(ctx, query, id, scrapedAt, next)
}

func (r *MappingRepoImpl) RecordFailure(ctx context.Context, id int64, failures int, next time.Time) error {
	query := `
		UPDATE mappings SET
			next_scrape_at = $3,
			consecutive_failures = $2
		WHERE id = $1;
	`
	return r.exec(ctx, query, id, failures, next)
}

// SiteConfigRepoImpl reads site configurations from PostgreSQL.
type SiteConfigRepoImpl struct {
	db *pgxpool.Pool
}

func NewSiteConfigRepo(db *pgxpool.Pool) *SiteConfigRepoImpl {
	return &SiteConfigRepoImpl{db: db}
}

const siteConfigColumns = `id, domain, name_selector, price_selector, stock_selector, seller_selector, locale, render_js`

func scanSiteConfig(row pgx.Row) (*entity.SiteConfiguration, error) {
	var c entity.SiteConfiguration
	err := row.Scan(
		&c.ID,
		&c.Domain,
		&c.Selectors.Name,
		&c.Selectors.Price,
		&c.Selectors.Stock,
		&c.Selectors.Seller,
		&c.Locale,
		&c.RenderJS,
	)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &c, nil
}

func (r *SiteConfigRepoImpl) Get(ctx context.Context, id int64) (*entity.SiteConfiguration, error) {
	query := `SELECT ` + siteConfigColumns + ` FROM site_configurations WHERE id = $1;`
	return scanSiteConfig(r.db.QueryRow(ctx, query, id))
}

func (r *SiteConfigRepoImpl) FindByDomain(ctx context.Context, domain string) (*entity.SiteConfiguration, error) {
	domain = strings.TrimPrefix(strings.ToLower(domain), "www.")
	query := `
		SELECT ` + siteConfigColumns + `
		FROM site_configurations
		WHERE lower(domain) IN ($1, 'www.' || $1)
		ORDER BY id
		LIMIT 1;
	`
	return scanSiteConfig(r.db.QueryRow(ctx, query, domain))
}

// ProductRepoImpl checks product existence in PostgreSQL.
type ProductRepoImpl struct {
	db *pgxpool.Pool
}

func NewProductRepo(db *pgxpool.Pool) *ProductRepoImpl {
	return &ProductRepoImpl{db: db}
}

func (r *ProductRepoImpl) Exists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1);`, id).Scan(&exists)
	return exists, err
}
