package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/user/price-scraper-service/internal/entity"
)

// PriceHistoryRepoImpl provides a concrete implementation for the PriceHistoryRepository interface using PostgreSQL.
type PriceHistoryRepoImpl struct {
	db *pgxpool.Pool
}

// NewPriceHistoryRepo creates a new instance of PriceHistoryRepoImpl.
func NewPriceHistoryRepo(db *pgxpool.Pool) *PriceHistoryRepoImpl {
	return &PriceHistoryRepoImpl{db: db}
}

// Insert appends a price point. A redelivered event for an already recorded
// run hits the run_id unique key and is skipped.
func (r *PriceHistoryRepoImpl) Insert(ctx context.Context, h *entity.PriceHistory) (bool, error) {
	query := `
		INSERT INTO price_history (run_id, mapping_id, product_id, seller_name, price, stock_status, source_url, captured_at)
		VALUES (NULLIF($1, '')::uuid, $2, $3, $4, $5::numeric, $6, $7, $8)
		ON CONFLICT (run_id) DO NOTHING
		RETURNING id;
	`
	err := r.db.QueryRow(ctx, query,
		h.RunID,
		h.MappingID,
		h.ProductID,
		h.SellerName,
		h.Price.String(),
		h.StockStatus,
		h.SourceURL,
		h.CapturedAt,
	).Scan(&h.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *PriceHistoryRepoImpl) ListByMapping(ctx context.Context, mappingID int64, limit int) ([]*entity.PriceHistory, error) {
	query := `
		SELECT id, COALESCE(run_id::text, ''), mapping_id, product_id, seller_name, price::text, stock_status, source_url, captured_at
		FROM price_history
		WHERE mapping_id = $1
		ORDER BY captured_at DESC, id DESC
		LIMIT $2;
	`
	rows, err := r.db.Query(ctx, query, mappingID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*entity.PriceHistory
	for rows.Next() {
		var (
			h     entity.PriceHistory
			price string
		)
		if err := rows.Scan(&h.ID, &h.RunID, &h.MappingID, &h.ProductID, &h.SellerName, &price, &h.StockStatus, &h.SourceURL, &h.CapturedAt); err != nil {
			return nil, err
		}
		if h.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("decode price of history row %d: %w", h.ID, err)
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}
