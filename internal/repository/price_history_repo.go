package repository

import (
	"context"
	"time"

	"github.com/user/price-scraper-service/internal/entity"
)

// PriceHistoryRepository appends accepted price points.
type PriceHistoryRepository interface {
	// Insert appends a row and fills its ID. It returns false without error
	// when a row for the same run already exists.
	Insert(ctx context.Context, h *entity.PriceHistory) (bool, error)
	// ListByMapping returns the newest rows of a mapping first.
	ListByMapping(ctx context.Context, mappingID int64, limit int) ([]*entity.PriceHistory, error)
}

// DedupRepository guards against recording the same observation twice in a window.
type DedupRepository interface {
	// MarkIfAbsent claims key for ttl. It returns false if the key is already claimed.
	MarkIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops a claim, used when the guarded write did not happen.
	Release(ctx context.Context, key string) error
}
