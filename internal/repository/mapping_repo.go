package repository

import (
	"context"
	"time"

	"github.com/user/price-scraper-service/internal/entity"
)

// MappingRepository reads mappings and updates their scheduling timestamps.
// Mappings themselves are owned by the catalog.
type MappingRepository interface {
	// FindDue returns active mappings whose next scrape time is unset or not after now.
	FindDue(ctx context.Context, now time.Time, limit int) ([]*entity.Mapping, error)
	// Get returns a mapping by id, or ErrNotFound.
	Get(ctx context.Context, id int64) (*entity.Mapping, error)
	// Reschedule sets next-scrape-at without touching the other fields.
	Reschedule(ctx context.Context, id int64, next time.Time) error
	// RecordSuccess stamps last-scraped-at, clears the failure streak and sets next-scrape-at.
	RecordSuccess(ctx context.Context, id int64, scrapedAt, next time.Time) error
	// RecordFailure stores the failure streak and sets next-scrape-at.
	RecordFailure(ctx context.Context, id int64, consecutiveFailures int, next time.Time) error
}

// SiteConfigRepository resolves the selector set for a mapping.
type SiteConfigRepository interface {
	Get(ctx context.Context, id int64) (*entity.SiteConfiguration, error)
	// FindByDomain matches a host with or without a leading "www.".
	FindByDomain(ctx context.Context, domain string) (*entity.SiteConfiguration, error)
}

// ProductRepository is the catalog lookup used to validate price data.
type ProductRepository interface {
	Exists(ctx context.Context, id int64) (bool, error)
}
