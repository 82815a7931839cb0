package repository

import (
	"context"
	"time"

	"github.com/user/price-scraper-service/internal/entity"
)

// ProxyRepository stores proxy configurations and their health counters.
// Counter updates must be single-row atomic increments.
type ProxyRepository interface {
	// ListActive returns active proxies in insertion order.
	ListActive(ctx context.Context) ([]*entity.Proxy, error)
	// RecordSuccess increments the success count, resets the failure streak and stores latency.
	RecordSuccess(ctx context.Context, id int64, latency time.Duration) error
	// RecordFailure increments the failure count and the failure streak.
	RecordFailure(ctx context.Context, id int64) error
	// RecordHealthCheck stamps last-tested-at. A healthy result resets the
	// failure streak and stores latency; an unhealthy one increments the streak.
	RecordHealthCheck(ctx context.Context, id int64, healthy bool, latency time.Duration, testedAt time.Time) error
	// Deactivate removes a proxy from the active set.
	Deactivate(ctx context.Context, id int64) error
}
