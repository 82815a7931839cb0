package entity

import "time"

// Mapping mirrors the `mappings` table: one (product, seller) scraping target.
type Mapping struct {
	ID                  int64
	ProductID           int64
	SellerName          string
	URL                 string
	Active              bool
	FrequencyMinutes    *int // overrides the default cadence when set
	SiteConfigID        *int64
	LastScrapedAt       *time.Time
	NextScrapeAt        *time.Time
	ConsecutiveFailures int
}

// EffectiveFrequency returns the mapping override, or fallback when none is set.
func (m *Mapping) EffectiveFrequency(fallback time.Duration) time.Duration {
	if m.FrequencyMinutes != nil && *m.FrequencyMinutes > 0 {
		return time.Duration(*m.FrequencyMinutes) * time.Minute
	}
	return fallback
}

// IsDue reports whether the mapping should be dispatched at now.
func (m *Mapping) IsDue(now time.Time) bool {
	if !m.Active {
		return false
	}
	return m.NextScrapeAt == nil || !m.NextScrapeAt.After(now)
}
