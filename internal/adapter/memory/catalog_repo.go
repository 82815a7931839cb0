// Package memory holds in-process implementations of the repository
// contracts, used by tests and by the single-binary development mode.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/user/price-scraper-service/internal/entity"
	"github.com/user/price-scraper-service/internal/repository"
)

// MappingRepo is a MappingRepository backed by a map.
type MappingRepo struct {
	mu   sync.RWMutex
	rows map[int64]*entity.Mapping
}

func NewMappingRepo(mappings ...*entity.Mapping) *MappingRepo {
	r := &MappingRepo{rows: make(map[int64]*entity.Mapping)}
	for _, m := range mappings {
		r.Put(m)
	}
	return r
}

// Put inserts or replaces a mapping.
func (r *MappingRepo) Put(m *entity.Mapping) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *m
	r.rows[m.ID] = &c
}

func (r *MappingRepo) FindDue(_ context.Context, now time.Time, limit int) ([]*entity.Mapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var due []*entity.Mapping
	for _, m := range r.rows {
		if m.IsDue(now) {
			c := *m
			due = append(due, &c)
		}
	}
	// Never-scheduled first, then oldest due.
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i].NextScrapeAt, due[j].NextScrapeAt
		switch {
		case a == nil && b == nil:
			return due[i].ID < due[j].ID
		case a == nil:
			return true
		case b == nil:
			return false
		case a.Equal(*b):
			return due[i].ID < due[j].ID
		}
		return a.Before(*b)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *MappingRepo) Get(_ context.Context, id int64) (*entity.Mapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *m
	return &c, nil
}

func (r *MappingRepo) update(id int64, fn func(m *entity.Mapping)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	fn(m)
	return nil
}

func (r *MappingRepo) Reschedule(_ context.Context, id int64, next time.Time) error {
	return r.update(id, func(m *entity.Mapping) { m.NextScrapeAt = &next })
}

func (r *MappingRepo) RecordSuccess(_ context.Context, id int64, scrapedAt, next time.Time) error {
	return r.update(id, func(m *entity.Mapping) {
		m.LastScrapedAt = &scrapedAt
		m.NextScrapeAt = &next
		m.ConsecutiveFailures = 0
	})
}

func (r *MappingRepo) RecordFailure(_ context.Context, id int64, failures int, next time.Time) error {
	return r.update(id, func(m *entity.Mapping) {
		m.NextScrapeAt = &next
		m.ConsecutiveFailures = failures
	})
}

// SiteConfigRepo is a SiteConfigRepository backed by a map.
type SiteConfigRepo struct {
	mu   sync.RWMutex
	rows map[int64]*entity.SiteConfiguration
}

func NewSiteConfigRepo(configs ...*entity.SiteConfiguration) *SiteConfigRepo {
	r := &SiteConfigRepo{rows: make(map[int64]*entity.SiteConfiguration)}
	for _, c := range configs {
		cp := *c
		r.rows[c.ID] = &cp
	}
	return r
}

func (r *SiteConfigRepo) Get(_ context.Context, id int64) (*entity.SiteConfiguration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *SiteConfigRepo) FindByDomain(_ context.Context, domain string) (*entity.SiteConfiguration, error) {
	domain = strings.TrimPrefix(strings.ToLower(domain), "www.")
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.rows {
		if strings.TrimPrefix(strings.ToLower(c.Domain), "www.") == domain {
			cp := *c
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

// ProductRepo is a ProductRepository over a fixed id set.
type ProductRepo struct {
	mu  sync.RWMutex
	ids map[int64]struct{}
}

func NewProductRepo(ids ...int64) *ProductRepo {
	r := &ProductRepo{ids: make(map[int64]struct{})}
	for _, id := range ids {
		r.ids[id] = struct{}{}
	}
	return r
}

func (r *ProductRepo) Add(id int64) {
	r.mu.Lock()
	r.ids[id] = struct{}{}
	r.mu.Unlock()
}

func (r *ProductRepo) Exists(_ context.Context, id int64) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ids[id]
	return ok, nil
}
