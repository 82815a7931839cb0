package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/user/price-scraper-service/internal/entity"
	"github.com/user/price-scraper-service/internal/repository"
)

// ProxyRepo is a ProxyRepository backed by a map.
type ProxyRepo struct {
	mu   sync.RWMutex
	rows map[int64]*entity.Proxy
}

func NewProxyRepo(proxies ...*entity.Proxy) *ProxyRepo {
	r := &ProxyRepo{rows: make(map[int64]*entity.Proxy)}
	for _, p := range proxies {
		c := *p
		r.rows[p.ID] = &c
	}
	return r
}

func (r *ProxyRepo) ListActive(_ context.Context) ([]*entity.Proxy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*entity.Proxy
	for _, p := range r.rows {
		if p.Active {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Get returns a copy of a proxy row.
func (r *ProxyRepo) Get(id int64) (*entity.Proxy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.rows[id]
	if !ok {
		return nil, false
	}
	c := *p
	return &c, true
}

func (r *ProxyRepo) update(id int64, fn func(p *entity.Proxy)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	fn(p)
	return nil
}

func (r *ProxyRepo) RecordSuccess(_ context.Context, id int64, latency time.Duration) error {
	return r.update(id, func(p *entity.Proxy) {
		ms := latency.Milliseconds()
		p.SuccessCount++
		p.ConsecutiveFailures = 0
		p.LastLatencyMs = &ms
	})
}

func (r *ProxyRepo) RecordFailure(_ context.Context, id int64) error {
	return r.update(id, func(p *entity.Proxy) {
		p.FailureCount++
		p.ConsecutiveFailures++
	})
}

func (r *ProxyRepo) RecordHealthCheck(_ context.Context, id int64, healthy bool, latency time.Duration, testedAt time.Time) error {
	return r.update(id, func(p *entity.Proxy) {
		p.LastTestedAt = &testedAt
		if healthy {
			ms := latency.Milliseconds()
			p.ConsecutiveFailures = 0
			p.LastLatencyMs = &ms
			return
		}
		p.ConsecutiveFailures++
	})
}

func (r *ProxyRepo) Deactivate(_ context.Context, id int64) error {
	return r.update(id, func(p *entity.Proxy) { p.Active = false })
}
