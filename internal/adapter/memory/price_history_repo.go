package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/user/price-scraper-service/internal/entity"
)

// PriceHistoryRepo is an append-only PriceHistoryRepository.
type PriceHistoryRepo struct {
	mu     sync.RWMutex
	nextID int64
	rows   []*entity.PriceHistory
	byRun  map[string]int64
}

func NewPriceHistoryRepo() *PriceHistoryRepo {
	return &PriceHistoryRepo{byRun: make(map[string]int64)}
}

func (r *PriceHistoryRepo) Insert(_ context.Context, h *entity.PriceHistory) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h.RunID != "" {
		if _, ok := r.byRun[h.RunID]; ok {
			return false, nil
		}
	}
	r.nextID++
	h.ID = r.nextID
	c := *h
	r.rows = append(r.rows, &c)
	if h.RunID != "" {
		r.byRun[h.RunID] = h.ID
	}
	return true, nil
}

func (r *PriceHistoryRepo) ListByMapping(_ context.Context, mappingID int64, limit int) ([]*entity.PriceHistory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*entity.PriceHistory
	for _, h := range r.rows {
		if h.MappingID == mappingID {
			c := *h
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored rows.
func (r *PriceHistoryRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rows)
}

const (
	dedupCapacity = 100000
	dedupMaxTTL   = 24 * time.Hour
)

// DedupRepo is a DedupRepository over an expirable LRU. Entries keep their
// own deadline so callers may use different windows.
type DedupRepo struct {
	mu    sync.Mutex
	cache *lru.LRU[string, time.Time]
	now   func() time.Time
}

func NewDedupRepo() *DedupRepo {
	return &DedupRepo{
		cache: lru.NewLRU[string, time.Time](dedupCapacity, nil, dedupMaxTTL),
		now:   time.Now,
	}
}

func (r *DedupRepo) MarkIfAbsent(_ context.Context, key string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if until, ok := r.cache.Get(key); ok && now.Before(until) {
		return false, nil
	}
	r.cache.Add(key, now.Add(ttl))
	return true, nil
}

func (r *DedupRepo) Release(_ context.Context, key string) error {
	r.mu.Lock()
	r.cache.Remove(key)
	r.mu.Unlock()
	return nil
}
