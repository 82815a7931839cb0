package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html/charset"
	"golang.org/x/time/rate"

	"github.com/user/price-scraper-service/internal/entity"
	"github.com/user/price-scraper-service/internal/proxy"
	"github.com/user/price-scraper-service/internal/repository"
	"github.com/user/price-scraper-service/pkg/metrics"
	"github.com/user/price-scraper-service/pkg/utils"
)

// ProxySelector is the part of the proxy pool the fetcher needs.
type ProxySelector interface {
	Select(ctx context.Context, exclude ...int64) (*entity.Proxy, error)
	RecordSuccess(ctx context.Context, id int64, latency time.Duration) error
	RecordFailure(ctx context.Context, id int64) error
}

type FetcherConfig struct {
	UseProxies     bool
	MaxAttempts    int
	RetryDelay     time.Duration
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	DomainRate     float64 // requests per second per domain, 0 disables
	DomainBurst    int
}

func (c *FetcherConfig) defaults() {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 10 << 20
	}
	if c.DomainBurst < 1 {
		c.DomainBurst = 1
	}
}

// CommandBudget is the longest a Fetch call can take with this config.
func (c FetcherConfig) CommandBudget() time.Duration {
	c.defaults()
	return time.Duration(c.MaxAttempts) * (c.RequestTimeout + c.RetryDelay)
}

type Request struct {
	URL       string
	UserAgent string
	Headers   map[string]string
	RenderJS  bool
}

type Response struct {
	Body       string
	StatusCode int
	ProxyID    *int64
	Attempts   int
	PageLoad   time.Duration
}

// Fetcher downloads pages through the proxy pool, retrying on a different
// proxy after each failed attempt.
type Fetcher struct {
	cfg        FetcherConfig
	pool       ProxySelector
	transports proxy.RoundTripperProvider
	renderer   repository.PageRenderer
	limiter    *domainLimiter
	logger     *zap.Logger
}

// NewFetcher creates a Fetcher. pool may be nil when proxies are disabled
// and renderer may be nil when no browser is available.
func NewFetcher(cfg FetcherConfig, pool ProxySelector, transports proxy.RoundTripperProvider, renderer repository.PageRenderer, logger *zap.Logger) *Fetcher {
	cfg.defaults()
	if pool == nil {
		cfg.UseProxies = false
	}
	return &Fetcher{
		cfg:        cfg,
		pool:       pool,
		transports: transports,
		renderer:   renderer,
		limiter:    newDomainLimiter(cfg.DomainRate, cfg.DomainBurst),
		logger:     logger.Named("fetcher"),
	}
}

// Fetch returns the page body or a *entity.ScrapeError describing the last
// failed attempt.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	domain := utils.Domain(req.URL)
	var (
		tried   []int64
		lastErr error
	)

	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, f.cfg.RetryDelay); err != nil {
				return nil, contextError(err)
			}
		}

		var p *entity.Proxy
		if f.cfg.UseProxies {
			selected, err := f.selectProxy(ctx, &tried, req.RenderJS && f.renderer != nil)
			if err != nil {
				if lastErr != nil {
					return nil, lastErr
				}
				if errors.Is(err, proxy.ErrPoolExhausted) {
					return nil, entity.NewScrapeError(entity.CategoryPoolExhausted, "", 0, err)
				}
				return nil, entity.NewScrapeError(entity.CategoryNetwork, "PROXY_SELECT", 0, err)
			}
			p = selected
		}

		if err := f.limiter.Wait(ctx, domain); err != nil {
			return nil, contextError(err)
		}

		start := time.Now()
		body, status, timedOut, err := f.attempt(ctx, req, p, f.cfg.MaxAttempts-attempt+1)
		elapsed := time.Since(start)

		if ctx.Err() != nil {
			// Shutdown or command deadline. The proxy is only charged when its
			// own attempt timer fired first.
			if timedOut {
				f.record(context.WithoutCancel(ctx), p, false, elapsed)
				metrics.FetchAttemptsTotal.WithLabelValues(string(entity.CategoryTimeout)).Inc()
			}
			return nil, contextError(ctx.Err())
		}

		serr := classify(err, status)
		if serr == nil {
			f.record(ctx, p, true, elapsed)
			metrics.FetchAttemptsTotal.WithLabelValues("success").Inc()
			resp := &Response{Body: body, StatusCode: status, Attempts: attempt, PageLoad: elapsed}
			if p != nil {
				id := p.ID
				resp.ProxyID = &id
			}
			return resp, nil
		}

		if status == http.StatusNotFound || status == http.StatusGone {
			f.record(ctx, p, true, elapsed)
			metrics.FetchAttemptsTotal.WithLabelValues("not_found").Inc()
			return nil, serr
		}

		f.record(ctx, p, false, elapsed)
		metrics.FetchAttemptsTotal.WithLabelValues(string(serr.Category)).Inc()
		f.logger.Debug("fetch attempt failed",
			zap.String("url", req.URL),
			zap.Int("attempt", attempt),
			zap.Stringer("proxy", p),
			zap.String("category", string(serr.Category)),
			zap.Error(err),
		)
		lastErr = serr
	}
	return nil, lastErr
}

func (f *Fetcher) record(ctx context.Context, p *entity.Proxy, ok bool, latency time.Duration) {
	if p == nil {
		return
	}
	var err error
	if ok {
		err = f.pool.RecordSuccess(ctx, p.ID, latency)
	} else {
		err = f.pool.RecordFailure(ctx, p.ID)
	}
	if err != nil {
		f.logger.Warn("failed to record proxy outcome", zap.Int64("proxy_id", p.ID), zap.Error(err))
	}
}

// selectProxy picks a proxy not yet tried in this call and adds it to tried.
// Chrome cannot answer proxy auth from a flag, so proxies with credentials are
// passed over on the render path without counting against them.
func (f *Fetcher) selectProxy(ctx context.Context, tried *[]int64, render bool) (*entity.Proxy, error) {
	for {
		p, err := f.pool.Select(ctx, *tried...)
		if err != nil {
			return nil, err
		}
		*tried = append(*tried, p.ID)
		if render && p.HasCredentials() {
			continue
		}
		return p, nil
	}
}

// attemptTimeout is the proxy's own timeout capped to a fair share of what
// is left of the caller's deadline, so a slow proxy cannot use up the time
// reserved for the remaining attempts.
func (f *Fetcher) attemptTimeout(ctx context.Context, p *entity.Proxy, remaining int) time.Duration {
	timeout := f.cfg.RequestTimeout
	if p != nil {
		timeout = p.Timeout(timeout)
	}
	deadline, ok := ctx.Deadline()
	if !ok || remaining < 1 {
		return timeout
	}
	left := time.Until(deadline) - time.Duration(remaining-1)*f.cfg.RetryDelay
	if share := left / time.Duration(remaining); share > 0 && share < timeout {
		return share
	}
	return timeout
}

// attempt runs one request. timedOut reports that the attempt's own timer
// expired before the caller's context did.
func (f *Fetcher) attempt(ctx context.Context, req Request, p *entity.Proxy, remaining int) (body string, status int, timedOut bool, err error) {
	timeout := f.attemptTimeout(ctx, p, remaining)
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	attemptDeadline, _ := actx.Deadline()
	defer func() {
		if !errors.Is(actx.Err(), context.DeadlineExceeded) {
			return
		}
		parent, ok := ctx.Deadline()
		timedOut = ctx.Err() == nil || (ok && attemptDeadline.Before(parent))
	}()

	if req.RenderJS && f.renderer != nil {
		body, status, err = f.renderer.Render(actx, repository.RenderRequest{
			URL:       req.URL,
			UserAgent: req.UserAgent,
			Headers:   req.Headers,
			Proxy:     p,
		})
		return body, status, false, err
	}

	body, status, err = f.get(actx, req, p)
	return body, status, false, err
}

func (f *Fetcher) get(actx context.Context, req Request, p *entity.Proxy) (string, int, error) {
	rt, err := f.transports.RoundTripper(p)
	if err != nil {
		return "", 0, err
	}
	httpReq, err := http.NewRequestWithContext(actx, http.MethodGet, req.URL, nil)
	if err != nil {
		return "", 0, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.UserAgent != "" {
		httpReq.Header.Set("User-Agent", req.UserAgent)
	}

	client := &http.Client{Transport: rt}
	resp, err := client.Do(httpReq)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	reader, err := charset.NewReader(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes), resp.Header.Get("Content-Type"))
	if err != nil {
		return "", resp.StatusCode, err
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return "", resp.StatusCode, err
	}
	return string(body), resp.StatusCode, nil
}

// classify maps an attempt outcome to a ScrapeError, or nil on a 2xx response.
func classify(err error, status int) *entity.ScrapeError {
	if err != nil {
		var netErr net.Error
		var dnsErr *net.DNSError
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return entity.NewScrapeError(entity.CategoryTimeout, "REQUEST_TIMEOUT", status, err)
		case errors.As(err, &dnsErr):
			return entity.NewScrapeError(entity.CategoryNetwork, "DNS_ERROR", status, err)
		case errors.As(err, &netErr) && netErr.Timeout():
			return entity.NewScrapeError(entity.CategoryTimeout, "REQUEST_TIMEOUT", status, err)
		default:
			return entity.NewScrapeError(entity.CategoryNetwork, "NETWORK_ERROR", status, err)
		}
	}
	if status >= 200 && status < 300 {
		return nil
	}
	code := fmt.Sprintf("HTTP_%d", status)
	statusErr := fmt.Errorf("unexpected status %d", status)
	if status == http.StatusForbidden || status == http.StatusTooManyRequests {
		return entity.NewScrapeError(entity.CategoryBlocked, code, status, statusErr)
	}
	return entity.NewScrapeError(entity.CategoryHTTPStatus, code, status, statusErr)
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return entity.NewScrapeError(entity.CategoryTimeout, "COMMAND_TIMEOUT", 0, err)
	}
	return entity.NewScrapeError(entity.CategoryCancelled, "", 0, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// domainLimiter keeps one token bucket per target domain.
type domainLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newDomainLimiter(perSecond float64, burst int) *domainLimiter {
	if perSecond <= 0 {
		return nil
	}
	return &domainLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (d *domainLimiter) Wait(ctx context.Context, domain string) error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	l, ok := d.limiters[domain]
	if !ok {
		l = rate.NewLimiter(d.limit, d.burst)
		d.limiters[domain] = l
	}
	d.mu.Unlock()
	return l.Wait(ctx)
}
