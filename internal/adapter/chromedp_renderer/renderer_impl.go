package chromedp_renderer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/user/price-scraper-service/internal/repository"
)

// ChromedpRenderer renders pages with headless Chrome for sites whose prices
// are filled in by JavaScript.
type ChromedpRenderer struct {
	logger  *zap.Logger
	timeout time.Duration
	slots   chan struct{}
}

// NewChromedpRenderer creates a renderer that runs at most maxConcurrency browsers at once.
func NewChromedpRenderer(maxConcurrency int, pageLoadTimeout time.Duration, logger *zap.Logger) *ChromedpRenderer {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &ChromedpRenderer{
		logger:  logger.Named("chromedp"),
		timeout: pageLoadTimeout,
		slots:   make(chan struct{}, maxConcurrency),
	}
}

func (c *ChromedpRenderer) allocatorOptions(req repository.RenderRequest) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if req.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(req.UserAgent))
	}
	if req.Proxy != nil {
		// Chrome takes credentials through an auth challenge, not the flag,
		// so only the scheme and address are passed here.
		u := req.Proxy.URL()
		u.User = nil
		opts = append(opts, chromedp.ProxyServer(u.String()))
	}
	return opts
}

// Render loads the URL, waits for the body and returns the outer HTML and the
// status of the main document response.
func (c *ChromedpRenderer) Render(ctx context.Context, req repository.RenderRequest) (string, int, error) {
	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return "", 0, ctx.Err()
	}
	defer func() { <-c.slots }()

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, c.allocatorOptions(req)...)
	defer cancelAlloc()

	taskCtx, cancelTask := chromedp.NewContext(allocCtx, chromedp.WithLogf(c.logger.Sugar().Debugf))
	defer cancelTask()

	taskCtx, cancelTimeout := context.WithTimeout(taskCtx, c.timeout)
	defer cancelTimeout()

	var (
		mu     sync.Mutex
		status int
	)
	chromedp.ListenTarget(taskCtx, func(ev interface{}) {
		if resp, ok := ev.(*network.EventResponseReceived); ok && resp.Type == network.ResourceTypeDocument {
			mu.Lock()
			if status == 0 {
				status = int(resp.Response.Status)
			}
			mu.Unlock()
		}
	})

	headers := network.Headers{}
	for k, v := range req.Headers {
		headers[k] = v
	}

	var html string
	startTime := time.Now()
	err := chromedp.Run(taskCtx,
		network.Enable(),
		network.SetExtraHTTPHeaders(headers),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			return "", 0, fmt.Errorf("render %s: %w", req.URL, context.DeadlineExceeded)
		}
		return "", 0, fmt.Errorf("render %s: %w", req.URL, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if status == 0 {
		status = 200
	}
	c.logger.Debug("rendered page",
		zap.String("url", req.URL),
		zap.Int("status", status),
		zap.Int64("duration_ms", time.Since(startTime).Milliseconds()),
	)
	return html, status, nil
}
