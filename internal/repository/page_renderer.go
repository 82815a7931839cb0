package repository

import (
	"context"

	"github.com/user/price-scraper-service/internal/entity"
)

// RenderRequest describes a page that needs a headless browser.
type RenderRequest struct {
	URL       string
	UserAgent string
	Headers   map[string]string
	Proxy     *entity.Proxy // nil for a direct connection
}

// PageRenderer loads a page in a browser and returns the rendered HTML and
// the main document's HTTP status.
type PageRenderer interface {
	Render(ctx context.Context, req RenderRequest) (html string, status int, err error)
}
