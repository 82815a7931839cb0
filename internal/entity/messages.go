package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// ScrapeCommand is published by the scheduler for every due mapping.
type ScrapeCommand struct {
	CommandID     string            `json:"command_id"`
	MappingID     int64             `json:"mapping_id"`
	ProductID     int64             `json:"product_id"`
	SellerName    string            `json:"seller_name"`
	URL           string            `json:"url"`
	Selectors     SelectorSet       `json:"selectors"`
	Locale        string            `json:"locale,omitempty"`
	RenderJS      bool              `json:"render_js,omitempty"`
	UserAgent     string            `json:"user_agent"`
	Headers       map[string]string `json:"headers,omitempty"`
	PreviousRunID string            `json:"previous_run_id,omitempty"`
	IssuedAt      time.Time         `json:"issued_at"`
}

// ExtractedFields are the values a selector set produced on a page.
type ExtractedFields struct {
	Name         string           `json:"name"`
	PriceText    string           `json:"price_text"`
	Price        *decimal.Decimal `json:"price,omitempty"`
	Stock        string           `json:"stock"`
	SellerOnPage string           `json:"seller_on_page,omitempty"`
}

// ScrapingResult reports the outcome of one command. It is never mutated
// after it is built.
type ScrapingResult struct {
	CommandID     string           `json:"command_id"`
	RunID         string           `json:"run_id"`
	MappingID     int64            `json:"mapping_id"`
	ProductID     int64            `json:"product_id"`
	Status        RunStatus        `json:"status"`
	Success       bool             `json:"success"`
	Fields        *ExtractedFields `json:"fields,omitempty"`
	ErrorCode     string           `json:"error_code,omitempty"`
	ErrorMessage  string           `json:"error_message,omitempty"`
	ErrorCategory ErrorCategory    `json:"error_category,omitempty"`
	HTTPStatus    int              `json:"http_status,omitempty"`
	TotalMs       int64            `json:"total_ms"`
	PageLoadMs    int64            `json:"page_load_ms"`
	ParseMs       int64            `json:"parse_ms"`
	ProxyID       *int64           `json:"proxy_id,omitempty"`
	CompletedAt   time.Time        `json:"completed_at"`
}

// RawPriceData is the unvalidated price observation emitted after a
// successful scrape.
type RawPriceData struct {
	RunID       string          `json:"run_id"`
	MappingID   int64           `json:"mapping_id"`
	ProductID   int64           `json:"product_id"`
	SellerName  string          `json:"seller_name"`
	Price       decimal.Decimal `json:"price"`
	StockStatus string          `json:"stock_status"`
	SourceURL   string          `json:"source_url"`
	ScrapedAt   time.Time       `json:"scraped_at"`
}

// PricePointRecorded is emitted once a price point has been persisted.
type PricePointRecorded struct {
	HistoryID   int64           `json:"history_id"`
	MappingID   int64           `json:"mapping_id"`
	ProductID   int64           `json:"product_id"`
	SellerName  string          `json:"seller_name"`
	Price       decimal.Decimal `json:"price"`
	StockStatus string          `json:"stock_status"`
	SourceURL   string          `json:"source_url"`
	CapturedAt  time.Time       `json:"captured_at"`
}
