package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceHistory mirrors the append-only `price_history` table.
type PriceHistory struct {
	ID          int64
	RunID       string
	MappingID   int64
	ProductID   int64
	SellerName  string
	Price       decimal.Decimal
	StockStatus string
	SourceURL   string
	CapturedAt  time.Time
}
