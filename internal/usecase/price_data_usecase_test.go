package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/user/price-scraper-service/internal/adapter/memory"
	"github.com/user/price-scraper-service/internal/entity"
)

const recordedTopic = "pricedata.recorded"

type priceFixture struct {
	processor *priceDataUseCase
	history   *memory.PriceHistoryRepo
	bus       *memory.Bus
}

func newPriceFixture(window time.Duration) *priceFixture {
	f := &priceFixture{
		history: memory.NewPriceHistoryRepo(),
		bus:     memory.NewBus(10*time.Millisecond, time.Minute),
	}
	f.processor = NewPriceDataProcessor(f.history, memory.NewProductRepo(10), memory.NewDedupRepo(), f.bus,
		PriceDataConfig{DuplicateWindow: window, RecordedTopic: recordedTopic}, zap.NewNop()).(*priceDataUseCase)
	return f
}

func rawPrice(runID, price string) *entity.RawPriceData {
	return &entity.RawPriceData{
		RunID:       runID,
		MappingID:   1,
		ProductID:   10,
		SellerName:  "Acme",
		Price:       decimal.RequireFromString(price),
		StockStatus: "Auf Lager",
		SourceURL:   "https://shop.example.com/p",
		ScrapedAt:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestProcessRecordsValidPrice(t *testing.T) {
	f := newPriceFixture(10 * time.Minute)

	outcome, err := f.processor.Process(context.Background(), rawPrice("run-1", "19.99"))
	if err != nil || outcome != OutcomeRecorded {
		t.Fatalf("Process = %s, %v", outcome, err)
	}

	rows, _ := f.history.ListByMapping(context.Background(), 1, 10)
	if len(rows) != 1 {
		t.Fatalf("history rows = %d, want 1", len(rows))
	}
	if rows[0].StockStatus != StockInStock || !rows[0].Price.Equal(decimal.RequireFromString("19.99")) {
		t.Errorf("row = %+v", rows[0])
	}

	events := f.bus.Drain(recordedTopic)
	if len(events) != 1 {
		t.Fatalf("recorded events = %d, want 1", len(events))
	}
	var ev entity.PricePointRecorded
	if err := json.Unmarshal(events[0], &ev); err != nil {
		t.Fatal(err)
	}
	if ev.HistoryID != rows[0].ID || ev.SellerName != "Acme" {
		t.Errorf("event = %+v", ev)
	}
}

func TestProcessRejectsInvalidData(t *testing.T) {
	tests := []struct {
		name string
		edit func(r *entity.RawPriceData)
	}{
		{"zero price", func(r *entity.RawPriceData) { r.Price = decimal.Zero }},
		{"negative price", func(r *entity.RawPriceData) { r.Price = decimal.RequireFromString("-5") }},
		{"blank seller", func(r *entity.RawPriceData) { r.SellerName = "   " }},
		{"unknown product", func(r *entity.RawPriceData) { r.ProductID = 99 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPriceFixture(10 * time.Minute)
			raw := rawPrice("run-1", "19.99")
			tt.edit(raw)

			outcome, err := f.processor.Process(context.Background(), raw)
			if err != nil || outcome != OutcomeRejected {
				t.Fatalf("Process = %s, %v", outcome, err)
			}
			if f.history.Len() != 0 {
				t.Errorf("rejected data was stored")
			}
			if f.bus.Ready(recordedTopic) != 0 {
				t.Errorf("rejected data was published")
			}
		})
	}
}

func TestProcessSkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newPriceFixture(10 * time.Minute)

	if _, err := f.processor.Process(ctx, rawPrice("run-1", "19.90")); err != nil {
		t.Fatal(err)
	}
	outcome, err := f.processor.Process(ctx, rawPrice("run-2", "19.9"))
	if err != nil || outcome != OutcomeDuplicate {
		t.Errorf("same price within window = %s, %v", outcome, err)
	}
	outcome, _ = f.processor.Process(ctx, rawPrice("run-3", "18.50"))
	if outcome != OutcomeRecorded {
		t.Errorf("new price = %s", outcome)
	}
	if f.history.Len() != 2 {
		t.Errorf("history rows = %d, want 2", f.history.Len())
	}
}

func TestProcessSameRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newPriceFixture(0)

	_, _ = f.processor.Process(ctx, rawPrice("run-1", "19.99"))
	outcome, err := f.processor.Process(ctx, rawPrice("run-1", "19.99"))
	if err != nil || outcome != OutcomeDuplicate {
		t.Errorf("redelivered run = %s, %v", outcome, err)
	}
	if f.history.Len() != 1 {
		t.Errorf("history rows = %d, want 1", f.history.Len())
	}
}

type failingHistory struct{ memory.PriceHistoryRepo }

func (*failingHistory) Insert(context.Context, *entity.PriceHistory) (bool, error) {
	return false, errors.New("connection lost")
}

func TestProcessReleasesGuardWhenInsertFails(t *testing.T) {
	ctx := context.Background()
	f := newPriceFixture(10 * time.Minute)
	good := f.processor.history
	f.processor.history = &failingHistory{}

	if _, err := f.processor.Process(ctx, rawPrice("run-1", "19.99")); err == nil {
		t.Fatal("expected infrastructure error")
	}

	f.processor.history = good
	outcome, err := f.processor.Process(ctx, rawPrice("run-1", "19.99"))
	if err != nil || outcome != OutcomeRecorded {
		t.Errorf("retry after failed insert = %s, %v", outcome, err)
	}
}

func TestNormalizeStock(t *testing.T) {
	tests := map[string]string{
		"In Stock":               StockInStock,
		"Auf Lager":              StockInStock,
		"en stock":               StockInStock,
		"Currently unavailable":  StockOutOfStock,
		"Nicht verfügbar":        StockOutOfStock,
		"Épuisé":                 StockOutOfStock,
		"Only 3 left in stock":   StockLimited,
		"Pre-order now":          StockPreOrder,
		"out_of_stock":           StockOutOfStock,
		"  Ships in 2 weeks ":    "Ships in 2 weeks",
		"":                       "",
		"Not in stock":           StockOutOfStock,
		"Currently not in stock": StockOutOfStock,
		"No longer in stock":     StockOutOfStock,
		"Nicht auf Lager":        StockOutOfStock,
		"No disponible":          StockOutOfStock,
		"Niet op voorraad":       StockOutOfStock,
		"Pas en stock":           StockOutOfStock,
		"Sofort lieferbar":       StockInStock,
		"Instockable":            "Instockable",
		"Disponible ahora":       StockInStock,
	}
	for in, want := range tests {
		if got := NormalizeStock(in); got != want {
			t.Errorf("NormalizeStock(%q) = %q, want %q", in, got, want)
		}
	}
}
