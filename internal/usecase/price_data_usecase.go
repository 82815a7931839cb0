package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/user/price-scraper-service/internal/entity"
	"github.com/user/price-scraper-service/internal/repository"
	"github.com/user/price-scraper-service/pkg/metrics"
)

// Outcome is what happened to a raw price observation.
type Outcome string

const (
	OutcomeRecorded  Outcome = "recorded"
	OutcomeRejected  Outcome = "rejected"
	OutcomeDuplicate Outcome = "duplicate"
)

// PriceDataProcessor validates raw price observations and appends accepted
// ones to the price history.
type PriceDataProcessor interface {
	// Process returns an error only for infrastructure failures. Invalid
	// data is dropped with OutcomeRejected and a nil error.
	Process(ctx context.Context, raw *entity.RawPriceData) (Outcome, error)
}

type PriceDataConfig struct {
	DuplicateWindow time.Duration // 0 disables the duplicate guard
	RecordedTopic   string
}

type priceDataUseCase struct {
	history   repository.PriceHistoryRepository
	products  repository.ProductRepository
	dedup     repository.DedupRepository
	publisher repository.Publisher
	cfg       PriceDataConfig
	logger    *zap.Logger
	now       func() time.Time
}

func NewPriceDataProcessor(
	history repository.PriceHistoryRepository,
	products repository.ProductRepository,
	dedup repository.DedupRepository,
	publisher repository.Publisher,
	cfg PriceDataConfig,
	logger *zap.Logger,
) PriceDataProcessor {
	return &priceDataUseCase{
		history:   history,
		products:  products,
		dedup:     dedup,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.Named("price_data"),
		now:       time.Now,
	}
}

func (uc *priceDataUseCase) Process(ctx context.Context, raw *entity.RawPriceData) (Outcome, error) {
	if reason := validate(raw); reason != "" {
		return uc.reject(raw, reason), nil
	}
	exists, err := uc.products.Exists(ctx, raw.ProductID)
	if err != nil {
		return "", fmt.Errorf("look up product %d: %w", raw.ProductID, err)
	}
	if !exists {
		return uc.reject(raw, "unknown product"), nil
	}

	key := fmt.Sprintf("%d|%s", raw.MappingID, raw.Price.String())
	if uc.cfg.DuplicateWindow > 0 {
		fresh, err := uc.dedup.MarkIfAbsent(ctx, key, uc.cfg.DuplicateWindow)
		if err != nil {
			return "", fmt.Errorf("duplicate guard for mapping %d: %w", raw.MappingID, err)
		}
		if !fresh {
			metrics.PricePointsTotal.WithLabelValues(string(OutcomeDuplicate)).Inc()
			uc.logger.Debug("duplicate price point skipped",
				zap.Int64("mapping_id", raw.MappingID),
				zap.String("price", raw.Price.String()),
			)
			return OutcomeDuplicate, nil
		}
	}

	capturedAt := raw.ScrapedAt
	if capturedAt.IsZero() {
		capturedAt = uc.now()
	}
	h := &entity.PriceHistory{
		RunID:       raw.RunID,
		MappingID:   raw.MappingID,
		ProductID:   raw.ProductID,
		SellerName:  strings.TrimSpace(raw.SellerName),
		Price:       raw.Price,
		StockStatus: NormalizeStock(raw.StockStatus),
		SourceURL:   raw.SourceURL,
		CapturedAt:  capturedAt,
	}
	inserted, err := uc.history.Insert(ctx, h)
	if err != nil {
		if uc.cfg.DuplicateWindow > 0 {
			if rerr := uc.dedup.Release(context.WithoutCancel(ctx), key); rerr != nil {
				uc.logger.Warn("failed to release duplicate guard", zap.String("key", key), zap.Error(rerr))
			}
		}
		return "", fmt.Errorf("insert price history for mapping %d: %w", raw.MappingID, err)
	}
	if !inserted {
		metrics.PricePointsTotal.WithLabelValues(string(OutcomeDuplicate)).Inc()
		return OutcomeDuplicate, nil
	}
	metrics.PricePointsTotal.WithLabelValues(string(OutcomeRecorded)).Inc()

	event := entity.PricePointRecorded{
		HistoryID:   h.ID,
		MappingID:   h.MappingID,
		ProductID:   h.ProductID,
		SellerName:  h.SellerName,
		Price:       h.Price,
		StockStatus: h.StockStatus,
		SourceURL:   h.SourceURL,
		CapturedAt:  h.CapturedAt,
	}
	if err := uc.publisher.Publish(ctx, uc.cfg.RecordedTopic, event); err != nil {
		uc.logger.Error("failed to publish recorded price point",
			zap.Int64("history_id", h.ID),
			zap.Error(err),
		)
	}
	return OutcomeRecorded, nil
}

func validate(raw *entity.RawPriceData) string {
	switch {
	case !raw.Price.IsPositive():
		return "price must be greater than zero"
	case strings.TrimSpace(raw.SellerName) == "":
		return "seller name is blank"
	}
	return ""
}

func (uc *priceDataUseCase) reject(raw *entity.RawPriceData, reason string) Outcome {
	metrics.PricePointsTotal.WithLabelValues(string(OutcomeRejected)).Inc()
	uc.logger.Warn("price data rejected",
		zap.Int64("mapping_id", raw.MappingID),
		zap.String("run_id", raw.RunID),
		zap.String("reason", reason),
	)
	return OutcomeRejected
}
