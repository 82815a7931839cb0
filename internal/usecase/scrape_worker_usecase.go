package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/user/price-scraper-service/internal/crawler"
	"github.com/user/price-scraper-service/internal/entity"
	"github.com/user/price-scraper-service/internal/repository"
	"github.com/user/price-scraper-service/pkg/metrics"
	"github.com/user/price-scraper-service/pkg/utils"
)

// PageFetcher downloads a product page.
type PageFetcher interface {
	Fetch(ctx context.Context, req crawler.Request) (*crawler.Response, error)
}

// PageExtractor reads product fields out of a page.
type PageExtractor interface {
	Extract(html string, selectors entity.SelectorSet, locale string) (*entity.ExtractedFields, error)
}

type WorkerConfig struct {
	// CommandBudget is the worst-case fetch time; Slack is added on top to
	// form the command deadline.
	CommandBudget time.Duration
	Slack         time.Duration
	ResultTopic   string
	RawPriceTopic string
}

func (c *WorkerConfig) defaults() {
	if c.CommandBudget <= 0 {
		c.CommandBudget = 3 * 31 * time.Second
	}
	if c.Slack <= 0 {
		c.Slack = 15 * time.Second
	}
}

// Deadline is the longest a single command may run.
func (c WorkerConfig) Deadline() time.Duration {
	c.defaults()
	return c.CommandBudget + c.Slack
}

// ScrapeWorker executes scrape commands and forwards raw price data.
type ScrapeWorker interface {
	HandleCommand(ctx context.Context, cmd *entity.ScrapeCommand) error
	HandleRawPriceData(ctx context.Context, raw *entity.RawPriceData) error
}

type scrapeWorkerUseCase struct {
	runs      RunLogService
	fetcher   PageFetcher
	extractor PageExtractor
	processor PriceDataProcessor
	publisher repository.Publisher
	cfg       WorkerConfig
	logger    *zap.Logger
}

func NewScrapeWorker(
	runs RunLogService,
	fetcher PageFetcher,
	extractor PageExtractor,
	processor PriceDataProcessor,
	publisher repository.Publisher,
	cfg WorkerConfig,
	logger *zap.Logger,
) ScrapeWorker {
	cfg.defaults()
	return &scrapeWorkerUseCase{
		runs:      runs,
		fetcher:   fetcher,
		extractor: extractor,
		processor: processor,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.Named("worker"),
	}
}

// HandleCommand runs one scrape. An error is returned only when the run
// could not be started, so the command is redelivered.
func (uc *scrapeWorkerUseCase) HandleCommand(ctx context.Context, cmd *entity.ScrapeCommand) error {
	run, err := uc.runs.Start(ctx, cmd)
	if err != nil {
		return err
	}
	start := time.Now()

	cmdCtx, cancel := context.WithTimeout(ctx, uc.cfg.Deadline())
	fields, info, scrapeErr := uc.scrape(cmdCtx, cmd)
	deadlineHit := errors.Is(cmdCtx.Err(), context.DeadlineExceeded)
	cancel()

	// The terminal state must be written even during shutdown.
	finishCtx := context.WithoutCancel(ctx)
	switch status, cause := failureStatus(ctx.Err() != nil, deadlineHit, scrapeErr); {
	case scrapeErr == nil:
		err = uc.runs.Complete(finishCtx, run, *fields, info)
	case status == entity.RunCancelled:
		err = uc.runs.Cancel(finishCtx, run, info)
	default:
		err = uc.runs.Fail(finishCtx, run, status, cause, info)
	}
	if errors.Is(err, entity.ErrRunAlreadyTerminal) {
		uc.logger.Warn("run was already finished", zap.String("run_id", run.ID))
		return nil
	}
	if err != nil {
		// Redelivery would start a second run and scrape again. The command
		// is acked and the stale run sweep closes the stored row.
		uc.logger.Error("failed to record run outcome",
			zap.String("run_id", run.ID),
			zap.Int64("mapping_id", cmd.MappingID),
			zap.Error(err),
		)
	}

	elapsed := time.Since(start)
	metrics.ScrapesTotal.WithLabelValues(string(run.Status), string(run.ErrorCategory)).Inc()
	metrics.ScrapeDuration.WithLabelValues(utils.Domain(cmd.URL)).Observe(elapsed.Seconds())

	if run.Status == entity.RunSuccess {
		uc.logger.Info("scrape succeeded",
			zap.String("run_id", run.ID),
			zap.Int64("mapping_id", cmd.MappingID),
			zap.String("price", fields.PriceText),
			zap.Duration("duration", elapsed),
		)
	} else {
		uc.logger.Warn("scrape failed",
			zap.String("run_id", run.ID),
			zap.Int64("mapping_id", cmd.MappingID),
			zap.String("status", string(run.Status)),
			zap.String("category", string(run.ErrorCategory)),
			zap.String("code", run.ErrorCode),
			zap.Error(scrapeErr),
		)
	}

	uc.publishOutcome(finishCtx, cmd, run)
	return nil
}

// scrape fetches and extracts. Panics are turned into HANDLER_EXCEPTION failures.
func (uc *scrapeWorkerUseCase) scrape(ctx context.Context, cmd *entity.ScrapeCommand) (fields *entity.ExtractedFields, info entity.AttemptInfo, err error) {
	defer func() {
		if r := recover(); r != nil {
			fields = nil
			err = entity.NewScrapeError(entity.CategoryHandlerException, "PANIC", 0, fmt.Errorf("panic: %v", r))
		}
	}()

	resp, err := uc.fetcher.Fetch(ctx, crawler.Request{
		URL:       cmd.URL,
		UserAgent: cmd.UserAgent,
		Headers:   cmd.Headers,
		RenderJS:  cmd.RenderJS,
	})
	if err != nil {
		return nil, info, err
	}
	info.HTTPStatus = resp.StatusCode
	info.ProxyID = resp.ProxyID
	info.PageLoadMs = resp.PageLoad.Milliseconds()

	parseStart := time.Now()
	fields, err = uc.extractor.Extract(resp.Body, cmd.Selectors, cmd.Locale)
	info.ParseMs = time.Since(parseStart).Milliseconds()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, info, err
	}
	return fields, info, nil
}

// failureStatus picks the terminal status of a failed run. The cause is
// rewrapped when its category disagrees with the status.
func failureStatus(shutdown, deadlineHit bool, err error) (entity.RunStatus, error) {
	category := entity.CategoryOf(err)
	switch {
	case shutdown:
		if category != entity.CategoryCancelled {
			err = entity.NewScrapeError(entity.CategoryCancelled, "", 0, err)
		}
		return entity.RunCancelled, err
	case deadlineHit:
		if category != entity.CategoryTimeout {
			err = entity.NewScrapeError(entity.CategoryTimeout, "COMMAND_TIMEOUT", 0, err)
		}
		return entity.RunTimeout, err
	case category == entity.CategoryTimeout:
		return entity.RunTimeout, err
	}
	return entity.RunFailed, err
}

func (uc *scrapeWorkerUseCase) publishOutcome(ctx context.Context, cmd *entity.ScrapeCommand, run *entity.RunLog) {
	completedAt := time.Now()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}
	result := entity.ScrapingResult{
		CommandID:     cmd.CommandID,
		RunID:         run.ID,
		MappingID:     cmd.MappingID,
		ProductID:     cmd.ProductID,
		Status:        run.Status,
		Success:       run.Status == entity.RunSuccess,
		Fields:        run.Fields,
		ErrorCode:     run.ErrorCode,
		ErrorMessage:  run.ErrorMessage,
		ErrorCategory: run.ErrorCategory,
		HTTPStatus:    run.HTTPStatus,
		PageLoadMs:    run.PageLoadMs,
		ParseMs:       run.ParseMs,
		ProxyID:       run.ProxyID,
		CompletedAt:   completedAt,
	}
	if run.DurationMs != nil {
		result.TotalMs = *run.DurationMs
	}
	if err := uc.publisher.Publish(ctx, uc.cfg.ResultTopic, result); err != nil {
		uc.logger.Error("failed to publish scraping result", zap.String("run_id", run.ID), zap.Error(err))
	}

	if !result.Success || run.Fields == nil || run.Fields.Price == nil {
		return
	}
	raw := entity.RawPriceData{
		RunID:       run.ID,
		MappingID:   cmd.MappingID,
		ProductID:   cmd.ProductID,
		SellerName:  cmd.SellerName,
		Price:       *run.Fields.Price,
		StockStatus: run.Fields.Stock,
		SourceURL:   cmd.URL,
		ScrapedAt:   completedAt,
	}
	if err := uc.publisher.Publish(ctx, uc.cfg.RawPriceTopic, raw); err != nil {
		uc.logger.Error("failed to publish raw price data", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// HandleRawPriceData passes an observation to the processor. Rejected data
// is not an error; infrastructure failures are, so the message is redelivered.
func (uc *scrapeWorkerUseCase) HandleRawPriceData(ctx context.Context, raw *entity.RawPriceData) error {
	_, err := uc.processor.Process(ctx, raw)
	return err
}
