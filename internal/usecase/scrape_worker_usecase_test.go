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
	"github.com/user/price-scraper-service/internal/crawler"
	"github.com/user/price-scraper-service/internal/entity"
)

const (
	resultTopic   = "scraping.results"
	rawPriceTopic = "pricedata.raw"
	productHTML   = `<h1>Widget</h1><span class="price">1.299,00 €</span><div id="stock">Auf Lager</div>`
)

type fetchFunc func(ctx context.Context, req crawler.Request) (*crawler.Response, error)

func (f fetchFunc) Fetch(ctx context.Context, req crawler.Request) (*crawler.Response, error) {
	return f(ctx, req)
}

type workerFixture struct {
	worker *scrapeWorkerUseCase
	runs   *memory.RunLogRepo
	bus    *memory.Bus
}

func newWorkerFixture(fetch fetchFunc, budget time.Duration) *workerFixture {
	f := &workerFixture{
		runs: memory.NewRunLogRepo(),
		bus:  memory.NewBus(10*time.Millisecond, time.Minute),
	}
	runs := NewRunLogService(f.runs, zap.NewNop())
	processor := NewPriceDataProcessor(memory.NewPriceHistoryRepo(), memory.NewProductRepo(10), memory.NewDedupRepo(), f.bus,
		PriceDataConfig{RecordedTopic: recordedTopic}, zap.NewNop())
	f.worker = NewScrapeWorker(runs, fetch, crawler.NewExtractor(), processor, f.bus, WorkerConfig{
		CommandBudget: budget,
		Slack:         time.Millisecond,
		ResultTopic:   resultTopic,
		RawPriceTopic: rawPriceTopic,
	}, zap.NewNop()).(*scrapeWorkerUseCase)
	return f
}

func testCommand() *entity.ScrapeCommand {
	return &entity.ScrapeCommand{
		CommandID:  "cmd-1",
		MappingID:  1,
		ProductID:  10,
		SellerName: "Acme",
		URL:        "https://shop.example.com/p/1",
		Selectors:  entity.SelectorSet{Name: "h1", Price: ".price", Stock: "#stock"},
		Locale:     "de-DE",
	}
}

func (f *workerFixture) result(t *testing.T) entity.ScrapingResult {
	t.Helper()
	bodies := f.bus.Drain(resultTopic)
	if len(bodies) != 1 {
		t.Fatalf("results published = %d, want 1", len(bodies))
	}
	var res entity.ScrapingResult
	if err := json.Unmarshal(bodies[0], &res); err != nil {
		t.Fatal(err)
	}
	return res
}

func (f *workerFixture) storedRun(t *testing.T, id string) *entity.RunLog {
	t.Helper()
	run, err := f.runs.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return run
}

func TestHandleCommandSuccess(t *testing.T) {
	proxyID := int64(3)
	f := newWorkerFixture(func(context.Context, crawler.Request) (*crawler.Response, error) {
		return &crawler.Response{Body: productHTML, StatusCode: 200, ProxyID: &proxyID, Attempts: 1, PageLoad: 40 * time.Millisecond}, nil
	}, time.Second)

	if err := f.worker.HandleCommand(context.Background(), testCommand()); err != nil {
		t.Fatalf("HandleCommand: %v", err)
	}

	res := f.result(t)
	if !res.Success || res.Status != entity.RunSuccess || res.ProxyID == nil || *res.ProxyID != 3 {
		t.Errorf("result = %+v", res)
	}
	run := f.storedRun(t, res.RunID)
	if run.Status != entity.RunSuccess || run.HTTPStatus != 200 || run.PageLoadMs != 40 {
		t.Errorf("run = %+v", run)
	}

	raws := f.bus.Drain(rawPriceTopic)
	if len(raws) != 1 {
		t.Fatalf("raw price messages = %d, want 1", len(raws))
	}
	var raw entity.RawPriceData
	if err := json.Unmarshal(raws[0], &raw); err != nil {
		t.Fatal(err)
	}
	if !raw.Price.Equal(decimal.RequireFromString("1299")) || raw.SellerName != "Acme" || raw.RunID != res.RunID {
		t.Errorf("raw = %+v", raw)
	}
}

func TestHandleCommandFailures(t *testing.T) {
	tests := []struct {
		name     string
		fetch    fetchFunc
		status   entity.RunStatus
		category entity.ErrorCategory
	}{
		{
			name: "blocked",
			fetch: func(context.Context, crawler.Request) (*crawler.Response, error) {
				return nil, entity.NewScrapeError(entity.CategoryBlocked, "HTTP_403", 403, errors.New("denied"))
			},
			status:   entity.RunFailed,
			category: entity.CategoryBlocked,
		},
		{
			name: "extraction",
			fetch: func(context.Context, crawler.Request) (*crawler.Response, error) {
				return &crawler.Response{Body: "<p>maintenance</p>", StatusCode: 200}, nil
			},
			status:   entity.RunFailed,
			category: entity.CategoryExtraction,
		},
		{
			name: "panic",
			fetch: func(context.Context, crawler.Request) (*crawler.Response, error) {
				panic("nil map")
			},
			status:   entity.RunFailed,
			category: entity.CategoryHandlerException,
		},
		{
			name: "deadline",
			fetch: func(ctx context.Context, _ crawler.Request) (*crawler.Response, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			status:   entity.RunTimeout,
			category: entity.CategoryTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWorkerFixture(tt.fetch, 20*time.Millisecond)
			if err := f.worker.HandleCommand(context.Background(), testCommand()); err != nil {
				t.Fatalf("HandleCommand: %v", err)
			}
			res := f.result(t)
			if res.Success || res.Status != tt.status || res.ErrorCategory != tt.category {
				t.Errorf("result = %s/%s, want %s/%s", res.Status, res.ErrorCategory, tt.status, tt.category)
			}
			run := f.storedRun(t, res.RunID)
			if run.Status != tt.status || run.CompletedAt == nil {
				t.Errorf("stored run = %+v", run)
			}
			if f.bus.Ready(rawPriceTopic) != 0 {
				t.Errorf("raw price published for a failed run")
			}
		})
	}
}

func TestHandleCommandShutdownCancelsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newWorkerFixture(func(fctx context.Context, _ crawler.Request) (*crawler.Response, error) {
		cancel()
		<-fctx.Done()
		return nil, entity.NewScrapeError(entity.CategoryCancelled, "", 0, fctx.Err())
	}, time.Second)

	if err := f.worker.HandleCommand(ctx, testCommand()); err != nil {
		t.Fatalf("HandleCommand: %v", err)
	}
	res := f.result(t)
	if res.Status != entity.RunCancelled || res.ErrorCategory != entity.CategoryCancelled {
		t.Errorf("result = %s/%s", res.Status, res.ErrorCategory)
	}
	if run := f.storedRun(t, res.RunID); run.Status != entity.RunCancelled {
		t.Errorf("stored status = %s", run.Status)
	}
}

type failingRunRepo struct{ *memory.RunLogRepo }

func (failingRunRepo) Create(context.Context, *entity.RunLog) error {
	return errors.New("database unavailable")
}

func TestHandleCommandWithoutRunLogIsRetried(t *testing.T) {
	called := false
	f := newWorkerFixture(func(context.Context, crawler.Request) (*crawler.Response, error) {
		called = true
		return nil, errors.New("unreachable")
	}, time.Second)
	f.worker.runs = NewRunLogService(failingRunRepo{memory.NewRunLogRepo()}, zap.NewNop())

	if err := f.worker.HandleCommand(context.Background(), testCommand()); err == nil {
		t.Fatal("expected error so the command is redelivered")
	}
	if called {
		t.Error("page fetched without a run log")
	}
	if f.bus.Ready(resultTopic) != 0 {
		t.Error("result published without a run log")
	}
}

func TestFailureStatus(t *testing.T) {
	network := entity.NewScrapeError(entity.CategoryNetwork, "", 0, errors.New("reset"))
	tests := []struct {
		name        string
		shutdown    bool
		deadlineHit bool
		err         error
		status      entity.RunStatus
		category    entity.ErrorCategory
	}{
		{"plain failure", false, false, network, entity.RunFailed, entity.CategoryNetwork},
		{"attempt timeout", false, false, entity.NewScrapeError(entity.CategoryTimeout, "", 0, nil), entity.RunTimeout, entity.CategoryTimeout},
		{"command deadline", false, true, network, entity.RunTimeout, entity.CategoryTimeout},
		{"shutdown wins", true, true, network, entity.RunCancelled, entity.CategoryCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, cause := failureStatus(tt.shutdown, tt.deadlineHit, tt.err)
			if status != tt.status || entity.CategoryOf(cause) != tt.category {
				t.Errorf("failureStatus = %s/%s, want %s/%s", status, entity.CategoryOf(cause), tt.status, tt.category)
			}
		})
	}
}

func TestHandleRawPriceData(t *testing.T) {
	f := newWorkerFixture(nil, time.Second)
	ctx := context.Background()

	if err := f.worker.HandleRawPriceData(ctx, rawPrice("run-1", "0")); err != nil {
		t.Errorf("rejected data should be acked, got %v", err)
	}
	if err := f.worker.HandleRawPriceData(ctx, rawPrice("run-2", "24.99")); err != nil {
		t.Fatalf("HandleRawPriceData: %v", err)
	}
	if f.bus.Ready(recordedTopic) != 1 {
		t.Errorf("recorded events = %d, want 1", f.bus.Ready(recordedTopic))
	}
}

func TestHandleCommandFinishFailureIsNotRedelivered(t *testing.T) {
	for _, tt := range []struct {
		name       string
		failures   int
		wantStatus entity.RunStatus
	}{
		{"transient", 1, entity.RunSuccess},
		{"persistent", 100, entity.RunStarted},
	} {
		t.Run(tt.name, func(t *testing.T) {
			fetches := 0
			f := newWorkerFixture(func(context.Context, crawler.Request) (*crawler.Response, error) {
				fetches++
				return &crawler.Response{Body: productHTML, StatusCode: 200, Attempts: 1}, nil
			}, time.Second)
			repo := &flakyRunRepo{RunLogRepo: f.runs, failures: tt.failures}
			svc := NewRunLogService(repo, zap.NewNop()).(*runLogUseCase)
			svc.finishDelay = time.Millisecond
			f.worker.runs = svc

			if err := f.worker.HandleCommand(context.Background(), testCommand()); err != nil {
				t.Fatalf("HandleCommand: %v", err)
			}
			if fetches != 1 {
				t.Errorf("fetches = %d, want 1", fetches)
			}
			res := f.result(t)
			if res.Status != entity.RunSuccess {
				t.Errorf("published status = %s", res.Status)
			}
			if run := f.storedRun(t, res.RunID); run.Status != tt.wantStatus {
				t.Errorf("stored status = %s, want %s", run.Status, tt.wantStatus)
			}
		})
	}
}
