package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/user/price-scraper-service/internal/adapter/chromedp_renderer"
	"github.com/user/price-scraper-service/internal/adapter/memory"
	"github.com/user/price-scraper-service/internal/adapter/postgres"
	redis_adapter "github.com/user/price-scraper-service/internal/adapter/redis"
	"github.com/user/price-scraper-service/internal/crawler"
	"github.com/user/price-scraper-service/internal/delivery/http/handler"
	"github.com/user/price-scraper-service/internal/delivery/http/router"
	"github.com/user/price-scraper-service/internal/delivery/stream"
	"github.com/user/price-scraper-service/internal/proxy"
	"github.com/user/price-scraper-service/internal/repository"
	"github.com/user/price-scraper-service/internal/usecase"
	"github.com/user/price-scraper-service/pkg/config"
	"github.com/user/price-scraper-service/pkg/logger"
)

type stores struct {
	mappings repository.MappingRepository
	sites    repository.SiteConfigRepository
	products repository.ProductRepository
	runs     repository.RunLogRepository
	proxies  repository.ProxyRepository
	history  repository.PriceHistoryRepository
	close    func()
}

type transport struct {
	bus   repository.MessageBus
	dedup repository.DedupRepository
	close func()
}

func main() {
	flags := pflag.NewFlagSet("scraper", pflag.ExitOnError)
	flags.String("config", "", "path to a config file (yaml, json, toml or env)")
	flags.String("role", "all", "components to run: all, scheduler or worker")
	flags.String("log-level", "", "overrides log.level")
	_ = flags.Parse(os.Args[1:])

	// --- Configuration ---
	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not load config: %v\n", err)
		os.Exit(1)
	}
	role, _ := flags.GetString("role")
	if role != "all" && role != "scheduler" && role != "worker" {
		fmt.Fprintf(os.Stderr, "unknown role %q\n", role)
		os.Exit(1)
	}

	// --- Logger ---
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, role, log); err != nil {
		log.Error("service stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("service exiting")
}

func run(ctx context.Context, cfg *config.Config, role string, log *zap.Logger) error {
	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	tr, err := openTransport(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer tr.close()

	// --- Proxy pool ---
	requestTimeout := time.Duration(cfg.ProxyPool.RequestTimeoutSeconds) * time.Second
	transports := proxy.NewTransportFactory(requestTimeout)
	defer transports.CloseIdle()

	var (
		pool      *proxy.Manager
		selector  crawler.ProxySelector
		proxyPool handler.ProxyPool
	)
	if cfg.ProxyPool.Enabled {
		strategy, err := proxy.ParseStrategy(cfg.ProxyPool.SelectionStrategy)
		if err != nil {
			return err
		}
		pool = proxy.NewManager(st.proxies, proxy.Config{
			Strategy:               strategy,
			MaxConsecutiveFailures: cfg.ProxyPool.MaxConsecutiveFailures,
			PoolCacheTTL:           time.Duration(cfg.ProxyPool.PoolCacheMinutes) * time.Minute,
			StatsCacheTTL:          time.Duration(cfg.ProxyPool.StatsCacheMinutes) * time.Minute,
		}, log)
		selector, proxyPool = pool, pool
	}

	// --- Use Cases ---
	runLog := usecase.NewRunLogService(st.runs, log)

	var renderer repository.PageRenderer
	if cfg.Fetch.BrowserEnabled {
		renderer = chromedp_renderer.NewChromedpRenderer(cfg.Pipeline.Prefetch, requestTimeout, log)
	}
	fetchCfg := crawler.FetcherConfig{
		UseProxies:     cfg.ProxyPool.Enabled,
		MaxAttempts:    cfg.ProxyPool.MaxRetries,
		RetryDelay:     time.Duration(cfg.ProxyPool.RetryDelayMs) * time.Millisecond,
		RequestTimeout: requestTimeout,
		MaxBodyBytes:   cfg.Fetch.MaxBodyBytes,
		DomainRate:     cfg.Fetch.DomainRateLimit,
		DomainBurst:    cfg.Fetch.DomainBurst,
	}
	fetcher := crawler.NewFetcher(fetchCfg, selector, transports, renderer, log)

	processor := usecase.NewPriceDataProcessor(st.history, st.products, tr.dedup, tr.bus, usecase.PriceDataConfig{
		DuplicateWindow: cfg.PriceData.DuplicateWindow,
		RecordedTopic:   cfg.Pipeline.RecordedStream,
	}, log)
	workerCfg := usecase.WorkerConfig{
		CommandBudget: fetchCfg.CommandBudget(),
		ResultTopic:   cfg.Pipeline.ResultStream,
		RawPriceTopic: cfg.Pipeline.RawPriceStream,
	}
	worker := usecase.NewScrapeWorker(runLog, fetcher, crawler.NewExtractor(), processor, tr.bus, workerCfg, log)
	scheduler := usecase.NewScheduler(st.mappings, st.sites, runLog, tr.bus, crawler.NewProfileRotator(), usecase.SchedulerConfig{
		TickInterval:     cfg.Scheduler.TickInterval,
		DefaultFrequency: cfg.Scheduler.DefaultFrequency(),
		BatchSize:        cfg.Scheduler.BatchSize,
		DispatchLease:    cfg.Scheduler.DispatchLease,
		CommandTopic:     cfg.Pipeline.CommandStream,
		Backoff: usecase.ExponentialBackoff{
			Base:          cfg.Scheduler.BackoffBase,
			Factor:        cfg.Scheduler.BackoffFactor,
			MaxMultiplier: cfg.Scheduler.BackoffMaxMultiplier,
		},
		// A live command can never be swept.
		StaleRunAfter: max(cfg.Scheduler.StaleRunAfter, 2*workerCfg.Deadline()),
	}, log)

	consumer := func(topic string, h stream.Handler) *stream.Consumer {
		return stream.NewConsumer(tr.bus, stream.Config{
			Topic:         topic,
			Prefetch:      cfg.Pipeline.Prefetch,
			MaxDeliveries: cfg.Pipeline.MaxDeliveries,
		}, h, log)
	}

	g, gctx := errgroup.WithContext(ctx)

	if role == "all" || role == "scheduler" {
		results := consumer(cfg.Pipeline.ResultStream, stream.JSONHandler(scheduler.HandleResult))
		g.Go(func() error { return scheduler.Run(gctx) })
		g.Go(func() error { return results.Run(gctx) })
	}
	if role == "all" || role == "worker" {
		commands := consumer(cfg.Pipeline.CommandStream, stream.JSONHandler(worker.HandleCommand))
		rawPrices := consumer(cfg.Pipeline.RawPriceStream, stream.JSONHandler(worker.HandleRawPriceData))
		g.Go(func() error { return commands.Run(gctx) })
		g.Go(func() error { return rawPrices.Run(gctx) })

		if pool != nil && cfg.HealthMonitor.Enabled {
			checker := proxy.NewChecker(transports, cfg.HealthMonitor.TestURL, time.Duration(cfg.HealthMonitor.TimeoutSeconds)*time.Second)
			monitor := proxy.NewHealthMonitor(st.proxies, pool, checker, proxy.MonitorConfig{
				Enabled:     true,
				Interval:    time.Duration(cfg.HealthMonitor.CheckIntervalMinutes) * time.Minute,
				MaxAge:      time.Duration(cfg.HealthMonitor.MaxAgeMinutes) * time.Minute,
				Parallelism: cfg.HealthMonitor.Parallelism,
			}, log)
			g.Go(func() error { return monitor.Run(gctx) })
		}
	}

	// --- HTTP Server ---
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router.New(handler.NewHandler(runLog, proxyPool, log), log),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	g.Go(func() error {
		log.Info("Starting server", zap.String("port", cfg.Server.Port), zap.String("role", role))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on :%s: %w", cfg.Server.Port, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openStores(ctx context.Context, cfg *config.Config, log *zap.Logger) (*stores, error) {
	if cfg.Store.Driver == "memory" {
		log.Warn("using in-memory storage, data is lost on exit")
		return &stores{
			mappings: memory.NewMappingRepo(),
			sites:    memory.NewSiteConfigRepo(),
			products: memory.NewProductRepo(),
			runs:     memory.NewRunLogRepo(),
			proxies:  memory.NewProxyRepo(),
			history:  memory.NewPriceHistoryRepo(),
			close:    func() {},
		}, nil
	}

	dbpool, err := postgres.NewPool(ctx, cfg.Postgres.URL, cfg.Postgres.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	log.Info("PostgreSQL connection pool established")
	if cfg.Postgres.AutoMigrate {
		if err := postgres.ApplySchema(ctx, dbpool); err != nil {
			dbpool.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
		log.Info("database schema applied")
	}
	return &stores{
		mappings: postgres.NewMappingRepo(dbpool),
		sites:    postgres.NewSiteConfigRepo(dbpool),
		products: postgres.NewProductRepo(dbpool),
		runs:     postgres.NewRunLogRepo(dbpool),
		proxies:  postgres.NewProxyRepo(dbpool),
		history:  postgres.NewPriceHistoryRepo(dbpool),
		close:    dbpool.Close,
	}, nil
}

func openTransport(ctx context.Context, cfg *config.Config, log *zap.Logger) (*transport, error) {
	if cfg.Store.BusDriver == "memory" {
		log.Warn("using in-memory message bus, only usable with role=all")
		return &transport{
			bus:   memory.NewBus(cfg.Pipeline.BlockTime, cfg.Pipeline.PendingIdle),
			dedup: memory.NewDedupRepo(),
			close: func() {},
		}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	log.Info("Redis connection established")
	return &transport{
		bus: redis_adapter.NewStreamBus(rdb, redis_adapter.StreamBusOptions{
			Group:       cfg.Pipeline.Group,
			Consumer:    cfg.Pipeline.Consumer,
			BlockTime:   cfg.Pipeline.BlockTime,
			PendingIdle: cfg.Pipeline.PendingIdle,
			MaxLen:      cfg.Pipeline.MaxLen,
		}),
		dedup: redis_adapter.NewDedupRepo(rdb),
		close: func() { _ = rdb.Close() },
	}, nil
}
