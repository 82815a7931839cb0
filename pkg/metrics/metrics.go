package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	ScrapesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapes_total",
			Help: "Scrape attempts by terminal status and error category.",
		},
		[]string{"status", "category"},
	)

	ScrapeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scrape_duration_seconds",
			Help:    "Duration of scrape commands.",
			Buckets: []float64{1, 5, 10, 15, 30, 60, 120},
		},
		[]string{"domain"},
	)

	FetchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetch_attempts_total",
			Help: "Individual fetch attempts by outcome.",
		},
		[]string{"outcome"},
	)

	ProxySelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_selections_total",
			Help: "Proxy selections by strategy and result.",
		},
		[]string{"strategy", "result"},
	)

	ProxiesEligible = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxy_pool_eligible",
			Help: "Active proxies below the consecutive-failure threshold.",
		},
	)

	ProxyHealthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_health_checks_total",
			Help: "Proxy health checks by result.",
		},
		[]string{"result"},
	)

	SchedulerDispatchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_dispatched_total",
			Help: "Scrape commands published by the scheduler.",
		},
	)

	SchedulerTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_ticks_total",
			Help: "Scheduler ticks by result.",
		},
		[]string{"result"},
	)

	SchedulerTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_tick_duration_seconds",
			Help:    "Duration of scheduler ticks.",
			Buckets: prometheus.DefBuckets,
		},
	)

	PricePointsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "price_points_total",
			Help: "Raw price events by processing outcome.",
		},
		[]string{"outcome"},
	)

	StreamMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_messages_total",
			Help: "Consumed stream messages by topic and result.",
		},
		[]string{"topic", "result"},
	)
)
