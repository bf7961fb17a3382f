package progress

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var papersFetchedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "papertrawl_papers_fetched_total",
	Help: "counter of paper records fetched from sources, before deduplication",
}, []string{"source"})

var pagesFetchedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "papertrawl_pages_fetched_total",
	Help: "counter of result pages fetched from sources",
}, []string{"source"})

var errorsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "papertrawl_errors_total",
	Help: "counter of classified errors observed by the worker loop",
}, []string{"source", "kind"})

var tasksGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "papertrawl_tasks",
	Help: "number of tasks per lifecycle status",
}, []string{"status"})

var rateLimitWaitsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "papertrawl_rate_limit_resets_total",
	Help: "counter of 429-triggered rate limiter resets per source",
}, []string{"source"})

var tasksFromCacheCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "papertrawl_tasks_from_cache_total",
	Help: "counter of tasks completed entirely from previously cached pages",
}, []string{"source"})
