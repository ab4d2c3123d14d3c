// Package metrics exposes the pipeline's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StageRuns counts terminal stage executions by status.
	StageRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factorpipe_stage_runs_total",
		Help: "Stage executions by terminal status",
	}, []string{"stage", "status"})

	// StageDuration observes wall-clock stage duration.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "factorpipe_stage_duration_seconds",
		Help:    "Stage execution duration",
		Buckets: prometheus.ExponentialBuckets(0.1, 3, 10),
	}, []string{"stage"})

	// RowsWritten counts rows upserted per stage.
	RowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factorpipe_rows_written_total",
		Help: "Rows upserted by stage",
	}, []string{"stage"})

	// SymbolsSkipped counts per-symbol skips by reason class.
	SymbolsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factorpipe_symbols_skipped_total",
		Help: "Symbols skipped by stage and reason",
	}, []string{"stage", "reason"})

	// ProviderCalls counts guarded provider calls by outcome.
	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factorpipe_provider_calls_total",
		Help: "Provider calls by outcome",
	}, []string{"provider", "outcome"})

	// BreakerState reports the circuit state per provider
	// (0 closed, 1 half-open, 2 open).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "factorpipe_breaker_state",
		Help: "Circuit breaker state per provider (0 closed, 1 half-open, 2 open)",
	}, []string{"provider"})

	// CacheHits counts provider cache hits and misses.
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factorpipe_cache_requests_total",
		Help: "Provider cache lookups by result",
	}, []string{"result"})
)
