// Package store defines the persistence contracts of the pipeline. Stages
// communicate exclusively through these repositories; all writes are
// idempotent upserts on the entity's natural key.
package store

import (
	"context"
	"time"

	"github.com/quantfold/factorpipe/internal/domain"
)

// SymbolRepo persists the tradable universe.
type SymbolRepo interface {
	// UpsertBatch inserts or updates symbols by ticker.
	UpsertBatch(ctx context.Context, symbols []domain.Symbol) error

	// List returns every known symbol, active or not.
	List(ctx context.Context) ([]domain.Symbol, error)

	// ListActive returns the active universe ordered by ticker.
	ListActive(ctx context.Context) ([]domain.Symbol, error)

	// Deactivate flags the given tickers inactive, returning how many
	// rows actually flipped.
	Deactivate(ctx context.Context, tickers []string) (int64, error)
}

// ObservationRepo persists raw per-source time series.
type ObservationRepo interface {
	// UpsertBatch writes observations in one short transaction, replacing
	// same-key rows.
	UpsertBatch(ctx context.Context, obs []domain.RawObservation) error

	// ListBySymbol returns a symbol's observations for one source within
	// the range, ascending by date.
	ListBySymbol(ctx context.Context, symbol string, source domain.SourceCategory, dr domain.DateRange) ([]domain.RawObservation, error)
}

// MetricRepo persists normalized factor metrics.
type MetricRepo interface {
	// UpsertBatch writes metrics in one short transaction, replacing
	// same-key rows.
	UpsertBatch(ctx context.Context, metrics []domain.FactorMetric) error

	// ListByDate returns all metrics for a date, all categories.
	ListByDate(ctx context.Context, date time.Time) ([]domain.FactorMetric, error)

	// ListBySymbol returns a symbol's metrics within the date range,
	// ascending by date. Read surface for the external API layer.
	ListBySymbol(ctx context.Context, symbol string, dr domain.DateRange) ([]domain.FactorMetric, error)
}

// ScoreRepo persists composite scores.
type ScoreRepo interface {
	// UpsertBatch writes scores in one short transaction, replacing
	// same-key rows.
	UpsertBatch(ctx context.Context, scores []domain.CompositeScore) error

	// ListByDate returns all composite scores for a date.
	ListByDate(ctx context.Context, date time.Time) ([]domain.CompositeScore, error)

	// ListBySymbol returns a symbol's scores within the date range,
	// ascending by date. Read surface for the external API layer.
	ListBySymbol(ctx context.Context, symbol string, dr domain.DateRange) ([]domain.CompositeScore, error)
}

// PipelineRepo persists per-stage freshness state and the single-flight lock.
type PipelineRepo interface {
	// Ensure seeds the stage row with its declared dependencies and max
	// staleness; existing rows keep their runtime state.
	Ensure(ctx context.Context, stage string, dependsOn []string, maxStaleness time.Duration) error

	// Get returns the stage row, or nil when unknown.
	Get(ctx context.Context, stage string) (*domain.PipelineRun, error)

	// List returns all stage rows ordered by stage name.
	List(ctx context.Context) ([]domain.PipelineRun, error)

	// TryLock atomically acquires the stage's single-flight lock for
	// owner. A lock older than lease counts as abandoned and may be
	// taken over. Returns false when another owner holds a live lock.
	TryLock(ctx context.Context, stage, owner string, lease time.Duration) (bool, error)

	// Unlock releases the lock if owner still holds it.
	Unlock(ctx context.Context, stage, owner string) error

	// MarkResult records the run's terminal status; last_success_at
	// advances only when success is true.
	MarkResult(ctx context.Context, stage string, status domain.RunStatus, success bool, at time.Time) error
}

// Store aggregates all repositories behind one handle.
type Store struct {
	Symbols      SymbolRepo
	Observations ObservationRepo
	Metrics      MetricRepo
	Scores       ScoreRepo
	Pipeline     PipelineRepo
}
