// Package domain holds the persisted entities and shared value types of the
// scoring pipeline. Missing numeric values are always represented as nil
// pointers, never as zero-value placeholders.
package domain

import "time"

// Category identifies one analytical factor dimension.
type Category string

const (
	CategoryMomentum    Category = "momentum"
	CategoryValue       Category = "value"
	CategoryQuality     Category = "quality"
	CategoryGrowth      Category = "growth"
	CategoryPositioning Category = "positioning"
	CategoryRisk        Category = "risk"
	CategorySentiment   Category = "sentiment"
)

// Categories returns all factor categories in canonical order.
func Categories() []Category {
	return []Category{
		CategoryMomentum,
		CategoryValue,
		CategoryQuality,
		CategoryGrowth,
		CategoryPositioning,
		CategoryRisk,
		CategorySentiment,
	}
}

// InstrumentType distinguishes single-name equities from funds/ETFs.
type InstrumentType string

const (
	InstrumentEquity InstrumentType = "equity"
	InstrumentFund   InstrumentType = "fund"
)

// SourceCategory identifies the raw observation source family.
type SourceCategory string

const (
	SourcePricing      SourceCategory = "pricing"
	SourceFundamentals SourceCategory = "fundamentals"
	SourceOwnership    SourceCategory = "ownership"
)

// DateRange is a closed [From, To] window for observation queries.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Symbol is one tradable instrument in the universe. Symbols are never
// deleted; absence from the source registry flips Active to false.
type Symbol struct {
	Ticker    string         `json:"ticker" db:"ticker"`
	Name      string         `json:"name" db:"name"`
	Type      InstrumentType `json:"type" db:"instrument_type"`
	Sector    string         `json:"sector" db:"sector"`
	Industry  string         `json:"industry" db:"industry"`
	Active    bool           `json:"active" db:"active"`
	UpdatedAt time.Time      `json:"updated_at" db:"updated_at"`
}

// RawObservation is one day of source data for one symbol. Rows upsert on
// (symbol, date, source_category); same-day re-ingestion replaces fields.
type RawObservation struct {
	Symbol         string             `json:"symbol" db:"symbol"`
	Date           time.Time          `json:"date" db:"obs_date"`
	SourceCategory SourceCategory     `json:"source_category" db:"source_category"`
	Fields         map[string]float64 `json:"fields" db:"fields"`
}

// FactorMetric is one normalized category score for one symbol and date,
// plus the raw sub-inputs that produced it. Score is nil when no sub-metric
// input was available; NullReason explains why.
type FactorMetric struct {
	Symbol     string             `json:"symbol" db:"symbol"`
	Date       time.Time          `json:"date" db:"metric_date"`
	Category   Category           `json:"category" db:"category"`
	Score      *float64           `json:"score,omitempty" db:"score"`
	Inputs     map[string]float64 `json:"inputs" db:"inputs"`
	SubScores  map[string]float64 `json:"sub_scores" db:"sub_scores"`
	NullReason string             `json:"null_reason,omitempty" db:"null_reason"`
}

// CompositeScore is the weighted aggregate of a symbol's category scores for
// one date. Score is nil when weighted coverage fell below the configured
// minimum; category-level data stays stored regardless.
type CompositeScore struct {
	Symbol           string               `json:"symbol" db:"symbol"`
	Date             time.Time            `json:"date" db:"score_date"`
	Score            *float64             `json:"score,omitempty" db:"score"`
	PercentileRank   *float64             `json:"percentile_rank,omitempty" db:"percentile_rank"`
	SectorPercentile *float64             `json:"sector_percentile,omitempty" db:"sector_percentile"`
	Contributions    map[Category]float64 `json:"contributions" db:"contributions"`
	DataCompleteness float64              `json:"data_completeness" db:"data_completeness"`
}

// RunStatus is the terminal state of one stage execution.
type RunStatus string

const (
	StatusSuccess RunStatus = "SUCCESS"
	StatusPartial RunStatus = "PARTIAL"
	StatusBlocked RunStatus = "BLOCKED"
	StatusFailed  RunStatus = "FAILED"
)

// PipelineRun is the per-stage freshness and single-flight record. LockOwner
// is non-nil while an execution holds the stage; LastSuccess advances only
// when a run meets the stage's success threshold.
type PipelineRun struct {
	Stage          string     `json:"stage" db:"stage"`
	DependsOn      []string   `json:"depends_on" db:"depends_on"`
	MaxStaleness   int64      `json:"max_staleness_secs" db:"max_staleness_secs"`
	LastSuccess    *time.Time `json:"last_success,omitempty" db:"last_success_at"`
	LastStatus     string     `json:"last_status" db:"last_status"`
	LockOwner      *string    `json:"lock_owner,omitempty" db:"lock_owner"`
	LockAcquiredAt *time.Time `json:"lock_acquired_at,omitempty" db:"lock_acquired_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DayKey formats a date as its canonical storage key.
func DayKey(t time.Time) string { return Day(t).Format("2006-01-02") }

// Float returns a pointer to v, for optional-value literals.
func Float(v float64) *float64 { return &v }
