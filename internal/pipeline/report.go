// Package pipeline coordinates stage execution: single-flight locking,
// dependency staleness gating, success-threshold classification, and the
// topological cycle runner. Stages communicate only through the store.
package pipeline

import (
	"context"
	"time"

	"github.com/quantfold/factorpipe/internal/domain"
)

// Params are the caller-supplied knobs of one stage invocation.
type Params struct {
	Date      time.Time `json:"date"`
	BatchSize int       `json:"batch_size,omitempty"`
	Symbols   []string  `json:"symbols,omitempty"` // optional filter
	Force     bool      `json:"force,omitempty"`   // bypass the staleness gate
}

// Skip records one symbol excluded from a run and why.
type Skip struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

// Result is what a stage body reports back to the orchestrator.
type Result struct {
	Processed   int    `json:"symbols_processed"`
	RowsWritten int    `json:"rows_written"`
	Skipped     []Skip `json:"symbols_skipped,omitempty"`

	// Coverage counts symbols with a non-null metric per factor category.
	// Populated by the composite stage.
	Coverage map[string]int `json:"category_coverage,omitempty"`
}

// SuccessFraction is the share of attempted symbols processed without error.
// An empty run counts as fully successful.
func (r Result) SuccessFraction() float64 {
	attempted := r.Processed + len(r.Skipped)
	if attempted == 0 {
		return 1
	}
	return float64(r.Processed) / float64(attempted)
}

// Report is the structured run summary returned to the trigger surface and
// persisted as an artifact.
type Report struct {
	Stage     string           `json:"stage"`
	Status    domain.RunStatus `json:"status"`
	Date      string           `json:"date"`
	StartedAt time.Time        `json:"started_at"`
	Duration  time.Duration    `json:"duration"`
	Result    Result           `json:"result"`
	Error     string           `json:"error,omitempty"`
}

// StageFunc is the body of one stage. On budget timeout it returns the
// partial result accumulated so far together with the context error;
// committed batches stay committed.
type StageFunc func(ctx context.Context, p Params) (Result, error)

// StageDef declares a stage to the orchestrator.
type StageDef struct {
	Name             string
	DependsOn        []string
	MaxStaleness     time.Duration // upstream last_success must be younger than this
	SuccessThreshold float64       // processed fraction required for SUCCESS
	Budget           time.Duration // wall-clock budget, 0 = unbounded
	BatchSize        int           // default batch size when the caller gives none
	Run              StageFunc
}
