// Package factors computes the seven normalized category scores. Each
// category is a data-driven Definition: required raw inputs, a
// cross-sectional normalization method, and a sub-weighted formula. Missing
// sub-inputs are excluded and the remaining sub-weights renormalize; a
// symbol with zero available sub-metrics gets a NULL category score.
package factors

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/factorpipe/internal/domain"
	"github.com/quantfold/factorpipe/internal/pipeline"
	"github.com/quantfold/factorpipe/internal/stats"
	"github.com/quantfold/factorpipe/internal/store"
)

// Normalization selects the cross-sectional scaling of a sub-metric.
type Normalization string

const (
	// NormPercentile ranks across the whole active universe.
	NormPercentile Normalization = "percentile"
	// NormSectorZScore z-scores against the symbol's sector peer group.
	NormSectorZScore Normalization = "sector_zscore"
)

// PricePoint is one daily bar extracted from pricing observations.
type PricePoint struct {
	Date   time.Time
	Close  float64
	Volume float64
}

// SymbolData is everything a Definition may extract from, loaded once per
// symbol per run. Prices ascend by date and end at the run date.
type SymbolData struct {
	Symbol           domain.Symbol
	Prices           []PricePoint
	Fundamentals     map[string]float64 // most recent statement on or before the run date
	FundamentalsPrev map[string]float64 // statement roughly one fiscal year earlier, nil if unavailable
	Ownership        map[string]float64 // most recent ownership/analyst snapshot
}

// SubMetric is one component of a category score. Extract returns nil when
// the input is unavailable for the symbol; it must never fabricate a value.
type SubMetric struct {
	Name    string
	Weight  float64
	Extract func(*SymbolData) *float64
}

// Definition declares one factor category.
type Definition struct {
	Category      domain.Category
	Normalization Normalization
	MinHistory    int // minimum daily price bars Extract funcs may rely on
	SubMetrics    []SubMetric
}

// Validate rejects definitions that cannot produce a score.
func (d Definition) Validate() error {
	if len(d.SubMetrics) == 0 {
		return &domain.ConfigError{Field: "factors." + string(d.Category), Reason: "no sub-metrics declared"}
	}
	for _, sm := range d.SubMetrics {
		if sm.Weight <= 0 {
			return &domain.ConfigError{Field: "factors." + string(d.Category) + "." + sm.Name, Reason: "sub-weight must be positive"}
		}
		if sm.Extract == nil {
			return &domain.ConfigError{Field: "factors." + string(d.Category) + "." + sm.Name, Reason: "missing extract func"}
		}
	}
	return nil
}

// Stage executes one Definition against the store.
type Stage struct {
	def   Definition
	store *store.Store
}

// NewStage validates the definition and binds it to the store.
func NewStage(def Definition, st *store.Store) (*Stage, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &Stage{def: def, store: st}, nil
}

// Run computes and upserts one FactorMetric per active symbol for the date.
func (s *Stage) Run(ctx context.Context, p pipeline.Params) (pipeline.Result, error) {
	var res pipeline.Result

	symbols, err := s.store.Symbols.ListActive(ctx)
	if err != nil {
		return res, &domain.PersistenceError{Op: "list active symbols", Err: err}
	}
	if len(p.Symbols) > 0 {
		want := make(map[string]bool, len(p.Symbols))
		for _, t := range p.Symbols {
			want[t] = true
		}
		filtered := symbols[:0]
		for _, sym := range symbols {
			if want[sym.Ticker] {
				filtered = append(filtered, sym)
			}
		}
		symbols = filtered
	}

	loader := newLoader(s.store, p.Date)
	data := make(map[string]*SymbolData, len(symbols))
	sectorOf := make(map[string]string, len(symbols))
	for _, sym := range symbols {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		d, err := loader.load(ctx, sym)
		if err != nil {
			res.Skipped = append(res.Skipped, pipeline.Skip{Symbol: sym.Ticker, Reason: "load_failed"})
			log.Warn().Str("symbol", sym.Ticker).Str("category", string(s.def.Category)).
				Err(err).Msg("symbol data load failed")
			continue
		}
		data[sym.Ticker] = d
		sectorOf[sym.Ticker] = sym.Sector
	}

	// Extract raw sub-metric values across the universe, then normalize
	// each sub-metric cross-sectionally.
	raw := make(map[string]map[string]float64, len(s.def.SubMetrics))
	inputs := make(map[string]map[string]float64, len(data))
	for _, sm := range s.def.SubMetrics {
		vals := map[string]float64{}
		for ticker, d := range data {
			if s.def.MinHistory > 0 && len(d.Prices) < s.def.MinHistory {
				// Insufficient history yields NULL, never a default.
				continue
			}
			v := sm.Extract(d)
			if v == nil {
				continue
			}
			vals[ticker] = *v
			if inputs[ticker] == nil {
				inputs[ticker] = map[string]float64{}
			}
			inputs[ticker][sm.Name] = *v
		}
		raw[sm.Name] = vals
	}

	norm := make(map[string]map[string]float64, len(raw))
	for name, vals := range raw {
		switch s.def.Normalization {
		case NormSectorZScore:
			norm[name] = stats.GroupZScores(vals, sectorOf)
		default:
			norm[name] = stats.PercentileRanks(vals)
		}
	}

	batchSize := p.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	var batch []domain.FactorMetric
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := upsertMetricsWithRetry(ctx, s.store.Metrics, batch); err != nil {
			return err
		}
		res.RowsWritten += len(batch)
		batch = batch[:0]
		return nil
	}

	for ticker := range data {
		metric := domain.FactorMetric{
			Symbol:    ticker,
			Date:      domain.Day(p.Date),
			Category:  s.def.Category,
			Inputs:    inputs[ticker],
			SubScores: map[string]float64{},
		}

		// Renormalize sub-weights over the sub-metrics actually present.
		var sumW, sumWS float64
		for _, sm := range s.def.SubMetrics {
			score, ok := norm[sm.Name][ticker]
			if !ok {
				continue
			}
			metric.SubScores[sm.Name] = score
			sumW += sm.Weight
			sumWS += sm.Weight * score
		}
		if sumW == 0 {
			metric.NullReason = "no sub-metric inputs available"
		} else {
			metric.Score = domain.Float(sumWS / sumW)
		}
		if metric.Inputs == nil {
			metric.Inputs = map[string]float64{}
		}

		batch = append(batch, metric)
		res.Processed++
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}
	return res, nil
}

func upsertMetricsWithRetry(ctx context.Context, repo store.MetricRepo, rows []domain.FactorMetric) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = repo.UpsertBatch(ctx, rows); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-time.After(time.Duration(attempt+1) * 500 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return &domain.PersistenceError{Op: "upsert factor metrics batch", Err: err}
}
