// Package composite combines category scores into one weighted composite
// per symbol per date, with percentile ranking across the universe and an
// optional within-sector re-rank. Weights are renormalized over the
// categories actually present; missing data lowers completeness instead of
// being replaced by a default.
package composite

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/factorpipe/internal/config"
	"github.com/quantfold/factorpipe/internal/domain"
	"github.com/quantfold/factorpipe/internal/pipeline"
	"github.com/quantfold/factorpipe/internal/stats"
	"github.com/quantfold/factorpipe/internal/store"
)

const weightEpsilon = 1e-4

// Engine assembles composite scores for one date at a time.
type Engine struct {
	weights        map[domain.Category]float64
	totalWeight    float64
	minCoverage    float64
	sectorRelative bool
	sectorMinPeers int
	store          *store.Store
}

// New validates the weight configuration and builds the engine. Weights not
// summing to 1.0 (±1e-4) are a fatal ConfigError: construction fails before
// any stage can run.
func New(weights map[domain.Category]float64, cfg config.CompositeConfig, st *store.Store) (*Engine, error) {
	if len(weights) == 0 {
		return nil, &domain.ConfigError{Field: "weights", Reason: "no category weights configured"}
	}
	known := map[domain.Category]bool{}
	for _, c := range domain.Categories() {
		known[c] = true
	}
	total := 0.0
	for c, w := range weights {
		if !known[c] {
			return nil, &domain.ConfigError{Field: "weights." + string(c), Reason: "unknown category"}
		}
		if w < 0 {
			return nil, &domain.ConfigError{Field: "weights." + string(c), Reason: "must be >= 0"}
		}
		total += w
	}
	if math.Abs(total-1.0) > weightEpsilon {
		return nil, &domain.ConfigError{Field: "weights", Reason: fmt.Sprintf("must sum to 1.0 (±%v), got %v", weightEpsilon, total)}
	}
	return &Engine{
		weights:        weights,
		totalWeight:    total,
		minCoverage:    cfg.MinCoverage,
		sectorRelative: cfg.SectorRelative,
		sectorMinPeers: cfg.SectorMinPeers,
		store:          st,
	}, nil
}

// ScoreDate computes composite scores for every symbol with at least one
// non-null factor metric for the date. Reads only metrics of that exact
// date. Idempotent upsert by (symbol, date).
func (e *Engine) ScoreDate(ctx context.Context, date time.Time) (pipeline.Result, error) {
	var res pipeline.Result
	date = domain.Day(date)

	metrics, err := e.store.Metrics.ListByDate(ctx, date)
	if err != nil {
		return res, &domain.PersistenceError{Op: "list factor metrics", Err: err}
	}
	bySymbol := map[string]map[domain.Category]*float64{}
	for _, m := range metrics {
		if m.Score == nil {
			continue
		}
		if bySymbol[m.Symbol] == nil {
			bySymbol[m.Symbol] = map[domain.Category]*float64{}
		}
		bySymbol[m.Symbol][m.Category] = m.Score
	}
	if len(bySymbol) == 0 {
		log.Info().Str("date", domain.DayKey(date)).Msg("no factor metrics to score")
		return res, nil
	}

	res.Coverage = map[string]int{}
	for _, cats := range bySymbol {
		for cat := range cats {
			res.Coverage[string(cat)]++
		}
	}

	sectorOf := map[string]string{}
	active, err := e.store.Symbols.ListActive(ctx)
	if err != nil {
		return res, &domain.PersistenceError{Op: "list active symbols", Err: err}
	}
	for _, s := range active {
		sectorOf[s.Ticker] = s.Sector
	}

	scores := make(map[string]*domain.CompositeScore, len(bySymbol))
	for symbol, cats := range bySymbol {
		row := &domain.CompositeScore{
			Symbol:        symbol,
			Date:          date,
			Contributions: map[domain.Category]float64{},
		}
		var presentW, weighted float64
		for cat, w := range e.weights {
			score, ok := cats[cat]
			if !ok || w == 0 {
				continue
			}
			presentW += w
			weighted += w * *score
			row.Contributions[cat] = w * *score
		}
		row.DataCompleteness = presentW / e.totalWeight
		if presentW > 0 && row.DataCompleteness >= e.minCoverage {
			// Renormalize over present categories.
			row.Score = domain.Float(weighted / presentW)
		}
		scores[symbol] = row
		res.Processed++
	}

	// Universe percentile over all non-null composites, ties averaged.
	ranked := map[string]float64{}
	for symbol, row := range scores {
		if row.Score != nil {
			ranked[symbol] = *row.Score
		}
	}
	for symbol, pct := range stats.PercentileRanks(ranked) {
		scores[symbol].PercentileRank = domain.Float(pct)
	}

	if e.sectorRelative {
		e.rankWithinSectors(scores, ranked, sectorOf)
	}

	rows := make([]domain.CompositeScore, 0, len(scores))
	for _, row := range scores {
		rows = append(rows, *row)
	}
	if err := upsertScoresWithRetry(ctx, e.store.Scores, rows); err != nil {
		return res, err
	}
	res.RowsWritten = len(rows)
	return res, nil
}

// rankWithinSectors computes per-sector percentiles for sectors meeting the
// peer floor; smaller groups keep a nil sector percentile.
func (e *Engine) rankWithinSectors(scores map[string]*domain.CompositeScore, ranked map[string]float64, sectorOf map[string]string) {
	groups := map[string]map[string]float64{}
	for symbol, score := range ranked {
		sector := sectorOf[symbol]
		if sector == "" {
			continue
		}
		if groups[sector] == nil {
			groups[sector] = map[string]float64{}
		}
		groups[sector][symbol] = score
	}
	for _, members := range groups {
		if len(members) < e.sectorMinPeers {
			continue
		}
		for symbol, pct := range stats.PercentileRanks(members) {
			scores[symbol].SectorPercentile = domain.Float(pct)
		}
	}
}

// Stage adapts ScoreDate to the orchestrator's stage contract.
func (e *Engine) Stage() pipeline.StageFunc {
	return func(ctx context.Context, p pipeline.Params) (pipeline.Result, error) {
		return e.ScoreDate(ctx, p.Date)
	}
}

func upsertScoresWithRetry(ctx context.Context, repo store.ScoreRepo, rows []domain.CompositeScore) error {
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
	return &domain.PersistenceError{Op: "upsert composite scores batch", Err: err}
}
