package factors

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/factorpipe/internal/domain"
	"github.com/quantfold/factorpipe/internal/pipeline"
	"github.com/quantfold/factorpipe/internal/store"
	"github.com/quantfold/factorpipe/internal/store/memory"
)

var runDate = time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC)

func seedSymbol(t *testing.T, st *store.Store, ticker, sector string) {
	t.Helper()
	err := st.Symbols.UpsertBatch(context.Background(), []domain.Symbol{{
		Ticker: ticker, Name: ticker, Type: domain.InstrumentEquity, Sector: sector, Active: true,
	}})
	require.NoError(t, err)
}

func seedOwnership(t *testing.T, st *store.Store, ticker string, fields map[string]float64) {
	t.Helper()
	err := st.Observations.UpsertBatch(context.Background(), []domain.RawObservation{{
		Symbol: ticker, Date: runDate, SourceCategory: domain.SourceOwnership, Fields: fields,
	}})
	require.NoError(t, err)
}

// seedPrices writes n daily closing bars ending on the run date.
func seedPrices(t *testing.T, st *store.Store, ticker string, closes []float64) {
	t.Helper()
	obs := make([]domain.RawObservation, len(closes))
	for i, c := range closes {
		obs[i] = domain.RawObservation{
			Symbol:         ticker,
			Date:           runDate.AddDate(0, 0, i-len(closes)+1),
			SourceCategory: domain.SourcePricing,
			Fields:         map[string]float64{"close": c, "volume": 1000},
		}
	}
	require.NoError(t, st.Observations.UpsertBatch(context.Background(), obs))
}

func metricsFor(t *testing.T, st *store.Store, cat domain.Category) map[string]domain.FactorMetric {
	t.Helper()
	rows, err := st.Metrics.ListByDate(context.Background(), runDate)
	require.NoError(t, err)
	out := map[string]domain.FactorMetric{}
	for _, m := range rows {
		if m.Category == cat {
			out[m.Symbol] = m
		}
	}
	return out
}

// testDefinition reads two ownership fields so extraction is fully
// deterministic without price history.
func testDefinition() Definition {
	return Definition{
		Category:      domain.CategoryPositioning,
		Normalization: NormPercentile,
		SubMetrics: []SubMetric{
			{Name: "alpha", Weight: 0.6, Extract: func(d *SymbolData) *float64 { return d.own("alpha") }},
			{Name: "beta", Weight: 0.4, Extract: func(d *SymbolData) *float64 { return d.own("beta") }},
		},
	}
}

func TestDefinitionValidate(t *testing.T) {
	require.NoError(t, testDefinition().Validate())

	bad := testDefinition()
	bad.SubMetrics = nil
	require.Error(t, bad.Validate())

	bad = testDefinition()
	bad.SubMetrics[0].Weight = 0
	require.Error(t, bad.Validate())

	bad = testDefinition()
	bad.SubMetrics[1].Extract = nil
	require.Error(t, bad.Validate())
}

func TestStageRenormalizesSubWeights(t *testing.T) {
	st := memory.New()
	seedSymbol(t, st, "XXX", "tech")
	seedSymbol(t, st, "YYY", "tech")
	seedSymbol(t, st, "ZZZ", "tech")
	seedOwnership(t, st, "XXX", map[string]float64{"alpha": 1, "beta": 2})
	seedOwnership(t, st, "YYY", map[string]float64{"alpha": 3}) // beta missing
	seedOwnership(t, st, "ZZZ", map[string]float64{"alpha": 2, "beta": 1})

	stage, err := NewStage(testDefinition(), st)
	require.NoError(t, err)

	res, err := stage.Run(context.Background(), pipeline.Params{Date: runDate})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 3, res.RowsWritten)
	assert.Empty(t, res.Skipped)

	rows := metricsFor(t, st, domain.CategoryPositioning)

	// alpha percentiles over {1,3,2}: XXX 16.67, ZZZ 50, YYY 83.33.
	// beta percentiles over {2,1}: ZZZ 25, XXX 75.
	xxx := rows["XXX"]
	require.NotNil(t, xxx.Score)
	wantX := (0.6*(0.5/3*100) + 0.4*75) / 1.0
	assert.InDelta(t, wantX, *xxx.Score, 1e-9)
	assert.InDelta(t, 1.0, xxx.Inputs["alpha"], 1e-9)
	assert.InDelta(t, 2.0, xxx.Inputs["beta"], 1e-9)

	// YYY has no beta: its weight renormalizes away and the score equals
	// the alpha sub-score alone.
	yyy := rows["YYY"]
	require.NotNil(t, yyy.Score)
	assert.InDelta(t, yyy.SubScores["alpha"], *yyy.Score, 1e-9)
	_, hasBeta := yyy.SubScores["beta"]
	assert.False(t, hasBeta)
	assert.Empty(t, yyy.NullReason)
}

func TestStageNullScoreWithoutInputs(t *testing.T) {
	st := memory.New()
	seedSymbol(t, st, "XXX", "tech")
	seedSymbol(t, st, "EMPTY", "tech")
	seedOwnership(t, st, "XXX", map[string]float64{"alpha": 1, "beta": 2})
	// EMPTY has no ownership observation at all.

	stage, err := NewStage(testDefinition(), st)
	require.NoError(t, err)
	_, err = stage.Run(context.Background(), pipeline.Params{Date: runDate})
	require.NoError(t, err)

	rows := metricsFor(t, st, domain.CategoryPositioning)
	empty := rows["EMPTY"]
	assert.Nil(t, empty.Score)
	assert.Equal(t, "no sub-metric inputs available", empty.NullReason)
	assert.NotNil(t, empty.Inputs)
	assert.Empty(t, empty.Inputs)
}

func TestMomentumRequiresFullHistory(t *testing.T) {
	st := memory.New()
	seedSymbol(t, st, "LONG", "tech")
	seedSymbol(t, st, "SHORT", "tech")

	// 300 ascending bars clears the 252-bar floor; 100 does not.
	long := make([]float64, 300)
	for i := range long {
		long[i] = 100 + float64(i)*0.1
	}
	seedPrices(t, st, "LONG", long)
	seedPrices(t, st, "SHORT", long[:100])

	stage, err := NewStage(Momentum(), st)
	require.NoError(t, err)
	_, err = stage.Run(context.Background(), pipeline.Params{Date: runDate})
	require.NoError(t, err)

	rows := metricsFor(t, st, domain.CategoryMomentum)

	short := rows["SHORT"]
	assert.Nil(t, short.Score, "a symbol below the history floor must stay NULL")
	assert.Equal(t, "no sub-metric inputs available", short.NullReason)

	long2 := rows["LONG"]
	require.NotNil(t, long2.Score)
	// Alone in the ranked set, every sub-metric lands mid-scale.
	assert.InDelta(t, 50.0, *long2.Score, 1e-9)
	assert.Contains(t, long2.Inputs, "ret_12m_ex_1m")
	assert.Contains(t, long2.Inputs, "ret_6m")
	assert.Contains(t, long2.Inputs, "ret_3m")
}

func TestStageSymbolFilter(t *testing.T) {
	st := memory.New()
	seedSymbol(t, st, "XXX", "tech")
	seedSymbol(t, st, "YYY", "tech")
	seedOwnership(t, st, "XXX", map[string]float64{"alpha": 1, "beta": 2})
	seedOwnership(t, st, "YYY", map[string]float64{"alpha": 3, "beta": 4})

	stage, err := NewStage(testDefinition(), st)
	require.NoError(t, err)

	res, err := stage.Run(context.Background(), pipeline.Params{Date: runDate, Symbols: []string{"YYY"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	rows := metricsFor(t, st, domain.CategoryPositioning)
	_, hasX := rows["XXX"]
	assert.False(t, hasX)
	_, hasY := rows["YYY"]
	assert.True(t, hasY)
}

func TestDefinitionsCoverAllCategories(t *testing.T) {
	defs := Definitions()
	require.Len(t, defs, len(domain.Categories()))

	seen := map[domain.Category]bool{}
	for _, def := range defs {
		require.NoError(t, def.Validate())
		assert.False(t, seen[def.Category], "duplicate category %s", def.Category)
		seen[def.Category] = true

		var sum float64
		for _, sm := range def.SubMetrics {
			sum += sm.Weight
		}
		assert.InDelta(t, 1.0, sum, 1e-9, "sub-weights of %s must sum to 1", def.Category)
	}
}

func TestTrailingReturn(t *testing.T) {
	d := &SymbolData{}
	for i := 0; i < 10; i++ {
		d.Prices = append(d.Prices, PricePoint{Close: 100 + float64(i)})
	}
	r := d.trailingReturn(9, 0)
	require.NotNil(t, r)
	assert.InDelta(t, 109.0/100.0-1, *r, 1e-12)

	assert.Nil(t, d.trailingReturn(10, 0), "needs more bars than available")
}

func TestGrowthRateNegativePriorYear(t *testing.T) {
	d := &SymbolData{
		Fundamentals:     map[string]float64{"eps": 1},
		FundamentalsPrev: map[string]float64{"eps": -2},
	}
	g := d.growthRate("eps")
	require.NotNil(t, g)
	// Swinging from -2 to 1 is an improvement, scaled by prior magnitude.
	assert.InDelta(t, 1.5, *g, 1e-12)
	assert.False(t, math.Signbit(*g))
}
