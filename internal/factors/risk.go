package factors

import (
	"github.com/quantfold/factorpipe/internal/domain"
	"github.com/quantfold/factorpipe/internal/stats"
)

// Risk rewards stability: volatility, drawdown and downside deviation over
// a trading year, each negated so that calmer symbols rank higher.
func Risk() Definition {
	return Definition{
		Category:      domain.CategoryRisk,
		Normalization: NormPercentile,
		MinHistory:    252,
		SubMetrics: []SubMetric{
			{
				Name:   "low_volatility",
				Weight: 0.50,
				Extract: func(d *SymbolData) *float64 {
					closes := d.closes(253)
					if closes == nil {
						return nil
					}
					vol, ok := stats.AnnualizedVol(closes)
					if !ok {
						return nil
					}
					return domain.Float(-vol)
				},
			},
			{
				Name:   "low_drawdown",
				Weight: 0.30,
				Extract: func(d *SymbolData) *float64 {
					closes := d.closes(253)
					if closes == nil {
						return nil
					}
					dd, ok := stats.MaxDrawdown(closes)
					if !ok {
						return nil
					}
					return domain.Float(-dd)
				},
			},
			{
				Name:   "low_downside_dev",
				Weight: 0.20,
				Extract: func(d *SymbolData) *float64 {
					closes := d.closes(253)
					if closes == nil {
						return nil
					}
					dev, ok := stats.DownsideDeviation(closes)
					if !ok {
						return nil
					}
					return domain.Float(-dev)
				},
			},
		},
	}
}
