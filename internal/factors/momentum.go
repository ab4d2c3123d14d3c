package factors

import "github.com/quantfold/factorpipe/internal/domain"

// Momentum requires a full trading year of price history. The 12-month
// return skips the most recent month to avoid short-term reversal.
func Momentum() Definition {
	return Definition{
		Category:      domain.CategoryMomentum,
		Normalization: NormPercentile,
		MinHistory:    252,
		SubMetrics: []SubMetric{
			{
				Name:   "ret_12m_ex_1m",
				Weight: 0.5,
				Extract: func(d *SymbolData) *float64 {
					return d.trailingReturn(252, 21)
				},
			},
			{
				Name:   "ret_6m",
				Weight: 0.3,
				Extract: func(d *SymbolData) *float64 {
					return d.trailingReturn(126, 0)
				},
			},
			{
				Name:   "ret_3m",
				Weight: 0.2,
				Extract: func(d *SymbolData) *float64 {
					return d.trailingReturn(63, 0)
				},
			},
		},
	}
}
