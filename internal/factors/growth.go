package factors

import "github.com/quantfold/factorpipe/internal/domain"

// Growth needs two fiscal years of statements; symbols with a single
// statement produce a NULL growth score.
func Growth() Definition {
	return Definition{
		Category:      domain.CategoryGrowth,
		Normalization: NormPercentile,
		SubMetrics: []SubMetric{
			{
				Name:   "revenue_growth_yoy",
				Weight: 0.40,
				Extract: func(d *SymbolData) *float64 {
					return d.growthRate("revenue")
				},
			},
			{
				Name:   "eps_growth_yoy",
				Weight: 0.40,
				Extract: func(d *SymbolData) *float64 {
					return d.growthRate("eps")
				},
			},
			{
				Name:   "margin_trend",
				Weight: 0.20,
				Extract: func(d *SymbolData) *float64 {
					cur := d.fund("operating_margin")
					prev := d.fundPrev("operating_margin")
					if cur == nil || prev == nil {
						return nil
					}
					return domain.Float(*cur - *prev)
				},
			},
		},
	}
}
