package factors

import "github.com/quantfold/factorpipe/internal/domain"

// Quality scores profitability and balance-sheet strength against sector
// peers. Leverage is negated so that lower debt ranks higher.
func Quality() Definition {
	return Definition{
		Category:      domain.CategoryQuality,
		Normalization: NormSectorZScore,
		SubMetrics: []SubMetric{
			{
				Name:   "roe",
				Weight: 0.40,
				Extract: func(d *SymbolData) *float64 {
					return d.fund("roe")
				},
			},
			{
				Name:   "gross_margin",
				Weight: 0.30,
				Extract: func(d *SymbolData) *float64 {
					return d.fund("gross_margin")
				},
			},
			{
				Name:   "low_leverage",
				Weight: 0.30,
				Extract: func(d *SymbolData) *float64 {
					v := d.fund("debt_to_equity")
					if v == nil || *v < 0 {
						return nil
					}
					return domain.Float(-*v)
				},
			},
		},
	}
}
