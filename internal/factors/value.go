package factors

import "github.com/quantfold/factorpipe/internal/domain"

// Value compares per-share yields against sector peers; higher yield means
// cheaper relative to the peer group.
func Value() Definition {
	return Definition{
		Category:      domain.CategoryValue,
		Normalization: NormSectorZScore,
		SubMetrics: []SubMetric{
			{
				Name:   "earnings_yield",
				Weight: 0.35,
				Extract: func(d *SymbolData) *float64 {
					return d.yield("eps")
				},
			},
			{
				Name:   "book_to_price",
				Weight: 0.25,
				Extract: func(d *SymbolData) *float64 {
					return d.yield("book_value_ps")
				},
			},
			{
				Name:   "sales_to_price",
				Weight: 0.20,
				Extract: func(d *SymbolData) *float64 {
					return d.yield("sales_ps")
				},
			},
			{
				Name:   "fcf_yield",
				Weight: 0.20,
				Extract: func(d *SymbolData) *float64 {
					return d.yield("fcf_ps")
				},
			},
		},
	}
}
