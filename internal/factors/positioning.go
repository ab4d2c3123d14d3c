package factors

import "github.com/quantfold/factorpipe/internal/domain"

// Positioning reads institutional, insider and analyst-flow fields from the
// ownership snapshot. Short interest is negated: crowded shorts rank low.
func Positioning() Definition {
	return Definition{
		Category:      domain.CategoryPositioning,
		Normalization: NormPercentile,
		SubMetrics: []SubMetric{
			{
				Name:   "institutional_chg",
				Weight: 0.35,
				Extract: func(d *SymbolData) *float64 {
					return d.own("institutional_chg")
				},
			},
			{
				Name:   "insider_net_buying",
				Weight: 0.25,
				Extract: func(d *SymbolData) *float64 {
					return d.own("insider_net_ratio")
				},
			},
			{
				Name:   "low_short_interest",
				Weight: 0.25,
				Extract: func(d *SymbolData) *float64 {
					v := d.own("short_interest_pct")
					if v == nil {
						return nil
					}
					return domain.Float(-*v)
				},
			},
			{
				Name:   "estimate_revisions",
				Weight: 0.15,
				Extract: func(d *SymbolData) *float64 {
					return d.own("est_revision_pct")
				},
			},
		},
	}
}
