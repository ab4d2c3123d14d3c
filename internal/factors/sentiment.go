package factors

import "github.com/quantfold/factorpipe/internal/domain"

// Sentiment combines news tone with analyst opinion. Analyst ratings use a
// 1 (strong buy) to 5 (sell) scale, negated so better ratings rank higher.
func Sentiment() Definition {
	return Definition{
		Category:      domain.CategorySentiment,
		Normalization: NormPercentile,
		SubMetrics: []SubMetric{
			{
				Name:   "news_sentiment",
				Weight: 0.40,
				Extract: func(d *SymbolData) *float64 {
					return d.own("news_sentiment")
				},
			},
			{
				Name:   "net_rating_changes",
				Weight: 0.30,
				Extract: func(d *SymbolData) *float64 {
					return d.own("rating_changes_net")
				},
			},
			{
				Name:   "analyst_rating",
				Weight: 0.30,
				Extract: func(d *SymbolData) *float64 {
					v := d.own("analyst_rating")
					if v == nil || *v <= 0 {
						return nil
					}
					return domain.Float(-*v)
				},
			},
		},
	}
}

// Definitions returns all seven category definitions in canonical order.
func Definitions() []Definition {
	return []Definition{
		Momentum(),
		Value(),
		Quality(),
		Growth(),
		Positioning(),
		Risk(),
		Sentiment(),
	}
}
