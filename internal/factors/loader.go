package factors

import (
	"context"
	"time"

	"github.com/quantfold/factorpipe/internal/domain"
	"github.com/quantfold/factorpipe/internal/store"
)

// Lookback windows per source. Pricing covers the 252-day requirements with
// calendar slack; fundamentals covers two fiscal years of statements.
const (
	pricingLookbackDays      = 600
	fundamentalsLookbackDays = 800
	ownershipLookbackDays    = 120

	// A statement at least this much older than the latest counts as the
	// prior fiscal year for growth comparisons.
	priorYearMinGapDays = 300
)

type loader struct {
	store *store.Store
	date  time.Time
}

func newLoader(st *store.Store, date time.Time) *loader {
	return &loader{store: st, date: domain.Day(date)}
}

// load gathers everything a Definition may extract for one symbol. Only
// observations dated on or before the run date are visible (no look-ahead).
func (l *loader) load(ctx context.Context, sym domain.Symbol) (*SymbolData, error) {
	d := &SymbolData{Symbol: sym}

	pricing, err := l.store.Observations.ListBySymbol(ctx, sym.Ticker, domain.SourcePricing,
		domain.DateRange{From: l.date.AddDate(0, 0, -pricingLookbackDays), To: l.date})
	if err != nil {
		return nil, err
	}
	for _, o := range pricing {
		close, ok := o.Fields["close"]
		if !ok || close <= 0 {
			continue
		}
		d.Prices = append(d.Prices, PricePoint{
			Date:   o.Date,
			Close:  close,
			Volume: o.Fields["volume"],
		})
	}

	fundamentals, err := l.store.Observations.ListBySymbol(ctx, sym.Ticker, domain.SourceFundamentals,
		domain.DateRange{From: l.date.AddDate(0, 0, -fundamentalsLookbackDays), To: l.date})
	if err != nil {
		return nil, err
	}
	if n := len(fundamentals); n > 0 {
		latest := fundamentals[n-1]
		d.Fundamentals = latest.Fields
		cutoff := latest.Date.AddDate(0, 0, -priorYearMinGapDays)
		for i := n - 2; i >= 0; i-- {
			if !fundamentals[i].Date.After(cutoff) {
				d.FundamentalsPrev = fundamentals[i].Fields
				break
			}
		}
	}

	ownership, err := l.store.Observations.ListBySymbol(ctx, sym.Ticker, domain.SourceOwnership,
		domain.DateRange{From: l.date.AddDate(0, 0, -ownershipLookbackDays), To: l.date})
	if err != nil {
		return nil, err
	}
	if n := len(ownership); n > 0 {
		d.Ownership = ownership[n-1].Fields
	}

	return d, nil
}

// lastClose returns the most recent close, nil without price history.
func (d *SymbolData) lastClose() *float64 {
	if len(d.Prices) == 0 {
		return nil
	}
	return domain.Float(d.Prices[len(d.Prices)-1].Close)
}

// trailingReturn is the return between fromAgo and toAgo trading days back
// (fromAgo > toAgo). Nil when history is shorter than fromAgo bars.
func (d *SymbolData) trailingReturn(fromAgo, toAgo int) *float64 {
	n := len(d.Prices)
	if n <= fromAgo {
		return nil
	}
	from := d.Prices[n-1-fromAgo].Close
	to := d.Prices[n-1-toAgo].Close
	if from <= 0 {
		return nil
	}
	return domain.Float(to/from - 1)
}

// closes returns the last n closing prices, nil when history is shorter.
func (d *SymbolData) closes(n int) []float64 {
	if len(d.Prices) < n {
		return nil
	}
	out := make([]float64, n)
	for i, p := range d.Prices[len(d.Prices)-n:] {
		out[i] = p.Close
	}
	return out
}

// fund reads one field of the latest statement; nil when absent.
func (d *SymbolData) fund(field string) *float64 {
	v, ok := d.Fundamentals[field]
	if !ok {
		return nil
	}
	return domain.Float(v)
}

func (d *SymbolData) fundPrev(field string) *float64 {
	v, ok := d.FundamentalsPrev[field]
	if !ok {
		return nil
	}
	return domain.Float(v)
}

// own reads one field of the latest ownership snapshot; nil when absent.
func (d *SymbolData) own(field string) *float64 {
	v, ok := d.Ownership[field]
	if !ok {
		return nil
	}
	return domain.Float(v)
}

// yield divides a per-share fundamental by the last close; nil when either
// side is missing or the price is non-positive.
func (d *SymbolData) yield(field string) *float64 {
	v := d.fund(field)
	px := d.lastClose()
	if v == nil || px == nil || *px <= 0 {
		return nil
	}
	return domain.Float(*v / *px)
}

// growthRate is the year-over-year change of a fundamental field relative to
// the prior year's magnitude.
func (d *SymbolData) growthRate(field string) *float64 {
	cur := d.fund(field)
	prev := d.fundPrev(field)
	if cur == nil || prev == nil || *prev == 0 {
		return nil
	}
	if *prev < 0 {
		return domain.Float((*cur - *prev) / -*prev)
	}
	return domain.Float((*cur - *prev) / *prev)
}
