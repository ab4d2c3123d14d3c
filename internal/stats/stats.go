// Package stats provides the cross-sectional normalization primitives used
// by factor stages and composite ranking.
package stats

import (
	"math"
	"sort"
)

// PercentileRanks maps each key's value to a tie-averaged percentile on a
// 0–100 scale. With n values, the i-th ranked value (1-based, ties averaged)
// scores (rank-0.5)/n*100, so a lone value lands at 50.
func PercentileRanks(values map[string]float64) map[string]float64 {
	n := len(values)
	if n == 0 {
		return map[string]float64{}
	}

	type kv struct {
		key string
		val float64
	}
	sorted := make([]kv, 0, n)
	for k, v := range values {
		sorted = append(sorted, kv{k, v})
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].val != sorted[j].val {
			return sorted[i].val < sorted[j].val
		}
		return sorted[i].key < sorted[j].key
	})

	out := make(map[string]float64, n)
	for i := 0; i < n; {
		j := i
		for j < n && sorted[j].val == sorted[i].val {
			j++
		}
		// 1-based ranks i+1..j averaged across the tie group.
		avgRank := float64(i+1+j) / 2.0
		pct := (avgRank - 0.5) / float64(n) * 100.0
		for k := i; k < j; k++ {
			out[sorted[k].key] = pct
		}
		i = j
	}
	return out
}

// GroupZScores z-scores each value against its group's mean and standard
// deviation, then maps the z through the normal CDF to a 0–100 score.
// Groups too small or degenerate for a z-score fall back to 50.
func GroupZScores(values map[string]float64, groupOf map[string]string) map[string]float64 {
	groups := map[string][]string{}
	for k := range values {
		groups[groupOf[k]] = append(groups[groupOf[k]], k)
	}

	out := make(map[string]float64, len(values))
	for _, members := range groups {
		if len(members) < 2 {
			for _, k := range members {
				out[k] = 50
			}
			continue
		}
		var sum float64
		for _, k := range members {
			sum += values[k]
		}
		mean := sum / float64(len(members))
		var ss float64
		for _, k := range members {
			d := values[k] - mean
			ss += d * d
		}
		sd := math.Sqrt(ss / float64(len(members)-1))
		if sd == 0 {
			for _, k := range members {
				out[k] = 50
			}
			continue
		}
		for _, k := range members {
			z := (values[k] - mean) / sd
			out[k] = NormCDF(z) * 100
		}
	}
	return out
}

// NormCDF is the standard normal cumulative distribution function.
func NormCDF(z float64) float64 {
	return 0.5 * (1 + math.Erf(z/math.Sqrt2))
}

// AnnualizedVol is the sample standard deviation of daily log returns
// scaled by √252. Returns false with fewer than two returns.
func AnnualizedVol(closes []float64) (float64, bool) {
	if len(closes) < 3 {
		return 0, false
	}
	rets := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			continue
		}
		rets = append(rets, math.Log(closes[i]/closes[i-1]))
	}
	if len(rets) < 2 {
		return 0, false
	}
	var sum float64
	for _, r := range rets {
		sum += r
	}
	mean := sum / float64(len(rets))
	var ss float64
	for _, r := range rets {
		d := r - mean
		ss += d * d
	}
	sd := math.Sqrt(ss / float64(len(rets)-1))
	return sd * math.Sqrt(252), true
}

// MaxDrawdown is the largest peak-to-trough decline of the series, as a
// positive fraction. Returns false for series too short to evaluate.
func MaxDrawdown(closes []float64) (float64, bool) {
	if len(closes) < 2 {
		return 0, false
	}
	peak := closes[0]
	worst := 0.0
	for _, c := range closes[1:] {
		if c > peak {
			peak = c
			continue
		}
		if peak > 0 {
			dd := (peak - c) / peak
			if dd > worst {
				worst = dd
			}
		}
	}
	return worst, true
}

// DownsideDeviation is the annualized standard deviation of negative daily
// returns only. Returns false when there are too few negative returns.
func DownsideDeviation(closes []float64) (float64, bool) {
	if len(closes) < 3 {
		return 0, false
	}
	var neg []float64
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 {
			continue
		}
		r := closes[i]/closes[i-1] - 1
		if r < 0 {
			neg = append(neg, r)
		}
	}
	if len(neg) < 2 {
		return 0, false
	}
	var ss float64
	for _, r := range neg {
		ss += r * r
	}
	return math.Sqrt(ss/float64(len(neg))) * math.Sqrt(252), true
}
