package transform

import (
	"fmt"
	"math"
	"time"

	"github.com/wonny/aegis-macro/backend/internal/contracts"
)

// Derive applies a metric transform to a date-ordered raw series.
// Each output value at date d depends only on raw observations dated <= d,
// so the base series' availability rule still applies to the result.
func Derive(freq contracts.Frequency, t contracts.Transform, obs []contracts.Observation) ([]contracts.Observation, error) {
	switch t.Kind {
	case "", contracts.TransformLevel:
		return append([]contracts.Observation(nil), obs...), nil

	case contracts.TransformYoY:
		n := freq.PeriodsPerYear()
		return mapPrior(freq, obs, n, func(cur, prev float64) (float64, bool) {
			if prev == 0 {
				return 0, false
			}
			return (cur/prev - 1) * 100, true
		}), nil

	case contracts.TransformAnnualized:
		n := t.Periods
		if n <= 0 {
			return nil, fmt.Errorf("annualized transform needs periods > 0")
		}
		exp := float64(freq.PeriodsPerYear()) / float64(n)
		return mapPrior(freq, obs, n, func(cur, prev float64) (float64, bool) {
			if prev <= 0 || cur <= 0 {
				return 0, false
			}
			return (math.Pow(cur/prev, exp) - 1) * 100, true
		}), nil

	case contracts.TransformDiff:
		n := t.Periods
		if n <= 0 {
			n = 1
		}
		return mapPrior(freq, obs, n, func(cur, prev float64) (float64, bool) {
			return cur - prev, true
		}), nil

	case contracts.TransformMomentum:
		if t.Short <= 0 || t.Long <= t.Short {
			return nil, fmt.Errorf("momentum transform needs 0 < short < long")
		}
		return momentum(obs, t.Short, t.Long), nil
	}
	return nil, fmt.Errorf("unknown transform %q", t.Kind)
}

// mapPrior pairs each observation with the one n periods earlier.
// Daily series count observations; other frequencies match the exact period key,
// so a gap in the raw series yields no derived value rather than a wrong one.
func mapPrior(freq contracts.Frequency, obs []contracts.Observation, n int, f func(cur, prev float64) (float64, bool)) []contracts.Observation {
	out := make([]contracts.Observation, 0, len(obs))

	if freq == contracts.Daily {
		for i := n; i < len(obs); i++ {
			if v, ok := f(obs[i].Value, obs[i-n].Value); ok {
				out = append(out, contracts.Observation{SeriesID: obs[i].SeriesID, Date: obs[i].Date, Value: v})
			}
		}
		return out
	}

	byDate := make(map[time.Time]float64, len(obs))
	for _, o := range obs {
		byDate[o.Date] = o.Value
	}
	for _, o := range obs {
		prev, ok := byDate[freq.Shift(o.Date, -n)]
		if !ok {
			continue
		}
		if v, ok := f(o.Value, prev); ok {
			out = append(out, contracts.Observation{SeriesID: o.SeriesID, Date: o.Date, Value: v})
		}
	}
	return out
}

// momentum is the short trailing mean minus the long trailing mean.
func momentum(obs []contracts.Observation, short, long int) []contracts.Observation {
	out := make([]contracts.Observation, 0, len(obs))
	prefix := make([]float64, len(obs)+1)
	for i, o := range obs {
		prefix[i+1] = prefix[i] + o.Value
	}
	for i := long - 1; i < len(obs); i++ {
		s := (prefix[i+1] - prefix[i+1-short]) / float64(short)
		l := (prefix[i+1] - prefix[i+1-long]) / float64(long)
		out = append(out, contracts.Observation{SeriesID: obs[i].SeriesID, Date: obs[i].Date, Value: s - l})
	}
	return out
}
