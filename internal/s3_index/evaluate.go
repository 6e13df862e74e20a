package s3_index

import (
	"math"
	"time"

	"github.com/wonny/aegis-macro/backend/internal/contracts"
)

// Evaluate computes one index value from a horizon row.
// value = Σ(weight × sign × z) over present inputs; under renormalize the sum is
// divided by the present weight, under fail_closed any missing input leaves it undefined.
// The formula must have passed registration (valid weights and bands).
func Evaluate(f contracts.CompositeFormula, date time.Time, cells map[string]contracts.HorizonCell) contracts.IndexValue {
	out := contracts.IndexValue{
		Index:          f.Name,
		Date:           date,
		FormulaVersion: f.Version,
	}

	var sum, present float64
	for _, in := range f.Inputs {
		c, ok := cells[in.Metric]
		if !ok || c.ZScore == nil || math.IsNaN(*c.ZScore) {
			out.MissingInputs = append(out.MissingInputs, in.Metric)
			continue
		}
		sum += in.Weight * float64(in.Sign) * *c.ZScore
		present += in.Weight
	}
	out.Coverage = present

	switch {
	case present == 0:
		return out
	case len(out.MissingInputs) == 0:
	case f.MissingPolicy == contracts.Renormalize:
		if present < f.MinCoverage {
			return out
		}
		sum /= present
	default:
		// fail_closed; an unknown policy never reaches here after registration
		return out
	}

	_, label, err := f.Bands.Classify(sum)
	if err != nil {
		return out
	}
	v := sum
	out.Value = &v
	out.Regime = label
	return out
}
