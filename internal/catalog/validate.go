package catalog

import (
	"fmt"
	"math"

	"github.com/wonny/aegis-macro/backend/internal/contracts"
)

var knownAdapters = map[string]bool{"fred": true, "csv": true, "htmltable": true}

func configErr(scope, name, format string, args ...interface{}) *contracts.ConfigError {
	return &contracts.ConfigError{Scope: scope, Name: name, Message: fmt.Sprintf(format, args...)}
}

func validateSource(s SourceSpec) error {
	if s.Name == "" {
		return configErr("source", "", "name is required")
	}
	if !knownAdapters[s.Adapter] {
		return configErr("source", s.Name, "unknown adapter %q", s.Adapter)
	}
	if s.RatePerSec < 0 {
		return configErr("source", s.Name, "rate_per_sec must be >= 0")
	}
	return nil
}

// validateSeries checks the fields every pipeline stage relies on.
// A missing lag is NOT checked here: such a series loads, and only
// formulas that depend on it are rejected.
func validateSeries(s SeriesSpec, sources map[string]SourceSpec) error {
	if s.ID == "" {
		return configErr("series", "", "id is required")
	}
	if _, ok := sources[s.Source]; !ok {
		return configErr("series", s.ID, "unknown source %q", s.Source)
	}
	if !s.Frequency.Valid() {
		return configErr("series", s.ID, "frequency must be daily, weekly, monthly or quarterly (got %q)", s.Frequency)
	}
	if !s.SignConvention.Valid() {
		return configErr("series", s.ID, "sign_convention must be stress_up or stress_down (got %q)", s.SignConvention)
	}
	if s.PublicationLagDays != nil && *s.PublicationLagDays < 0 {
		return configErr("series", s.ID, "publication_lag_days must be >= 0")
	}
	if s.Window.Lookback < 0 || s.Window.Min < 0 {
		return configErr("series", s.ID, "window values must be >= 0")
	}
	w := s.meta().EffectiveWindow()
	if w.Min < 2 || w.Min > w.Lookback {
		return configErr("series", s.ID, "window min must be in [2, lookback], got min=%d lookback=%d", w.Min, w.Lookback)
	}
	return nil
}

func validateMetric(m MetricSpec) error {
	if m.ID == "" {
		return configErr("metric", "", "id is required")
	}
	t := m.Transform
	switch t.Kind {
	case contracts.TransformLevel, contracts.TransformYoY:
	case contracts.TransformAnnualized, contracts.TransformDiff:
		if t.Periods < 1 {
			return configErr("metric", m.ID, "%s transform requires periods >= 1", t.Kind)
		}
	case contracts.TransformMomentum:
		if t.Short < 1 || t.Long <= t.Short {
			return configErr("metric", m.ID, "momentum requires 1 <= short < long")
		}
	default:
		return configErr("metric", m.ID, "unknown transform kind %q", t.Kind)
	}
	return nil
}

// ValidateFormula checks a formula's structure and resolves its inputs against r.
// Registration fails closed: any problem rejects the whole formula.
func ValidateFormula(f contracts.CompositeFormula, r *Registry) error {
	if f.Name == "" {
		return configErr("formula", "", "name is required")
	}
	if f.Version < 1 {
		return configErr("formula", f.Name, "version must be >= 1")
	}
	if !f.Convention.Valid() {
		return configErr("formula", f.Name, "convention must be stress_up or stress_down")
	}
	if !f.MissingPolicy.Valid() {
		return configErr("formula", f.Name, "missing_policy must be declared as fail_closed or renormalize (got %q)", f.MissingPolicy)
	}
	if f.MinCoverage < 0 || f.MinCoverage > 1 {
		return configErr("formula", f.Name, "min_coverage must be in [0, 1]")
	}
	if f.MinCoverage > 0 && f.MissingPolicy != contracts.Renormalize {
		return configErr("formula", f.Name, "min_coverage only applies to renormalize")
	}
	if len(f.Inputs) == 0 {
		return configErr("formula", f.Name, "at least one input is required")
	}

	want := int(f.Convention.Orientation())
	weights := make([]float64, 0, len(f.Inputs))
	seen := make(map[string]bool, len(f.Inputs))
	for i, in := range f.Inputs {
		if in.Metric == "" {
			return configErr("formula", f.Name, "inputs[%d].metric is required", i)
		}
		if seen[in.Metric] {
			return configErr("formula", f.Name, "duplicate input %q", in.Metric)
		}
		seen[in.Metric] = true

		if math.IsNaN(in.Weight) || math.IsInf(in.Weight, 0) || in.Weight <= 0 {
			return configErr("formula", f.Name, "inputs[%d].weight must be a positive finite number", i)
		}
		weights = append(weights, in.Weight)

		// horizon columns all read "higher = more stress"; mixed signs would invert some twice
		if in.Sign != want {
			return configErr("formula", f.Name, "inputs[%d].sign=%d inconsistent with convention %s (want %d)", i, in.Sign, f.Convention, want)
		}

		if r != nil {
			meta, err := r.BaseSeries(in.Metric)
			if err != nil {
				return configErr("formula", f.Name, "input %q: %v", in.Metric, err)
			}
			if meta.PublicationLagDays == nil {
				return configErr("formula", f.Name, "input %q: series %s has no publication_lag_days", in.Metric, meta.ID)
			}
		}
	}

	if err := validateWeightsSum(weights, 1.0, contracts.WeightTolerance); err != nil {
		return configErr("formula", f.Name, "weights %v", err)
	}

	if err := f.Bands.Validate(); err != nil {
		return configErr("formula", f.Name, "bands: %v", err)
	}
	return nil
}

// ValidateMonitor checks a monitor against the registry's formulas and metrics.
func ValidateMonitor(m contracts.Monitor, r *Registry) error {
	if m.Name == "" {
		return configErr("monitor", "", "name is required")
	}
	if m.Confirm < 1 {
		return configErr("monitor", m.Name, "confirm must be >= 1")
	}
	if m.ExitConfirm < 0 {
		return configErr("monitor", m.Name, "exit_confirm must be >= 0")
	}
	if len(m.AlertLabels) == 0 {
		return configErr("monitor", m.Name, "alert_labels is required")
	}

	switch m.Kind {
	case contracts.IndicatorIndex:
		if _, ok := r.Formula(m.Indicator); !ok {
			return configErr("monitor", m.Name, "unknown or rejected index %q", m.Indicator)
		}
	case contracts.IndicatorMetric:
		if _, err := r.Metric(m.Indicator); err != nil {
			return configErr("monitor", m.Name, "%v", err)
		}
		if len(m.Bands) == 0 {
			return configErr("monitor", m.Name, "metric monitors require bands")
		}
	default:
		return configErr("monitor", m.Name, "kind must be index or metric")
	}

	bands := m.Bands
	if len(bands) == 0 {
		f, _ := r.Formula(m.Indicator)
		bands = f.Bands
	}
	if err := bands.Validate(); err != nil {
		return configErr("monitor", m.Name, "bands: %v", err)
	}
	for _, label := range m.AlertLabels {
		if bands.Index(label) < 0 {
			return configErr("monitor", m.Name, "alert label %q not in band table", label)
		}
	}
	return nil
}

// validateWeightsSum checks that weights sum to target within eps
func validateWeightsSum(weights []float64, target, eps float64) error {
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	if math.Abs(sum-target) > eps {
		return fmt.Errorf("must sum to %.1f±%g, got %.8f", target, eps, sum)
	}
	return nil
}
