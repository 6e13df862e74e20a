package catalog

import (
	"fmt"
	"sort"

	"github.com/wonny/aegis-macro/backend/internal/contracts"
)

// Registry is the typed, validated catalog. Immutable after build.
type Registry struct {
	sources     map[string]SourceSpec
	sourceOrder []string

	series      map[string]contracts.SeriesMeta
	seriesOrder []string

	metrics     map[string]contracts.Metric
	metricOrder []string

	formulas     map[string]contracts.CompositeFormula
	formulaOrder []string

	monitors []contracts.Monitor

	problems []error
}

func build(doc *Document, fdoc *FormulaDocument) (*Registry, error) {
	r := &Registry{
		sources:  make(map[string]SourceSpec),
		series:   make(map[string]contracts.SeriesMeta),
		metrics:  make(map[string]contracts.Metric),
		formulas: make(map[string]contracts.CompositeFormula),
	}

	// 1. Sources (중복 이름은 catalog 전체 오류)
	for _, s := range doc.Sources {
		if _, dup := r.sources[s.Name]; dup {
			return nil, configErr("catalog", s.Name, "duplicate source")
		}
		if err := validateSource(s); err != nil {
			r.problems = append(r.problems, err)
			continue
		}
		r.sources[s.Name] = s
		r.sourceOrder = append(r.sourceOrder, s.Name)
	}

	// 2. Series
	ids := make(map[string]bool)
	for _, s := range doc.Series {
		if ids[s.ID] {
			return nil, configErr("catalog", s.ID, "duplicate series id")
		}
		ids[s.ID] = true
		if err := validateSeries(s, r.sources); err != nil {
			r.problems = append(r.problems, err)
			continue
		}
		r.series[s.ID] = s.meta()
		r.seriesOrder = append(r.seriesOrder, s.ID)
	}

	// 3. Derived metrics
	for _, m := range doc.Metrics {
		if ids[m.ID] {
			return nil, configErr("catalog", m.ID, "metric id collides with another series or metric")
		}
		ids[m.ID] = true
		if err := validateMetric(m); err != nil {
			r.problems = append(r.problems, err)
			continue
		}
		if _, ok := r.series[m.Base]; !ok {
			r.problems = append(r.problems, configErr("metric", m.ID, "unknown or rejected base series %q", m.Base))
			continue
		}
		r.metrics[m.ID] = contracts.Metric{ID: m.ID, Base: m.Base, Transform: m.Transform}
		r.metricOrder = append(r.metricOrder, m.ID)
	}

	// 4. Formulas (등록 시점 검증, 실패한 formula만 제외)
	for _, f := range fdoc.Formulas {
		if _, dup := r.formulas[f.Name]; dup {
			r.problems = append(r.problems, configErr("formula", f.Name, "declared more than once"))
			continue
		}
		if err := ValidateFormula(f, r); err != nil {
			r.problems = append(r.problems, err)
			continue
		}
		r.formulas[f.Name] = f
		r.formulaOrder = append(r.formulaOrder, f.Name)
	}

	// 5. Monitors
	names := make(map[string]bool)
	for _, m := range fdoc.Monitors {
		if names[m.Name] {
			r.problems = append(r.problems, configErr("monitor", m.Name, "declared more than once"))
			continue
		}
		names[m.Name] = true
		if err := ValidateMonitor(m, r); err != nil {
			r.problems = append(r.problems, err)
			continue
		}
		if m.ExitConfirm == 0 {
			m.ExitConfirm = m.Confirm
		}
		if len(m.Bands) == 0 {
			m.Bands = r.formulas[m.Indicator].Bands
		}
		r.monitors = append(r.monitors, m)
	}

	return r, nil
}

// Problems returns every per-entry configuration error found at load.
// Affected entries are excluded; everything else is usable.
func (r *Registry) Problems() []error {
	return r.problems
}

// Source returns a source spec by name.
func (r *Registry) Source(name string) (SourceSpec, bool) {
	s, ok := r.sources[name]
	return s, ok
}

// Sources returns source names in declaration order.
func (r *Registry) Sources() []string {
	return append([]string(nil), r.sourceOrder...)
}

// Series returns the metadata for id.
func (r *Registry) Series(id string) (contracts.SeriesMeta, bool) {
	m, ok := r.series[id]
	return m, ok
}

// AllSeries returns every accepted series in declaration order.
func (r *Registry) AllSeries() []contracts.SeriesMeta {
	out := make([]contracts.SeriesMeta, 0, len(r.seriesOrder))
	for _, id := range r.seriesOrder {
		out = append(out, r.series[id])
	}
	return out
}

// SeriesBySource returns the series fetched from source.
func (r *Registry) SeriesBySource(source string) []contracts.SeriesMeta {
	var out []contracts.SeriesMeta
	for _, id := range r.seriesOrder {
		if m := r.series[id]; m.Source == source {
			out = append(out, m)
		}
	}
	return out
}

// Metric resolves a metric id. A bare series id resolves to its level metric.
func (r *Registry) Metric(id string) (contracts.Metric, error) {
	if m, ok := r.metrics[id]; ok {
		return m, nil
	}
	if _, ok := r.series[id]; ok {
		return contracts.Metric{ID: id, Base: id, Transform: contracts.Transform{Kind: contracts.TransformLevel}}, nil
	}
	return contracts.Metric{}, fmt.Errorf("unknown metric %q", id)
}

// BaseSeries returns the series a metric is computed from.
func (r *Registry) BaseSeries(metricID string) (contracts.SeriesMeta, error) {
	m, err := r.Metric(metricID)
	if err != nil {
		return contracts.SeriesMeta{}, err
	}
	meta, ok := r.series[m.Base]
	if !ok {
		return contracts.SeriesMeta{}, fmt.Errorf("metric %q: unknown base series %q", metricID, m.Base)
	}
	return meta, nil
}

// ActiveMetrics returns the sorted set of metrics used by any registered
// formula or metric monitor. These are the horizon panel's columns.
func (r *Registry) ActiveMetrics() []contracts.Metric {
	set := make(map[string]bool)
	for _, name := range r.formulaOrder {
		for _, in := range r.formulas[name].Inputs {
			set[in.Metric] = true
		}
	}
	for _, m := range r.monitors {
		if m.Kind == contracts.IndicatorMetric {
			set[m.Indicator] = true
		}
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]contracts.Metric, 0, len(ids))
	for _, id := range ids {
		if m, err := r.Metric(id); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// Formula returns a registered formula by name.
func (r *Registry) Formula(name string) (contracts.CompositeFormula, bool) {
	f, ok := r.formulas[name]
	return f, ok
}

// Formulas returns registered formulas in declaration order.
func (r *Registry) Formulas() []contracts.CompositeFormula {
	out := make([]contracts.CompositeFormula, 0, len(r.formulaOrder))
	for _, name := range r.formulaOrder {
		out = append(out, r.formulas[name])
	}
	return out
}

// Monitors returns validated monitors with defaults applied.
func (r *Registry) Monitors() []contracts.Monitor {
	return append([]contracts.Monitor(nil), r.monitors...)
}
