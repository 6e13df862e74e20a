package transform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wonny/aegis-macro/backend/internal/catalog"
	"github.com/wonny/aegis-macro/backend/internal/contracts"
)

// Engine turns stored observations into look-ahead-safe z-score columns
// ⭐ SSOT: as-of 가용성 규칙은 이 패키지에서만 적용
type Engine struct {
	registry *catalog.Registry
	reader   contracts.ObservationReader
}

// New creates a transform Engine
func New(registry *catalog.Registry, reader contracts.ObservationReader) *Engine {
	return &Engine{registry: registry, reader: reader}
}

// Column computes one horizon column for the given ascending dates.
// A series without lag metadata yields lag_unknown cells plus a
// PublicationLagUnknownError so the caller can log the configuration problem.
func (e *Engine) Column(ctx context.Context, metricID string, dates []time.Time) ([]contracts.HorizonCell, error) {
	metric, err := e.registry.Metric(metricID)
	if err != nil {
		return nil, err
	}
	meta, err := e.registry.BaseSeries(metricID)
	if err != nil {
		return nil, err
	}

	raw, err := e.reader.Observations(ctx, meta.ID)
	if err != nil {
		return nil, err
	}

	derived, err := Derive(meta.Frequency, metric.Transform, raw)
	if err != nil {
		return nil, &contracts.ConfigError{Scope: "metric", Name: metricID, Message: err.Error()}
	}

	cells := Column(metricID, meta, derived, dates)
	if meta.PublicationLagDays == nil {
		return cells, &contracts.PublicationLagUnknownError{SeriesID: meta.ID}
	}
	return cells, nil
}

// Column scores a derived series at each date. dates must be ascending.
func Column(metricID string, meta contracts.SeriesMeta, obs []contracts.Observation, dates []time.Time) []contracts.HorizonCell {
	cells := make([]contracts.HorizonCell, len(dates))
	for i, d := range dates {
		cells[i] = Cell(metricID, meta, obs, d)
	}
	return cells
}

// Cell scores a derived series at a single date.
func Cell(metricID string, meta contracts.SeriesMeta, obs []contracts.Observation, d time.Time) contracts.HorizonCell {
	cell := contracts.HorizonCell{Date: d, MetricID: metricID}
	if len(obs) == 0 && meta.PublicationLagDays != nil {
		cell.Missing = contracts.MissingNoData
		return cell
	}
	score, err := ZScoreAt(meta, obs, d)
	if err != nil {
		cell.Missing = MissingReasonOf(err)
		return cell
	}
	z := score.Z
	cell.ZScore = &z
	return cell
}

// IsLagUnknown reports whether err came from missing lag metadata.
func IsLagUnknown(err error) bool {
	var lu *contracts.PublicationLagUnknownError
	return errors.As(err, &lu)
}

// Describe is a short label for a metric's transform, used in logs and the API.
func Describe(t contracts.Transform) string {
	switch t.Kind {
	case contracts.TransformAnnualized, contracts.TransformDiff:
		return fmt.Sprintf("%s(%d)", t.Kind, t.Periods)
	case contracts.TransformMomentum:
		return fmt.Sprintf("momentum(%d,%d)", t.Short, t.Long)
	case "":
		return string(contracts.TransformLevel)
	}
	return string(t.Kind)
}
