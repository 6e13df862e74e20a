package contracts

import "time"

// MissingReason explains why a horizon cell has no z-score. Missing is never zero.
type MissingReason string

const (
	MissingNone                MissingReason = ""
	MissingInsufficientHistory MissingReason = "insufficient_history"
	MissingZeroVariance        MissingReason = "zero_variance"
	MissingLagUnknown          MissingReason = "lag_unknown"
	MissingNoData              MissingReason = "no_data"
)

// HorizonCell is one (date, metric) entry of the horizon panel
type HorizonCell struct {
	Date     time.Time     `json:"date"`
	MetricID string        `json:"metric_id"`
	ZScore   *float64      `json:"zscore"`
	Missing  MissingReason `json:"missing_reason,omitempty"`
}

// HorizonRow is the cross-section for one date, keyed by metric.
type HorizonRow struct {
	Date  time.Time
	Cells map[string]HorizonCell
}

// Value returns the z-score of metric, if present.
func (r HorizonRow) Value(metric string) (float64, bool) {
	c, ok := r.Cells[metric]
	if !ok || c.ZScore == nil {
		return 0, false
	}
	return *c.ZScore, true
}

// TransformKind names a derived-metric transform
type TransformKind string

const (
	TransformLevel      TransformKind = "level"
	TransformYoY        TransformKind = "yoy"
	TransformAnnualized TransformKind = "annualized"
	TransformDiff       TransformKind = "diff"
	TransformMomentum   TransformKind = "momentum"
)

// Transform is a pure function of a raw series applied before z-scoring.
type Transform struct {
	Kind    TransformKind `yaml:"kind" json:"kind"`
	Periods int           `yaml:"periods,omitempty" json:"periods,omitempty"` // annualized, diff
	Short   int           `yaml:"short,omitempty" json:"short,omitempty"`     // momentum
	Long    int           `yaml:"long,omitempty" json:"long,omitempty"`       // momentum
}

// Metric is a horizon column: a base series plus a transform.
// A raw series used directly is a level metric with the same ID.
type Metric struct {
	ID        string    `json:"metric_id"`
	Base      string    `json:"base"`
	Transform Transform `json:"transform"`
}
