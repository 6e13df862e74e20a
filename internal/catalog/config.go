package catalog

import (
	"time"

	"github.com/wonny/aegis-macro/backend/internal/contracts"
)

// Document is the YAML form of the series catalog
// ⭐ SSOT: series / metric / source 메타데이터의 유일한 출처
type Document struct {
	Sources []SourceSpec `yaml:"sources" json:"sources"`
	Series  []SeriesSpec `yaml:"series" json:"series"`
	Metrics []MetricSpec `yaml:"metrics,omitempty" json:"metrics,omitempty"`
}

// SourceSpec declares one upstream source and the adapter that reads it
type SourceSpec struct {
	Name       string        `yaml:"name" json:"name"`
	Adapter    string        `yaml:"adapter" json:"adapter"` // fred, csv, htmltable
	BaseURL    string        `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	Credential string        `yaml:"credential,omitempty" json:"credential,omitempty"`
	RatePerSec float64       `yaml:"rate_per_sec,omitempty" json:"rate_per_sec,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// SeriesSpec is one catalog entry
type SeriesSpec struct {
	ID                 string                   `yaml:"id" json:"id"`
	Source             string                   `yaml:"source" json:"source"`
	Label              string                   `yaml:"label" json:"label"`
	Pillar             string                   `yaml:"pillar" json:"pillar"`
	Frequency          contracts.Frequency      `yaml:"frequency" json:"frequency"`
	PublicationLagDays *int                     `yaml:"publication_lag_days" json:"publication_lag_days"`
	Unit               string                   `yaml:"unit" json:"unit"`
	SignConvention     contracts.SignConvention `yaml:"sign_convention" json:"sign_convention"`
	Fetch              contracts.FetchSpec      `yaml:"fetch,omitempty" json:"fetch,omitempty"`
	Window             contracts.WindowSpec     `yaml:"window,omitempty" json:"window,omitempty"`
}

// MetricSpec declares a derived metric over a base series
type MetricSpec struct {
	ID        string              `yaml:"id" json:"id"`
	Base      string              `yaml:"base" json:"base"`
	Transform contracts.Transform `yaml:"transform" json:"transform"`
}

// FormulaDocument is the YAML form of composite formulas and alert monitors
type FormulaDocument struct {
	Formulas []contracts.CompositeFormula `yaml:"formulas" json:"formulas"`
	Monitors []contracts.Monitor          `yaml:"monitors,omitempty" json:"monitors,omitempty"`
}

func (s SeriesSpec) meta() contracts.SeriesMeta {
	return contracts.SeriesMeta{
		ID:                 s.ID,
		Source:             s.Source,
		Label:              s.Label,
		Pillar:             s.Pillar,
		Frequency:          s.Frequency,
		PublicationLagDays: s.PublicationLagDays,
		Unit:               s.Unit,
		SignConvention:     s.SignConvention,
		Fetch:              s.Fetch,
		Window:             s.Window,
		QualityFlags:       contracts.QualityFlags{},
	}
}
