package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"time"
)

// MissingPolicy decides what a formula does when an input cell is missing.
// There is no default: every formula must declare one.
type MissingPolicy string

const (
	// FailClosed: any missing input makes the index value undefined for that date
	FailClosed MissingPolicy = "fail_closed"
	// Renormalize: redistribute missing weight proportionally over present inputs
	Renormalize MissingPolicy = "renormalize"
)

// Valid reports whether p is a known policy.
func (p MissingPolicy) Valid() bool {
	return p == FailClosed || p == Renormalize
}

// WeightTolerance is the allowed deviation of a formula's weight sum from 1.
const WeightTolerance = 1e-6

// FormulaInput is one (metric, weight, sign) term
type FormulaInput struct {
	Metric string  `yaml:"metric" json:"metric"`
	Weight float64 `yaml:"weight" json:"weight"`
	Sign   int     `yaml:"sign" json:"sign"`
}

// CompositeFormula is a versioned weighted-sum definition
// ⭐ SSOT: 가중치 변경 = version 증가 (덮어쓰기 금지)
type CompositeFormula struct {
	Name          string         `yaml:"name" json:"name"`
	Version       int            `yaml:"version" json:"version"`
	Description   string         `yaml:"description,omitempty" json:"description,omitempty"`
	Convention    SignConvention `yaml:"convention" json:"convention"`
	MissingPolicy MissingPolicy  `yaml:"missing_policy" json:"missing_policy"`
	MinCoverage   float64        `yaml:"min_coverage,omitempty" json:"min_coverage,omitempty"`
	Inputs        []FormulaInput `yaml:"inputs" json:"inputs"`
	Bands         BandTable      `yaml:"bands" json:"bands"`
}

// WeightSum returns Σ weight.
func (f CompositeFormula) WeightSum() float64 {
	var sum float64
	for _, in := range f.Inputs {
		sum += in.Weight
	}
	return sum
}

// WeightsValid reports whether the weights sum to 1 within WeightTolerance.
func (f CompositeFormula) WeightsValid() bool {
	return math.Abs(f.WeightSum()-1) <= WeightTolerance
}

// Hash returns the SHA-256 of the canonical JSON definition.
// Description is excluded; it does not change computed values.
func (f CompositeFormula) Hash() string {
	f.Description = ""
	data, err := json.Marshal(f)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IndexValue is one composite observation
type IndexValue struct {
	Index          string    `json:"index"`
	Date           time.Time `json:"date"`
	Value          *float64  `json:"value"`
	Regime         string    `json:"regime,omitempty"`
	FormulaVersion int       `json:"formula_version"`
	Coverage       float64   `json:"coverage"`
	MissingInputs  []string  `json:"missing_inputs,omitempty"`
}

// Defined reports whether the index produced a value for the date.
func (v IndexValue) Defined() bool {
	return v.Value != nil
}
