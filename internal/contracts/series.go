package contracts

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DateLayout is the canonical date key used everywhere in the store.
const DateLayout = "2006-01-02"

// Frequency is the expected observation cadence of a series
type Frequency string

const (
	Daily     Frequency = "daily"
	Weekly    Frequency = "weekly"
	Monthly   Frequency = "monthly"
	Quarterly Frequency = "quarterly"
)

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	switch f {
	case Daily, Weekly, Monthly, Quarterly:
		return true
	}
	return false
}

// WindowSpec is the rolling z-score window: trailing observations and the minimum needed.
type WindowSpec struct {
	Lookback int `yaml:"lookback" json:"lookback"`
	Min      int `yaml:"min" json:"min"`
}

// DefaultWindow returns the standard lookback/minimum for f.
func (f Frequency) DefaultWindow() WindowSpec {
	switch f {
	case Daily:
		return WindowSpec{Lookback: 252, Min: 60}
	case Weekly:
		return WindowSpec{Lookback: 104, Min: 26}
	case Quarterly:
		return WindowSpec{Lookback: 20, Min: 8}
	default:
		return WindowSpec{Lookback: 24, Min: 12}
	}
}

// IntervalDays is the nominal calendar spacing between observations.
// Daily series skip weekends, so one period is 7/5 calendar days.
func (f Frequency) IntervalDays() float64 {
	switch f {
	case Daily:
		return 7.0 / 5.0
	case Weekly:
		return 7
	case Quarterly:
		return 92
	default:
		return 31
	}
}

// GraceDays is the slack allowed past an expected availability date.
func (f Frequency) GraceDays() int {
	switch f {
	case Daily:
		return 4
	case Weekly:
		return 3
	case Quarterly:
		return 14
	default:
		return 7
	}
}

// PeriodsPerYear is used by annualized transforms.
func (f Frequency) PeriodsPerYear() int {
	switch f {
	case Daily:
		return 252
	case Weekly:
		return 52
	case Quarterly:
		return 4
	default:
		return 12
	}
}

// Normalize maps a date onto the period key (first day of month/quarter).
func (f Frequency) Normalize(d time.Time) time.Time {
	d = TruncateDay(d)
	switch f {
	case Monthly:
		return time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
	case Quarterly:
		q := (int(d.Month()) - 1) / 3
		return time.Date(d.Year(), time.Month(q*3+1), 1, 0, 0, 0, 0, time.UTC)
	default:
		return d
	}
}

// PeriodEnd returns the last calendar day covered by an observation dated d.
func (f Frequency) PeriodEnd(d time.Time) time.Time {
	d = TruncateDay(d)
	switch f {
	case Weekly:
		return d.AddDate(0, 0, 6)
	case Monthly:
		return time.Date(d.Year(), d.Month()+1, 0, 0, 0, 0, 0, time.UTC)
	case Quarterly:
		start := f.Normalize(d)
		return time.Date(start.Year(), start.Month()+3, 0, 0, 0, 0, 0, time.UTC)
	default:
		return d
	}
}

// Shift moves a period key by n periods.
func (f Frequency) Shift(d time.Time, n int) time.Time {
	switch f {
	case Weekly:
		return d.AddDate(0, 0, 7*n)
	case Monthly:
		return d.AddDate(0, n, 0)
	case Quarterly:
		return d.AddDate(0, 3*n, 0)
	default:
		return d.AddDate(0, 0, n)
	}
}

// SignConvention declares how a series' raw direction maps onto stress.
type SignConvention string

const (
	// StressUp: higher raw value means more stress (e.g. unemployment, credit spreads)
	StressUp SignConvention = "stress_up"
	// StressDown: higher raw value means less stress (e.g. payrolls, PMI)
	StressDown SignConvention = "stress_down"
)

// Valid reports whether c is a known convention.
func (c SignConvention) Valid() bool {
	return c == StressUp || c == StressDown
}

// Orientation is the multiplier that maps the raw direction onto "higher = more stress".
func (c SignConvention) Orientation() float64 {
	if c == StressDown {
		return -1
	}
	return 1
}

// QualityFlag is an informational marker written by the quality engine
type QualityFlag string

const (
	FlagStale          QualityFlag = "stale"
	FlagOutlierSuspect QualityFlag = "outlier_suspect"
	FlagMissingRecent  QualityFlag = "missing_recent"
)

// QualityFlags is a sorted, duplicate-free flag set.
type QualityFlags []QualityFlag

// NewQualityFlags builds a normalized set.
func NewQualityFlags(flags ...QualityFlag) QualityFlags {
	seen := make(map[QualityFlag]bool, len(flags))
	out := make(QualityFlags, 0, len(flags))
	for _, f := range flags {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseQualityFlags reads the comma-separated storage form.
func ParseQualityFlags(s string) QualityFlags {
	if s == "" {
		return QualityFlags{}
	}
	parts := strings.Split(s, ",")
	flags := make([]QualityFlag, 0, len(parts))
	for _, p := range parts {
		flags = append(flags, QualityFlag(strings.TrimSpace(p)))
	}
	return NewQualityFlags(flags...)
}

// Has reports whether f is set.
func (q QualityFlags) Has(f QualityFlag) bool {
	for _, x := range q {
		if x == f {
			return true
		}
	}
	return false
}

func (q QualityFlags) String() string {
	parts := make([]string, len(q))
	for i, f := range q {
		parts[i] = string(f)
	}
	return strings.Join(parts, ",")
}

// FetchSpec carries adapter-specific addressing for a series.
type FetchSpec struct {
	RemoteID    string  `yaml:"remote_id,omitempty" json:"remote_id,omitempty"`
	URL         string  `yaml:"url,omitempty" json:"url,omitempty"`
	DateColumn  string  `yaml:"date_column,omitempty" json:"date_column,omitempty"`
	ValueColumn string  `yaml:"value_column,omitempty" json:"value_column,omitempty"`
	Selector    string  `yaml:"selector,omitempty" json:"selector,omitempty"`
	Scale       float64 `yaml:"scale,omitempty" json:"scale,omitempty"`
}

// SeriesMeta is the registry entry for one series
// ⭐ SSOT: catalog에서 로드, quality engine만 QualityFlags 수정
type SeriesMeta struct {
	ID                 string         `json:"series_id"`
	Source             string         `json:"source"`
	Label              string         `json:"label"`
	Pillar             string         `json:"pillar"`
	Frequency          Frequency      `json:"frequency"`
	PublicationLagDays *int           `json:"publication_lag_days"`
	Unit               string         `json:"unit"`
	SignConvention     SignConvention `json:"sign_convention"`
	Fetch              FetchSpec      `json:"-"`
	Window             WindowSpec     `json:"window"`
	QualityFlags       QualityFlags   `json:"quality_flags"`
}

// EffectiveWindow returns the configured window, falling back to frequency defaults.
func (m SeriesMeta) EffectiveWindow() WindowSpec {
	w := m.Frequency.DefaultWindow()
	if m.Window.Lookback > 0 {
		w.Lookback = m.Window.Lookback
	}
	if m.Window.Min > 0 {
		w.Min = m.Window.Min
	}
	return w
}

// AvailableOn returns the first date an observation dated d is public.
func (m SeriesMeta) AvailableOn(d time.Time) (time.Time, error) {
	if m.PublicationLagDays == nil {
		return time.Time{}, &PublicationLagUnknownError{SeriesID: m.ID}
	}
	return m.Frequency.PeriodEnd(d).AddDate(0, 0, *m.PublicationLagDays), nil
}

// RawObservation is the adapter output contract
type RawObservation struct {
	SeriesID string
	Date     string
	Value    float64
}

// Observation is a validated, stored data point
type Observation struct {
	SeriesID string    `json:"series_id"`
	Date     time.Time `json:"date"`
	Value    float64   `json:"value"`
}

// Revision marks stored data keyed by Key as changed on or after From since
// a downstream stage last consumed it. Seq grows with every mark so a reader
// only clears the mark it actually read.
type Revision struct {
	Key  string
	From time.Time
	Seq  int64
}

// DateRange is an inclusive date interval
type DateRange struct {
	From time.Time
	To   time.Time
}

func (r DateRange) String() string {
	return fmt.Sprintf("%s..%s", FormatDate(r.From), FormatDate(r.To))
}

// Contains reports whether d is inside the range (inclusive).
func (r DateRange) Contains(d time.Time) bool {
	return !d.Before(r.From) && !d.After(r.To)
}

var dateLayouts = []string{DateLayout, "2006-01", time.RFC3339, "2006/01/02", "01/02/2006"}

// ParseDate accepts the date forms adapters produce and returns UTC midnight.
// Quarter keys like "2025-Q1" map to the first day of the quarter.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) == 7 && (s[5] == 'Q' || s[5] == 'q') && s[4] == '-' {
		y, err := time.Parse("2006", s[:4])
		if err == nil && s[6] >= '1' && s[6] <= '4' {
			q := int(s[6] - '1')
			return time.Date(y.Year(), time.Month(q*3+1), 1, 0, 0, 0, 0, time.UTC), nil
		}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			// keep the calendar date as written, whatever the offset
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

// MustDate parses a YYYY-MM-DD literal and panics on error. Intended for tests and constants.
func MustDate(s string) time.Time {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

// FormatDate renders the canonical key.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// TruncateDay drops the time-of-day in UTC.
func TruncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
