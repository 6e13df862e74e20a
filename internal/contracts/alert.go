package contracts

import "time"

// AlertStatus is a monitor's hysteresis state
type AlertStatus string

const (
	StatusNormal  AlertStatus = "normal"
	StatusWatch   AlertStatus = "watch"
	StatusAlerted AlertStatus = "alerted"
)

// IndicatorKind says where a monitor reads its samples.
type IndicatorKind string

const (
	IndicatorIndex  IndicatorKind = "index"
	IndicatorMetric IndicatorKind = "metric"
)

// Monitor is a declared threshold watch on one indicator
type Monitor struct {
	Name        string        `yaml:"name" json:"name"`
	Kind        IndicatorKind `yaml:"kind" json:"kind"`
	Indicator   string        `yaml:"indicator" json:"indicator"`
	Bands       BandTable     `yaml:"bands,omitempty" json:"bands,omitempty"`
	AlertLabels []string      `yaml:"alert_labels" json:"alert_labels"`
	Confirm     int           `yaml:"confirm" json:"confirm"`
	ExitConfirm int           `yaml:"exit_confirm,omitempty" json:"exit_confirm,omitempty"`
}

// AlertState is the persisted state of one monitor
type AlertState struct {
	Monitor      string      `json:"monitor"`
	State        AlertStatus `json:"state"`
	Streak       int         `json:"streak"`        // consecutive samples outside the band
	InsideStreak int         `json:"inside_streak"` // consecutive samples back inside
	Label        string      `json:"label,omitempty"`
	LastDate     time.Time   `json:"last_date"`
}

// AlertEventKind classifies emitted events
type AlertEventKind string

const (
	EventWatch          AlertEventKind = "watch"
	EventWatchCleared   AlertEventKind = "watch_cleared"
	EventAlert          AlertEventKind = "alert"
	EventEscalate       AlertEventKind = "escalate"
	EventRecover        AlertEventKind = "recover"
	EventQualitySet     AlertEventKind = "quality_set"
	EventQualityCleared AlertEventKind = "quality_cleared"
)

// AlertEvent is emitted on every state transition and quality flag change
type AlertEvent struct {
	Monitor   string         `json:"monitor"`
	Indicator string         `json:"indicator"`
	Date      time.Time      `json:"date"`
	Kind      AlertEventKind `json:"kind"`
	From      AlertStatus    `json:"from"`
	To        AlertStatus    `json:"to"`
	Value     *float64       `json:"value,omitempty"`
	Label     string         `json:"label,omitempty"`
	Message   string         `json:"message"`
	CreatedAt time.Time      `json:"created_at"`
}

// FlagChange is a quality flag set or cleared on a series.
type FlagChange struct {
	SeriesID string      `json:"series_id"`
	Flag     QualityFlag `json:"flag"`
	Set      bool        `json:"set"`
	AsOf     time.Time   `json:"as_of"`
	Detail   string      `json:"detail,omitempty"`
}
