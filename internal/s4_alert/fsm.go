package s4_alert

import (
	"fmt"
	"slices"
	"time"

	"github.com/wonny/aegis-macro/backend/internal/contracts"
)

// Machine is the hysteresis state machine of one monitor
//
//	Normal  --outside-->             Watch
//	Watch   --outside x confirm-->   Alerted
//	Watch   --inside-->              Normal
//	Alerted --inside x exit_confirm--> Normal
//
// A sample is "outside" when its band label is one of the monitor's alert labels.
type Machine struct {
	monitor contracts.Monitor
}

// NewMachine creates a Machine for a validated monitor.
func NewMachine(m contracts.Monitor) *Machine {
	if m.Confirm < 1 {
		m.Confirm = 1
	}
	if m.ExitConfirm < 1 {
		m.ExitConfirm = m.Confirm
	}
	return &Machine{monitor: m}
}

// Initial is the state of a monitor that has never seen a sample.
func (m *Machine) Initial() contracts.AlertState {
	return contracts.AlertState{Monitor: m.monitor.Name, State: contracts.StatusNormal}
}

// Step applies one sample. Samples at or before the last processed date are
// ignored, so replaying a range is safe. The returned event is nil when the
// sample causes no transition.
func (m *Machine) Step(s contracts.AlertState, date time.Time, value float64) (contracts.AlertState, *contracts.AlertEvent, error) {
	if !s.LastDate.IsZero() && !date.After(s.LastDate) {
		return s, nil, nil
	}

	_, label, err := m.monitor.Bands.Classify(value)
	if err != nil {
		return s, nil, fmt.Errorf("monitor %s: %w", m.monitor.Name, err)
	}
	outside := slices.Contains(m.monitor.AlertLabels, label)

	next := s
	next.LastDate = date
	var kind contracts.AlertEventKind

	switch s.State {
	case contracts.StatusNormal:
		if outside {
			next.Streak = 1
			next.InsideStreak = 0
			next.Label = label
			next.State = contracts.StatusWatch
			kind = contracts.EventWatch
			if next.Streak >= m.monitor.Confirm {
				next.State = contracts.StatusAlerted
				kind = contracts.EventAlert
			}
		}

	case contracts.StatusWatch:
		if outside {
			next.Streak++
			next.Label = label
			if next.Streak >= m.monitor.Confirm {
				next.State = contracts.StatusAlerted
				kind = contracts.EventAlert
			}
		} else {
			next.Streak = 0
			next.Label = ""
			next.State = contracts.StatusNormal
			kind = contracts.EventWatchCleared
		}

	case contracts.StatusAlerted:
		if outside {
			next.InsideStreak = 0
			if label != s.Label {
				next.Label = label
				kind = contracts.EventEscalate
			}
		} else {
			next.InsideStreak++
			if next.InsideStreak >= m.monitor.ExitConfirm {
				next.State = contracts.StatusNormal
				next.Streak = 0
				next.InsideStreak = 0
				next.Label = ""
				kind = contracts.EventRecover
			}
		}

	default:
		return s, nil, fmt.Errorf("monitor %s: unknown state %q", m.monitor.Name, s.State)
	}

	if kind == "" {
		return next, nil, nil
	}

	v := value
	return next, &contracts.AlertEvent{
		Monitor:   m.monitor.Name,
		Indicator: m.monitor.Indicator,
		Date:      date,
		Kind:      kind,
		From:      s.State,
		To:        next.State,
		Value:     &v,
		Label:     label,
		Message:   m.message(kind, label, value),
	}, nil
}

func (m *Machine) message(kind contracts.AlertEventKind, label string, value float64) string {
	switch kind {
	case contracts.EventWatch:
		return fmt.Sprintf("%s entered %s (%.2f); watching for %d confirmation(s)", m.monitor.Indicator, label, value, m.monitor.Confirm)
	case contracts.EventAlert:
		return fmt.Sprintf("%s confirmed %s (%.2f)", m.monitor.Indicator, label, value)
	case contracts.EventEscalate:
		return fmt.Sprintf("%s moved to %s (%.2f)", m.monitor.Indicator, label, value)
	case contracts.EventWatchCleared:
		return fmt.Sprintf("%s back to %s (%.2f) before confirmation", m.monitor.Indicator, label, value)
	case contracts.EventRecover:
		return fmt.Sprintf("%s recovered to %s (%.2f)", m.monitor.Indicator, label, value)
	}
	return string(kind)
}
