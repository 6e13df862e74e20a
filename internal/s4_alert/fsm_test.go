package s4_alert

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis-macro/backend/internal/contracts"
)

func testMonitor(confirm, exitConfirm int) contracts.Monitor {
	return contracts.Monitor{
		Name:        "stress_watch",
		Kind:        contracts.IndicatorIndex,
		Indicator:   "stress",
		Bands:       contracts.Cut([]string{"Low", "Neutral", "Elevated", "Crisis"}, -0.5, 0.5, 1.5),
		AlertLabels: []string{"Elevated", "Crisis"},
		Confirm:     confirm,
		ExitConfirm: exitConfirm,
	}
}

// run feeds values on consecutive days and returns the final state and event kinds.
func run(t *testing.T, m *Machine, values ...float64) (contracts.AlertState, []contracts.AlertEventKind) {
	t.Helper()
	s := m.Initial()
	day := contracts.MustDate("2025-01-01")
	var kinds []contracts.AlertEventKind
	for i, v := range values {
		var ev *contracts.AlertEvent
		var err error
		s, ev, err = m.Step(s, day.AddDate(0, 0, i), v)
		require.NoError(t, err)
		if ev != nil {
			kinds = append(kinds, ev.Kind)
		}
	}
	return s, kinds
}

func TestMachine_Hysteresis(t *testing.T) {
	tests := []struct {
		name      string
		confirm   int
		exit      int
		values    []float64
		wantState contracts.AlertStatus
		wantKinds []contracts.AlertEventKind
	}{
		{
			name:      "single crossing that reverts does not alert",
			confirm:   3,
			values:    []float64{0, 1.0, 0.2, 0.1},
			wantState: contracts.StatusNormal,
			wantKinds: []contracts.AlertEventKind{contracts.EventWatch, contracts.EventWatchCleared},
		},
		{
			name:      "sustained crossing alerts",
			confirm:   3,
			values:    []float64{1.0, 1.1, 1.2},
			wantState: contracts.StatusAlerted,
			wantKinds: []contracts.AlertEventKind{contracts.EventWatch, contracts.EventAlert},
		},
		{
			name:      "one short of confirmation stays in watch",
			confirm:   3,
			values:    []float64{1.0, 1.1},
			wantState: contracts.StatusWatch,
			wantKinds: []contracts.AlertEventKind{contracts.EventWatch},
		},
		{
			name:      "single inside sample does not recover",
			confirm:   2,
			exit:      3,
			values:    []float64{1.0, 1.0, 0.0, 1.0, 0.0, 0.0},
			wantState: contracts.StatusAlerted,
			wantKinds: []contracts.AlertEventKind{contracts.EventWatch, contracts.EventAlert},
		},
		{
			name:      "sustained return recovers",
			confirm:   2,
			exit:      3,
			values:    []float64{1.0, 1.0, 0.0, 0.0, 0.0},
			wantState: contracts.StatusNormal,
			wantKinds: []contracts.AlertEventKind{contracts.EventWatch, contracts.EventAlert, contracts.EventRecover},
		},
		{
			name:      "label change while alerted escalates",
			confirm:   2,
			values:    []float64{1.0, 1.0, 2.0, 2.1},
			wantState: contracts.StatusAlerted,
			wantKinds: []contracts.AlertEventKind{contracts.EventWatch, contracts.EventAlert, contracts.EventEscalate},
		},
		{
			name:      "confirm of one alerts immediately",
			confirm:   1,
			values:    []float64{2.0},
			wantState: contracts.StatusAlerted,
			wantKinds: []contracts.AlertEventKind{contracts.EventAlert},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, kinds := run(t, NewMachine(testMonitor(tt.confirm, tt.exit)), tt.values...)
			assert.Equal(t, tt.wantState, s.State)
			assert.Equal(t, tt.wantKinds, kinds)
		})
	}
}

func TestMachine_ExitConfirmDefaultsToConfirm(t *testing.T) {
	m := NewMachine(testMonitor(2, 0))
	s, kinds := run(t, m, 1, 1, 0)
	assert.Equal(t, contracts.StatusAlerted, s.State)
	assert.Equal(t, 1, s.InsideStreak)
	assert.Len(t, kinds, 2)
}

func TestMachine_IgnoresReplayedDates(t *testing.T) {
	m := NewMachine(testMonitor(2, 2))
	d := contracts.MustDate("2025-03-03")

	s, ev, err := m.Step(m.Initial(), d, 1.0)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, contracts.StatusWatch, s.State)

	again, ev, err := m.Step(s, d, 1.0)
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Equal(t, s, again, "same date twice must not confirm")

	_, ev, err = m.Step(s, d.Add(-24*time.Hour), 1.0)
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestMachine_EventFields(t *testing.T) {
	m := NewMachine(testMonitor(2, 2))
	_, ev, err := m.Step(m.Initial(), contracts.MustDate("2025-03-03"), 1.7)
	require.NoError(t, err)
	require.NotNil(t, ev)

	assert.Equal(t, "stress_watch", ev.Monitor)
	assert.Equal(t, "stress", ev.Indicator)
	assert.Equal(t, contracts.StatusNormal, ev.From)
	assert.Equal(t, contracts.StatusWatch, ev.To)
	assert.Equal(t, "Crisis", ev.Label)
	require.NotNil(t, ev.Value)
	assert.Equal(t, 1.7, *ev.Value)
	assert.Contains(t, ev.Message, "Crisis")
}

func TestMachine_NonFinite(t *testing.T) {
	m := NewMachine(testMonitor(2, 2))
	_, _, err := m.Step(m.Initial(), contracts.MustDate("2025-03-03"), math.NaN())
	assert.Error(t, err)
}
