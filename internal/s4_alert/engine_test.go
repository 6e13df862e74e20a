package s4_alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis-macro/backend/internal/catalog"
	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/internal/metrics"
	"github.com/wonny/aegis-macro/backend/pkg/config"
	"github.com/wonny/aegis-macro/backend/pkg/database"
	"github.com/wonny/aegis-macro/backend/pkg/logger"
)

const alertCatalog = `
sources:
  - name: fred
    adapter: fred
series:
  - id: A
    source: fred
    label: A
    pillar: test
    frequency: monthly
    publication_lag_days: 7
    unit: index
    sign_convention: stress_up
`

const alertFormulas = `
formulas:
  - name: stress
    version: 1
    convention: stress_up
    missing_policy: fail_closed
    inputs:
      - {metric: A, weight: 1, sign: 1}
    bands:
      - {label: Low, below: -0.5}
      - {label: Neutral, below: 0.5}
      - {label: Elevated, below: 1.5}
      - {label: Crisis}
monitors:
  - name: stress_watch
    kind: index
    indicator: stress
    alert_labels: [Elevated, Crisis]
    confirm: 2
    exit_confirm: 2
  - name: a_wide
    kind: metric
    indicator: A
    bands: [{label: Normal, below: 2}, {label: Wide}]
    alert_labels: [Wide]
    confirm: 2
`

type memIndex map[string][]contracts.IndexValue

func (m memIndex) After(_ context.Context, name string, d time.Time) ([]contracts.IndexValue, error) {
	var out []contracts.IndexValue
	for _, v := range m[name] {
		if v.Date.After(d) {
			out = append(out, v)
		}
	}
	return out, nil
}

type memColumns map[string][]contracts.HorizonCell

func (m memColumns) Column(_ context.Context, id string, from, to time.Time) ([]contracts.HorizonCell, error) {
	var out []contracts.HorizonCell
	for _, c := range m[id] {
		if !c.Date.Before(from) && !c.Date.After(to) {
			out = append(out, c)
		}
	}
	return out, nil
}

func iv(date string, v *float64) contracts.IndexValue {
	return contracts.IndexValue{Index: "stress", Date: contracts.MustDate(date), Value: v, FormulaVersion: 1}
}

func hc(date string, v float64) contracts.HorizonCell {
	return contracts.HorizonCell{MetricID: "A", Date: contracts.MustDate(date), ZScore: &v}
}

func fp(v float64) *float64 { return &v }

type recordingSink struct {
	mu     sync.Mutex
	events []contracts.AlertEvent
	err    error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Send(_ context.Context, e contracts.AlertEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *recordingSink) kinds() []contracts.AlertEventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contracts.AlertEventKind, len(s.events))
	for i, e := range s.events {
		out[i] = e.Kind
	}
	return out
}

type alertFixture struct {
	engine  *Engine
	repo    *Repository
	index   memIndex
	columns memColumns
	sink    *recordingSink
	metrics *metrics.Metrics
}

func newAlertFixture(t *testing.T) *alertFixture {
	t.Helper()
	reg, err := catalog.Parse([]byte(alertCatalog), []byte(alertFormulas))
	require.NoError(t, err)
	require.Empty(t, reg.Problems())

	db, err := database.Open(context.Background(), config.StoreConfig{URL: filepath.Join(t.TempDir(), "alert.db")})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	f := &alertFixture{
		repo:    NewRepository(db),
		index:   memIndex{},
		columns: memColumns{},
		sink:    &recordingSink{},
		metrics: metrics.New(),
	}
	dispatcher := NewDispatcher(logger.Nop(), NewLogSink(logger.Nop()), f.sink)
	f.engine = New(reg, f.index, f.columns, f.repo, dispatcher, f.metrics, logger.Nop(), Config{
		Start: contracts.MustDate("2025-01-01"),
		Clock: clockwork.NewFakeClockAt(time.Date(2025, 1, 10, 7, 30, 0, 0, time.UTC)),
	})
	return f
}

func TestEngineEvaluate(t *testing.T) {
	ctx := context.Background()
	f := newAlertFixture(t)

	f.index["stress"] = []contracts.IndexValue{
		iv("2025-01-06", fp(0)),
		iv("2025-01-07", fp(1.0)),
		iv("2025-01-08", nil), // undefined: neither confirms nor resets
		iv("2025-01-09", fp(1.2)),
	}
	f.columns["A"] = []contracts.HorizonCell{hc("2025-01-06", 2.5), hc("2025-01-07", 0.1)}

	res, err := f.engine.Evaluate(ctx, contracts.MustDate("2025-01-09"))
	require.NoError(t, err)
	require.NoError(t, res.Err())
	assert.Equal(t, 2, res.Monitors)
	assert.Equal(t, 5, res.Samples)
	assert.ElementsMatch(t, []contracts.AlertEventKind{
		contracts.EventWatch, contracts.EventAlert,
		contracts.EventWatch, contracts.EventWatchCleared,
	}, f.sink.kinds())

	state, ok, err := f.repo.State(ctx, "stress_watch")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, contracts.StatusAlerted, state.State)
	assert.Equal(t, "2025-01-09", contracts.FormatDate(state.LastDate))

	stored, err := f.repo.Events(ctx, "stress_watch", 10)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.True(t, time.Date(2025, 1, 10, 7, 30, 0, 0, time.UTC).Equal(stored[0].CreatedAt))

	// resumed: nothing new, nothing emitted
	res, err = f.engine.Evaluate(ctx, contracts.MustDate("2025-01-09"))
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.Equal(t, 0, res.Samples)

	// recovery needs two inside samples
	f.index["stress"] = append(f.index["stress"], iv("2025-01-10", fp(0)), iv("2025-01-13", fp(0.1)))
	res, err = f.engine.Evaluate(ctx, contracts.MustDate("2025-01-13"))
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, contracts.EventRecover, res.Events[0].Kind)
	assert.Equal(t, contracts.StatusAlerted, res.Events[0].From)
	assert.Equal(t, contracts.StatusNormal, res.Events[0].To)

	n, err := testutil.GatherAndCount(f.metrics.Gatherer(), "macro_alert_events_total")
	require.NoError(t, err)
	assert.Equal(t, 4, n) // watch, alert, watch_cleared, recover

	states, err := f.repo.States(ctx)
	require.NoError(t, err)
	assert.Len(t, states, 2)
}

func TestEngineSinkFailureIsIsolated(t *testing.T) {
	f := newAlertFixture(t)
	f.sink.err = errors.New("down")
	f.index["stress"] = []contracts.IndexValue{iv("2025-01-06", fp(1.0))}

	res, err := f.engine.Evaluate(context.Background(), contracts.MustDate("2025-01-06"))
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, 1, res.Undelivered)

	// state still advanced
	state, _, err := f.repo.State(context.Background(), "stress_watch")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusWatch, state.State)
}

func TestQualityEvents(t *testing.T) {
	ctx := context.Background()
	f := newAlertFixture(t)
	asOf := contracts.MustDate("2025-05-01")

	events, err := f.engine.QualityEvents(ctx, []contracts.FlagChange{
		{SeriesID: "A", Flag: contracts.FlagStale, Set: true, AsOf: asOf, Detail: "114 days old"},
		{SeriesID: "A", Flag: contracts.FlagMissingRecent, Set: true, AsOf: asOf},
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, contracts.EventQualitySet, events[0].Kind)
	assert.Contains(t, events[0].Message, "114 days old")

	stored, err := f.repo.Events(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	assert.Len(t, f.sink.kinds(), 2)

	none, err := f.engine.QualityEvents(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestWebhookSink(t *testing.T) {
	var (
		mu   sync.Mutex
		got  contracts.AlertEvent
		hits int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		hits++
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if r.URL.Path == "/reject" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ev := contracts.AlertEvent{Monitor: "m", Kind: contracts.EventAlert, Date: contracts.MustDate("2025-01-01"), Message: "hi"}

	sink := NewWebhookSink(srv.URL+"/hook", 5*time.Second, logger.Nop())
	assert.Equal(t, "webhook", sink.Name())
	require.NoError(t, sink.Send(context.Background(), ev))
	assert.Equal(t, "m", got.Monitor)

	bad := NewWebhookSink(srv.URL+"/reject", 5*time.Second, logger.Nop())
	assert.Error(t, bad.Send(context.Background(), ev))
	assert.Equal(t, 2, hits, "4xx is not retried")
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(logger.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	ev := contracts.AlertEvent{Monitor: "stress_watch", Kind: contracts.EventAlert, Label: "Crisis"}
	require.NoError(t, hub.Send(context.Background(), ev))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var got contracts.AlertEvent
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, "stress_watch", got.Monitor)
	assert.Equal(t, "Crisis", got.Label)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}
