package brain

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/wonny/aegis-macro/backend/internal/audit"
	"github.com/wonny/aegis-macro/backend/internal/catalog"
	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/internal/metrics"
	"github.com/wonny/aegis-macro/backend/internal/s0_data"
	"github.com/wonny/aegis-macro/backend/internal/s0_data/collector"
	"github.com/wonny/aegis-macro/backend/internal/s1_quality"
	"github.com/wonny/aegis-macro/backend/internal/s2_horizon"
	"github.com/wonny/aegis-macro/backend/internal/s3_index"
	"github.com/wonny/aegis-macro/backend/internal/s4_alert"
	"github.com/wonny/aegis-macro/backend/internal/transform"
	"github.com/wonny/aegis-macro/backend/pkg/config"
	"github.com/wonny/aegis-macro/backend/pkg/database"
	"github.com/wonny/aegis-macro/backend/pkg/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

const testCatalog = `
sources:
  - name: fred
    adapter: fred
  - name: broken
    adapter: csv
    base_url: http://example.invalid
series:
  - id: X
    source: fred
    label: Monthly input
    pillar: test
    frequency: monthly
    publication_lag_days: 7
    unit: index
    sign_convention: stress_up
    window: {lookback: 24, min: 3}
  - id: Y
    source: broken
    label: Never arrives
    pillar: test
    frequency: monthly
    publication_lag_days: 7
    unit: index
    sign_convention: stress_up
`

const testFormulas = `
formulas:
  - name: stress
    version: 1
    convention: stress_up
    missing_policy: fail_closed
    inputs:
      - {metric: X, weight: 1, sign: 1}
    bands:
      - {label: Low, below: -0.5}
      - {label: Neutral, below: 0.5}
      - {label: High}
monitors:
  - name: stress_high
    kind: index
    indicator: stress
    alert_labels: [High]
    confirm: 2
`

type staticAdapter struct {
	name  string
	rows  []contracts.RawObservation
	err   error
	stall bool // block until the caller gives up
}

func (a *staticAdapter) Name() string { return a.name }

func (a *staticAdapter) Fetch(ctx context.Context, meta contracts.SeriesMeta, r contracts.DateRange) ([]contracts.RawObservation, error) {
	if a.stall {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if a.err != nil {
		return nil, a.err
	}
	var out []contracts.RawObservation
	for _, row := range a.rows {
		if row.SeriesID == meta.ID {
			out = append(out, row)
		}
	}
	return out, nil
}

type fixture struct {
	orch    *Orchestrator
	log     *audit.Repository
	horizon *s2_horizon.Repository
	indices *s3_index.Repository
	store   *s0_data.Repository
	db      *database.DB
}

func newFixture(t *testing.T, adapters map[string]contracts.FetchAdapter) *fixture {
	t.Helper()
	ctx := context.Background()

	reg, err := catalog.Parse([]byte(testCatalog), []byte(testFormulas))
	require.NoError(t, err)
	require.Empty(t, reg.Problems())

	db, err := database.Open(ctx, config.StoreConfig{URL: filepath.Join(t.TempDir(), "macro.db")})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	log := logger.Nop()
	m := metrics.New()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 15, 7, 30, 0, 0, time.UTC))
	start := contracts.MustDate("2024-12-01")

	store := s0_data.NewRepository(db)
	meta := s0_data.NewMetaRepository(db)
	horizonRepo := s2_horizon.NewRepository(db)
	indexRepo := s3_index.NewRepository(db)
	updateLog := audit.NewRepository(db)

	coll := collector.New(reg, adapters, store, m, log, collector.Config{
		Concurrency:    2,
		InitialBackoff: time.Millisecond,
		HistoryStart:   contracts.MustDate("2000-01-01"),
	})
	quality := s1_quality.New(reg, store, meta, s1_quality.Config{
		Thresholds: config.QualityConfig{StaleK: 3, OutlierMult: 5, OutlierWindow: 24, OutlierMinimum: 8},
		Clock:      clock,
	}, log)
	builder := s2_horizon.NewBuilder(reg, transform.New(reg, store), store, horizonRepo, log,
		s2_horizon.Config{Workers: 2, Calendar: s2_horizon.Weekdays, Start: start})
	index := s3_index.New(reg, horizonRepo, s3_index.NewFormulaRepository(db), indexRepo, m, log, start)
	alerts := s4_alert.New(reg, indexRepo, horizonRepo, s4_alert.NewRepository(db),
		s4_alert.NewDispatcher(log, s4_alert.NewLogSink(log)), m, log,
		s4_alert.Config{Start: start, Clock: clock})

	orch := NewOrchestrator(Components{
		Registry:  reg,
		Store:     store,
		Meta:      meta,
		Collector: coll,
		Quality:   quality,
		Horizon:   builder,
		Index:     index,
		Alerts:    alerts,
		UpdateLog: updateLog,
		Metrics:   m,
	}, Options{Clock: clock}, log)

	return &fixture{orch: orch, log: updateLog, horizon: horizonRepo, indices: indexRepo, store: store, db: db}
}

func threeMonths() *staticAdapter {
	return &staticAdapter{name: "fred", rows: []contracts.RawObservation{
		{SeriesID: "X", Date: "2024-10-01", Value: 2.0},
		{SeriesID: "X", Date: "2024-11-01", Value: 2.2},
		{SeriesID: "X", Date: "2024-12-01", Value: 2.1},
	}}
}

func TestRun_EndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]contracts.FetchAdapter{"fred": threeMonths()})

	res, err := f.orch.Run(ctx, RunConfig{Sources: []string{"fred"}})
	require.NoError(t, err)

	assert.Equal(t, contracts.RunSuccess, res.Entry.Status)
	assert.Equal(t, 0, res.ExitCode())
	assert.Equal(t, int64(3), res.Entry.RowsWritten)
	require.Len(t, res.Stages, 5)
	for _, s := range res.Stages {
		assert.True(t, s.Success, s.Stage)
	}

	// latest X is 2.1 against mean 2.1 of the three points
	latest, ok := res.Index.Latest["stress"]
	require.True(t, ok)
	require.NotNil(t, latest.Value)
	assert.InDelta(t, 0, *latest.Value, 1e-9)
	assert.Equal(t, "Neutral", latest.Regime)
	assert.Equal(t, "2025-01-15", contracts.FormatDate(latest.Date))

	// 2024-12-01 is only available from 2024-12-08
	cells, err := f.horizon.Column(ctx, "X", contracts.MustDate("2024-12-06"), contracts.MustDate("2024-12-06"))
	require.NoError(t, err)
	require.Len(t, cells, 1)
	assert.Equal(t, contracts.MissingInsufficientHistory, cells[0].Missing)

	entry, ok, err := f.log.Last(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.Entry.RunID, entry.RunID)
	assert.Equal(t, contracts.RunSuccess, entry.Status)
	assert.Equal(t, []string{"fred"}, entry.SourcesSucceeded)
}

func TestRun_PartialWhenSourceFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]contracts.FetchAdapter{
		"fred":   threeMonths(),
		"broken": &staticAdapter{name: "broken", err: errors.New("404 not found")},
	})

	res, err := f.orch.Run(ctx, RunConfig{})
	require.NoError(t, err)

	assert.Equal(t, contracts.RunPartial, res.Entry.Status)
	assert.Equal(t, 1, res.ExitCode())
	assert.Equal(t, contracts.StageIngest, res.Entry.FailedStage)
	assert.Equal(t, []string{"broken"}, res.Entry.SourcesFailed())
	assert.Contains(t, res.Entry.ErrorSummary, "404")

	// downstream stages still ran over the healthy source
	_, ok := res.Index.Latest["stress"]
	assert.True(t, ok)
}

func TestRun_SkipIndicesAndQuick(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]contracts.FetchAdapter{"fred": threeMonths()})

	res, err := f.orch.Run(ctx, RunConfig{Sources: []string{"fred"}, Quick: true, SkipIndices: true})
	require.NoError(t, err)
	assert.Equal(t, contracts.RunSuccess, res.Entry.Status)
	assert.Equal(t, "run quick skip-indices sources=fred", res.Entry.Mode)

	var skipped []contracts.Stage
	for _, s := range res.Stages {
		if s.Skipped {
			skipped = append(skipped, s.Stage)
		}
	}
	assert.Equal(t, []contracts.Stage{contracts.StageQuality, contracts.StageIndex, contracts.StageAlert}, skipped)
	assert.Nil(t, res.Index)

	_, ok, err := f.indices.Latest(ctx, "stress")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRun_UnknownSourceFails(t *testing.T) {
	f := newFixture(t, map[string]contracts.FetchAdapter{"fred": threeMonths()})

	res, err := f.orch.Run(context.Background(), RunConfig{Sources: []string{"nope"}})
	require.NoError(t, err)
	assert.Equal(t, contracts.RunFailed, res.Entry.Status)
	assert.Len(t, res.Stages, 1)
}

func TestRun_BudgetExceededStillRunsLaterStages(t *testing.T) {
	ctx := context.Background()
	fred := threeMonths()
	f := newFixture(t, map[string]contracts.FetchAdapter{"fred": fred})

	_, err := f.orch.Run(ctx, RunConfig{Sources: []string{"fred"}})
	require.NoError(t, err)

	fred.stall = true
	opts := f.orch.opts
	opts.RunBudget = 50 * time.Millisecond
	orch := NewOrchestrator(f.orch.c, opts, logger.Nop())

	res, err := orch.Run(ctx, RunConfig{Sources: []string{"fred"}})
	require.NoError(t, err)

	assert.Equal(t, contracts.RunPartial, res.Entry.Status)
	assert.Equal(t, 1, res.ExitCode())
	assert.Contains(t, res.Entry.ErrorSummary, "run budget exceeded")
	assert.Equal(t, contracts.StageIngest, res.Entry.FailedStage)

	require.Len(t, res.Stages, 5)
	for _, s := range res.Stages[1:] {
		assert.False(t, s.Skipped, s.Stage)
	}
	assert.True(t, res.Stages[2].Success, "horizon runs past the budget")
	assert.True(t, res.Stages[3].Success, "index runs past the budget")
	require.NotNil(t, res.Horizon)
	require.NotNil(t, res.Index)
	assert.NotNil(t, res.Alerts)

	entry, ok, err := f.log.Last(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.Entry.RunID, entry.RunID)
	assert.Equal(t, contracts.RunPartial, entry.Status)
	assert.Contains(t, entry.ErrorSummary, "run budget exceeded")
}

func TestRun_SystemicWhenStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]contracts.FetchAdapter{"fred": threeMonths()})

	// the update log lives elsewhere so the failed run is still recorded
	logDB, err := database.Open(ctx, config.StoreConfig{URL: filepath.Join(t.TempDir(), "log.db")})
	require.NoError(t, err)
	t.Cleanup(logDB.Close)
	c := f.orch.c
	c.UpdateLog = audit.NewRepository(logDB)
	orch := NewOrchestrator(c, f.orch.opts, logger.Nop())

	f.db.Close()

	res, err := orch.Run(ctx, RunConfig{Sources: []string{"fred"}})
	require.Error(t, err)
	var sysErr *contracts.SystemicError
	require.ErrorAs(t, err, &sysErr)

	require.NotNil(t, res)
	assert.Equal(t, 2, res.ExitCode())
	assert.Equal(t, contracts.RunFailed, res.Entry.Status)
	assert.Empty(t, res.Stages, "no stage runs against an unavailable store")

	entry, ok, err := c.UpdateLog.Last(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.Entry.RunID, entry.RunID)
	assert.Equal(t, contracts.RunFailed, entry.Status)
	assert.Equal(t, contracts.StageIngest, entry.FailedStage)
	assert.Contains(t, entry.ErrorSummary, "prepare store")
}

func TestRunThenRebuild(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]contracts.FetchAdapter{"fred": threeMonths()})

	first, err := f.orch.Run(ctx, RunConfig{Sources: []string{"fred"}})
	require.NoError(t, err)

	rebuilt, err := f.orch.Rebuild(ctx, contracts.MustDate("2024-12-01"), contracts.MustDate("2025-01-15"))
	require.NoError(t, err)
	assert.Equal(t, contracts.RunSuccess, rebuilt.Entry.Status)

	assert.Equal(t, *first.Index.Latest["stress"].Value, *rebuilt.Index.Latest["stress"].Value)

	entries, err := f.log.Latest(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestStats_ReadOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]contracts.FetchAdapter{"fred": threeMonths()})

	_, err := f.orch.Run(ctx, RunConfig{Sources: []string{"fred"}})
	require.NoError(t, err)

	stats, err := f.orch.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats.Series, 1)
	assert.Equal(t, 3, stats.Series[0].Count)
	assert.Equal(t, []string{"Y"}, stats.Unfetched)
	require.NotNil(t, stats.LastRun)

	entries, err := f.log.Latest(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "stats does not log a run")
}
