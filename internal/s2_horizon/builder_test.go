package s2_horizon

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis-macro/backend/internal/catalog"
	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/internal/s0_data"
	"github.com/wonny/aegis-macro/backend/internal/transform"
	"github.com/wonny/aegis-macro/backend/pkg/config"
	"github.com/wonny/aegis-macro/backend/pkg/database"
	"github.com/wonny/aegis-macro/backend/pkg/logger"
)

const testCatalog = `
sources:
  - name: fred
    adapter: fred
series:
  - id: A
    source: fred
    label: Monthly input
    pillar: test
    frequency: monthly
    publication_lag_days: 7
    unit: index
    sign_convention: stress_up
    window: {lookback: 24, min: 3}
  - id: B
    source: fred
    label: Daily input
    pillar: test
    frequency: daily
    publication_lag_days: 1
    unit: percent
    sign_convention: stress_down
    window: {lookback: 20, min: 5}
`

const testFormulas = `
formulas:
  - name: f
    version: 1
    convention: stress_up
    missing_policy: renormalize
    inputs:
      - {metric: A, weight: 0.5, sign: 1}
      - {metric: B, weight: 0.5, sign: 1}
    bands: [{label: Low, below: 0}, {label: High}]
`

type fixture struct {
	db      *database.DB
	builder *Builder
	repo    *Repository
	obs     *s0_data.Repository
}

func newFixture(t *testing.T, calendar Calendar) *fixture {
	t.Helper()
	ctx := context.Background()

	reg, err := catalog.Parse([]byte(testCatalog), []byte(testFormulas))
	require.NoError(t, err)
	require.Empty(t, reg.Problems())

	db, err := database.Open(ctx, config.StoreConfig{URL: filepath.Join(t.TempDir(), "horizon.db")})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, s0_data.NewMetaRepository(db).Sync(ctx, reg.AllSeries()))
	obsRepo := s0_data.NewRepository(db)
	seed(t, obsRepo)

	repo := NewRepository(db)
	b := NewBuilder(reg, transform.New(reg, obsRepo), obsRepo, repo, logger.Nop(), Config{
		Workers:  2,
		Calendar: calendar,
		Start:    contracts.MustDate("2024-06-03"),
	})
	return &fixture{db: db, builder: b, repo: repo, obs: obsRepo}
}

func seed(t *testing.T, repo *s0_data.Repository) {
	ctx := context.Background()

	var monthly []contracts.Observation
	for i := 0; i < 12; i++ {
		monthly = append(monthly, contracts.Observation{
			SeriesID: "A",
			Date:     contracts.MustDate("2024-01-01").AddDate(0, i, 0),
			Value:    50 + 3*math.Sin(float64(i)),
		})
	}
	_, err := repo.UpsertBatch(ctx, "A", monthly)
	require.NoError(t, err)

	var daily []contracts.Observation
	for d := contracts.MustDate("2024-10-01"); d.Before(contracts.MustDate("2025-01-01")); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		daily = append(daily, contracts.Observation{SeriesID: "B", Date: d, Value: 4 + math.Cos(float64(d.YearDay()))})
	}
	_, err = repo.UpsertBatch(ctx, "B", daily)
	require.NoError(t, err)
}

func TestRebuildEqualsIncremental(t *testing.T) {
	ctx := context.Background()
	from, mid, to := contracts.MustDate("2024-06-03"), contracts.MustDate("2024-09-30"), contracts.MustDate("2024-12-31")

	full := newFixture(t, Weekdays)
	res, err := full.builder.Rebuild(ctx, from, to)
	require.NoError(t, err)
	require.NoError(t, res.Err())
	assert.Equal(t, 2, res.Metrics)

	fullRows, err := full.repo.Rows(ctx, from, to)
	require.NoError(t, err)
	require.Len(t, fullRows, len(Weekdays.Dates(from, to)))

	stepped := newFixture(t, Weekdays)
	_, err = stepped.builder.Rebuild(ctx, from, mid)
	require.NoError(t, err)
	inc, err := stepped.builder.Incremental(ctx, to)
	require.NoError(t, err)
	assert.Equal(t, 2*len(Weekdays.Dates(mid.AddDate(0, 0, 1), to)), inc.Cells)

	steppedRows, err := stepped.repo.Rows(ctx, from, to)
	require.NoError(t, err)
	assert.Equal(t, fullRows, steppedRows)

	// rebuilding again changes nothing
	_, err = full.builder.Rebuild(ctx, from, to)
	require.NoError(t, err)
	again, err := full.repo.Rows(ctx, from, to)
	require.NoError(t, err)
	assert.Equal(t, fullRows, again)

	// nothing left to extend
	inc, err = full.builder.Incremental(ctx, to)
	require.NoError(t, err)
	assert.Equal(t, 0, inc.Cells)
}

// revise writes a monthly revision and a late daily correction, both
// available inside an already built range.
func revise(t *testing.T, repo *s0_data.Repository) {
	t.Helper()
	ctx := context.Background()
	_, err := repo.Upsert(ctx, contracts.RawObservation{SeriesID: "A", Date: "2024-10-01", Value: 90})
	require.NoError(t, err)
	_, err = repo.UpsertBatch(ctx, "B", []contracts.Observation{
		{SeriesID: "B", Date: contracts.MustDate("2024-11-15"), Value: 9},
	})
	require.NoError(t, err)
}

func TestIncrementalAbsorbsRevisions(t *testing.T) {
	ctx := context.Background()
	from, mid, to := contracts.MustDate("2024-06-03"), contracts.MustDate("2024-12-10"), contracts.MustDate("2024-12-31")

	stepped := newFixture(t, Weekdays)
	_, err := stepped.builder.Rebuild(ctx, from, mid)
	require.NoError(t, err)

	before, err := stepped.repo.Column(ctx, "A", contracts.MustDate("2024-11-07"), contracts.MustDate("2024-11-07"))
	require.NoError(t, err)
	require.Len(t, before, 1)

	revise(t, stepped.obs)
	inc, err := stepped.builder.Incremental(ctx, to)
	require.NoError(t, err)
	require.NoError(t, inc.Err())

	// 2024-10 with a 7 day lag is public on 2024-11-07
	assert.Equal(t, "2024-11-07", contracts.FormatDate(inc.Rewound["A"]))
	assert.Equal(t, "2024-11-16", contracts.FormatDate(inc.Rewound["B"]))

	full := newFixture(t, Weekdays)
	revise(t, full.obs)
	_, err = full.builder.Rebuild(ctx, from, to)
	require.NoError(t, err)

	fullRows, err := full.repo.Rows(ctx, from, to)
	require.NoError(t, err)
	steppedRows, err := stepped.repo.Rows(ctx, from, to)
	require.NoError(t, err)
	assert.Equal(t, fullRows, steppedRows)

	after, err := stepped.repo.Column(ctx, "A", contracts.MustDate("2024-11-07"), contracts.MustDate("2024-11-07"))
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.NotEqual(t, before[0].ZScore, after[0].ZScore)

	// cells dated before the revision became public are untouched
	early, err := stepped.repo.Column(ctx, "A", contracts.MustDate("2024-11-06"), contracts.MustDate("2024-11-06"))
	require.NoError(t, err)
	fullEarly, err := full.repo.Column(ctx, "A", contracts.MustDate("2024-11-06"), contracts.MustDate("2024-11-06"))
	require.NoError(t, err)
	assert.Equal(t, fullEarly, early)

	// the indices are told where to recompute from
	rewinds, err := stepped.repo.Rewinds(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2024-11-07", contracts.FormatDate(rewinds["A"].From))
	assert.Contains(t, rewinds, "B")

	// marks are consumed once absorbed
	inc, err = stepped.builder.Incremental(ctx, to)
	require.NoError(t, err)
	assert.Zero(t, inc.Cells)
	assert.Empty(t, inc.Rewound)
}

func TestRebuildMissingReasons(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Weekdays)

	_, err := f.builder.Rebuild(ctx, contracts.MustDate("2024-06-03"), contracts.MustDate("2024-12-31"))
	require.NoError(t, err)

	early, err := f.repo.Column(ctx, "B", contracts.MustDate("2024-06-03"), contracts.MustDate("2024-06-07"))
	require.NoError(t, err)
	require.Len(t, early, 5)
	for _, c := range early {
		assert.Nil(t, c.ZScore)
		assert.Equal(t, contracts.MissingInsufficientHistory, c.Missing)
	}

	late, err := f.repo.Column(ctx, "B", contracts.MustDate("2024-12-30"), contracts.MustDate("2024-12-31"))
	require.NoError(t, err)
	require.Len(t, late, 2)
	assert.NotNil(t, late[0].ZScore)

	last, ok, err := f.repo.LastDate(ctx, "A")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2024-12-31", contracts.FormatDate(last))
}

func TestRebuildEmptyRange(t *testing.T) {
	f := newFixture(t, Weekdays)
	_, err := f.builder.Rebuild(context.Background(), contracts.MustDate("2024-12-31"), contracts.MustDate("2024-01-01"))
	assert.Error(t, err)
}

func TestCalendar(t *testing.T) {
	from, to := contracts.MustDate("2025-01-03"), contracts.MustDate("2025-01-07") // Fri..Tue

	assert.Len(t, Weekdays.Dates(from, to), 3)
	assert.Len(t, Daily.Dates(from, to), 5)
	assert.Empty(t, Daily.Dates(to, from))

	c, err := ParseCalendar("")
	require.NoError(t, err)
	assert.Equal(t, Weekdays, c)
	_, err = ParseCalendar("monthly")
	assert.Error(t, err)
}
