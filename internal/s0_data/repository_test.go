package s0_data

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/pkg/config"
	"github.com/wonny/aegis-macro/backend/pkg/database"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(context.Background(), config.StoreConfig{URL: filepath.Join(t.TempDir(), "store.db")})
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func register(t *testing.T, db *database.DB, freq contracts.Frequency, ids ...string) {
	t.Helper()
	lag := 7
	metas := make([]contracts.SeriesMeta, 0, len(ids))
	for _, id := range ids {
		metas = append(metas, contracts.SeriesMeta{ID: id, Source: "fred", Label: id, Pillar: "test",
			Frequency: freq, PublicationLagDays: &lag, Unit: "index", SignConvention: contracts.StressUp})
	}
	require.NoError(t, NewMetaRepository(db).Sync(context.Background(), metas))
}

func countRows(t *testing.T, db *database.DB, seriesID string) int {
	t.Helper()
	var n int
	require.NoError(t, db.SQL.QueryRow(db.Rebind(`SELECT COUNT(*) FROM observations WHERE series_id = ?`), seriesID).Scan(&n))
	return n
}

func TestUpsert_Idempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	register(t, db, contracts.Monthly, "UNRATE")
	repo := NewRepository(db)

	raw := contracts.RawObservation{SeriesID: "UNRATE", Date: "2025-01-01", Value: 4.1}

	changed, err := repo.Upsert(ctx, raw)
	require.NoError(t, err)
	assert.True(t, changed)

	var updatedAt string
	require.NoError(t, db.SQL.QueryRow(`SELECT updated_at FROM observations`).Scan(&updatedAt))

	for i := 0; i < 5; i++ {
		changed, err = repo.Upsert(ctx, raw)
		require.NoError(t, err)
		assert.False(t, changed, "same value is not a state change")
	}

	var updatedAgain string
	require.NoError(t, db.SQL.QueryRow(`SELECT updated_at FROM observations`).Scan(&updatedAgain))
	assert.Equal(t, updatedAt, updatedAgain)
	assert.Equal(t, 1, countRows(t, db, "UNRATE"))

	// revision overwrites
	changed, err = repo.Upsert(ctx, contracts.RawObservation{SeriesID: "UNRATE", Date: "2025-01-01", Value: 4.2})
	require.NoError(t, err)
	assert.True(t, changed)

	obs, err := repo.Observations(ctx, "UNRATE")
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, 4.2, obs[0].Value)
}

func TestUpsert_Validation(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t))

	tests := []struct {
		name string
		raw  contracts.RawObservation
	}{
		{"nan", contracts.RawObservation{SeriesID: "X", Date: "2025-01-01", Value: math.NaN()}},
		{"inf", contracts.RawObservation{SeriesID: "X", Date: "2025-01-01", Value: math.Inf(-1)}},
		{"bad date", contracts.RawObservation{SeriesID: "X", Date: "Jan 1st", Value: 1}},
		{"empty id", contracts.RawObservation{Date: "2025-01-01", Value: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := repo.Upsert(ctx, tt.raw)
			var ve *contracts.ValidationError
			assert.True(t, errors.As(err, &ve))
		})
	}
}

func TestUpsert_NormalizesPeriod(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	register(t, db, contracts.Monthly, "UNRATE")
	repo := NewRepository(db)

	_, err := repo.UpsertBatch(ctx, "UNRATE", []contracts.Observation{
		{SeriesID: "UNRATE", Date: contracts.MustDate("2025-01-01"), Value: 4.1},
	})
	require.NoError(t, err)

	changed, err := repo.Upsert(ctx, contracts.RawObservation{SeriesID: "UNRATE", Date: "2025-01-31", Value: 4.2})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 1, countRows(t, db, "UNRATE"), "one row per monthly period")

	obs, err := repo.Observations(ctx, "UNRATE")
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "2025-01-01", contracts.FormatDate(obs[0].Date))
	assert.Equal(t, 4.2, obs[0].Value)

	_, err = repo.Upsert(ctx, contracts.RawObservation{SeriesID: "UNKNOWN", Date: "2025-01-01", Value: 1})
	var ve *contracts.ValidationError
	assert.True(t, errors.As(err, &ve), "unregistered series has no period key")
}

func TestRevisions(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	register(t, db, contracts.Monthly, "CPI")
	repo := NewRepository(db)

	batch := []contracts.Observation{
		{SeriesID: "CPI", Date: contracts.MustDate("2024-10-01"), Value: 1},
		{SeriesID: "CPI", Date: contracts.MustDate("2024-11-01"), Value: 2},
		{SeriesID: "CPI", Date: contracts.MustDate("2024-12-01"), Value: 3},
	}
	res, err := repo.UpsertBatch(ctx, "CPI", batch)
	require.NoError(t, err)
	assert.Equal(t, "2024-10-01", contracts.FormatDate(res.FirstChanged))

	revs, err := repo.Revisions(ctx)
	require.NoError(t, err)
	require.Contains(t, revs, "CPI")
	first := revs["CPI"]
	assert.Equal(t, "2024-10-01", contracts.FormatDate(first.From))
	require.NoError(t, repo.ClearRevision(ctx, first))

	revs, err = repo.Revisions(ctx)
	require.NoError(t, err)
	assert.Empty(t, revs)

	// an unchanged re-fetch marks nothing
	res, err = repo.UpsertBatch(ctx, "CPI", batch)
	require.NoError(t, err)
	assert.True(t, res.FirstChanged.IsZero())
	revs, err = repo.Revisions(ctx)
	require.NoError(t, err)
	assert.Empty(t, revs)

	// a revision followed by an earlier late arrival keeps the earliest date
	_, err = repo.Upsert(ctx, contracts.RawObservation{SeriesID: "CPI", Date: "2024-12-01", Value: 3.5})
	require.NoError(t, err)
	revs, err = repo.Revisions(ctx)
	require.NoError(t, err)
	stale := revs["CPI"]
	assert.Equal(t, "2024-12-01", contracts.FormatDate(stale.From))

	_, err = repo.Upsert(ctx, contracts.RawObservation{SeriesID: "CPI", Date: "2024-09-01", Value: 0.5})
	require.NoError(t, err)

	// clearing what was read before the second write leaves the newer mark
	require.NoError(t, repo.ClearRevision(ctx, stale))
	revs, err = repo.Revisions(ctx)
	require.NoError(t, err)
	require.Contains(t, revs, "CPI")
	assert.Equal(t, "2024-09-01", contracts.FormatDate(revs["CPI"].From))
}

func TestUpsertBatch(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t))

	batch := []contracts.Observation{
		{SeriesID: "ICSA", Date: contracts.MustDate("2025-01-04"), Value: 210000},
		{SeriesID: "ICSA", Date: contracts.MustDate("2025-01-11"), Value: 215000},
	}

	res, err := repo.UpsertBatch(ctx, "ICSA", batch)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Written)

	batch[1].Value = 216000
	res, err = repo.UpsertBatch(ctx, "ICSA", batch)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Written)
	assert.Equal(t, 1, res.Unchanged)

	latest, ok, err := repo.LatestDate(ctx, "ICSA")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2025-01-11", contracts.FormatDate(latest))

	_, ok, err = repo.LatestDate(ctx, "NONE")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.UpsertBatch(ctx, "OTHER", batch)
	assert.Error(t, err)
}

func TestUpsert_ConcurrentSeries(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewRepository(db)

	start := contracts.MustDate("2024-01-01")
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for s := 0; s < 4; s++ {
		for w := 0; w < 2; w++ {
			wg.Add(1)
			go func(series, writer int) {
				defer wg.Done()
				id := fmt.Sprintf("S%d", series)
				obs := make([]contracts.Observation, 30)
				for i := range obs {
					obs[i] = contracts.Observation{SeriesID: id, Date: start.AddDate(0, 0, i), Value: float64(i + writer)}
				}
				if _, err := repo.UpsertBatch(ctx, id, obs); err != nil {
					errs <- err
				}
			}(s, w)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for s := 0; s < 4; s++ {
		assert.Equal(t, 30, countRows(t, db, fmt.Sprintf("S%d", s)))
	}
}

func TestObservationsBetweenAndStats(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	register(t, db, contracts.Monthly, "M")
	repo := NewRepository(db)

	for i, v := range []float64{2.0, 2.2, 2.1} {
		_, err := repo.Upsert(ctx, contracts.RawObservation{
			SeriesID: "M", Date: contracts.FormatDate(contracts.MustDate("2024-10-01").AddDate(0, i, 0)), Value: v,
		})
		require.NoError(t, err)
	}

	obs, err := repo.ObservationsBetween(ctx, "M", contracts.MustDate("2024-11-01"), contracts.MustDate("2024-12-31"))
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, 2.2, obs[0].Value)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 3, stats[0].Count)
	assert.Equal(t, "2024-12-01", contracts.FormatDate(stats[0].Last))

	revs, err := repo.Revisions(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.ClearRevision(ctx, revs["M"]))

	n, err := repo.Prune(ctx, "M", contracts.MustDate("2024-11-01"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	revs, err = repo.Revisions(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2024-10-01", contracts.FormatDate(revs["M"].From), "pruned rows are a revision")

	n, err = repo.Prune(ctx, "M", contracts.MustDate("2024-11-01"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNormalize(t *testing.T) {
	meta := contracts.SeriesMeta{ID: "CPI", Frequency: contracts.Monthly}
	raws := []contracts.RawObservation{
		{Date: "2025-01-31", Value: 1},
		{SeriesID: "CPI", Date: "2025-01", Value: 2}, // same period, later wins
		{SeriesID: "CPI", Date: "2025-02-01", Value: math.NaN()},
		{SeriesID: "OTHER", Date: "2025-03-01", Value: 3},
		{SeriesID: "CPI", Date: "2025-03-15", Value: 4},
	}

	obs, rejected := Normalize(meta, raws)
	require.Len(t, obs, 2)
	assert.Equal(t, "2025-01-01", contracts.FormatDate(obs[0].Date))
	assert.Equal(t, 2.0, obs[0].Value)
	assert.Equal(t, "2025-03-01", contracts.FormatDate(obs[1].Date))
	assert.Len(t, rejected, 2)
}

func TestMetaRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMetaRepository(openTestDB(t))

	lag := 7
	metas := []contracts.SeriesMeta{
		{ID: "UNRATE", Source: "fred", Label: "Unemployment", Pillar: "labor", Frequency: contracts.Monthly,
			PublicationLagDays: &lag, Unit: "percent", SignConvention: contracts.StressUp},
		{ID: "NOLAG", Source: "fred", Label: "No lag", Pillar: "labor", Frequency: contracts.Monthly,
			Unit: "index", SignConvention: contracts.StressDown},
	}
	require.NoError(t, repo.Sync(ctx, metas))

	flags := contracts.NewQualityFlags(contracts.FlagStale)
	require.NoError(t, repo.SetFlags(ctx, "UNRATE", flags, time.Now()))

	// re-sync keeps flags
	metas[0].Label = "Unemployment rate"
	require.NoError(t, repo.Sync(ctx, metas))

	got, err := repo.Flags(ctx, "UNRATE")
	require.NoError(t, err)
	assert.Equal(t, flags, got)

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Nil(t, list[0].PublicationLagDays) // NOLAG sorts first
	assert.Equal(t, "Unemployment rate", list[1].Label)
	require.NotNil(t, list[1].PublicationLagDays)
	assert.Equal(t, 7, *list[1].PublicationLagDays)
}
