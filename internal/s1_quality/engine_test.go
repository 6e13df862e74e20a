package s1_quality

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis-macro/backend/internal/catalog"
	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/internal/s0_data"
	"github.com/wonny/aegis-macro/backend/pkg/config"
	"github.com/wonny/aegis-macro/backend/pkg/database"
	"github.com/wonny/aegis-macro/backend/pkg/logger"
)

const testCatalog = `
sources:
  - name: fred
    adapter: fred
series:
  - id: UNRATE
    source: fred
    label: Unemployment rate
    pillar: labor
    frequency: monthly
    publication_lag_days: 7
    unit: percent
    sign_convention: stress_up
`

func TestEngine_SetsAndClearsFlags(t *testing.T) {
	ctx := context.Background()
	reg, err := catalog.Parse([]byte(testCatalog), nil)
	require.NoError(t, err)

	db, err := database.Open(ctx, config.StoreConfig{URL: filepath.Join(t.TempDir(), "q.db")})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	repo := s0_data.NewRepository(db)
	metaRepo := s0_data.NewMetaRepository(db)
	require.NoError(t, metaRepo.Sync(ctx, reg.AllSeries()))

	for _, o := range monthly("2024-01-01", 4.0, 4.1, 3.9, 4.0, 4.2, 4.1, 3.8, 4.0, 4.1, 3.9, 4.0, 4.05) {
		_, err := repo.Upsert(ctx, contracts.RawObservation{SeriesID: "UNRATE", Date: contracts.FormatDate(o.Date), Value: o.Value})
		require.NoError(t, err)
	}

	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 10, 6, 0, 0, 0, time.UTC))
	engine := New(reg, repo, metaRepo, Config{Thresholds: thresholds, Clock: clock}, logger.Nop())

	changes, err := engine.Check(ctx, nil, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, changes)

	// four months pass with no release
	clock.Advance(111 * 24 * time.Hour)
	changes, err = engine.Check(ctx, []string{"UNRATE"}, time.Time{})
	require.NoError(t, err)
	require.Len(t, changes, 2)
	for _, c := range changes {
		assert.True(t, c.Set)
		assert.NotEmpty(t, c.Detail)
	}

	flags, err := metaRepo.Flags(ctx, "UNRATE")
	require.NoError(t, err)
	assert.True(t, flags.Has(contracts.FlagStale))
	assert.True(t, flags.Has(contracts.FlagMissingRecent))

	// repeating the check changes nothing
	changes, err = engine.Check(ctx, []string{"UNRATE"}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, changes)

	// the release arrives
	_, err = repo.Upsert(ctx, contracts.RawObservation{SeriesID: "UNRATE", Date: "2025-04-01", Value: 4.1})
	require.NoError(t, err)
	changes, err = engine.Check(ctx, []string{"UNRATE"}, time.Time{})
	require.NoError(t, err)
	require.Len(t, changes, 2)
	for _, c := range changes {
		assert.False(t, c.Set)
	}

	obs, err := repo.Observations(ctx, "UNRATE")
	require.NoError(t, err)
	assert.Len(t, obs, 13, "quality never mutates observations")
}
