package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/pkg/config"
	"github.com/wonny/aegis-macro/backend/pkg/database"
)

func TestAppendAndLatest(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(ctx, config.StoreConfig{URL: filepath.Join(t.TempDir(), "audit.db")})
	require.NoError(t, err)
	t.Cleanup(db.Close)
	repo := NewRepository(db)

	_, ok, err := repo.Last(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	start := time.Date(2025, 1, 10, 7, 30, 0, 0, time.UTC)
	first := contracts.UpdateLogEntry{
		RunID:            "01JH0000000000000000000001",
		StartedAt:        start,
		FinishedAt:       start.Add(90 * time.Second),
		Mode:             "run",
		Status:           contracts.RunPartial,
		SourcesAttempted: []string{"fred", "nyfed"},
		SourcesSucceeded: []string{"fred"},
		RowsWritten:      120,
		RowsRejected:     2,
		Duration:         90 * time.Second,
		FailedStage:      contracts.StageIngest,
		ErrorSummary:     "nyfed: timeout",
	}
	require.NoError(t, repo.Append(ctx, first))

	second := contracts.UpdateLogEntry{
		RunID:      "01JH0000000000000000000002",
		StartedAt:  start.Add(24 * time.Hour),
		FinishedAt: start.Add(24*time.Hour + time.Second),
		Mode:       "stats",
		Status:     contracts.RunSuccess,
	}
	require.NoError(t, repo.Append(ctx, second))

	// append-only: a run id cannot be rewritten
	assert.Error(t, repo.Append(ctx, first))
	assert.Error(t, repo.Append(ctx, contracts.UpdateLogEntry{}))

	entries, err := repo.Latest(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, second.RunID, entries[0].RunID)
	assert.Empty(t, entries[0].SourcesAttempted)

	got := entries[1]
	assert.Equal(t, contracts.RunPartial, got.Status)
	assert.Equal(t, []string{"fred", "nyfed"}, got.SourcesAttempted)
	assert.Equal(t, []string{"nyfed"}, got.SourcesFailed())
	assert.Equal(t, contracts.StageIngest, got.FailedStage)
	assert.Equal(t, 90*time.Second, got.Duration)
	assert.True(t, start.Equal(got.StartedAt))

	last, ok, err := repo.Last(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second.RunID, last.RunID)
}
