package transform

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis-macro/backend/internal/catalog"
	"github.com/wonny/aegis-macro/backend/internal/contracts"
)

func intPtr(v int) *int { return &v }

func monthly(id string, start string, values ...float64) []contracts.Observation {
	d := contracts.MustDate(start)
	out := make([]contracts.Observation, len(values))
	for i, v := range values {
		out[i] = contracts.Observation{SeriesID: id, Date: d.AddDate(0, i, 0), Value: v}
	}
	return out
}

func TestZScoreAt_ThreePointNeutral(t *testing.T) {
	meta := contracts.SeriesMeta{
		ID: "CPI", Frequency: contracts.Monthly, PublicationLagDays: intPtr(7),
		SignConvention: contracts.StressUp, Window: contracts.WindowSpec{Lookback: 24, Min: 3},
	}
	obs := monthly("CPI", "2024-10-01", 2.0, 2.2, 2.1)

	score, err := ZScoreAt(meta, obs, contracts.MustDate("2025-01-15"))
	require.NoError(t, err)
	assert.InDelta(t, 0, score.Z, 1e-9)
	assert.InDelta(t, 0.1, score.Std, 1e-9)
	assert.Equal(t, 3, score.N)

	bands := contracts.Cut([]string{"Low", "Neutral", "High"}, -0.5, 0.5)
	_, label, err := bands.Classify(score.Z)
	require.NoError(t, err)
	assert.Equal(t, "Neutral", label)
}

func TestZScoreAt_NoLookAhead(t *testing.T) {
	meta := contracts.SeriesMeta{
		ID: "X", Frequency: contracts.Monthly, PublicationLagDays: intPtr(15),
		SignConvention: contracts.StressUp, Window: contracts.WindowSpec{Lookback: 24, Min: 3},
	}
	values := make([]float64, 0, 25)
	for i := 0; i < 24; i++ {
		values = append(values, float64(i%5))
	}
	values = append(values, 1000) // 2025-01, public on 2025-02-15
	obs := monthly("X", "2023-01-01", values...)

	before, err := ZScoreAt(meta, obs, contracts.MustDate("2025-02-01"))
	require.NoError(t, err)
	assert.Equal(t, "2024-12-01", contracts.FormatDate(before.Latest.Date))

	// same answer when the unpublished point is absent from the store
	withoutJan, err := ZScoreAt(meta, obs[:24], contracts.MustDate("2025-02-01"))
	require.NoError(t, err)
	assert.Equal(t, withoutJan.Z, before.Z)

	dayBefore, err := ZScoreAt(meta, obs, contracts.MustDate("2025-02-14"))
	require.NoError(t, err)
	assert.Equal(t, before.Z, dayBefore.Z)

	after, err := ZScoreAt(meta, obs, contracts.MustDate("2025-02-15"))
	require.NoError(t, err)
	assert.Equal(t, "2025-01-01", contracts.FormatDate(after.Latest.Date))
	assert.Greater(t, after.Z, 3.0)
}

func TestZScoreAt_Missing(t *testing.T) {
	base := contracts.SeriesMeta{
		ID: "Y", Frequency: contracts.Monthly, PublicationLagDays: intPtr(7),
		SignConvention: contracts.StressUp, Window: contracts.WindowSpec{Lookback: 24, Min: 12},
	}
	d := contracts.MustDate("2026-01-01")

	tests := []struct {
		name string
		meta func() contracts.SeriesMeta
		obs  []contracts.Observation
		want contracts.MissingReason
	}{
		{
			name: "insufficient history",
			meta: func() contracts.SeriesMeta { return base },
			obs:  monthly("Y", "2025-01-01", 1, 2, 3, 4, 5),
			want: contracts.MissingInsufficientHistory,
		},
		{
			name: "zero variance",
			meta: func() contracts.SeriesMeta { return base },
			obs:  monthly("Y", "2024-01-01", 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3),
			want: contracts.MissingZeroVariance,
		},
		{
			name: "lag unknown",
			meta: func() contracts.SeriesMeta { m := base; m.PublicationLagDays = nil; return m },
			obs:  monthly("Y", "2024-01-01", 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13),
			want: contracts.MissingLagUnknown,
		},
		{
			name: "nothing available yet",
			meta: func() contracts.SeriesMeta { return base },
			obs:  monthly("Y", "2025-12-01", 1),
			want: contracts.MissingInsufficientHistory,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ZScoreAt(tt.meta(), tt.obs, d)
			require.Error(t, err)
			assert.Equal(t, tt.want, MissingReasonOf(err))

			cell := Cell("Y", tt.meta(), tt.obs, d)
			assert.Nil(t, cell.ZScore, "missing is never zero")
			assert.Equal(t, tt.want, cell.Missing)
		})
	}
}

func TestZScoreAt_Orientation(t *testing.T) {
	obs := monthly("P", "2024-01-01", 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 20)
	up := contracts.SeriesMeta{ID: "P", Frequency: contracts.Monthly, PublicationLagDays: intPtr(0), SignConvention: contracts.StressUp}
	down := up
	down.SignConvention = contracts.StressDown

	d := contracts.MustDate("2025-06-01")
	zu, err := ZScoreAt(up, obs, d)
	require.NoError(t, err)
	zd, err := ZScoreAt(down, obs, d)
	require.NoError(t, err)
	assert.Greater(t, zu.Z, 0.0)
	assert.InDelta(t, -zu.Z, zd.Z, 1e-12)
}

func TestZScoreAt_LookbackTrimsWindow(t *testing.T) {
	meta := contracts.SeriesMeta{
		ID: "W", Frequency: contracts.Monthly, PublicationLagDays: intPtr(0),
		SignConvention: contracts.StressUp, Window: contracts.WindowSpec{Lookback: 3, Min: 3},
	}
	// the 100 falls outside the trailing three
	obs := monthly("W", "2024-01-01", 100, 2.0, 2.2, 2.1)
	score, err := ZScoreAt(meta, obs, contracts.MustDate("2024-06-01"))
	require.NoError(t, err)
	assert.Equal(t, 3, score.N)
	assert.InDelta(t, 2.1, score.Mean, 1e-9)
}

func TestDerive(t *testing.T) {
	obs := monthly("CPI", "2023-01-01",
		100, 101, 102, 103, 104, 105, 106, 107, 108, 109, 110, 111,
		110, 111.1)

	t.Run("level copies", func(t *testing.T) {
		out, err := Derive(contracts.Monthly, contracts.Transform{Kind: contracts.TransformLevel}, obs)
		require.NoError(t, err)
		assert.Equal(t, obs, out)
	})

	t.Run("yoy matches exact period", func(t *testing.T) {
		out, err := Derive(contracts.Monthly, contracts.Transform{Kind: contracts.TransformYoY}, obs)
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, "2024-01-01", contracts.FormatDate(out[0].Date))
		assert.InDelta(t, 10.0, out[0].Value, 1e-9)
		assert.InDelta(t, 10.0, out[1].Value, 1e-9)
	})

	t.Run("yoy skips gaps", func(t *testing.T) {
		gappy := append([]contracts.Observation{}, obs[1:]...)
		out, err := Derive(contracts.Monthly, contracts.Transform{Kind: contracts.TransformYoY}, gappy)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "2024-02-01", contracts.FormatDate(out[0].Date))
	})

	t.Run("diff", func(t *testing.T) {
		out, err := Derive(contracts.Monthly, contracts.Transform{Kind: contracts.TransformDiff, Periods: 1}, obs[:3])
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.InDelta(t, 1.0, out[0].Value, 1e-9)
	})

	t.Run("annualized", func(t *testing.T) {
		out, err := Derive(contracts.Monthly, contracts.Transform{Kind: contracts.TransformAnnualized, Periods: 3}, obs[:4])
		require.NoError(t, err)
		require.Len(t, out, 1)
		want := (math.Pow(103.0/100.0, 4) - 1) * 100
		assert.InDelta(t, want, out[0].Value, 1e-9)
	})

	t.Run("momentum", func(t *testing.T) {
		out, err := Derive(contracts.Monthly, contracts.Transform{Kind: contracts.TransformMomentum, Short: 2, Long: 4}, obs[:5])
		require.NoError(t, err)
		require.Len(t, out, 2)
		// mean(102,103) - mean(100..103)
		assert.InDelta(t, 1.0, out[0].Value, 1e-9)
	})

	t.Run("daily counts observations", func(t *testing.T) {
		daily := []contracts.Observation{
			{SeriesID: "D", Date: contracts.MustDate("2025-01-03"), Value: 1},
			{SeriesID: "D", Date: contracts.MustDate("2025-01-06"), Value: 4},
		}
		out, err := Derive(contracts.Daily, contracts.Transform{Kind: contracts.TransformDiff, Periods: 1}, daily)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, 3.0, out[0].Value)
	})

	t.Run("bad parameters", func(t *testing.T) {
		_, err := Derive(contracts.Monthly, contracts.Transform{Kind: contracts.TransformMomentum, Short: 4, Long: 2}, obs)
		assert.Error(t, err)
		_, err = Derive(contracts.Monthly, contracts.Transform{Kind: "log"}, obs)
		assert.Error(t, err)
	})
}

type memReader map[string][]contracts.Observation

func (m memReader) Observations(_ context.Context, id string) ([]contracts.Observation, error) {
	return m[id], nil
}

const engineCatalog = `
sources:
  - name: fred
    adapter: fred
series:
  - id: CPI
    source: fred
    label: CPI
    pillar: inflation
    frequency: monthly
    publication_lag_days: 10
    unit: index
    sign_convention: stress_up
    window: {lookback: 24, min: 3}
  - id: NOLAG
    source: fred
    label: No lag
    pillar: inflation
    frequency: monthly
    unit: index
    sign_convention: stress_up
metrics:
  - id: CPI_YOY
    base: CPI
    transform: {kind: yoy}
`

func TestEngineColumn(t *testing.T) {
	reg, err := catalog.Parse([]byte(engineCatalog), nil)
	require.NoError(t, err)

	values := make([]float64, 20)
	for i := range values {
		values[i] = 100 + float64(i) + float64(i%3)
	}
	reader := memReader{
		"CPI":   monthly("CPI", "2023-01-01", values...),
		"NOLAG": monthly("NOLAG", "2023-01-01", values...),
	}
	e := New(reg, reader)

	dates := []time.Time{contracts.MustDate("2023-06-01"), contracts.MustDate("2024-09-02")}

	cells, err := e.Column(context.Background(), "CPI", dates)
	require.NoError(t, err)
	require.Len(t, cells, 2)
	assert.NotNil(t, cells[0].ZScore)
	assert.NotNil(t, cells[1].ZScore)

	yoy, err := e.Column(context.Background(), "CPI_YOY", dates)
	require.NoError(t, err)
	assert.Equal(t, contracts.MissingInsufficientHistory, yoy[0].Missing)
	assert.NotNil(t, yoy[1].ZScore)

	nolag, err := e.Column(context.Background(), "NOLAG", dates)
	require.Error(t, err)
	assert.True(t, IsLagUnknown(err))
	for _, c := range nolag {
		assert.Equal(t, contracts.MissingLagUnknown, c.Missing)
	}

	_, err = e.Column(context.Background(), "GDP", dates)
	assert.Error(t, err)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "level", Describe(contracts.Transform{}))
	assert.Equal(t, "diff(3)", Describe(contracts.Transform{Kind: contracts.TransformDiff, Periods: 3}))
	assert.Equal(t, "momentum(3,12)", Describe(contracts.Transform{Kind: contracts.TransformMomentum, Short: 3, Long: 12}))
}
