package transform

import (
	"errors"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/wonny/aegis-macro/backend/internal/contracts"
)

// ErrZeroVariance means the window is flat and no z-score exists.
var ErrZeroVariance = errors.New("zero variance in window")

// Score is a computed z-score and the observation it standardizes
type Score struct {
	Z      float64
	Latest contracts.Observation
	Mean   float64
	Std    float64
	N      int
}

// ZScoreAt computes the look-ahead-safe z-score of a series for date D.
// Only observations whose availability date (period end + lag) is <= D enter
// the window; the newest of them is standardized against the trailing window
// and oriented so that higher means more stress.
//
// obs must be sorted by date. The window uses the sample (n-1) standard deviation.
func ZScoreAt(meta contracts.SeriesMeta, obs []contracts.Observation, d time.Time) (Score, error) {
	n, err := availableCount(meta, obs, d)
	if err != nil {
		return Score{}, err
	}
	return scoreWindow(meta, obs[:n], d)
}

// availableCount returns how many leading observations are public on d.
// Availability is monotone in observation date for a fixed frequency and lag.
func availableCount(meta contracts.SeriesMeta, obs []contracts.Observation, d time.Time) (int, error) {
	if meta.PublicationLagDays == nil {
		return 0, &contracts.PublicationLagUnknownError{SeriesID: meta.ID}
	}
	return sort.Search(len(obs), func(i int) bool {
		avail, _ := meta.AvailableOn(obs[i].Date)
		return avail.After(d)
	}), nil
}

func scoreWindow(meta contracts.SeriesMeta, available []contracts.Observation, d time.Time) (Score, error) {
	w := meta.EffectiveWindow()
	if len(available) < w.Min || len(available) < 2 {
		return Score{}, &contracts.InsufficientHistoryError{SeriesID: meta.ID, Date: d, Have: len(available), Need: max(w.Min, 2)}
	}

	start := len(available) - w.Lookback
	if start < 0 {
		start = 0
	}
	window := available[start:]
	values := make([]float64, len(window))
	for i, o := range window {
		values[i] = o.Value
	}

	mean, std := stat.MeanStdDev(values, nil)
	if std == 0 || math.IsNaN(std) || std < 1e-12*math.Max(1, math.Abs(mean)) {
		return Score{}, ErrZeroVariance
	}

	latest := window[len(window)-1]
	z := (latest.Value - mean) / std * meta.SignConvention.Orientation()
	return Score{Z: z, Latest: latest, Mean: mean, Std: std, N: len(window)}, nil
}

// MissingReasonOf maps a ZScoreAt error onto the stored missing reason.
func MissingReasonOf(err error) contracts.MissingReason {
	var ih *contracts.InsufficientHistoryError
	var lu *contracts.PublicationLagUnknownError
	switch {
	case err == nil:
		return contracts.MissingNone
	case errors.As(err, &ih):
		return contracts.MissingInsufficientHistory
	case errors.As(err, &lu):
		return contracts.MissingLagUnknown
	case errors.Is(err, ErrZeroVariance):
		return contracts.MissingZeroVariance
	}
	return contracts.MissingNoData
}
