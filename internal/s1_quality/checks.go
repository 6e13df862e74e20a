package s1_quality

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/pkg/config"
)

// madScale makes MAD a consistent estimator of σ for normal data.
const madScale = 1.4826

// Finding is one raised flag with a human-readable reason
type Finding struct {
	Flag   contracts.QualityFlag
	Detail string
}

// Assess runs every check on a date-ordered series. Pure; no I/O.
func Assess(meta contracts.SeriesMeta, obs []contracts.Observation, asOf time.Time, th config.QualityConfig) []Finding {
	var out []Finding
	if f, ok := checkStale(meta, obs, asOf, th.StaleK); ok {
		out = append(out, f)
	}
	if f, ok := checkOutlier(obs, th); ok {
		out = append(out, f)
	}
	if f, ok := checkMissingRecent(meta, obs, asOf); ok {
		out = append(out, f)
	}
	return out
}

// checkStale flags a series whose newest observation became available
// more than k nominal intervals ago. Unknown lag falls back to period end.
func checkStale(meta contracts.SeriesMeta, obs []contracts.Observation, asOf time.Time, k float64) (Finding, bool) {
	if len(obs) == 0 {
		return Finding{Flag: contracts.FlagStale, Detail: "no observations"}, true
	}
	latest := obs[len(obs)-1].Date

	avail, err := meta.AvailableOn(latest)
	if err != nil {
		avail = meta.Frequency.PeriodEnd(latest)
	}

	ageDays := asOf.Sub(avail).Hours() / 24
	limit := k * meta.Frequency.IntervalDays()
	if ageDays > limit {
		return Finding{
			Flag:   contracts.FlagStale,
			Detail: fmt.Sprintf("latest %s available %.0f days ago (limit %.0f)", contracts.FormatDate(latest), ageDays, limit),
		}, true
	}
	return Finding{}, false
}

// checkOutlier compares the newest value with the median of the trailing
// window before it, in units of scaled MAD. A flat window (MAD = 0) is skipped.
func checkOutlier(obs []contracts.Observation, th config.QualityConfig) (Finding, bool) {
	if len(obs) < 2 {
		return Finding{}, false
	}
	latest := obs[len(obs)-1]

	start := len(obs) - 1 - th.OutlierWindow
	if start < 0 || th.OutlierWindow <= 0 {
		start = 0
	}
	window := make([]float64, 0, len(obs)-1-start)
	for _, o := range obs[start : len(obs)-1] {
		window = append(window, o.Value)
	}
	if len(window) < th.OutlierMinimum || len(window) == 0 {
		return Finding{}, false
	}

	med := median(window)
	dev := make([]float64, len(window))
	for i, v := range window {
		dev[i] = math.Abs(v - med)
	}
	mad := median(dev) * madScale
	if mad == 0 {
		return Finding{}, false
	}

	score := math.Abs(latest.Value-med) / mad
	if score > th.OutlierMult {
		return Finding{
			Flag: contracts.FlagOutlierSuspect,
			Detail: fmt.Sprintf("%s value %.4g is %.1f MADs from trailing median %.4g",
				contracts.FormatDate(latest.Date), latest.Value, score, med),
		}, true
	}
	return Finding{}, false
}

// checkMissingRecent flags a series when the period after its newest
// observation should already be public (availability + grace) but is absent.
// Without a known lag the expected date cannot be computed and nothing is flagged.
func checkMissingRecent(meta contracts.SeriesMeta, obs []contracts.Observation, asOf time.Time) (Finding, bool) {
	if len(obs) == 0 {
		return Finding{Flag: contracts.FlagMissingRecent, Detail: "no observations"}, true
	}
	next := nextPeriod(meta.Frequency, obs[len(obs)-1].Date)

	avail, err := meta.AvailableOn(next)
	if err != nil {
		return Finding{}, false
	}
	due := avail.AddDate(0, 0, meta.Frequency.GraceDays())
	if asOf.After(due) {
		return Finding{
			Flag:   contracts.FlagMissingRecent,
			Detail: fmt.Sprintf("period %s was due by %s", contracts.FormatDate(next), contracts.FormatDate(due)),
		}, true
	}
	return Finding{}, false
}

// nextPeriod returns the period following d. Daily series skip weekends.
func nextPeriod(f contracts.Frequency, d time.Time) time.Time {
	next := f.Shift(f.Normalize(d), 1)
	if f == contracts.Daily {
		for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
			next = next.AddDate(0, 0, 1)
		}
	}
	return next
}

func median(values []float64) float64 {
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
