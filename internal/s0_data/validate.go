package s0_data

import (
	"math"

	"github.com/wonny/aegis-macro/backend/internal/contracts"
)

// Validate parses and checks one adapter observation.
// Non-finite values and unparseable dates are rejected with a ValidationError.
func Validate(raw contracts.RawObservation) (contracts.Observation, error) {
	if raw.SeriesID == "" {
		return contracts.Observation{}, &contracts.ValidationError{Date: raw.Date, Reason: "empty series id"}
	}
	if math.IsNaN(raw.Value) || math.IsInf(raw.Value, 0) {
		return contracts.Observation{}, &contracts.ValidationError{SeriesID: raw.SeriesID, Date: raw.Date, Reason: "non-finite value"}
	}
	d, err := contracts.ParseDate(raw.Date)
	if err != nil {
		return contracts.Observation{}, &contracts.ValidationError{SeriesID: raw.SeriesID, Date: raw.Date, Reason: err.Error()}
	}
	return contracts.Observation{SeriesID: raw.SeriesID, Date: d, Value: raw.Value}, nil
}

// Normalize validates a fetched batch for one series and maps dates onto
// period keys. Later duplicates of the same period win (sources list revisions last).
func Normalize(meta contracts.SeriesMeta, raws []contracts.RawObservation) ([]contracts.Observation, []error) {
	var rejected []error
	byDate := make(map[string]int, len(raws))
	out := make([]contracts.Observation, 0, len(raws))

	for _, raw := range raws {
		if raw.SeriesID == "" {
			raw.SeriesID = meta.ID
		}
		if raw.SeriesID != meta.ID {
			rejected = append(rejected, &contracts.ValidationError{SeriesID: raw.SeriesID, Date: raw.Date, Reason: "series id does not match request " + meta.ID})
			continue
		}
		obs, err := Validate(raw)
		if err != nil {
			rejected = append(rejected, err)
			continue
		}
		obs.Date = meta.Frequency.Normalize(obs.Date)

		key := contracts.FormatDate(obs.Date)
		if i, dup := byDate[key]; dup {
			out[i] = obs
			continue
		}
		byDate[key] = len(out)
		out = append(out, obs)
	}
	return out, rejected
}
