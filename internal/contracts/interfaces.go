package contracts

import "context"

// FetchAdapter is the boundary to one upstream source
// ⭐ SSOT: core는 이 계약만 의존, adapter 내부는 모름
type FetchAdapter interface {
	Name() string
	Fetch(ctx context.Context, meta SeriesMeta, r DateRange) ([]RawObservation, error)
}

// ObservationReader reads stored observations in date order
type ObservationReader interface {
	Observations(ctx context.Context, seriesID string) ([]Observation, error)
}

// AlertSink is a destination for alert events
type AlertSink interface {
	Name() string
	Send(ctx context.Context, event AlertEvent) error
}
