package brain

import (
	"context"
	"fmt"
	"time"

	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/internal/s0_data"
)

// Rebuild recomputes the horizon table and every index over [from, to]
// from stored observations. Nothing is fetched. Alert state is left as is;
// monitors only advance on dates after their last evaluated date.
func (o *Orchestrator) Rebuild(ctx context.Context, from, to time.Time) (*RunResult, error) {
	start := o.opts.Clock.Now()
	r := &run{result: &RunResult{Entry: contracts.UpdateLogEntry{
		RunID:     o.GenerateRunID(),
		StartedAt: start,
		Mode:      fmt.Sprintf("rebuild %s..%s", contracts.FormatDate(from), contracts.FormatDate(to)),
	}}}
	log := o.logger.WithRun(r.result.Entry.RunID)
	log.WithFields(map[string]interface{}{
		"from": contracts.FormatDate(from),
		"to":   contracts.FormatDate(to),
	}).Info("Starting rebuild")

	if err := o.c.Store.Ping(ctx); err != nil {
		sysErr := &contracts.SystemicError{Op: "ping store", Err: err}
		r.result.systemic = true
		r.fail(contracts.StageHorizon, sysErr)
		o.finish(ctx, r, contracts.RunFailed, log)
		return r.result, sysErr
	}

	var rebuildErr error
	o.stage(r, contracts.StageHorizon, func() (int, int, error) {
		res, err := o.c.Horizon.Rebuild(ctx, from, to)
		r.result.Horizon = res
		if err != nil {
			rebuildErr = err
			return 0, 0, err
		}
		return res.Metrics, res.Cells, res.Err()
	})
	if rebuildErr != nil {
		o.finish(ctx, r, contracts.RunFailed, log)
		return r.result, rebuildErr
	}

	o.stage(r, contracts.StageIndex, func() (int, int, error) {
		res, err := o.c.Index.Recompute(ctx, from, to)
		r.result.Index = res
		if err != nil {
			return 0, 0, err
		}
		return res.Indices, res.Values, res.Err()
	})

	if o.c.Cache != nil {
		if err := o.c.Cache.InvalidateAll(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("Failed to invalidate read cache")
		}
	}

	status := contracts.RunSuccess
	if r.partial {
		status = contracts.RunPartial
	}
	o.finish(ctx, r, status, log)
	return r.result, nil
}

// StoreStats is the read-only summary printed by run --stats
type StoreStats struct {
	Series    []s0_data.SeriesStat      `json:"series"`
	Meta      []contracts.SeriesMeta    `json:"meta"`
	LastRun   *contracts.UpdateLogEntry `json:"last_run,omitempty"`
	Unfetched []string                  `json:"unfetched"` // catalog series with no observations
}

// Stats reports store contents without fetching or writing anything.
func (o *Orchestrator) Stats(ctx context.Context) (*StoreStats, error) {
	if err := o.c.Store.Ping(ctx); err != nil {
		return nil, &contracts.SystemicError{Op: "ping store", Err: err}
	}

	series, err := o.c.Store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	meta, err := o.c.Meta.List(ctx)
	if err != nil {
		return nil, err
	}
	last, ok, err := o.c.UpdateLog.Last(ctx)
	if err != nil {
		return nil, err
	}

	out := &StoreStats{Series: series, Meta: meta}
	if ok {
		out.LastRun = &last
	}

	have := make(map[string]bool, len(series))
	for _, s := range series {
		have[s.SeriesID] = true
	}
	for _, m := range o.c.Registry.AllSeries() {
		if !have[m.ID] {
			out.Unfetched = append(out.Unfetched, m.ID)
		}
	}
	return out, nil
}
