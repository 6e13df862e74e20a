package s2_horizon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wonny/aegis-macro/backend/internal/catalog"
	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/internal/transform"
	"github.com/wonny/aegis-macro/backend/pkg/logger"
)

// Config holds builder configuration
type Config struct {
	Workers  int
	Calendar Calendar
	Start    time.Time // first panel date when a column has never been built
}

// RevisionSource reports observation changes not yet folded into the panel
type RevisionSource interface {
	Revisions(ctx context.Context) (map[string]contracts.Revision, error)
	ClearRevision(ctx context.Context, rev contracts.Revision) error
}

// Builder computes the horizon panel from the observation store
// ⭐ SSOT: 패널 생성 오케스트레이션은 여기서만
type Builder struct {
	registry  *catalog.Registry
	transform *transform.Engine
	revisions RevisionSource
	repo      *Repository
	logger    *logger.Logger
	cfg       Config
}

// NewBuilder creates a new horizon Builder
func NewBuilder(
	registry *catalog.Registry,
	te *transform.Engine,
	revisions RevisionSource,
	repo *Repository,
	log *logger.Logger,
	cfg Config,
) *Builder {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Calendar == "" {
		cfg.Calendar = Weekdays
	}
	return &Builder{
		registry:  registry,
		transform: te,
		revisions: revisions,
		repo:      repo,
		logger:    log.WithModule("horizon"),
		cfg:       cfg,
	}
}

// BuildResult summarizes a build
type BuildResult struct {
	Metrics    int
	Cells      int
	Missing    map[contracts.MissingReason]int
	LagUnknown []string             // metrics whose base series has no lag metadata
	Rewound    map[string]time.Time // metrics recomputed from before their last built date
	Failed     map[string]error
}

func newBuildResult() *BuildResult {
	return &BuildResult{
		Missing: make(map[contracts.MissingReason]int),
		Rewound: make(map[string]time.Time),
		Failed:  make(map[string]error),
	}
}

// Err summarizes per-metric failures, or nil.
func (r *BuildResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	return fmt.Errorf("horizon build failed for %d metric(s)", len(r.Failed))
}

// Rebuild deletes and recomputes every active column over [from, to].
// Revision marks the rebuilt range fully covers are consumed.
func (b *Builder) Rebuild(ctx context.Context, from, to time.Time) (*BuildResult, error) {
	from, to = contracts.TruncateDay(from), contracts.TruncateDay(to)
	if to.Before(from) {
		return nil, fmt.Errorf("rebuild range %s..%s is empty", contracts.FormatDate(from), contracts.FormatDate(to))
	}

	b.logger.WithFields(map[string]interface{}{
		"from": contracts.FormatDate(from),
		"to":   contracts.FormatDate(to),
	}).Info("Rebuilding horizon dataset")

	revs, err := b.revisions.Revisions(ctx)
	if err != nil {
		return nil, err
	}
	if err := b.repo.DeleteRange(ctx, from, to); err != nil {
		return nil, err
	}

	dates := b.cfg.Calendar.Dates(from, to)
	res, err := b.build(ctx, func(context.Context, string) ([]time.Time, error) {
		return dates, nil
	})
	if err != nil {
		return res, err
	}

	// a mark is consumed when no metric over its series has built dates before from
	return res, b.consume(ctx, revs, res, func(ctx context.Context, metricID string, rev contracts.Revision) (bool, error) {
		point, ok, err := b.rewindPoint(ctx, metricID, rev)
		if err != nil {
			return false, err
		}
		return !ok || !point.Before(from), nil
	})
}

// Incremental extends each active column from its last built date through to.
// Columns never built start at Config.Start. A column whose series changed at
// or before its last built date is first recomputed from the change's
// availability date, so the result matches a full rebuild.
func (b *Builder) Incremental(ctx context.Context, to time.Time) (*BuildResult, error) {
	to = contracts.TruncateDay(to)

	revs, err := b.revisions.Revisions(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		rewound = make(map[string]time.Time)
	)
	res, err := b.build(ctx, func(ctx context.Context, metricID string) ([]time.Time, error) {
		from := b.cfg.Start
		last, ok, err := b.repo.LastDate(ctx, metricID)
		if err != nil {
			return nil, err
		}
		if ok {
			from = last.AddDate(0, 0, 1)
			if rev, changed := b.revisionFor(metricID, revs); changed {
				point, ok, err := b.rewindPoint(ctx, metricID, rev)
				if err != nil {
					return nil, err
				}
				if ok && !point.After(last) {
					from = point
					mu.Lock()
					rewound[metricID] = point
					mu.Unlock()
				}
			}
		}
		if from.After(to) {
			return nil, nil
		}
		return b.cfg.Calendar.Dates(from, to), nil
	})
	if res != nil {
		for id, d := range rewound {
			res.Rewound[id] = d
		}
	}
	if err != nil {
		return res, err
	}

	if len(res.Rewound) > 0 {
		b.logger.WithField("metrics", len(res.Rewound)).Info("Recomputed revised history")
	}

	return res, b.consume(ctx, revs, res, func(context.Context, string, contracts.Revision) (bool, error) {
		return true, nil
	})
}

// revisionFor returns the pending revision of a metric's base series.
func (b *Builder) revisionFor(metricID string, revs map[string]contracts.Revision) (contracts.Revision, bool) {
	base, err := b.registry.BaseSeries(metricID)
	if err != nil {
		return contracts.Revision{}, false
	}
	rev, ok := revs[base.ID]
	return rev, ok
}

// rewindPoint is the first panel date a revision can change: the availability
// date of the earliest changed observation, never before the column's first date.
// ok is false when the column is empty or its series has no lag.
func (b *Builder) rewindPoint(ctx context.Context, metricID string, rev contracts.Revision) (time.Time, bool, error) {
	base, err := b.registry.BaseSeries(metricID)
	if err != nil {
		return time.Time{}, false, nil
	}
	avail, err := base.AvailableOn(rev.From)
	if err != nil {
		return time.Time{}, false, nil
	}
	first, ok, err := b.repo.FirstDate(ctx, metricID)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	if avail.Before(first) {
		avail = first
	}
	return avail, true, nil
}

// consume clears the revision marks whose series built cleanly. covered
// decides, per metric over the series, whether the build absorbed the mark.
func (b *Builder) consume(
	ctx context.Context,
	revs map[string]contracts.Revision,
	res *BuildResult,
	covered func(context.Context, string, contracts.Revision) (bool, error),
) error {
	for seriesID, rev := range revs {
		done := true
		for _, m := range b.registry.ActiveMetrics() {
			base, err := b.registry.BaseSeries(m.ID)
			if err != nil || base.ID != seriesID {
				continue
			}
			if _, failed := res.Failed[m.ID]; failed {
				done = false
				break
			}
			ok, err := covered(ctx, m.ID, rev)
			if err != nil {
				return err
			}
			if !ok {
				done = false
				break
			}
		}
		if !done {
			continue
		}
		if err := b.revisions.ClearRevision(ctx, rev); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) build(ctx context.Context, datesFor func(context.Context, string) ([]time.Time, error)) (*BuildResult, error) {
	metrics := b.registry.ActiveMetrics()
	res := newBuildResult()
	res.Metrics = len(metrics)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Workers)

	for _, m := range metrics {
		g.Go(func() error {
			// a cancelled run stops scheduling; metric errors are recorded, not propagated
			if err := gctx.Err(); err != nil {
				return err
			}
			cells, err := b.buildMetric(gctx, m.ID, datesFor)

			mu.Lock()
			defer mu.Unlock()
			for _, c := range cells {
				res.Cells++
				if c.Missing != contracts.MissingNone {
					res.Missing[c.Missing]++
				}
			}
			switch {
			case err == nil:
			case transform.IsLagUnknown(err):
				res.LagUnknown = append(res.LagUnknown, m.ID)
			default:
				res.Failed[m.ID] = err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	b.logger.WithFields(map[string]interface{}{
		"metrics":     res.Metrics,
		"cells":       res.Cells,
		"missing":     res.Missing,
		"lag_unknown": len(res.LagUnknown),
		"failed":      len(res.Failed),
	}).Info("Horizon build completed")

	return res, nil
}

func (b *Builder) buildMetric(ctx context.Context, metricID string, datesFor func(context.Context, string) ([]time.Time, error)) ([]contracts.HorizonCell, error) {
	log := b.logger.WithField("metric", metricID)

	dates, err := datesFor(ctx, metricID)
	if err != nil {
		log.WithError(err).Error("Failed to resolve build dates")
		return nil, err
	}
	if len(dates) == 0 {
		return nil, nil
	}

	cells, colErr := b.transform.Column(ctx, metricID, dates)
	if colErr != nil && !transform.IsLagUnknown(colErr) {
		log.WithError(colErr).Error("Failed to compute column")
		return nil, colErr
	}
	if colErr != nil {
		// cells are all lag_unknown; write them so the gap is visible
		log.WithError(colErr).Error("Series has no publication lag; column left missing")
	}

	if err := b.repo.WriteColumn(ctx, metricID, cells); err != nil {
		log.WithError(err).Error("Failed to write column")
		return nil, err
	}
	return cells, colErr
}
