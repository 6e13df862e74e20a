package s3_index

import (
	"context"
	"fmt"
	"time"

	"github.com/wonny/aegis-macro/backend/internal/catalog"
	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/internal/metrics"
	"github.com/wonny/aegis-macro/backend/pkg/logger"
)

// RowReader reads the horizon panel and the metrics whose history was
// rewritten since the index last consumed them.
type RowReader interface {
	Rows(ctx context.Context, from, to time.Time) ([]contracts.HorizonRow, error)
	Rewinds(ctx context.Context) (map[string]contracts.Revision, error)
	ClearRewind(ctx context.Context, rev contracts.Revision) error
}

// Engine evaluates every registered formula over the horizon panel
// ⭐ SSOT: 지수 계산은 여기서만, 결과에는 항상 formula version 기록
type Engine struct {
	registry *catalog.Registry
	horizon  RowReader
	formulas *FormulaRepository
	values   *Repository
	metrics  *metrics.Metrics
	logger   *logger.Logger
	start    time.Time
}

// New creates an index Engine. start is the first date computed for a new
// index or a new formula version.
func New(
	registry *catalog.Registry,
	horizon RowReader,
	formulas *FormulaRepository,
	values *Repository,
	m *metrics.Metrics,
	log *logger.Logger,
	start time.Time,
) *Engine {
	return &Engine{
		registry: registry,
		horizon:  horizon,
		formulas: formulas,
		values:   values,
		metrics:  m,
		logger:   log.WithModule("index"),
		start:    contracts.TruncateDay(start),
	}
}

// Result summarizes a computation pass
type Result struct {
	Indices   int
	Values    int
	Undefined int
	Latest    map[string]contracts.IndexValue
	Failed    map[string]error
	Rewound   map[string]time.Time // index -> first recomputed date, when history was revised
}

// Err summarizes formula failures, or nil.
func (r *Result) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	return fmt.Errorf("index computation failed for %d formula(s)", len(r.Failed))
}

// Compute extends every index through to. An index whose stored values were
// produced by an older formula version is recomputed from the start date; an
// index with an input whose horizon history was rewritten is recomputed from
// the earliest rewritten date.
func (e *Engine) Compute(ctx context.Context, to time.Time) (*Result, error) {
	rewinds, err := e.horizon.Rewinds(ctx)
	if err != nil {
		return nil, err
	}

	rewound := make(map[string]time.Time)
	res, err := e.compute(ctx, contracts.TruncateDay(to), func(ctx context.Context, f contracts.CompositeFormula) (time.Time, error) {
		last, ok, err := e.values.Latest(ctx, f.Name)
		if err != nil {
			return time.Time{}, err
		}
		if !ok || last.FormulaVersion != f.Version {
			if ok {
				e.logger.WithFields(map[string]interface{}{
					"index": f.Name,
					"from":  last.FormulaVersion,
					"to":    f.Version,
				}).Info("Formula version changed, recomputing history")
			}
			return e.start, nil
		}

		from := last.Date.AddDate(0, 0, 1)
		if point, ok := earliestRewind(f, rewinds); ok && point.Before(from) {
			if point.Before(e.start) {
				point = e.start
			}
			from = point
			rewound[f.Name] = point
			e.logger.WithFields(map[string]interface{}{
				"index": f.Name,
				"from":  contracts.FormatDate(point),
			}).Info("Recomputing revised index history")
		}
		return from, nil
	})
	if res != nil {
		for name, d := range rewound {
			res.Rewound[name] = d
		}
	}
	if err != nil {
		return res, err
	}
	return res, e.consume(ctx, res, rewinds, func(contracts.Revision) bool { return true })
}

// Recompute overwrites every index over [from, to]. Rewind marks inside the
// window are consumed.
func (e *Engine) Recompute(ctx context.Context, from, to time.Time) (*Result, error) {
	from = contracts.TruncateDay(from)
	rewinds, err := e.horizon.Rewinds(ctx)
	if err != nil {
		return nil, err
	}
	res, err := e.compute(ctx, contracts.TruncateDay(to), func(context.Context, contracts.CompositeFormula) (time.Time, error) {
		return from, nil
	})
	if err != nil {
		return res, err
	}
	return res, e.consume(ctx, res, rewinds, func(rev contracts.Revision) bool {
		return !rev.From.Before(from)
	})
}

// consume clears the rewind marks a pass has absorbed. A mark stays while any
// formula reading that metric failed, so the next pass retries it.
func (e *Engine) consume(ctx context.Context, res *Result, rewinds map[string]contracts.Revision, covered func(contracts.Revision) bool) error {
	pending := make(map[string]bool)
	for _, f := range e.registry.Formulas() {
		if _, failed := res.Failed[f.Name]; !failed {
			continue
		}
		for _, in := range f.Inputs {
			pending[in.Metric] = true
		}
	}

	for metric, rev := range rewinds {
		if pending[metric] || !covered(rev) {
			continue
		}
		if err := e.horizon.ClearRewind(ctx, rev); err != nil {
			return err
		}
	}
	return nil
}

func earliestRewind(f contracts.CompositeFormula, rewinds map[string]contracts.Revision) (time.Time, bool) {
	var (
		point time.Time
		found bool
	)
	for _, in := range f.Inputs {
		rev, ok := rewinds[in.Metric]
		if !ok {
			continue
		}
		if !found || rev.From.Before(point) {
			point, found = rev.From, true
		}
	}
	return point, found
}

func (e *Engine) compute(ctx context.Context, to time.Time, fromFor func(context.Context, contracts.CompositeFormula) (time.Time, error)) (*Result, error) {
	formulas := e.registry.Formulas()
	res := &Result{
		Indices: len(formulas),
		Latest:  make(map[string]contracts.IndexValue),
		Failed:  make(map[string]error),
		Rewound: make(map[string]time.Time),
	}

	rowCache := make(map[time.Time][]contracts.HorizonRow)
	for _, f := range formulas {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		log := e.logger.WithField("index", f.Name)

		if _, err := e.formulas.Register(ctx, f); err != nil {
			log.WithError(err).Error("Formula registration rejected")
			res.Failed[f.Name] = err
			continue
		}

		from, err := fromFor(ctx, f)
		if err != nil {
			res.Failed[f.Name] = err
			continue
		}
		if from.After(to) {
			continue
		}

		rows, ok := rowCache[from]
		if !ok {
			rows, err = e.horizon.Rows(ctx, from, to)
			if err != nil {
				return res, err
			}
			rowCache[from] = rows
		}

		values := make([]contracts.IndexValue, 0, len(rows))
		for _, row := range rows {
			v := Evaluate(f, row.Date, row.Cells)
			if !v.Defined() {
				res.Undefined++
			}
			values = append(values, v)
		}

		if err := e.values.Save(ctx, values); err != nil {
			log.WithError(err).Error("Failed to save index values")
			res.Failed[f.Name] = err
			continue
		}
		res.Values += len(values)

		if latest, ok := lastDefined(values); ok {
			res.Latest[f.Name] = latest
			e.metrics.IndexValue(f.Name, latest.Regime, *latest.Value)
		}

		log.WithFields(map[string]interface{}{
			"from":    contracts.FormatDate(from),
			"to":      contracts.FormatDate(to),
			"values":  len(values),
			"version": f.Version,
		}).Info("Index computed")
	}

	return res, nil
}

func lastDefined(values []contracts.IndexValue) (contracts.IndexValue, bool) {
	for i := len(values) - 1; i >= 0; i-- {
		if values[i].Defined() {
			return values[i], true
		}
	}
	return contracts.IndexValue{}, false
}
