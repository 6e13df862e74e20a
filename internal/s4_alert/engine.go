package s4_alert

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wonny/aegis-macro/backend/internal/catalog"
	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/internal/metrics"
	"github.com/wonny/aegis-macro/backend/pkg/logger"
)

// IndexReader reads stored index values after a date
type IndexReader interface {
	After(ctx context.Context, name string, d time.Time) ([]contracts.IndexValue, error)
}

// ColumnReader reads one horizon column
type ColumnReader interface {
	Column(ctx context.Context, metricID string, from, to time.Time) ([]contracts.HorizonCell, error)
}

// Config holds alert engine configuration
type Config struct {
	Start time.Time // first sample date for a monitor with no state
	Clock clockwork.Clock
}

// Engine runs every monitor over its new samples and emits events
// ⭐ SSOT: 알림 상태 전이는 Machine, 영속화/전송은 Engine
type Engine struct {
	registry   *catalog.Registry
	indices    IndexReader
	horizon    ColumnReader
	repo       *Repository
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
	logger     *logger.Logger
	cfg        Config
}

// New creates an alert Engine
func New(
	registry *catalog.Registry,
	indices IndexReader,
	horizon ColumnReader,
	repo *Repository,
	dispatcher *Dispatcher,
	m *metrics.Metrics,
	log *logger.Logger,
	cfg Config,
) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Engine{
		registry:   registry,
		indices:    indices,
		horizon:    horizon,
		repo:       repo,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     log.WithModule("alert"),
		cfg:        cfg,
	}
}

// Result summarizes an evaluation pass
type Result struct {
	Monitors    int
	Samples     int
	Events      []contracts.AlertEvent
	Failed      map[string]error
	Undelivered int // failed sink deliveries
}

// Err summarizes monitor failures, or nil.
func (r *Result) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	return fmt.Errorf("alert evaluation failed for %d monitor(s)", len(r.Failed))
}

type sample struct {
	date  time.Time
	value float64
}

// Evaluate feeds every monitor its samples dated after its last processed date, through to.
func (e *Engine) Evaluate(ctx context.Context, to time.Time) (*Result, error) {
	to = contracts.TruncateDay(to)
	monitors := e.registry.Monitors()
	res := &Result{Monitors: len(monitors), Failed: make(map[string]error)}

	for _, mon := range monitors {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		events, n, err := e.evaluateMonitor(ctx, mon, to)
		res.Samples += n
		if err != nil {
			e.logger.WithField("monitor", mon.Name).WithError(err).Error("Monitor evaluation failed")
			res.Failed[mon.Name] = err
			continue
		}
		for _, ev := range events {
			res.Undelivered += e.emit(ctx, ev)
		}
		res.Events = append(res.Events, events...)
	}

	e.logger.WithFields(map[string]interface{}{
		"monitors": res.Monitors,
		"samples":  res.Samples,
		"events":   len(res.Events),
		"failed":   len(res.Failed),
	}).Info("Alert evaluation completed")
	return res, nil
}

func (e *Engine) evaluateMonitor(ctx context.Context, mon contracts.Monitor, to time.Time) ([]contracts.AlertEvent, int, error) {
	m := NewMachine(mon)

	state, ok, err := e.repo.State(ctx, mon.Name)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		state = m.Initial()
	}

	after := e.cfg.Start.AddDate(0, 0, -1)
	if !state.LastDate.IsZero() {
		after = state.LastDate
	}
	samples, err := e.samples(ctx, mon, after, to)
	if err != nil {
		return nil, 0, err
	}
	if len(samples) == 0 {
		return nil, 0, nil
	}

	now := e.cfg.Clock.Now().UTC()
	var events []contracts.AlertEvent
	for _, s := range samples {
		next, ev, err := m.Step(state, s.date, s.value)
		if err != nil {
			return nil, len(samples), err
		}
		state = next
		if ev != nil {
			ev.CreatedAt = now
			events = append(events, *ev)
		}
	}

	if err := e.repo.Commit(ctx, state, events); err != nil {
		return nil, len(samples), err
	}
	return events, len(samples), nil
}

// samples returns defined indicator values in (after, to], ascending.
// Undefined dates are skipped: they neither confirm nor reset a streak.
func (e *Engine) samples(ctx context.Context, mon contracts.Monitor, after, to time.Time) ([]sample, error) {
	var out []sample
	switch mon.Kind {
	case contracts.IndicatorIndex:
		values, err := e.indices.After(ctx, mon.Indicator, after)
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			if v.Value != nil && !v.Date.After(to) {
				out = append(out, sample{date: v.Date, value: *v.Value})
			}
		}
	case contracts.IndicatorMetric:
		cells, err := e.horizon.Column(ctx, mon.Indicator, after.AddDate(0, 0, 1), to)
		if err != nil {
			return nil, err
		}
		for _, c := range cells {
			if c.ZScore != nil {
				out = append(out, sample{date: c.Date, value: *c.ZScore})
			}
		}
	default:
		return nil, fmt.Errorf("unknown indicator kind %q", mon.Kind)
	}
	return out, nil
}

// QualityEvents records and emits one event per quality flag change.
func (e *Engine) QualityEvents(ctx context.Context, changes []contracts.FlagChange) ([]contracts.AlertEvent, error) {
	if len(changes) == 0 {
		return nil, nil
	}
	now := e.cfg.Clock.Now().UTC()

	events := make([]contracts.AlertEvent, 0, len(changes))
	for _, c := range changes {
		kind := contracts.EventQualityCleared
		verb := "cleared"
		if c.Set {
			kind = contracts.EventQualitySet
			verb = "set"
		}
		msg := fmt.Sprintf("%s flag %s on %s", c.Flag, verb, c.SeriesID)
		if c.Detail != "" {
			msg += ": " + c.Detail
		}
		events = append(events, contracts.AlertEvent{
			Monitor:   "quality/" + c.SeriesID + "/" + string(c.Flag),
			Indicator: c.SeriesID,
			Date:      c.AsOf,
			Kind:      kind,
			Label:     string(c.Flag),
			Message:   msg,
			CreatedAt: now,
		})
	}

	if err := e.repo.RecordEvents(ctx, events); err != nil {
		return nil, err
	}
	for _, ev := range events {
		e.emit(ctx, ev)
	}
	return events, nil
}

func (e *Engine) emit(ctx context.Context, ev contracts.AlertEvent) int {
	e.metrics.AlertEvent(string(ev.Kind))
	if e.dispatcher == nil {
		return 0
	}
	return e.dispatcher.Dispatch(ctx, ev)
}
