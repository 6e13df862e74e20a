package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"

	"github.com/wonny/aegis-macro/backend/internal/audit"
	"github.com/wonny/aegis-macro/backend/internal/catalog"
	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/internal/metrics"
	"github.com/wonny/aegis-macro/backend/internal/s0_data"
	"github.com/wonny/aegis-macro/backend/internal/s0_data/collector"
	"github.com/wonny/aegis-macro/backend/internal/s1_quality"
	"github.com/wonny/aegis-macro/backend/internal/s2_horizon"
	"github.com/wonny/aegis-macro/backend/internal/s3_index"
	"github.com/wonny/aegis-macro/backend/internal/s4_alert"
	"github.com/wonny/aegis-macro/backend/pkg/logger"
	"github.com/wonny/aegis-macro/backend/pkg/redis"
)

// maxErrorSummary caps the update log error text
const maxErrorSummary = 2000

// Components are the stage engines and repositories a run drives.
// Cache and Metrics are optional.
type Components struct {
	Registry  *catalog.Registry
	Store     *s0_data.Repository
	Meta      *s0_data.MetaRepository
	Collector *collector.Collector
	Quality   *s1_quality.Engine
	Horizon   *s2_horizon.Builder
	Index     *s3_index.Engine
	Alerts    *s4_alert.Engine
	UpdateLog *audit.Repository
	Cache     *redis.Cache
	Metrics   *metrics.Metrics
}

// Options holds run-wide settings
type Options struct {
	RunBudget      time.Duration
	PushgatewayURL string
	Clock          clockwork.Clock
}

// Orchestrator coordinates the daily pipeline
// ⭐ SSOT: 파이프라인 조율은 여기서만
// S0 ingest → S1 quality → S2 horizon → S3 index → S4 alert → update log
type Orchestrator struct {
	c      Components
	opts   Options
	logger *logger.Logger
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(c Components, opts Options, log *logger.Logger) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Orchestrator{c: c, opts: opts, logger: log.WithModule("brain")}
}

// RunConfig holds configuration for a pipeline run
type RunConfig struct {
	RunID       string
	AsOf        time.Time // defaults to today
	Quick       bool      // skip the quality pass
	Sources     []string  // restrict ingestion; empty means all
	SkipIndices bool      // stop after the horizon build
}

// RunResult holds the results of a complete pipeline run
type RunResult struct {
	Entry      contracts.UpdateLogEntry
	Stages     []contracts.StageResult
	Collection *collector.Result
	Changes    []contracts.FlagChange
	Horizon    *s2_horizon.BuildResult
	Index      *s3_index.Result
	Alerts     *s4_alert.Result

	systemic bool
}

// ExitCode is 0 only for a fully successful run, 2 when a systemic failure
// aborted it, and 1 otherwise.
func (r *RunResult) ExitCode() int {
	switch {
	case r.systemic:
		return 2
	case r.Entry.Status == contracts.RunSuccess:
		return 0
	default:
		return 1
	}
}

// run tracks one invocation while stages execute
type run struct {
	result    *RunResult
	errs      []string
	partial   bool
	budgetHit bool
}

func (r *run) fail(stage contracts.Stage, err error) {
	r.partial = true
	if r.result.Entry.FailedStage == "" {
		r.result.Entry.FailedStage = stage
	}
	r.errs = append(r.errs, fmt.Sprintf("%s: %v", stage.ShortName(), err))
}

// Run executes the pipeline. Only a systemic failure returns an error;
// source and stage failures are recorded and the run continues.
func (o *Orchestrator) Run(ctx context.Context, cfg RunConfig) (*RunResult, error) {
	start := o.opts.Clock.Now()
	if cfg.RunID == "" {
		cfg.RunID = o.GenerateRunID()
	}
	asOf := cfg.AsOf
	if asOf.IsZero() {
		asOf = start
	}
	asOf = contracts.TruncateDay(asOf)

	r := &run{result: &RunResult{Entry: contracts.UpdateLogEntry{
		RunID:     cfg.RunID,
		StartedAt: start,
		Mode:      runMode(cfg),
	}}}
	log := o.logger.WithRun(cfg.RunID)

	log.WithFields(map[string]interface{}{
		"as_of":        contracts.FormatDate(asOf),
		"quick":        cfg.Quick,
		"sources":      cfg.Sources,
		"skip_indices": cfg.SkipIndices,
		"budget":       o.opts.RunBudget.String(),
	}).Info("Starting pipeline run")

	runCtx, cancel := o.budgetContext(ctx)
	defer cancel()

	if err := o.prepare(runCtx); err != nil {
		sysErr := &contracts.SystemicError{Op: "prepare store", Err: err}
		r.result.systemic = true
		r.fail(contracts.StageIngest, sysErr)
		o.finish(ctx, r, contracts.RunFailed, log)
		return r.result, sysErr
	}

	// S0: ingest
	o.stage(r, contracts.StageIngest, func() (int, int, error) {
		res, err := o.c.Collector.Collect(runCtx, cfg.Sources, asOf)
		if err != nil {
			return 0, 0, err
		}
		r.result.Collection = res
		r.result.Entry.SourcesAttempted = res.Attempted()
		r.result.Entry.SourcesSucceeded = res.Succeeded()
		r.result.Entry.RowsWritten = res.RowsWritten
		r.result.Entry.RowsRejected = res.RowsRejected
		if errs := res.Errors(); len(errs) > 0 {
			return len(res.Sources), int(res.RowsWritten), errors.Join(errs...)
		}
		return len(res.Sources), int(res.RowsWritten), nil
	})
	if r.result.Collection == nil {
		// unknown --sources name: nothing ran, nothing downstream can use
		o.finish(ctx, r, contracts.RunFailed, log)
		return r.result, nil
	}

	// S1: quality
	if cfg.Quick {
		r.result.Stages = append(r.result.Stages, contracts.StageResult{Stage: contracts.StageQuality, Success: true, Skipped: true})
	} else {
		o.stage(r, contracts.StageQuality, func() (int, int, error) {
			stageCtx := o.stageContext(ctx, runCtx, r)
			changes, err := o.c.Quality.Check(stageCtx, nil, asOf)
			r.result.Changes = changes
			if o.c.Alerts != nil && len(changes) > 0 {
				if _, qerr := o.c.Alerts.QualityEvents(stageCtx, changes); qerr != nil {
					err = errors.Join(err, qerr)
				}
			}
			return len(o.c.Registry.AllSeries()), len(changes), err
		})
	}

	// S2: horizon
	o.stage(r, contracts.StageHorizon, func() (int, int, error) {
		res, err := o.c.Horizon.Incremental(o.stageContext(ctx, runCtx, r), asOf)
		r.result.Horizon = res
		if err != nil {
			return 0, 0, err
		}
		var errs []error
		for _, id := range res.LagUnknown {
			errs = append(errs, &contracts.ConfigError{Scope: "metric", Name: id, Message: "base series has no publication_lag_days"})
		}
		if err := res.Err(); err != nil {
			errs = append(errs, err)
		}
		return res.Metrics, res.Cells, errors.Join(errs...)
	})

	if cfg.SkipIndices {
		r.result.Stages = append(r.result.Stages,
			contracts.StageResult{Stage: contracts.StageIndex, Success: true, Skipped: true},
			contracts.StageResult{Stage: contracts.StageAlert, Success: true, Skipped: true},
		)
	} else {
		// S3: index
		o.stage(r, contracts.StageIndex, func() (int, int, error) {
			res, err := o.c.Index.Compute(o.stageContext(ctx, runCtx, r), asOf)
			r.result.Index = res
			if err != nil {
				return 0, 0, err
			}
			return res.Indices, res.Values, res.Err()
		})

		// S4: alert
		o.stage(r, contracts.StageAlert, func() (int, int, error) {
			res, err := o.c.Alerts.Evaluate(o.stageContext(ctx, runCtx, r), asOf)
			r.result.Alerts = res
			if err != nil {
				return 0, 0, err
			}
			return res.Samples, len(res.Events), res.Err()
		})
	}

	if o.c.Cache != nil {
		if err := o.c.Cache.InvalidateAll(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("Failed to invalidate read cache")
		}
	}

	status := contracts.RunSuccess
	if r.partial || r.budgetHit {
		status = contracts.RunPartial
	}
	o.finish(ctx, r, status, log)
	return r.result, nil
}

// prepare checks the store and registers the catalog. Failure is systemic.
func (o *Orchestrator) prepare(ctx context.Context) error {
	if err := o.c.Store.Ping(ctx); err != nil {
		return err
	}
	return o.c.Meta.Sync(ctx, o.c.Registry.AllSeries())
}

// stage runs fn, times it, and records the outcome.
func (o *Orchestrator) stage(r *run, stage contracts.Stage, fn func() (in, out int, err error)) {
	log := o.logger.WithRun(r.result.Entry.RunID).WithField("stage", stage.String())
	log.Info("Running " + stage.Description())

	start := o.opts.Clock.Now()
	in, out, err := fn()
	d := o.opts.Clock.Since(start)
	o.c.Metrics.StageDuration(stage.String(), d)

	res := contracts.StageResult{Stage: stage, Success: err == nil, InputCount: in, OutputCount: out, Duration: d}
	if err != nil {
		res.Error = err.Error()
		r.fail(stage, err)
		log.WithError(err).Warn(stage.ShortName() + " completed with failures")
	} else {
		log.WithFields(map[string]interface{}{
			"input":    in,
			"output":   out,
			"duration": d.String(),
		}).Info(stage.ShortName() + " completed")
	}
	r.result.Stages = append(r.result.Stages, res)
}

// budgetContext applies the run budget.
func (o *Orchestrator) budgetContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.opts.RunBudget <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.opts.RunBudget)
}

// stageContext returns the budgeted context, or the caller's context once the
// budget is spent so later stages still run over what earlier stages completed.
func (o *Orchestrator) stageContext(parent, budgeted context.Context, r *run) context.Context {
	if budgeted.Err() == nil || parent.Err() != nil {
		return budgeted
	}
	if !r.budgetHit {
		r.budgetHit = true
		r.errs = append(r.errs, "run budget exceeded")
		o.logger.WithRun(r.result.Entry.RunID).Warn("Run budget exceeded; continuing remaining stages")
	}
	return parent
}

// finish writes the update log entry and run metrics.
// It runs even when the caller's context is cancelled.
func (o *Orchestrator) finish(ctx context.Context, r *run, status contracts.RunStatus, log *logger.Logger) {
	ctx = context.WithoutCancel(ctx)
	finished := o.opts.Clock.Now()

	e := &r.result.Entry
	e.Status = status
	e.FinishedAt = finished
	e.Duration = finished.Sub(e.StartedAt)
	e.ErrorSummary = summarize(r.errs)

	if err := o.c.UpdateLog.Append(ctx, *e); err != nil {
		log.WithError(err).Error("Failed to append update log")
	}

	o.c.Metrics.RunFinished(string(status), finished)
	if o.opts.PushgatewayURL != "" {
		if err := o.c.Metrics.Push(ctx, o.opts.PushgatewayURL, "aegis_macro"); err != nil {
			log.WithError(err).Warn("Failed to push metrics")
		}
	}

	log.WithFields(map[string]interface{}{
		"status":        string(status),
		"failed_stage":  string(e.FailedStage),
		"rows_written":  e.RowsWritten,
		"rows_rejected": e.RowsRejected,
		"duration":      e.Duration.String(),
	}).Info("Pipeline run finished")
}

func runMode(cfg RunConfig) string {
	parts := []string{"run"}
	if cfg.Quick {
		parts = append(parts, "quick")
	}
	if cfg.SkipIndices {
		parts = append(parts, "skip-indices")
	}
	if len(cfg.Sources) > 0 {
		parts = append(parts, "sources="+strings.Join(cfg.Sources, ","))
	}
	return strings.Join(parts, " ")
}

func summarize(errs []string) string {
	s := strings.Join(errs, "; ")
	if len(s) > maxErrorSummary {
		s = s[:maxErrorSummary-3] + "..."
	}
	return s
}

// GenerateRunID generates a sortable unique run ID
func (o *Orchestrator) GenerateRunID() string {
	return ulid.MustNew(ulid.Timestamp(o.opts.Clock.Now()), ulid.DefaultEntropy()).String()
}
