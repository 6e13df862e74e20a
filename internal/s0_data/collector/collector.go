package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/wonny/aegis-macro/backend/internal/catalog"
	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/internal/metrics"
	"github.com/wonny/aegis-macro/backend/internal/s0_data"
	"github.com/wonny/aegis-macro/backend/pkg/logger"
)

// Collector fetches every catalog source and upserts into the observation store
// ⭐ SSOT: 데이터 수집 오케스트레이션은 이 패키지에서만
type Collector struct {
	registry *catalog.Registry
	adapters map[string]contracts.FetchAdapter
	repo     *s0_data.Repository
	metrics  *metrics.Metrics
	logger   *logger.Logger
	cfg      Config
}

// Config holds collector configuration
type Config struct {
	Concurrency        int           // sources fetched at once
	SourceTimeout      time.Duration // per-source budget
	MaxRetries         int           // retries after the first attempt, transient errors only
	InitialBackoff     time.Duration
	RevisionWindowDays int       // re-fetch this far back from the latest stored date
	HistoryStart       time.Time // first date for series with no history
}

// New creates a Collector. adapters is keyed by catalog source name.
func New(
	registry *catalog.Registry,
	adapters map[string]contracts.FetchAdapter,
	repo *s0_data.Repository,
	m *metrics.Metrics,
	log *logger.Logger,
	cfg Config,
) *Collector {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	return &Collector{
		registry: registry,
		adapters: adapters,
		repo:     repo,
		metrics:  m,
		logger:   log.WithModule("collector"),
		cfg:      cfg,
	}
}

// SeriesResult is the outcome for one series
type SeriesResult struct {
	SeriesID  string
	Fetched   int
	Written   int
	Unchanged int
	Rejected  int
	Error     error
}

// SourceResult is the outcome for one source
type SourceResult struct {
	Source   string
	Series   []SeriesResult
	Err      error // source-level failure (no adapter, timeout before any series)
	Duration time.Duration
}

// Succeeded reports whether every series of the source was ingested.
func (r SourceResult) Succeeded() bool {
	if r.Err != nil {
		return false
	}
	for _, s := range r.Series {
		if s.Error != nil {
			return false
		}
	}
	return true
}

// Result summarizes a collection pass
type Result struct {
	Sources      []SourceResult
	RowsWritten  int64
	RowsRejected int64
}

// Attempted returns the names of every source attempted.
func (r *Result) Attempted() []string {
	out := make([]string, 0, len(r.Sources))
	for _, s := range r.Sources {
		out = append(out, s.Source)
	}
	return out
}

// Succeeded returns the names of fully successful sources.
func (r *Result) Succeeded() []string {
	var out []string
	for _, s := range r.Sources {
		if s.Succeeded() {
			out = append(out, s.Source)
		}
	}
	return out
}

// TouchedSeries returns series that were fetched without error.
func (r *Result) TouchedSeries() []string {
	var out []string
	for _, s := range r.Sources {
		for _, sr := range s.Series {
			if sr.Error == nil {
				out = append(out, sr.SeriesID)
			}
		}
	}
	return out
}

// Errors returns every source and series error, for the update log summary.
func (r *Result) Errors() []error {
	var errs []error
	for _, s := range r.Sources {
		if s.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Source, s.Err))
		}
		for _, sr := range s.Series {
			if sr.Error != nil {
				errs = append(errs, fmt.Errorf("%s/%s: %w", s.Source, sr.SeriesID, sr.Error))
			}
		}
	}
	return errs
}

// Collect fetches the named sources (all when names is empty) up to asOf.
// One source's failure or slowness never blocks the others; partial success is normal.
func (c *Collector) Collect(ctx context.Context, names []string, asOf time.Time) (*Result, error) {
	sources, err := c.selectSources(names)
	if err != nil {
		return nil, err
	}

	c.logger.WithFields(map[string]interface{}{
		"sources":     len(sources),
		"as_of":       contracts.FormatDate(asOf),
		"concurrency": c.cfg.Concurrency,
	}).Info("Starting collection")

	results := make([]SourceResult, len(sources))

	// errors stay inside each SourceResult so no source cancels another
	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for i, name := range sources {
		g.Go(func() error {
			results[i] = c.collectSource(ctx, name, asOf)
			return nil
		})
	}
	_ = g.Wait()

	res := &Result{Sources: results}
	for _, sr := range results {
		for _, s := range sr.Series {
			res.RowsWritten += int64(s.Written)
			res.RowsRejected += int64(s.Rejected)
		}
	}

	c.logger.WithFields(map[string]interface{}{
		"attempted":     len(res.Sources),
		"succeeded":     len(res.Succeeded()),
		"rows_written":  res.RowsWritten,
		"rows_rejected": res.RowsRejected,
	}).Info("Collection completed")

	return res, nil
}

func (c *Collector) selectSources(names []string) ([]string, error) {
	if len(names) == 0 {
		return c.registry.Sources(), nil
	}
	for _, n := range names {
		if _, ok := c.registry.Source(n); !ok {
			return nil, &contracts.ConfigError{Scope: "source", Name: n, Message: "not in catalog"}
		}
	}
	return names, nil
}

func (c *Collector) collectSource(ctx context.Context, name string, asOf time.Time) SourceResult {
	start := time.Now()
	result := SourceResult{Source: name}
	log := c.logger.WithField("source", name)

	adapter, ok := c.adapters[name]
	if !ok {
		result.Err = fmt.Errorf("no adapter configured")
		c.metrics.SourceFailed(name)
		log.Error("No adapter for source")
		return result
	}

	timeout := c.cfg.SourceTimeout
	if spec, ok := c.registry.Source(name); ok && spec.Timeout > 0 {
		timeout = spec.Timeout
	}
	sctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for _, meta := range c.registry.SeriesBySource(name) {
		if err := sctx.Err(); err != nil {
			result.Series = append(result.Series, SeriesResult{SeriesID: meta.ID, Error: fmt.Errorf("source budget exhausted: %w", err)})
			continue
		}
		sr := c.collectSeries(sctx, adapter, meta, asOf)
		if sr.Error != nil {
			log.WithField("series", meta.ID).WithError(sr.Error).Warn("Series fetch failed")
		}
		result.Series = append(result.Series, sr)
		c.metrics.ObservationsWritten(name, sr.Written)
		c.metrics.ObservationsRejected(name, sr.Rejected)
	}

	result.Duration = time.Since(start)
	if !result.Succeeded() {
		c.metrics.SourceFailed(name)
	}
	log.WithFields(map[string]interface{}{
		"series":   len(result.Series),
		"ok":       result.Succeeded(),
		"duration": result.Duration.String(),
	}).Info("Source completed")
	return result
}

func (c *Collector) collectSeries(ctx context.Context, adapter contracts.FetchAdapter, meta contracts.SeriesMeta, asOf time.Time) SeriesResult {
	sr := SeriesResult{SeriesID: meta.ID}

	rng, err := c.fetchRange(ctx, meta.ID, asOf)
	if err != nil {
		sr.Error = err
		return sr
	}

	raws, err := retry(ctx, c.newBackOff(), c.cfg.MaxRetries, func() ([]contracts.RawObservation, error) {
		return adapter.Fetch(ctx, meta, rng)
	})
	if err != nil {
		sr.Error = err
		return sr
	}
	sr.Fetched = len(raws)

	obs, rejected := s0_data.Normalize(meta, raws)
	sr.Rejected = len(rejected)
	for _, rej := range rejected {
		c.logger.WithField("series", meta.ID).WithError(rej).Warn("Observation rejected")
	}

	batch, err := retry(ctx, c.newBackOff(), c.cfg.MaxRetries, func() (s0_data.BatchResult, error) {
		return c.repo.UpsertBatch(ctx, meta.ID, obs)
	})
	if err != nil {
		sr.Error = err
		return sr
	}
	sr.Written = batch.Written
	sr.Unchanged = batch.Unchanged
	return sr
}

// fetchRange re-fetches a revision window behind the latest stored date.
func (c *Collector) fetchRange(ctx context.Context, seriesID string, asOf time.Time) (contracts.DateRange, error) {
	latest, ok, err := c.repo.LatestDate(ctx, seriesID)
	if err != nil {
		return contracts.DateRange{}, err
	}
	from := c.cfg.HistoryStart
	if ok {
		from = latest.AddDate(0, 0, -c.cfg.RevisionWindowDays)
		if from.Before(c.cfg.HistoryStart) {
			from = c.cfg.HistoryStart
		}
	}
	return contracts.DateRange{From: from, To: contracts.TruncateDay(asOf)}, nil
}

func (c *Collector) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.MaxInterval = 30 * time.Second
	return bo
}

// retry runs op with exponential backoff; only transient errors are retried.
func retry[T any](ctx context.Context, bo backoff.BackOff, maxRetries int, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !contracts.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(maxRetries+1)))
}
