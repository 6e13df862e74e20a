package s1_quality

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wonny/aegis-macro/backend/internal/catalog"
	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/pkg/config"
	"github.com/wonny/aegis-macro/backend/pkg/logger"
)

// FlagStore persists series quality flags
type FlagStore interface {
	Flags(ctx context.Context, seriesID string) (contracts.QualityFlags, error)
	SetFlags(ctx context.Context, seriesID string, flags contracts.QualityFlags, at time.Time) error
}

// Config holds the engine's thresholds and clock
type Config struct {
	Thresholds config.QualityConfig
	Clock      clockwork.Clock
}

// Engine sets and clears quality flags after an ingestion pass
// ⭐ SSOT: 품질 플래그는 이 엔진만 기록 (관측치는 절대 수정하지 않음)
type Engine struct {
	registry *catalog.Registry
	reader   contracts.ObservationReader
	flags    FlagStore
	cfg      Config
	logger   *logger.Logger
}

// New creates a quality engine
func New(registry *catalog.Registry, reader contracts.ObservationReader, flags FlagStore, cfg Config, log *logger.Logger) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Engine{
		registry: registry,
		reader:   reader,
		flags:    flags,
		cfg:      cfg,
		logger:   log.WithModule("quality"),
	}
}

// Check evaluates the named series (all catalog series when empty) as of asOf
// (the clock's today when zero) and returns every flag that was set or cleared.
// Flags are informational; a failed series is logged and skipped.
func (e *Engine) Check(ctx context.Context, seriesIDs []string, asOf time.Time) ([]contracts.FlagChange, error) {
	if asOf.IsZero() {
		asOf = contracts.TruncateDay(e.cfg.Clock.Now())
	}
	if len(seriesIDs) == 0 {
		for _, m := range e.registry.AllSeries() {
			seriesIDs = append(seriesIDs, m.ID)
		}
	}

	var (
		changes []contracts.FlagChange
		failed  []string
	)
	for _, id := range seriesIDs {
		if err := ctx.Err(); err != nil {
			return changes, err
		}
		meta, ok := e.registry.Series(id)
		if !ok {
			continue
		}

		c, err := e.checkSeries(ctx, meta, asOf)
		if err != nil {
			e.logger.WithField("series", id).WithError(err).Warn("Quality check failed")
			failed = append(failed, id)
			continue
		}
		changes = append(changes, c...)
	}

	e.logger.WithFields(map[string]interface{}{
		"series":  len(seriesIDs),
		"changes": len(changes),
		"failed":  len(failed),
		"as_of":   contracts.FormatDate(asOf),
	}).Info("Quality check completed")

	if len(failed) > 0 {
		return changes, fmt.Errorf("quality check failed for %s", strings.Join(failed, ", "))
	}
	return changes, nil
}

func (e *Engine) checkSeries(ctx context.Context, meta contracts.SeriesMeta, asOf time.Time) ([]contracts.FlagChange, error) {
	obs, err := e.reader.Observations(ctx, meta.ID)
	if err != nil {
		return nil, err
	}
	// observations after asOf are not known yet
	cut := len(obs)
	for cut > 0 && obs[cut-1].Date.After(asOf) {
		cut--
	}
	findings := Assess(meta, obs[:cut], asOf, e.cfg.Thresholds)

	prev, err := e.flags.Flags(ctx, meta.ID)
	if err != nil {
		return nil, err
	}

	raised := make([]contracts.QualityFlag, 0, len(findings))
	detail := make(map[contracts.QualityFlag]string, len(findings))
	for _, f := range findings {
		raised = append(raised, f.Flag)
		detail[f.Flag] = f.Detail
	}
	next := contracts.NewQualityFlags(raised...)

	var changes []contracts.FlagChange
	for _, f := range next {
		if !prev.Has(f) {
			changes = append(changes, contracts.FlagChange{SeriesID: meta.ID, Flag: f, Set: true, AsOf: asOf, Detail: detail[f]})
		}
	}
	for _, f := range prev {
		if !next.Has(f) {
			changes = append(changes, contracts.FlagChange{SeriesID: meta.ID, Flag: f, Set: false, AsOf: asOf})
		}
	}
	if len(changes) == 0 {
		return nil, nil
	}

	if err := e.flags.SetFlags(ctx, meta.ID, next, e.cfg.Clock.Now()); err != nil {
		return nil, err
	}
	for _, c := range changes {
		log := e.logger.WithFields(map[string]interface{}{"series": c.SeriesID, "flag": string(c.Flag)})
		if c.Set {
			log.WithField("detail", c.Detail).Warn("Quality flag set")
		} else {
			log.Info("Quality flag cleared")
		}
	}
	return changes, nil
}
