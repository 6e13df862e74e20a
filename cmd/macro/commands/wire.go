package commands

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/wonny/aegis-macro/backend/internal/audit"
	"github.com/wonny/aegis-macro/backend/internal/brain"
	"github.com/wonny/aegis-macro/backend/internal/catalog"
	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/internal/external"
	"github.com/wonny/aegis-macro/backend/internal/metrics"
	"github.com/wonny/aegis-macro/backend/internal/s0_data"
	"github.com/wonny/aegis-macro/backend/internal/s0_data/collector"
	"github.com/wonny/aegis-macro/backend/internal/s1_quality"
	"github.com/wonny/aegis-macro/backend/internal/s2_horizon"
	"github.com/wonny/aegis-macro/backend/internal/s3_index"
	"github.com/wonny/aegis-macro/backend/internal/s4_alert"
	"github.com/wonny/aegis-macro/backend/internal/transform"
	"github.com/wonny/aegis-macro/backend/pkg/config"
	"github.com/wonny/aegis-macro/backend/pkg/database"
	"github.com/wonny/aegis-macro/backend/pkg/logger"
	"github.com/wonny/aegis-macro/backend/pkg/redis"
)

// system holds every long-lived component a command may need
type system struct {
	cfg    *config.Config
	log    *logger.Logger
	clock  clockwork.Clock
	db     *database.DB
	redis  *redis.Client
	cache  *redis.Cache
	reg    *catalog.Registry
	metric *metrics.Metrics

	store     *s0_data.Repository
	meta      *s0_data.MetaRepository
	horizon   *s2_horizon.Repository
	indices   *s3_index.Repository
	alerts    *s4_alert.Repository
	updateLog *audit.Repository
	hub       *s4_alert.Hub

	orch *brain.Orchestrator
}

// loadConfig loads config and the logger, honoring --verbose
func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, logger.New(cfg), nil
}

// openSystem wires the pipeline
// ⭐ SSOT: 컴포넌트 조립은 여기서만
func openSystem(ctx context.Context) (*system, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}

	// 1. Catalog / formulas
	reg, err := catalog.Load(cfg.CatalogPath, cfg.FormulasPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	for _, p := range reg.Problems() {
		log.WithError(p).Warn("Catalog entry excluded")
	}

	// 2. Store
	db, err := database.New(cfg)
	if err != nil {
		return nil, &contracts.SystemicError{Op: "open store", Err: err}
	}

	// 3. Redis (optional)
	rc, err := redis.Open(ctx, cfg.Redis)
	if err != nil {
		log.WithError(err).Warn("Redis unavailable; continuing without cache")
		rc, _ = redis.Open(ctx, config.RedisConfig{})
	}

	s := &system{
		cfg:       cfg,
		log:       log,
		clock:     clockwork.NewRealClock(),
		db:        db,
		redis:     rc,
		cache:     redis.NewCache(rc, "macro"),
		reg:       reg,
		metric:    metrics.New(),
		store:     s0_data.NewRepository(db),
		meta:      s0_data.NewMetaRepository(db),
		horizon:   s2_horizon.NewRepository(db),
		indices:   s3_index.NewRepository(db),
		alerts:    s4_alert.NewRepository(db),
		updateLog: audit.NewRepository(db),
		hub:       s4_alert.NewHub(log),
	}

	historyStart := contracts.MustDate(cfg.Pipeline.HistoryStart)
	calendar, err := s2_horizon.ParseCalendar(cfg.Pipeline.HorizonCalendar)
	if err != nil {
		s.Close()
		return nil, err
	}

	// 4. Adapters
	var limiter *redis.RateLimiter
	if rc.Enabled() {
		limiter = redis.NewRateLimiter(rc, "macro")
	}
	adapters, err := external.Build(reg, log, external.Options{
		Credential:     cfg.Credential,
		SharedLimiter:  limiter,
		DefaultTimeout: cfg.Pipeline.SourceTimeout,
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	// 5. Stage engines
	coll := collector.New(reg, adapters, s.store, s.metric, log, collector.Config{
		Concurrency:        cfg.Pipeline.FetchConcurrency,
		SourceTimeout:      cfg.Pipeline.SourceTimeout,
		MaxRetries:         cfg.Pipeline.FetchMaxRetries,
		RevisionWindowDays: cfg.Pipeline.RevisionWindowDays,
		HistoryStart:       historyStart,
	})
	quality := s1_quality.New(reg, s.store, s.meta, s1_quality.Config{Thresholds: cfg.Quality, Clock: s.clock}, log)
	builder := s2_horizon.NewBuilder(reg, transform.New(reg, s.store), s.store, s.horizon, log, s2_horizon.Config{
		Workers:  cfg.Pipeline.StageWorkers,
		Calendar: calendar,
		Start:    historyStart,
	})
	index := s3_index.New(reg, s.horizon, s3_index.NewFormulaRepository(db), s.indices, s.metric, log, historyStart)

	dispatcher := s4_alert.NewDispatcher(log, s4_alert.NewLogSink(log), s.hub)
	if cfg.Alert.WebhookURL != "" {
		dispatcher.Add(s4_alert.NewWebhookSink(cfg.Alert.WebhookURL, cfg.Alert.WebhookTimeout, log))
	}
	alerts := s4_alert.New(reg, s.indices, s.horizon, s.alerts, dispatcher, s.metric, log,
		s4_alert.Config{Start: historyStart, Clock: s.clock})

	pushURL := ""
	if cfg.MetricsEnabled {
		pushURL = cfg.MetricsPushgatewayURL
	}
	s.orch = brain.NewOrchestrator(brain.Components{
		Registry:  reg,
		Store:     s.store,
		Meta:      s.meta,
		Collector: coll,
		Quality:   quality,
		Horizon:   builder,
		Index:     index,
		Alerts:    alerts,
		UpdateLog: s.updateLog,
		Cache:     s.cache,
		Metrics:   s.metric,
	}, brain.Options{
		RunBudget:      cfg.Pipeline.RunBudget,
		PushgatewayURL: pushURL,
		Clock:          s.clock,
	}, log)

	return s, nil
}

// Close releases the store, redis and websocket clients
func (s *system) Close() {
	s.hub.Close()
	_ = s.redis.Close()
	s.db.Close()
}
