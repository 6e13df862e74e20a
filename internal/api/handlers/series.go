package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"

	"github.com/wonny/aegis-macro/backend/internal/catalog"
	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/internal/s0_data"
	"github.com/wonny/aegis-macro/backend/pkg/logger"
	"github.com/wonny/aegis-macro/backend/pkg/redis"
)

// SeriesStore reads the observation store
type SeriesStore interface {
	ObservationsBetween(ctx context.Context, seriesID string, from, to time.Time) ([]contracts.Observation, error)
	Stats(ctx context.Context) ([]s0_data.SeriesStat, error)
}

// MetaLister lists registered series with their flags
type MetaLister interface {
	List(ctx context.Context) ([]contracts.SeriesMeta, error)
}

// SeriesHandler serves catalog series and their observations
// ⭐ SSOT: 시계열 조회 API는 이 핸들러에서만 (읽기 전용)
type SeriesHandler struct {
	registry *catalog.Registry
	store    SeriesStore
	meta     MetaLister
	cache    *redis.Cache
	clock    clockwork.Clock
	logger   *logger.Logger
}

// NewSeriesHandler creates a new series handler
func NewSeriesHandler(reg *catalog.Registry, store SeriesStore, meta MetaLister, cache *redis.Cache, clock clockwork.Clock, log *logger.Logger) *SeriesHandler {
	return &SeriesHandler{registry: reg, store: store, meta: meta, cache: cache, clock: clock, logger: log}
}

// SeriesSummary is one row of the series listing
type SeriesSummary struct {
	contracts.SeriesMeta
	Count int    `json:"count"`
	First string `json:"first,omitempty"`
	Last  string `json:"last,omitempty"`
}

// List returns every registered series with store coverage
// GET /api/series
func (h *SeriesHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	metas, err := h.meta.List(ctx)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list series")
		respondError(w, http.StatusInternalServerError, "Failed to list series")
		return
	}
	stats, err := h.store.Stats(ctx)
	if err != nil {
		h.logger.WithError(err).Error("Failed to read store stats")
		respondError(w, http.StatusInternalServerError, "Failed to read store stats")
		return
	}

	byID := make(map[string]s0_data.SeriesStat, len(stats))
	for _, s := range stats {
		byID[s.SeriesID] = s
	}

	out := make([]SeriesSummary, 0, len(metas))
	for _, m := range metas {
		row := SeriesSummary{SeriesMeta: m}
		if s, ok := byID[m.ID]; ok {
			row.Count = s.Count
			row.First = contracts.FormatDate(s.First)
			row.Last = contracts.FormatDate(s.Last)
		}
		out = append(out, row)
	}
	respondJSON(w, http.StatusOK, out)
}

// Observations returns stored observations of one series
// GET /api/series/{id}/observations?from=YYYY-MM-DD&to=YYYY-MM-DD
func (h *SeriesHandler) Observations(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := h.registry.Series(id); !ok {
		respondError(w, http.StatusNotFound, "Unknown series: "+id)
		return
	}

	from, to, err := dateRange(r, h.clock.Now(), 365*5)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid date (expected YYYY-MM-DD)")
		return
	}

	key := redis.SeriesKey(id, contracts.FormatDate(from), contracts.FormatDate(to))
	var obs []contracts.Observation
	err = h.cache.GetOrSet(r.Context(), key, &obs, redis.TTLLong, func() (interface{}, error) {
		return h.store.ObservationsBetween(r.Context(), id, from, to)
	})
	if err != nil {
		h.logger.WithField("series", id).WithError(err).Error("Failed to read observations")
		respondError(w, http.StatusInternalServerError, "Failed to read observations")
		return
	}
	if obs == nil {
		obs = []contracts.Observation{}
	}
	respondJSON(w, http.StatusOK, obs)
}
