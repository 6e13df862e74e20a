package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"

	"github.com/wonny/aegis-macro/backend/internal/catalog"
	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/pkg/logger"
	"github.com/wonny/aegis-macro/backend/pkg/redis"
)

// IndexStore reads persisted composite index values
type IndexStore interface {
	History(ctx context.Context, name string, from, to time.Time) ([]contracts.IndexValue, error)
	LatestAll(ctx context.Context) ([]contracts.IndexValue, error)
}

// HorizonStore reads the horizon panel
type HorizonStore interface {
	Rows(ctx context.Context, from, to time.Time) ([]contracts.HorizonRow, error)
}

// IndexHandler serves composite indices and the horizon panel
// ⭐ SSOT: 지수 조회 API는 이 핸들러에서만 (읽기 전용, 캐시 경유)
type IndexHandler struct {
	registry *catalog.Registry
	indices  IndexStore
	horizon  HorizonStore
	cache    *redis.Cache
	clock    clockwork.Clock
	logger   *logger.Logger
}

// NewIndexHandler creates a new index handler
func NewIndexHandler(reg *catalog.Registry, indices IndexStore, horizon HorizonStore, cache *redis.Cache, clock clockwork.Clock, log *logger.Logger) *IndexHandler {
	return &IndexHandler{registry: reg, indices: indices, horizon: horizon, cache: cache, clock: clock, logger: log}
}

// IndexSummary pairs a formula with its latest value
type IndexSummary struct {
	Name        string                `json:"name"`
	Version     int                   `json:"version"`
	Description string                `json:"description,omitempty"`
	Latest      *contracts.IndexValue `json:"latest,omitempty"`
}

// Latest returns every configured index with its latest stored value
// GET /api/indices
func (h *IndexHandler) Latest(w http.ResponseWriter, r *http.Request) {
	var latest []contracts.IndexValue
	err := h.cache.GetOrSet(r.Context(), redis.IndexLatestKey(), &latest, redis.TTLLong, func() (interface{}, error) {
		return h.indices.LatestAll(r.Context())
	})
	if err != nil {
		h.logger.WithError(err).Error("Failed to read latest indices")
		respondError(w, http.StatusInternalServerError, "Failed to read latest indices")
		return
	}

	byName := make(map[string]contracts.IndexValue, len(latest))
	for _, v := range latest {
		byName[v.Index] = v
	}

	formulas := h.registry.Formulas()
	out := make([]IndexSummary, 0, len(formulas))
	for _, f := range formulas {
		s := IndexSummary{Name: f.Name, Version: f.Version, Description: f.Description}
		if v, ok := byName[f.Name]; ok {
			s.Latest = &v
		}
		out = append(out, s)
	}
	respondJSON(w, http.StatusOK, out)
}

// History returns stored values of one index; undefined dates are included
// with a null value
// GET /api/indices/{name}?from=YYYY-MM-DD&to=YYYY-MM-DD
func (h *IndexHandler) History(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, ok := h.registry.Formula(name); !ok {
		respondError(w, http.StatusNotFound, "Unknown index: "+name)
		return
	}

	from, to, err := dateRange(r, h.clock.Now(), 365)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid date (expected YYYY-MM-DD)")
		return
	}

	key := redis.IndexHistoryKey(name, contracts.FormatDate(from), contracts.FormatDate(to))
	var values []contracts.IndexValue
	err = h.cache.GetOrSet(r.Context(), key, &values, redis.TTLLong, func() (interface{}, error) {
		return h.indices.History(r.Context(), name, from, to)
	})
	if err != nil {
		h.logger.WithField("index", name).WithError(err).Error("Failed to read index history")
		respondError(w, http.StatusInternalServerError, "Failed to read index history")
		return
	}
	if values == nil {
		values = []contracts.IndexValue{}
	}
	respondJSON(w, http.StatusOK, values)
}

// Horizon returns the z-score panel
// GET /api/horizon?from=YYYY-MM-DD&to=YYYY-MM-DD
func (h *IndexHandler) Horizon(w http.ResponseWriter, r *http.Request) {
	from, to, err := dateRange(r, h.clock.Now(), 30)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid date (expected YYYY-MM-DD)")
		return
	}
	if to.Sub(from) > 366*24*time.Hour {
		respondError(w, http.StatusBadRequest, "Range too large (max 366 days)")
		return
	}

	key := redis.HorizonKey(contracts.FormatDate(from), contracts.FormatDate(to))
	var rows []contracts.HorizonRow
	err = h.cache.GetOrSet(r.Context(), key, &rows, redis.TTLLong, func() (interface{}, error) {
		return h.horizon.Rows(r.Context(), from, to)
	})
	if err != nil {
		h.logger.WithError(err).Error("Failed to read horizon panel")
		respondError(w, http.StatusInternalServerError, "Failed to read horizon panel")
		return
	}
	if rows == nil {
		rows = []contracts.HorizonRow{}
	}
	respondJSON(w, http.StatusOK, rows)
}
