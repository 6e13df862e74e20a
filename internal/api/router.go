package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/wonny/aegis-macro/backend/internal/api/handlers"
	"github.com/wonny/aegis-macro/backend/pkg/logger"
)

// Pinger reports store reachability for /health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Routes bundles what the router mounts. Metrics and Alerts are optional.
type Routes struct {
	Series  *handlers.SeriesHandler
	Indices *handlers.IndexHandler
	Runs    *handlers.RunHandler
	Store   Pinger
	Metrics http.Handler // Prometheus scrape endpoint
	Alerts  http.Handler // websocket alert stream
}

// NewRouter creates and configures the HTTP router
// ⭐ SSOT: 라우팅 설정은 이 함수에서만
func NewRouter(rt Routes, log *logger.Logger) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", healthCheckHandler(rt.Store)).Methods("GET")
	if rt.Metrics != nil {
		r.Handle("/metrics", rt.Metrics).Methods("GET")
	}
	if rt.Alerts != nil {
		r.Handle("/ws/alerts", rt.Alerts)
	}

	api := r.PathPrefix("/api").Subrouter()

	// Series
	api.HandleFunc("/series", rt.Series.List).Methods("GET")
	api.HandleFunc("/series/{id}/observations", rt.Series.Observations).Methods("GET")

	// Indices
	api.HandleFunc("/indices", rt.Indices.Latest).Methods("GET")
	api.HandleFunc("/indices/{name}", rt.Indices.History).Methods("GET")
	api.HandleFunc("/horizon", rt.Indices.Horizon).Methods("GET")

	// Runs / alerts
	api.HandleFunc("/runs", rt.Runs.Runs).Methods("GET")
	api.HandleFunc("/alerts", rt.Runs.Alerts).Methods("GET")
	api.HandleFunc("/alerts/states", rt.Runs.States).Methods("GET")

	r.Use(loggingMiddleware(log))
	r.Use(recoveryMiddleware(log))

	return r
}

// healthCheckHandler returns server health status
func healthCheckHandler(store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := store.Ping(ctx); err != nil {
				status, code = "degraded", http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  status,
			"service": "aegis-macro-api",
		})
	}
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.WithFields(map[string]interface{}{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start).String(),
			}).Debug("HTTP request")
		})
	}
}

// recoveryMiddleware recovers from panics
func recoveryMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.WithFields(map[string]interface{}{
						"error": err,
						"path":  r.URL.Path,
					}).Error("Panic recovered")

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"error": "Internal server error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
