package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/wonny/aegis-macro/backend/internal/contracts"
)

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// dateRange reads ?from=&to= (YYYY-MM-DD). to defaults to today,
// from to defaultDays before to.
func dateRange(r *http.Request, now time.Time, defaultDays int) (time.Time, time.Time, error) {
	to := contracts.TruncateDay(now)
	if s := r.URL.Query().Get("to"); s != "" {
		d, err := contracts.ParseDate(s)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		to = d
	}
	from := to.AddDate(0, 0, -defaultDays)
	if s := r.URL.Query().Get("from"); s != "" {
		d, err := contracts.ParseDate(s)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = d
	}
	return from, to, nil
}

// intParam reads a positive integer query parameter, falling back to def
func intParam(r *http.Request, name string, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
