package s0_data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/pkg/database"
)

// Repository is the observation store
// ⭐ SSOT: observations 테이블 쓰기는 여기서만
type Repository struct {
	db        *database.DB
	locks     keyedMutex
	revisions *database.RevisionLog
}

// NewRepository creates a new Repository instance
func NewRepository(db *database.DB) *Repository {
	return &Repository{
		db:        db,
		revisions: database.NewRevisionLog(db, "observation_revisions", "series_id"),
	}
}

// DB returns the underlying store handle
func (r *Repository) DB() *database.DB {
	return r.db
}

// Ping checks store reachability. Failure here is systemic.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		return &contracts.StoreError{Op: "ping", Err: err}
	}
	return nil
}

// upsert only touches the row when the value actually changes,
// so repeating a write is not an observable state change.
const upsertObservationSQL = `
	INSERT INTO observations (series_id, obs_date, value, fetched_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (series_id, obs_date) DO UPDATE SET
		value = excluded.value,
		fetched_at = excluded.fetched_at,
		updated_at = excluded.updated_at
	WHERE observations.value <> excluded.value
`

// Upsert writes a single observation. The date is mapped onto the series'
// period key, so the series must be registered in series_meta.
// changed is false when the stored value was already equal.
func (r *Repository) Upsert(ctx context.Context, raw contracts.RawObservation) (bool, error) {
	obs, err := Validate(raw)
	if err != nil {
		return false, err
	}

	unlock := r.locks.lock(obs.SeriesID)
	defer unlock()

	tx, err := r.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return false, &contracts.StoreError{Op: "begin upsert", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	var freq string
	err = tx.QueryRowContext(ctx,
		r.db.Rebind(`SELECT frequency FROM series_meta WHERE series_id = ?`), obs.SeriesID,
	).Scan(&freq)
	if errors.Is(err, sql.ErrNoRows) {
		return false, &contracts.ValidationError{SeriesID: obs.SeriesID, Date: raw.Date, Reason: "series not registered"}
	}
	if err != nil {
		return false, &contracts.StoreError{Op: "read series frequency", Err: err}
	}
	obs.Date = contracts.Frequency(freq).Normalize(obs.Date)

	now := nowString()
	res, err := tx.ExecContext(ctx, r.db.Rebind(upsertObservationSQL),
		obs.SeriesID, contracts.FormatDate(obs.Date), obs.Value, now, now)
	if err != nil {
		return false, &contracts.StoreError{Op: "upsert observation", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &contracts.StoreError{Op: "upsert observation", Err: err}
	}
	if n > 0 {
		if err := r.revisions.Mark(ctx, tx, obs.SeriesID, contracts.FormatDate(obs.Date)); err != nil {
			return false, &contracts.StoreError{Op: "upsert observation", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, &contracts.StoreError{Op: "commit upsert", Err: err}
	}
	return n > 0, nil
}

// BatchResult summarizes an UpsertBatch call
type BatchResult struct {
	SeriesID     string
	Written      int // rows inserted or changed
	Unchanged    int
	FirstChanged time.Time // earliest written period; zero when nothing changed
}

// UpsertBatch writes validated observations of one series in a single transaction.
// Same-series writers serialize on a per-series lock; other series proceed in parallel.
func (r *Repository) UpsertBatch(ctx context.Context, seriesID string, obs []contracts.Observation) (BatchResult, error) {
	result := BatchResult{SeriesID: seriesID}
	if len(obs) == 0 {
		return result, nil
	}

	unlock := r.locks.lock(seriesID)
	defer unlock()

	tx, err := r.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return result, &contracts.StoreError{Op: "begin batch", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, r.db.Rebind(upsertObservationSQL))
	if err != nil {
		return result, &contracts.StoreError{Op: "prepare upsert", Err: err}
	}
	defer stmt.Close()

	now := nowString()
	for _, o := range obs {
		if o.SeriesID != seriesID {
			return BatchResult{SeriesID: seriesID}, fmt.Errorf("batch for %s contains %s", seriesID, o.SeriesID)
		}
		res, err := stmt.ExecContext(ctx, o.SeriesID, contracts.FormatDate(o.Date), o.Value, now, now)
		if err != nil {
			return BatchResult{SeriesID: seriesID}, &contracts.StoreError{Op: "upsert observation", Err: err}
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			result.Unchanged++
			continue
		}
		result.Written++
		if result.FirstChanged.IsZero() || o.Date.Before(result.FirstChanged) {
			result.FirstChanged = o.Date
		}
	}

	if result.Written > 0 {
		if err := r.revisions.Mark(ctx, tx, seriesID, contracts.FormatDate(result.FirstChanged)); err != nil {
			return BatchResult{SeriesID: seriesID}, &contracts.StoreError{Op: "upsert observation", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return BatchResult{SeriesID: seriesID}, &contracts.StoreError{Op: "commit batch", Err: err}
	}
	return result, nil
}

// Observations returns every stored observation of a series in date order.
func (r *Repository) Observations(ctx context.Context, seriesID string) ([]contracts.Observation, error) {
	query := `
		SELECT obs_date, value
		FROM observations
		WHERE series_id = ?
		ORDER BY obs_date ASC
	`
	return r.queryObservations(ctx, seriesID, query, seriesID)
}

// ObservationsBetween returns observations with from <= date <= to.
func (r *Repository) ObservationsBetween(ctx context.Context, seriesID string, from, to time.Time) ([]contracts.Observation, error) {
	query := `
		SELECT obs_date, value
		FROM observations
		WHERE series_id = ? AND obs_date BETWEEN ? AND ?
		ORDER BY obs_date ASC
	`
	return r.queryObservations(ctx, seriesID, query, seriesID, contracts.FormatDate(from), contracts.FormatDate(to))
}

func (r *Repository) queryObservations(ctx context.Context, seriesID, query string, args ...interface{}) ([]contracts.Observation, error) {
	rows, err := r.db.SQL.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, &contracts.StoreError{Op: "query observations", Err: err}
	}
	defer rows.Close()

	var out []contracts.Observation
	for rows.Next() {
		var (
			date  string
			value float64
		)
		if err := rows.Scan(&date, &value); err != nil {
			return nil, &contracts.StoreError{Op: "scan observation", Err: err}
		}
		d, err := time.Parse(contracts.DateLayout, date)
		if err != nil {
			return nil, fmt.Errorf("stored date %q for %s: %w", date, seriesID, err)
		}
		out = append(out, contracts.Observation{SeriesID: seriesID, Date: d, Value: value})
	}
	if err := rows.Err(); err != nil {
		return nil, &contracts.StoreError{Op: "query observations", Err: err}
	}
	return out, nil
}

// LatestDate returns the most recent observation date of a series.
func (r *Repository) LatestDate(ctx context.Context, seriesID string) (time.Time, bool, error) {
	var date sql.NullString
	err := r.db.SQL.QueryRowContext(ctx,
		r.db.Rebind(`SELECT MAX(obs_date) FROM observations WHERE series_id = ?`), seriesID,
	).Scan(&date)
	if err != nil {
		return time.Time{}, false, &contracts.StoreError{Op: "latest date", Err: err}
	}
	if !date.Valid {
		return time.Time{}, false, nil
	}
	d, err := time.Parse(contracts.DateLayout, date.String)
	if err != nil {
		return time.Time{}, false, err
	}
	return d, true, nil
}

// SeriesStat is a read-only per-series summary
type SeriesStat struct {
	SeriesID string    `json:"series_id"`
	Count    int       `json:"count"`
	First    time.Time `json:"first"`
	Last     time.Time `json:"last"`
}

// Stats summarizes the store per series (used by run --stats).
func (r *Repository) Stats(ctx context.Context) ([]SeriesStat, error) {
	query := `
		SELECT series_id, COUNT(*), MIN(obs_date), MAX(obs_date)
		FROM observations
		GROUP BY series_id
		ORDER BY series_id
	`
	rows, err := r.db.SQL.QueryContext(ctx, query)
	if err != nil {
		return nil, &contracts.StoreError{Op: "stats", Err: err}
	}
	defer rows.Close()

	var stats []SeriesStat
	for rows.Next() {
		var (
			s           SeriesStat
			first, last string
		)
		if err := rows.Scan(&s.SeriesID, &s.Count, &first, &last); err != nil {
			return nil, &contracts.StoreError{Op: "scan stats", Err: err}
		}
		s.First, _ = time.Parse(contracts.DateLayout, first)
		s.Last, _ = time.Parse(contracts.DateLayout, last)
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Prune deletes observations dated before cutoff. Retention is explicit only
// (macro prune); no pipeline stage calls this. Removed rows count as a
// revision so the horizon panel is recomputed over them.
func (r *Repository) Prune(ctx context.Context, seriesID string, cutoff time.Time) (int64, error) {
	if seriesID == "" {
		return 0, errors.New("prune requires a series id")
	}
	unlock := r.locks.lock(seriesID)
	defer unlock()

	tx, err := r.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return 0, &contracts.StoreError{Op: "begin prune", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	var first sql.NullString
	if err := tx.QueryRowContext(ctx,
		r.db.Rebind(`SELECT MIN(obs_date) FROM observations WHERE series_id = ? AND obs_date < ?`),
		seriesID, contracts.FormatDate(cutoff),
	).Scan(&first); err != nil {
		return 0, &contracts.StoreError{Op: "prune", Err: err}
	}
	if !first.Valid {
		return 0, nil
	}

	res, err := tx.ExecContext(ctx,
		r.db.Rebind(`DELETE FROM observations WHERE series_id = ? AND obs_date < ?`),
		seriesID, contracts.FormatDate(cutoff))
	if err != nil {
		return 0, &contracts.StoreError{Op: "prune", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &contracts.StoreError{Op: "prune", Err: err}
	}
	if err := r.revisions.Mark(ctx, tx, seriesID, first.String); err != nil {
		return 0, &contracts.StoreError{Op: "prune", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return 0, &contracts.StoreError{Op: "commit prune", Err: err}
	}
	return n, nil
}

// Revisions returns the earliest changed period per series since the
// horizon builder last consumed it.
func (r *Repository) Revisions(ctx context.Context) (map[string]contracts.Revision, error) {
	marks, err := r.revisions.Pending(ctx)
	if err != nil {
		return nil, &contracts.StoreError{Op: "read revisions", Err: err}
	}
	out := make(map[string]contracts.Revision, len(marks))
	for _, m := range marks {
		d, err := time.Parse(contracts.DateLayout, m.From)
		if err != nil {
			return nil, fmt.Errorf("revision date %q for %s: %w", m.From, m.Key, err)
		}
		out[m.Key] = contracts.Revision{Key: m.Key, From: d, Seq: m.Seq}
	}
	return out, nil
}

// ClearRevision drops a revision mark unless the series changed again since it was read.
func (r *Repository) ClearRevision(ctx context.Context, rev contracts.Revision) error {
	err := r.revisions.Clear(ctx, database.RevisionMark{Key: rev.Key, From: contracts.FormatDate(rev.From), Seq: rev.Seq})
	if err != nil {
		return &contracts.StoreError{Op: "clear revision", Err: err}
	}
	return nil
}

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339)
}
