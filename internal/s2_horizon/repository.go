package s2_horizon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/pkg/database"
)

// Repository persists the horizon panel
// ⭐ SSOT: horizon_dataset 쓰기는 Builder만
type Repository struct {
	db        *database.DB
	revisions *database.RevisionLog
}

// NewRepository creates a new Repository
func NewRepository(db *database.DB) *Repository {
	return &Repository{
		db:        db,
		revisions: database.NewRevisionLog(db, "horizon_revisions", "metric_id"),
	}
}

// DeleteRange removes every cell dated in [from, to] and resets build state
// past from, so a full rebuild starts clean.
func (r *Repository) DeleteRange(ctx context.Context, from, to time.Time) error {
	tx, err := r.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return &contracts.StoreError{Op: "begin horizon delete", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		r.db.Rebind(`DELETE FROM horizon_dataset WHERE obs_date BETWEEN ? AND ?`),
		contracts.FormatDate(from), contracts.FormatDate(to)); err != nil {
		return &contracts.StoreError{Op: "delete horizon range", Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		r.db.Rebind(`DELETE FROM horizon_build_state WHERE last_date >= ?`),
		contracts.FormatDate(from)); err != nil {
		return &contracts.StoreError{Op: "reset build state", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &contracts.StoreError{Op: "commit horizon delete", Err: err}
	}
	return nil
}

// WriteColumn stores one metric's cells and advances its build state, in one transaction.
// Rewriting dates at or before the built state leaves a revision mark for the index stage.
func (r *Repository) WriteColumn(ctx context.Context, metricID string, cells []contracts.HorizonCell) error {
	if len(cells) == 0 {
		return nil
	}

	tx, err := r.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return &contracts.StoreError{Op: "begin horizon write", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	var built sql.NullString
	err = tx.QueryRowContext(ctx,
		r.db.Rebind(`SELECT last_date FROM horizon_build_state WHERE metric_id = ?`), metricID,
	).Scan(&built)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return &contracts.StoreError{Op: "read build state", Err: err}
	}

	stmt, err := tx.PrepareContext(ctx, r.db.Rebind(`
		INSERT INTO horizon_dataset (obs_date, metric_id, zscore, missing_reason)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (obs_date, metric_id) DO UPDATE SET
			zscore = excluded.zscore,
			missing_reason = excluded.missing_reason
	`))
	if err != nil {
		return &contracts.StoreError{Op: "prepare horizon write", Err: err}
	}
	defer stmt.Close()

	first, last := cells[0].Date, cells[0].Date
	for _, c := range cells {
		if c.MetricID != metricID {
			return fmt.Errorf("column %s contains cell for %s", metricID, c.MetricID)
		}
		var z sql.NullFloat64
		if c.ZScore != nil {
			z = sql.NullFloat64{Float64: *c.ZScore, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, contracts.FormatDate(c.Date), metricID, z, string(c.Missing)); err != nil {
			return &contracts.StoreError{Op: "write horizon cell", Err: err}
		}
		if c.Date.After(last) {
			last = c.Date
		}
		if c.Date.Before(first) {
			first = c.Date
		}
	}

	if built.Valid && contracts.FormatDate(first) <= built.String {
		if err := r.revisions.Mark(ctx, tx, metricID, contracts.FormatDate(first)); err != nil {
			return &contracts.StoreError{Op: "write horizon cell", Err: err}
		}
	}

	if _, err := tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO horizon_build_state (metric_id, last_date, built_at)
		VALUES (?, ?, ?)
		ON CONFLICT (metric_id) DO UPDATE SET
			last_date = CASE WHEN excluded.last_date > horizon_build_state.last_date
			                 THEN excluded.last_date ELSE horizon_build_state.last_date END,
			built_at = excluded.built_at
	`), metricID, contracts.FormatDate(last), time.Now().UTC().Format(time.RFC3339)); err != nil {
		return &contracts.StoreError{Op: "write build state", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &contracts.StoreError{Op: "commit horizon write", Err: err}
	}
	return nil
}

// LastDate returns the last built date of a metric column.
func (r *Repository) LastDate(ctx context.Context, metricID string) (time.Time, bool, error) {
	var last string
	err := r.db.SQL.QueryRowContext(ctx,
		r.db.Rebind(`SELECT last_date FROM horizon_build_state WHERE metric_id = ?`), metricID,
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, &contracts.StoreError{Op: "read build state", Err: err}
	}
	d, err := time.Parse(contracts.DateLayout, last)
	if err != nil {
		return time.Time{}, false, err
	}
	return d, true, nil
}

// FirstDate returns the earliest stored date of a metric column.
func (r *Repository) FirstDate(ctx context.Context, metricID string) (time.Time, bool, error) {
	var first sql.NullString
	err := r.db.SQL.QueryRowContext(ctx,
		r.db.Rebind(`SELECT MIN(obs_date) FROM horizon_dataset WHERE metric_id = ?`), metricID,
	).Scan(&first)
	if err != nil {
		return time.Time{}, false, &contracts.StoreError{Op: "read first horizon date", Err: err}
	}
	if !first.Valid {
		return time.Time{}, false, nil
	}
	d, err := time.Parse(contracts.DateLayout, first.String)
	if err != nil {
		return time.Time{}, false, err
	}
	return d, true, nil
}

// Rewinds returns, per metric, the earliest rewritten date the indices have not recomputed.
func (r *Repository) Rewinds(ctx context.Context) (map[string]contracts.Revision, error) {
	marks, err := r.revisions.Pending(ctx)
	if err != nil {
		return nil, &contracts.StoreError{Op: "read horizon revisions", Err: err}
	}
	out := make(map[string]contracts.Revision, len(marks))
	for _, m := range marks {
		d, err := time.Parse(contracts.DateLayout, m.From)
		if err != nil {
			return nil, fmt.Errorf("horizon revision date %q for %s: %w", m.From, m.Key, err)
		}
		out[m.Key] = contracts.Revision{Key: m.Key, From: d, Seq: m.Seq}
	}
	return out, nil
}

// ClearRewind drops a metric's mark unless the column was rewritten again since it was read.
func (r *Repository) ClearRewind(ctx context.Context, rev contracts.Revision) error {
	err := r.revisions.Clear(ctx, database.RevisionMark{Key: rev.Key, From: contracts.FormatDate(rev.From), Seq: rev.Seq})
	if err != nil {
		return &contracts.StoreError{Op: "clear horizon revision", Err: err}
	}
	return nil
}

// Column returns a metric's cells in [from, to], ascending.
func (r *Repository) Column(ctx context.Context, metricID string, from, to time.Time) ([]contracts.HorizonCell, error) {
	return r.query(ctx, `
		SELECT obs_date, metric_id, zscore, missing_reason
		FROM horizon_dataset
		WHERE metric_id = ? AND obs_date BETWEEN ? AND ?
		ORDER BY obs_date ASC
	`, metricID, contracts.FormatDate(from), contracts.FormatDate(to))
}

// Rows returns the panel in [from, to] grouped into per-date rows.
func (r *Repository) Rows(ctx context.Context, from, to time.Time) ([]contracts.HorizonRow, error) {
	cells, err := r.query(ctx, `
		SELECT obs_date, metric_id, zscore, missing_reason
		FROM horizon_dataset
		WHERE obs_date BETWEEN ? AND ?
		ORDER BY obs_date ASC, metric_id ASC
	`, contracts.FormatDate(from), contracts.FormatDate(to))
	if err != nil {
		return nil, err
	}

	var rows []contracts.HorizonRow
	for _, c := range cells {
		if len(rows) == 0 || !rows[len(rows)-1].Date.Equal(c.Date) {
			rows = append(rows, contracts.HorizonRow{Date: c.Date, Cells: make(map[string]contracts.HorizonCell)})
		}
		rows[len(rows)-1].Cells[c.MetricID] = c
	}
	return rows, nil
}

func (r *Repository) query(ctx context.Context, query string, args ...interface{}) ([]contracts.HorizonCell, error) {
	rows, err := r.db.SQL.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, &contracts.StoreError{Op: "query horizon", Err: err}
	}
	defer rows.Close()

	var out []contracts.HorizonCell
	for rows.Next() {
		var (
			date, metric, missing string
			z                     sql.NullFloat64
		)
		if err := rows.Scan(&date, &metric, &z, &missing); err != nil {
			return nil, &contracts.StoreError{Op: "scan horizon", Err: err}
		}
		d, err := time.Parse(contracts.DateLayout, date)
		if err != nil {
			return nil, err
		}
		c := contracts.HorizonCell{Date: d, MetricID: metric, Missing: contracts.MissingReason(missing)}
		if z.Valid {
			v := z.Float64
			c.ZScore = &v
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
