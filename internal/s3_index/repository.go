package s3_index

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/pkg/database"
)

// Repository persists composite index values
// ⭐ SSOT: composite_index_values 쓰기는 Engine만
type Repository struct {
	db *database.DB
}

// NewRepository creates a new Repository
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// Save upserts index values in one transaction.
func (r *Repository) Save(ctx context.Context, values []contracts.IndexValue) error {
	if len(values) == 0 {
		return nil
	}

	tx, err := r.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return &contracts.StoreError{Op: "begin index write", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, r.db.Rebind(`
		INSERT INTO composite_index_values (
			index_name, obs_date, value, regime_label, formula_version, coverage, missing_inputs
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (index_name, obs_date) DO UPDATE SET
			value = excluded.value,
			regime_label = excluded.regime_label,
			formula_version = excluded.formula_version,
			coverage = excluded.coverage,
			missing_inputs = excluded.missing_inputs
	`))
	if err != nil {
		return &contracts.StoreError{Op: "prepare index write", Err: err}
	}
	defer stmt.Close()

	for _, v := range values {
		var value sql.NullFloat64
		if v.Value != nil {
			value = sql.NullFloat64{Float64: *v.Value, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			v.Index, contracts.FormatDate(v.Date), value, v.Regime,
			v.FormulaVersion, v.Coverage, strings.Join(v.MissingInputs, ","),
		); err != nil {
			return &contracts.StoreError{Op: "write index value", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &contracts.StoreError{Op: "commit index write", Err: err}
	}
	return nil
}

const selectValues = `
	SELECT index_name, obs_date, value, regime_label, formula_version, coverage, missing_inputs
	FROM composite_index_values
`

// History returns an index's values in [from, to], ascending.
func (r *Repository) History(ctx context.Context, name string, from, to time.Time) ([]contracts.IndexValue, error) {
	return r.query(ctx, selectValues+`
		WHERE index_name = ? AND obs_date BETWEEN ? AND ?
		ORDER BY obs_date ASC
	`, name, contracts.FormatDate(from), contracts.FormatDate(to))
}

// After returns an index's values dated after d, ascending.
func (r *Repository) After(ctx context.Context, name string, d time.Time) ([]contracts.IndexValue, error) {
	return r.query(ctx, selectValues+`
		WHERE index_name = ? AND obs_date > ?
		ORDER BY obs_date ASC
	`, name, contracts.FormatDate(d))
}

// Latest returns the most recent value of an index.
func (r *Repository) Latest(ctx context.Context, name string) (contracts.IndexValue, bool, error) {
	vals, err := r.query(ctx, selectValues+`
		WHERE index_name = ?
		ORDER BY obs_date DESC
		LIMIT 1
	`, name)
	if err != nil || len(vals) == 0 {
		return contracts.IndexValue{}, false, err
	}
	return vals[0], true, nil
}

// LatestAll returns the most recent value of every stored index.
func (r *Repository) LatestAll(ctx context.Context) ([]contracts.IndexValue, error) {
	return r.query(ctx, selectValues+`
		WHERE (index_name, obs_date) IN (
			SELECT index_name, MAX(obs_date) FROM composite_index_values GROUP BY index_name
		)
		ORDER BY index_name ASC
	`)
}

func (r *Repository) query(ctx context.Context, query string, args ...interface{}) ([]contracts.IndexValue, error) {
	rows, err := r.db.SQL.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, &contracts.StoreError{Op: "query index values", Err: err}
	}
	defer rows.Close()

	var out []contracts.IndexValue
	for rows.Next() {
		var (
			v             contracts.IndexValue
			date, missing string
			value         sql.NullFloat64
		)
		if err := rows.Scan(&v.Index, &date, &value, &v.Regime, &v.FormulaVersion, &v.Coverage, &missing); err != nil {
			return nil, &contracts.StoreError{Op: "scan index value", Err: err}
		}
		d, err := time.Parse(contracts.DateLayout, date)
		if err != nil {
			return nil, err
		}
		v.Date = d
		if value.Valid {
			f := value.Float64
			v.Value = &f
		}
		if missing != "" {
			v.MissingInputs = strings.Split(missing, ",")
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, &contracts.StoreError{Op: "query index values", Err: err}
	}
	return out, nil
}
