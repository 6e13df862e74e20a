package s0_data

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/pkg/database"
)

// MetaRepository persists SeriesMeta rows
// ⭐ SSOT: quality_flags는 quality engine만 SetFlags로 수정
type MetaRepository struct {
	db *database.DB
}

// NewMetaRepository creates a new MetaRepository
func NewMetaRepository(db *database.DB) *MetaRepository {
	return &MetaRepository{db: db}
}

// Sync registers catalog entries. Static fields follow the catalog;
// quality flags are preserved. Rows are never deleted here.
func (r *MetaRepository) Sync(ctx context.Context, metas []contracts.SeriesMeta) error {
	query := `
		INSERT INTO series_meta (
			series_id, source, label, pillar, frequency,
			publication_lag_days, unit, sign_convention, quality_flags, registered_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?)
		ON CONFLICT (series_id) DO UPDATE SET
			source = excluded.source,
			label = excluded.label,
			pillar = excluded.pillar,
			frequency = excluded.frequency,
			publication_lag_days = excluded.publication_lag_days,
			unit = excluded.unit,
			sign_convention = excluded.sign_convention
	`

	tx, err := r.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return &contracts.StoreError{Op: "begin meta sync", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	now := nowString()
	for _, m := range metas {
		var lag sql.NullInt64
		if m.PublicationLagDays != nil {
			lag = sql.NullInt64{Int64: int64(*m.PublicationLagDays), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, r.db.Rebind(query),
			m.ID, m.Source, m.Label, m.Pillar, string(m.Frequency),
			lag, m.Unit, string(m.SignConvention), now,
		); err != nil {
			return &contracts.StoreError{Op: "sync series meta", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &contracts.StoreError{Op: "commit meta sync", Err: err}
	}
	return nil
}

// Flags returns the persisted quality flags of a series.
func (r *MetaRepository) Flags(ctx context.Context, seriesID string) (contracts.QualityFlags, error) {
	var flags string
	err := r.db.SQL.QueryRowContext(ctx,
		r.db.Rebind(`SELECT quality_flags FROM series_meta WHERE series_id = ?`), seriesID,
	).Scan(&flags)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.QualityFlags{}, nil
	}
	if err != nil {
		return nil, &contracts.StoreError{Op: "read flags", Err: err}
	}
	return contracts.ParseQualityFlags(flags), nil
}

// SetFlags replaces the quality flags of a series.
func (r *MetaRepository) SetFlags(ctx context.Context, seriesID string, flags contracts.QualityFlags, at time.Time) error {
	_, err := r.db.SQL.ExecContext(ctx,
		r.db.Rebind(`UPDATE series_meta SET quality_flags = ?, flags_updated_at = ? WHERE series_id = ?`),
		flags.String(), at.UTC().Format(time.RFC3339), seriesID)
	if err != nil {
		return &contracts.StoreError{Op: "write flags", Err: err}
	}
	return nil
}

// List returns every registered series with its flags.
func (r *MetaRepository) List(ctx context.Context) ([]contracts.SeriesMeta, error) {
	query := `
		SELECT series_id, source, label, pillar, frequency,
		       publication_lag_days, unit, sign_convention, quality_flags
		FROM series_meta
		ORDER BY series_id
	`
	rows, err := r.db.SQL.QueryContext(ctx, query)
	if err != nil {
		return nil, &contracts.StoreError{Op: "list series meta", Err: err}
	}
	defer rows.Close()

	var out []contracts.SeriesMeta
	for rows.Next() {
		var (
			m              contracts.SeriesMeta
			freq, sign, fl string
			lag            sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.Source, &m.Label, &m.Pillar, &freq, &lag, &m.Unit, &sign, &fl); err != nil {
			return nil, &contracts.StoreError{Op: "scan series meta", Err: err}
		}
		m.Frequency = contracts.Frequency(freq)
		m.SignConvention = contracts.SignConvention(sign)
		m.QualityFlags = contracts.ParseQualityFlags(fl)
		if lag.Valid {
			v := int(lag.Int64)
			m.PublicationLagDays = &v
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
