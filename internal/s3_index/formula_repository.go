package s3_index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/pkg/database"
)

// FormulaRepository keeps every registered formula version
// ⭐ SSOT: (name, version)는 한 번 등록되면 정의 불변
type FormulaRepository struct {
	db *database.DB
}

// NewFormulaRepository creates a new FormulaRepository
func NewFormulaRepository(db *database.DB) *FormulaRepository {
	return &FormulaRepository{db: db}
}

// Register records f under its version. Re-registering an identical definition is a no-op;
// a changed definition under an existing version is a ConfigError.
func (r *FormulaRepository) Register(ctx context.Context, f contracts.CompositeFormula) (bool, error) {
	hash := f.Hash()

	var stored string
	err := r.db.SQL.QueryRowContext(ctx,
		r.db.Rebind(`SELECT hash FROM composite_formulas WHERE name = ? AND version = ?`),
		f.Name, f.Version,
	).Scan(&stored)
	switch {
	case err == nil:
		if stored != hash {
			return false, &contracts.ConfigError{Scope: "formula", Name: f.Name,
				Message: "definition changed without a version bump"}
		}
		return false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, &contracts.StoreError{Op: "read formula", Err: err}
	}

	def, err := json.Marshal(f)
	if err != nil {
		return false, err
	}
	if _, err := r.db.SQL.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO composite_formulas (name, version, hash, definition, registered_at)
		VALUES (?, ?, ?, ?, ?)
	`), f.Name, f.Version, hash, string(def), time.Now().UTC().Format(time.RFC3339)); err != nil {
		return false, &contracts.StoreError{Op: "register formula", Err: err}
	}
	return true, nil
}

// FormulaVersion is a stored formula definition
type FormulaVersion struct {
	Name         string                     `json:"name"`
	Version      int                        `json:"version"`
	Hash         string                     `json:"hash"`
	Definition   contracts.CompositeFormula `json:"definition"`
	RegisteredAt time.Time                  `json:"registered_at"`
}

// Versions lists every stored version of a formula, oldest first.
func (r *FormulaRepository) Versions(ctx context.Context, name string) ([]FormulaVersion, error) {
	rows, err := r.db.SQL.QueryContext(ctx, r.db.Rebind(`
		SELECT name, version, hash, definition, registered_at
		FROM composite_formulas
		WHERE name = ?
		ORDER BY version ASC
	`), name)
	if err != nil {
		return nil, &contracts.StoreError{Op: "list formula versions", Err: err}
	}
	defer rows.Close()

	var out []FormulaVersion
	for rows.Next() {
		var (
			v        FormulaVersion
			def, reg string
		)
		if err := rows.Scan(&v.Name, &v.Version, &v.Hash, &def, &reg); err != nil {
			return nil, &contracts.StoreError{Op: "scan formula version", Err: err}
		}
		if err := json.Unmarshal([]byte(def), &v.Definition); err != nil {
			return nil, err
		}
		v.RegisteredAt, _ = time.Parse(time.RFC3339, reg)
		out = append(out, v)
	}
	return out, rows.Err()
}
