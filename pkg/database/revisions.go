package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Execer is satisfied by *sql.DB and *sql.Tx
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// RevisionMark is one outstanding "changed since" mark
type RevisionMark struct {
	Key  string
	From string // YYYY-MM-DD
	Seq  int64
}

// RevisionLog keeps the earliest changed date per key in a table shaped
// (<key column> TEXT PRIMARY KEY, from_date TEXT, seq BIGINT).
// A writer marks inside its own transaction; a downstream stage reads the
// marks, recomputes, then clears exactly the marks it read.
type RevisionLog struct {
	db     *DB
	table  string
	keyCol string
}

// NewRevisionLog creates a RevisionLog over a schema table
func NewRevisionLog(db *DB, table, keyCol string) *RevisionLog {
	return &RevisionLog{db: db, table: table, keyCol: keyCol}
}

// Mark lowers the key's mark to from (creating it if absent) and bumps its seq.
func (l *RevisionLog) Mark(ctx context.Context, ex Execer, key, from string) error {
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (%[2]s, from_date, seq)
		VALUES (?, ?, 1)
		ON CONFLICT (%[2]s) DO UPDATE SET
			from_date = CASE WHEN excluded.from_date < %[1]s.from_date
			                 THEN excluded.from_date ELSE %[1]s.from_date END,
			seq = %[1]s.seq + 1
	`, l.table, l.keyCol)
	if _, err := ex.ExecContext(ctx, l.db.Rebind(query), key, from); err != nil {
		return fmt.Errorf("mark %s revision: %w", l.table, err)
	}
	return nil
}

// Pending returns every outstanding mark, ordered by key.
func (l *RevisionLog) Pending(ctx context.Context) ([]RevisionMark, error) {
	query := fmt.Sprintf(`SELECT %s, from_date, seq FROM %s ORDER BY 1`, l.keyCol, l.table)
	rows, err := l.db.SQL.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", l.table, err)
	}
	defer rows.Close()

	var out []RevisionMark
	for rows.Next() {
		var m RevisionMark
		if err := rows.Scan(&m.Key, &m.From, &m.Seq); err != nil {
			return nil, fmt.Errorf("scan %s: %w", l.table, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Clear removes a mark only if nobody marked the key again since it was read.
func (l *RevisionLog) Clear(ctx context.Context, m RevisionMark) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s = ? AND seq = ?`, l.table, l.keyCol)
	if _, err := l.db.SQL.ExecContext(ctx, l.db.Rebind(query), m.Key, m.Seq); err != nil {
		return fmt.Errorf("clear %s revision: %w", l.table, err)
	}
	return nil
}
