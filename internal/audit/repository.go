package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/pkg/database"
)

// timestampLayout is fixed-width so text order is time order
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Repository is the append-only update log
// ⭐ SSOT: 실행 기록은 Append만, UPDATE/DELETE 없음
type Repository struct {
	db *database.DB
}

// NewRepository creates a new update log repository
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// Append records one run. A run id can be written only once.
func (r *Repository) Append(ctx context.Context, e contracts.UpdateLogEntry) error {
	if e.RunID == "" {
		return fmt.Errorf("update log entry has no run id")
	}
	attempted, err := json.Marshal(nonNil(e.SourcesAttempted))
	if err != nil {
		return err
	}
	succeeded, err := json.Marshal(nonNil(e.SourcesSucceeded))
	if err != nil {
		return err
	}

	query := `
		INSERT INTO update_log (
			run_id, started_at, finished_at, mode, status,
			sources_attempted, sources_succeeded, rows_written, rows_rejected,
			duration_seconds, failed_stage, error_summary
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.SQL.ExecContext(ctx, r.db.Rebind(query),
		e.RunID,
		e.StartedAt.UTC().Format(timestampLayout),
		e.FinishedAt.UTC().Format(timestampLayout),
		e.Mode, string(e.Status),
		string(attempted), string(succeeded),
		e.RowsWritten, e.RowsRejected,
		e.Duration.Seconds(), string(e.FailedStage), e.ErrorSummary,
	)
	if err != nil {
		return &contracts.StoreError{Op: "append update log", Err: err}
	}
	return nil
}

// Latest returns the newest n entries, newest first.
func (r *Repository) Latest(ctx context.Context, n int) ([]contracts.UpdateLogEntry, error) {
	if n <= 0 {
		n = 20
	}
	query := `
		SELECT run_id, started_at, finished_at, mode, status,
		       sources_attempted, sources_succeeded, rows_written, rows_rejected,
		       duration_seconds, failed_stage, error_summary
		FROM update_log
		ORDER BY started_at DESC
		LIMIT ?
	`
	rows, err := r.db.SQL.QueryContext(ctx, r.db.Rebind(query), n)
	if err != nil {
		return nil, &contracts.StoreError{Op: "read update log", Err: err}
	}
	defer rows.Close()

	var out []contracts.UpdateLogEntry
	for rows.Next() {
		var (
			e                   contracts.UpdateLogEntry
			started, finished   string
			status, stage       string
			attempted, succeeded string
			seconds             float64
		)
		if err := rows.Scan(&e.RunID, &started, &finished, &e.Mode, &status,
			&attempted, &succeeded, &e.RowsWritten, &e.RowsRejected,
			&seconds, &stage, &e.ErrorSummary); err != nil {
			return nil, &contracts.StoreError{Op: "scan update log", Err: err}
		}
		e.StartedAt, _ = time.Parse(timestampLayout, started)
		e.FinishedAt, _ = time.Parse(timestampLayout, finished)
		e.Status = contracts.RunStatus(status)
		e.FailedStage = contracts.Stage(stage)
		e.Duration = time.Duration(seconds * float64(time.Second))
		if err := json.Unmarshal([]byte(attempted), &e.SourcesAttempted); err != nil {
			return nil, fmt.Errorf("run %s: sources_attempted: %w", e.RunID, err)
		}
		if err := json.Unmarshal([]byte(succeeded), &e.SourcesSucceeded); err != nil {
			return nil, fmt.Errorf("run %s: sources_succeeded: %w", e.RunID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Last returns the newest entry.
func (r *Repository) Last(ctx context.Context) (contracts.UpdateLogEntry, bool, error) {
	entries, err := r.Latest(ctx, 1)
	if err != nil || len(entries) == 0 {
		return contracts.UpdateLogEntry{}, false, err
	}
	return entries[0], true, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
