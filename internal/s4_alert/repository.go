package s4_alert

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/pkg/database"
)

// timestampLayout is fixed-width so text order is time order
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Repository persists monitor state and the alert event log
// ⭐ SSOT: alert_state / alert_events 쓰기는 Engine만
type Repository struct {
	db *database.DB
}

// NewRepository creates a new Repository
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// State loads a monitor's persisted state.
func (r *Repository) State(ctx context.Context, monitor string) (contracts.AlertState, bool, error) {
	var (
		s        contracts.AlertState
		state    string
		lastDate string
	)
	err := r.db.SQL.QueryRowContext(ctx, r.db.Rebind(`
		SELECT monitor, state, streak, inside_streak, label, last_date
		FROM alert_state WHERE monitor = ?
	`), monitor).Scan(&s.Monitor, &state, &s.Streak, &s.InsideStreak, &s.Label, &lastDate)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.AlertState{}, false, nil
	}
	if err != nil {
		return contracts.AlertState{}, false, &contracts.StoreError{Op: "read alert state", Err: err}
	}
	s.State = contracts.AlertStatus(state)
	if lastDate != "" {
		s.LastDate, _ = time.Parse(contracts.DateLayout, lastDate)
	}
	return s, true, nil
}

// States returns every persisted monitor state.
func (r *Repository) States(ctx context.Context) ([]contracts.AlertState, error) {
	rows, err := r.db.SQL.QueryContext(ctx, `
		SELECT monitor, state, streak, inside_streak, label, last_date
		FROM alert_state ORDER BY monitor
	`)
	if err != nil {
		return nil, &contracts.StoreError{Op: "list alert state", Err: err}
	}
	defer rows.Close()

	var out []contracts.AlertState
	for rows.Next() {
		var (
			s               contracts.AlertState
			state, lastDate string
		)
		if err := rows.Scan(&s.Monitor, &state, &s.Streak, &s.InsideStreak, &s.Label, &lastDate); err != nil {
			return nil, &contracts.StoreError{Op: "scan alert state", Err: err}
		}
		s.State = contracts.AlertStatus(state)
		if lastDate != "" {
			s.LastDate, _ = time.Parse(contracts.DateLayout, lastDate)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Commit saves a monitor's new state together with the events that produced it.
// Events already recorded for (monitor, date, kind) are kept as they were.
func (r *Repository) Commit(ctx context.Context, s contracts.AlertState, events []contracts.AlertEvent) error {
	tx, err := r.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return &contracts.StoreError{Op: "begin alert commit", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range events {
		if err := r.insertEvent(ctx, tx, e); err != nil {
			return err
		}
	}

	var lastDate string
	if !s.LastDate.IsZero() {
		lastDate = contracts.FormatDate(s.LastDate)
	}
	if _, err := tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO alert_state (monitor, state, streak, inside_streak, label, last_date)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (monitor) DO UPDATE SET
			state = excluded.state,
			streak = excluded.streak,
			inside_streak = excluded.inside_streak,
			label = excluded.label,
			last_date = excluded.last_date
	`), s.Monitor, string(s.State), s.Streak, s.InsideStreak, s.Label, lastDate); err != nil {
		return &contracts.StoreError{Op: "write alert state", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &contracts.StoreError{Op: "commit alert", Err: err}
	}
	return nil
}

// RecordEvents appends events that have no monitor state (quality events).
func (r *Repository) RecordEvents(ctx context.Context, events []contracts.AlertEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := r.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return &contracts.StoreError{Op: "begin event write", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range events {
		if err := r.insertEvent(ctx, tx, e); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return &contracts.StoreError{Op: "commit event write", Err: err}
	}
	return nil
}

func (r *Repository) insertEvent(ctx context.Context, tx *sql.Tx, e contracts.AlertEvent) error {
	var value sql.NullFloat64
	if e.Value != nil {
		value = sql.NullFloat64{Float64: *e.Value, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO alert_events (
			monitor, obs_date, kind, indicator, from_state, to_state, value, label, message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (monitor, obs_date, kind) DO NOTHING
	`), e.Monitor, contracts.FormatDate(e.Date), string(e.Kind), e.Indicator,
		string(e.From), string(e.To), value, e.Label, e.Message,
		e.CreatedAt.UTC().Format(timestampLayout)); err != nil {
		return &contracts.StoreError{Op: "write alert event", Err: err}
	}
	return nil
}

// Events returns the newest events first. An empty monitor means all monitors.
func (r *Repository) Events(ctx context.Context, monitor string, limit int) ([]contracts.AlertEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT monitor, obs_date, kind, indicator, from_state, to_state, value, label, message, created_at
		FROM alert_events
	`
	args := []interface{}{}
	if monitor != "" {
		query += ` WHERE monitor = ?`
		args = append(args, monitor)
	}
	query += ` ORDER BY created_at DESC, obs_date DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.SQL.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, &contracts.StoreError{Op: "query alert events", Err: err}
	}
	defer rows.Close()

	var out []contracts.AlertEvent
	for rows.Next() {
		var (
			e                          contracts.AlertEvent
			date, kind, from, to, crAt string
			value                      sql.NullFloat64
		)
		if err := rows.Scan(&e.Monitor, &date, &kind, &e.Indicator, &from, &to, &value, &e.Label, &e.Message, &crAt); err != nil {
			return nil, &contracts.StoreError{Op: "scan alert event", Err: err}
		}
		e.Date, _ = time.Parse(contracts.DateLayout, date)
		e.CreatedAt, _ = time.Parse(timestampLayout, crAt)
		e.Kind = contracts.AlertEventKind(kind)
		e.From = contracts.AlertStatus(from)
		e.To = contracts.AlertStatus(to)
		if value.Valid {
			v := value.Float64
			e.Value = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
