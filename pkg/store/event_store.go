package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/northgate-labs/warden/pkg/ledger"
)

// SQLEventStore is the durable ledger.Persistence. The UNIQUE index on
// sequence is what makes concurrent multi-process appends safe: a racer that
// lost the tip gets a unique violation, surfaced as ledger.ErrConflict so the
// ledger refreshes its tip and retries.
type SQLEventStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLEventStore(db *sql.DB, dialect Dialect) (*SQLEventStore, error) {
	s := &SQLEventStore{db: db, dialect: dialect}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLEventStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS audit_events (
        id TEXT PRIMARY KEY,
        sequence INTEGER NOT NULL UNIQUE,
        event_type TEXT NOT NULL,
        action TEXT NOT NULL,
        actor_id TEXT NOT NULL,
        actor_type TEXT NOT NULL,
        resource JSON,
        outcome TEXT NOT NULL,
        context JSON,
        previous_hash TEXT,
        event_hash TEXT NOT NULL,
        created_at TEXT NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const eventColumns = `id, sequence, event_type, action, actor_id, actor_type, resource, outcome, context, previous_hash, event_hash, created_at`

func (s *SQLEventStore) AppendEvent(ctx context.Context, ev *ledger.Event) error {
	query := s.dialect.rebind(`INSERT INTO audit_events (` + eventColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	var resJSON, ctxJSON sql.NullString
	if ev.Resource != nil {
		raw, err := json.Marshal(ev.Resource)
		if err != nil {
			return fmt.Errorf("store: encode resource: %w", err)
		}
		resJSON = sql.NullString{String: string(raw), Valid: true}
	}
	if ev.Context != nil {
		raw, err := json.Marshal(ev.Context)
		if err != nil {
			return fmt.Errorf("store: encode context: %w", err)
		}
		ctxJSON = sql.NullString{String: string(raw), Valid: true}
	}
	var prev sql.NullString
	if ev.PreviousHash != "" {
		prev = sql.NullString{String: ev.PreviousHash, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		ev.ID, ev.Sequence, string(ev.Type), ev.Action, ev.Actor.ID, string(ev.Actor.Type),
		resJSON, string(ev.Outcome), ctxJSON, prev, ev.EventHash,
		ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: sequence %d already written", ledger.ErrConflict, ev.Sequence)
	}
	if err != nil {
		return fmt.Errorf("store: insert event: %w", err)
	}
	return nil
}

func (s *SQLEventStore) ReadTip(ctx context.Context) (*ledger.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM audit_events ORDER BY sequence DESC LIMIT 1`
	ev, err := scanEvent(s.db.QueryRowContext(ctx, query))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ev, err
}

func (s *SQLEventStore) ReadRange(ctx context.Context, from, to uint64) ([]*ledger.Event, error) {
	query := s.dialect.rebind(`SELECT ` + eventColumns + ` FROM audit_events WHERE sequence >= ? AND sequence <= ? ORDER BY sequence ASC`)
	rows, err := s.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("store: read range: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*ledger.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*ledger.Event, error) {
	var (
		id, eventType, action, actorID, actorType string
		sequence                                  uint64
		resJSON, ctxJSON, prev                    sql.NullString
		outcome, eventHash, createdAt             string
	)
	if err := row.Scan(&id, &sequence, &eventType, &action, &actorID, &actorType,
		&resJSON, &outcome, &ctxJSON, &prev, &eventHash, &createdAt); err != nil {
		return nil, err
	}

	ev := &ledger.Event{
		ID:           id,
		Sequence:     sequence,
		Type:         ledger.EventType(eventType),
		Action:       action,
		Actor:        ledger.Actor{ID: actorID, Type: ledger.ActorType(actorType)},
		Outcome:      ledger.Outcome(outcome),
		PreviousHash: prev.String,
		EventHash:    eventHash,
		CreatedAt:    parseStoredTime(createdAt),
	}
	if resJSON.Valid && resJSON.String != "" {
		var res ledger.Resource
		if err := json.Unmarshal([]byte(resJSON.String), &res); err != nil {
			return nil, fmt.Errorf("store: decode resource: %w", err)
		}
		ev.Resource = &res
	}
	if ctxJSON.Valid && ctxJSON.String != "" {
		if err := json.Unmarshal([]byte(ctxJSON.String), &ev.Context); err != nil {
			return nil, fmt.Errorf("store: decode context: %w", err)
		}
	}
	return ev, nil
}

func parseStoredTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
