package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/northgate-labs/warden/pkg/gate"
)

// SQLExecutionStore persists gate executions for forensic queries. Append
// only; executions are never updated.
type SQLExecutionStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLExecutionStore(db *sql.DB, dialect Dialect) (*SQLExecutionStore, error) {
	s := &SQLExecutionStore{db: db, dialect: dialect}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLExecutionStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS gate_executions (
        id TEXT PRIMARY KEY,
        gate_key TEXT NOT NULL,
        outcome TEXT NOT NULL,
        executed_at TEXT NOT NULL,
        document JSON NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_gate_executions_gate ON gate_executions(gate_key, executed_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLExecutionStore) SaveExecution(ctx context.Context, exec *gate.Execution) error {
	doc, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("store: encode execution: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		s.dialect.rebind(`INSERT INTO gate_executions (id, gate_key, outcome, executed_at, document) VALUES (?, ?, ?, ?, ?)`),
		exec.ID, exec.GateKey, string(exec.Outcome), exec.ExecutedAt.UTC().Format(timeLayout), string(doc))
	if err != nil {
		return fmt.Errorf("store: insert execution: %w", err)
	}
	return nil
}

// ListByGate returns the most recent executions of one gate.
func (s *SQLExecutionStore) ListByGate(ctx context.Context, gateKey string, limit int) ([]*gate.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		s.dialect.rebind(`SELECT document FROM gate_executions WHERE gate_key = ? ORDER BY executed_at DESC LIMIT ?`),
		gateKey, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*gate.Execution
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var exec gate.Execution
		if err := json.Unmarshal([]byte(doc), &exec); err != nil {
			return nil, fmt.Errorf("store: decode execution: %w", err)
		}
		out = append(out, &exec)
	}
	return out, rows.Err()
}
