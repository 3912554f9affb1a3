package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/northgate-labs/warden/pkg/changereq"
)

// SQLChangeStore persists change requests as JSON documents with an
// optimistic version column. Queries by status go through the indexed status
// column; everything else lives in the document.
type SQLChangeStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLChangeStore(db *sql.DB, dialect Dialect) (*SQLChangeStore, error) {
	s := &SQLChangeStore{db: db, dialect: dialect}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLChangeStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS change_requests (
        id TEXT PRIMARY KEY,
        change_key TEXT NOT NULL,
        status TEXT NOT NULL,
        version INTEGER NOT NULL,
        created_at TEXT NOT NULL,
        document JSON NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_change_requests_status ON change_requests(status);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Save inserts a new request at version 0 or replaces an existing one whose
// stored version matches. Version mismatches fail with changereq.ErrConflict;
// the caller's Version is bumped on success, matching the Store contract.
func (s *SQLChangeStore) Save(ctx context.Context, cr *changereq.ChangeRequest) error {
	next := cr.Version + 1
	prior := cr.Version
	cr.Version = next
	doc, err := json.Marshal(cr)
	if err != nil {
		cr.Version = prior
		return fmt.Errorf("store: encode change request: %w", err)
	}

	if prior == 0 {
		_, err := s.db.ExecContext(ctx,
			s.dialect.rebind(`INSERT INTO change_requests (id, change_key, status, version, created_at, document) VALUES (?, ?, ?, ?, ?, ?)`),
			cr.ID, cr.Key, string(cr.Status), next, cr.CreatedAt.UTC().Format(timeLayout), string(doc))
		if isUniqueViolation(err) {
			cr.Version = prior
			return fmt.Errorf("%w: request %s already exists", changereq.ErrConflict, cr.ID)
		}
		if err != nil {
			cr.Version = prior
			return fmt.Errorf("store: insert change request: %w", err)
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx,
		s.dialect.rebind(`UPDATE change_requests SET status = ?, version = ?, document = ? WHERE id = ? AND version = ?`),
		string(cr.Status), next, string(doc), cr.ID, prior)
	if err != nil {
		cr.Version = prior
		return fmt.Errorf("store: update change request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		cr.Version = prior
		return fmt.Errorf("store: update change request: %w", err)
	}
	if affected == 0 {
		cr.Version = prior
		return fmt.Errorf("%w: request %s version %d is stale", changereq.ErrConflict, cr.ID, prior)
	}
	return nil
}

func (s *SQLChangeStore) Load(ctx context.Context, id string) (*changereq.ChangeRequest, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT document FROM change_requests WHERE id = ?`), id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", changereq.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load change request: %w", err)
	}
	var cr changereq.ChangeRequest
	if err := json.Unmarshal([]byte(doc), &cr); err != nil {
		return nil, fmt.Errorf("store: decode change request: %w", err)
	}
	return &cr, nil
}

// ListByStatus returns requests currently in the given status, most recent
// first. Used by operator tooling.
func (s *SQLChangeStore) ListByStatus(ctx context.Context, status changereq.Status, limit int) ([]*changereq.ChangeRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		s.dialect.rebind(`SELECT document FROM change_requests WHERE status = ? ORDER BY created_at DESC LIMIT ?`),
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("store: list change requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*changereq.ChangeRequest
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var cr changereq.ChangeRequest
		if err := json.Unmarshal([]byte(doc), &cr); err != nil {
			return nil, fmt.Errorf("store: decode change request: %w", err)
		}
		out = append(out, &cr)
	}
	return out, rows.Err()
}
