// Package store provides SQL persistence for the ledger, change requests,
// and gate executions. SQLite is the default engine; a postgres DSN selects
// lib/pq. Schemas are created on construction.
package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// timeLayout is the stored timestamp encoding across all tables.
const timeLayout = time.RFC3339Nano

// Dialect names the SQL engine behind a handle. Queries are written with ?
// placeholders and rebound per dialect, since lib/pq only accepts $N.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// rebind rewrites ? placeholders to the engine's native form. None of the
// queries in this package carry ? inside literals.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Open opens a database handle for the given DSN. DSNs beginning with
// "postgres://" or "postgresql://" use the postgres driver; anything else is
// treated as a sqlite path ("file:..." or ":memory:" included).
func Open(dsn string) (*sql.DB, Dialect, error) {
	dialect := DialectSQLite
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialect = DialectPostgres
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, "", fmt.Errorf("store: open %s: %w", dialect, err)
	}
	return db, dialect, nil
}

// isUniqueViolation matches the duplicate-key errors of both supported
// engines without importing driver error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value") // postgres
}
