// Package store provides data access for the core database. Naming
// follows the CreateX(ctx, CreateXParams{...}) / GetXByY convention so
// call sites read uniformly across entities. All timestamps are stored
// as ISO-8601 text in UTC; JSON documents are stored as text.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/abhi1693/openclaw-agency/internal/util/timefmt"
)

// DBTX is the subset of database/sql methods the store uses.
// Both *sql.DB and *sql.Tx satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store executes queries against a database handle or transaction.
type Store struct {
	db DBTX
}

// New creates a Store bound to the given handle.
func New(db DBTX) *Store {
	return &Store{db: db}
}

// WithTx returns a Store that runs all queries on tx.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{db: tx}
}

// Transact runs fn inside a transaction, committing when fn returns
// nil and rolling back otherwise.
func Transact(ctx context.Context, db *sql.DB, fn func(*Store) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(New(tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func fmtTime(t time.Time) string {
	return timefmt.Format(t)
}

func fmtNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timefmt.Format(*t)
}

func parseTime(s string) (time.Time, error) {
	return timefmt.Parse(s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := timefmt.Parse(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// nullStr maps the empty string to NULL on write.
func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func marshalDoc(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal json document: %w", err)
	}
	return string(b), nil
}

func unmarshalDoc(s string) (map[string]any, error) {
	if s == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("unmarshal json document: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

func marshalList(l []string) (string, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return "", fmt.Errorf("marshal json list: %w", err)
	}
	return string(b), nil
}

func unmarshalList(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var l []string
	if err := json.Unmarshal([]byte(s), &l); err != nil {
		return nil, fmt.Errorf("unmarshal json list: %w", err)
	}
	return l, nil
}
