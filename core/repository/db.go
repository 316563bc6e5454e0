package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a status change is not allowed from the stored status
	ErrInvalidTransition = errors.New("invalid status transition")
)

//go:embed schema.sql
var schemaSQL string

// DB wraps the PostgreSQL connection pool shared by all repositories
type DB struct {
	*sql.DB
}

// NewDB opens a PostgreSQL pool and verifies it with a ping
func NewDB(ctx context.Context, databaseURL string) (*DB, error) {
	if databaseURL == "" {
		return nil, errors.New("database url is required")
	}
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	conn.SetMaxOpenConns(20)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	return &DB{DB: conn}, nil
}

// EnsureSchema creates the tables the worker reads and writes when they are missing
func (db *DB) EnsureSchema(ctx context.Context) error {
	_, err := db.ExecContext(ctx, schemaSQL)
	return errors.Wrap(err, "apply schema")
}

// withTx runs fn inside a transaction, committing when it returns nil
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit transaction")
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
