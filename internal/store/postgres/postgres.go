// Copyright 2026 Sattyam Jain
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package postgres backs the store with PostgreSQL: row-level locking,
// per-run advisory-lock leases, and an audit outbox committed in the same
// transaction as the state change it describes.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/sattyamjjain/ferrumdeck-sub000/internal/store"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is the PostgreSQL store.Store implementation.
type Store struct {
	db        *sqlx.DB
	leaseWait time.Duration
}

// Options configure the store.
type Options struct {
	// LeaseWait bounds how long WithRunLease blocks on contention.
	LeaseWait time.Duration
	// MaxOpenConns caps the connection pool (0 keeps the driver default).
	MaxOpenConns int
}

// Open connects, applies pending migrations, and returns the store.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, &errors.TransientError{Op: "postgres connect", Cause: err}
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.LeaseWait == 0 {
		opts.LeaseWait = store.DefaultLeaseWait
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Store{db: db, leaseWait: opts.LeaseWait}, nil
}

// txKey carries the lease transaction through context so every mutation
// made under WithRunLease — audit events included — commits atomically.
type txKey struct{}

// q returns the lease transaction when one is open, else the pool.
func (s *Store) q(ctx context.Context) sqlx.ExtContext {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return s.db
}

// WithRunLease opens a transaction, takes the run's advisory lock (waiting
// up to the lease window), and runs fn inside it. Lock contention beyond
// the window fails with ErrLeaseBusy without invoking fn.
func (s *Store) WithRunLease(ctx context.Context, runID string, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &errors.TransientError{Op: "begin lease tx", Cause: err}
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	timeoutMS := s.leaseWait.Milliseconds()
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeoutMS)); err != nil {
		return &errors.TransientError{Op: "set lock_timeout", Cause: err}
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", runID); err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == "55P03" { // lock_not_available
			return errors.ErrLeaseBusy
		}
		return &errors.TransientError{Op: "acquire run lease", Cause: err}
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &errors.TransientError{Op: "commit lease tx", Cause: err}
	}
	return nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &errors.TransientError{Op: "postgres ping", Cause: err}
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// mapError converts driver errors into the store's typed taxonomy.
func mapError(op, resource, id string, err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, sql.ErrNoRows) {
		return &errors.NotFoundError{Resource: resource, ID: id}
	}
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return &errors.ConflictError{Resource: resource, ID: id, Reason: "already exists"}
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return &errors.TransientError{Op: op, Cause: err}
		}
		if pgErr.Code[:2] == "08" { // connection exceptions
			return &errors.TransientError{Op: op, Cause: err}
		}
	}
	return &errors.FatalError{Op: op, Cause: err}
}
