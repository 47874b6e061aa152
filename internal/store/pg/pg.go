// Package pg implements the generic store.Store contract on Postgres.
// Records are persisted as JSONB rows (snake_case field names come from the
// record types' JSON tags); insertion order is kept by a bigserial position
// column; per-key advisory locks map onto Postgres session advisory locks.
package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/parleyhq/parley/internal/store"
)

// OpenDB opens a Postgres connection pool via the pgx stdlib driver.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Store is a Postgres-backed store.Store for one record type and table.
type Store[T any] struct {
	db    *sql.DB
	table string
}

// NewStore creates a Store over an existing table. The table must have the
// layout created by the migrations: id TEXT PRIMARY KEY, data JSONB NOT NULL,
// position BIGSERIAL, updated_at TIMESTAMPTZ.
func NewStore[T any](db *sql.DB, table string) *Store[T] {
	return &Store[T]{db: db, table: table}
}

func (s *Store[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM `+s.table+` WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, store.ErrNotFound
	}
	if err != nil {
		return zero, wrapErr("get", s.table, err)
	}

	var rec T
	if err := json.Unmarshal(raw, &rec); err != nil {
		return zero, fmt.Errorf("decode %s record %s: %w", s.table, id, err)
	}
	return rec, nil
}

func (s *Store[T]) GetAll(ctx context.Context) ([]T, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM `+s.table+` ORDER BY position`)
	if err != nil {
		return nil, wrapErr("get all", s.table, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, wrapErr("scan", s.table, err)
		}
		var rec T
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode %s record: %w", s.table, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store[T]) Find(ctx context.Context, pred func(T) bool) ([]T, error) {
	all, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []T
	for _, rec := range all {
		if pred(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store[T]) Create(ctx context.Context, id string, rec T) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", s.table, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+s.table+` (id, data, updated_at) VALUES ($1, $2, now())`,
		id, raw)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return wrapErr("create", s.table, err)
	}
	return nil
}

func (s *Store[T]) Update(ctx context.Context, id string, mutate func(*T)) (T, error) {
	var zero T

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return zero, wrapErr("begin", s.table, err)
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM `+s.table+` WHERE id = $1 FOR UPDATE`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, store.ErrNotFound
	}
	if err != nil {
		return zero, wrapErr("lock row", s.table, err)
	}

	var rec T
	if err := json.Unmarshal(raw, &rec); err != nil {
		return zero, fmt.Errorf("decode %s record %s: %w", s.table, id, err)
	}
	mutate(&rec)

	updated, err := json.Marshal(rec)
	if err != nil {
		return zero, fmt.Errorf("encode %s record: %w", s.table, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE `+s.table+` SET data = $2, updated_at = now() WHERE id = $1`,
		id, updated); err != nil {
		return zero, wrapErr("update", s.table, err)
	}
	if err := tx.Commit(); err != nil {
		return zero, wrapErr("commit", s.table, err)
	}
	return rec, nil
}

func (s *Store[T]) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM `+s.table+` WHERE id = $1`, id); err != nil {
		return wrapErr("delete", s.table, err)
	}
	return nil
}

func (s *Store[T]) Size(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM `+s.table).Scan(&n); err != nil {
		return 0, wrapErr("count", s.table, err)
	}
	return n, nil
}

func (s *Store[T]) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+s.table); err != nil {
		return wrapErr("clear", s.table, err)
	}
	return nil
}

// WithLock maps the advisory lock onto a Postgres session advisory lock held
// on a dedicated connection for the duration of fn.
func (s *Store[T]) WithLock(ctx context.Context, key string, fn func() error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return wrapErr("acquire conn", s.table, err)
	}
	defer conn.Close()

	lockID := advisoryLockID(s.table, key)
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockID); err != nil {
		return wrapErr("advisory lock", s.table, err)
	}
	defer conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, lockID)

	return fn()
}

// advisoryLockID hashes table+key into the int64 space Postgres expects.
func advisoryLockID(table, key string) int64 {
	h := fnv.New64a()
	io.WriteString(h, table)
	io.WriteString(h, "\x00")
	io.WriteString(h, key)
	return int64(h.Sum64())
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// wrapErr wraps backend errors, tagging retryable ones with store.ErrTransient
// so registries can distinguish them from hard failures.
func wrapErr(op, table string, err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return fmt.Errorf("%s %s: %w: %w", op, table, store.ErrTransient, err)
	}
	return fmt.Errorf("%s %s: %w", op, table, err)
}

func isTransient(err error) bool {
	if pgconn.SafeToRetry(err) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected,
		// 57P03 cannot_connect_now.
		switch pgErr.Code {
		case "40001", "40P01", "57P03":
			return true
		}
	}
	return false
}
