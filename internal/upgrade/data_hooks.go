package upgrade

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// A DataHook is a Go-side data migration tied to a schema version. It runs
// after that version's SQL migration and covers transformations SQL alone
// cannot express, like re-deriving JSONB fields that only application code
// knows how to compute. Applied hooks are recorded in data_migrations so a
// re-run of `parley migrate up` skips them.
type DataHook struct {
	SchemaVersion uint
	Name          string
	Run           func(ctx context.Context, db *sql.DB) error
}

var dataHooks []DataHook

// RegisterDataHook adds a hook to the run list. Names must be unique; hooks
// run in registration order.
func RegisterDataHook(h DataHook) {
	dataHooks = append(dataHooks, h)
}

// pendingOf filters the registered hooks down to those not in applied,
// preserving registration order.
func pendingOf(applied map[string]bool) []DataHook {
	var out []DataHook
	for _, h := range dataHooks {
		if !applied[h.Name] {
			out = append(out, h)
		}
	}
	return out
}

// PendingHooks lists the names of hooks awaiting a run against db.
func PendingHooks(ctx context.Context, db *sql.DB) ([]string, error) {
	applied, err := appliedHooks(ctx, db)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, h := range pendingOf(applied) {
		names = append(names, h.Name)
	}
	return names, nil
}

// RunPendingHooks executes every registered hook not yet recorded in
// data_migrations and reports how many ran. The first failing hook aborts
// the run; hooks applied before it stay recorded.
func RunPendingHooks(ctx context.Context, db *sql.DB) (int, error) {
	applied, err := appliedHooks(ctx, db)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, h := range pendingOf(applied) {
		slog.Info("running data migration hook", "name", h.Name, "schema_version", h.SchemaVersion)
		start := time.Now()

		if err := h.Run(ctx, db); err != nil {
			return count, fmt.Errorf("data hook %q: %w", h.Name, err)
		}
		if _, err := db.ExecContext(ctx,
			"INSERT INTO data_migrations (name, version, applied_at) VALUES ($1, $2, NOW())",
			h.Name, h.SchemaVersion,
		); err != nil {
			return count, fmt.Errorf("record data hook %q: %w", h.Name, err)
		}

		slog.Info("data migration hook complete", "name", h.Name, "duration", time.Since(start))
		count++
	}
	return count, nil
}

// appliedHooks ensures the tracking table exists and returns the set of
// hook names already applied.
func appliedHooks(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS data_migrations (
			name       VARCHAR(255) PRIMARY KEY,
			version    INT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return nil, fmt.Errorf("ensure data_migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT name FROM data_migrations")
	if err != nil {
		return nil, fmt.Errorf("query data_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}
