// Package upgrade gates a Postgres-backed deployment on schema
// compatibility and carries the Go-side data migration hooks that run after
// SQL migrations.
package upgrade

import (
	"database/sql"
	"errors"
	"fmt"
)

// SchemaStatus is the outcome of comparing the database's migration version
// against the version this binary was built for.
type SchemaStatus struct {
	CurrentVersion  uint
	RequiredVersion uint
	Dirty           bool
	Compatible      bool
	NeedsMigration  bool
}

// CheckSchema reads golang-migrate's schema_migrations table and classifies
// the database. A fresh database, with no table or no row, is reported as
// needing migration rather than as an error.
func CheckSchema(db *sql.DB) (*SchemaStatus, error) {
	s := &SchemaStatus{RequiredVersion: RequiredSchemaVersion}

	var version uint
	var dirty bool
	if err := db.QueryRow("SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&version, &dirty); err != nil {
		s.NeedsMigration = true
		return s, nil
	}

	s.CurrentVersion = version
	s.Dirty = dirty
	switch {
	case dirty:
	case version == RequiredSchemaVersion:
		s.Compatible = true
	case version < RequiredSchemaVersion:
		s.NeedsMigration = true
	}
	return s, nil
}

// Err converts an incompatible status into an error carrying the operator
// guidance; nil when the schema is compatible.
func (s *SchemaStatus) Err() error {
	if s.Compatible {
		return nil
	}
	return errors.New(FormatError(s))
}

// FormatError renders operator guidance for an incompatible status.
func FormatError(s *SchemaStatus) string {
	switch {
	case s.Dirty:
		return fmt.Sprintf(
			"Database schema is in a dirty state (version %d), a migration failed partway.\n\n"+
				"  Fix:  ./parley migrate force %d\n"+
				"  Then: ./parley migrate up\n",
			s.CurrentVersion, s.CurrentVersion-1,
		)
	case s.CurrentVersion > s.RequiredVersion:
		return fmt.Sprintf(
			"Database schema (v%d) is newer than this binary (requires v%d).\n\n"+
				"  Fix: upgrade your parley binary.\n",
			s.CurrentVersion, s.RequiredVersion,
		)
	default:
		return fmt.Sprintf(
			"Database schema is outdated: current v%d, required v%d.\n\n"+
				"  Run: ./parley migrate up\n",
			s.CurrentVersion, s.RequiredVersion,
		)
	}
}
