package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RequiredSchemaVersion is the migration version this binary reads.
const RequiredSchemaVersion uint = 1

// SchemaStatus compares the mirror's migration state with RequiredSchemaVersion.
type SchemaStatus struct {
	CurrentVersion  uint `json:"current_version"`
	RequiredVersion uint `json:"required_version"`
	Dirty           bool `json:"dirty"`
	Compatible      bool `json:"compatible"`
	NeedsMigration  bool `json:"needs_migration"`
}

var (
	ErrSchemaOutdated = errors.New("native store mirror schema is outdated")
	ErrSchemaDirty    = errors.New("native store mirror schema is dirty (failed migration)")
	ErrSchemaAhead    = errors.New("native store mirror schema is newer than this binary")
)

// CheckSchema reads schema_migrations. A missing table or row is reported as
// needing migration.
func CheckSchema(ctx context.Context, db *sql.DB) (*SchemaStatus, error) {
	var (
		version int64
		dirty   bool
	)
	err := db.QueryRowContext(ctx, "SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&version, &dirty)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return classifySchema(0, false, false), nil
	}
	return classifySchema(uint(version), dirty, true), nil
}

func classifySchema(version uint, dirty, present bool) *SchemaStatus {
	s := &SchemaStatus{
		CurrentVersion:  version,
		RequiredVersion: RequiredSchemaVersion,
		Dirty:           dirty,
	}
	switch {
	case dirty:
	case !present || version < RequiredSchemaVersion:
		s.NeedsMigration = true
	case version == RequiredSchemaVersion:
		s.Compatible = true
	}
	return s
}

// Err returns nil for a compatible schema, else one of the ErrSchema*
// errors wrapped with operator instructions.
func (s *SchemaStatus) Err() error {
	switch {
	case s.Compatible:
		return nil
	case s.Dirty:
		return fmt.Errorf("%w: version %d; fix it with `imbridge migrate force %d` then `imbridge migrate up`",
			ErrSchemaDirty, s.CurrentVersion, s.CurrentVersion-1)
	case s.CurrentVersion > s.RequiredVersion:
		return fmt.Errorf("%w: mirror is v%d, binary reads v%d; upgrade imbridge",
			ErrSchemaAhead, s.CurrentVersion, s.RequiredVersion)
	default:
		return fmt.Errorf("%w: mirror is v%d, binary reads v%d; run `imbridge migrate up`",
			ErrSchemaOutdated, s.CurrentVersion, s.RequiredVersion)
	}
}
