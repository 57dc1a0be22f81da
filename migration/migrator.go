// Package migration defines how savekit brings a test database schema up to
// date. Migrators for Atlas and goose live in their own packages; NoOpMigrator
// leaves the database empty.
package migration

import (
	"context"
	"database/sql"

	"go.uber.org/zap"
)

// Target is one prepared test database.
type Target struct {
	Alias string
	// Vendor is the dialect vendor tag, "postgresql" or "sqlite".
	Vendor string
	DSN    string
	// DB is a pool on the test database, outside the ambient transaction.
	DB *sql.DB
}

// Migrator applies schema migrations to a test database.
type Migrator interface {
	// Apply migrates target to the desired schema. It runs before the
	// session opens the ambient transaction, so its changes are committed.
	Apply(ctx context.Context, target Target, logger *zap.Logger) error
}

// TableKeeper is implemented by migrators that record applied migrations in
// the test database itself. The restore flush between tests leaves those
// tables alone.
type TableKeeper interface {
	KeepTables() []string
}

// KeepTables returns the bookkeeping tables of m, or nil when m keeps none.
func KeepTables(m Migrator) []string {
	if tk, ok := m.(TableKeeper); ok {
		return tk.KeepTables()
	}
	return nil
}

// NoOpMigrator is the default Migrator; it does nothing.
type NoOpMigrator struct{}

// Apply logs that migrations are skipped and returns nil.
func (m *NoOpMigrator) Apply(ctx context.Context, target Target, logger *zap.Logger) error {
	logger.Debug("Migration skipped (NoOpMigrator).", zap.String("alias", target.Alias))
	return nil
}

// Func adapts a function to the Migrator interface.
type Func func(ctx context.Context, target Target, logger *zap.Logger) error

// Apply calls f.
func (f Func) Apply(ctx context.Context, target Target, logger *zap.Logger) error {
	return f(ctx, target, logger)
}
