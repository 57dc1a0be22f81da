// Package goose applies goose SQL migrations to savekit test databases.
//
// Unlike the Atlas migrator, goose records applied versions in the test
// database itself, so running it against a reused database only applies
// what is new.
package goose

import (
	"context"
	"fmt"
	"io/fs"
	"os"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/veiloq/savekit/config"
	"github.com/veiloq/savekit/dialect"
	"github.com/veiloq/savekit/migration"
)

// Migrator implements migration.Migrator with a goose provider per Apply.
type Migrator struct {
	fsys fs.FS
}

var (
	_ migration.Migrator    = (*Migrator)(nil)
	_ migration.TableKeeper = (*Migrator)(nil)
)

// New returns a migrator reading migration files from the root of fsys.
func New(fsys fs.FS) *Migrator {
	return &Migrator{fsys: fsys}
}

// NewFromDir returns a migrator reading migration files from dir.
func NewFromDir(dir string) *Migrator {
	return New(os.DirFS(dir))
}

// WithGoose selects the goose migrator for the migrations in fsys.
func WithGoose(fsys fs.FS) config.Option {
	return config.WithMigrator(New(fsys))
}

// KeepTables returns the goose version table.
func (m *Migrator) KeepTables() []string {
	return []string{goose.DefaultTablename}
}

// Apply runs every pending migration against target.
func (m *Migrator) Apply(ctx context.Context, target migration.Target, logger *zap.Logger) error {
	if target.DB == nil {
		return fmt.Errorf("goose: target %q has no database handle", target.Alias)
	}
	gooseDialect, err := dialectFor(target.Vendor)
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("migrator", "goose"), zap.String("alias", target.Alias))

	provider, err := goose.NewProvider(gooseDialect, target.DB, m.fsys)
	if err != nil {
		return fmt.Errorf("failed to create goose provider for %q: %w", target.Alias, err)
	}

	results, err := provider.Up(ctx)
	for _, r := range results {
		logMigration(logger, r)
	}
	if err != nil {
		return fmt.Errorf("failed to apply goose migrations to %q: %w", target.Alias, err)
	}
	if len(results) == 0 {
		logger.Info("No pending goose migrations to apply.")
		return nil
	}

	version, err := provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to read goose version of %q: %w", target.Alias, err)
	}
	logger.Info("Successfully applied goose migrations", zap.Int("applied", len(results)), zap.Int64("version", version))
	return nil
}

func logMigration(logger *zap.Logger, r *goose.MigrationResult) {
	fields := []zap.Field{zap.Duration("duration", r.Duration)}
	if r.Source != nil {
		fields = append(fields, zap.String("file", r.Source.Path), zap.Int64("version", r.Source.Version))
	}
	if r.Error != nil {
		logger.Error("Goose migration failed", append(fields, zap.Error(r.Error))...)
		return
	}
	if r.Empty {
		logger.Debug("Applied empty goose migration", fields...)
		return
	}
	logger.Info("Applied goose migration", fields...)
}

func dialectFor(vendor string) (goose.Dialect, error) {
	d, err := dialect.ForVendor(vendor)
	if err != nil {
		return "", err
	}
	if d.Vendor() == dialect.VendorPostgres {
		return goose.DialectPostgres, nil
	}
	return goose.DialectSQLite3, nil
}
