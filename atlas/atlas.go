// Package atlas applies versioned Atlas migrations to savekit test databases.
// The migration directory is read from the "local" env (or the first env) of
// an atlas.hcl file.
package atlas

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ariga.io/atlas/sql/migrate"
	"ariga.io/atlas/sql/postgres"
	"ariga.io/atlas/sql/sqlite"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"go.uber.org/zap"

	"github.com/veiloq/savekit/dialect"
	"github.com/veiloq/savekit/migration"
)

// applyTimeout bounds a whole Apply call.
const applyTimeout = 90 * time.Second

// Migrator implements migration.Migrator with the Atlas executor.
type Migrator struct {
	hclPath string
	logger  *zap.Logger

	once       sync.Once
	initErr    error
	migrateDir migrate.Dir
	dirPath    string
}

var _ migration.Migrator = (*Migrator)(nil)

// NewAtlasMigrator returns a migrator for the atlas.hcl at hclPath. The file
// is read on the first Apply.
func NewAtlasMigrator(hclPath string, logger *zap.Logger) *Migrator {
	return &Migrator{
		hclPath: hclPath,
		logger:  logger.With(zap.String("migrator", "atlas")),
	}
}

// Dir returns the resolved migration directory, initializing the migrator
// if needed. It is empty when atlas.hcl is missing or names no directory.
func (am *Migrator) Dir() (string, error) {
	am.init()
	return am.dirPath, am.initErr
}

// Apply runs every pending migration file against target. A missing
// atlas.hcl or migration directory skips migrations; a broken one is an error.
func (am *Migrator) Apply(ctx context.Context, target migration.Target, logger *zap.Logger) error {
	am.init()
	if am.initErr != nil {
		return am.initErr
	}
	if am.migrateDir == nil {
		logger.Warn("Migrations skipped: Atlas migration directory is missing or could not be resolved.")
		return nil
	}
	if target.DB == nil {
		return fmt.Errorf("atlas: target %q has no database handle", target.Alias)
	}

	logger = logger.With(zap.String("alias", target.Alias), zap.String("source_dir", am.dirPath))
	logger.Info("Applying Atlas migrations...", zap.String("vendor", target.Vendor))

	applyCtx, cancel := context.WithTimeout(ctx, applyTimeout)
	defer cancel()

	drv, err := openDriver(target)
	if err != nil {
		return fmt.Errorf("failed to prepare Atlas driver for %q: %w", target.Alias, err)
	}
	exec, err := migrate.NewExecutor(drv, am.migrateDir, migrate.NopRevisionReadWriter{},
		migrate.WithLogger(&zapMigrateLogger{logger: logger}))
	if err != nil {
		return fmt.Errorf("failed to create atlas executor for %q: %w", target.Alias, err)
	}

	if err := exec.ExecuteN(applyCtx, 0); err != nil {
		if errors.Is(err, migrate.ErrNoPendingFiles) {
			logger.Info("No pending Atlas migrations to apply.")
			return nil
		}
		return fmt.Errorf("failed to apply Atlas migrations to %q from %q: %w", target.Alias, am.dirPath, err)
	}
	logger.Info("Successfully applied Atlas migrations")
	return nil
}

func openDriver(target migration.Target) (migrate.Driver, error) {
	d, err := dialect.ForVendor(target.Vendor)
	if err != nil {
		return nil, err
	}
	switch d.Vendor() {
	case dialect.VendorPostgres:
		return postgres.Open(target.DB)
	default:
		return sqlite.Open(target.DB)
	}
}

func (am *Migrator) init() {
	am.once.Do(func() {
		am.migrateDir, am.dirPath, am.initErr = am.resolveDir()
		switch {
		case am.initErr != nil:
			am.logger.Error("Atlas migrator initialization failed", zap.Error(am.initErr))
		case am.migrateDir == nil:
			am.logger.Info("Atlas migrator has no migration directory.")
		default:
			am.logger.Info("Atlas migrator initialized.", zap.String("migration_dir", am.dirPath))
		}
	})
}

// resolveDir reads atlas.hcl and opens the migration directory it names.
// A missing file is not an error.
func (am *Migrator) resolveDir() (migrate.Dir, string, error) {
	absHCLPath, err := filepath.Abs(am.hclPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to determine absolute path for atlas HCL file %q: %w", am.hclPath, err)
	}
	if _, err := os.Stat(absHCLPath); err != nil {
		if os.IsNotExist(err) {
			am.logger.Info("Atlas HCL file not found.", zap.String("path", absHCLPath))
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("failed to stat atlas HCL file %q: %w", absHCLPath, err)
	}

	var conf atlasConfigHCL
	if err := hclsimple.DecodeFile(absHCLPath, nil, &conf); err != nil {
		return nil, "", fmt.Errorf("failed to decode atlas HCL file %q: %w", absHCLPath, err)
	}
	rel, found := findMigrationDir(&conf, absHCLPath, am.logger)
	if !found {
		return nil, "", nil
	}

	absDir, err := filepath.Abs(filepath.Join(filepath.Dir(absHCLPath), strings.TrimPrefix(rel, "file://")))
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve migration dir %q: %w", rel, err)
	}
	dir, err := migrate.NewLocalDir(absDir)
	if err != nil {
		return nil, absDir, fmt.Errorf("failed to open migration dir %q: %w", absDir, err)
	}
	return dir, absDir, nil
}

// findMigrationDir prefers the "local" env and falls back to the first one.
func findMigrationDir(conf *atlasConfigHCL, hclPath string, logger *zap.Logger) (string, bool) {
	for _, env := range conf.Envs {
		if env.Name == "local" && env.Migration != nil && env.Migration.Dir != "" {
			return env.Migration.Dir, true
		}
	}
	if len(conf.Envs) > 0 && conf.Envs[0].Migration != nil && conf.Envs[0].Migration.Dir != "" {
		first := conf.Envs[0]
		logger.Warn("Atlas 'local' env not found. Falling back to first env.",
			zap.String("hcl_path", hclPath),
			zap.String("fallback_env", first.Name),
			zap.String("dir", first.Migration.Dir))
		return first.Migration.Dir, true
	}
	logger.Warn("No env.migration.dir in atlas config", zap.String("hcl_path", hclPath))
	return "", false
}

type atlasConfigHCL struct {
	Envs []*atlasEnvHCL `hcl:"env,block"`
}

type atlasEnvHCL struct {
	Name      string             `hcl:"name,label"`
	Migration *atlasMigrationHCL `hcl:"migration,block"`
	// URL and dev are accepted so ordinary atlas.hcl files decode.
	URL string `hcl:"url,optional"`
	Dev string `hcl:"dev,optional"`
}

type atlasMigrationHCL struct {
	Dir string `hcl:"dir"`
}

// zapMigrateLogger adapts a *zap.Logger to migrate.Logger.
type zapMigrateLogger struct {
	logger *zap.Logger
}

func (l *zapMigrateLogger) Log(entry migrate.LogEntry) {
	switch e := entry.(type) {
	case migrate.LogExecution:
		l.logger.Info("Atlas migration execution starting",
			zap.String("from_version", e.From),
			zap.String("to_version", e.To),
			zap.Int("num_files", len(e.Files)))
	case migrate.LogFile:
		l.logger.Info("Applying migration file", zap.String("file", e.File.Name()), zap.Int("skip_stmts", e.Skip))
	case migrate.LogStmt:
		l.logger.Debug("Executing statement", zap.String("sql", e.SQL))
	case migrate.LogError:
		l.logger.Error("Atlas migration error", zap.String("sql", e.SQL), zap.Error(e.Error))
	case migrate.LogDone:
		l.logger.Info("Atlas migration execution finished")
	default:
		l.logger.Debug("Atlas log entry", zap.Any("entry", entry))
	}
}
