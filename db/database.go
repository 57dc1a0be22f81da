package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/lib/pq" // registers the "postgres" driver used for admin connections
	"github.com/veiloq/savekit/config"
	"github.com/veiloq/savekit/connection"
	"github.com/veiloq/savekit/dialect"
	"github.com/veiloq/savekit/internal/cleanup"
	"go.uber.org/zap"
)

// TestPrefix starts every derived test database name.
const TestPrefix = "test_"

const maxIdentLen = 63

// PrepareOptions controls how PrepareTestDatabase treats existing databases.
type PrepareOptions struct {
	ReuseDB      bool
	CreateDB     bool
	KeepDatabase bool
	// WorkerID is appended to postgres test database names so parallel
	// workers never share one.
	WorkerID string
}

// TestDatabase is a prepared test database.
type TestDatabase struct {
	Alias   string
	Dialect dialect.Dialect
	Name    string
	DSN     string
	// AdminDSN is the connection used to create and drop a postgres test database.
	AdminDSN string
	// Reused is true when an existing database from a previous run was kept as is.
	Reused bool
}

// TestDatabaseName derives the test database name for alias:
// the configured TestName, or "test_" plus the configured database name
// (the alias when there is none), plus the worker id for postgres.
func TestDatabaseName(alias string, d dialect.Dialect, cfg config.DatabaseConfig, workerID string) string {
	if cfg.TestName != "" {
		return cfg.TestName
	}
	base := connection.DatabaseName(cfg.DSN)
	if cfg.DSN == "" || base == "unknown" || strings.HasPrefix(base, ":memory:") {
		base = alias
	}
	if i := strings.LastIndex(base, "."); i > 0 && d.Vendor() == dialect.VendorSQLite {
		base = base[:i]
	}
	name := TestPrefix + base
	if d.Vendor() != dialect.VendorSQLite {
		name += workerID
	}
	name = strings.ToLower(strings.ReplaceAll(name, "-", "_"))
	if len(name) > maxIdentLen {
		name = name[:maxIdentLen]
	}
	return name
}

// PrepareTestDatabase makes the test database for alias available and
// returns it with the cleanup that removes it again.
//
// With ReuseDB an existing database is kept untouched unless CreateDB is
// also set; in-memory sqlite databases never count as existing. Otherwise
// a leftover database is dropped and a fresh one created. The returned
// cleanup drops the database unless ReuseDB or KeepDatabase is set.
//
// baseDSN is the DSN the test DSN is derived from: the configured DSN, or
// the embedded server's admin DSN.
func PrepareTestDatabase(ctx context.Context, alias string, d dialect.Dialect, cfg config.DatabaseConfig, baseDSN string, opts PrepareOptions, logger *zap.Logger) (*TestDatabase, cleanup.Func, error) {
	name := TestDatabaseName(alias, d, cfg, opts.WorkerID)
	testDSN, err := d.TestDSN(baseDSN, name)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive test dsn for alias %q: %w", alias, err)
	}
	tdb := &TestDatabase{Alias: alias, Dialect: d, Name: name, DSN: testDSN}
	logger = logger.With(zap.String("alias", alias), zap.String("database", name))

	isPostgres := d.Vendor() == dialect.VendorPostgres
	if isPostgres {
		adminDSN, err := adminDSNFor(baseDSN)
		if err != nil {
			return nil, nil, err
		}
		tdb.AdminDSN = adminDSN
	}

	exists := DatabaseExists(ctx, d, testDSN, logger)
	if opts.ReuseDB && !opts.CreateDB && d.SupportsReuse(testDSN) && exists {
		logger.Info("Re-using existing test database")
		tdb.Reused = true
		return tdb, nil, nil
	}

	if exists {
		logger.Info("Destroying old test database")
		if err := dropDatabase(ctx, tdb); err != nil {
			return nil, nil, err
		}
	}
	if isPostgres {
		if err := CreateDatabase(ctx, tdb.AdminDSN, name, logger); err != nil {
			return nil, nil, err
		}
	} else {
		logger.Debug("Test database is created on first connect", zap.String("dsn", testDSN))
	}

	keep := opts.KeepDatabase || opts.ReuseDB
	return tdb, DropTestDatabaseFunc(tdb, keep, logger), nil
}

// DatabaseExists reports whether the database at dsn can be connected to.
// In-memory sqlite databases are created by connecting, so they never exist
// beforehand.
func DatabaseExists(ctx context.Context, d dialect.Dialect, dsn string, logger *zap.Logger) bool {
	switch d.Vendor() {
	case dialect.VendorPostgres:
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		conn, err := pgx.Connect(probeCtx, dsn)
		if err != nil {
			logger.Debug("Test database probe failed", zap.Error(err))
			return false
		}
		_ = conn.Close(probeCtx)
		return true
	default:
		if !d.SupportsReuse(dsn) {
			return false
		}
		_, err := os.Stat(sqlitePath(dsn))
		return err == nil
	}
}

// CreateDatabase connects to adminDSN and creates the database testDBName.
func CreateDatabase(ctx context.Context, adminDSN, testDBName string, logger *zap.Logger) error {
	db, err := openAdmin(ctx, adminDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	quotedTestDBName := pgx.Identifier{testDBName}.Sanitize()
	logger.Debug("Creating test database", zap.String("quoted_name", quotedTestDBName))
	if _, err = db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", quotedTestDBName)); err != nil {
		return fmt.Errorf("failed to execute create database command for %q: %w", testDBName, err)
	}

	logger.Info("Successfully created test database")
	return nil
}

// DropTestDatabaseFunc returns a cleanup function that drops tdb, or only
// logs when keep is set.
func DropTestDatabaseFunc(tdb *TestDatabase, keep bool, logger *zap.Logger) cleanup.Func {
	return func() error {
		if keep {
			logger.Info("Keeping test database.", zap.String("database", tdb.Name))
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := dropDatabase(ctx, tdb); err != nil {
			logger.Error("Cleanup: error dropping test database", zap.String("database", tdb.Name), zap.Error(err))
			return fmt.Errorf("cleanup: %w", err)
		}
		logger.Info("Cleanup: dropped test database", zap.String("database", tdb.Name))
		return nil
	}
}

func dropDatabase(ctx context.Context, tdb *TestDatabase) error {
	if tdb.Dialect.Vendor() != dialect.VendorPostgres {
		if !tdb.Dialect.SupportsReuse(tdb.DSN) {
			return nil
		}
		if err := os.Remove(sqlitePath(tdb.DSN)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("error removing test database %q: %w", tdb.Name, err)
		}
		return nil
	}

	db, err := openAdmin(ctx, tdb.AdminDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	// Open sessions block DROP DATABASE.
	if _, err := db.ExecContext(ctx,
		`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`,
		tdb.Name,
	); err != nil {
		return fmt.Errorf("error terminating connections to %q: %w", tdb.Name, err)
	}
	quoted := pgx.Identifier{tdb.Name}.Sanitize()
	if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s", quoted)); err != nil {
		return fmt.Errorf("error dropping test database %q: %w", tdb.Name, err)
	}
	return nil
}

func openAdmin(ctx context.Context, adminDSN string) (*sql.DB, error) {
	name := connection.DatabaseName(adminDSN)
	db, err := sql.Open("postgres", adminDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection to admin database %q: %w", name, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err = db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping admin database %q: %w", name, err)
	}
	return db, nil
}

// adminDSNFor points baseDSN at the maintenance database "postgres", which
// always exists and is never the test database itself.
func adminDSNFor(baseDSN string) (string, error) {
	adminDSN, err := dialect.Postgres{}.TestDSN(baseDSN, "postgres")
	if err != nil {
		return "", fmt.Errorf("failed to derive admin dsn: %w", err)
	}
	return adminDSN, nil
}

func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	return path
}

// GenerateUniqueDBName returns prefix followed by 16 random hex characters,
// lowercased and cut to the PostgreSQL identifier limit.
func GenerateUniqueDBName(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes for db name: %w", err)
	}
	name := strings.ToLower(prefix + hex.EncodeToString(b))
	name = strings.ReplaceAll(name, "-", "_")
	if len(name) > maxIdentLen {
		name = name[:maxIdentLen]
	}
	return name, nil
}
