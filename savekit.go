package savekit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/veiloq/savekit/config"
	"github.com/veiloq/savekit/connection"
	"github.com/veiloq/savekit/db"
	"github.com/veiloq/savekit/dialect"
	"github.com/veiloq/savekit/internal/cleanup"
	"github.com/veiloq/savekit/internal/logger"
	"github.com/veiloq/savekit/internal/metrics"
	"github.com/veiloq/savekit/liveserver"
	"github.com/veiloq/savekit/migration"
	"github.com/veiloq/savekit/outbox"
	"github.com/veiloq/savekit/session"
	"github.com/veiloq/savekit/suite"
)

const defaultRuntimeBasePath = ".savekit" // Base directory for embedded server runtime data

// Savekit holds the test databases of one run and their connections.
type Savekit struct {
	config   config.Config // Final, merged config
	settings *config.Settings
	logger   *zap.Logger
	cleanup  *cleanup.Manager
	metrics  *metrics.Metrics
	outbox   *outbox.Outbox

	embeddedDB *embeddedpostgres.EmbeddedPostgres
	serverCfg  config.ServerConfig
	adminDSN   string // Admin DSN of the embedded or shared server, if any

	mu        sync.Mutex
	envReady  bool
	databases []*db.TestDatabase
	conns     []*connection.Connection
	byAlias   map[string]*connection.Connection
}

var _ Kit = (*Savekit)(nil)

// NewSavekit prepares the configured test databases, connects to them and,
// when migrations are enabled, migrates them.
//
// Postgres databases without a DSN live on an embedded server: a shared one
// set with config.WithSharedServer, or a dedicated one started here.
// If t is provided, logging goes through zaptest and Cleanup is registered
// with t.Cleanup; otherwise the caller must call Cleanup.
// Every failure is returned as a *DatabaseSetupError.
func NewSavekit(ctx context.Context, t *testing.T, initialConfig config.Config, opts ...config.Option) (_ *Savekit, err error) {
	settings, finalConfig := config.ApplyOptions(&initialConfig, opts...)
	if err := finalConfig.Validate(); err != nil {
		return nil, setupError(StageConfig, "", err)
	}

	tempLogger, _, err := logger.InitLogger(t, settings)
	if err != nil {
		return nil, setupError(StageLogger, "", err)
	}

	sk := &Savekit{
		config:   finalConfig,
		settings: settings,
		logger:   tempLogger,
		cleanup:  cleanup.NewManager(tempLogger),
		metrics:  metrics.New(settings.Registerer()),
		outbox:   outbox.New(tempLogger),
		byAlias:  make(map[string]*connection.Connection),
	}

	defer func() {
		if err != nil {
			if cleanupErr := sk.Cleanup(); cleanupErr != nil {
				sk.logger.Error("Error during cleanup after setup failure", zap.Error(cleanupErr))
			}
		}
	}()

	sk.SetupTestEnvironment()
	if err = sk.SetupDatabases(ctx); err != nil {
		return nil, err
	}
	if sk.config.Migrate {
		if err = sk.Migrate(ctx, sk.config.Verbosity); err != nil {
			return nil, err
		}
	}

	if t != nil {
		t.Cleanup(func() {
			sk.logger.Debug("Running automatic cleanup via t.Cleanup()...")
			if cleanupErr := sk.Cleanup(); cleanupErr != nil {
				t.Errorf("Error during automatic savekit cleanup: %v", cleanupErr)
			}
		})
	} else {
		sk.logger.Warn("t *testing.T was nil; caller MUST call Cleanup() manually (e.g., using defer)")
	}

	sk.logger.Info("savekit initialization successful", zap.Int("databases", len(sk.databases)))
	return sk, nil
}

// NewSavekitFromArgs reads the savekit flags from args (typically what
// follows "go test -args") and the settings file named by --settings or
// $SAVEKIT_SETTINGS, then calls NewSavekit. opts are applied after the flags.
func NewSavekitFromArgs(ctx context.Context, t *testing.T, args []string, opts ...config.Option) (*Savekit, error) {
	flags, err := config.ParseArgs(args)
	if err != nil {
		return nil, setupError(StageConfig, "", err)
	}
	cfg, err := config.Load(flags.SettingsPath())
	if err != nil {
		return nil, setupError(StageConfig, "", err)
	}
	return NewSavekit(ctx, t, cfg, append(flags.Options(), opts...)...)
}

// SetupTestEnvironment routes outbound messages to the outbox.
func (sk *Savekit) SetupTestEnvironment() {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	sk.outbox.Reset()
	sk.envReady = true
	sk.logger.Debug("Test environment set up")
}

// TeardownTestEnvironment discards captured messages and marks the
// environment as torn down.
func (sk *Savekit) TeardownTestEnvironment() {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	if !sk.envReady {
		return
	}
	sk.outbox.Reset()
	sk.envReady = false
	sk.logger.Debug("Test environment torn down")
}

// SetupDatabases starts or joins the embedded server when needed, then
// prepares and connects every test database, the default alias first.
// It may be called once.
func (sk *Savekit) SetupDatabases(ctx context.Context) error {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	if len(sk.conns) > 0 {
		return setupError(StageDatabase, "", errors.New("databases already set up"))
	}

	if sk.config.NeedsServer() {
		if err := sk.setupServer(ctx); err != nil {
			return err
		}
	}

	for _, alias := range aliases(sk.config.Databases) {
		if err := sk.setupDatabase(ctx, alias, sk.config.Databases[alias]); err != nil {
			return err
		}
	}
	return nil
}

func (sk *Savekit) setupServer(ctx context.Context) error {
	if sk.settings.UseSharedServer() {
		sk.logger.Info("Using shared PostgreSQL server instance.")
		sk.serverCfg = sk.settings.SharedConfig()
		sk.serverCfg.DSNParams = sk.config.Server.DSNParams
		sk.adminDSN = sk.settings.DSN()
		if sk.adminDSN == "" {
			return setupError(StageServer, "", errors.New("dsn cannot be empty when using WithSharedServer"))
		}
		sk.logger.Debug("Configured to use shared server",
			zap.String("host", sk.serverCfg.Host),
			zap.Uint32("port", sk.serverCfg.Port),
		)
		return nil
	}

	sk.logger.Info("Starting dedicated PostgreSQL server instance.")
	sk.serverCfg = sk.config.Server
	if err := db.AssignRandomPort(&sk.serverCfg, sk.logger); err != nil {
		return setupError(StageServer, "", err)
	}

	runtimeDirName, err := db.GenerateUniqueDBName("runtime_")
	if err != nil {
		return setupError(StageServer, "", err)
	}
	if err := os.MkdirAll(defaultRuntimeBasePath, 0o750); err != nil {
		return setupError(StageServer, "", fmt.Errorf("failed to create base runtime directory %q: %w", defaultRuntimeBasePath, err))
	}
	workDir, err := filepath.Abs(filepath.Join(defaultRuntimeBasePath, runtimeDirName))
	if err != nil {
		return setupError(StageServer, "", fmt.Errorf("failed to get absolute path for runtime directory: %w", err))
	}
	sk.logger.Debug("Using unique working directory for dedicated instance", zap.String("path", workDir))

	sk.embeddedDB, err = db.StartServer(ctx, sk.serverCfg, workDir, sk.logger)
	if err != nil {
		_ = os.RemoveAll(workDir)
		return setupError(StageServer, "", err)
	}
	// Registered before the server stop so it runs after it.
	sk.cleanup.Add("remove runtime dir", func() error {
		sk.logger.Debug("Cleaning up dedicated server runtime directory", zap.String("path", workDir))
		if err := os.RemoveAll(workDir); err != nil {
			return fmt.Errorf("failed to remove runtime dir %q: %w", workDir, err)
		}
		return nil
	})
	sk.cleanup.Add("stop embedded server", db.StopEmbeddedServer(&sk.embeddedDB, sk.logger))

	sk.adminDSN = sk.serverCfg.DSN()
	sk.logger.Debug("Dedicated server started",
		zap.String("host", sk.serverCfg.Host),
		zap.Uint32("port", sk.serverCfg.Port),
	)
	return nil
}

func (sk *Savekit) setupDatabase(ctx context.Context, alias string, cfg config.DatabaseConfig) error {
	d, err := dialect.ForVendor(cfg.Vendor)
	if err != nil {
		return setupError(StageConfig, alias, err)
	}

	baseDSN := cfg.DSN
	if baseDSN == "" && d.Vendor() == dialect.VendorPostgres {
		baseDSN = sk.adminDSN
	}

	tdb, drop, err := db.PrepareTestDatabase(ctx, alias, d, cfg, baseDSN, db.PrepareOptions{
		ReuseDB:      sk.config.ReuseDB,
		CreateDB:     sk.config.CreateDB,
		KeepDatabase: sk.config.KeepDatabase,
		WorkerID:     sk.config.WorkerID,
	}, sk.logger)
	if err != nil {
		return setupError(StageDatabase, alias, err)
	}
	sk.cleanup.Add("drop database "+alias, drop)
	sk.databases = append(sk.databases, tdb)

	conn, err := connection.Open(ctx, alias, d, tdb.DSN, sk.logger)
	if err != nil {
		return setupError(StageConnect, alias, err)
	}
	sk.cleanup.Add("close connection "+alias, connection.CloseFunc(&conn, sk.logger))
	sk.conns = append(sk.conns, conn)
	sk.byAlias[alias] = conn

	if hook := sk.settings.AfterConnectionHook(); hook != nil {
		sk.logger.Debug("Running afterConnectionHook...", zap.String("alias", alias))
		if err := hook(ctx, conn, sk.logger); err != nil {
			return setupError(StageHook, alias, fmt.Errorf("afterConnectionHook failed: %w", err))
		}
	}

	sk.logger.Info("Test database ready",
		zap.String("alias", alias),
		zap.String("database", tdb.Name),
		zap.Bool("reused", tdb.Reused),
	)
	return nil
}

// Migrate runs the configured migrator on every test database. verbosity
// (0 to 3) sets the level the migrator logs at: 0 only warnings, 1 info,
// 2 and up everything.
func (sk *Savekit) Migrate(ctx context.Context, verbosity int) error {
	sk.mu.Lock()
	conns := append([]*connection.Connection(nil), sk.conns...)
	sk.mu.Unlock()

	migLogger := sk.logger.WithOptions(zap.IncreaseLevel(migrationLevel(verbosity)))
	for _, conn := range conns {
		target := migration.Target{
			Alias:  conn.Alias(),
			Vendor: conn.Vendor(),
			DSN:    conn.DSN(),
			DB:     conn.DB(),
		}
		if hook := sk.settings.BeforeMigrationHook(); hook != nil {
			sk.logger.Debug("Running beforeMigrationHook...", zap.String("alias", target.Alias))
			if err := hook(ctx, target, sk.logger); err != nil {
				return setupError(StageHook, target.Alias, fmt.Errorf("beforeMigrationHook failed: %w", err))
			}
		}
		start := time.Now()
		if err := sk.settings.Migrator().Apply(ctx, target, migLogger); err != nil {
			return setupError(StageMigrate, target.Alias, err)
		}
		sk.logger.Debug("Migrations applied", zap.String("alias", target.Alias), zap.Duration("took", time.Since(start)))
	}
	return nil
}

func migrationLevel(verbosity int) zapcore.Level {
	switch {
	case verbosity <= 0:
		return zapcore.WarnLevel
	case verbosity == 1:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// Run runs s as subtests of t under a session controller on every
// connection. plugins run after the controller.
func (sk *Savekit) Run(ctx context.Context, t *testing.T, s *suite.Session, plugins ...suite.Plugin) {
	t.Helper()
	ctrl := session.New(sk.Connections(), sk.logger,
		session.WithSkipTransactional(sk.config.SkipTransactional),
		session.WithOutbox(sk.outbox),
		session.WithMetrics(sk.metrics),
		session.WithKeepTables(migration.KeepTables(sk.settings.Migrator())...),
	)
	all := append([]suite.Plugin{ctrl}, plugins...)
	suite.NewRunner(sk.logger, all...).Run(ctx, t, s)
}

// StartLiveServer serves h on the configured live server address. The
// server is stopped by Cleanup.
func (sk *Savekit) StartLiveServer(h http.Handler) (*liveserver.Server, error) {
	srv, err := liveserver.Start(sk.config.LiveServerAddr, h, sk.logger)
	if err != nil {
		return nil, err
	}
	sk.cleanup.Add("stop live server", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Stop(ctx)
	})
	return srv, nil
}

// Conn returns the connection for alias, or nil.
func (sk *Savekit) Conn(alias string) *connection.Connection {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	return sk.byAlias[alias]
}

// Connections returns every connection, the default alias first.
func (sk *Savekit) Connections() []*connection.Connection {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	return append([]*connection.Connection(nil), sk.conns...)
}

// Databases returns the prepared test databases, the default alias first.
func (sk *Savekit) Databases() []*db.TestDatabase {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	return append([]*db.TestDatabase(nil), sk.databases...)
}

// DB returns the connection pool of the default test database.
func (sk *Savekit) DB() *sql.DB {
	if conn := sk.Conn(config.DefaultAlias); conn != nil {
		return conn.DB()
	}
	return nil
}

// ConnectionString returns the DSN of the default test database.
func (sk *Savekit) ConnectionString() string {
	if conn := sk.Conn(config.DefaultAlias); conn != nil {
		return conn.DSN()
	}
	return ""
}

// Outbox returns the captured outbound messages.
func (sk *Savekit) Outbox() *outbox.Outbox { return sk.outbox }

// Metrics returns the counters of this kit.
func (sk *Savekit) Metrics() *metrics.Metrics { return sk.metrics }

// Config returns the final, merged configuration.
func (sk *Savekit) Config() config.Config { return sk.config }

// Cleanup tears the test environment down and runs every registered cleanup
// in reverse order: connections close, test databases are dropped, the
// dedicated server stops. It runs once and returns the first error.
func (sk *Savekit) Cleanup() error {
	sk.TeardownTestEnvironment()
	return sk.cleanup.Execute()
}

// aliases returns the database aliases sorted, the default alias first.
func aliases(dbs map[string]config.DatabaseConfig) []string {
	out := make([]string, 0, len(dbs))
	for alias := range dbs {
		out = append(out, alias)
	}
	sort.Slice(out, func(i, j int) bool {
		if (out[i] == config.DefaultAlias) != (out[j] == config.DefaultAlias) {
			return out[i] == config.DefaultAlias
		}
		return out[i] < out[j]
	})
	return out
}
