package config

import (
	"context"
	"maps"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/veiloq/savekit/connection"
	"github.com/veiloq/savekit/migration"
)

// Settings holds configuration applied via functional options.
type Settings struct {
	atlasHCLPath        string
	migrator            migration.Migrator
	keepDatabase        bool
	reuseDB             bool
	createDB            bool
	migrate             bool
	skipTransactional   bool
	verbosity           *int
	workerID            string
	databases           map[string]DatabaseConfig
	liveServerAddr      string
	dsnParams           map[string]string
	startupParams       map[string]string
	zapOptions          []zap.Option
	zapTestLevel        *zap.AtomicLevel
	registerer          prometheus.Registerer
	beforeMigrationHook func(ctx context.Context, target migration.Target, logger *zap.Logger) error
	afterConnectionHook func(ctx context.Context, conn *connection.Connection, logger *zap.Logger) error

	// useSharedServer makes postgres databases without a DSN use a server
	// started elsewhere (usually in TestMain) instead of a dedicated one.
	// Startup parameters are ignored in that case.
	useSharedServer bool
	dsn             string
	sharedConfig    ServerConfig
}

// --- Getters ---

func (sts *Settings) AtlasHCLPath() string {
	return sts.atlasHCLPath
}

func (sts *Settings) Migrator() migration.Migrator {
	return sts.migrator
}

func (sts *Settings) BeforeMigrationHook() func(ctx context.Context, target migration.Target, logger *zap.Logger) error {
	return sts.beforeMigrationHook
}

func (sts *Settings) AfterConnectionHook() func(ctx context.Context, conn *connection.Connection, logger *zap.Logger) error {
	return sts.afterConnectionHook
}

// WorkerID is the parallel worker id set with WithWorkerID, or "".
func (sts *Settings) WorkerID() string {
	return sts.workerID
}

func (sts *Settings) ZapTestLevel() *zap.AtomicLevel {
	return sts.zapTestLevel
}

func (sts *Settings) ZapOptions() []zap.Option {
	return sts.zapOptions
}

// Registerer is where savekit registers its metrics. Nil means a private registry.
func (sts *Settings) Registerer() prometheus.Registerer {
	return sts.registerer
}

func (sts *Settings) UseSharedServer() bool {
	return sts.useSharedServer
}

func (sts *Settings) DSN() string {
	return sts.dsn
}

func (sts *Settings) SharedConfig() ServerConfig {
	return sts.sharedConfig
}

// --- Setters ---

func (sts *Settings) SetMigrator(m migration.Migrator) {
	sts.migrator = m
}

// Option configures a savekit instance.
type Option func(*Settings)

// WithAtlasHCLPath specifies the path to the atlas.hcl configuration file.
func WithAtlasHCLPath(path string) Option {
	return func(sts *Settings) { sts.atlasHCLPath = path }
}

// WithMigrator sets the migrator run by Migrate.
func WithMigrator(m migration.Migrator) Option {
	return func(sts *Settings) { sts.migrator = m }
}

// WithKeepDatabase prevents the test databases from being dropped during cleanup.
func WithKeepDatabase() Option {
	return func(sts *Settings) { sts.keepDatabase = true }
}

// WithReuseDB keeps test databases between runs and reuses them when they exist.
func WithReuseDB() Option {
	return func(sts *Settings) { sts.reuseDB = true }
}

// WithCreateDB forces test databases to be recreated, even with WithReuseDB.
func WithCreateDB() Option {
	return func(sts *Settings) { sts.createDB = true }
}

// WithMigrate runs the migrator on every test database before the session starts.
func WithMigrate() Option {
	return func(sts *Settings) { sts.migrate = true }
}

// WithSkipTransactional leaves transactional tests out of the run.
func WithSkipTransactional() Option {
	return func(sts *Settings) { sts.skipTransactional = true }
}

// WithVerbosity sets the verbosity passed to the migrator (0 to 3).
func WithVerbosity(v int) Option {
	return func(sts *Settings) { sts.verbosity = &v }
}

// WithWorkerID suffixes postgres test database names so parallel test
// processes do not share a database.
func WithWorkerID(id string) Option {
	return func(sts *Settings) { sts.workerID = id }
}

// WithDatabase adds or replaces the database under alias.
func WithDatabase(alias string, db DatabaseConfig) Option {
	return func(sts *Settings) {
		if sts.databases == nil {
			sts.databases = make(map[string]DatabaseConfig)
		}
		sts.databases[alias] = db
	}
}

// WithLiveServerAddr sets the "host:ports" the live server may listen on.
func WithLiveServerAddr(addr string) Option {
	return func(sts *Settings) { sts.liveServerAddr = addr }
}

// WithMetricsRegisterer registers savekit's counters on reg.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(sts *Settings) { sts.registerer = reg }
}

// WithZapOptions provides additional options for the zap logger.
func WithZapOptions(zapsts ...zap.Option) Option {
	return func(sts *Settings) { sts.zapOptions = append(sts.zapOptions, zapsts...) }
}

// WithZapTestLevel sets the minimum log level specifically for the zaptest logger.
func WithZapTestLevel(level zapcore.Level) Option {
	return func(sts *Settings) {
		atomicLevel := zap.NewAtomicLevelAt(level)
		sts.zapTestLevel = &atomicLevel
	}
}

// WithDSNParams provides additional parameters appended to the embedded server DSN.
func WithDSNParams(params map[string]string) Option {
	return func(sts *Settings) {
		if sts.dsnParams == nil {
			sts.dsnParams = make(map[string]string)
		}
		maps.Copy(sts.dsnParams, params)
	}
}

// WithStartupParams provides additional parameters for the embedded server.
func WithStartupParams(params map[string]string) Option {
	return func(sts *Settings) {
		if sts.startupParams == nil {
			sts.startupParams = make(map[string]string)
		}
		maps.Copy(sts.startupParams, params)
	}
}

// WithBeforeMigrationHook registers a function to run before migrations are applied.
func WithBeforeMigrationHook(hook func(ctx context.Context, target migration.Target, logger *zap.Logger) error) Option {
	return func(sts *Settings) { sts.beforeMigrationHook = hook }
}

// WithAfterConnectionHook registers a function to run after every connection is opened.
func WithAfterConnectionHook(hook func(ctx context.Context, conn *connection.Connection, logger *zap.Logger) error) Option {
	return func(sts *Settings) { sts.afterConnectionHook = hook }
}

// WithSharedServer makes postgres databases without a DSN use a server
// that is already running. dsn is its admin DSN, cfg the configuration it
// was started with.
func WithSharedServer(dsn string, cfg ServerConfig) Option {
	return func(sts *Settings) {
		sts.useSharedServer = true
		sts.dsn = dsn
		sts.sharedConfig = cfg
	}
}

// ApplyOptions processes functional options and merges them into a copy of
// initialConfig. Boolean switches are enabled by either side; options win
// for everything else.
func ApplyOptions(initialConfig *Config, options ...Option) (*Settings, Config) {
	settings := &Settings{
		atlasHCLPath:  "atlas.hcl",
		migrator:      &migration.NoOpMigrator{},
		dsnParams:     make(map[string]string),
		startupParams: make(map[string]string),
		zapOptions:    make([]zap.Option, 0),
	}
	for _, opt := range options {
		opt(settings)
	}

	finalConfig := *initialConfig

	finalConfig.Databases = maps.Clone(initialConfig.Databases)
	if finalConfig.Databases == nil {
		finalConfig.Databases = make(map[string]DatabaseConfig)
	}
	maps.Copy(finalConfig.Databases, settings.databases)

	mergedDSNParams := maps.Clone(finalConfig.Server.DSNParams)
	if mergedDSNParams == nil {
		mergedDSNParams = make(map[string]string)
	}
	maps.Copy(mergedDSNParams, settings.dsnParams)
	finalConfig.Server.DSNParams = mergedDSNParams

	mergedStartupParams := maps.Clone(finalConfig.Server.StartupParams)
	if mergedStartupParams == nil {
		mergedStartupParams = make(map[string]string)
	}
	maps.Copy(mergedStartupParams, settings.startupParams)
	finalConfig.Server.StartupParams = mergedStartupParams

	finalConfig.KeepDatabase = finalConfig.KeepDatabase || settings.keepDatabase
	finalConfig.ReuseDB = finalConfig.ReuseDB || settings.reuseDB
	finalConfig.CreateDB = finalConfig.CreateDB || settings.createDB
	finalConfig.Migrate = finalConfig.Migrate || settings.migrate
	finalConfig.SkipTransactional = finalConfig.SkipTransactional || settings.skipTransactional
	if settings.verbosity != nil {
		finalConfig.Verbosity = *settings.verbosity
	}
	if settings.workerID != "" {
		finalConfig.WorkerID = settings.workerID
	}
	if settings.liveServerAddr != "" {
		finalConfig.LiveServerAddr = settings.liveServerAddr
	}

	return settings, finalConfig
}
