package savekit_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veiloq/savekit"
	"github.com/veiloq/savekit/config"
	"github.com/veiloq/savekit/connection"
	"github.com/veiloq/savekit/goose"
	"github.com/veiloq/savekit/migration"
	"github.com/veiloq/savekit/outbox"
	"github.com/veiloq/savekit/suite"
	"github.com/veiloq/savekit/testcase"
)

// memoryDB is an in-memory sqlite database whose name is unique to the test.
func memoryDB(t *testing.T, alias string) config.Option {
	name := "test_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "_" + alias
	return config.WithDatabase(alias, config.DatabaseConfig{Vendor: "sqlite", DSN: ":memory:", TestName: name})
}

// itemsTable creates the table the tests write to.
var itemsTable = migration.Func(func(ctx context.Context, target migration.Target, _ *zap.Logger) error {
	_, err := target.DB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS items (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	return err
})

const countItems = `SELECT COUNT(*) FROM items`

func count(t *testing.T, row interface{ Scan(dest ...any) error }) int {
	t.Helper()
	var n int
	require.NoError(t, row.Scan(&n))
	return n
}

func outboxMessage() outbox.Message {
	return outbox.Message{To: []string{"ops@example.com"}, Subject: "order shipped"}
}

func TestNewSavekitOrdersAliases(t *testing.T) {
	ctx := context.Background()
	k, err := savekit.NewSavekit(ctx, t, config.Config{},
		memoryDB(t, config.DefaultAlias),
		memoryDB(t, "replica"),
		memoryDB(t, "archive"),
	)
	require.NoError(t, err)

	var got []string
	for _, conn := range k.Connections() {
		got = append(got, conn.Alias())
	}
	assert.Equal(t, []string{"default", "archive", "replica"}, got)
	assert.NotNil(t, k.DB())
	assert.Contains(t, k.ConnectionString(), "mode=memory")
	assert.Nil(t, k.Conn("missing"))
	require.Len(t, k.Databases(), 3)
	assert.False(t, k.Databases()[0].Reused)
}

func TestNewSavekitRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
		opts []config.Option
	}{
		{name: "no databases", cfg: config.Config{}},
		{
			name: "no default alias",
			cfg:  config.Config{},
			opts: []config.Option{config.WithDatabase("other", config.DatabaseConfig{Vendor: "sqlite"})},
		},
		{
			name: "unknown vendor",
			cfg:  config.Config{},
			opts: []config.Option{config.WithDatabase("default", config.DatabaseConfig{Vendor: "oracle"})},
		},
		{
			name: "embedded server without credentials",
			cfg:  config.Config{},
			opts: []config.Option{config.WithDatabase("default", config.DatabaseConfig{Vendor: "postgres"})},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := savekit.NewSavekit(context.Background(), t, tt.cfg, tt.opts...)
			var setupErr *savekit.DatabaseSetupError
			require.ErrorAs(t, err, &setupErr)
			assert.Equal(t, savekit.StageConfig, setupErr.Stage)
		})
	}
}

func TestMigrateRunsOnEveryDatabase(t *testing.T) {
	ctx := context.Background()
	var targets []string
	var hooked []string
	migrator := migration.Func(func(ctx context.Context, target migration.Target, logger *zap.Logger) error {
		targets = append(targets, target.Alias+"/"+target.Vendor)
		return itemsTable(ctx, target, logger)
	})

	k, err := savekit.NewSavekit(ctx, t, config.Config{},
		memoryDB(t, config.DefaultAlias),
		memoryDB(t, "other"),
		config.WithMigrator(migrator),
		config.WithMigrate(),
		config.WithBeforeMigrationHook(func(_ context.Context, target migration.Target, _ *zap.Logger) error {
			hooked = append(hooked, target.Alias)
			return nil
		}),
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"default/sqlite", "other/sqlite"}, targets)
	assert.Equal(t, []string{"default", "other"}, hooked)
	assert.Equal(t, 0, count(t, k.DB().QueryRowContext(ctx, countItems)))
}

func TestMigrateIsSkippedWithoutFlag(t *testing.T) {
	ctx := context.Background()
	calls := 0
	k, err := savekit.NewSavekit(ctx, t, config.Config{},
		memoryDB(t, config.DefaultAlias),
		config.WithMigrator(migration.Func(func(context.Context, migration.Target, *zap.Logger) error {
			calls++
			return nil
		})),
	)
	require.NoError(t, err)
	assert.Zero(t, calls)

	require.NoError(t, k.Migrate(ctx, 2))
	assert.Equal(t, 1, calls)
}

func TestMigrationFailureIsASetupError(t *testing.T) {
	boom := errors.New("boom")
	_, err := savekit.NewSavekit(context.Background(), t, config.Config{},
		memoryDB(t, config.DefaultAlias),
		config.WithMigrate(),
		config.WithMigrator(migration.Func(func(context.Context, migration.Target, *zap.Logger) error {
			return boom
		})),
	)
	var setupErr *savekit.DatabaseSetupError
	require.ErrorAs(t, err, &setupErr)
	assert.Equal(t, savekit.StageMigrate, setupErr.Stage)
	assert.Equal(t, config.DefaultAlias, setupErr.Alias)
	assert.ErrorIs(t, err, boom)
}

func TestAfterConnectionHookFailureCleansUp(t *testing.T) {
	dir := t.TempDir()
	var opened *connection.Connection
	_, err := savekit.NewSavekit(context.Background(), t, config.Config{},
		config.WithDatabase(config.DefaultAlias, config.DatabaseConfig{Vendor: "sqlite", DSN: filepath.Join(dir, "app.db")}),
		config.WithAfterConnectionHook(func(ctx context.Context, conn *connection.Connection, _ *zap.Logger) error {
			opened = conn
			_, err := conn.DB().ExecContext(ctx, `CREATE TABLE t (id INTEGER)`)
			require.NoError(t, err)
			return errors.New("refused")
		}),
	)
	var setupErr *savekit.DatabaseSetupError
	require.ErrorAs(t, err, &setupErr)
	assert.Equal(t, savekit.StageHook, setupErr.Stage)
	require.NotNil(t, opened)
	assert.Error(t, opened.DB().Ping(), "the connection is closed")
	assert.NoFileExists(t, filepath.Join(dir, "test_app.db"), "the test database is dropped")
}

func TestFileDatabaseLifecycle(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dsn := filepath.Join(dir, "app.db")
	testFile := filepath.Join(dir, "test_app.db")
	dbOpt := config.WithDatabase(config.DefaultAlias, config.DatabaseConfig{Vendor: "sqlite", DSN: dsn})

	k, err := savekit.NewSavekit(ctx, t, config.Config{}, dbOpt, config.WithMigrator(itemsTable), config.WithMigrate())
	require.NoError(t, err)
	assert.Equal(t, testFile, k.ConnectionString())
	assert.FileExists(t, testFile)
	require.NoError(t, k.Cleanup())
	assert.NoFileExists(t, testFile)

	k, err = savekit.NewSavekit(ctx, t, config.Config{}, dbOpt, config.WithMigrator(itemsTable), config.WithMigrate(), config.WithKeepDatabase())
	require.NoError(t, err)
	_, err = k.DB().ExecContext(ctx, `INSERT INTO items (name) VALUES ('kept')`)
	require.NoError(t, err)
	require.NoError(t, k.Cleanup())
	assert.FileExists(t, testFile)

	k, err = savekit.NewSavekit(ctx, t, config.Config{}, dbOpt, config.WithReuseDB())
	require.NoError(t, err)
	assert.True(t, k.Databases()[0].Reused)
	assert.Equal(t, 1, count(t, k.DB().QueryRowContext(ctx, countItems)), "a reused database keeps its rows")
	require.NoError(t, k.Cleanup())
	assert.FileExists(t, testFile, "reused databases are kept")

	k, err = savekit.NewSavekit(ctx, t, config.Config{}, dbOpt, config.WithReuseDB(), config.WithCreateDB(),
		config.WithMigrator(itemsTable), config.WithMigrate())
	require.NoError(t, err)
	assert.False(t, k.Databases()[0].Reused)
	assert.Equal(t, 0, count(t, k.DB().QueryRowContext(ctx, countItems)), "create-db recreates the database")
	require.NoError(t, k.Cleanup())
}

type ordersTests struct {
	testcase.TransactionTestCase
	conn *connection.Connection
}

func (o *ordersTests) TestCommit(ctx context.Context, t *testing.T) {
	_, err := o.conn.ExecContext(ctx, `INSERT INTO items (name) VALUES ('committed')`)
	require.NoError(t, err)
	require.NoError(t, o.conn.Commit(ctx))
}

func TestRunIsolatesTests(t *testing.T) {
	ctx := context.Background()
	k, err := savekit.NewSavekit(ctx, t, config.Config{},
		memoryDB(t, config.DefaultAlias),
		config.WithMigrator(itemsTable),
		config.WithMigrate(),
	)
	require.NoError(t, err)
	conn := k.Conn(config.DefaultAlias)

	var seen []int
	var ran []string
	insert := func(ctx context.Context, t *testing.T) {
		_, err := conn.ExecContext(ctx, `INSERT INTO items (name) VALUES ('x')`)
		require.NoError(t, err)
		seen = append(seen, count(t, conn.QueryRowContext(ctx, countItems)))
	}
	k.Run(ctx, t, &suite.Session{Modules: []suite.Module{
		{Name: "orders", Classes: []any{&ordersTests{conn: conn}}},
		{Name: "plain", Funcs: []suite.Func{
			{Name: "first", Fn: func(ctx context.Context, t *testing.T) { ran = append(ran, "first"); insert(ctx, t) }},
			{Name: "second", Fn: func(ctx context.Context, t *testing.T) { ran = append(ran, "second"); insert(ctx, t) }},
		}},
	}})

	assert.Equal(t, []int{1, 1}, seen, "every test starts from the migrated schema")
	assert.Equal(t, []string{"first", "second"}, ran)
	assert.Equal(t, 1, count(t, k.DB().QueryRowContext(ctx, countItems)),
		"the last transactional test's commit outlives the session")
	assert.Equal(t, 1.0, testutil.ToFloat64(k.Metrics().ItemsDeferred))
	assert.False(t, conn.InAtomicBlock())
}

var sqliteMigrations = fstest.MapFS{
	"00001_items.sql": {Data: []byte(`-- +goose Up
CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL);

-- +goose Down
DROP TABLE items;
`)},
}

func TestReusedDatabaseKeepsGooseVersionsAcrossRestore(t *testing.T) {
	ctx := context.Background()
	opts := []config.Option{
		config.WithDatabase(config.DefaultAlias, config.DatabaseConfig{
			Vendor: "sqlite", DSN: filepath.Join(t.TempDir(), "shop.db"),
		}),
		config.WithReuseDB(),
		goose.WithGoose(sqliteMigrations),
		config.WithMigrate(),
	}
	const maxVersion = `SELECT MAX(version_id) FROM goose_db_version`

	k, err := savekit.NewSavekit(ctx, t, config.Config{}, opts...)
	require.NoError(t, err)
	conn := k.Conn(config.DefaultAlias)
	k.Run(ctx, t, &suite.Session{Modules: []suite.Module{
		{Name: "orders", Classes: []any{&ordersTests{conn: conn}}},
		{Name: "invoices", Classes: []any{&ordersTests{conn: conn}}},
	}})
	assert.Equal(t, 1.0, testutil.ToFloat64(k.Metrics().DatabaseFlushes.WithLabelValues(config.DefaultAlias)))
	assert.Equal(t, 1, count(t, k.DB().QueryRowContext(ctx, maxVersion)), "the restore flush keeps the version table")
	require.NoError(t, k.Cleanup())

	k, err = savekit.NewSavekit(ctx, t, config.Config{}, opts...)
	require.NoError(t, err, "migrating a reused database finds its applied versions")
	assert.True(t, k.Databases()[0].Reused)
	assert.Equal(t, 1, count(t, k.DB().QueryRowContext(ctx, maxVersion)))
	assert.Equal(t, 1, count(t, k.DB().QueryRowContext(ctx, countItems)), "only the last commit survives the restore")
	require.NoError(t, k.Cleanup())
}

func TestRunSkipsTransactionalTests(t *testing.T) {
	ctx := context.Background()
	k, err := savekit.NewSavekit(ctx, t, config.Config{},
		memoryDB(t, config.DefaultAlias),
		config.WithMigrator(itemsTable),
		config.WithMigrate(),
		config.WithSkipTransactional(),
	)
	require.NoError(t, err)
	conn := k.Conn(config.DefaultAlias)

	k.Run(ctx, t, &suite.Session{Modules: []suite.Module{
		{Name: "orders", Classes: []any{&ordersTests{conn: conn}}},
	}})
	assert.Equal(t, 0, count(t, k.DB().QueryRowContext(ctx, countItems)), "the committing test never ran")
}

func TestStartLiveServer(t *testing.T) {
	ctx := context.Background()
	k, err := savekit.NewSavekit(ctx, t, config.Config{},
		memoryDB(t, config.DefaultAlias),
		config.WithMigrator(itemsTable),
		config.WithMigrate(),
		config.WithLiveServerAddr("127.0.0.1:0"),
	)
	require.NoError(t, err)
	conn := k.Conn(config.DefaultAlias)

	srv, err := k.StartLiveServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n int
		if err := conn.QueryRowContext(r.Context(), `SELECT COUNT(*) FROM items`).Scan(&n); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, strconv.Itoa(n))
	}))
	require.NoError(t, err)
	assert.NotZero(t, srv.Port())

	resp, err := http.Get(srv.URL() + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "0", string(body))
}

func TestOutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	k, err := savekit.NewSavekit(ctx, t, config.Config{}, memoryDB(t, config.DefaultAlias))
	require.NoError(t, err)

	_, err = k.Outbox().Send(ctx, outboxMessage())
	require.NoError(t, err)
	assert.Equal(t, 1, k.Outbox().Len())

	k.TeardownTestEnvironment()
	assert.Zero(t, k.Outbox().Len())

	require.NoError(t, k.Cleanup())
	require.NoError(t, k.Cleanup(), "cleanup runs once")
}

func TestNewSavekitFromArgs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "savekit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
skip_trans: true
databases:
  default:
    vendor: sqlite
    dsn: ":memory:"
    test_name: test_from_args
`), 0o644))

	k, err := savekit.NewSavekitFromArgs(context.Background(), t,
		[]string{"--settings", path, "--migrate", "--verbosity=1"},
		config.WithMigrator(itemsTable),
	)
	require.NoError(t, err)

	cfg := k.Config()
	assert.True(t, cfg.Migrate)
	assert.True(t, cfg.SkipTransactional)
	assert.Equal(t, 1, cfg.Verbosity)
	assert.Equal(t, "test_from_args", k.Databases()[0].Name)
	assert.Equal(t, 0, count(t, k.DB().QueryRowContext(context.Background(), countItems)))
}

func TestNewSavekitFromArgsBadSettings(t *testing.T) {
	_, err := savekit.NewSavekitFromArgs(context.Background(), t,
		[]string{"--settings", filepath.Join(t.TempDir(), "missing.yaml")})
	var setupErr *savekit.DatabaseSetupError
	require.ErrorAs(t, err, &setupErr)
	assert.Equal(t, savekit.StageConfig, setupErr.Stage)
}
