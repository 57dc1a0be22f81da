package db_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/veiloq/savekit/config"
	"github.com/veiloq/savekit/db"
	"github.com/veiloq/savekit/dialect"
)

func TestTestDatabaseName(t *testing.T) {
	tests := []struct {
		name     string
		alias    string
		d        dialect.Dialect
		cfg      config.DatabaseConfig
		workerID string
		want     string
	}{
		{"postgres url", "default", dialect.Postgres{}, config.DatabaseConfig{DSN: "postgres://u:p@h:5432/app?sslmode=disable"}, "", "test_app"},
		{"postgres worker postfix", "default", dialect.Postgres{}, config.DatabaseConfig{DSN: "postgres://u:p@h:5432/app"}, "gw1", "test_appgw1"},
		{"embedded server uses alias", "Reports", dialect.Postgres{}, config.DatabaseConfig{}, "", "test_reports"},
		{"sqlite memory uses alias", "default", dialect.SQLite{}, config.DatabaseConfig{DSN: ":memory:"}, "gw1", "test_default"},
		{"sqlite file drops extension", "default", dialect.SQLite{}, config.DatabaseConfig{DSN: "/var/data/app.db"}, "", "test_app"},
		{"explicit name", "default", dialect.Postgres{}, config.DatabaseConfig{TestName: "custom"}, "gw1", "custom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, db.TestDatabaseName(tt.alias, tt.d, tt.cfg, tt.workerID))
		})
	}

	long := db.TestDatabaseName("default", dialect.Postgres{}, config.DatabaseConfig{DSN: "postgres://h/" + strings.Repeat("x", 80)}, "")
	assert.Len(t, long, 63)
}

func TestPrepareSQLiteMemory(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := config.DatabaseConfig{Vendor: "sqlite", DSN: ":memory:"}

	tdb, drop, err := db.PrepareTestDatabase(context.Background(), "default", dialect.SQLite{}, cfg, cfg.DSN,
		db.PrepareOptions{ReuseDB: true}, logger)
	require.NoError(t, err)
	assert.False(t, tdb.Reused, "memory databases are never reused")
	assert.Equal(t, "file:test_default?mode=memory&cache=shared", tdb.DSN)
	require.NotNil(t, drop)
	assert.NoError(t, drop())
}

func TestPrepareSQLiteFileReuse(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()
	dir := t.TempDir()
	cfg := config.DatabaseConfig{Vendor: "sqlite", DSN: filepath.Join(dir, "app.db")}
	testPath := filepath.Join(dir, "test_app.db")

	tdb, drop, err := db.PrepareTestDatabase(ctx, "default", dialect.SQLite{}, cfg, cfg.DSN, db.PrepareOptions{}, logger)
	require.NoError(t, err)
	assert.Equal(t, testPath, tdb.DSN)
	assert.False(t, tdb.Reused)

	require.NoError(t, os.WriteFile(testPath, nil, 0o644))
	assert.True(t, db.DatabaseExists(ctx, dialect.SQLite{}, tdb.DSN, logger))

	require.NoError(t, drop())
	assert.NoFileExists(t, testPath)
	assert.False(t, db.DatabaseExists(ctx, dialect.SQLite{}, tdb.DSN, logger))

	// A leftover file is reused with --reuse-db.
	require.NoError(t, os.WriteFile(testPath, []byte("keep"), 0o644))
	tdb, drop, err = db.PrepareTestDatabase(ctx, "default", dialect.SQLite{}, cfg, cfg.DSN, db.PrepareOptions{ReuseDB: true}, logger)
	require.NoError(t, err)
	assert.True(t, tdb.Reused)
	assert.Nil(t, drop)
	assert.FileExists(t, testPath)

	// --create-db wins over --reuse-db and clobbers it.
	tdb, drop, err = db.PrepareTestDatabase(ctx, "default", dialect.SQLite{}, cfg, cfg.DSN, db.PrepareOptions{ReuseDB: true, CreateDB: true}, logger)
	require.NoError(t, err)
	assert.False(t, tdb.Reused)
	assert.NoFileExists(t, testPath)

	// Reuse mode keeps the database for the next run.
	require.NoError(t, os.WriteFile(testPath, nil, 0o644))
	require.NoError(t, drop())
	assert.FileExists(t, testPath)
}

func TestGenerateUniqueDBName(t *testing.T) {
	a, err := db.GenerateUniqueDBName("Run-")
	require.NoError(t, err)
	b, err := db.GenerateUniqueDBName("Run-")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "run_"))
	assert.Len(t, a, len("run_")+16)
}
