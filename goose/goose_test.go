package goose_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	_ "github.com/mattn/go-sqlite3"

	"github.com/veiloq/savekit/config"
	"github.com/veiloq/savekit/goose"
	"github.com/veiloq/savekit/migration"
)

var migrations = fstest.MapFS{
	"00001_items.sql": {Data: []byte(`-- +goose Up
CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL);

-- +goose Down
DROP TABLE items;
`)},
	"00002_seed.sql": {Data: []byte(`-- +goose Up
INSERT INTO items (name) VALUES ('seed');

-- +goose Down
DELETE FROM items;
`)},
}

func openTarget(t *testing.T) migration.Target {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return migration.Target{Alias: "default", Vendor: "sqlite3", DSN: dsn, DB: db}
}

func TestApplyIsIncremental(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()
	target := openTarget(t)
	m := goose.New(migrations)

	require.NoError(t, m.Apply(ctx, target, logger))
	var n int
	require.NoError(t, target.DB.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&n))
	assert.Equal(t, 1, n)

	// A reused database only gets what is new.
	require.NoError(t, m.Apply(ctx, target, logger))
	require.NoError(t, target.DB.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestApplyErrors(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	err := goose.New(migrations).Apply(ctx, migration.Target{Alias: "x", Vendor: "sqlite"}, logger)
	assert.ErrorContains(t, err, "no database handle")

	target := openTarget(t)
	target.Vendor = "oracle"
	assert.ErrorContains(t, goose.New(migrations).Apply(ctx, target, logger), "unsupported database vendor")

	broken := fstest.MapFS{"00001_bad.sql": {Data: []byte("-- +goose Up\nCREATE TABLE;\n")}}
	assert.Error(t, goose.New(broken).Apply(ctx, openTarget(t), logger))
}

func TestWithGoose(t *testing.T) {
	base := config.DefaultConfig()
	settings, _ := config.ApplyOptions(&base, goose.WithGoose(migrations))
	assert.IsType(t, &goose.Migrator{}, settings.Migrator())
	assert.Equal(t, []string{"goose_db_version"}, migration.KeepTables(settings.Migrator()))
	assert.Nil(t, migration.KeepTables(&migration.NoOpMigrator{}))
}
