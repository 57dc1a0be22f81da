package isolation_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/veiloq/savekit/connection"
	"github.com/veiloq/savekit/dialect"
	"github.com/veiloq/savekit/internal/metrics"
	"github.com/veiloq/savekit/isolation"
)

type fixture struct {
	ctx     context.Context
	conn    *connection.Connection
	engine  *isolation.Engine
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// newFixture opens an in-memory sqlite database with an "items" table, starts
// the ambient transaction and wires an engine to it.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	owner := connection.NewOwner(t.Name())
	ctx := connection.WithOwner(context.Background(), owner)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	conn, err := connection.Open(ctx, "default", dialect.SQLite{}, dsn, logger)
	require.NoError(t, err)
	closeConn := connection.CloseFunc(&conn, logger)
	t.Cleanup(func() { _ = closeConn() })

	_, err = conn.ExecContext(ctx, `CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, err)
	require.NoError(t, conn.BeginAmbient(ctx, owner))

	m := metrics.New(nil)
	registry := isolation.NewRegistry(logger, m)
	conn.SetStatementHook(registry.Hook())

	return &fixture{
		ctx:     ctx,
		conn:    conn,
		engine:  isolation.NewEngine(registry, []*connection.Connection{conn}, logger, m),
		metrics: m,
		logger:  logger,
	}
}

func (f *fixture) insert(t *testing.T, name string) {
	t.Helper()
	_, err := f.conn.ExecContext(f.ctx, `INSERT INTO items (name) VALUES (?)`, name)
	require.NoError(t, err)
}

func (f *fixture) count(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, f.conn.QueryRowContext(f.ctx, `SELECT COUNT(*) FROM items`).Scan(&n))
	return n
}
