package session_test

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
	"github.com/veiloq/savekit/session"
	"github.com/veiloq/savekit/suite"
)

// db is an in-memory sqlite database with an "items" table, committed
// before any session starts.
type db struct {
	conn   *connection.Connection
	logger *zap.Logger
}

func openDB(t *testing.T, alias string) *db {
	t.Helper()
	logger := zaptest.NewLogger(t)
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "_" + alias
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)

	conn, err := connection.Open(context.Background(), alias, dialect.SQLite{}, dsn, logger)
	require.NoError(t, err)
	closeConn := connection.CloseFunc(&conn, logger)
	t.Cleanup(func() { _ = closeConn() })

	_, err = conn.ExecContext(context.Background(), `CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, err)
	return &db{conn: conn, logger: logger}
}

func (d *db) insert(ctx context.Context, t *testing.T, name string) {
	t.Helper()
	_, err := d.conn.ExecContext(ctx, `INSERT INTO items (name) VALUES (?)`, name)
	require.NoError(t, err)
}

func (d *db) count(ctx context.Context, t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, d.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&n))
	return n
}

func (d *db) names(ctx context.Context, t *testing.T) []string {
	t.Helper()
	rows, err := d.conn.QueryContext(ctx, `SELECT name FROM items ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		require.NoError(t, rows.Scan(&n))
		out = append(out, n)
	}
	require.NoError(t, rows.Err())
	return out
}

// run runs s under a controller on d and returns the controller and its metrics.
func run(t *testing.T, d *db, s *suite.Session, opts ...session.Option) (*session.Controller, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(nil)
	ctrl := session.New([]*connection.Connection{d.conn}, d.logger, append(opts, session.WithMetrics(m))...)
	suite.NewRunner(d.logger, ctrl).Run(context.Background(), t, s)
	return ctrl, m
}

// order records the names of the tests in the order they ran.
type order struct{ names []string }

func (o *order) add(name string) { o.names = append(o.names, name) }
