package savekit

import (
	"context"
	"database/sql"
	"net/http"
	"testing"

	"github.com/veiloq/savekit/connection"
	"github.com/veiloq/savekit/liveserver"
	"github.com/veiloq/savekit/outbox"
	"github.com/veiloq/savekit/suite"
)

// Kit is a set of prepared test databases plus everything needed to run a
// suite session against them with savepoint isolation.
type Kit interface {
	// Conn returns the connection for alias, or nil.
	Conn(alias string) *connection.Connection
	// Connections returns every connection, the default alias first.
	Connections() []*connection.Connection
	// DB returns the pool of the default database. Statements on it bypass
	// savepoint isolation.
	DB() *sql.DB
	// ConnectionString returns the DSN of the default test database.
	ConnectionString() string
	// Outbox returns the captured outbound messages.
	Outbox() *outbox.Outbox
	// Run runs s as subtests of t, each test isolated by savepoints.
	Run(ctx context.Context, t *testing.T, s *suite.Session, plugins ...suite.Plugin)
	// StartLiveServer serves h on the configured live server address until cleanup.
	StartLiveServer(h http.Handler) (*liveserver.Server, error)
	// Migrate applies the configured migrator to every test database.
	Migrate(ctx context.Context, verbosity int) error
	// Cleanup closes connections, drops test databases and stops the server.
	// It runs once; t.Cleanup calls it when NewSavekit got a *testing.T.
	Cleanup() error
}
