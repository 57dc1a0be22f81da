// Package connection wraps the database handles savekit hands to tests.
//
// Every configured database gets one Connection: a database/sql pool plus one
// pinned *sql.Conn. During a test session the pinned connection holds the
// ambient transaction, and every statement issued through the Connection runs
// inside it, after the statement hook has had the chance to create pending
// savepoints.
package connection

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/veiloq/savekit/dialect"
	"github.com/veiloq/savekit/internal/cleanup"
	"go.uber.org/zap"
)

// Open connects to dsn with the dialect's driver, pings it and pins one
// connection from the pool for the session. The pool itself stays usable for
// work that must happen outside the ambient transaction (migrations, flush
// probes). If any step fails, resources opened so far are closed.
func Open(ctx context.Context, alias string, d dialect.Dialect, dsn string, logger *zap.Logger) (*Connection, error) {
	dbName := DatabaseName(dsn)
	logger = logger.With(zap.String("alias", alias), zap.String("database", dbName))

	logger.Debug("Opening database pool", zap.String("driver", d.DriverName()))
	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection to database %q (alias %q): %w", dbName, alias, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err = db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database %q (alias %q): %w", dbName, alias, err)
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to pin session connection for alias %q: %w", alias, err)
	}
	logger.Debug("Pinned session connection")

	return &Connection{
		alias:   alias,
		dialect: d,
		dsn:     dsn,
		db:      db,
		conn:    conn,
		logger:  logger,
	}, nil
}

// CloseFunc returns a cleanup function that closes the connection pointed to
// by connPtr, ignoring a disabled close, and nils the pointer on success.
func CloseFunc(connPtr **Connection, logger *zap.Logger) cleanup.Func {
	return func() error {
		c := *connPtr
		if c == nil {
			logger.Debug("Connection already closed or never opened.")
			return nil
		}
		if err := c.forceClose(); err != nil {
			logger.Error("Error closing connection", zap.String("alias", c.alias), zap.Error(err))
			return fmt.Errorf("error closing connection %q: %w", c.alias, err)
		}
		logger.Debug("Closed connection", zap.String("alias", c.alias))
		*connPtr = nil
		return nil
	}
}

// DatabaseName extracts the database name from a DSN for log messages.
// It understands postgres URLs ("postgres://u:p@h:1/name?x=y"), keyword/value
// DSNs ("host=h dbname=name") and sqlite paths or URIs. Returns "unknown"
// when nothing sensible can be found.
func DatabaseName(dsn string) string {
	if dsn == "" {
		return "unknown"
	}
	if !strings.Contains(dsn, "://") {
		for _, f := range strings.Fields(dsn) {
			if name, ok := strings.CutPrefix(f, "dbname="); ok {
				return name
			}
		}
	}

	s := strings.TrimPrefix(dsn, "file:")
	if i := strings.Index(s, "?"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	if s == "" {
		return "unknown"
	}
	return s
}
