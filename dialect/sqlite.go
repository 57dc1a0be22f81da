package dialect

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" database/sql driver
)

// SQLite is the SQLite dialect (github.com/mattn/go-sqlite3).
type SQLite struct{}

var liteSavepoints = savepointSQL{quote: SQLite{}.QuoteIdent}

func (SQLite) Vendor() string     { return VendorSQLite }
func (SQLite) DriverName() string { return "sqlite3" }

func (SQLite) SavepointCreateSQL(id string) string   { return liteSavepoints.create(id) }
func (SQLite) SavepointCommitSQL(id string) string   { return liteSavepoints.commit(id) }
func (SQLite) SavepointRollbackSQL(id string) string { return liteSavepoints.rollback(id) }

// AmbientTxOptions forces serializable isolation. Savepoints only nest
// correctly once an explicit transaction is open; an implicit, per-statement
// transaction would release them on every statement.
func (SQLite) AmbientTxOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelSerializable}
}

func (SQLite) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (SQLite) ListTablesSQL() string {
	return `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
}

func (s SQLite) FlushSQL(tables []string) []string {
	stmts := make([]string, 0, len(tables))
	for _, t := range tables {
		stmts = append(stmts, "DELETE FROM "+s.QuoteIdent(t))
	}
	return stmts
}

// SupportsReuse is false for in-memory databases: they are created implicitly
// on first connect, so there is never anything left to reuse.
func (SQLite) SupportsReuse(dsn string) bool {
	return !isMemoryDSN(dsn)
}

// TestDSN keeps in-memory databases in memory, shared between the pool's
// connections, and places file databases next to the configured file.
func (SQLite) TestDSN(base, name string) (string, error) {
	if isMemoryDSN(base) {
		return fmt.Sprintf("file:%s?mode=memory&cache=shared", name), nil
	}
	path := strings.TrimPrefix(base, "file:")
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	ext := filepath.Ext(path)
	if ext == "" {
		ext = ".sqlite3"
	}
	return filepath.Join(filepath.Dir(path), name+ext), nil
}

func isMemoryDSN(dsn string) bool {
	return dsn == "" || dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}
