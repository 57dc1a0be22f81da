// Package dialect selects the per-backend SQL a savekit connection needs:
// savepoint statements, ambient transaction options, table flushing and the
// naming rules for test databases. A Dialect is chosen once from the
// configured vendor and never patched afterwards.
package dialect

import (
	"database/sql"
	"fmt"
	"strings"
)

// Vendor tags understood by ForVendor.
const (
	VendorPostgres = "postgresql"
	VendorSQLite   = "sqlite"
)

// Dialect is the strategy a connection uses for everything that differs
// between database backends.
type Dialect interface {
	// Vendor returns the vendor tag, e.g. "postgresql".
	Vendor() string
	// DriverName is the database/sql driver name used by sql.Open.
	DriverName() string

	SavepointCreateSQL(id string) string
	SavepointCommitSQL(id string) string
	SavepointRollbackSQL(id string) string

	// AmbientTxOptions returns the options the session-wide transaction is
	// opened with. Backends whose default mode breaks savepoints force one here.
	AmbientTxOptions() *sql.TxOptions

	QuoteIdent(name string) string
	// ListTablesSQL returns a query yielding one table name per row.
	ListTablesSQL() string
	// FlushSQL returns the statements that empty the given tables.
	FlushSQL(tables []string) []string

	// SupportsReuse reports whether a test database at dsn can survive
	// between runs.
	SupportsReuse(dsn string) bool
	// TestDSN derives the DSN of the test database called name from the
	// configured base DSN.
	TestDSN(base, name string) (string, error)
}

// ForVendor returns the dialect registered for vendor.
func ForVendor(vendor string) (Dialect, error) {
	switch strings.ToLower(vendor) {
	case VendorPostgres, "postgres", "pgx":
		return Postgres{}, nil
	case VendorSQLite, "sqlite3":
		return SQLite{}, nil
	default:
		return nil, fmt.Errorf("unsupported database vendor %q", vendor)
	}
}

// savepointSQL renders the three standard savepoint statements. Both shipped
// backends accept the SQL-standard keywords, so they share it.
type savepointSQL struct {
	quote func(string) string
}

func (s savepointSQL) create(id string) string   { return "SAVEPOINT " + s.quote(id) }
func (s savepointSQL) commit(id string) string   { return "RELEASE SAVEPOINT " + s.quote(id) }
func (s savepointSQL) rollback(id string) string { return "ROLLBACK TO SAVEPOINT " + s.quote(id) }
