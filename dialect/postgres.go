package dialect

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

// Postgres is the PostgreSQL dialect, driven through pgx's database/sql driver.
type Postgres struct{}

var pgSavepoints = savepointSQL{quote: Postgres{}.QuoteIdent}

func (Postgres) Vendor() string     { return VendorPostgres }
func (Postgres) DriverName() string { return "pgx" }

func (Postgres) SavepointCreateSQL(id string) string   { return pgSavepoints.create(id) }
func (Postgres) SavepointCommitSQL(id string) string   { return pgSavepoints.commit(id) }
func (Postgres) SavepointRollbackSQL(id string) string { return pgSavepoints.rollback(id) }

// AmbientTxOptions keeps the server default (read committed), which supports
// savepoints natively.
func (Postgres) AmbientTxOptions() *sql.TxOptions { return nil }

func (Postgres) QuoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func (Postgres) ListTablesSQL() string {
	return `SELECT tablename FROM pg_catalog.pg_tables WHERE schemaname = current_schema() ORDER BY tablename`
}

// FlushSQL truncates every table in one statement so foreign keys between
// them do not matter.
func (p Postgres) FlushSQL(tables []string) []string {
	if len(tables) == 0 {
		return nil
	}
	quoted := make([]string, len(tables))
	for i, t := range tables {
		quoted[i] = p.QuoteIdent(t)
	}
	return []string{fmt.Sprintf("TRUNCATE TABLE %s RESTART IDENTITY CASCADE", strings.Join(quoted, ", "))}
}

func (Postgres) SupportsReuse(string) bool { return true }

// TestDSN points the base DSN (URL or keyword/value form) at database name.
func (Postgres) TestDSN(base, name string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("postgres base dsn is empty")
	}
	if strings.HasPrefix(base, "postgres://") || strings.HasPrefix(base, "postgresql://") {
		u, err := url.Parse(base)
		if err != nil {
			return "", fmt.Errorf("failed to parse postgres dsn: %w", err)
		}
		u.Path = "/" + name
		return u.String(), nil
	}
	// keyword/value form
	fields := strings.Fields(base)
	replaced := false
	for i, f := range fields {
		if strings.HasPrefix(f, "dbname=") {
			fields[i] = "dbname=" + name
			replaced = true
		}
	}
	if !replaced {
		fields = append(fields, "dbname="+name)
	}
	return strings.Join(fields, " "), nil
}
