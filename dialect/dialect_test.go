package dialect_test

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veiloq/savekit/dialect"
)

func TestForVendor(t *testing.T) {
	tests := []struct {
		vendor string
		want   string
	}{
		{"postgresql", dialect.VendorPostgres},
		{"postgres", dialect.VendorPostgres},
		{"PGX", dialect.VendorPostgres},
		{"sqlite", dialect.VendorSQLite},
		{"sqlite3", dialect.VendorSQLite},
	}
	for _, tt := range tests {
		t.Run(tt.vendor, func(t *testing.T) {
			d, err := dialect.ForVendor(tt.vendor)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Vendor())
		})
	}

	_, err := dialect.ForVendor("oracle")
	assert.Error(t, err)
}

func TestSavepointSQL(t *testing.T) {
	for _, d := range []dialect.Dialect{dialect.Postgres{}, dialect.SQLite{}} {
		t.Run(d.Vendor(), func(t *testing.T) {
			assert.Equal(t, `SAVEPOINT "savekit_1"`, d.SavepointCreateSQL("savekit_1"))
			assert.Equal(t, `RELEASE SAVEPOINT "savekit_1"`, d.SavepointCommitSQL("savekit_1"))
			assert.Equal(t, `ROLLBACK TO SAVEPOINT "savekit_1"`, d.SavepointRollbackSQL("savekit_1"))
		})
	}
}

func TestAmbientTxOptions(t *testing.T) {
	assert.Nil(t, dialect.Postgres{}.AmbientTxOptions())
	opts := dialect.SQLite{}.AmbientTxOptions()
	require.NotNil(t, opts)
	assert.Equal(t, sql.LevelSerializable, opts.Isolation)
}

func TestFlushSQL(t *testing.T) {
	assert.Equal(t,
		[]string{`TRUNCATE TABLE "users", "orders" RESTART IDENTITY CASCADE`},
		dialect.Postgres{}.FlushSQL([]string{"users", "orders"}))
	assert.Nil(t, dialect.Postgres{}.FlushSQL(nil))

	assert.Equal(t,
		[]string{`DELETE FROM "users"`, `DELETE FROM "we""ird"`},
		dialect.SQLite{}.FlushSQL([]string{"users", `we"ird`}))
}

func TestSupportsReuse(t *testing.T) {
	assert.True(t, dialect.Postgres{}.SupportsReuse("postgres://localhost/app"))
	assert.False(t, dialect.SQLite{}.SupportsReuse(":memory:"))
	assert.False(t, dialect.SQLite{}.SupportsReuse(""))
	assert.False(t, dialect.SQLite{}.SupportsReuse("file:x?mode=memory&cache=shared"))
	assert.True(t, dialect.SQLite{}.SupportsReuse("/tmp/app.db"))
}

func TestTestDSN(t *testing.T) {
	tests := []struct {
		name string
		d    dialect.Dialect
		base string
		want string
	}{
		{"pg url", dialect.Postgres{}, "postgres://u:p@localhost:5432/postgres?sslmode=disable", "postgres://u:p@localhost:5432/test_app?sslmode=disable"},
		{"pg keyword", dialect.Postgres{}, "host=localhost dbname=postgres user=u", "host=localhost dbname=test_app user=u"},
		{"pg keyword without dbname", dialect.Postgres{}, "host=localhost user=u", "host=localhost user=u dbname=test_app"},
		{"sqlite memory", dialect.SQLite{}, ":memory:", "file:test_app?mode=memory&cache=shared"},
		{"sqlite file", dialect.SQLite{}, "/var/data/app.db", "/var/data/test_app.db"},
		{"sqlite file uri", dialect.SQLite{}, "file:/var/data/app?_fk=1", "/var/data/test_app.sqlite3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.d.TestDSN(tt.base, "test_app")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := dialect.Postgres{}.TestDSN("", "test_app")
	assert.Error(t, err)
}
