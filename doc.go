/*
Package savekit runs database-backed test suites with savepoint isolation.

NewSavekit prepares one test database per configured alias (an in-memory or
file sqlite database, a postgres database on a configured server, or one on
an embedded PostgreSQL server), connects to it and optionally migrates it.
Kit.Run then runs a suite.Session inside one ambient transaction per
connection: every module, class and test that touches the database gets its
own savepoint, rolled back when it ends, and the ambient transaction is
rolled back when the session finishes. Tests that embed
testcase.TransactionTestCase run last, with real commits, and the databases
are emptied after them.

Example Usage (within a test function):

	func TestOrders(t *testing.T) {
		ctx := context.Background()
		k, err := savekit.NewSavekit(ctx, t, config.DefaultConfig(),
			config.WithMigrate(),
			goose.WithGoose(os.DirFS("migrations")),
		)
		if err != nil {
			t.Fatalf("Failed to initialize savekit: %v", err)
		}
		// k.Cleanup() is automatically called via t.Cleanup()

		conn := k.Conn(config.DefaultAlias)
		k.Run(ctx, t, &suite.Session{Modules: []suite.Module{{
			Name: "orders",
			Funcs: []suite.Func{
				{Name: "create", Fn: func(ctx context.Context, t *testing.T) {
					_, err := conn.ExecContext(ctx, `INSERT INTO orders (id) VALUES (1)`)
					require.NoError(t, err)
				}},
				{Name: "empty", Fn: func(ctx context.Context, t *testing.T) {
					// The insert above was rolled back.
				}},
			},
		}}})
	}
*/
package savekit
