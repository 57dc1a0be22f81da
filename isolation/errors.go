package isolation

import "fmt"

// SavepointCreationError means the driver refused to create a savepoint,
// usually because the connection is already broken. It is never retried.
type SavepointCreationError struct {
	Alias string
	Node  string
	Err   error
}

func (e *SavepointCreationError) Error() string {
	return fmt.Sprintf("failed to create savepoint for %s on %q: %v", e.Node, e.Alias, e.Err)
}
func (e *SavepointCreationError) Unwrap() error { return e.Err }

// SavepointRollbackError means a savepoint could not be rolled back at node
// teardown. The engine recovers by resetting the ambient transaction; the
// error only reaches the caller when that fails too.
type SavepointRollbackError struct {
	Alias     string
	Node      string
	Savepoint string
	Err       error
}

func (e *SavepointRollbackError) Error() string {
	return fmt.Sprintf("failed to roll back savepoint %s of %s on %q: %v", e.Savepoint, e.Node, e.Alias, e.Err)
}
func (e *SavepointRollbackError) Unwrap() error { return e.Err }
