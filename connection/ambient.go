package connection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"
)

// Savepoint is a named rollback point inside the ambient transaction.
// Generation records which ambient transaction it was created in.
type Savepoint struct {
	ID         string
	Generation uint64
}

// InAtomicBlock reports whether statements currently run inside a transaction.
func (c *Connection) InAtomicBlock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tx != nil
}

// Generation identifies the current ambient transaction. It changes every
// time the ambient transaction is committed or reset.
func (c *Connection) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Owner returns the owner of the open ambient transaction, or nil.
func (c *Connection) Owner() *Owner {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

// BeginAmbient opens the session-wide transaction on the pinned connection
// and records owner as the only party allowed to move its boundary.
func (c *Connection) BeginAmbient(ctx context.Context, owner *Owner) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.tx != nil {
		return fmt.Errorf("alias %q: %w", c.alias, ErrAmbientActive)
	}
	if err := c.beginLocked(ctx); err != nil {
		return err
	}
	c.owner = owner
	c.logger.Debug("Ambient transaction opened", zap.Stringer("owner", owner), zap.Uint64("generation", c.generation))
	return nil
}

// EndAmbient rolls the ambient transaction back and leaves the connection
// outside any transaction.
func (c *Connection) EndAmbient(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOwnerLocked(ctx); err != nil {
		return err
	}
	err := c.tx.Rollback()
	c.tx = nil
	c.owner = nil
	c.txMethods = false
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to roll back ambient transaction on %q: %w", c.alias, err)
	}
	c.logger.Debug("Ambient transaction rolled back")
	return nil
}

// ResetAmbient rolls the ambient transaction back and opens a new one.
// Every savepoint created so far is gone afterwards.
func (c *Connection) ResetAmbient(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOwnerLocked(ctx); err != nil {
		return err
	}
	if err := c.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		// The transaction is unusable either way; reopen regardless.
		c.logger.Warn("Ambient rollback failed during reset", zap.Error(err))
	}
	c.tx = nil
	return c.beginLocked(ctx)
}

// CommitAmbient commits the ambient transaction and opens a new one.
func (c *Connection) CommitAmbient(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOwnerLocked(ctx); err != nil {
		return err
	}
	return c.commitLocked(ctx)
}

// EnableTransactionMethods switches Commit and Rollback between no-ops
// (the default, for tests isolated by savepoints) and real operations on the
// ambient transaction (for transactional tests).
func (c *Connection) EnableTransactionMethods(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txMethods = enabled
}

// Commit is what code under test calls to commit its work. Inside an
// isolated test it does nothing; inside a transactional test it really
// commits.
func (c *Connection) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.txMethods {
		c.logger.Debug("Commit suppressed by savepoint isolation")
		return nil
	}
	if err := c.checkOwnerLocked(ctx); err != nil {
		return err
	}
	return c.commitLocked(ctx)
}

// Rollback is the counterpart of Commit.
func (c *Connection) Rollback(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.txMethods {
		c.logger.Debug("Rollback suppressed by savepoint isolation")
		return nil
	}
	if err := c.checkOwnerLocked(ctx); err != nil {
		return err
	}
	if err := c.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to roll back transaction on %q: %w", c.alias, err)
	}
	c.tx = nil
	return c.beginLocked(ctx)
}

// SavepointCreate issues a new savepoint inside the ambient transaction.
func (c *Connection) SavepointCreate(ctx context.Context) (Savepoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		return Savepoint{}, fmt.Errorf("alias %q: %w", c.alias, ErrNotInAmbient)
	}
	c.seq++
	sp := Savepoint{ID: fmt.Sprintf("savekit_%d", c.seq), Generation: c.generation}
	if _, err := c.tx.ExecContext(ctx, c.dialect.SavepointCreateSQL(sp.ID)); err != nil {
		return Savepoint{}, fmt.Errorf("failed to create savepoint %s on %q: %w", sp.ID, c.alias, err)
	}
	c.logger.Debug("Savepoint created", zap.String("savepoint", sp.ID))
	return sp, nil
}

// SavepointCommit releases sp, keeping its changes.
func (c *Connection) SavepointCommit(ctx context.Context, sp Savepoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkSavepointLocked(sp); err != nil {
		return err
	}
	if _, err := c.tx.ExecContext(ctx, c.dialect.SavepointCommitSQL(sp.ID)); err != nil {
		return fmt.Errorf("failed to release savepoint %s on %q: %w", sp.ID, c.alias, err)
	}
	return nil
}

// SavepointRollback discards everything done since sp was created, then
// releases it.
func (c *Connection) SavepointRollback(ctx context.Context, sp Savepoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkSavepointLocked(sp); err != nil {
		return err
	}
	if _, err := c.tx.ExecContext(ctx, c.dialect.SavepointRollbackSQL(sp.ID)); err != nil {
		return fmt.Errorf("failed to roll back to savepoint %s on %q: %w", sp.ID, c.alias, err)
	}
	if _, err := c.tx.ExecContext(ctx, c.dialect.SavepointCommitSQL(sp.ID)); err != nil {
		return fmt.Errorf("failed to release savepoint %s on %q: %w", sp.ID, c.alias, err)
	}
	c.logger.Debug("Savepoint rolled back", zap.String("savepoint", sp.ID))
	return nil
}

// Flush empties every table except the ones listed in keep and commits, so
// the database really is empty afterwards.
func (c *Connection) Flush(ctx context.Context, keep ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOwnerLocked(ctx); err != nil {
		return err
	}

	tables, err := c.listTablesLocked(ctx)
	if err != nil {
		return err
	}
	tables = slices.DeleteFunc(tables, func(t string) bool { return slices.Contains(keep, t) })
	for _, stmt := range c.dialect.FlushSQL(tables) {
		if _, err := c.tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to flush %q: %w", c.alias, err)
		}
	}
	c.logger.Debug("Flushed tables", zap.Strings("tables", tables))
	return c.commitLocked(ctx)
}

func (c *Connection) listTablesLocked(ctx context.Context) ([]string, error) {
	rows, err := c.tx.QueryContext(ctx, c.dialect.ListTablesSQL())
	if err != nil {
		return nil, fmt.Errorf("failed to list tables on %q: %w", c.alias, err)
	}
	defer rows.Close()
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name on %q: %w", c.alias, err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// beginLocked opens a new ambient transaction. The transaction must outlive
// the context of whoever asked for it, hence WithoutCancel.
func (c *Connection) beginLocked(ctx context.Context) error {
	tx, err := c.conn.BeginTx(context.WithoutCancel(ctx), c.dialect.AmbientTxOptions())
	if err != nil {
		return fmt.Errorf("failed to begin ambient transaction on %q: %w", c.alias, err)
	}
	c.tx = tx
	c.generation++
	return nil
}

func (c *Connection) commitLocked(ctx context.Context) error {
	if err := c.tx.Commit(); err != nil {
		c.tx = nil
		if beginErr := c.beginLocked(ctx); beginErr != nil {
			return errors.Join(fmt.Errorf("failed to commit on %q: %w", c.alias, err), beginErr)
		}
		return fmt.Errorf("failed to commit on %q: %w", c.alias, err)
	}
	c.tx = nil
	return c.beginLocked(ctx)
}

func (c *Connection) checkOwnerLocked(ctx context.Context) error {
	if c.tx == nil {
		return fmt.Errorf("alias %q: %w", c.alias, ErrNotInAmbient)
	}
	if c.owner != nil && OwnerFrom(ctx) != c.owner {
		return fmt.Errorf("alias %q owned by %s, caller %s: %w", c.alias, c.owner, OwnerFrom(ctx), ErrForeignOwner)
	}
	return nil
}

func (c *Connection) checkSavepointLocked(sp Savepoint) error {
	if c.tx == nil {
		return fmt.Errorf("alias %q: %w", c.alias, ErrNotInAmbient)
	}
	if sp.Generation != c.generation {
		return fmt.Errorf("savepoint %s on %q: %w", sp.ID, c.alias, ErrStaleSavepoint)
	}
	return nil
}
