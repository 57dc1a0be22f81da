package connection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/veiloq/savekit/dialect"
	"go.uber.org/zap"
)

// StatementHook runs before every statement issued through a Connection.
// The isolation registry installs one to create pending savepoints lazily.
// A non-nil error aborts the statement.
type StatementHook func(ctx context.Context, c *Connection) error

// Connection is one configured database as seen by the tests.
type Connection struct {
	alias   string
	dialect dialect.Dialect
	dsn     string
	db      *sql.DB
	conn    *sql.Conn
	logger  *zap.Logger

	mu            sync.Mutex
	tx            *sql.Tx // ambient transaction, nil outside a session
	owner         *Owner
	generation    uint64
	seq           uint64
	hook          StatementHook
	closeDisabled bool
	txMethods     bool
	closed        bool
}

// querier is implemented by both *sql.Tx and *sql.Conn.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (c *Connection) Alias() string            { return c.alias }
func (c *Connection) Vendor() string           { return c.dialect.Vendor() }
func (c *Connection) Dialect() dialect.Dialect { return c.dialect }
func (c *Connection) DSN() string              { return c.dsn }

// DB returns the underlying pool. Statements on it bypass the ambient
// transaction and the savepoint machinery.
func (c *Connection) DB() *sql.DB { return c.db }

// SetStatementHook installs h, replacing any previous hook. Pass nil to remove it.
func (c *Connection) SetStatementHook(h StatementHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hook = h
}

// ExecContext runs query inside the ambient transaction when one is open.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	q, err := c.prepareStatement(ctx)
	if err != nil {
		return nil, err
	}
	return q.ExecContext(ctx, query, args...)
}

// QueryContext runs query inside the ambient transaction when one is open.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	q, err := c.prepareStatement(ctx)
	if err != nil {
		return nil, err
	}
	return q.QueryContext(ctx, query, args...)
}

// Row is the result of QueryRowContext. Unlike *sql.Row it can also carry
// an error raised before the query was sent.
type Row struct {
	row *sql.Row
	err error
}

// Scan copies the row's columns into dest.
func (r *Row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return r.row.Scan(dest...)
}

// Err reports the error, if any, of running the query.
func (r *Row) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.row.Err()
}

// QueryRowContext runs query inside the ambient transaction when one is open.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...any) *Row {
	q, err := c.prepareStatement(ctx)
	if err != nil {
		return &Row{err: err}
	}
	return &Row{row: q.QueryRowContext(ctx, query, args...)}
}

// prepareStatement runs the statement hook and picks what the statement runs on.
func (c *Connection) prepareStatement(ctx context.Context) (querier, error) {
	c.mu.Lock()
	hook, closed := c.hook, c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if hook != nil {
		if err := hook(ctx, c); err != nil {
			return nil, err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx != nil {
		return c.tx, nil
	}
	return c.conn, nil
}

// Atomic runs fn inside a nested atomic block: a savepoint that is released
// when fn succeeds and rolled back when it fails or panics. Outside the
// ambient transaction it uses a real transaction instead.
func (c *Connection) Atomic(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, err = c.prepareStatement(ctx); err != nil {
		return err
	}
	if !c.InAtomicBlock() {
		return c.atomicTx(ctx, fn)
	}

	sp, err := c.SavepointCreate(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			if rbErr := c.SavepointRollback(ctx, sp); rbErr != nil {
				c.logger.Error("Failed to roll back atomic block after panic", zap.Error(rbErr))
			}
			panic(r)
		}
	}()
	if err = fn(ctx); err != nil {
		if rbErr := c.SavepointRollback(ctx, sp); rbErr != nil {
			return errors.Join(err, fmt.Errorf("failed to roll back atomic block: %w", rbErr))
		}
		return err
	}
	return c.SavepointCommit(ctx, sp)
}

func (c *Connection) atomicTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction on %q: %w", c.alias, err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, rbErr)
			}
		}
	}()
	c.mu.Lock()
	c.tx = tx
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.tx = nil
		c.mu.Unlock()
	}()
	if err = fn(ctx); err != nil {
		return err
	}
	return tx.Commit()
}

// DisableClose turns Close into a no-op so code under test cannot drop the
// connection (and the ambient transaction with it) between tests.
func (c *Connection) DisableClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeDisabled = true
}

// RestoreClose undoes DisableClose.
func (c *Connection) RestoreClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeDisabled = false
}

// Close closes the pinned connection and the pool, unless closing is
// currently disabled by the session.
func (c *Connection) Close() error {
	c.mu.Lock()
	disabled := c.closeDisabled
	c.mu.Unlock()
	if disabled {
		c.logger.Debug("Close ignored while the session holds the connection")
		return nil
	}
	return c.forceClose()
}

func (c *Connection) forceClose() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	var errs []error
	if c.tx != nil {
		if err := c.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			errs = append(errs, fmt.Errorf("rollback ambient transaction: %w", err))
		}
		c.tx = nil
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		errs = append(errs, fmt.Errorf("close session connection: %w", err))
	}
	if err := c.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close pool: %w", err))
	}
	c.closed = true
	return errors.Join(errs...)
}
