package isolation

import (
	"context"
	"errors"

	"github.com/veiloq/savekit/connection"
	"github.com/veiloq/savekit/internal/metrics"
	"go.uber.org/zap"
)

// Engine applies the savepoint policy to nodes of the test tree across every
// session connection.
type Engine struct {
	registry *Registry
	conns    []*connection.Connection
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewEngine returns an engine managing savepoints on conns.
func NewEngine(registry *Registry, conns []*connection.Connection, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if m == nil {
		m = registry.metrics
	}
	return &Engine{
		registry: registry,
		conns:    conns,
		logger:   logger.Named("isolation"),
		metrics:  m,
	}
}

// Registry returns the registry the engine schedules on.
func (e *Engine) Registry() *Registry { return e.registry }

// Setup decides whether node needs a savepoint and, if so, schedules one on
// every connection. Nothing is sent to the database until the next statement.
func (e *Engine) Setup(node *Node) {
	if !node.decide() {
		e.logger.Debug("No savepoint needed", zap.Stringer("node", node))
		return
	}
	for _, c := range e.conns {
		e.registry.Schedule(c, node)
	}
}

// Teardown rolls back every savepoint node materialized. A savepoint that
// cannot be rolled back is replaced by a reset of that connection's ambient
// transaction; only when the reset fails too is an error returned.
func (e *Engine) Teardown(ctx context.Context, node *Node) error {
	for _, c := range e.conns {
		e.registry.Unschedule(c, node)
	}
	sps := node.takeSavepoints()
	if len(sps) == 0 {
		return nil
	}

	var errs []error
	for _, c := range e.conns {
		sp, ok := sps[c.Alias()]
		if !ok {
			continue
		}
		err := c.SavepointRollback(ctx, sp)
		switch {
		case err == nil:
			e.metrics.SavepointsRolledBack.WithLabelValues(c.Alias(), node.Kind().String()).Inc()
		case errors.Is(err, connection.ErrStaleSavepoint):
			e.logger.Debug("Dropping savepoint from an earlier ambient transaction",
				zap.Stringer("node", node), zap.String("alias", c.Alias()), zap.String("savepoint", sp.ID))
		default:
			if fbErr := e.fallback(ctx, c, node, sp, err); fbErr != nil {
				errs = append(errs, fbErr)
			}
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) fallback(ctx context.Context, c *connection.Connection, node *Node, sp connection.Savepoint, cause error) error {
	rbErr := &SavepointRollbackError{Alias: c.Alias(), Node: node.String(), Savepoint: sp.ID, Err: cause}
	e.logger.Warn("Savepoint rollback failed, resetting ambient transaction",
		zap.String("alias", c.Alias()), zap.Stringer("node", node), zap.Error(rbErr))
	e.metrics.AmbientFallbacks.WithLabelValues(c.Alias()).Inc()

	if err := c.ResetAmbient(ctx); err != nil {
		e.logger.Error("Ambient transaction reset failed", zap.String("alias", c.Alias()), zap.Error(err))
		return errors.Join(rbErr, err)
	}
	return nil
}
