// Package isolation is the savepoint engine: a registry of nodes waiting
// for a savepoint on each connection, and the per-node setup and teardown
// that schedule, materialize and roll those savepoints back.
package isolation

import (
	"context"
	"slices"
	"sync"

	"github.com/veiloq/savekit/connection"
	"github.com/veiloq/savekit/internal/metrics"
	"go.uber.org/zap"
)

// Registry tracks, per connection, the nodes that asked for a savepoint
// which has not been created yet.
type Registry struct {
	mu      sync.Mutex
	pending map[*connection.Connection][]*Node
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *zap.Logger, m *metrics.Metrics) *Registry {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Registry{
		pending: make(map[*connection.Connection][]*Node),
		logger:  logger.Named("registry"),
		metrics: m,
	}
}

// Schedule queues node for a savepoint on conn. Scheduling a node twice is a no-op.
func (r *Registry) Schedule(conn *connection.Connection, node *Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.Contains(r.pending[conn], node) {
		return
	}
	r.pending[conn] = append(r.pending[conn], node)
	r.logger.Debug("Savepoint scheduled", zap.String("alias", conn.Alias()), zap.Stringer("node", node))
}

// Unschedule drops node from conn's queue if it is still waiting.
func (r *Registry) Unschedule(conn *connection.Connection, node *Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stack := r.pending[conn]
	if i := slices.Index(stack, node); i >= 0 {
		r.pending[conn] = slices.Delete(stack, i, i+1)
	}
}

// Pending returns the nodes still waiting on conn, outermost first.
func (r *Registry) Pending(conn *connection.Connection) []*Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.pending[conn])
}

// MaterializePending creates one savepoint on conn for every waiting node,
// outermost first, and clears the queue. Statements from other goroutines
// wait until all savepoints exist.
func (r *Registry) MaterializePending(ctx context.Context, conn *connection.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stack := r.pending[conn]
	if len(stack) == 0 {
		return nil
	}
	delete(r.pending, conn)

	for i, node := range stack {
		sp, err := conn.SavepointCreate(ctx)
		if err != nil {
			if i+1 < len(stack) {
				r.logger.Warn("Dropping savepoint requests after creation failure",
					zap.String("alias", conn.Alias()), zap.Int("dropped", len(stack)-i-1))
			}
			return &SavepointCreationError{Alias: conn.Alias(), Node: node.String(), Err: err}
		}
		node.setSavepoint(conn.Alias(), sp)
		r.metrics.SavepointsCreated.WithLabelValues(conn.Alias(), node.Kind().String()).Inc()
	}
	return nil
}

// Hook returns the statement hook that materializes pending savepoints.
func (r *Registry) Hook() connection.StatementHook {
	return r.MaterializePending
}
