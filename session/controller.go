// Package session runs a suite session inside one ambient transaction per
// database connection and isolates every test with savepoints.
//
// Controller is a suite.Plugin. At session start it opens the ambient
// transactions and installs the savepoint hook; around every node it asks the
// isolation engine for a savepoint; after the last transactional test of a
// module it empties the databases and restores the fixtures the next test
// expects. At session finish everything is rolled back.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/veiloq/savekit/connection"
	"github.com/veiloq/savekit/internal/metrics"
	"github.com/veiloq/savekit/isolation"
	"github.com/veiloq/savekit/ordering"
	"github.com/veiloq/savekit/outbox"
	"github.com/veiloq/savekit/suite"
	"github.com/veiloq/savekit/testcase"
)

// ErrConfiguration marks a session that could not be started.
var ErrConfiguration = errors.New("session configuration failure")

// Option configures a Controller.
type Option func(*Controller)

// WithSkipTransactional leaves transactional tests out of the session.
func WithSkipTransactional(skip bool) Option {
	return func(c *Controller) { c.skipTransactional = skip }
}

// WithOutbox sets the outbox reset before every test.
func WithOutbox(ob *outbox.Outbox) Option {
	return func(c *Controller) { c.outbox = ob }
}

// WithMetrics sets the counters the controller and its engine report to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithKeepTables names tables the restore flush leaves alone.
func WithKeepTables(tables ...string) Option {
	return func(c *Controller) { c.keepTables = append(c.keepTables, tables...) }
}

// Controller is the session lifecycle plugin.
type Controller struct {
	conns             []*connection.Connection
	registry          *isolation.Registry
	engine            *isolation.Engine
	outbox            *outbox.Outbox
	metrics           *metrics.Metrics
	logger            *zap.Logger
	skipTransactional bool
	keepTables        []string

	mu      sync.Mutex
	owner   *connection.Owner
	started []*connection.Connection
	nodes   map[*suite.Node]*isolation.Node
	order   []classified
	index   map[*suite.Item]int
}

var _ suite.Plugin = (*Controller)(nil)

// New returns a controller for conns.
func New(conns []*connection.Connection, logger *zap.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		conns:  conns,
		logger: logger.Named("session"),
		nodes:  make(map[*suite.Node]*isolation.Node),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.New(nil)
	}
	if c.outbox == nil {
		c.outbox = outbox.New(logger)
	}
	c.registry = isolation.NewRegistry(logger, c.metrics)
	c.engine = isolation.NewEngine(c.registry, conns, logger, c.metrics)
	return c
}

// Engine returns the isolation engine.
func (c *Controller) Engine() *isolation.Engine { return c.engine }

// Outbox returns the outbox reset before every test.
func (c *Controller) Outbox() *outbox.Outbox { return c.outbox }

// Owner returns the owner of the running session, or nil.
func (c *Controller) Owner() *connection.Owner {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

// Start opens the ambient transaction on every connection, disables close
// and transaction methods there and installs the savepoint hook. The
// returned context carries the session owner. If a connection fails, the
// ones already started are rolled back.
func (c *Controller) Start(ctx context.Context) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner != nil {
		return ctx, fmt.Errorf("%w: session already started", ErrConfiguration)
	}

	owner := connection.NewOwner("session")
	ctx = connection.WithOwner(ctx, owner)
	for _, conn := range c.conns {
		if err := conn.BeginAmbient(ctx, owner); err != nil {
			rbErr := c.finishLocked(ctx)
			return ctx, errors.Join(fmt.Errorf("%w: alias %q: %w", ErrConfiguration, conn.Alias(), err), rbErr)
		}
		conn.DisableClose()
		conn.EnableTransactionMethods(false)
		conn.SetStatementHook(c.registry.Hook())
		c.started = append(c.started, conn)
	}
	c.owner = owner
	c.logger.Info("Session started", zap.Int("connections", len(c.conns)))
	return ctx, nil
}

// Finish rolls back the ambient transaction of every started connection
// and restores it. Every connection is attempted; the errors are joined.
func (c *Controller) Finish(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner == nil {
		return nil
	}
	ctx = connection.WithOwner(ctx, c.owner)
	err := c.finishLocked(ctx)
	c.owner = nil
	c.nodes = make(map[*suite.Node]*isolation.Node)
	c.logger.Info("Session finished", zap.Error(err))
	return err
}

func (c *Controller) finishLocked(ctx context.Context) error {
	var errs []error
	for i := len(c.started) - 1; i >= 0; i-- {
		conn := c.started[i]
		conn.SetStatementHook(nil)
		if err := conn.EndAmbient(ctx); err != nil {
			if errors.Is(err, connection.ErrNotInAmbient) {
				c.logger.Warn("Ambient transaction already gone", zap.String("alias", conn.Alias()))
			} else {
				errs = append(errs, err)
			}
		}
		conn.EnableTransactionMethods(false)
		conn.RestoreClose()
	}
	c.started = nil
	return errors.Join(errs...)
}

// RestoreDatabase empties every database and re-runs the setup hooks of the
// ancestors of next that are still set up, so next sees the fixtures it
// would have seen without the transactional tests before it.
func (c *Controller) RestoreDatabase(ctx context.Context, item, next *suite.Item) error {
	c.logger.Info("Restoring databases after transactional tests",
		zap.String("module", item.ModuleKey()), zap.String("next", next.Name()))
	for _, conn := range c.conns {
		if err := conn.Flush(ctx, c.keepTables...); err != nil {
			return fmt.Errorf("restore after %s: %w", item.Name(), err)
		}
		c.metrics.DatabaseFlushes.WithLabelValues(conn.Alias()).Inc()
	}
	for _, n := range next.Node().Chain() {
		if !n.Active() {
			break
		}
		if err := n.Setup(ctx); err != nil {
			return fmt.Errorf("restore %s: %w", n, err)
		}
	}
	return nil
}

// OnSessionStart implements suite.Plugin.
func (c *Controller) OnSessionStart(ctx context.Context, _ *suite.Node) (context.Context, error) {
	return c.Start(ctx)
}

// OnSessionFinish implements suite.Plugin.
func (c *Controller) OnSessionFinish(ctx context.Context, _ *suite.Node) error {
	return c.Finish(ctx)
}

// OnCollectionModify drops transactional items when asked to and moves the
// rest of them behind the isolated ones.
func (c *Controller) OnCollectionModify(_ context.Context, items []*suite.Item) ([]*suite.Item, error) {
	wrapped := make([]classified, len(items))
	for i, it := range items {
		wrapped[i] = classify(it)
	}
	if c.skipTransactional {
		before := len(wrapped)
		wrapped = ordering.Filter(wrapped)
		c.logger.Info("Skipping transactional tests", zap.Int("skipped", before-len(wrapped)))
	}
	deferred := ordering.Deferred(wrapped)
	wrapped = ordering.Reorder(wrapped)
	c.metrics.ItemsDeferred.Add(float64(deferred))
	c.logger.Info("Reordered tests", zap.Int("items", len(wrapped)), zap.Int("deferred", deferred))

	out := make([]*suite.Item, len(wrapped))
	index := make(map[*suite.Item]int, len(wrapped))
	for i, w := range wrapped {
		out[i] = w.Item
		index[w.Item] = i
	}
	c.mu.Lock()
	c.order, c.index = wrapped, index
	c.mu.Unlock()
	return out, nil
}

// OnItemSetup clears the outbox and turns real commit and rollback on for
// transactional tests only.
func (c *Controller) OnItemSetup(_ context.Context, item *suite.Item) error {
	c.outbox.Reset()
	transactional := testcase.IsTransactionTest(item.Class())
	for _, conn := range c.conns {
		conn.EnableTransactionMethods(transactional)
	}
	c.logger.Debug("Item setup",
		zap.String("item", item.Name()),
		zap.Stringer("kind", testcase.Classify(item.Class())))
	return nil
}

// OnItemTeardown turns transaction methods off again and restores the
// databases after the last transactional test of a module.
func (c *Controller) OnItemTeardown(ctx context.Context, item, next *suite.Item) error {
	for _, conn := range c.conns {
		conn.EnableTransactionMethods(false)
	}
	if next == nil || !testcase.IsTransactionTest(item.Class()) || !c.lastOfModule(item, next) {
		return nil
	}
	return c.RestoreDatabase(ctx, item, next)
}

// lastOfModule looks item up in the reordered collection. Items added by
// later plugins fall back to comparing modules with next.
func (c *Controller) lastOfModule(item, next *suite.Item) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i, ok := c.index[item]; ok {
		return ordering.LastOfModule(c.order, i)
	}
	return next.ModuleKey() != item.ModuleKey()
}

// OnNodeSetup schedules the node's savepoint when its kind needs one.
func (c *Controller) OnNodeSetup(_ context.Context, n *suite.Node) error {
	c.engine.Setup(c.isolationNode(n))
	return nil
}

// OnNodeTeardown rolls back whatever the node's savepoint covers.
func (c *Controller) OnNodeTeardown(ctx context.Context, n *suite.Node) error {
	c.mu.Lock()
	node, ok := c.nodes[n]
	delete(c.nodes, n)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.engine.Teardown(ctx, node)
}

// isolationNode returns the isolation node standing for n, creating it (and
// its ancestors) on first use.
func (c *Controller) isolationNode(n *suite.Node) *isolation.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isolationNodeLocked(n)
}

func (c *Controller) isolationNodeLocked(n *suite.Node) *isolation.Node {
	if node, ok := c.nodes[n]; ok {
		return node
	}
	var parent *isolation.Node
	if n.Parent() != nil {
		parent = c.isolationNodeLocked(n.Parent())
	}
	node := isolation.NewNode(isolation.NodeConfig{
		Kind:          kindOf(n.Kind()),
		Name:          n.Name(),
		Parent:        parent,
		HasSetupHook:  n.HasSetupHook(),
		Transactional: n.Kind() == suite.KindClass && testcase.IsTransactionTest(n.Class()),
	})
	c.nodes[n] = node
	return node
}

func kindOf(k suite.Kind) isolation.Kind {
	switch k {
	case suite.KindSession:
		return isolation.KindSession
	case suite.KindModule:
		return isolation.KindModule
	case suite.KindClass:
		return isolation.KindClass
	case suite.KindInstance:
		return isolation.KindInstance
	default:
		return isolation.KindFunction
	}
}

// classified adapts a suite item to ordering.Item.
type classified struct {
	*suite.Item
	transactional bool
}

func classify(it *suite.Item) classified {
	return classified{Item: it, transactional: testcase.IsTransactionTest(it.Class())}
}

func (c classified) Transactional() bool { return c.transactional }
