package suite

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"testing"

	"go.uber.org/zap"
)

// Runner runs a collected session on top of testing.T.
type Runner struct {
	plugins []Plugin
	logger  *zap.Logger
}

// NewRunner returns a runner calling plugins in the given order.
func NewRunner(logger *zap.Logger, plugins ...Plugin) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{plugins: plugins, logger: logger.Named("suite")}
}

// Run collects s and runs every item as a subtest of t. Every node that was
// set up is torn down and every started plugin sees OnSessionFinish, however
// the tests end.
func (r *Runner) Run(ctx context.Context, t *testing.T, s *Session) {
	t.Helper()
	root, items, err := Collect(s)
	if err != nil {
		t.Fatalf("collection failed: %v", err)
	}

	started := 0
	defer func() {
		if err := r.finish(ctx, root, started); err != nil {
			t.Errorf("session finish failed: %v", err)
		}
	}()
	for _, p := range r.plugins {
		next, err := p.OnSessionStart(ctx, root)
		if err != nil {
			t.Fatalf("session start failed: %v", err)
		}
		ctx = next
		started++
	}

	for _, p := range r.plugins {
		if items, err = p.OnCollectionModify(ctx, items); err != nil {
			t.Fatalf("collection modify failed: %v", err)
		}
	}
	r.logger.Info("Running session", zap.Int("items", len(items)))

	st := &setupState{runner: r}
	defer func() {
		if err := st.teardownExact(ctx, nil); err != nil {
			t.Errorf("session teardown failed: %v", err)
		}
	}()
	for i, item := range items {
		var next *Item
		if i+1 < len(items) {
			next = items[i+1]
		}
		t.Run(item.Name(), func(t *testing.T) {
			r.runItem(ctx, t, st, item, next)
		})
	}
}

func (r *Runner) finish(ctx context.Context, root *Node, started int) error {
	var errs []error
	for i := started - 1; i >= 0; i-- {
		if err := r.plugins[i].OnSessionFinish(ctx, root); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) runItem(ctx context.Context, t *testing.T, st *setupState, item, next *Item) {
	defer func() {
		if err := st.teardownExact(ctx, next); err != nil {
			t.Errorf("teardown failed: %v", err)
		}
		for i := len(r.plugins) - 1; i >= 0; i-- {
			if err := r.plugins[i].OnItemTeardown(ctx, item, next); err != nil {
				t.Errorf("item teardown failed: %v", err)
			}
		}
	}()

	for _, p := range r.plugins {
		if err := p.OnItemSetup(ctx, item); err != nil {
			t.Fatalf("item setup failed: %v", err)
		}
	}
	if err := st.prepare(ctx, item); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	r.call(ctx, t, item)
}

func (r *Runner) call(ctx context.Context, t *testing.T, item *Item) {
	defer func() {
		if rec := recover(); rec != nil {
			t.Errorf("test panicked: %v\n%s", rec, debug.Stack())
		}
	}()
	item.run(ctx, t)
}

// setupState is the stack of active nodes, session first.
type setupState struct {
	runner *Runner
	stack  []*Node
}

// prepare sets up every node of item's chain that is not active yet. A node
// whose setup failed stays on the stack and fails every later item that
// needs it.
func (s *setupState) prepare(ctx context.Context, item *Item) error {
	chain := item.node.Chain()
	if keep := commonPrefix(s.stack, chain); keep < len(s.stack) {
		if err := s.popTo(ctx, keep); err != nil {
			return err
		}
	}
	for _, n := range s.stack {
		if err := n.failedSetup(); err != nil {
			return fmt.Errorf("%s: %w", n, err)
		}
	}
	for _, n := range chain[len(s.stack):] {
		s.stack = append(s.stack, n)
		err := s.setupNode(ctx, n)
		n.setActive(true, err)
		if err != nil {
			return fmt.Errorf("%s: %w", n, err)
		}
	}
	return nil
}

func (s *setupState) setupNode(ctx context.Context, n *Node) error {
	s.runner.logger.Debug("Setting up node", zap.Stringer("node", n))
	for _, p := range s.runner.plugins {
		if err := p.OnNodeSetup(ctx, n); err != nil {
			return err
		}
	}
	return n.Setup(ctx)
}

// teardownExact tears down the nodes next does not need, innermost first.
// A nil next tears everything down.
func (s *setupState) teardownExact(ctx context.Context, next *Item) error {
	var needed []*Node
	if next != nil {
		needed = next.node.Chain()
	}
	return s.popTo(ctx, commonPrefix(s.stack, needed))
}

func (s *setupState) popTo(ctx context.Context, keep int) error {
	var errs []error
	for len(s.stack) > keep {
		n := s.stack[len(s.stack)-1]
		s.stack = s.stack[:len(s.stack)-1]
		if err := s.teardownNode(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n, err))
		}
	}
	return errors.Join(errs...)
}

func (s *setupState) teardownNode(ctx context.Context, n *Node) error {
	s.runner.logger.Debug("Tearing down node", zap.Stringer("node", n))
	var errs []error
	if n.failedSetup() == nil && n.teardown != nil {
		if err := n.teardown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(s.runner.plugins) - 1; i >= 0; i-- {
		if err := s.runner.plugins[i].OnNodeTeardown(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	n.setActive(false, nil)
	return errors.Join(errs...)
}

func commonPrefix(a, b []*Node) int {
	i := 0
	for i < len(a) && i < len(b) && a[i] == b[i] {
		i++
	}
	return i
}
