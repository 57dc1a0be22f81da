// Package suite is a small test-collection framework on top of testing.T.
//
// A Session holds Modules; a Module holds plain test functions and test
// classes. A class is a pointer to a struct whose exported methods named
// Test* with the signature func(context.Context, *testing.T) are its tests.
// Collection turns this into a tree of nodes (session, module, class,
// instance, function) and a flat list of items, one per test. The runner
// sets nodes up lazily as items need them and tears them down as soon as the
// next item no longer does, calling Plugin hooks around every step.
package suite

import (
	"context"
	"strings"
	"sync"
	"testing"
)

// Kind is the level of a node in the collection tree.
type Kind int

const (
	KindSession Kind = iota
	KindModule
	KindClass
	KindInstance
	KindFunction
)

func (k Kind) String() string {
	return [...]string{"session", "module", "class", "instance", "function"}[k]
}

// Node is one element of the collection tree.
type Node struct {
	kind     Kind
	name     string
	parent   *Node
	class    any
	setup    func(ctx context.Context) error
	teardown func(ctx context.Context) error

	mu       sync.Mutex
	active   bool
	setupErr error
}

func (n *Node) Kind() Kind    { return n.kind }
func (n *Node) Name() string  { return n.name }
func (n *Node) Parent() *Node { return n.parent }

// Class returns the test class value for class, instance and function nodes
// collected from a class, and nil otherwise.
func (n *Node) Class() any { return n.class }

// HasSetupHook reports whether the node carries a user setup hook.
func (n *Node) HasSetupHook() bool { return n.setup != nil }

// ID is the slash-separated path of the node below the session.
func (n *Node) ID() string {
	var parts []string
	for p := n; p != nil && p.kind != KindSession; p = p.parent {
		if p.kind == KindInstance {
			continue
		}
		parts = append(parts, p.name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/")
}

func (n *Node) String() string { return n.kind.String() + " " + n.name }

// Active reports whether the node is currently set up.
func (n *Node) Active() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active
}

// Setup runs the node's user setup hook again. The runner uses the hook on
// first activation; plugins call Setup to restore fixture state a node
// created earlier.
func (n *Node) Setup(ctx context.Context) error {
	if n.setup == nil {
		return nil
	}
	return n.setup(ctx)
}

// Chain returns the node's ancestors and the node itself, session first.
func (n *Node) Chain() []*Node {
	var chain []*Node
	for p := n; p != nil; p = p.parent {
		chain = append(chain, p)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

func (n *Node) setActive(active bool, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.active = active
	n.setupErr = err
}

func (n *Node) failedSetup() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.setupErr
}

// Item is one collected test.
type Item struct {
	node   *Node
	module *Node
	run    func(ctx context.Context, t *testing.T)
}

// Node returns the function node of the item.
func (it *Item) Node() *Node { return it.node }

// Name is the test name used for the subtest.
func (it *Item) Name() string { return it.node.ID() }

// Module returns the module node the item was collected from.
func (it *Item) Module() *Node { return it.module }

// ModuleKey identifies the item's module.
func (it *Item) ModuleKey() string { return it.module.name }

// Class returns the test class of the item, or nil for a plain function.
func (it *Item) Class() any { return it.node.class }
