package isolation

import (
	"maps"
	"sync"

	"github.com/veiloq/savekit/connection"
)

// Kind tags the level of the test tree a Node stands for.
type Kind int

const (
	KindSession Kind = iota
	KindModule
	KindClass
	KindInstance
	KindFunction
)

func (k Kind) String() string {
	switch k {
	case KindSession:
		return "session"
	case KindModule:
		return "module"
	case KindClass:
		return "class"
	case KindInstance:
		return "instance"
	case KindFunction:
		return "function"
	default:
		return "unknown"
	}
}

// policies decides, per kind, whether a node needs its own savepoint.
// The session is covered by the ambient transaction itself.
var policies = map[Kind]func(n *Node) bool{
	KindSession:  func(*Node) bool { return false },
	KindModule:   func(n *Node) bool { return n.hasSetupHook },
	KindClass:    func(n *Node) bool { return n.hasSetupHook && !n.transactional },
	KindInstance: func(n *Node) bool { return !n.transactional },
	KindFunction: func(n *Node) bool { return !n.transactional },
}

// NodeConfig describes a node of the test tree.
type NodeConfig struct {
	Kind Kind
	Name string
	// Parent is nil for the session node.
	Parent *Node
	// HasSetupHook reports whether the module or class defines its own
	// setup hook. Ignored for other kinds.
	HasSetupHook bool
	// Transactional marks a class whose tests need real commit and
	// rollback. Instances and functions inherit it from their class.
	Transactional bool
}

// Node is one schedulable unit of the test tree that may own a savepoint
// on every connection.
type Node struct {
	kind          Kind
	name          string
	parent        *Node
	hasSetupHook  bool
	transactional bool

	mu             sync.Mutex
	needsSavepoint bool
	savepoints     map[string]connection.Savepoint
}

// NewNode builds a node from cfg.
func NewNode(cfg NodeConfig) *Node {
	n := &Node{
		kind:          cfg.Kind,
		name:          cfg.Name,
		parent:        cfg.Parent,
		hasSetupHook:  cfg.HasSetupHook,
		transactional: cfg.Transactional,
	}
	if p := cfg.Parent; p != nil && (n.kind == KindInstance || n.kind == KindFunction) {
		if p.kind == KindClass || p.kind == KindInstance {
			n.transactional = n.transactional || p.transactional
		}
	}
	return n
}

func (n *Node) Kind() Kind          { return n.kind }
func (n *Node) Name() string        { return n.name }
func (n *Node) Parent() *Node       { return n.parent }
func (n *Node) String() string      { return n.kind.String() + " " + n.name }
func (n *Node) Transactional() bool { return n.transactional }

// NeedsSavepoint reports the decision taken at the last setup.
func (n *Node) NeedsSavepoint() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.needsSavepoint
}

// Savepoints returns a copy of the materialized savepoints, keyed by
// connection alias.
func (n *Node) Savepoints() map[string]connection.Savepoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return maps.Clone(n.savepoints)
}

func (n *Node) decide() bool {
	policy, ok := policies[n.kind]
	need := ok && policy(n)
	n.mu.Lock()
	n.needsSavepoint = need
	n.mu.Unlock()
	return need
}

func (n *Node) setSavepoint(alias string, sp connection.Savepoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.savepoints == nil {
		n.savepoints = make(map[string]connection.Savepoint)
	}
	n.savepoints[alias] = sp
}

// takeSavepoints empties the mapping and returns what it held.
func (n *Node) takeSavepoints() map[string]connection.Savepoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	sps := n.savepoints
	n.savepoints = nil
	return sps
}
