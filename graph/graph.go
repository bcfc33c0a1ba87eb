package graph

import (
	"time"

	"github.com/wavecrest/cascade/adapter"
	"github.com/wavecrest/cascade/internal/ts"
	"github.com/wavecrest/cascade/types"
)

// The compiled representation below is produced by Builder.Finalize and
// consumed by the engine runtime. Embedders normally treat *Graph as opaque;
// the fields are exported for the runtime and for tooling such as graphspec.

// ConsumerRef is one consumer subscription attached to an edge.
type ConsumerRef struct {
	Node    *NodeInfo
	Input   int
	Passive bool
}

// EdgeInfo is one compiled edge: a producer, a set of consumers and a ring
// buffer of recent samples. Alarm self-edges and feedback edges reuse the
// same machinery.
type EdgeInfo struct {
	ID        int
	Name      string
	Kind      types.Kind
	Producer  *NodeInfo // nil for adapter-fed and feedback edges
	OutputIdx int       // slot on the producer, -1 for adapter edges
	Consumers []ConsumerRef
	Depth     int // max history depth requested by any subscriber
	Series    *ts.Series
	Alarm     bool
	Dead      bool // set when a basket instance owning this edge is torn down

	// Feedback marks an edge whose delivery is deferred to the next cycle
	// at the same timestamp. Bound is the source edge it echoes.
	Feedback bool
	Bound    *EdgeInfo
	// FeedbackOuts lists feedback edges echoing this edge's ticks.
	FeedbackOuts []*EdgeInfo

	// Republish forwards appended ticks as struct{key,value} onto a basket
	// output in the next sub-cycle. Set on bound basket instance edges.
	Republish *EdgeInfo
	RepubKey  types.Value
}

// InputInfo is one compiled input subscription on a node.
type InputInfo struct {
	Edge    *EdgeInfo
	Passive bool
	History int
}

// NodeInfo is one compiled node.
type NodeInfo struct {
	ID      int
	Name    string
	Rank    int
	Handler Node
	Inputs  []*InputInfo
	Outputs []*EdgeInfo
	Alarms  []*EdgeInfo
	Basket  *BasketInfo // non-nil when this node is a basket manager
	Dynamic bool        // true for basket instance nodes created at runtime
	Dead    bool        // torn down with its basket instance
}

// SinkFunc receives ticks observed by a sink consumer. It runs on the
// engine thread; it must not block.
type SinkFunc func(t time.Time, v types.Value)

// PullBinding couples a pull adapter with the edge it feeds.
type PullBinding struct {
	Name string
	Edge *EdgeInfo
	Impl adapter.Pull
}

// PushBinding couples a push adapter with its edge and late policy.
type PushBinding struct {
	Name   string
	Edge   *EdgeInfo
	Impl   adapter.Push
	Policy adapter.LatePolicy
}

// PushPullBinding couples a push-pull adapter with its edge and late policy
// for the live phase.
type PushPullBinding struct {
	Name   string
	Edge   *EdgeInfo
	Impl   adapter.PushPull
	Policy adapter.LatePolicy
}

// BasketFactory populates the sub-graph for one key. It runs on the engine
// thread when the key first appears.
type BasketFactory func(key types.Value, sb *SubBuilder) error

// BasketInfo describes a dynamic sub-graph family keyed by a discriminator
// edge. The manager node reacts to key additions and removals; instances
// are built by Factory with ranks offset past the manager.
type BasketInfo struct {
	Name    string
	Manager *NodeInfo
	Output  *EdgeInfo // struct{key, value} merge of instance outputs
	Factory BasketFactory
	// Input slots on the manager node.
	KeyInput    int
	RemoveInput int // -1 when no removal edge is wired
}

// Graph is the finalized, rank-assigned topology the engine executes.
// Structure is frozen for the static portion; baskets extend Nodes and
// Edges at runtime.
type Graph struct {
	Nodes     []*NodeInfo
	Edges     []*EdgeInfo
	Pulls     []*PullBinding
	Pushes    []*PushBinding
	PushPulls []*PushPullBinding
	Baskets   []*BasketInfo
	MaxRank   int
}

// AddRuntimeNode appends a dynamically instantiated node. Runtime use only.
func (g *Graph) AddRuntimeNode(n *NodeInfo) {
	n.ID = len(g.Nodes)
	n.Dynamic = true
	g.Nodes = append(g.Nodes, n)
	if n.Rank > g.MaxRank {
		g.MaxRank = n.Rank
	}
}

// AddRuntimeEdge appends a dynamically instantiated edge. Runtime use only.
func (g *Graph) AddRuntimeEdge(e *EdgeInfo) {
	e.ID = len(g.Edges)
	g.Edges = append(g.Edges, e)
}
