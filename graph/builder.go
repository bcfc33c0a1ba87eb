package graph

import (
	"fmt"

	"github.com/wavecrest/cascade/adapter"
	"github.com/wavecrest/cascade/internal/ts"
	"github.com/wavecrest/cascade/types"
)

// Sub configures one input subscription.
type Sub struct {
	// Passive inputs update the node's view but do not cause a fire.
	Passive bool
	// History is the number of past ticks (beyond the latest) readable via
	// Input(i).At. The edge buffer keeps at least History+1 samples.
	History int
}

// NodeDecl is a node under construction.
type NodeDecl struct {
	b       *Builder
	info    *NodeInfo
	alarmKs []types.Kind
}

func (n *NodeDecl) Info() *NodeInfo { return n.info }

// Builder accumulates nodes, edges and adapter bindings, then Finalize
// assigns ranks and freezes the topology. Build phase is strictly separate
// from the run phase: a Graph never returns to building.
type Builder struct {
	nodes     []*NodeDecl
	edges     []*EdgeInfo
	pulls     []*PullBinding
	pushes    []*PushBinding
	pushPulls []*PushPullBinding
	baskets   []*BasketInfo
	finalized bool
	err       error
}

func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// AddNode declares a node with the given handler.
func (b *Builder) AddNode(name string, h Node) *NodeDecl {
	nd := &NodeDecl{b: b, info: &NodeInfo{Name: name, Handler: h}}
	b.nodes = append(b.nodes, nd)
	return nd
}

// Output declares an output edge of the given kind on the node and returns
// it for wiring into consumers.
func (n *NodeDecl) Output(name string, kind types.Kind) *EdgeInfo {
	e := &EdgeInfo{Name: name, Kind: kind, Producer: n.info, OutputIdx: len(n.info.Outputs)}
	n.info.Outputs = append(n.info.Outputs, e)
	n.b.edges = append(n.b.edges, e)
	return e
}

// Alarm declares a typed alarm slot on the node and returns its index.
func (n *NodeDecl) Alarm(kind types.Kind) int {
	slot := len(n.alarmKs)
	n.alarmKs = append(n.alarmKs, kind)
	return slot
}

// Subscribe wires the node to an edge and returns the input slot index.
func (n *NodeDecl) Subscribe(e *EdgeInfo, opts Sub) int {
	if e == nil {
		n.b.fail(types.NewBuildError(n.info.Name, "", types.ErrUnwiredInput))
		return -1
	}
	for _, in := range n.info.Inputs {
		if in.Edge == e {
			n.b.fail(types.NewBuildError(n.info.Name, e.Name, types.ErrDuplicateEdge))
			return -1
		}
	}
	if opts.History < 0 {
		opts.History = 0
	}
	in := &InputInfo{Edge: e, Passive: opts.Passive, History: opts.History}
	slot := len(n.info.Inputs)
	n.info.Inputs = append(n.info.Inputs, in)
	e.Consumers = append(e.Consumers, ConsumerRef{Node: n.info, Input: slot, Passive: opts.Passive})
	if opts.History > e.Depth {
		e.Depth = opts.History
	}
	return slot
}

// AddFeedback declares a feedback edge of the given kind. Ticks of the
// bound source edge are re-delivered on it in the next cycle at the same
// timestamp, which is the one sanctioned escape from the no-cycles rule.
func (b *Builder) AddFeedback(name string, kind types.Kind) *EdgeInfo {
	e := &EdgeInfo{Name: name, Kind: kind, OutputIdx: -1, Feedback: true}
	b.edges = append(b.edges, e)
	return e
}

// BindFeedback connects a feedback edge to the source edge it echoes.
func (b *Builder) BindFeedback(fb, src *EdgeInfo) {
	if fb == nil || !fb.Feedback {
		b.fail(types.NewBuildError("", "", fmt.Errorf("bind target is not a feedback edge")))
		return
	}
	if src == nil {
		b.fail(types.NewBuildError("", fb.Name, types.ErrUnwiredInput))
		return
	}
	if fb.Kind != src.Kind {
		b.fail(types.NewBuildError("", fb.Name, types.ErrTypeMismatch))
		return
	}
	if fb.Bound != nil {
		b.fail(types.NewBuildError("", fb.Name, types.ErrDuplicateEdge))
		return
	}
	fb.Bound = src
	src.FeedbackOuts = append(src.FeedbackOuts, fb)
}

type sinkNode struct {
	Base
	fn SinkFunc
}

func (s *sinkNode) OnFire(ctx Context) error {
	if v, ok := ctx.Input(0).Last(); ok {
		s.fn(ctx.Now(), v)
	}
	return nil
}

// AddSink attaches a callback consumer to an edge. The callback runs on the
// engine thread once per tick of the edge.
func (b *Builder) AddSink(name string, e *EdgeInfo, fn SinkFunc) *NodeDecl {
	nd := b.AddNode(name, &sinkNode{fn: fn})
	nd.Subscribe(e, Sub{})
	return nd
}

// AddPull binds a historical source to a new edge.
func (b *Builder) AddPull(name string, kind types.Kind, impl adapter.Pull) *EdgeInfo {
	e := &EdgeInfo{Name: name, Kind: kind, OutputIdx: -1}
	b.edges = append(b.edges, e)
	b.pulls = append(b.pulls, &PullBinding{Name: name, Edge: e, Impl: impl})
	return e
}

// AddPush binds a live source to a new edge with the given late policy.
func (b *Builder) AddPush(name string, kind types.Kind, impl adapter.Push, policy adapter.LatePolicy) *EdgeInfo {
	e := &EdgeInfo{Name: name, Kind: kind, OutputIdx: -1}
	b.edges = append(b.edges, e)
	b.pushes = append(b.pushes, &PushBinding{Name: name, Edge: e, Impl: impl, Policy: policy})
	return e
}

// AddPushPull binds a replay-then-live source to a new edge.
func (b *Builder) AddPushPull(name string, kind types.Kind, impl adapter.PushPull, policy adapter.LatePolicy) *EdgeInfo {
	e := &EdgeInfo{Name: name, Kind: kind, OutputIdx: -1}
	b.edges = append(b.edges, e)
	b.pushPulls = append(b.pushPulls, &PushPullBinding{Name: name, Edge: e, Impl: impl, Policy: policy})
	return e
}

// AddBasket declares a dynamic sub-graph family. keys carries discriminator
// values that instantiate instances; removals (optional, may be nil) tears
// them down. The basket output merges instance outputs as
// struct{key, value} ticks.
func (b *Builder) AddBasket(name string, keys, removals *EdgeInfo, factory BasketFactory) *BasketInfo {
	nd := b.AddNode(name, nil)
	bk := &BasketInfo{Name: name, Manager: nd.info, Factory: factory, RemoveInput: -1}
	nd.info.Basket = bk
	bk.KeyInput = nd.Subscribe(keys, Sub{})
	if removals != nil {
		bk.RemoveInput = nd.Subscribe(removals, Sub{})
	}
	bk.Output = nd.Output(name+".out", types.KindStruct)
	b.baskets = append(b.baskets, bk)
	return bk
}

// Finalize performs topological rank assignment (longest path from sources,
// Kahn), rejects cycles not broken by feedback edges, allocates edge
// buffers, and freezes the graph.
func (b *Builder) Finalize() (*Graph, error) {
	if b.finalized {
		return nil, types.NewBuildError("", "", fmt.Errorf("builder already finalized"))
	}
	if b.err != nil {
		return nil, b.err
	}
	b.finalized = true

	for _, e := range b.edges {
		if e.Feedback && e.Bound == nil {
			return nil, types.NewBuildError("", e.Name, types.ErrUnwiredInput)
		}
	}

	// Alarm self-edges never affect topology; build them before ranking.
	for _, nd := range b.nodes {
		for i, k := range nd.alarmKs {
			e := &EdgeInfo{Name: fmt.Sprintf("%s.alarm%d", nd.info.Name, i), Kind: k, Producer: nd.info, OutputIdx: -1, Alarm: true}
			e.Consumers = append(e.Consumers, ConsumerRef{Node: nd.info, Input: -1})
			nd.info.Alarms = append(nd.info.Alarms, e)
			b.edges = append(b.edges, e)
		}
	}

	// Kahn with longest-path ranks. Feedback edges have no producer so they
	// impose no ordering; alarm self-edges are skipped likewise.
	indeg := make(map[*NodeInfo]int, len(b.nodes))
	nodes := make([]*NodeInfo, 0, len(b.nodes))
	for _, nd := range b.nodes {
		nodes = append(nodes, nd.info)
		indeg[nd.info] = 0
	}
	for _, n := range nodes {
		for _, in := range n.Inputs {
			if in.Edge.Producer == nil || in.Edge.Alarm {
				continue
			}
			if _, ok := indeg[in.Edge.Producer]; !ok {
				return nil, types.NewBuildError(n.Name, in.Edge.Name, types.ErrUnwiredInput)
			}
			indeg[n]++
		}
	}
	queue := make([]*NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		if indeg[n] == 0 {
			queue = append(queue, n)
		}
	}
	placed := 0
	maxRank := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		placed++
		if n.Rank > maxRank {
			maxRank = n.Rank
		}
		for _, out := range n.Outputs {
			for _, c := range out.Consumers {
				if c.Node.Rank < n.Rank+1 {
					c.Node.Rank = n.Rank + 1
				}
				indeg[c.Node]--
				if indeg[c.Node] == 0 {
					queue = append(queue, c.Node)
				}
			}
		}
	}
	if placed != len(nodes) {
		for _, n := range nodes {
			if indeg[n] > 0 {
				return nil, types.NewBuildError(n.Name, "", types.ErrCycleDetected)
			}
		}
		return nil, types.NewBuildError("", "", types.ErrCycleDetected)
	}

	g := &Graph{
		Pulls:     b.pulls,
		Pushes:    b.pushes,
		PushPulls: b.pushPulls,
		Baskets:   b.baskets,
		MaxRank:   maxRank,
	}
	for i, n := range nodes {
		n.ID = i
		g.Nodes = append(g.Nodes, n)
	}
	for i, e := range b.edges {
		e.ID = i
		e.Series = ts.New(e.Depth)
		g.Edges = append(g.Edges, e)
	}
	return g, nil
}
