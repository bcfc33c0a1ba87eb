package graph

import (
	"fmt"

	"github.com/wavecrest/cascade/types"
)

// SubNodeDecl is a node under construction inside a basket instance.
type SubNodeDecl struct {
	sb      *SubBuilder
	info    *NodeInfo
	alarmKs []types.Kind
}

// SubBuilder accumulates the sub-graph for one basket key. It mirrors the
// Builder surface but ranks are resolved relative to the instantiating
// manager, so no topological re-sort happens at runtime.
type SubBuilder struct {
	key   types.Value
	nodes []*SubNodeDecl
	edges []*EdgeInfo
	bound *EdgeInfo
	own   map[*EdgeInfo]bool
	err   error
}

// NewSubBuilder is called by the runtime when a key first appears.
func NewSubBuilder(key types.Value) *SubBuilder {
	return &SubBuilder{key: key, own: make(map[*EdgeInfo]bool)}
}

func (sb *SubBuilder) Key() types.Value { return sb.key }

func (sb *SubBuilder) fail(err error) {
	if sb.err == nil {
		sb.err = err
	}
}

func (n *SubNodeDecl) Info() *NodeInfo { return n.info }

// AddNode declares an instance node.
func (sb *SubBuilder) AddNode(name string, h Node) *SubNodeDecl {
	nd := &SubNodeDecl{sb: sb, info: &NodeInfo{Name: name, Handler: h}}
	sb.nodes = append(sb.nodes, nd)
	return nd
}

// Output declares an instance-local edge.
func (n *SubNodeDecl) Output(name string, kind types.Kind) *EdgeInfo {
	e := &EdgeInfo{Name: name, Kind: kind, Producer: n.info, OutputIdx: len(n.info.Outputs)}
	n.info.Outputs = append(n.info.Outputs, e)
	n.sb.edges = append(n.sb.edges, e)
	n.sb.own[e] = true
	return e
}

// Alarm declares a typed alarm slot on the instance node.
func (n *SubNodeDecl) Alarm(kind types.Kind) int {
	slot := len(n.alarmKs)
	n.alarmKs = append(n.alarmKs, kind)
	return slot
}

// Subscribe wires the instance node to an edge; parent edges are allowed.
func (n *SubNodeDecl) Subscribe(e *EdgeInfo, opts Sub) int {
	if e == nil {
		n.sb.fail(types.NewBuildError(n.info.Name, "", types.ErrUnwiredInput))
		return -1
	}
	if opts.History < 0 {
		opts.History = 0
	}
	in := &InputInfo{Edge: e, Passive: opts.Passive, History: opts.History}
	slot := len(n.info.Inputs)
	n.info.Inputs = append(n.info.Inputs, in)
	return slot
}

// BindOutput designates an instance edge whose ticks the basket republishes
// on its merged output as struct{key, value}.
func (sb *SubBuilder) BindOutput(e *EdgeInfo) {
	if !sb.own[e] {
		sb.fail(types.NewBuildError("", e.Name, types.ErrUnwiredInput))
		return
	}
	sb.bound = e
}

// Resolve validates the instance declaration and returns its parts for the
// runtime to materialize. Internal ranks are longest-path positions among
// instance nodes only; parent edges count as rank floor constraints.
func (sb *SubBuilder) Resolve() (nodes []*NodeInfo, edges []*EdgeInfo, bound *EdgeInfo, alarms map[*NodeInfo][]types.Kind, err error) {
	if sb.err != nil {
		return nil, nil, nil, nil, sb.err
	}
	// Iteratively relax internal ranks; instance graphs are small and
	// declared acyclic.
	rel := make(map[*NodeInfo]int, len(sb.nodes))
	for _, nd := range sb.nodes {
		rel[nd.info] = 0
	}
	for pass := 0; pass <= len(sb.nodes); pass++ {
		changed := false
		for _, nd := range sb.nodes {
			for _, in := range nd.info.Inputs {
				if !sb.own[in.Edge] || in.Edge.Producer == nil {
					continue
				}
				if want := rel[in.Edge.Producer] + 1; rel[nd.info] < want {
					rel[nd.info] = want
					changed = true
				}
			}
		}
		if !changed {
			break
		}
		if pass == len(sb.nodes) {
			return nil, nil, nil, nil, types.NewBuildError(sb.nodes[0].info.Name, "", types.ErrCycleDetected)
		}
	}
	alarms = make(map[*NodeInfo][]types.Kind)
	for _, nd := range sb.nodes {
		nd.info.Rank = rel[nd.info]
		if len(nd.alarmKs) > 0 {
			alarms[nd.info] = nd.alarmKs
		}
		nodes = append(nodes, nd.info)
	}
	if len(nodes) == 0 {
		return nil, nil, nil, nil, types.NewBuildError("", "", fmt.Errorf("basket factory declared no nodes"))
	}
	return nodes, sb.edges, sb.bound, alarms, nil
}
