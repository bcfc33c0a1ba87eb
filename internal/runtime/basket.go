package runtime

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/wavecrest/cascade/graph"
	"github.com/wavecrest/cascade/internal/ts"
	events "github.com/wavecrest/cascade/internal/telemetry/events"
	"github.com/wavecrest/cascade/types"
)

// installBasketManagers wires the runtime handler into every basket manager
// node declared at build time.
func (l *Loop) installBasketManagers() {
	for _, bk := range l.g.Baskets {
		bm := &basketManager{l: l, bk: bk, instances: make(map[string]*basketInstance)}
		bk.Manager.Handler = bm
		l.baskets = append(l.baskets, bm)
	}
}

// basketManager reacts to discriminator ticks: a new key instantiates the
// configured sub-graph before the cycle continues; a removal tears the
// instance down once the cycle ends.
type basketManager struct {
	graph.Base
	l         *Loop
	bk        *graph.BasketInfo
	instances map[string]*basketInstance
}

type basketInstance struct {
	id    string
	key   types.Value
	nodes []*graph.NodeInfo
	edges []*graph.EdgeInfo // instance-owned, incl. alarm edges
	// parentRefs tracks (edge, node) consumer registrations to undo.
	parentRefs []*graph.EdgeInfo
	basket     *basketManager
	createdAt  time.Time
}

func (bm *basketManager) OnFire(ctx graph.Context) error {
	c := ctx.(*nodeCtx)
	if c.Ticked(bm.bk.KeyInput) {
		key, ok := c.Input(bm.bk.KeyInput).Last()
		if ok {
			id := key.String()
			if _, exists := bm.instances[id]; !exists {
				if err := bm.create(c, id, key); err != nil {
					return err
				}
			}
		}
	}
	if bm.bk.RemoveInput >= 0 && c.Ticked(bm.bk.RemoveInput) {
		key, ok := c.Input(bm.bk.RemoveInput).Last()
		if ok {
			id := key.String()
			if inst, exists := bm.instances[id]; exists {
				// Teardown defers to cycle end; the instance may still fire
				// later in this cycle.
				delete(bm.instances, id)
				bm.l.pendingTeardown = append(bm.l.pendingTeardown, inst)
			}
		}
	}
	return nil
}

// create materializes the sub-graph for one key. Instance ranks offset past
// the manager and past every subscribed upstream producer, so an instance
// created at (t, r) fires no earlier than (t, r+1); no topological re-sort
// happens at runtime.
func (bm *basketManager) create(c *nodeCtx, id string, key types.Value) error {
	l := bm.l
	sb := graph.NewSubBuilder(key)
	if err := bm.bk.Factory(key, sb); err != nil {
		return fmt.Errorf("basket %s factory for key %s: %w", bm.bk.Name, id, err)
	}
	nodes, edges, bound, alarms, err := sb.Resolve()
	if err != nil {
		return fmt.Errorf("basket %s key %s: %w", bm.bk.Name, id, err)
	}

	own := make(map[*graph.EdgeInfo]bool, len(edges))
	for _, e := range edges {
		own[e] = true
	}
	offset := bm.bk.Manager.Rank + 1
	for _, nd := range nodes {
		for _, in := range nd.Inputs {
			if !own[in.Edge] && in.Edge.Producer != nil {
				if r := in.Edge.Producer.Rank + 1; r > offset {
					offset = r
				}
			}
		}
	}

	inst := &basketInstance{id: uuid.NewString(), key: key, basket: bm, createdAt: c.t}
	for _, nd := range nodes {
		nd.Rank += offset
		nd.Name = fmt.Sprintf("%s[%s].%s", bm.bk.Name, id, nd.Name)
		l.g.AddRuntimeNode(nd)
		inst.nodes = append(inst.nodes, nd)
	}
	for _, nd := range nodes {
		for slot, in := range nd.Inputs {
			if own[in.Edge] {
				if in.History > in.Edge.Depth {
					in.Edge.Depth = in.History
				}
			} else {
				inst.parentRefs = append(inst.parentRefs, in.Edge)
			}
			in.Edge.Consumers = append(in.Edge.Consumers, graph.ConsumerRef{Node: nd, Input: slot, Passive: in.Passive})
		}
	}
	for _, e := range edges {
		e.Name = fmt.Sprintf("%s[%s].%s", bm.bk.Name, id, e.Name)
		e.Series = ts.New(e.Depth)
		l.g.AddRuntimeEdge(e)
		inst.edges = append(inst.edges, e)
	}
	for nd, kinds := range alarms {
		for i, k := range kinds {
			e := &graph.EdgeInfo{Name: fmt.Sprintf("%s.alarm%d", nd.Name, i), Kind: k, Producer: nd, OutputIdx: -1, Alarm: true, Series: ts.New(0)}
			e.Consumers = append(e.Consumers, graph.ConsumerRef{Node: nd, Input: -1})
			nd.Alarms = append(nd.Alarms, e)
			l.g.AddRuntimeEdge(e)
			inst.edges = append(inst.edges, e)
		}
	}
	if bound != nil {
		bound.Republish = bm.bk.Output
		bound.RepubKey = key
	}
	bm.instances[id] = inst
	l.basketCount.Add(1)
	l.met.BasketInstances(l.BasketInstances())
	l.publish(events.Event{Category: events.CategoryGraph, Type: "basket_instantiate", Severity: "info",
		Labels: map[string]string{"basket": bm.bk.Name, "key": id},
		Fields: map[string]interface{}{"instance": inst.id, "nodes": len(inst.nodes), "rank_offset": offset}})

	// Start instance nodes in rank order before the cycle continues, then
	// schedule any that already have an active input ticked at this time.
	startOrder := make([]*graph.NodeInfo, len(inst.nodes))
	copy(startOrder, inst.nodes)
	sort.SliceStable(startOrder, func(i, j int) bool { return startOrder[i].Rank < startOrder[j].Rank })
	for _, nd := range startOrder {
		if err := l.invoke(nd, phaseStart, c.sub); err != nil {
			return err
		}
	}
	if c.sub != nil {
		for _, nd := range inst.nodes {
			for _, in := range nd.Inputs {
				if !in.Passive && !in.Edge.Dead && in.Edge.Series.TickedAt(c.t) {
					c.sub.schedule(nd)
					break
				}
			}
		}
	}
	return nil
}

// processTeardowns runs deferred basket teardowns after the cycle's last
// sub-cycle has drained.
func (l *Loop) processTeardowns() {
	if len(l.pendingTeardown) == 0 {
		return
	}
	pending := l.pendingTeardown
	l.pendingTeardown = nil
	for _, inst := range pending {
		inst.stop(l)
	}
	l.basketCount.Add(int64(-len(pending)))
	l.met.BasketInstances(l.BasketInstances())
}

// stop tears one instance down: OnStop in reverse rank order, consumer
// registrations removed, nodes and edges tombstoned.
func (inst *basketInstance) stop(l *Loop) {
	order := make([]*graph.NodeInfo, len(inst.nodes))
	copy(order, inst.nodes)
	sort.SliceStable(order, func(i, j int) bool { return order[i].Rank > order[j].Rank })
	for _, nd := range order {
		_ = l.invoke(nd, phaseStop, nil)
	}
	dead := make(map[*graph.NodeInfo]bool, len(inst.nodes))
	for _, nd := range inst.nodes {
		nd.Dead = true
		dead[nd] = true
	}
	for _, e := range inst.edges {
		e.Dead = true
	}
	for _, e := range inst.parentRefs {
		kept := e.Consumers[:0]
		for _, cr := range e.Consumers {
			if !dead[cr.Node] {
				kept = append(kept, cr)
			}
		}
		e.Consumers = kept
	}
	l.publish(events.Event{Category: events.CategoryGraph, Type: "basket_teardown", Severity: "info",
		Labels: map[string]string{"basket": inst.basket.bk.Name, "key": inst.key.String()},
		Fields: map[string]interface{}{"instance": inst.id}})
}
