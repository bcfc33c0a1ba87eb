package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavecrest/cascade/adapter"
	"github.com/wavecrest/cascade/types"
)

func TestFinalizeAssignsLongestPathRanks(t *testing.T) {
	b := NewBuilder()
	src := b.AddPull("src", types.KindInt, &adapter.SlicePull{})

	n1 := b.AddNode("n1", FuncNode{})
	o1 := n1.Output("o1", types.KindInt)
	n1.Subscribe(src, Sub{})

	n2 := b.AddNode("n2", FuncNode{})
	o2 := n2.Output("o2", types.KindInt)
	n2.Subscribe(o1, Sub{})

	// n3 hears both n1 directly and n2; longest path wins.
	n3 := b.AddNode("n3", FuncNode{})
	n3.Subscribe(o1, Sub{})
	n3.Subscribe(o2, Sub{})

	g, err := b.Finalize()
	require.NoError(t, err)

	ranks := map[string]int{}
	for _, n := range g.Nodes {
		ranks[n.Name] = n.Rank
	}
	assert.Equal(t, 0, ranks["n1"])
	assert.Equal(t, 1, ranks["n2"])
	assert.Equal(t, 2, ranks["n3"])
	assert.Equal(t, 2, g.MaxRank)
}

func TestFinalizeRejectsCycle(t *testing.T) {
	b := NewBuilder()
	n1 := b.AddNode("n1", FuncNode{})
	o1 := n1.Output("o1", types.KindInt)
	n2 := b.AddNode("n2", FuncNode{})
	o2 := n2.Output("o2", types.KindInt)
	n1.Subscribe(o2, Sub{})
	n2.Subscribe(o1, Sub{})

	_, err := b.Finalize()
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrCycleDetected)
}

func TestFeedbackBreaksCycle(t *testing.T) {
	b := NewBuilder()
	src := b.AddPull("src", types.KindInt, &adapter.SlicePull{})
	n := b.AddNode("n", FuncNode{})
	out := n.Output("out", types.KindInt)
	n.Subscribe(src, Sub{})
	fb := b.AddFeedback("prev", types.KindInt)
	b.BindFeedback(fb, out)
	n.Subscribe(fb, Sub{Passive: true})

	g, err := b.Finalize()
	require.NoError(t, err)
	require.Len(t, g.Nodes, 1)
	assert.Equal(t, 0, g.Nodes[0].Rank)
}

func TestUnboundFeedbackRejected(t *testing.T) {
	b := NewBuilder()
	n := b.AddNode("n", FuncNode{})
	fb := b.AddFeedback("prev", types.KindInt)
	n.Subscribe(fb, Sub{})
	_, err := b.Finalize()
	assert.ErrorIs(t, err, types.ErrUnwiredInput)
}

func TestBindFeedbackKindMismatch(t *testing.T) {
	b := NewBuilder()
	n := b.AddNode("n", FuncNode{})
	out := n.Output("out", types.KindInt)
	fb := b.AddFeedback("prev", types.KindFloat)
	b.BindFeedback(fb, out)
	_, err := b.Finalize()
	assert.ErrorIs(t, err, types.ErrTypeMismatch)
}

func TestDuplicateSubscriptionRejected(t *testing.T) {
	b := NewBuilder()
	src := b.AddPull("src", types.KindInt, &adapter.SlicePull{})
	n := b.AddNode("n", FuncNode{})
	n.Subscribe(src, Sub{})
	n.Subscribe(src, Sub{})
	_, err := b.Finalize()
	assert.ErrorIs(t, err, types.ErrDuplicateEdge)
}

func TestHistoryDepthDrivesBufferCapacity(t *testing.T) {
	b := NewBuilder()
	src := b.AddPull("src", types.KindInt, &adapter.SlicePull{})
	n1 := b.AddNode("n1", FuncNode{})
	n1.Subscribe(src, Sub{History: 2})
	n2 := b.AddNode("n2", FuncNode{})
	n2.Subscribe(src, Sub{History: 5})

	g, err := b.Finalize()
	require.NoError(t, err)
	var edge *EdgeInfo
	for _, e := range g.Edges {
		if e.Name == "src" {
			edge = e
		}
	}
	require.NotNil(t, edge)
	assert.Equal(t, 5, edge.Depth)
	assert.Equal(t, 6, edge.Series.Cap())
}

func TestAlarmSlotsBecomeSelfEdges(t *testing.T) {
	b := NewBuilder()
	n := b.AddNode("n", FuncNode{})
	slot := n.Alarm(types.KindBool)
	require.Equal(t, 0, slot)

	g, err := b.Finalize()
	require.NoError(t, err)
	require.Len(t, g.Nodes[0].Alarms, 1)
	alarm := g.Nodes[0].Alarms[0]
	assert.True(t, alarm.Alarm)
	assert.Equal(t, types.KindBool, alarm.Kind)
	assert.Same(t, g.Nodes[0], alarm.Producer)
}

func TestBasketDeclaration(t *testing.T) {
	b := NewBuilder()
	keys := b.AddPull("keys", types.KindString, &adapter.SlicePull{})
	rem := b.AddPull("removals", types.KindString, &adapter.SlicePull{})
	bk := b.AddBasket("symbols", keys, rem, func(key types.Value, sb *SubBuilder) error { return nil })

	g, err := b.Finalize()
	require.NoError(t, err)
	require.Len(t, g.Baskets, 1)
	assert.Equal(t, types.KindStruct, bk.Output.Kind)
	assert.Equal(t, 0, bk.KeyInput)
	assert.Equal(t, 1, bk.RemoveInput)
	assert.Same(t, bk.Manager, g.Baskets[0].Manager)
}

func TestFinalizeTwiceFails(t *testing.T) {
	b := NewBuilder()
	b.AddNode("n", FuncNode{})
	_, err := b.Finalize()
	require.NoError(t, err)
	_, err = b.Finalize()
	assert.Error(t, err)
}
