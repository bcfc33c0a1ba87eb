package graphspec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cascade "github.com/wavecrest/cascade"
	"github.com/wavecrest/cascade/adapter"
	"github.com/wavecrest/cascade/graph"
	"github.com/wavecrest/cascade/types"
)

func testRegistry() *Registry {
	reg := NewRegistry()
	reg.RegisterPull("replay", func(cfg map[string]any) (adapter.Pull, error) {
		pull := &adapter.SlicePull{}
		if raw, ok := cfg["ticks"].([]any); ok {
			for _, it := range raw {
				m := it.(map[string]any)
				pull.Ticks = append(pull.Ticks, adapter.Tick{
					T: time.Unix(0, int64(m["t"].(int))),
					V: types.Int(int64(m["value"].(int))),
				})
			}
		}
		return pull, nil
	})
	reg.RegisterNode("sum", func(cfg map[string]any) (graph.Node, error) {
		return graph.FuncNode{Fire: func(ctx graph.Context) error {
			var total int64
			for i := 0; i < ctx.Inputs(); i++ {
				if v, ok := ctx.Input(i).Last(); ok {
					total += v.Int()
				}
			}
			return ctx.Write(0, types.Int(total))
		}}, nil
	})
	return reg
}

const adderSpec = `
adapters:
  - name: A
    kind: replay
    mode: pull
    type: int
    config:
      ticks:
        - {t: 10, value: 1}
        - {t: 30, value: 3}
  - name: B
    kind: replay
    mode: pull
    type: int
    config:
      ticks:
        - {t: 20, value: 10}
        - {t: 30, value: 20}
nodes:
  - name: adder
    kind: sum
    outputs:
      - {name: O, type: int}
    inputs:
      - {edge: A}
      - {edge: B}
sinks:
  - {name: out, edge: O}
`

func TestBuildAndRunFromSpec(t *testing.T) {
	spec, err := Parse([]byte(adderSpec))
	require.NoError(t, err)

	var got []int64
	g, err := Build(spec, testRegistry(), BuildOptions{
		Sink: func(name string) graph.SinkFunc {
			return func(_ time.Time, v types.Value) { got = append(got, v.Int()) }
		},
	})
	require.NoError(t, err)

	e, err := cascade.New(cascade.Config{})
	require.NoError(t, err)
	start := time.Unix(0, 0)
	require.NoError(t, e.Run(context.Background(), g, cascade.RunOptions{Start: start, End: start.Add(time.Second)}))

	assert.Equal(t, []int64{1, 11, 23}, got)
}

func TestBuildUnknownNodeKind(t *testing.T) {
	spec, err := Parse([]byte("nodes:\n  - {name: x, kind: nope}\n"))
	require.NoError(t, err)
	_, err = Build(spec, testRegistry(), BuildOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown node kind")
}

func TestBuildUnwiredInput(t *testing.T) {
	spec, err := Parse([]byte(`
nodes:
  - name: x
    kind: sum
    outputs: [{name: o, type: int}]
    inputs: [{edge: missing}]
`))
	require.NoError(t, err)
	_, err = Build(spec, testRegistry(), BuildOptions{})
	assert.ErrorIs(t, err, types.ErrUnwiredInput)
}

func TestBuildDuplicateEdgeName(t *testing.T) {
	spec, err := Parse([]byte(`
nodes:
  - name: x
    kind: sum
    outputs: [{name: o, type: int}]
  - name: y
    kind: sum
    outputs: [{name: o, type: int}]
`))
	require.NoError(t, err)
	_, err = Build(spec, testRegistry(), BuildOptions{})
	assert.ErrorIs(t, err, types.ErrDuplicateEdge)
}

func TestFeedbackSpecWiring(t *testing.T) {
	spec, err := Parse([]byte(`
adapters:
  - name: S
    kind: replay
    mode: pull
    type: int
    config:
      ticks: [{t: 10, value: 1}]
nodes:
  - name: acc
    kind: sum
    outputs: [{name: out, type: int}]
    inputs:
      - {edge: S}
      - {edge: prev, passive: true}
feedbacks:
  - {name: prev, type: int, bind: out}
`))
	require.NoError(t, err)
	g, err := Build(spec, testRegistry(), BuildOptions{})
	require.NoError(t, err)
	require.NotNil(t, g)
}

func TestBuildBadKind(t *testing.T) {
	spec, err := Parse([]byte("adapters:\n  - {name: a, kind: replay, mode: pull, type: whatever}\n"))
	require.NoError(t, err)
	_, err = Build(spec, testRegistry(), BuildOptions{})
	require.Error(t, err)
}
