// Package graphspec builds a finalized graph from a declarative YAML
// description: node specs (kind id + config blob + subscriptions), edge
// specs and adapter specs. Node and adapter kinds are resolved through a
// Registry populated by the embedding application.
package graphspec

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wavecrest/cascade/adapter"
	"github.com/wavecrest/cascade/graph"
	"github.com/wavecrest/cascade/types"
)

// Spec is the root YAML document.
type Spec struct {
	Adapters  []AdapterSpec  `yaml:"adapters"`
	Nodes     []NodeSpec     `yaml:"nodes"`
	Feedbacks []FeedbackSpec `yaml:"feedbacks"`
	Sinks     []SinkSpec     `yaml:"sinks"`
}

type AdapterSpec struct {
	Name       string         `yaml:"name"`
	Kind       string         `yaml:"kind"` // registered adapter kind
	Mode       string         `yaml:"mode"` // pull | push | pushpull
	Type       string         `yaml:"type"` // edge value kind
	LatePolicy string         `yaml:"late_policy"`
	Config     map[string]any `yaml:"config"`
}

type NodeSpec struct {
	Name    string         `yaml:"name"`
	Kind    string         `yaml:"kind"` // registered node kind
	Config  map[string]any `yaml:"config"`
	Outputs []OutputSpec   `yaml:"outputs"`
	Inputs  []InputSpec    `yaml:"inputs"`
	Alarms  []string       `yaml:"alarms"` // value kinds
}

type OutputSpec struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

type InputSpec struct {
	Edge    string `yaml:"edge"`
	Passive bool   `yaml:"passive"`
	History int    `yaml:"history"`
}

type FeedbackSpec struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	Bind string `yaml:"bind"` // source edge name
}

type SinkSpec struct {
	Name string `yaml:"name"`
	Edge string `yaml:"edge"`
}

// NodeFactory constructs a node handler from its config blob.
type NodeFactory func(config map[string]any) (graph.Node, error)

// PullFactory constructs a pull adapter from its config blob.
type PullFactory func(config map[string]any) (adapter.Pull, error)

// PushFactory constructs a push adapter from its config blob.
type PushFactory func(config map[string]any) (adapter.Push, error)

// PushPullFactory constructs a push-pull adapter from its config blob.
type PushPullFactory func(config map[string]any) (adapter.PushPull, error)

// Registry maps kind ids onto factories. Register at program init; Build
// resolves names against it.
type Registry struct {
	nodes     map[string]NodeFactory
	pulls     map[string]PullFactory
	pushes    map[string]PushFactory
	pushPulls map[string]PushPullFactory
}

func NewRegistry() *Registry {
	return &Registry{
		nodes:     make(map[string]NodeFactory),
		pulls:     make(map[string]PullFactory),
		pushes:    make(map[string]PushFactory),
		pushPulls: make(map[string]PushPullFactory),
	}
}

func (r *Registry) RegisterNode(kind string, f NodeFactory)         { r.nodes[kind] = f }
func (r *Registry) RegisterPull(kind string, f PullFactory)         { r.pulls[kind] = f }
func (r *Registry) RegisterPush(kind string, f PushFactory)         { r.pushes[kind] = f }
func (r *Registry) RegisterPushPull(kind string, f PushPullFactory) { r.pushPulls[kind] = f }

// BuildOptions parameterize Build.
type BuildOptions struct {
	// Sink supplies the callback for each declared sink by name. Nil sinks
	// are dropped.
	Sink func(name string) graph.SinkFunc
}

// Parse decodes a YAML document.
func Parse(data []byte) (*Spec, error) {
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse graph spec: %w", err)
	}
	return &s, nil
}

// ParseFile decodes a YAML file.
func ParseFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph spec: %w", err)
	}
	return Parse(data)
}

// Build resolves the spec against the registry and finalizes the graph.
func Build(s *Spec, reg *Registry, opts BuildOptions) (*graph.Graph, error) {
	b := graph.NewBuilder()
	edges := make(map[string]*graph.EdgeInfo)

	addEdge := func(name string, e *graph.EdgeInfo) error {
		if _, dup := edges[name]; dup {
			return types.NewBuildError("", name, types.ErrDuplicateEdge)
		}
		edges[name] = e
		return nil
	}

	for _, as := range s.Adapters {
		kind, err := types.ParseKind(as.Type)
		if err != nil {
			return nil, types.NewBuildError("", as.Name, err)
		}
		policy := adapter.LateClamp
		if as.LatePolicy == "drop" {
			policy = adapter.LateDrop
		}
		var e *graph.EdgeInfo
		switch as.Mode {
		case "", "pull":
			f, ok := reg.pulls[as.Kind]
			if !ok {
				return nil, types.NewBuildError("", as.Name, fmt.Errorf("unknown pull adapter kind %q", as.Kind))
			}
			impl, err := f(as.Config)
			if err != nil {
				return nil, types.NewBuildError("", as.Name, err)
			}
			e = b.AddPull(as.Name, kind, impl)
		case "push":
			f, ok := reg.pushes[as.Kind]
			if !ok {
				return nil, types.NewBuildError("", as.Name, fmt.Errorf("unknown push adapter kind %q", as.Kind))
			}
			impl, err := f(as.Config)
			if err != nil {
				return nil, types.NewBuildError("", as.Name, err)
			}
			e = b.AddPush(as.Name, kind, impl, policy)
		case "pushpull", "push-pull":
			f, ok := reg.pushPulls[as.Kind]
			if !ok {
				return nil, types.NewBuildError("", as.Name, fmt.Errorf("unknown push-pull adapter kind %q", as.Kind))
			}
			impl, err := f(as.Config)
			if err != nil {
				return nil, types.NewBuildError("", as.Name, err)
			}
			e = b.AddPushPull(as.Name, kind, impl, policy)
		default:
			return nil, types.NewBuildError("", as.Name, fmt.Errorf("unknown adapter mode %q", as.Mode))
		}
		if err := addEdge(as.Name, e); err != nil {
			return nil, err
		}
	}

	// Declare nodes and outputs first so inputs can reference any edge
	// regardless of declaration order.
	decls := make([]*graph.NodeDecl, len(s.Nodes))
	for i, ns := range s.Nodes {
		f, ok := reg.nodes[ns.Kind]
		if !ok {
			return nil, types.NewBuildError(ns.Name, "", fmt.Errorf("unknown node kind %q", ns.Kind))
		}
		h, err := f(ns.Config)
		if err != nil {
			return nil, types.NewBuildError(ns.Name, "", err)
		}
		nd := b.AddNode(ns.Name, h)
		decls[i] = nd
		for _, out := range ns.Outputs {
			kind, err := types.ParseKind(out.Type)
			if err != nil {
				return nil, types.NewBuildError(ns.Name, out.Name, err)
			}
			if err := addEdge(out.Name, nd.Output(out.Name, kind)); err != nil {
				return nil, err
			}
		}
		for _, ak := range ns.Alarms {
			kind, err := types.ParseKind(ak)
			if err != nil {
				return nil, types.NewBuildError(ns.Name, "", err)
			}
			nd.Alarm(kind)
		}
	}

	for _, fs := range s.Feedbacks {
		kind, err := types.ParseKind(fs.Type)
		if err != nil {
			return nil, types.NewBuildError("", fs.Name, err)
		}
		if err := addEdge(fs.Name, b.AddFeedback(fs.Name, kind)); err != nil {
			return nil, err
		}
	}
	for _, fs := range s.Feedbacks {
		src, ok := edges[fs.Bind]
		if !ok {
			return nil, types.NewBuildError("", fs.Name, types.ErrUnwiredInput)
		}
		b.BindFeedback(edges[fs.Name], src)
	}

	for i, ns := range s.Nodes {
		for _, in := range ns.Inputs {
			e, ok := edges[in.Edge]
			if !ok {
				return nil, types.NewBuildError(ns.Name, in.Edge, types.ErrUnwiredInput)
			}
			decls[i].Subscribe(e, graph.Sub{Passive: in.Passive, History: in.History})
		}
	}

	for _, ss := range s.Sinks {
		e, ok := edges[ss.Edge]
		if !ok {
			return nil, types.NewBuildError(ss.Name, ss.Edge, types.ErrUnwiredInput)
		}
		var fn graph.SinkFunc
		if opts.Sink != nil {
			fn = opts.Sink(ss.Name)
		}
		if fn == nil {
			continue
		}
		b.AddSink(ss.Name, e, fn)
	}

	return b.Finalize()
}
