// Package dag renders saga definitions as directed graphs of forward and
// compensating invocations.
package dag

import (
	"fmt"
	"sort"

	"github.com/fortressi/sagaorch/set"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

type Graph struct {
	*simple.DirectedGraph
	name      string
	attrs     encoding.Attributes
	nodeAttrs encoding.Attributes
	edgeAttrs encoding.Attributes
	byID      map[string]*Node
}

func New(name string) *Graph {
	return &Graph{
		DirectedGraph: simple.NewDirectedGraph(),
		name:          name,
		byID:          make(map[string]*Node),
	}
}

// DOTAttributers implements dot.Attributers.
func (g *Graph) DOTAttributers() (graph, node, edge encoding.Attributer) {
	return &g.attrs, &g.nodeAttrs, &g.edgeAttrs
}

func (g *Graph) SetAttribute(attr encoding.Attribute) error {
	return g.attrs.SetAttribute(attr)
}

// NodeKind tells forward nodes from compensation nodes.
type NodeKind int

const (
	KindDo NodeKind = iota
	KindUndo
)

func (k NodeKind) prefix() string {
	if k == KindUndo {
		return "undo"
	}
	return "do"
}

type Node struct {
	graph.Node
	Step  string
	Kind  NodeKind
	attrs encoding.Attributes
}

// DOTID implements dot.Node.
func (n *Node) DOTID() string {
	return n.Kind.prefix() + ":" + n.Step
}

func (n *Node) Attributes() []encoding.Attribute {
	return n.attrs.Attributes()
}

func (n *Node) SetAttribute(attr encoding.Attribute) error {
	return n.attrs.SetAttribute(attr)
}

// AddNode adds a named node. Adding the same step and kind twice is an error.
func (g *Graph) addNode(step string, kind NodeKind, label string) (*Node, error) {
	n := &Node{Node: g.NewNode(), Step: step, Kind: kind}
	if _, ok := g.byID[n.DOTID()]; ok {
		return nil, fmt.Errorf("node %q already exists", n.DOTID())
	}
	if err := n.SetAttribute(encoding.Attribute{Key: "label", Value: label}); err != nil {
		return nil, err
	}
	if kind == KindUndo {
		if err := n.SetAttribute(encoding.Attribute{Key: "style", Value: "dashed"}); err != nil {
			return nil, err
		}
	}
	g.AddNode(n)
	g.byID[n.DOTID()] = n
	return n, nil
}

func (g *Graph) connect(from, to *Node) {
	g.SetEdge(simple.Edge{F: from, T: to})
}

// ExportToDot exports the graph to Graphviz .dot format.
func (g *Graph) ExportToDot() (string, error) {
	data, err := dot.Marshal(g, g.name, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to export saga graph to DOT format: %w", err)
	}
	return string(data), nil
}

// Step is the graph view of a saga step.
type Step struct {
	Name         string
	Participant  string
	Action       string
	Compensation string
}

// BuildSaga builds the invocation graph of a saga. Actions are chained in
// declaration order; each compensation depends on its own action and on the
// compensation of the next compensable step, so compensations chain in
// reverse.
func BuildSaga(sagaType string, steps []Step) (*Graph, error) {
	g := New(sagaType)
	names := &set.Set[string]{}

	var prevDo, laterUndo *Node
	undos := make([]*Node, len(steps))
	for i, s := range steps {
		if !names.Insert(s.Name) {
			return nil, fmt.Errorf("step %q declared twice", s.Name)
		}
		do, err := g.addNode(s.Name, KindDo, s.Participant+"."+s.Action)
		if err != nil {
			return nil, err
		}
		if prevDo != nil {
			g.connect(prevDo, do)
		}
		prevDo = do

		if s.Compensation == "" {
			continue
		}
		undo, err := g.addNode(s.Name, KindUndo, s.Participant+"."+s.Compensation)
		if err != nil {
			return nil, err
		}
		g.connect(do, undo)
		undos[i] = undo
	}
	for i := len(undos) - 1; i >= 0; i-- {
		if undos[i] == nil {
			continue
		}
		if laterUndo != nil {
			g.connect(laterUndo, undos[i])
		}
		laterUndo = undos[i]
	}
	return g, nil
}

// CompensationOrder returns the step names whose compensations run, in the
// order the graph allows them to run.
func (g *Graph) CompensationOrder() ([]string, error) {
	sorted, err := topo.SortStabilized(g, func(nodes []graph.Node) {
		sort.Slice(nodes, func(i, j int) bool {
			return nodes[i].ID() < nodes[j].ID()
		})
	})
	if err != nil {
		return nil, fmt.Errorf("topological sort failed (cycle detected?): %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, n := range sorted {
		if node, ok := n.(*Node); ok && node.Kind == KindUndo {
			order = append(order, node.Step)
		}
	}
	return order, nil
}
