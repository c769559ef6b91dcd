// Package graph implements the plan's dependency graph: bidirectional
// parent/child maps over action keys, with ready-set derivation and cycle
// detection, built on gonum's directed graph and topological sort rather
// than hand-rolled adjacency lists.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kilnbuild/kiln/internal/action"
	gonumgraph "gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// keyNode adapts an action.Key to gonum's graph.Node interface.
type keyNode struct {
	id  int64
	key action.Key
}

func (n keyNode) ID() int64 { return n.id }

// Graph holds an edge parent->child meaning "parent waits on child":
// a parent's remaining children are g.From(parent), and the waiters on a
// child are g.To(child).
type Graph struct {
	g      *simple.DirectedGraph
	nodeOf map[action.Key]keyNode
	nextID int64
}

// New returns an empty dependency graph.
func New() *Graph {
	return &Graph{
		g:      simple.NewDirectedGraph(),
		nodeOf: make(map[action.Key]keyNode),
	}
}

func (d *Graph) nodeFor(k action.Key) keyNode {
	if n, ok := d.nodeOf[k]; ok {
		return n
	}
	n := keyNode{id: d.nextID, key: k}
	d.nextID++
	d.nodeOf[k] = n
	d.g.AddNode(n)
	return n
}

// RecordEdge ensures child is registered (with an empty child-set if new).
// When parent is non-nil, it additionally records the symmetric edge
// parent->child. Idempotent.
func (d *Graph) RecordEdge(parent *action.Key, child action.Key) {
	c := d.nodeFor(child)
	if parent == nil {
		return
	}
	p := d.nodeFor(*parent)
	if d.g.HasEdgeFromTo(p.ID(), c.ID()) {
		return
	}
	d.g.SetEdge(d.g.NewEdge(p, c))
}

// Ready reports whether key is registered and has no remaining children,
// i.e. all of its prerequisites are done.
func (d *Graph) Ready(key action.Key) bool {
	n, ok := d.nodeOf[key]
	if !ok {
		return false
	}
	return d.g.From(n.ID()).Len() == 0
}

// Exists reports whether key is still present in the graph, i.e. its
// status is one of Pending, Ready or Running.
func (d *Graph) Exists(key action.Key) bool {
	_, ok := d.nodeOf[key]
	return ok
}

// MarkDone removes key's edges in both directions, returning the parents
// that became newly ready (their last child was key) and the children that
// became orphaned (their last parent was key). Orphaned children are
// reported for diagnostic purposes only; callers are free to ignore them.
func (d *Graph) MarkDone(key action.Key) (newlyReady, orphanedChildren []action.Key) {
	n, ok := d.nodeOf[key]
	if !ok {
		return nil, nil
	}

	var parents, children []keyNode
	for to := d.g.To(n.ID()); to.Next(); {
		parents = append(parents, to.Node().(keyNode))
	}
	for from := d.g.From(n.ID()); from.Next(); {
		children = append(children, from.Node().(keyNode))
	}

	for _, p := range parents {
		d.g.RemoveEdge(p.ID(), n.ID())
		if d.g.From(p.ID()).Len() == 0 {
			newlyReady = append(newlyReady, p.key)
		}
	}

	for _, c := range children {
		d.g.RemoveEdge(n.ID(), c.ID())
		if d.g.To(c.ID()).Len() == 0 {
			orphanedChildren = append(orphanedChildren, c.key)
		}
	}

	d.g.RemoveNode(n.ID())
	delete(d.nodeOf, key)

	return newlyReady, orphanedChildren
}

// IsEmpty reports whether both the parent and child maps are empty, i.e. no
// action remains in {Pending, Ready, Running}.
func (d *Graph) IsEmpty() bool {
	return d.g.Nodes().Len() == 0
}

// CycleError is returned by CheckAcyclic when the graph contains a cycle. It
// carries, per action involved in a cyclic component, the children it is
// still waiting on.
type CycleError struct {
	Remaining map[action.Key][]action.Key
}

func (e *CycleError) Error() string {
	var b strings.Builder
	keys := make([]action.Key, 0, len(e.Remaining))
	for k := range e.Remaining {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	fmt.Fprintf(&b, "cycle detected among %d action(s):\n", len(keys))
	for _, k := range keys {
		fmt.Fprintf(&b, "  %v still waits on %v\n", k, e.Remaining[k])
	}
	return b.String()
}

// CheckAcyclic reports whether the graph, as currently populated, is
// acyclic. It is meant to run exactly once, at plan-construction time, on a
// fresh clone so the live graph handed to the scheduler is never mutated by
// the check. A cycle is fatal: it is reported as a *CycleError, never
// silently broken.
func (d *Graph) CheckAcyclic() error {
	clone := simple.NewDirectedGraph()
	gonumgraph.Copy(clone, d.g)

	if _, err := topo.Sort(clone); err != nil {
		uo, ok := err.(topo.Unorderable)
		if !ok {
			return err
		}
		remaining := make(map[action.Key][]action.Key)
		for _, component := range uo {
			for _, gn := range component {
				n := gn.(keyNode)
				var children []action.Key
				for from := clone.From(n.ID()); from.Next(); {
					children = append(children, from.Node().(keyNode).key)
				}
				remaining[n.key] = children
			}
		}
		return &CycleError{Remaining: remaining}
	}
	return nil
}

// DebugDump renders the graph's remaining parent/child edges as a
// human-readable summary, used when a fatal error aborts the build so the
// operator can see the in-flight plan state.
func (d *Graph) DebugDump() string {
	keys := make([]action.Key, 0, len(d.nodeOf))
	for k := range d.nodeOf {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	var b strings.Builder
	for _, k := range keys {
		n := d.nodeOf[k]
		var children []action.Key
		for from := d.g.From(n.ID()); from.Next(); {
			children = append(children, from.Node().(keyNode).key)
		}
		fmt.Fprintf(&b, "%v: waiting on %v\n", k, children)
	}
	return b.String()
}
