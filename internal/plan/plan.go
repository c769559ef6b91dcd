// Package plan builds a Plan: a depth-first traversal of actions reachable
// from a root request, consulting a dependency oracle and populating an
// internal/graph.Graph, with cycle detection run once at the end of
// construction.
package plan

import (
	"context"
	"fmt"

	"github.com/kilnbuild/kiln/internal/action"
	"github.com/kilnbuild/kiln/internal/graph"
)

// Component is the opaque identity of a buildable unit. Its only property
// visible here is its canonical path; everything else (the metadata the
// performer needs to do its job) lives with the performer.
type Component interface {
	Path() string
}

// Dependency names a prerequisite or root action: an operation applied to a
// component.
type Dependency struct {
	Op        action.OperationKind
	Component Component
}

// Oracle answers dependency questions about actions. Implementations may
// cache; Prerequisites must be pure given a fixed on-disk state.
type Oracle interface {
	Prerequisites(ctx context.Context, op action.OperationKind, c Component) ([]Dependency, error)
	NeededInImage(op action.OperationKind, c Component) bool
	AlreadyDone(op action.OperationKind, c Component) (bool, error)
}

// Record is everything the scheduler needs to know about one action once
// the plan has been built.
type Record struct {
	Key           action.Key
	Component     Component
	NeededInImage bool
	// BackgroundOK caches the background-safety classification:
	// op.CanRunInBackground && !NeededInImage && !AlreadyDone.
	BackgroundOK bool
	AlreadyDone  bool
}

// Plan is the finite acyclic set of actions required to satisfy a root
// request, together with their prerequisite edges.
type Plan struct {
	Graph *graph.Graph

	// AllActions records every action in discovery order. Because the
	// builder recurses into prerequisites before appending the current
	// action, this is already a valid forward topological order: every
	// action appears after all of
	// its prerequisites. The serialized fallback (internal/scheduler) can
	// therefore iterate it directly, with no reversal needed.
	AllActions []Record

	// Ready lists the keys that had no prerequisites at all, in discovery
	// order — the initial contents of the scheduler's ready queue.
	Ready []action.Key

	byKey map[action.Key]Record
}

// ByKey looks up a Record by its action key.
func (p *Plan) ByKey(key action.Key) (Record, bool) {
	r, ok := p.byKey[key]
	return r, ok
}

// OracleError wraps an error raised by the dependency oracle while building
// the plan for a specific action; it is fatal.
type OracleError struct {
	Key action.Key
	Err error
}

func (e *OracleError) Error() string {
	return fmt.Sprintf("plan: oracle error for %v: %v", e.Key, e.Err)
}

func (e *OracleError) Unwrap() error { return e.Err }

// Build performs a depth-first, memoized traversal starting from root,
// recording every discovered action and its prerequisite edges, and runs
// CheckAcyclic exactly once at the end.
func Build(ctx context.Context, oracle Oracle, root Dependency) (*Plan, error) {
	p := &Plan{
		Graph: graph.New(),
		byKey: make(map[action.Key]Record),
	}
	visited := make(map[action.Key]bool)

	var visit func(dep Dependency) (action.Key, error)
	visit = func(dep Dependency) (action.Key, error) {
		key := action.NewKey(dep.Op, dep.Component.Path())
		if visited[key] {
			return key, nil
		}
		visited[key] = true

		prereqs, err := oracle.Prerequisites(ctx, dep.Op, dep.Component)
		if err != nil {
			return key, &OracleError{Key: key, Err: err}
		}

		for _, pre := range prereqs {
			preKey, err := visit(pre)
			if err != nil {
				return key, err
			}
			p.Graph.RecordEdge(&key, preKey)
		}
		if len(prereqs) == 0 {
			p.Graph.RecordEdge(nil, key)
		}

		done, err := oracle.AlreadyDone(dep.Op, dep.Component)
		if err != nil {
			return key, &OracleError{Key: key, Err: err}
		}
		needed := oracle.NeededInImage(dep.Op, dep.Component)
		caps := action.DefaultCapabilities(dep.Op)

		rec := Record{
			Key:           key,
			Component:     dep.Component,
			NeededInImage: needed,
			BackgroundOK:  caps.CanRunInBackground && !needed && !done,
			AlreadyDone:   done,
		}
		p.AllActions = append(p.AllActions, rec)
		p.byKey[key] = rec

		if p.Graph.Ready(key) {
			p.Ready = append(p.Ready, key)
		}
		return key, nil
	}

	if _, err := visit(root); err != nil {
		return nil, err
	}

	if err := p.Graph.CheckAcyclic(); err != nil {
		return nil, err
	}

	return p, nil
}

// BuildLinearSequence constructs a synthetic Plan from a fixed, externally
// supplied action order rather than a traversal, for breadcrumb replay.
// Each action's only prerequisite is its predecessor in keys,
// so the scheduler can only ever have one action ready at a time and is
// forced to execute them in exactly this order, regardless of what would
// otherwise be eligible to run in the background. The dependency oracle is
// never consulted; every action is treated as not yet done.
func BuildLinearSequence(keys []action.Key, components map[action.Key]Component) *Plan {
	p := &Plan{Graph: graph.New(), byKey: make(map[action.Key]Record)}
	for i, key := range keys {
		if i == 0 {
			p.Graph.RecordEdge(nil, key)
		} else {
			p.Graph.RecordEdge(&key, keys[i-1])
		}

		caps := action.DefaultCapabilities(key.Kind)
		rec := Record{
			Key:           key,
			Component:     components[key],
			NeededInImage: caps.NeededInImage,
			BackgroundOK:  caps.CanRunInBackground,
		}
		p.AllActions = append(p.AllActions, rec)
		p.byKey[key] = rec
	}
	if len(keys) > 0 {
		p.Ready = []action.Key{keys[0]}
	}
	return p
}
