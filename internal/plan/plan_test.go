package plan

import (
	"context"
	"errors"
	"testing"

	"github.com/kilnbuild/kiln/internal/action"
)

type comp string

func (c comp) Path() string { return string(c) }

// fakeOracle implements Oracle over an in-memory adjacency map keyed by
// component path, for a single operation kind (Compile), with a
// configurable set of already-done components.
type fakeOracle struct {
	deps    map[string][]string
	done    map[string]bool
	errorOn string
}

func (f *fakeOracle) Prerequisites(ctx context.Context, op action.OperationKind, c Component) ([]Dependency, error) {
	if c.Path() == f.errorOn {
		return nil, errors.New("boom")
	}
	var deps []Dependency
	for _, d := range f.deps[c.Path()] {
		deps = append(deps, Dependency{Op: action.Compile, Component: comp(d)})
	}
	return deps, nil
}

func (f *fakeOracle) NeededInImage(op action.OperationKind, c Component) bool { return false }

func (f *fakeOracle) AlreadyDone(op action.OperationKind, c Component) (bool, error) {
	return f.done[c.Path()], nil
}

func TestBuildDiamond(t *testing.T) {
	o := &fakeOracle{
		deps: map[string][]string{
			"a": {"b", "c"},
			"b": {"d"},
			"c": {"d"},
		},
	}
	p, err := Build(context.Background(), o, Dependency{Op: action.Compile, Component: comp("a")})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(p.AllActions) != 4 {
		t.Fatalf("AllActions = %d entries, want 4", len(p.AllActions))
	}
	// d must precede b and c, which must precede a, in AllActions order.
	pos := make(map[string]int)
	for i, rec := range p.AllActions {
		pos[rec.Key.Path] = i
	}
	if pos["d"] > pos["b"] || pos["d"] > pos["c"] {
		t.Fatalf("d must be discovered before b and c: positions=%v", pos)
	}
	if pos["b"] > pos["a"] || pos["c"] > pos["a"] {
		t.Fatalf("b and c must be discovered before a: positions=%v", pos)
	}
	if len(p.Ready) != 1 || p.Ready[0].Path != "d" {
		t.Fatalf("Ready = %v, want only d (it has no prerequisites)", p.Ready)
	}
}

func TestBuildAlreadyDoneNotBackgroundOK(t *testing.T) {
	o := &fakeOracle{
		deps: map[string][]string{"a": {"b"}},
		done: map[string]bool{"b": true},
	}
	p, err := Build(context.Background(), o, Dependency{Op: action.Compile, Component: comp("a")})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	rec, ok := p.ByKey(action.NewKey(action.Compile, "b"))
	if !ok {
		t.Fatal("expected record for b")
	}
	if !rec.AlreadyDone {
		t.Fatal("b should be marked already done")
	}
	if rec.BackgroundOK {
		t.Fatal("an already-done action must not be classified background_ok")
	}
}

func TestBuildOracleErrorIsFatal(t *testing.T) {
	o := &fakeOracle{
		deps:    map[string][]string{"a": {"b"}},
		errorOn: "b",
	}
	_, err := Build(context.Background(), o, Dependency{Op: action.Compile, Component: comp("a")})
	if err == nil {
		t.Fatal("expected an OracleError")
	}
	var oerr *OracleError
	if !errors.As(err, &oerr) {
		t.Fatalf("expected *OracleError, got %T: %v", err, err)
	}
}

func TestBuildRejectsCycle(t *testing.T) {
	o := &fakeOracle{
		deps: map[string][]string{
			"a": {"b"},
			"b": {"a"},
		},
	}
	_, err := Build(context.Background(), o, Dependency{Op: action.Compile, Component: comp("a")})
	if err == nil {
		t.Fatal("expected a cycle error")
	}
}
