package graph

import (
	"testing"

	"github.com/kilnbuild/kiln/internal/action"
)

func ck(path string) action.Key { return action.NewKey(action.Compile, path) }

func TestRecordEdgeAndReady(t *testing.T) {
	g := New()
	a, b := ck("a"), ck("b")
	g.RecordEdge(&a, b) // a waits on b
	g.RecordEdge(nil, b)

	if g.Ready(a) {
		t.Fatal("a should not be ready: it still waits on b")
	}
	if !g.Ready(b) {
		t.Fatal("b should be ready: it has no children")
	}
	if !g.Exists(a) || !g.Exists(b) {
		t.Fatal("both a and b should exist while Pending/Ready")
	}
}

func TestMarkDoneUnblocksParent(t *testing.T) {
	g := New()
	a, b := ck("a"), ck("b")
	g.RecordEdge(&a, b)

	newlyReady, orphaned := g.MarkDone(b)
	if len(orphaned) != 0 {
		t.Fatalf("b has no children of its own, want no orphans, got %v", orphaned)
	}
	if len(newlyReady) != 1 || newlyReady[0] != a {
		t.Fatalf("MarkDone(b) newlyReady = %v, want [%v]", newlyReady, a)
	}
	if !g.Ready(a) {
		t.Fatal("a should be ready after its only child b is done")
	}
	if g.Exists(b) {
		t.Fatal("b should be erased from the graph once done")
	}
}

func TestMarkDoneDiamond(t *testing.T) {
	// a depends on b and c, both of which depend on d.
	g := New()
	a, b, c, d := ck("a"), ck("b"), ck("c"), ck("d")
	g.RecordEdge(&a, b)
	g.RecordEdge(&a, c)
	g.RecordEdge(&b, d)
	g.RecordEdge(&c, d)

	if g.Ready(a) || g.Ready(b) || g.Ready(c) {
		t.Fatal("only d should be ready initially")
	}
	if !g.Ready(d) {
		t.Fatal("d has no children, should be ready")
	}

	newlyReady, _ := g.MarkDone(d)
	sortedContains := func(ks []action.Key, want action.Key) bool {
		for _, k := range ks {
			if k == want {
				return true
			}
		}
		return false
	}
	if len(newlyReady) != 2 || !sortedContains(newlyReady, b) || !sortedContains(newlyReady, c) {
		t.Fatalf("MarkDone(d) newlyReady = %v, want [b c] in some order", newlyReady)
	}

	if _, orphaned := g.MarkDone(b); len(orphaned) != 0 {
		t.Fatalf("b marking done should not orphan d (already removed), got %v", orphaned)
	}
	if g.Ready(a) {
		t.Fatal("a should still wait on c")
	}
	newlyReady, _ = g.MarkDone(c)
	if len(newlyReady) != 1 || newlyReady[0] != a {
		t.Fatalf("MarkDone(c) newlyReady = %v, want [a]", newlyReady)
	}
	g.MarkDone(a)
	if !g.IsEmpty() {
		t.Fatalf("graph should be empty after draining the diamond, dump:\n%s", g.DebugDump())
	}
}

func TestOrphanedChildren(t *testing.T) {
	// a depends on b; b depends on c; nothing else depends on c.
	// Marking b done directly (without c ever completing through the normal
	// path) should report c as orphaned.
	g := New()
	a, b, c := ck("a"), ck("b"), ck("c")
	g.RecordEdge(&a, b)
	g.RecordEdge(&b, c)

	_, orphaned := g.MarkDone(b)
	if len(orphaned) != 1 || orphaned[0] != c {
		t.Fatalf("MarkDone(b) orphanedChildren = %v, want [c]", orphaned)
	}
	// c remains registered; it is merely informational that it lost its last
	// parent.
	if !g.Exists(c) {
		t.Fatal("orphaned child c should remain registered, not be erased")
	}
}

func TestCheckAcyclicAcceptsDAG(t *testing.T) {
	g := New()
	a, b, c := ck("a"), ck("b"), ck("c")
	g.RecordEdge(&a, b)
	g.RecordEdge(&b, c)
	if err := g.CheckAcyclic(); err != nil {
		t.Fatalf("CheckAcyclic on a DAG: %v", err)
	}
	// Checking must not mutate the live graph.
	if g.Ready(a) {
		t.Fatal("CheckAcyclic must not mutate the live graph")
	}
}

func TestCheckAcyclicRejectsCycle(t *testing.T) {
	g := New()
	a, b := ck("a"), ck("b")
	g.RecordEdge(&a, b)
	g.RecordEdge(&b, a)

	err := g.CheckAcyclic()
	if err == nil {
		t.Fatal("expected CycleDetected for a<->b, got nil")
	}
	cycleErr, ok := err.(*CycleError)
	if !ok {
		t.Fatalf("expected *CycleError, got %T: %v", err, err)
	}
	if len(cycleErr.Remaining) == 0 {
		t.Fatal("CycleError should describe at least one action's remaining children")
	}
}
