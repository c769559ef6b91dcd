package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kilnbuild/kiln/internal/action"
	"github.com/kilnbuild/kiln/internal/state"
)

const fixture = `component {
  path: "lib/base"
  version: "1.0.0"
}
component {
  path: "lib/util"
  version: "1.2.0"
  compile_prerequisite: "lib/base"
}
component {
  path: "app/main"
  version: "2.0.0"
  compile_prerequisite: "lib/util"
  load_prerequisite: "lib/util"
  needed_in_image_load: true
}
`

func writeFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.kiln-plan.textproto")
	if err := os.WriteFile(path, []byte(fixture), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadCatalogParsesComponents(t *testing.T) {
	cat, err := ReadCatalog(writeFixture(t))
	if err != nil {
		t.Fatalf("ReadCatalog: %v", err)
	}
	if len(cat.Components) != 3 {
		t.Fatalf("got %d components, want 3", len(cat.Components))
	}
	main, ok := cat.Components["app/main"]
	if !ok {
		t.Fatal("missing app/main")
	}
	want := &ComponentSpec{
		Path:           "app/main",
		Version:        "2.0.0",
		CompilePrereqs: []string{"lib/util"},
		LoadPrereqs:    []string{"lib/util"},
		NeededInImage:  map[string]bool{"load": true},
	}
	if diff := cmp.Diff(want, main); diff != "" {
		t.Fatalf("app/main: unexpected ComponentSpec: diff (-want +got):\n%s", diff)
	}
}

func TestOraclePrerequisitesCompile(t *testing.T) {
	cat, err := ReadCatalog(writeFixture(t))
	if err != nil {
		t.Fatalf("ReadCatalog: %v", err)
	}
	s, err := state.Open(t.TempDir())
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	o := NewOracle(cat, s)

	deps, err := o.Prerequisites(context.Background(), action.Compile, Component("app/main"))
	if err != nil {
		t.Fatalf("Prerequisites: %v", err)
	}
	if len(deps) != 1 || deps[0].Op != action.Compile || deps[0].Component.Path() != "lib/util" {
		t.Fatalf("Prerequisites(compile, app/main) = %v, want [compile lib/util]", deps)
	}
}

func TestOraclePrerequisitesLoadIncludesOwnCompile(t *testing.T) {
	cat, err := ReadCatalog(writeFixture(t))
	if err != nil {
		t.Fatalf("ReadCatalog: %v", err)
	}
	s, err := state.Open(t.TempDir())
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	o := NewOracle(cat, s)

	deps, err := o.Prerequisites(context.Background(), action.Load, Component("app/main"))
	if err != nil {
		t.Fatalf("Prerequisites: %v", err)
	}
	if len(deps) != 2 {
		t.Fatalf("Prerequisites(load, app/main) = %v, want 2 entries", deps)
	}
	if deps[0].Op != action.Compile || deps[0].Component.Path() != "app/main" {
		t.Fatalf("deps[0] = %v, want compile of app/main itself", deps[0])
	}
	if deps[1].Op != action.Load || deps[1].Component.Path() != "lib/util" {
		t.Fatalf("deps[1] = %v, want load of lib/util", deps[1])
	}
}

func TestOracleNeededInImageOverrideAndDefault(t *testing.T) {
	cat, err := ReadCatalog(writeFixture(t))
	if err != nil {
		t.Fatalf("ReadCatalog: %v", err)
	}
	s, err := state.Open(t.TempDir())
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	o := NewOracle(cat, s)

	if !o.NeededInImage(action.Load, Component("app/main")) {
		t.Fatal("app/main's explicit needed_in_image_load override should report true")
	}
	// lib/base has no override; Compile's default is not needed-in-image.
	if o.NeededInImage(action.Compile, Component("lib/base")) {
		t.Fatal("lib/base has no override; Compile should fall back to the default (not needed in image)")
	}
}

func TestOracleAlreadyDoneConsultsStateStore(t *testing.T) {
	cat, err := ReadCatalog(writeFixture(t))
	if err != nil {
		t.Fatalf("ReadCatalog: %v", err)
	}
	s, err := state.Open(t.TempDir())
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	o := NewOracle(cat, s)

	done, err := o.AlreadyDone(action.Compile, Component("lib/base"))
	if err != nil {
		t.Fatalf("AlreadyDone: %v", err)
	}
	if done {
		t.Fatal("AlreadyDone should be false before any MarkDone")
	}

	if err := s.MarkDone(action.NewKey(action.Compile, "lib/base"), 42); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	done, err = o.AlreadyDone(action.Compile, Component("lib/base"))
	if err != nil {
		t.Fatalf("AlreadyDone: %v", err)
	}
	if !done {
		t.Fatal("AlreadyDone should be true after MarkDone")
	}
}

func TestIsStaleSemverAndFallback(t *testing.T) {
	cat, err := ReadCatalog(writeFixture(t))
	if err != nil {
		t.Fatalf("ReadCatalog: %v", err)
	}
	stale, err := cat.IsStale("lib/util", "1.1.0")
	if err != nil {
		t.Fatalf("IsStale: %v", err)
	}
	if !stale {
		t.Fatal("1.1.0 installed vs catalog 1.2.0 should be stale")
	}
	stale, err = cat.IsStale("lib/util", "1.2.0")
	if err != nil {
		t.Fatalf("IsStale: %v", err)
	}
	if stale {
		t.Fatal("matching versions should not be stale")
	}
	// Non-semver versions fall back to a plain string comparison.
	stale, err = cat.IsStale("lib/util", "r1.2.0-nonsemver")
	if err != nil {
		t.Fatalf("IsStale: %v", err)
	}
	if !stale {
		t.Fatal("a differing non-semver version should be reported stale via the string fallback")
	}
}

func TestSetVersionAndWriteCatalogRoundTrip(t *testing.T) {
	path := writeFixture(t)
	cat, err := ReadCatalog(path)
	if err != nil {
		t.Fatalf("ReadCatalog: %v", err)
	}
	if err := cat.SetVersion("lib/util", "1.3.0"); err != nil {
		t.Fatalf("SetVersion: %v", err)
	}
	if err := WriteCatalog(path, cat); err != nil {
		t.Fatalf("WriteCatalog: %v", err)
	}

	reread, err := ReadCatalog(path)
	if err != nil {
		t.Fatalf("ReadCatalog after WriteCatalog: %v", err)
	}
	if got := reread.Components["lib/util"].Version; got != "1.3.0" {
		t.Fatalf("reread lib/util.Version = %q, want 1.3.0", got)
	}
	// The other components must survive the rewrite untouched.
	if got := reread.Components["app/main"].Version; got != "2.0.0" {
		t.Fatalf("reread app/main.Version = %q, want unchanged 2.0.0", got)
	}
}
