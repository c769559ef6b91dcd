// Package catalog implements the reference dependency oracle: a
// textproto-described table of components and their prerequisites, parsed
// with github.com/protocolbuffers/txtpbfmt's schema-less AST (parser.Parse,
// ast.GetFromPath) rather than generated message types, plus catalog.Oracle,
// the concrete plan.Oracle cmd/kiln wires in by default. Working on the AST
// keeps machine rewrites (SetVersion + WriteCatalog) from changing the
// values of fields they do not touch; the whole file is re-rendered by
// txtpbfmt's pretty-printer, so its layout may change.
package catalog

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/renameio"
	"github.com/protocolbuffers/txtpbfmt/ast"
	"github.com/protocolbuffers/txtpbfmt/parser"
	"golang.org/x/mod/semver"

	"github.com/kilnbuild/kiln/internal/action"
	"github.com/kilnbuild/kiln/internal/plan"
	"github.com/kilnbuild/kiln/internal/state"
)

// ComponentSpec is one parsed `component { ... }` block of a catalog file.
type ComponentSpec struct {
	Path           string
	Version        string
	CompilePrereqs []string
	LoadPrereqs    []string

	// CompileCommand and LoadCommand are the argv kiln's CommandPerformer
	// (internal/engine) execs to carry out each operation kind for this
	// component, substituting the component's path for any "{}" argument.
	// A component that omits one of these commands is treated by the command
	// performer as a no-op success for that operation kind; a pure library
	// that needs no load step simply omits load_command.
	CompileCommand []string
	LoadCommand    []string

	// NeededInImage holds per-operation overrides of
	// action.DefaultCapabilities, keyed by the operation's kind tag
	// ("compile"/"load"). A missing entry falls back to the default.
	NeededInImage map[string]bool
}

// Catalog is a parsed catalog file: components keyed by canonical path,
// plus the underlying AST so edits (SetVersion) can be written back with
// their original formatting mostly preserved.
type Catalog struct {
	Components map[string]*ComponentSpec

	nodes []*ast.Node
}

func scalarStrings(nodes []*ast.Node, field string) ([]string, error) {
	var out []string
	for _, n := range ast.GetFromPath(nodes, []string{field}) {
		for _, v := range n.Values {
			s, err := strconv.Unquote(v.Value)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", field, err)
			}
			out = append(out, s)
		}
	}
	return out, nil
}

func scalarString(nodes []*ast.Node, field string) (string, bool, error) {
	vals, err := scalarStrings(nodes, field)
	if err != nil {
		return "", false, err
	}
	if len(vals) == 0 {
		return "", false, nil
	}
	return vals[0], true, nil
}

func scalarBool(nodes []*ast.Node, field string) (bool, bool, error) {
	got := ast.GetFromPath(nodes, []string{field})
	if len(got) == 0 {
		return false, false, nil
	}
	if len(got[0].Values) != 1 {
		return false, false, fmt.Errorf("field %s must have exactly one value", field)
	}
	b, err := strconv.ParseBool(got[0].Values[0].Value)
	if err != nil {
		return false, false, fmt.Errorf("field %s: %w", field, err)
	}
	return b, true, nil
}

func parseComponent(children []*ast.Node) (*ComponentSpec, error) {
	path, ok, err := scalarString(children, "path")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("component is missing its required path field")
	}
	version, _, err := scalarString(children, "version")
	if err != nil {
		return nil, err
	}
	compilePrereqs, err := scalarStrings(children, "compile_prerequisite")
	if err != nil {
		return nil, err
	}
	loadPrereqs, err := scalarStrings(children, "load_prerequisite")
	if err != nil {
		return nil, err
	}
	compileCommand, err := scalarStrings(children, "compile_command")
	if err != nil {
		return nil, err
	}
	loadCommand, err := scalarStrings(children, "load_command")
	if err != nil {
		return nil, err
	}

	spec := &ComponentSpec{
		Path:           path,
		Version:        version,
		CompilePrereqs: compilePrereqs,
		LoadPrereqs:    loadPrereqs,
		CompileCommand: compileCommand,
		LoadCommand:    loadCommand,
		NeededInImage:  make(map[string]bool),
	}
	if v, ok, err := scalarBool(children, "needed_in_image_compile"); err != nil {
		return nil, err
	} else if ok {
		spec.NeededInImage[action.Compile.String()] = v
	}
	if v, ok, err := scalarBool(children, "needed_in_image_load"); err != nil {
		return nil, err
	} else if ok {
		spec.NeededInImage[action.Load.String()] = v
	}
	return spec, nil
}

// ReadCatalog parses the catalog file at path.
func ReadCatalog(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	nodes, err := parser.Parse(b)
	if err != nil {
		return nil, fmt.Errorf("catalog: %s: %w", path, err)
	}

	cat := &Catalog{Components: make(map[string]*ComponentSpec), nodes: nodes}
	for _, cn := range ast.GetFromPath(nodes, []string{"component"}) {
		spec, err := parseComponent(cn.Children)
		if err != nil {
			return nil, fmt.Errorf("catalog: %s: %w", path, err)
		}
		cat.Components[spec.Path] = spec
	}
	return cat, nil
}

// SetVersion updates a component's recorded version, both in the parsed
// ComponentSpec and in the underlying AST node, so a following WriteCatalog
// call persists the change.
func (c *Catalog) SetVersion(path, version string) error {
	spec, ok := c.Components[path]
	if !ok {
		return fmt.Errorf("catalog: unknown component %q", path)
	}
	for _, cn := range ast.GetFromPath(c.nodes, []string{"component"}) {
		p, ok, err := scalarString(cn.Children, "path")
		if err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
		if !ok || p != path {
			continue
		}
		versionNodes := ast.GetFromPath(cn.Children, []string{"version"})
		if len(versionNodes) != 1 || len(versionNodes[0].Values) != 1 {
			return fmt.Errorf("catalog: component %q has no single-valued version field to update", path)
		}
		versionNodes[0].Values[0].Value = strconv.QuoteToASCII(version)
		spec.Version = version
		return nil
	}
	return fmt.Errorf("catalog: component %q not found in the parsed AST", path)
}

// WriteCatalog pretty-prints c's current AST (reflecting any SetVersion
// edits) back to path, atomically, so hand edits interleaved with machine
// edits stay diffable.
func WriteCatalog(path string, c *Catalog) error {
	if err := renameio.WriteFile(path, []byte(parser.Pretty(c.nodes, 0)), 0644); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	return nil
}

// IsStale reports whether installedVersion lags behind the catalog's
// recorded version for path. When both versions parse as semver (after a
// "v" prefix is added if missing, since golang.org/x/mod/semver requires
// it) they are compared with semver.Compare; non-semver versions fall back
// to a plain string inequality.
func (c *Catalog) IsStale(path, installedVersion string) (bool, error) {
	spec, ok := c.Components[path]
	if !ok {
		return false, fmt.Errorf("catalog: unknown component %q", path)
	}
	want, got := normalizeSemver(spec.Version), normalizeSemver(installedVersion)
	if semver.IsValid(want) && semver.IsValid(got) {
		return semver.Compare(got, want) < 0, nil
	}
	return installedVersion != spec.Version, nil
}

func normalizeSemver(v string) string {
	if v == "" || strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// component is the trivial plan.Component backing a catalog path.
type component string

func (c component) Path() string { return string(c) }

// Component wraps a catalog-known path as a plan.Component, for building a
// root plan.Dependency.
func Component(path string) plan.Component { return component(path) }

// Oracle implements plan.Oracle against a parsed Catalog and a
// state.Store — the default, concrete dependency-oracle collaborator
// cmd/kiln's build verb wires in. Compiling a component depends on
// compiling its compile-time prerequisites; loading a component depends on
// having compiled itself first, plus loading its runtime prerequisites.
type Oracle struct {
	cat   *Catalog
	store *state.Store
}

// NewOracle returns an Oracle backed by cat and store.
func NewOracle(cat *Catalog, store *state.Store) *Oracle {
	return &Oracle{cat: cat, store: store}
}

func (o *Oracle) Prerequisites(ctx context.Context, op action.OperationKind, c plan.Component) ([]plan.Dependency, error) {
	spec, ok := o.cat.Components[c.Path()]
	if !ok {
		return nil, fmt.Errorf("catalog: unknown component %q", c.Path())
	}

	var deps []plan.Dependency
	switch op {
	case action.Compile:
		for _, p := range spec.CompilePrereqs {
			deps = append(deps, plan.Dependency{Op: action.Compile, Component: component(p)})
		}
	case action.Load:
		deps = append(deps, plan.Dependency{Op: action.Compile, Component: c})
		for _, p := range spec.LoadPrereqs {
			deps = append(deps, plan.Dependency{Op: action.Load, Component: component(p)})
		}
	default:
		return nil, fmt.Errorf("catalog: unsupported operation kind %v", op)
	}
	return deps, nil
}

func (o *Oracle) NeededInImage(op action.OperationKind, c plan.Component) bool {
	if spec, ok := o.cat.Components[c.Path()]; ok {
		if v, ok := spec.NeededInImage[op.String()]; ok {
			return v
		}
	}
	return action.DefaultCapabilities(op).NeededInImage
}

func (o *Oracle) AlreadyDone(op action.OperationKind, c plan.Component) (bool, error) {
	done, err := o.store.Done(action.NewKey(op, c.Path()))
	if err != nil {
		return false, fmt.Errorf("catalog: %w", err)
	}
	return done, nil
}
