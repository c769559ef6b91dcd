package main

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"

	"golang.org/x/xerrors"

	"github.com/kilnbuild/kiln/internal/action"
	"github.com/kilnbuild/kiln/internal/catalog"
	"github.com/kilnbuild/kiln/internal/plan"
	"github.com/kilnbuild/kiln/internal/state"
)

const planHelp = `kiln plan [-flags] <component>

Print the action plan for bringing a component to its desired state, in
discovery order, without executing anything. Cycles in the catalog's
prerequisites are reported as an error.

Example:
  % kiln plan -op=load app/main
`

func cmdplan(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("plan", flag.ExitOnError)
	op := fset.String("op", "compile", "operation to plan for: compile or load")
	fset.Usage = usage(fset, planHelp)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.Errorf("syntax: plan [-flags] <component>")
	}
	key, err := action.FromReified(*op, "")
	if err != nil {
		return err
	}

	cat, err := catalog.ReadCatalog(*catalogPath)
	if err != nil {
		return err
	}
	st, err := state.Open(filepath.Join(*rootDir, ".kiln-state"))
	if err != nil {
		return err
	}
	oracle := catalog.NewOracle(cat, st)

	p, err := plan.Build(ctx, oracle, plan.Dependency{Op: key.Kind, Component: catalog.Component(fset.Arg(0))})
	if err != nil {
		return err
	}

	for i, rec := range p.AllActions {
		mode := "foreground"
		if rec.BackgroundOK {
			mode = "background"
		}
		suffix := ""
		if rec.AlreadyDone {
			suffix = " (already done)"
		}
		fmt.Printf("%3d. %s %s in %s%s\n", i+1, rec.Key.Kind, rec.Component.Path(), mode, suffix)
	}
	fmt.Printf("%d action(s), %d immediately ready\n", len(p.AllActions), len(p.Ready))
	return nil
}
