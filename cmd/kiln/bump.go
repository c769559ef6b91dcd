package main

import (
	"context"
	"flag"
	"fmt"

	"golang.org/x/xerrors"

	"github.com/kilnbuild/kiln/internal/catalog"
)

const bumpHelp = `kiln bump [-flags] <component> <version>

Update a component's recorded version in the catalog file, rewriting it in
place (atomically, pretty-printed) so hand edits and machine edits stay
diffable.

Example:
  % kiln bump lib/util 1.3.0
`

func bump(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("bump", flag.ExitOnError)
	fset.Usage = usage(fset, bumpHelp)
	fset.Parse(args)
	if fset.NArg() != 2 {
		return xerrors.Errorf("syntax: bump <component> <version>")
	}
	component, version := fset.Arg(0), fset.Arg(1)

	cat, err := catalog.ReadCatalog(*catalogPath)
	if err != nil {
		return err
	}
	spec, ok := cat.Components[component]
	if !ok {
		return xerrors.Errorf("unknown component %q", component)
	}
	old := spec.Version
	if err := cat.SetVersion(component, version); err != nil {
		return err
	}
	if err := catalog.WriteCatalog(*catalogPath, cat); err != nil {
		return err
	}
	fmt.Printf("%s: %s -> %s\n", component, old, version)
	return nil
}
