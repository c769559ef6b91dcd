package main

import (
	"context"
	"flag"
	"log"

	"golang.org/x/xerrors"

	"github.com/kilnbuild/kiln/internal/engine"
	"github.com/kilnbuild/kiln/internal/scheduler"
)

const replayHelp = `kiln replay [-flags] <breadcrumb-file>

Re-run a previously recorded build in exactly the recorded action order,
bypassing the dependency oracle entirely. Useful for deterministically
reproducing a failure whose parallel schedule was non-deterministic.

Example:
  % kiln build -breadcrumbs_to=crumbs app/main
  % kiln replay crumbs
`

func cmdreplay(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("replay", flag.ExitOnError)
	jobs := fset.Int("jobs", scheduler.DefaultMaxForks, "maximum number of simultaneous background workers")
	fset.Usage = usage(fset, replayHelp)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.Errorf("syntax: replay <breadcrumb-file>")
	}

	c, err := engine.New(engine.Config{
		Log:                  log.Default(),
		Root:                 *rootDir,
		CatalogPath:          *catalogPath,
		MaxForks:             *jobs,
		UsingBreadcrumbsFrom: fset.Arg(0),
	})
	if err != nil {
		return err
	}
	if statusDashboard != nil {
		c.OnSnapshot = statusDashboard.Publish
	}
	return c.Replay(ctx)
}
