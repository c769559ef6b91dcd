package main

import (
	"context"
	"flag"
	"log"
	"time"

	"golang.org/x/xerrors"

	"github.com/kilnbuild/kiln/internal/action"
	"github.com/kilnbuild/kiln/internal/engine"
	"github.com/kilnbuild/kiln/internal/scheduler"
	"github.com/kilnbuild/kiln/internal/trace"
)

const buildHelp = `kiln build [-flags] <component>...

Bring the named components to their desired state, running all prerequisite
actions first and as many of them as possible in parallel background workers.

Components whose operations are already recorded done in the state store are
skipped.

Example:
  % kiln build -op=load app/main
`

func cmdbuild(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("build", flag.ExitOnError)
	var (
		op            = fset.String("op", "compile", "operation to bring each component to: compile or load")
		jobs          = fset.Int("jobs", scheduler.DefaultMaxForks, "maximum number of simultaneous background workers")
		preforkRatio  = fset.Float64("prefork_gc_ratio", 0.8, "heap fraction of the next-GC budget at which a collection runs before each worker launch (0 disables)")
		breadcrumbsTo = fset.String("breadcrumbs_to", "", "path to record performed actions to, for later replay (unset disables recording)")
	)
	fset.Usage = usage(fset, buildHelp)
	fset.Parse(args)
	if fset.NArg() < 1 {
		return xerrors.Errorf("syntax: build [-flags] <component>...")
	}
	key, err := action.FromReified(*op, "")
	if err != nil {
		return err
	}

	c, err := engine.New(engine.Config{
		Log:                           log.Default(),
		Root:                          *rootDir,
		CatalogPath:                   *catalogPath,
		MaxForks:                      *jobs,
		PreforkAllocationReserveRatio: *preforkRatio,
		BreadcrumbsTo:                 *breadcrumbsTo,
	})
	if err != nil {
		return err
	}
	if statusDashboard != nil {
		c.OnSnapshot = statusDashboard.Publish
	}
	if *ctracefile != "" {
		go trace.Counters(ctx, 1*time.Second)
	}

	for _, component := range fset.Args() {
		if err := c.Build(ctx, key.Kind, component); err != nil {
			return xerrors.Errorf("building %s: %w", component, err)
		}
	}
	return nil
}
