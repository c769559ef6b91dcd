// Package engine wires the core components (graph, plan, worker, scheduler,
// breadcrumb) together with the reference collaborators (internal/catalog,
// internal/state) into something runnable: a build context holding
// configuration and the wired collaborators, plus the hidden worker-mode
// entry point that the self-reexec worker.Launcher built here execs into.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/kilnbuild/kiln/internal/action"
	"github.com/kilnbuild/kiln/internal/breadcrumb"
	"github.com/kilnbuild/kiln/internal/catalog"
	"github.com/kilnbuild/kiln/internal/plan"
	"github.com/kilnbuild/kiln/internal/scheduler"
	"github.com/kilnbuild/kiln/internal/state"
	"github.com/kilnbuild/kiln/internal/worker"
)

// Config holds everything needed to construct a Ctx: the build root and
// catalog location, plus the scheduler's tunables.
type Config struct {
	Log *log.Logger

	// Root is the build root: result files and the state store both live
	// under Root/.kiln-state.
	Root string
	// CatalogPath names the textproto catalog file describing components.
	CatalogPath string

	MaxForks                      int
	PreforkAllocationReserveRatio float64

	// BreadcrumbsTo, if non-empty, records every performed action to this
	// path.
	BreadcrumbsTo string
	// UsingBreadcrumbsFrom, if non-empty, replays the recorded sequence at
	// this path instead of consulting the catalog oracle.
	UsingBreadcrumbsFrom string
}

// Ctx is a build context: configuration plus the wired collaborators.
type Ctx struct {
	cfg    Config
	cat    *catalog.Catalog
	store  *state.Store
	oracle *catalog.Oracle
	perf   *CommandPerformer
	pool   *worker.Pool
	bw     *breadcrumb.Writer

	// OnSnapshot, if set before Build/Replay is called, is forwarded to the
	// scheduler so a caller (e.g. internal/dashboard) can poll progress
	// without synchronizing with the single-threaded coordinator loop.
	OnSnapshot func(scheduler.Snapshot)
}

func stateRoot(root string) string { return filepath.Join(root, ".kiln-state") }

// New constructs a Ctx from cfg: it reads the catalog, opens the state
// store, and wires a worker.Pool whose Launcher self-reexecs the current
// binary into worker mode (see internal/worker's package doc for why
// workers are exec'd rather than forked).
func New(cfg Config) (*Ctx, error) {
	if cfg.Log == nil {
		cfg.Log = log.Default()
	}
	cat, err := catalog.ReadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, xerrors.Errorf("engine: %w", err)
	}
	st, err := state.Open(stateRoot(cfg.Root))
	if err != nil {
		return nil, xerrors.Errorf("engine: %w", err)
	}
	oracle := catalog.NewOracle(cat, st)
	perf := NewCommandPerformer(cat, st, cfg.Root, cfg.Log)

	c := &Ctx{cfg: cfg, cat: cat, store: st, oracle: oracle, perf: perf}
	c.pool = worker.NewPool(c.selfReexecLauncher())

	if cfg.BreadcrumbsTo != "" {
		bw, err := breadcrumb.NewWriter(cfg.BreadcrumbsTo, cfg.CatalogPath)
		if err != nil {
			return nil, xerrors.Errorf("engine: %w", err)
		}
		c.bw = bw
	}
	return c, nil
}

// Build constructs the plan reaching op applied to the component at path and
// drives it to completion.
func (c *Ctx) Build(ctx context.Context, op action.OperationKind, path string) error {
	root := plan.Dependency{Op: op, Component: catalog.Component(path)}
	p, err := plan.Build(ctx, c.oracle, root)
	if err != nil {
		return xerrors.Errorf("engine: %w", err)
	}
	return c.run(ctx, p)
}

// Replay builds the synthetic linear-order plan from
// cfg.UsingBreadcrumbsFrom and drives it to completion, bypassing the
// catalog oracle entirely.
func (c *Ctx) Replay(ctx context.Context) error {
	if c.cfg.UsingBreadcrumbsFrom == "" {
		return xerrors.Errorf("engine: Replay requires UsingBreadcrumbsFrom to be set")
	}
	p, err := breadcrumb.Plan(c.cfg.UsingBreadcrumbsFrom)
	if err != nil {
		return xerrors.Errorf("engine: %w", err)
	}
	return c.run(ctx, p)
}

func (c *Ctx) run(ctx context.Context, p *plan.Plan) error {
	sched := scheduler.New(scheduler.Config{
		Log:                           c.cfg.Log,
		MaxForks:                      c.cfg.MaxForks,
		PreforkAllocationReserveRatio: c.cfg.PreforkAllocationReserveRatio,
		ResultFilePath: func(key action.Key) string {
			return resultFilePath(c.cfg.Root, key)
		},
	}, c.perf, c.pool)

	if c.bw != nil {
		sched.OnActionDone = func(key action.Key) {
			if err := c.bw.Append(key); err != nil {
				c.cfg.Log.Printf("warning: breadcrumb append for %v failed: %v", key, err)
			}
		}
	}
	sched.OnSnapshot = c.OnSnapshot

	if err := sched.Execute(ctx, p); err != nil {
		c.cfg.Log.Printf("build failed; remaining plan state:\n%s", p.Graph.DebugDump())
		return err
	}
	return nil
}

// resultFilePath names the per-action result file a worker writes to:
// <state-root>/<component-file-name>.<kind>.process-result, the component
// path sanitized the same way internal/state names its record files.
func resultFilePath(root string, key action.Key) string {
	kindTag, path := action.Reify(key)
	sanitized := strings.ReplaceAll(path, "/", "_")
	return filepath.Join(stateRoot(root), fmt.Sprintf("%s.%s.process-result", sanitized, kindTag))
}

// selfReexecLauncher returns a worker.Launcher that execs a fresh copy of
// the running binary (os.Executable) in a hidden worker mode, performing
// exactly the one action named by key.
func (c *Ctx) selfReexecLauncher() worker.Launcher {
	return func(ctx context.Context, key action.Key, resultFile string) (*exec.Cmd, func(), error) {
		self, err := os.Executable()
		if err != nil {
			return nil, nil, xerrors.Errorf("engine: %w", err)
		}
		kindTag, path := action.Reify(key)
		logPath := resultFile + ".log"
		logFile, err := os.Create(logPath)
		if err != nil {
			return nil, nil, xerrors.Errorf("engine: %w", err)
		}
		cmd := exec.CommandContext(ctx, self,
			"-worker-mode",
			"-worker-kind", kindTag,
			"-worker-path", path,
			"-worker-result-file", resultFile,
			"-catalog", c.cfg.CatalogPath,
			"-root", c.cfg.Root,
		)
		cmd.Stdout = logFile
		cmd.Stderr = logFile
		cleanup := func() { logFile.Close() }
		return cmd, cleanup, nil
	}
}

// WorkerMode is the hidden worker-mode entry point cmd/kiln dispatches to
// when invoked with -worker-mode: it reconstructs the catalog/state/command
// performer from scratch in the freshly exec'd child process, performs
// exactly the one named action inside a recover() trap, and writes the
// result file. It always terminates the process itself
// (os.Exit) rather than returning — a recovered panic is reported on stderr
// and ends the process with exit status 1, without a result file, so the
// coordinator's wait4 observes a nonzero exit and reports it as a
// worker.CrashedError, as opposed to a normal action failure, which is
// reported through the result file's :condition field instead.
func WorkerMode(ctx context.Context, catalogPath, root, kindTag, path, resultFile string) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "kiln worker: panic: %v\n", r)
			os.Exit(1)
		}
	}()

	cat, err := catalog.ReadCatalog(catalogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kiln worker: %v\n", err)
		os.Exit(1)
	}
	st, err := state.Open(stateRoot(root))
	if err != nil {
		fmt.Fprintf(os.Stderr, "kiln worker: %v\n", err)
		os.Exit(1)
	}
	key, err := action.FromReified(kindTag, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kiln worker: %v\n", err)
		os.Exit(1)
	}

	perf := NewCommandPerformer(cat, st, root, log.Default())
	condition := ""
	if err := perf.Perform(ctx, key.Kind, catalog.Component(path)); err != nil {
		condition = err.Error()
	}
	if err := worker.WriteResultFile(resultFile, nil, condition); err != nil {
		fmt.Fprintf(os.Stderr, "kiln worker: writing result file: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// CommandPerformer implements scheduler.Performer by shelling out to the
// compile_command/load_command an action's ComponentSpec declares,
// substituting "{}" arguments with the component's canonical path. A
// component with no command for the requested operation kind is treated as
// a no-op success (e.g. a pure library has no load_command).
type CommandPerformer struct {
	cat   *catalog.Catalog
	store *state.Store
	root  string
	log   *log.Logger
}

// NewCommandPerformer returns a CommandPerformer backed by cat and store,
// running commands with root as their working directory.
func NewCommandPerformer(cat *catalog.Catalog, store *state.Store, root string, logger *log.Logger) *CommandPerformer {
	if logger == nil {
		logger = log.Default()
	}
	return &CommandPerformer{cat: cat, store: store, root: root, log: logger}
}

func (p *CommandPerformer) commandFor(op action.OperationKind, c plan.Component) ([]string, error) {
	spec, ok := p.cat.Components[c.Path()]
	if !ok {
		return nil, fmt.Errorf("command performer: unknown component %q", c.Path())
	}
	var argv []string
	switch op {
	case action.Compile:
		argv = spec.CompileCommand
	case action.Load:
		argv = spec.LoadCommand
	default:
		return nil, fmt.Errorf("command performer: unsupported operation kind %v", op)
	}
	substituted := make([]string, len(argv))
	for i, a := range argv {
		substituted[i] = strings.ReplaceAll(a, "{}", c.Path())
	}
	return substituted, nil
}

// Perform runs op's catalog-declared command for c once, logging its
// combined output to a per-action log file under the state root.
func (p *CommandPerformer) Perform(ctx context.Context, op action.OperationKind, c plan.Component) error {
	argv, err := p.commandFor(op, c)
	if err != nil {
		return err
	}
	if len(argv) == 0 {
		return nil // nothing declared for this operation kind: a no-op success
	}

	logPath := filepath.Join(stateRoot(p.root), strings.ReplaceAll(c.Path(), "/", "_")+"."+op.String()+".log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return xerrors.Errorf("command performer: %w", err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = p.root
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Run(); err != nil {
		return xerrors.Errorf("%v: %w", argv, err)
	}
	return nil
}

// PerformWithRestarts is the scheduler's single synchronous retry after a
// first failure; the command performer's restart budget is simply one more
// attempt, since catalog-declared build commands are expected to be
// idempotent re-runs, not stateful resumptions.
func (p *CommandPerformer) PerformWithRestarts(ctx context.Context, op action.OperationKind, c plan.Component) error {
	return p.Perform(ctx, op, c)
}

// MarkOperationDone records op/c as completed in the state store.
func (p *CommandPerformer) MarkOperationDone(op action.OperationKind, c plan.Component) error {
	return p.store.MarkDone(action.NewKey(op, c.Path()), time.Now().UnixNano())
}

// Description renders the "Will try X" / "[n to go] Done X" progress-line
// text for op/c.
func (p *CommandPerformer) Description(op action.OperationKind, c plan.Component) string {
	return op.String() + " " + c.Path()
}
