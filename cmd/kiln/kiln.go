package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"

	"github.com/kilnbuild/kiln"
	"github.com/kilnbuild/kiln/internal/dashboard"
	"github.com/kilnbuild/kiln/internal/engine"
	"github.com/kilnbuild/kiln/internal/oninterrupt"
	internaltrace "github.com/kilnbuild/kiln/internal/trace"

	_ "net/http/pprof"
)

var (
	debug      = flag.Bool("debug", false, "enable debug mode: format error messages with additional detail")
	cpuprofile = flag.String("cpuprofile", "", "path to store a CPU profile at")
	memprofile = flag.String("memprofile", "", "path to store a memory profile at")
	tracefile  = flag.String("tracefile", "", "path to store a trace at")
	ctracefile = flag.String("ctracefile", "", "path to store a chrome trace event file at (load in chrome://tracing)")
	httpListen = flag.String("listen", "", "host:port to listen on for HTTP status page and pprof")

	rootDir     = flag.String("root", ".", "build root: result files, state store and per-action logs live under <root>/.kiln-state")
	catalogPath = flag.String("catalog", "kiln-plan.textproto", "path to the component catalog file")

	// Worker-mode flags are set by the coordinator when it re-execs this
	// binary as an isolated worker for exactly one action; they are not
	// meant to be passed by hand.
	workerMode       = flag.Bool("worker-mode", false, "internal: run as a single-action worker process")
	workerKind       = flag.String("worker-kind", "", "internal: operation kind tag of the action to perform")
	workerPath       = flag.String("worker-path", "", "internal: component path of the action to perform")
	workerResultFile = flag.String("worker-result-file", "", "internal: path to write the action's result file to")
)

// statusDashboard is non-nil when -listen is set; the build verb wires it to
// the scheduler's snapshot hook so /status.json reflects live progress.
var statusDashboard *dashboard.Dashboard

func funcmain() error {
	flag.Parse()

	if *workerMode {
		// Never returns: the worker writes its result file and exits.
		engine.WorkerMode(context.Background(), *catalogPath, *rootDir, *workerKind, *workerPath, *workerResultFile)
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			return err
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	if *tracefile != "" {
		f, err := os.Create(*tracefile)
		if err != nil {
			return err
		}
		trace.Start(f)
		defer trace.Stop()
	}

	if *ctracefile != "" {
		f, err := os.Create(*ctracefile)
		if err != nil {
			return err
		}
		internaltrace.Sink(f)
		// An interrupted run should still leave a loadable trace behind.
		oninterrupt.Register(func() { f.Sync() })
	}

	if *httpListen != "" {
		d, err := dashboard.New()
		if err != nil {
			return err
		}
		kiln.RegisterAtExit(d.Close)
		statusDashboard = d
		http.Handle("/", d.Handler())
		go http.ListenAndServe(*httpListen, nil)
	}

	type cmd struct {
		fn func(ctx context.Context, args []string) error
	}
	verbs := map[string]cmd{
		"build":  {cmdbuild},
		"replay": {cmdreplay},
		"plan":   {cmdplan},
		"log":    {showlog},
		"bump":   {bump},
	}

	args := flag.Args()
	verb := "build"
	if len(args) > 0 {
		verb, args = args[0], args[1:]
	}

	if verb == "help" {
		if len(args) != 1 {
			fmt.Fprintf(os.Stderr, "kiln [-flags] <command> [-flags] <args>\n")
			fmt.Fprintln(os.Stderr)
			fmt.Fprintf(os.Stderr, "To get help on any command, use kiln <command> -help or kiln help <command>.\n")
			fmt.Fprintln(os.Stderr)
			fmt.Fprintf(os.Stderr, "Build commands:\n")
			fmt.Fprintf(os.Stderr, "\tbuild  - bring components to their desired state\n")
			fmt.Fprintf(os.Stderr, "\treplay - deterministically re-run a recorded build\n")
			fmt.Fprintf(os.Stderr, "\tplan   - print the action plan without executing it\n")
			fmt.Fprintf(os.Stderr, "\tlog    - show a per-action build log (local)\n")
			fmt.Fprintf(os.Stderr, "\tbump   - update a component's catalog version\n")
			os.Exit(2)
		}
		verb = args[0]
		args = []string{"-help"}
	}
	ctx, canc := kiln.InterruptibleContext()
	defer canc()
	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: kiln <command> [options]\n")
		os.Exit(2)
	}
	err := v.fn(ctx, args)
	if *memprofile != "" {
		f, merr := os.Create(*memprofile)
		if merr != nil {
			log.Fatal("could not create memory profile: ", merr)
		}
		defer f.Close()
		runtime.GC() // get up-to-date statistics
		if merr := pprof.WriteHeapProfile(f); merr != nil {
			log.Fatal("could not write memory profile: ", merr)
		}
	}
	if err != nil {
		if *debug {
			return fmt.Errorf("%s: %+v", verb, err)
		}
		return fmt.Errorf("%s: %v", verb, err)
	}

	return kiln.RunAtExit()
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
