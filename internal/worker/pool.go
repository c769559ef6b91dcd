// Package worker implements the worker pool: it runs an action in an
// isolated child process, returning the outcome to the coordinator through
// a per-action result file.
//
// Go's runtime does not support calling fork(2) and then continuing to run
// arbitrary Go code in the child without an immediate exec — only the
// calling goroutine's state is reliably usable post-fork, and the child's
// heap/GC bookkeeping can deadlock. "Fork a worker" is therefore realized
// as "exec a fresh copy of the coordinator's own binary in a hidden worker
// mode that performs exactly one action". Process isolation and the
// result-file handoff are unchanged; only the copy-on-write address space
// of a literal fork is traded for an exec.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"

	"github.com/kilnbuild/kiln/internal/action"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// ErrForkUnsafe is returned by Fork when the pool's fork gate reports it is
// unsafe to launch a new worker right now.
var ErrForkUnsafe = fmt.Errorf("worker: fork is unsafe in this process")

// CrashedError reports a worker process that exited without producing a
// readable, well-formed result file, or with a nonzero exit status.
type CrashedError struct {
	Key        action.Key
	ExitStatus int
	Reason     string
}

func (e *CrashedError) Error() string {
	return fmt.Sprintf("worker: %v crashed (exit status %d): %s", e.Key, e.ExitStatus, e.Reason)
}

// ConditionError reports a worker that exited cleanly but whose result file
// carries a :condition — the action itself failed, as opposed to the
// worker process crashing.
type ConditionError struct {
	Key     action.Key
	Message string
}

func (e *ConditionError) Error() string { return e.Message }

// Launcher builds the command used to run key in an isolated worker
// process that will write its outcome to resultFile. The returned cleanup
// func is called once the worker has been reaped, to release any resources
// (e.g. a per-action log file) the launcher opened; it must not call
// cmd.Wait, since the pool reaps the process itself via wait4.
type Launcher func(ctx context.Context, key action.Key, resultFile string) (cmd *exec.Cmd, cleanup func(), err error)

// Worker is one outstanding exec'd child, tracked by PID.
type Worker struct {
	PID        int
	Key        action.Key
	ResultFile string
	cleanup    func()
}

// Outcome is what the coordinator learns once a worker has exited and its
// result file (if any) has been read.
type Outcome struct {
	Key     action.Key
	Success bool
	Result  json.RawMessage
	Err     error
}

// Pool runs actions in isolated worker processes. The concurrency cap is
// the caller's concern: the scheduler enforces it by never having more than
// max_forks Fork calls outstanding.
type Pool struct {
	Launch Launcher

	// CanFork, if set, overrides the default fork gate; tests and embedders
	// use this to force the ForkUnsafe fallback path deterministically.
	CanFork func() bool

	mu      sync.Mutex
	workers map[int]*Worker
}

// NewPool returns a Pool that launches workers via launch.
func NewPool(launch Launcher) *Pool {
	return &Pool{Launch: launch, workers: make(map[int]*Worker)}
}

// Len reports the number of currently outstanding workers.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// CanForkNow reports whether the pool believes it is currently safe to fork
// a new worker. The scheduler consults this once, at the start of Execute,
// to decide whether to run the whole plan through the serialized fallback
// instead of attempting to fork at all.
func (p *Pool) CanForkNow() bool { return p.canFork() }

func (p *Pool) canFork() bool {
	if p.CanFork != nil {
		return p.CanFork()
	}
	// The single-thread fork gate guards against forking a multithreaded
	// coordinator mid-allocation. Workers here are launched with exec, not
	// a bare fork, so that hazard cannot arise and the gate degenerates to
	// always-safe. Callers needing the serialized fallback set CanFork.
	return true
}

// prefork performs pre-launch hygiene: flush
// buffered output, and, if the heap has grown past reserveRatio of the next
// GC's threshold, collect now, before the worker is launched.
// A reserveRatio <= 0 disables the GC hook.
func prefork(reserveRatio float64) {
	os.Stdout.Sync()
	os.Stderr.Sync()
	if reserveRatio <= 0 {
		return
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	if mem.NextGC > 0 && float64(mem.HeapAlloc)/float64(mem.NextGC) > reserveRatio {
		runtime.GC()
	}
}

// Fork launches key as an isolated worker process writing to resultFile. It
// returns ErrForkUnsafe, without starting anything, if canFork() is false.
func (p *Pool) Fork(ctx context.Context, key action.Key, resultFile string, preforkReserveRatio float64) error {
	if !p.canFork() {
		return ErrForkUnsafe
	}
	prefork(preforkReserveRatio)

	cmd, cleanup, err := p.Launch(ctx, key, resultFile)
	if err != nil {
		return xerrors.Errorf("worker: launch %v: %w", key, err)
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true // process-group detachment

	if err := cmd.Start(); err != nil {
		if cleanup != nil {
			cleanup()
		}
		return xerrors.Errorf("worker: fork %v: %w", key, err)
	}

	p.mu.Lock()
	p.workers[cmd.Process.Pid] = &Worker{
		PID:        cmd.Process.Pid,
		Key:        key,
		ResultFile: resultFile,
		cleanup:    cleanup,
	}
	p.mu.Unlock()
	return nil
}

// Reap blocks until at least one outstanding worker has exited, then
// returns its Outcome. If wait reports that there is no child process
// despite workers being outstanding — a dropped SIGCHLD, a known issue on
// some platforms — every outstanding worker is returned as failed with no
// status, so the scheduler can retry them inline rather than aborting the
// build.
func (p *Pool) Reap() ([]Outcome, error) {
	var ws unix.WaitStatus
	pid, err := unix.Wait4(-1, &ws, 0, nil)
	if err == unix.ECHILD {
		p.mu.Lock()
		var outcomes []Outcome
		for pid, w := range p.workers {
			if w.cleanup != nil {
				w.cleanup()
			}
			outcomes = append(outcomes, Outcome{
				Key:     w.Key,
				Success: false,
				Err: &CrashedError{
					Key:    w.Key,
					Reason: "no child process (dropped SIGCHLD); retrying inline",
				},
			})
			delete(p.workers, pid)
		}
		p.mu.Unlock()
		return outcomes, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("worker: wait4: %w", err)
	}

	p.mu.Lock()
	w, ok := p.workers[pid]
	delete(p.workers, pid)
	p.mu.Unlock()
	if !ok {
		// Reaped a process we are not tracking (e.g. an orphaned
		// grandchild); nothing to report.
		return nil, nil
	}

	return []Outcome{p.collect(w, ws)}, nil
}

func (p *Pool) collect(w *Worker, ws unix.WaitStatus) Outcome {
	if w.cleanup != nil {
		defer w.cleanup()
	}

	if ws.Signaled() || (ws.Exited() && ws.ExitStatus() != 0) {
		return Outcome{Key: w.Key, Success: false, Err: &CrashedError{
			Key:        w.Key,
			ExitStatus: ws.ExitStatus(),
			Reason:     "nonzero exit",
		}}
	}

	b, err := os.ReadFile(w.ResultFile)
	if err != nil {
		return Outcome{Key: w.Key, Success: false, Err: &CrashedError{
			Key: w.Key, Reason: "could not read result file: " + err.Error(),
		}}
	}
	rec, err := parseResultFile(b)
	if err != nil {
		return Outcome{Key: w.Key, Success: false, Err: &CrashedError{
			Key: w.Key, Reason: "invalid result file: " + err.Error(),
		}}
	}
	if rec.Condition != "" {
		return Outcome{Key: w.Key, Success: false, Err: &ConditionError{Key: w.Key, Message: rec.Condition}}
	}
	return Outcome{Key: w.Key, Success: true, Result: rec.Result}
}

// WriteResultFile is called from within a worker process after it has run
// its action, to produce the result file the coordinator reads once it
// reaps this worker's exit.
func WriteResultFile(path string, result json.RawMessage, condition string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(writeResultFile(result, condition)); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
