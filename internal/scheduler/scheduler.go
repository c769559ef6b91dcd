// Package scheduler implements the main dispatch loop: it drives a
// plan.Plan to completion by dispatching ready actions, either in a forked
// worker (internal/worker) or synchronously in the coordinator, subject to
// a concurrency cap, and applying the failed-action cleanup policy
// (synchronous foreground retry, propagate on a second failure).
package scheduler

import (
	"context"
	"fmt"
	"log"

	"github.com/kilnbuild/kiln/internal/action"
	"github.com/kilnbuild/kiln/internal/plan"
	"github.com/kilnbuild/kiln/internal/trace"
	"github.com/kilnbuild/kiln/internal/worker"
	"golang.org/x/xerrors"
)

// Performer is the external collaborator that actually carries
// out an action's effect. Perform runs once; PerformWithRestarts is invoked
// by the cleanup policy's single synchronous retry after a first failure,
// and may itself apply an implementation-specific restart budget.
type Performer interface {
	Perform(ctx context.Context, op action.OperationKind, c plan.Component) error
	PerformWithRestarts(ctx context.Context, op action.OperationKind, c plan.Component) error
	MarkOperationDone(op action.OperationKind, c plan.Component) error
	Description(op action.OperationKind, c plan.Component) string
}

// ActionFailedError is returned when an action fails both its initial
// attempt and its synchronous foreground retry.
type ActionFailedError struct {
	Key         action.Key
	Description string
	Cause       error
}

func (e *ActionFailedError) Error() string {
	return fmt.Sprintf("scheduler: %s failed after retry: %v", e.Description, e.Cause)
}

func (e *ActionFailedError) Unwrap() error { return e.Cause }

// Config holds the scheduler's tunables, all of which have spec-compatible
// zero-value-friendly defaults applied by New.
type Config struct {
	Log *log.Logger

	// MaxForks caps the number of concurrently outstanding background
	// workers. Zero means DefaultMaxForks.
	MaxForks int

	// PreforkAllocationReserveRatio is forwarded to worker.Pool.Fork's
	// pre-launch GC hygiene check. Zero disables it.
	PreforkAllocationReserveRatio float64

	// ResultFilePath names the per-action result file a background worker
	// for key must write to. Required when Pool is non-nil.
	ResultFilePath func(key action.Key) string
}

// DefaultMaxForks is used when Config.MaxForks is zero.
const DefaultMaxForks = 16

// Snapshot is a point-in-time view of scheduler progress, suitable for a
// dashboard (internal/dashboard) to poll without synchronizing with the
// single-threaded coordinator loop.
type Snapshot struct {
	Total     int
	Remaining int
	Ready     int
	Running   int
}

// Scheduler drives one plan.Plan to completion.
type Scheduler struct {
	cfg       Config
	performer Performer
	pool      *worker.Pool

	// OnActionDone, if set, is called synchronously in the coordinator
	// right after an action is marked done and before its parents are
	// requeued — internal/engine uses this hook to append each completion
	// to the internal/breadcrumb log in completion order.
	OnActionDone func(key action.Key)

	// OnSnapshot, if set, is called synchronously after every dispatch and
	// cleanup step, so a caller can republish a Snapshot for a dashboard to
	// poll (e.g. via atomic.Value) without the coordinator itself blocking
	// on a lock.
	OnSnapshot func(Snapshot)
}

// New returns a Scheduler that performs actions via performer. pool may be
// nil, in which case Execute always uses the serialized fallback.
func New(cfg Config, performer Performer, pool *worker.Pool) *Scheduler {
	if cfg.MaxForks <= 0 {
		cfg.MaxForks = DefaultMaxForks
	}
	if cfg.Log == nil {
		cfg.Log = log.Default()
	}
	return &Scheduler{cfg: cfg, performer: performer, pool: pool}
}

// readyQueue is a two-tier FIFO: actions whose
// operation is needed-in-image and not yet done are normal priority and
// join the back; everything else (already-done actions, and operations
// that run cheaply since they need no image mutation) is cheap to discharge
// and cuts to the front.
type readyQueue struct {
	front []action.Key
	back  []action.Key
}

func (q *readyQueue) push(key action.Key, rec plan.Record) {
	if rec.NeededInImage && !rec.AlreadyDone {
		q.back = append(q.back, key)
		return
	}
	q.front = append(q.front, key)
}

func (q *readyQueue) pop() action.Key {
	if len(q.front) > 0 {
		k := q.front[0]
		q.front = q.front[1:]
		return k
	}
	k := q.back[0]
	q.back = q.back[1:]
	return k
}

func (q *readyQueue) empty() bool { return len(q.front) == 0 && len(q.back) == 0 }
func (q *readyQueue) len() int    { return len(q.front) + len(q.back) }

// Execute drives p to completion. It reports the first ActionFailedError or
// fatal infrastructure error (an OracleError surfaces earlier, at plan.Build
// time, and never reaches here).
//
// If the pool cannot fork at all right now (no pool configured, or its fork
// gate refuses), Execute degrades to the serialized fallback: every action
// in p.AllActions is run synchronously, in the already-topological
// discovery order, with no concurrency at all.
func (s *Scheduler) Execute(ctx context.Context, p *plan.Plan) error {
	if s.pool == nil || !s.pool.CanForkNow() {
		s.cfg.Log.Printf("warning: forking is unsafe here; running %d action(s) serially", len(p.AllActions))
		return s.runSerialized(ctx, p)
	}

	byKey := make(map[action.Key]plan.Record, len(p.AllActions))
	for _, rec := range p.AllActions {
		byKey[rec.Key] = rec
	}

	var q readyQueue
	for _, k := range p.Ready {
		q.push(k, byKey[k])
	}

	total := len(p.AllActions)
	remaining := total

	snapshot := func() {
		if s.OnSnapshot != nil {
			s.OnSnapshot(Snapshot{Total: total, Remaining: remaining, Ready: q.len(), Running: s.pool.Len()})
		}
	}

	for !q.empty() || s.pool.Len() > 0 {
		// Saturation branch: the pool is at its concurrency cap, or there is
		// nothing new to start, so the only useful thing left to do is
		// block until some background worker finishes.
		if s.pool.Len() >= s.cfg.MaxForks || q.empty() {
			outcomes, err := s.pool.Reap()
			if err != nil {
				return xerrors.Errorf("scheduler: %w", err)
			}
			for _, o := range outcomes {
				newlyReady, err := s.cleanup(ctx, p, byKey, o, false)
				if err != nil {
					return err
				}
				remaining--
				s.cfg.Log.Printf("[%d to go] Done %s", remaining, s.performer.Description(byKey[o.Key].Key.Kind, byKey[o.Key].Component))
				for _, nk := range newlyReady {
					q.push(nk, byKey[nk])
				}
			}
			snapshot()
			continue
		}

		// Dispatch branch.
		key := q.pop()
		rec := byKey[key]
		desc := s.performer.Description(rec.Key.Kind, rec.Component)
		verb := "try"
		if rec.AlreadyDone {
			verb = "skip"
		}

		tryBackground := rec.BackgroundOK
		if tryBackground {
			s.cfg.Log.Printf("Will %s %s in background", verb, desc)
			ev := trace.Event(desc, 0)
			resultFile := s.cfg.ResultFilePath(key)
			err := s.pool.Fork(ctx, key, resultFile, s.cfg.PreforkAllocationReserveRatio)
			ev.Done()
			if err == nil {
				snapshot()
				continue
			}
			if err != worker.ErrForkUnsafe {
				return xerrors.Errorf("scheduler: %w", err)
			}
			// Degrade this one dispatch to the foreground rather than
			// aborting the whole build over a transient fork refusal.
		}

		s.cfg.Log.Printf("Will %s %s in foreground", verb, desc)
		var perr error
		if !rec.AlreadyDone {
			ev := trace.Event(desc, 0)
			perr = s.performer.Perform(ctx, rec.Key.Kind, rec.Component)
			ev.Done()
		}
		newlyReady, err := s.cleanup(ctx, p, byKey, worker.Outcome{Key: key, Success: perr == nil, Err: perr}, rec.AlreadyDone)
		if err != nil {
			return err
		}
		remaining--
		s.cfg.Log.Printf("[%d to go] Done %s", remaining, desc)
		for _, nk := range newlyReady {
			q.push(nk, byKey[nk])
		}
		snapshot()
	}

	return nil
}

// cleanup applies the completion policy to one outcome: on
// failure, retry once synchronously in the foreground via
// PerformWithRestarts; if that retry also fails, propagate. On success (on
// the first attempt or the retry), mark the operation done and advance the
// graph; the caller emits the completion progress line. A skipped action (already
// done before this run) only advances the graph: nothing was performed, so
// neither the state store nor the breadcrumb log is touched.
func (s *Scheduler) cleanup(ctx context.Context, p *plan.Plan, byKey map[action.Key]plan.Record, o worker.Outcome, skipped bool) ([]action.Key, error) {
	rec := byKey[o.Key]
	desc := s.performer.Description(rec.Key.Kind, rec.Component)

	if skipped {
		newlyReady, _ := p.Graph.MarkDone(o.Key)
		return newlyReady, nil
	}

	if !o.Success {
		s.cfg.Log.Printf("warning: %s failed (%v); retrying in foreground", desc, o.Err)
		if err := s.performer.PerformWithRestarts(ctx, rec.Key.Kind, rec.Component); err != nil {
			return nil, &ActionFailedError{Key: o.Key, Description: desc, Cause: err}
		}
	}

	if err := s.performer.MarkOperationDone(rec.Key.Kind, rec.Component); err != nil {
		return nil, xerrors.Errorf("scheduler: marking %v done: %w", o.Key, err)
	}

	newlyReady, _ := p.Graph.MarkDone(o.Key)
	if s.OnActionDone != nil {
		s.OnActionDone(o.Key)
	}

	return newlyReady, nil
}

// runSerialized executes every action in p.AllActions in order, with no
// concurrency at all — the fallback taken when forking is judged unsafe
// for the whole run.
func (s *Scheduler) runSerialized(ctx context.Context, p *plan.Plan) error {
	total := len(p.AllActions)
	for i, rec := range p.AllActions {
		desc := s.performer.Description(rec.Key.Kind, rec.Component)
		verb := "try"
		if rec.AlreadyDone {
			verb = "skip"
		}
		s.cfg.Log.Printf("Will %s %s in foreground", verb, desc)

		if !rec.AlreadyDone {
			ev := trace.Event(desc, 0)
			err := s.performer.Perform(ctx, rec.Key.Kind, rec.Component)
			ev.Done()
			if err != nil {
				s.cfg.Log.Printf("warning: %s failed (%v); retrying in foreground", desc, err)
				if err := s.performer.PerformWithRestarts(ctx, rec.Key.Kind, rec.Component); err != nil {
					return &ActionFailedError{Key: rec.Key, Description: desc, Cause: err}
				}
			}
			if err := s.performer.MarkOperationDone(rec.Key.Kind, rec.Component); err != nil {
				return xerrors.Errorf("scheduler: marking %v done: %w", rec.Key, err)
			}
			if s.OnActionDone != nil {
				s.OnActionDone(rec.Key)
			}
		}
		s.cfg.Log.Printf("[%d to go] Done %s", total-i-1, desc)
		if s.OnSnapshot != nil {
			s.OnSnapshot(Snapshot{Total: total, Remaining: total - i - 1})
		}
	}
	return nil
}
