// Package registry implements the Run Registry: the per-process table of
// live runs, one entry per eid that has ever seen activity, serialized on a
// single mutex.
//
// Atomic counters become plain ints guarded by the registry mutex, and
// (run_id, kill_sender) association lists become ordered slices of
// killEntry.
package registry

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/jiascheduler/comet-agent/internal/model"
)

// killEntry pairs a run_id with the send side of its kill channel.
type killEntry struct {
	runID string
	kill  chan<- struct{}
}

// entry is one eid's live-run bookkeeping. Counters reflect only counted
// (Once/Timer) runs; daemon runs are tracked in daemonKills but never
// counted against a parallelism cap (uniqueness is the Supervisor's job).
type entry struct {
	onceRunning  int
	timerRunning int
	onceKills    []killEntry
	timerKills   []killEntry
	daemonKills  []killEntry
}

// Registry is a single mutex-protected map keyed by eid. Critical sections
// here perform only map lookups, counter updates, and slice mutations — no
// I/O.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// ErrMaxParallel is returned by CanExecute when the eid's mode has reached
// its parallelism cap.
var ErrMaxParallel = fmt.Errorf("job already at max parallel")

// ErrInvalidAction is returned by CanExecute for any action other than Exec
// or StartTimer — daemon parallelism is enforced by Supervisor uniqueness,
// not by this gate.
var ErrInvalidAction = fmt.Errorf("invalid action")

func effectiveMaxParallel(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// CanExecute looks up or creates the eid's entry, and atomically checks and
// increments the Once/StartTimer counter against max(1, MaxParallel). On
// success the caller owns exactly one matching EndRun call for this
// dispatch.
func (r *Registry) CanExecute(req *model.DispatchRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	max := effectiveMaxParallel(req.BaseJob.MaxParallel)
	eid := req.BaseJob.Eid

	e := r.entries[eid]
	if e == nil {
		e = &entry{}
	}

	var running int
	switch req.Action {
	case model.ActionStartTimer:
		running = e.timerRunning
	case model.ActionExec:
		running = e.onceRunning
	default:
		return fmt.Errorf("registry: %w: %s", ErrInvalidAction, req.Action)
	}

	if running >= max {
		return fmt.Errorf("registry: job %s %w (max parallel %d)", eid, ErrMaxParallel, max)
	}

	switch req.Action {
	case model.ActionStartTimer:
		e.timerRunning++
	case model.ActionExec:
		e.onceRunning++
	}

	r.entries[eid] = e
	return nil
}

// RegisterRun allocates a fresh run_id, appends (run_id, kill) to the mode's
// kill list selected by req.Action, and returns the run_id. If the entry did
// not exist it is created with zero counters.
func (r *Registry) RegisterRun(req *model.DispatchRequest, kill chan<- struct{}) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	eid := req.BaseJob.Eid
	e := r.entries[eid]
	if e == nil {
		e = &entry{}
		r.entries[eid] = e
	}

	runID := uuid.NewString()
	ke := killEntry{runID: runID, kill: kill}

	switch req.Action {
	case model.ActionStartTimer:
		e.timerKills = append(e.timerKills, ke)
	case model.ActionExec:
		e.onceKills = append(e.onceKills, ke)
	case model.ActionStartSupervising:
		e.daemonKills = append(e.daemonKills, ke)
	default:
		return "", fmt.Errorf("registry: %w: %s", ErrInvalidAction, req.Action)
	}

	return runID, nil
}

// EndRun decrements the mode's counter (saturating at zero; daemon runs are
// uncounted) and removes the pair whose run_id matches req.RunID. Missing
// entries or run_ids are a silent no-op — idempotent cleanup.
func (r *Registry) EndRun(req *model.DispatchRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entries[req.BaseJob.Eid]
	if e == nil {
		return
	}

	switch req.Action {
	case model.ActionStartTimer:
		if removeKillEntry(&e.timerKills, req.RunID) {
			if e.timerRunning > 0 {
				e.timerRunning--
			}
		}
	case model.ActionExec:
		if removeKillEntry(&e.onceKills, req.RunID) {
			if e.onceRunning > 0 {
				e.onceRunning--
			}
		}
	case model.ActionStartSupervising:
		removeKillEntry(&e.daemonKills, req.RunID)
	}
}

// removeKillEntry deletes the entry with the given run_id from list,
// preserving order, and reports whether anything was removed.
func removeKillEntry(list *[]killEntry, runID string) bool {
	for i, ke := range *list {
		if ke.runID == runID {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}

// Kill sends on every kill channel in the selected mode's list for eid. A
// send that cannot complete (a signal already pending) is skipped without
// logging and does not abort signaling the remaining channels. Kill does not
// remove entries — removal is end_run's responsibility.
func (r *Registry) Kill(eid string, mode model.ScheduleType) {
	r.mu.Lock()
	var targets []killEntry
	if e := r.entries[eid]; e != nil {
		switch mode {
		case model.ScheduleTimer:
			targets = append(targets, e.timerKills...)
		case model.ScheduleOnce:
			targets = append(targets, e.onceKills...)
		case model.ScheduleDaemon:
			targets = append(targets, e.daemonKills...)
		}
	}
	r.mu.Unlock()

	for _, ke := range targets {
		select {
		case ke.kill <- struct{}{}:
		default:
			// Bounded-1 channel already has a pending signal, or the
			// receiver is gone — either way the run is already shutting
			// down or unreachable. Skipped; nothing is logged.
		}
	}
}

// Counts returns the current (onceRunning, timerRunning) for eid, for tests
// and diagnostics. Returns zeros if eid has no entry.
func (r *Registry) Counts(eid string) (once, timer int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[eid]
	if e == nil {
		return 0, 0
	}
	return e.onceRunning, e.timerRunning
}

// KillListLens returns (len(onceKills), len(timerKills), len(daemonKills))
// for eid, used by tests to assert the counter/channel consistency
// invariant.
func (r *Registry) KillListLens(eid string) (once, timer, daemon int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[eid]
	if e == nil {
		return 0, 0, 0
	}
	return len(e.onceKills), len(e.timerKills), len(e.daemonKills)
}
