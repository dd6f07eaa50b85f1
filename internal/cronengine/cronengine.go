// Package cronengine is the Cron Engine: it holds at most one timer
// schedule per eid and invokes a callback on every fire.
//
// It wraps github.com/go-co-op/gocron/v2, one gocron job per eid, with
// seconds-enabled cron expressions and atomic replace-on-reregister
// semantics.
package cronengine

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// OnFire is invoked on every tick for eid. Fires for different eids may run
// concurrently. Fires of the same eid do not overlap: each eid's job runs in
// gocron's singleton reschedule mode, so a tick that arrives while the
// previous callback for that eid is still running is not started.
type OnFire func(eid string)

// Engine wraps a single gocron.Scheduler instance shared by every eid's
// timer job.
type Engine struct {
	mu       sync.Mutex
	sched    gocron.Scheduler
	jobs     map[string]gocron.Job
	location *time.Location
}

// New creates an Engine bound to loc. The kernel passes time.Local, since
// timer schedules are evaluated in the local time zone.
func New(loc *time.Location) (*Engine, error) {
	sched, err := gocron.NewScheduler(gocron.WithLocation(loc))
	if err != nil {
		return nil, fmt.Errorf("cronengine: failed to create scheduler: %w", err)
	}
	return &Engine{
		sched:    sched,
		jobs:     make(map[string]gocron.Job),
		location: loc,
	}, nil
}

// Start begins firing scheduled jobs. Call once after the engine and all of
// its eventual Add calls are wired to their kernel callback.
func (e *Engine) Start() {
	e.sched.Start()
}

// Shutdown stops the scheduler, waiting for in-flight fire callbacks to
// return. In-flight executions spawned by a fire are not themselves
// cancelled — only future fires cease.
func (e *Engine) Shutdown() error {
	if err := e.sched.Shutdown(); err != nil {
		return fmt.Errorf("cronengine: shutdown error: %w", err)
	}
	return nil
}

// Add parses expr (6-field, seconds-enabled cron) and installs a schedule
// for eid, replacing any prior schedule for the same eid: at most one timer
// schedule per eid; re-registration atomically replaces the prior one.
// on_fire is invoked with eid on every tick.
// Returns the next fire time computed in the engine's configured time zone.
func (e *Engine) Add(eid, expr string, onFire OnFire) (*time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if prior, ok := e.jobs[eid]; ok {
		if err := e.sched.RemoveJob(prior.ID()); err != nil {
			return nil, fmt.Errorf("cronengine: failed to remove prior schedule for %s: %w", eid, err)
		}
		delete(e.jobs, eid)
	}

	job, err := e.sched.NewJob(
		gocron.CronJob(expr, true), // withSeconds=true: 6-field cron
		gocron.NewTask(func() { onFire(eid) }),
		gocron.WithTags(eid),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("cronengine: failed to parse timer expr %q: %w", expr, err)
	}

	e.jobs[eid] = job

	next, err := job.NextRun()
	if err != nil {
		return nil, fmt.Errorf("cronengine: failed to compute next fire for %s: %w", eid, err)
	}
	return &next, nil
}

// Remove uninstalls eid's schedule. Silent no-op if absent.
// In-flight fires already dispatched are not cancelled.
func (e *Engine) Remove(eid string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, ok := e.jobs[eid]
	if !ok {
		return nil
	}
	if err := e.sched.RemoveJob(job.ID()); err != nil {
		return fmt.Errorf("cronengine: failed to remove schedule for %s: %w", eid, err)
	}
	delete(e.jobs, eid)
	return nil
}

// NextRun returns the next scheduled fire time for eid, or nil if eid has no
// active schedule (e.g. it was just removed by StopTimer, so the stop
// report's next_time must be null).
func (e *Engine) NextRun(eid string) *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, ok := e.jobs[eid]
	if !ok {
		return nil
	}
	next, err := job.NextRun()
	if err != nil {
		return nil
	}
	return &next
}
