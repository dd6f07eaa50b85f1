// Package supervisor is the Supervisor Engine: a per-eid restart loop for
// daemon-mode jobs, accepting in-place option updates and exit signals
// through a dedicated inbox.
//
// An unbounded signal queue becomes a small buffered Go channel of signal,
// and the restart loop becomes a single goroutine per eid.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/jiascheduler/comet-agent/internal/model"
)

// DefaultRestartInterval applies when a dispatch carries no RestartInterval
// (or zero).
const DefaultRestartInterval = 1 * time.Second

// inbox is one eid's signal pair. update and exit are kept on separate
// channels (rather than one signal-kind channel) so that a pending
// UpdateOptions can never cause an Exit to be dropped for want of buffer
// space — Exit must always reach the driver loop, or the goroutine leaks.
type inbox struct {
	update chan *model.DispatchRequest
	exit   chan struct{}
}

// RunFunc executes one daemon iteration to completion (register kill
// channel, invoke the executor, emit Running/Stop reports, end the run) and
// reuses the one-shot execution path, recording the run in the daemon kill
// list rather than the once list. It blocks until the job exits or is
// killed.
type RunFunc func(ctx context.Context, dispatch *model.DispatchRequest)

// Supervisor holds the eid → inbox bindings. At most one active binding per
// eid, enforced by Start.
type Supervisor struct {
	mu      sync.Mutex
	inboxes map[string]*inbox
	run     RunFunc
}

// New creates a Supervisor that drives daemon iterations via run.
func New(run RunFunc) *Supervisor {
	return &Supervisor{
		inboxes: make(map[string]*inbox),
		run:     run,
	}
}

// Start is start_supervising: atomic check-and-install. If a binding
// already exists for dispatch.BaseJob.Eid, the new dispatch is forwarded to
// the existing inbox as an UpdateOptions signal and Start returns false (no
// new loop started) — this lets the coordinator reissue StartSupervising
// idempotently. If no binding exists, one is installed and the driver loop
// is launched in its own goroutine, returning true.
func (s *Supervisor) Start(ctx context.Context, dispatch *model.DispatchRequest) bool {
	s.mu.Lock()
	eid := dispatch.BaseJob.Eid

	if box, ok := s.inboxes[eid]; ok {
		s.mu.Unlock()
		select {
		case box.update <- dispatch:
		default:
			// A pending update is still unread; drain it and install the
			// fresher one — dropping a stale duplicate is fine since a newer
			// one is what's wanted.
			select {
			case <-box.update:
			default:
			}
			box.update <- dispatch
		}
		return false
	}

	box := &inbox{update: make(chan *model.DispatchRequest, 1), exit: make(chan struct{})}
	s.inboxes[eid] = box
	s.mu.Unlock()

	go s.driverLoop(ctx, eid, dispatch, box)
	return true
}

// Stop is stop_supervising: removes the binding and sends Exit. If the
// driver loop is currently in its restart sleep this wakes it immediately;
// if it is mid-execution the Exit signal is queued and only takes effect
// once the current execution returns — callers that need to interrupt an
// in-flight execution must also call the Registry's Kill for
// ScheduleDaemon.
func (s *Supervisor) Stop(eid string) {
	s.mu.Lock()
	box, ok := s.inboxes[eid]
	if ok {
		delete(s.inboxes, eid)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	close(box.exit)
}

// IsSupervising reports whether eid currently has an active binding.
func (s *Supervisor) IsSupervising(eid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inboxes[eid]
	return ok
}

// driverLoop runs one execution, then sleeps for restart_interval (waking
// early on any inbox signal). A received UpdateOptions replaces the
// dispatch used for the next iteration; Exit terminates the loop.
// Consecutive executions are strictly sequential because this is a single
// goroutine.
func (s *Supervisor) driverLoop(ctx context.Context, eid string, dispatch *model.DispatchRequest, box *inbox) {
	current := dispatch

	for {
		s.run(ctx, current)

		interval := current.RestartInterval
		if interval <= 0 {
			interval = DefaultRestartInterval
		}
		timer := time.NewTimer(interval)

		exited := false
	waitLoop:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				exited = true
				break waitLoop
			case <-timer.C:
				break waitLoop
			case <-box.exit:
				timer.Stop()
				exited = true
				break waitLoop
			case next := <-box.update:
				timer.Stop()
				current = next
				break waitLoop
			}
		}

		if exited {
			return
		}
	}
}
