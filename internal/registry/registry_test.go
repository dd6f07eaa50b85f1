package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiascheduler/comet-agent/internal/model"
	"github.com/jiascheduler/comet-agent/internal/registry"
)

func execReq(eid string, maxParallel int) *model.DispatchRequest {
	return &model.DispatchRequest{
		Action:  model.ActionExec,
		BaseJob: model.BaseJob{Eid: eid, MaxParallel: maxParallel},
	}
}

// S1 — parallelism cap: max_parallel=2, three back-to-back Exec dispatches.
// The third is denied with an error mentioning "max parallel"; the denied
// attempt leaves the counter at 2.
func TestCanExecute_ParallelismCap(t *testing.T) {
	r := registry.New()
	req := execReq("job-1", 2)

	require.NoError(t, r.CanExecute(req))
	require.NoError(t, r.CanExecute(req))

	err := r.CanExecute(req)
	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrMaxParallel)
	assert.Contains(t, err.Error(), "max parallel")

	once, _ := r.Counts("job-1")
	assert.Equal(t, 2, once)
}

// MaxParallel <= 0 is clamped to 1, per effectiveMaxParallel's max(1, n).
func TestCanExecute_MaxParallelClampedToOne(t *testing.T) {
	r := registry.New()
	req := execReq("job-1", 0)

	require.NoError(t, r.CanExecute(req))
	err := r.CanExecute(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max parallel 1")
}

// CanExecute rejects any action other than Exec/StartTimer — daemon
// parallelism is enforced by Supervisor uniqueness, not this gate.
func TestCanExecute_InvalidAction(t *testing.T) {
	r := registry.New()
	req := &model.DispatchRequest{
		Action:  model.ActionStartSupervising,
		BaseJob: model.BaseJob{Eid: "job-1"},
	}
	err := r.CanExecute(req)
	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrInvalidAction)
}

// Counter/channel consistency invariant: at rest, running == len(kill list)
// for Once and Timer modes, across register/end cycles.
func TestRegisterEndRun_CounterChannelConsistency(t *testing.T) {
	r := registry.New()
	req := execReq("job-1", 3)

	require.NoError(t, r.CanExecute(req))
	kill := make(chan struct{}, 1)
	runID, err := r.RegisterRun(req, kill)
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	once, timer, daemon := r.KillListLens("job-1")
	assert.Equal(t, 1, once)
	assert.Equal(t, 0, timer)
	assert.Equal(t, 0, daemon)

	onceRunning, _ := r.Counts("job-1")
	assert.Equal(t, 1, onceRunning)
	assert.Equal(t, onceRunning, once)

	req.RunID = runID
	r.EndRun(req)

	once, _, _ = r.KillListLens("job-1")
	onceRunning, _ = r.Counts("job-1")
	assert.Equal(t, 0, once)
	assert.Equal(t, 0, onceRunning)
}

// Idempotent cleanup: EndRun called twice with the same run_id decrements
// the counter only once.
func TestEndRun_Idempotent(t *testing.T) {
	r := registry.New()
	req := execReq("job-1", 5)

	require.NoError(t, r.CanExecute(req))
	kill := make(chan struct{}, 1)
	runID, err := r.RegisterRun(req, kill)
	require.NoError(t, err)

	req.RunID = runID
	r.EndRun(req)
	r.EndRun(req) // second call is a silent no-op

	once, _ := r.Counts("job-1")
	assert.Equal(t, 0, once)
}

// EndRun on an eid that was never registered is a silent no-op.
func TestEndRun_UnknownEid(t *testing.T) {
	r := registry.New()
	req := execReq("ghost", 1)
	req.RunID = "nonexistent"
	assert.NotPanics(t, func() { r.EndRun(req) })
}

// Kill signals every channel in the selected mode's list without removing
// entries; a receiver that never reads does not block the sender because
// kill channels are bounded-1 and Kill uses a non-blocking send.
func TestKill_SignalsAllAndDoesNotRemove(t *testing.T) {
	r := registry.New()
	req := execReq("job-1", 5)

	require.NoError(t, r.CanExecute(req))
	require.NoError(t, r.CanExecute(req))

	kill1 := make(chan struct{}, 1)
	kill2 := make(chan struct{}, 1)
	_, err := r.RegisterRun(req, kill1)
	require.NoError(t, err)
	_, err = r.RegisterRun(req, kill2)
	require.NoError(t, err)

	r.Kill("job-1", model.ScheduleOnce)

	assert.Len(t, kill1, 1)
	assert.Len(t, kill2, 1)

	once, _, _ := r.KillListLens("job-1")
	assert.Equal(t, 2, once, "Kill must not remove entries; end_run does")
}

// Kill against an eid with no entry at all does not panic.
func TestKill_UnknownEid(t *testing.T) {
	r := registry.New()
	assert.NotPanics(t, func() { r.Kill("ghost", model.ScheduleOnce) })
}

// Once and Timer modes are counted independently: exhausting one does not
// affect the other's cap.
func TestCanExecute_OnceAndTimerIndependent(t *testing.T) {
	r := registry.New()
	onceReq := execReq("job-1", 1)
	timerReq := &model.DispatchRequest{
		Action:  model.ActionStartTimer,
		BaseJob: model.BaseJob{Eid: "job-1", MaxParallel: 1},
	}

	require.NoError(t, r.CanExecute(onceReq))
	require.Error(t, r.CanExecute(onceReq))

	require.NoError(t, r.CanExecute(timerReq))
	require.Error(t, r.CanExecute(timerReq))

	once, timer := r.Counts("job-1")
	assert.Equal(t, 1, once)
	assert.Equal(t, 1, timer)
}
