package jobexec_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiascheduler/comet-agent/internal/jobexec"
	"github.com/jiascheduler/comet-agent/internal/model"
)

func TestRun_SingleCommandSuccess(t *testing.T) {
	job := model.BaseJob{Eid: "job-1", Code: "echo hello"}
	out, err := jobexec.Run(context.Background(), job, jobexec.Ctx{KillSignal: make(chan struct{})})
	require.NoError(t, err)
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, "hello\n", out.Stdout)
}

func TestRun_NonZeroExit(t *testing.T) {
	job := model.BaseJob{Eid: "job-1", Code: "exit 7"}
	out, err := jobexec.Run(context.Background(), job, jobexec.Ctx{KillSignal: make(chan struct{})})
	require.NoError(t, err, "a non-zero exit is reported in Output, not returned as an error")
	assert.Equal(t, 7, out.ExitCode)
}

// S4 — kill one-shot: closing/sending on the kill channel mid-run returns
// ErrKilled and an Output with ExecErrorExitCode.
func TestRun_Kill(t *testing.T) {
	kill := make(chan struct{}, 1)
	job := model.BaseJob{Eid: "job-1", Code: "sleep 60"}

	done := make(chan struct {
		out jobexec.Output
		err error
	}, 1)
	go func() {
		out, err := jobexec.Run(context.Background(), job, jobexec.Ctx{KillSignal: kill})
		done <- struct {
			out jobexec.Output
			err error
		}{out, err}
	}()

	time.Sleep(50 * time.Millisecond)
	kill <- struct{}{}

	select {
	case r := <-done:
		assert.ErrorIs(t, r.err, jobexec.ErrKilled)
		assert.Equal(t, model.ExecErrorExitCode, r.out.ExitCode)
	case <-time.After(5 * time.Second):
		t.Fatal("kill did not terminate the run in time")
	}
}

func TestRun_Timeout(t *testing.T) {
	job := model.BaseJob{Eid: "job-1", Code: "sleep 10", Timeout: 100 * time.Millisecond}

	start := time.Now()
	out, err := jobexec.Run(context.Background(), job, jobexec.Ctx{KillSignal: make(chan struct{})})
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 2*time.Second, "timeout must cut the run short")
	_ = err // a context-deadline kill surfaces as an ExitError, not a Go error
	assert.NotEqual(t, 0, out.ExitCode)
}

func TestRun_Bundle(t *testing.T) {
	job := model.BaseJob{
		Eid: "job-1",
		BundleScript: []model.BundleScript{
			{Name: "step-1", Code: "echo one"},
			{Name: "step-2", Code: "echo two"},
		},
	}
	out, err := jobexec.Run(context.Background(), job, jobexec.Ctx{KillSignal: make(chan struct{})})
	require.NoError(t, err)
	assert.Equal(t, 0, out.ExitCode)
	require.Len(t, out.BundleOutput, 2)
	assert.Equal(t, "step-1", out.BundleOutput[0].Name)
	assert.Equal(t, "one\n", out.BundleOutput[0].Stdout)
	assert.Equal(t, "step-2", out.BundleOutput[1].Name)
	assert.Equal(t, "two\n", out.BundleOutput[1].Stdout)
}

// A bundle script's non-zero exit stops the bundle but still reports every
// output produced so far.
func TestRun_BundleStopsOnFailure(t *testing.T) {
	job := model.BaseJob{
		Eid: "job-1",
		BundleScript: []model.BundleScript{
			{Name: "step-1", Code: "echo one"},
			{Name: "step-2", Code: "exit 3"},
			{Name: "step-3", Code: "echo never"},
		},
	}
	out, err := jobexec.Run(context.Background(), job, jobexec.Ctx{KillSignal: make(chan struct{})})
	require.NoError(t, err)
	assert.Equal(t, 3, out.ExitCode)
	require.Len(t, out.BundleOutput, 2, "step-3 must not run after step-2 fails")
}

func TestRun_StartFailure(t *testing.T) {
	job := model.BaseJob{Eid: "job-1", Command: "/nonexistent/binary-that-does-not-exist"}
	_, err := jobexec.Run(context.Background(), job, jobexec.Ctx{KillSignal: make(chan struct{})})
	assert.Error(t, err)
}
