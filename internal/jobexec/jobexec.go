// Package jobexec is the Executor Adapter: a thin wrapper over subprocess
// execution that turns a model.BaseJob into an Output or an error, honoring
// a cooperative kill signal and an optional timeout.
//
// It generalizes a single pre/post shell hook into the full job shapes the
// kernel dispatches: a single command, or an ordered bundle of named
// scripts whose outputs are aggregated for reporting.
package jobexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/jiascheduler/comet-agent/internal/model"
)

// ErrKilled is returned when the kill channel fired before the job exited on
// its own.
var ErrKilled = errors.New("jobexec: killed")

// Ctx carries the single-capacity kill channel for one execution. A send on
// KillSignal requests cooperative termination; the adapter treats any value
// (including a closed channel) as "shut down now".
type Ctx struct {
	KillSignal <-chan struct{}
}

// Output is the result of running a job.
type Output struct {
	ExitCode     int
	ExitStatus   string
	Stdout       string
	Stderr       string
	BundleOutput []model.BundleOutput
}

// Run executes job to completion, honoring ctx.KillSignal and job.Timeout.
// A non-zero exit is not an error from Run's perspective — it is reported in
// Output. Run only returns an error for conditions that prevent the process
// from ever producing an exit code (failure to start, or an explicit kill).
func Run(parent context.Context, job model.BaseJob, execCtx Ctx) (Output, error) {
	if len(job.BundleScript) > 0 {
		return runBundle(parent, job, execCtx)
	}
	return runSingle(parent, job, job.Command, job.Args, job.Code, execCtx)
}

// runSingle runs one command/script and returns its Output.
func runSingle(parent context.Context, job model.BaseJob, command string, args []string, code string, execCtx Ctx) (Output, error) {
	ctx := parent
	var cancel context.CancelFunc
	if job.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, job.Timeout)
		defer cancel()
	} else {
		ctx, cancel = context.WithCancel(parent)
		defer cancel()
	}

	cmd := buildCmd(ctx, command, args, code)
	cmd.Dir = job.WorkDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Output{}, fmt.Errorf("jobexec: failed to start: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-execCtx.KillSignal:
		cancel()
		<-done
		return Output{
			ExitCode:   model.ExecErrorExitCode,
			ExitStatus: ErrKilled.Error(),
			Stdout:     stdout.String(),
			Stderr:     stderr.String(),
		}, ErrKilled
	case err := <-done:
		return outputFromResult(err, stdout.String(), stderr.String())
	}
}

// runBundle runs each bundle script in sequence, short-circuiting on the
// first failure but still returning every output produced so far.
func runBundle(parent context.Context, job model.BaseJob, execCtx Ctx) (Output, error) {
	outputs := make([]model.BundleOutput, 0, len(job.BundleScript))

	for _, script := range job.BundleScript {
		out, err := runSingle(parent, job, "", nil, script.Code, execCtx)
		outputs = append(outputs, model.BundleOutput{
			Name:     script.Name,
			Stdout:   out.Stdout,
			Stderr:   out.Stderr,
			ExitCode: out.ExitCode,
		})
		if err != nil {
			return Output{
				ExitCode:     out.ExitCode,
				ExitStatus:   out.ExitStatus,
				Stdout:       out.Stdout,
				Stderr:       out.Stderr,
				BundleOutput: outputs,
			}, err
		}
		if out.ExitCode != 0 {
			return Output{
				ExitCode:     out.ExitCode,
				ExitStatus:   fmt.Sprintf("bundle script %q exited %d", script.Name, out.ExitCode),
				Stdout:       out.Stdout,
				Stderr:       out.Stderr,
				BundleOutput: outputs,
			}, nil
		}
	}

	return Output{ExitCode: 0, BundleOutput: outputs}, nil
}

// outputFromResult converts cmd.Wait's error (if any) into an Output.
func outputFromResult(err error, stdout, stderr string) (Output, error) {
	if err == nil {
		return Output{ExitCode: 0, Stdout: stdout, Stderr: stderr}, nil
	}

	exitCode := 1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
		return Output{
			ExitCode:   exitCode,
			ExitStatus: err.Error(),
			Stdout:     stdout,
			Stderr:     stderr,
		}, nil
	}

	// Wait failed without an exit status (a timeout kill does not land here:
	// it surfaces as an ExitError above) — this is a genuine adapter error.
	return Output{
		ExitCode:   model.ExecErrorExitCode,
		ExitStatus: err.Error(),
		Stdout:     stdout,
		Stderr:     stderr,
	}, fmt.Errorf("jobexec: run failed: %w", err)
}

// buildCmd constructs the exec.Cmd for one command invocation. If command is
// non-empty it is run with args; otherwise code is run through the platform
// shell.
func buildCmd(ctx context.Context, command string, args []string, code string) *exec.Cmd {
	if command != "" {
		return exec.CommandContext(ctx, command, args...)
	}
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", code)
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", code)
}

// DefaultTimeout is a fallback guard for callers that want one when a job
// carries none of its own. The kernel does not apply this automatically —
// BaseJob always carries an explicit Timeout, zero meaning "no timeout".
const DefaultTimeout = 5 * time.Minute
