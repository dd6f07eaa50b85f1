// Package kernel is the Scheduling Kernel: the top-level dispatcher that
// interprets inbound JobAction verbs, enforces the invariants spread across
// the Run Registry, Cron Engine, and Supervisor Engine, and emits lifecycle
// reports back through the Request Router.
//
// Every other package in this module exists to be driven from here: Kernel
// concentrates the state transitions into a single type built from the
// pieces above (internal/registry, internal/cronengine,
// internal/supervisor, internal/jobexec) rather than one monolithic file,
// with each concern wired together from cmd/agent.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jiascheduler/comet-agent/internal/bridge"
	"github.com/jiascheduler/comet-agent/internal/cronengine"
	"github.com/jiascheduler/comet-agent/internal/jobexec"
	"github.com/jiascheduler/comet-agent/internal/model"
	"github.com/jiascheduler/comet-agent/internal/registry"
	"github.com/jiascheduler/comet-agent/internal/supervisor"
)

// Reporter delivers one lifecycle report to the coordinator. Implemented by
// wrapping a Bridge's outbound request call; failures are logged by the
// caller and never alter local state.
type Reporter interface {
	Report(ctx context.Context, report model.LifecycleReport) error
}

// FileStager pre-stages an uploaded file before an Exec or StartTimer
// dispatch runs. File upload staging is a sibling service sharing the WS
// transport; Kernel only calls it and fails the whole dispatch on error.
type FileStager interface {
	Stage(ctx context.Context, upload model.UploadFile, job model.BaseJob) error
}

// Kernel ties the Registry, Cron Engine, and Supervisor Engine together and
// implements bridge.Handler for inbound dispatch requests.
type Kernel struct {
	registry *registry.Registry
	cron     *cronengine.Engine
	sup      *supervisor.Supervisor
	reporter Reporter
	stager   FileStager
	logger   *zap.Logger
}

// New creates a Kernel. cron should already be started by the caller;
// stager may be nil if no dispatch ever carries an upload file.
func New(cron *cronengine.Engine, reporter Reporter, stager FileStager, logger *zap.Logger) *Kernel {
	k := &Kernel{
		registry: registry.New(),
		cron:     cron,
		reporter: reporter,
		stager:   stager,
		logger:   logger.Named("kernel"),
	}
	k.sup = supervisor.New(k.runDaemon)
	return k
}

// Handle implements bridge.Handler. Only DispatchJobRequest carries the
// action verbs this kernel owns; every other inbound kind (SftpReadDir,
// PullJobRequest, HeartbeatRequest, ...) belongs to sibling services and is
// rejected here as an unrecognized kind.
func (k *Kernel) Handle(ctx context.Context, kind string, data json.RawMessage) (any, error) {
	if kind != "DispatchJobRequest" {
		return nil, fmt.Errorf("kernel: unhandled request kind %q", kind)
	}

	var req model.DispatchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("kernel: malformed dispatch request: %w", err)
	}
	return k.handleDispatch(ctx, &req)
}

func (k *Kernel) handleDispatch(ctx context.Context, req *model.DispatchRequest) (any, error) {
	if (req.Action == model.ActionExec || req.Action == model.ActionStartTimer) && req.BaseJob.UploadFile != nil {
		if k.stager == nil {
			return nil, fmt.Errorf("kernel: dispatch for %s carries an upload file but no stager is configured", req.BaseJob.Eid)
		}
		if err := k.stager.Stage(ctx, *req.BaseJob.UploadFile, req.BaseJob); err != nil {
			return nil, fmt.Errorf("kernel: failed to stage upload for %s: %w", req.BaseJob.Eid, err)
		}
	}

	switch req.Action {
	case model.ActionExec:
		return k.handleExec(ctx, req)
	case model.ActionKill:
		k.registry.Kill(req.BaseJob.Eid, model.ScheduleOnce)
		return nil, nil
	case model.ActionStartTimer:
		return nil, k.handleStartTimer(ctx, req)
	case model.ActionStopTimer:
		return nil, k.handleStopTimer(ctx, req)
	case model.ActionStartSupervising:
		return nil, k.handleStartSupervising(ctx, req)
	case model.ActionStopSupervising:
		return nil, k.handleStopSupervising(ctx, req)
	case model.ActionRestartSupervising:
		if err := k.handleStopSupervising(ctx, req); err != nil {
			return nil, err
		}
		return nil, k.handleStartSupervising(ctx, req)
	default:
		return nil, fmt.Errorf("kernel: unrecognized action %q", req.Action)
	}
}

// execResult is the synchronous Exec response shape, per the Dispatch
// response envelope's data field.
type execResult struct {
	Stdout   string `json:"stdout"`
	ExitCode int    `json:"exit_code"`
	Stderr   string `json:"stderr"`
}

func (k *Kernel) handleExec(ctx context.Context, req *model.DispatchRequest) (any, error) {
	if err := k.registry.CanExecute(req); err != nil {
		return nil, err
	}

	if req.IsSync {
		out, execErr := k.runOnce(ctx, req, nil, nil)
		exitCode, _, stdout, stderr := reportFields(out, execErr)
		return execResult{Stdout: stdout, ExitCode: exitCode, Stderr: stderr}, nil
	}

	go k.runOnce(context.Background(), req, nil, nil)
	return nil, nil
}

func (k *Kernel) handleStartTimer(ctx context.Context, req *model.DispatchRequest) error {
	eid := req.BaseJob.Eid
	next, err := k.cron.Add(eid, req.TimerExpr, func(fireEID string) {
		k.onTimerFire(fireEID, req)
	})
	if err != nil {
		return fmt.Errorf("kernel: failed to install timer for %s: %w", eid, err)
	}

	scheduling := model.ScheduleScheduling
	prepare := model.RunPrepare
	k.emit(ctx, model.LifecycleReport{
		ScheduleID:     req.ScheduleID,
		InstanceID:     req.InstanceID,
		BaseJob:        req.BaseJob,
		RunStatus:      &prepare,
		ScheduleStatus: &scheduling,
		ScheduleType:   model.ScheduleTimer,
		NextTime:       next,
		CreatedUser:    req.CreatedUser,
	})
	return nil
}

func (k *Kernel) handleStopTimer(ctx context.Context, req *model.DispatchRequest) error {
	eid := req.BaseJob.Eid
	if err := k.cron.Remove(eid); err != nil {
		return fmt.Errorf("kernel: failed to remove timer for %s: %w", eid, err)
	}

	unscheduled := model.ScheduleUnscheduled
	k.emit(ctx, model.LifecycleReport{
		ScheduleID:     req.ScheduleID,
		InstanceID:     req.InstanceID,
		BaseJob:        req.BaseJob,
		ScheduleStatus: &unscheduled,
		ScheduleType:   model.ScheduleTimer,
		NextTime:       nil,
		CreatedUser:    req.CreatedUser,
	})
	return nil
}

func (k *Kernel) handleStartSupervising(ctx context.Context, req *model.DispatchRequest) error {
	supervising := model.ScheduleSupervising
	k.emit(ctx, model.LifecycleReport{
		ScheduleID:     req.ScheduleID,
		InstanceID:     req.InstanceID,
		BaseJob:        req.BaseJob,
		ScheduleStatus: &supervising,
		ScheduleType:   model.ScheduleDaemon,
		CreatedUser:    req.CreatedUser,
	})

	k.sup.Start(context.Background(), req)
	return nil
}

func (k *Kernel) handleStopSupervising(ctx context.Context, req *model.DispatchRequest) error {
	eid := req.BaseJob.Eid
	k.registry.Kill(eid, model.ScheduleDaemon)
	k.sup.Stop(eid)

	unsupervised := model.ScheduleUnsupervised
	k.emit(ctx, model.LifecycleReport{
		ScheduleID:     req.ScheduleID,
		InstanceID:     req.InstanceID,
		BaseJob:        req.BaseJob,
		ScheduleStatus: &unsupervised,
		ScheduleType:   model.ScheduleDaemon,
		CreatedUser:    req.CreatedUser,
	})
	return nil
}

// onTimerFire is the Cron Engine's on_fire callback: gate, run, report, end,
// entirely on a background context since the triggering request is long
// gone by the time the schedule fires.
func (k *Kernel) onTimerFire(eid string, template *model.DispatchRequest) {
	fireReq := *template
	fireReq.BaseJob.Eid = eid

	if err := k.registry.CanExecute(&fireReq); err != nil {
		k.logger.Info("timer fire skipped", zap.String("eid", eid), zap.Error(err))
		return
	}

	next := k.cron.NextRun(eid)
	now := time.Now()
	k.runOnce(context.Background(), &fireReq, &now, next)
}

// runDaemon is the supervisor.RunFunc: one full daemon-mode iteration, kill
// channel recorded in the daemon list rather than the once list because
// dispatch.Action is ActionStartSupervising throughout.
func (k *Kernel) runDaemon(ctx context.Context, dispatch *model.DispatchRequest) {
	daemonDispatch := *dispatch
	// A RestartSupervising dispatch reaches the supervisor unchanged; every
	// daemon iteration runs as StartSupervising.
	daemonDispatch.Action = model.ActionStartSupervising
	daemonDispatch.BaseJob.Timeout = 0 // no per-run timeout in daemon mode
	k.runOnce(ctx, &daemonDispatch, nil, nil)
}

// runOnce is the shared body for Exec, timer fires, and daemon iterations:
// register the run, emit Running, invoke the executor, emit Stop, end the
// run. The caller is responsible for any gating (CanExecute) before calling
// this — runOnce itself always registers and always ends, guaranteeing the
// register/end pairing regardless of the executor's outcome.
func (k *Kernel) runOnce(ctx context.Context, req *model.DispatchRequest, prevTime, nextTime *time.Time) (jobexec.Output, error) {
	kill := make(chan struct{}, 1)
	runID, err := k.registry.RegisterRun(req, kill)
	if err != nil {
		k.logger.Error("failed to register run", zap.String("eid", req.BaseJob.Eid), zap.Error(err))
		return jobexec.Output{}, err
	}
	req.RunID = runID

	startTime := time.Now()
	running := model.RunRunning
	k.emit(ctx, model.LifecycleReport{
		ScheduleID:   req.ScheduleID,
		InstanceID:   req.InstanceID,
		RunID:        req.RunID,
		BaseJob:      req.BaseJob,
		RunStatus:    &running,
		ScheduleType: scheduleTypeOf(req.Action),
		StartTime:    &startTime,
		PrevTime:     prevTime,
		NextTime:     nextTime,
		CreatedUser:  req.CreatedUser,
	})

	out, execErr := jobexec.Run(ctx, req.BaseJob, jobexec.Ctx{KillSignal: kill})
	k.registry.EndRun(req)

	exitCode, exitStatus, stdout, stderr := reportFields(out, execErr)

	endTime := time.Now()
	stop := model.RunStop
	report := model.LifecycleReport{
		ScheduleID:   req.ScheduleID,
		InstanceID:   req.InstanceID,
		RunID:        req.RunID,
		BaseJob:      req.BaseJob,
		RunStatus:    &stop,
		ScheduleType: scheduleTypeOf(req.Action),
		EndTime:      &endTime,
		BundleOutput: out.BundleOutput,
		CreatedUser:  req.CreatedUser,
		ExitCode:     &exitCode,
		ExitStatus:   exitStatus,
		Stdout:       stdout,
		Stderr:       stderr,
	}

	k.emit(ctx, report)
	return out, execErr
}

// reportFields derives the (exit_code, exit_status, stdout, stderr) the Stop
// report and the synchronous Exec response both carry, from the executor's
// raw Output and error, so the two never disagree. A non-killed executor
// error (spawn failure) never produced a real Output, so exit_code 99 and
// the error text stand in for stdout/stderr/exit_status; a kill or a normal
// exit (zero or non-zero) reports the executor's own Output verbatim — the
// killed case already carries exit_code 99 via jobexec.Run itself.
func reportFields(out jobexec.Output, execErr error) (exitCode int, exitStatus, stdout, stderr string) {
	if execErr != nil && execErr != jobexec.ErrKilled {
		return model.ExecErrorExitCode, execErr.Error(), execErr.Error(), execErr.Error()
	}
	return out.ExitCode, out.ExitStatus, out.Stdout, out.Stderr
}

func scheduleTypeOf(action model.JobAction) model.ScheduleType {
	switch action {
	case model.ActionStartTimer:
		return model.ScheduleTimer
	case model.ActionStartSupervising:
		return model.ScheduleDaemon
	default:
		return model.ScheduleOnce
	}
}

// emit sends a lifecycle report best-effort: failures are logged, never
// propagated, and never alter local state.
func (k *Kernel) emit(ctx context.Context, report model.LifecycleReport) {
	if k.reporter == nil {
		return
	}
	if err := k.reporter.Report(ctx, report); err != nil {
		k.logger.Warn("failed to deliver lifecycle report",
			zap.String("eid", report.BaseJob.Eid),
			zap.String("run_id", report.RunID),
			zap.Error(err),
		)
	}
}

// BridgeReporter adapts a Bridge's outbound Request call into a Reporter.
type BridgeReporter struct {
	Bridge *bridge.Bridge
}

// Report sends the lifecycle report as an UpdateJobRequest and discards the
// coordinator's reply payload; only the error (if any) is meaningful.
func (r BridgeReporter) Report(ctx context.Context, report model.LifecycleReport) error {
	_, err := r.Bridge.Request(ctx, "UpdateJobRequest", report)
	return err
}
