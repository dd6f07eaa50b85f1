// Package model defines the wire and domain types shared across the
// scheduling kernel: dispatch requests from the coordinator, the base job
// description, and the lifecycle reports sent back.
//
// Struct tags keep the wire shape snake_case while the Go identifiers stay
// idiomatic; enums are typed strings instead of bare integers.
package model

import "time"

// JobAction is the verb carried by a dispatch request, selecting which of
// the kernel's code paths handles it.
type JobAction string

const (
	ActionExec               JobAction = "exec"
	ActionKill               JobAction = "kill"
	ActionStartTimer         JobAction = "start_timer"
	ActionStopTimer          JobAction = "stop_timer"
	ActionStartSupervising   JobAction = "start_supervising"
	ActionStopSupervising    JobAction = "stop_supervising"
	ActionRestartSupervising JobAction = "restart_supervising"
)

// ScheduleType identifies which of the three execution modes a run belongs
// to. Used both to select the Registry's counter/kill-list and to tag
// lifecycle reports.
type ScheduleType string

const (
	ScheduleOnce   ScheduleType = "once"
	ScheduleTimer  ScheduleType = "timer"
	ScheduleDaemon ScheduleType = "daemon"
)

// RunStatus is the per-execution lifecycle stage reported while a single run
// is in flight.
type RunStatus string

const (
	RunPrepare RunStatus = "prepare"
	RunRunning RunStatus = "running"
	RunStop    RunStatus = "stop"
)

// ScheduleStatus is the per-eid binding lifecycle stage reported for
// StartTimer/StopTimer/StartSupervising/StopSupervising actions.
type ScheduleStatus string

const (
	ScheduleScheduling   ScheduleStatus = "scheduling"
	ScheduleUnscheduled  ScheduleStatus = "unscheduled"
	ScheduleSupervising  ScheduleStatus = "supervising"
	ScheduleUnsupervised ScheduleStatus = "unsupervised"
	SchedulePrepare      ScheduleStatus = "prepare"
)

// UploadFile describes a file staged from the coordinator before a job that
// references it runs.
type UploadFile struct {
	Filename string `json:"filename"`
	Data     []byte `json:"data"`
}

// BundleScript is a single step of a bundle job: a named command run in
// sequence, its output folded into the terminal report's BundleOutput.
type BundleScript struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

// BundleOutput is one bundle script's execution result.
type BundleOutput struct {
	Name     string `json:"name"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// BaseJob is the command description carried by every dispatch request. It
// stays constant across the retries/restarts of one schedule_id (Exec,
// StartTimer) or is replaced wholesale on a supervisor UpdateOptions
// (StartSupervising).
type BaseJob struct {
	Eid          string         `json:"eid"`
	Command      string         `json:"command"`
	Args         []string       `json:"args,omitempty"`
	Code         string         `json:"code,omitempty"`
	WorkDir      string         `json:"work_dir,omitempty"`
	User         string         `json:"user,omitempty"`
	Timeout      time.Duration  `json:"timeout,omitempty"`
	MaxRetry     int            `json:"max_retry,omitempty"`
	MaxParallel  int            `json:"max_parallel,omitempty"`
	UploadFile   *UploadFile    `json:"upload_file,omitempty"`
	BundleScript []BundleScript `json:"bundle_script,omitempty"`
}

// DispatchRequest is a single inbound command from the coordinator.
type DispatchRequest struct {
	Action          JobAction     `json:"action"`
	BaseJob         BaseJob       `json:"base_job"`
	ScheduleID      string        `json:"schedule_id"`
	InstanceID      string        `json:"instance_id"`
	RunID           string        `json:"run_id,omitempty"`
	IsSync          bool          `json:"is_sync,omitempty"`
	TimerExpr       string        `json:"timer_expr,omitempty"`
	RestartInterval time.Duration `json:"restart_interval,omitempty"`
	CreatedUser     string        `json:"created_user,omitempty"`
}

// LifecycleReport is the outbound update sent to the coordinator describing
// a run or binding transition.
type LifecycleReport struct {
	ScheduleID     string          `json:"schedule_id"`
	InstanceID     string          `json:"instance_id"`
	RunID          string          `json:"run_id,omitempty"`
	BaseJob        BaseJob         `json:"base_job"`
	RunStatus      *RunStatus      `json:"run_status,omitempty"`
	ScheduleStatus *ScheduleStatus `json:"schedule_status,omitempty"`
	ScheduleType   ScheduleType    `json:"schedule_type"`
	ExitCode       *int            `json:"exit_code,omitempty"`
	ExitStatus     string          `json:"exit_status,omitempty"`
	Stdout         string          `json:"stdout,omitempty"`
	Stderr         string          `json:"stderr,omitempty"`
	StartTime      *time.Time      `json:"start_time,omitempty"`
	EndTime        *time.Time      `json:"end_time,omitempty"`
	PrevTime       *time.Time      `json:"prev_time,omitempty"`
	NextTime       *time.Time      `json:"next_time,omitempty"`
	BundleOutput   []BundleOutput  `json:"bundle_output,omitempty"`
	CreatedUser    string          `json:"created_user,omitempty"`
}

// ExecErrorExitCode is used on the Stop report when the executor itself
// errored (spawn failure, or cooperative kill).
const ExecErrorExitCode = 99
