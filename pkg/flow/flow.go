// Package flow runs a named pipeline as a fixed ordered sequence of stages
// with bounded retry, single-flight per flow name, and a persisted run
// status. Cancellation is observed at stage boundaries only; a stage that
// has committed stays committed.
package flow

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of one flow run.
type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusBlocked   Status = "BLOCKED"
	StatusDegraded  Status = "DEGRADED"
	// StatusEmpty marks a run that found no new input. It is a success.
	StatusEmpty Status = "EMPTY"
)

// Healthy reports whether a terminal status needs no operator attention.
func (s Status) Healthy() bool {
	return s == StatusCompleted || s == StatusEmpty
}

// ExitCode maps the worst status among the given runs to a process exit
// code: healthy 0, DEGRADED 1, BLOCKED 2, FAILED (or unknown) 3.
func ExitCode(statuses ...Status) int {
	worst := 0
	for _, s := range statuses {
		var code int
		switch s {
		case StatusCompleted, StatusEmpty:
			code = 0
		case StatusDegraded:
			code = 1
		case StatusBlocked:
			code = 2
		default:
			code = 3
		}
		if code > worst {
			worst = code
		}
	}
	return worst
}

// ErrEmpty terminates a run as EMPTY: the stage found no new input and the
// remaining stages have nothing to do.
var ErrEmpty = errors.New("no new input")

// ErrBlocked terminates a run as BLOCKED: an upstream dependency is
// unreachable and retrying within this run will not help.
var ErrBlocked = errors.New("upstream dependency unreachable")

// ErrAlreadyRunning is returned when a run is requested for a flow that
// already has a run in flight.
var ErrAlreadyRunning = errors.New("flow already running")

type recoverableError struct {
	err error
}

func (e *recoverableError) Error() string { return e.err.Error() }
func (e *recoverableError) Unwrap() error { return e.err }

// Recoverable wraps a stage error that should not fail the run. The stage
// records the error, the run continues, and the terminal status becomes
// DEGRADED instead of COMPLETED.
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return &recoverableError{err: err}
}

// IsRecoverable reports whether err was wrapped by Recoverable.
func IsRecoverable(err error) bool {
	var re *recoverableError
	return errors.As(err, &re)
}

// Stage is one step of a flow's sequence.
type Stage struct {
	Name string
	Run  func(ctx context.Context) error
}

// StageOutcome records how one stage of a run ended.
type StageOutcome struct {
	Stage    string        `json:"stage"`
	Status   string        `json:"status"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

const (
	stageCompleted = "completed"
	stageBlocked   = "blocked"
	stageDegraded  = "degraded"
	stageFailed    = "failed"
	stageSkipped   = "skipped"
)

// RunStatus is the persisted record of a flow run, overwritten per flow.
type RunStatus struct {
	Flow       string         `json:"flow"`
	RunID      string         `json:"run_id"`
	Status     Status         `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Cancelled  bool           `json:"cancelled,omitempty"`
	Stages     []StageOutcome `json:"stages,omitempty"`
	Error      string         `json:"error,omitempty"`
}
