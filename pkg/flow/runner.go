package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/pedalmetrics/bikelake/internal/metrics"
	"github.com/pedalmetrics/bikelake/pkg/obj"
)

const defaultMaxStageAttempts = 3

type Config struct {
	Logger *slog.Logger
	Store  obj.Store
	Clock  clockwork.Clock

	// StatusBucket holds the per-flow run status objects.
	StatusBucket string

	// MaxStageAttempts bounds retries of a failing stage within one run.
	MaxStageAttempts uint
	// RetryInitialInterval seeds the exponential backoff between attempts.
	RetryInitialInterval time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.StatusBucket == "" {
		return errors.New("status bucket is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxStageAttempts == 0 {
		c.MaxStageAttempts = defaultMaxStageAttempts
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 500 * time.Millisecond
	}
	return nil
}

// Runner executes flows with single-flight per flow name.
type Runner struct {
	log *slog.Logger
	cfg *Config

	mu      sync.Mutex
	running map[string]bool
}

func NewRunner(cfg *Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flow runner config: %w", err)
	}
	return &Runner{
		log:     cfg.Logger.With("component", "flow-runner"),
		cfg:     cfg,
		running: make(map[string]bool),
	}, nil
}

func statusKey(flowName string) string {
	return "control/flows/" + flowName + ".json"
}

// Run executes the stages of the named flow in order and returns its
// terminal status. A second Run for the same flow name while one is in
// flight returns ErrAlreadyRunning without touching the persisted status.
func (r *Runner) Run(ctx context.Context, flowName string, stages []Stage) (RunStatus, error) {
	if !r.acquire(flowName) {
		return RunStatus{Flow: flowName}, fmt.Errorf("%s: %w", flowName, ErrAlreadyRunning)
	}
	defer r.release(flowName)

	status := RunStatus{
		Flow:      flowName,
		RunID:     uuid.NewString(),
		Status:    StatusRunning,
		StartedAt: r.cfg.Clock.Now().UTC(),
	}
	r.persist(ctx, &status)
	r.log.Info("flow run started", "flow", flowName, "run_id", status.RunID, "stages", len(stages))

	degraded := false
	terminal := StatusCompleted

	for i, stage := range stages {
		// Cancellation is observed here, between stages. Outputs of stages
		// that already committed stay in place.
		if err := ctx.Err(); err != nil {
			status.Cancelled = true
			status.Error = err.Error()
			terminal = StatusFailed
			for _, rest := range stages[i:] {
				status.Stages = append(status.Stages, StageOutcome{Stage: rest.Name, Status: stageSkipped})
			}
			break
		}

		outcome, stageErr := r.runStage(ctx, flowName, stage)
		status.Stages = append(status.Stages, outcome)

		if stageErr == nil {
			continue
		}
		if IsRecoverable(stageErr) {
			degraded = true
			continue
		}
		switch {
		case errors.Is(stageErr, ErrEmpty):
			terminal = StatusEmpty
		case errors.Is(stageErr, ErrBlocked):
			terminal = StatusBlocked
			status.Error = stageErr.Error()
		default:
			terminal = StatusFailed
			status.Error = stageErr.Error()
		}
		for _, rest := range stages[i+1:] {
			status.Stages = append(status.Stages, StageOutcome{Stage: rest.Name, Status: stageSkipped})
		}
		break
	}

	if terminal == StatusCompleted && degraded {
		terminal = StatusDegraded
	}
	status.Status = terminal
	status.FinishedAt = r.cfg.Clock.Now().UTC()
	r.persist(ctx, &status)

	metrics.FlowRunsTotal.WithLabelValues(flowName, string(terminal)).Inc()
	metrics.FlowRunDuration.WithLabelValues(flowName).Observe(status.FinishedAt.Sub(status.StartedAt).Seconds())
	r.log.Info("flow run finished",
		"flow", flowName,
		"run_id", status.RunID,
		"status", terminal,
		"duration", status.FinishedAt.Sub(status.StartedAt),
	)
	return status, nil
}

// runStage retries a failing stage with exponential backoff. Empty, blocked
// and recoverable errors are terminal for the stage: retrying them cannot
// change the answer within this run.
func (r *Runner) runStage(ctx context.Context, flowName string, stage Stage) (StageOutcome, error) {
	started := r.cfg.Clock.Now()
	attempts := 0

	operation := func() (struct{}, error) {
		attempts++
		if attempts > 1 {
			metrics.StageRetriesTotal.WithLabelValues(flowName, stage.Name).Inc()
			r.log.Warn("retrying stage", "flow", flowName, "stage", stage.Name, "attempt", attempts)
		}
		err := stage.Run(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, ErrEmpty) || errors.Is(err, ErrBlocked) || IsRecoverable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.cfg.RetryInitialInterval
	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(r.cfg.MaxStageAttempts),
	)

	outcome := StageOutcome{
		Stage:    stage.Name,
		Attempts: attempts,
		Duration: r.cfg.Clock.Now().Sub(started),
	}
	switch {
	case err == nil:
		outcome.Status = stageCompleted
	case errors.Is(err, ErrEmpty):
		// Finding no input is a success for the stage; the run carries the
		// EMPTY terminal status.
		outcome.Status = stageCompleted
	case errors.Is(err, ErrBlocked):
		outcome.Status = stageBlocked
		outcome.Error = err.Error()
		r.log.Warn("stage blocked", "flow", flowName, "stage", stage.Name, "error", err)
	case IsRecoverable(err):
		outcome.Status = stageDegraded
		outcome.Error = err.Error()
		r.log.Warn("stage degraded", "flow", flowName, "stage", stage.Name, "error", err)
	default:
		outcome.Status = stageFailed
		outcome.Error = err.Error()
		r.log.Error("stage failed", "flow", flowName, "stage", stage.Name, "attempts", attempts, "error", err)
	}
	return outcome, err
}

func (r *Runner) acquire(flowName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[flowName] {
		return false
	}
	r.running[flowName] = true
	return true
}

func (r *Runner) release(flowName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, flowName)
}

// persist writes the run status object. A status write never fails the run:
// the run's own work is the source of truth, the status object is advisory.
func (r *Runner) persist(ctx context.Context, status *RunStatus) {
	if err := SaveStatus(ctx, r.cfg.Store, r.cfg.StatusBucket, *status); err != nil {
		r.log.Warn("failed to persist flow status", "flow", status.Flow, "error", err)
	}
}
