package flow

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry is one scheduled flow: its name, its cadence, and a builder that
// produces a fresh stage sequence for each run.
type Entry struct {
	Flow   string
	Every  time.Duration
	Stages func() []Stage
}

// Scheduler triggers flows on independent periodic tickers. Runs of
// different flows proceed concurrently; the runner's single-flight guard
// keeps a slow run from overlapping the next tick of the same flow.
type Scheduler struct {
	log    *slog.Logger
	runner *Runner
}

func NewScheduler(log *slog.Logger, runner *Runner) *Scheduler {
	return &Scheduler{
		log:    log.With("component", "flow-scheduler"),
		runner: runner,
	}
}

// Run blocks until ctx is cancelled, ticking each entry on its own cadence.
// Each flow runs once immediately at startup.
func (s *Scheduler) Run(ctx context.Context, entries []Entry) {
	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(entry Entry) {
			defer wg.Done()
			s.runEntry(ctx, entry)
		}(entry)
	}
	wg.Wait()
}

func (s *Scheduler) runEntry(ctx context.Context, entry Entry) {
	s.log.Info("scheduling flow", "flow", entry.Flow, "every", entry.Every)

	ticker := s.runner.cfg.Clock.NewTicker(entry.Every)
	defer ticker.Stop()

	s.trigger(ctx, entry)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopping", "flow", entry.Flow)
			return
		case <-ticker.Chan():
			s.trigger(ctx, entry)
		}
	}
}

func (s *Scheduler) trigger(ctx context.Context, entry Entry) {
	status, err := s.runner.Run(ctx, entry.Flow, entry.Stages())
	if err != nil {
		s.log.Warn("flow run not started", "flow", entry.Flow, "error", err)
		return
	}
	if !status.Status.Healthy() {
		s.log.Warn("flow run unhealthy", "flow", entry.Flow, "status", status.Status)
	}
}
