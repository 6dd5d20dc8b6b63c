package pipeline

import (
	"context"
	"errors"

	"github.com/pedalmetrics/bikelake/pkg/flow"
	"github.com/pedalmetrics/bikelake/pkg/monitor"
)

// SystemMonitoring builds the medium-frequency flow: take a health snapshot,
// then evaluate the alert conditions against it. An unreachable ingestion
// endpoint still produces a snapshot and an alert, and the run terminates
// BLOCKED so the next monitoring cycle flags the dependency.
func (p *Pipelines) SystemMonitoring() []flow.Stage {
	var snap monitor.Snapshot

	takeSnapshot := flow.Stage{
		Name: "snapshot",
		Run: func(ctx context.Context) error {
			if p.cfg.Monitor == nil {
				return errors.New("monitor is not configured")
			}
			var err error
			snap, err = p.cfg.Monitor.Snapshot(ctx)
			return err
		},
	}

	checkAndAlert := flow.Stage{
		Name: "check-and-alert",
		Run: func(ctx context.Context) error {
			events, err := p.cfg.Monitor.CheckAndAlert(ctx, snap)
			if err != nil {
				return err
			}
			p.log.Info("alert evaluation finished", "alerts", len(events))
			if p.cfg.Monitor.APIConfigured() && snap.API.Status != monitor.SourceOK {
				return flow.ErrBlocked
			}
			return nil
		},
	}

	return []flow.Stage{takeSnapshot, checkAndAlert}
}
