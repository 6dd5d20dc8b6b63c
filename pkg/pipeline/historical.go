package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/pedalmetrics/bikelake/pkg/flow"
	"github.com/pedalmetrics/bikelake/pkg/historical"
	"github.com/pedalmetrics/bikelake/pkg/tripdata"
)

// BatchHistorical builds the low-frequency flow: drain the staged backlog
// through the validator, load the surviving backfills from the raw layer,
// then reuse the scoring, gate, promotion and aggregation path over the
// loaded batch. Quarantined files never reach the scoring stages.
func (p *Pipelines) BatchHistorical() []flow.Stage {
	run := &batchRun{flowName: FlowBatchHistorical}
	var rawKeys []string

	validate := flow.Stage{
		Name: "validate-backlog",
		Run: func(ctx context.Context) error {
			run.batchID = uuid.NewString()
			run.runTS = p.cfg.Clock.Now().UTC()
			rawKeys = rawKeys[:0]

			outcomes, err := p.cfg.Validator.ValidateAll(ctx)
			if err != nil {
				return fmt.Errorf("backlog validation failed: %w", err)
			}
			if len(outcomes) == 0 {
				return flow.ErrEmpty
			}

			quarantined := 0
			for _, out := range outcomes {
				switch out.State {
				case historical.StateProcessed:
					if out.RawKey != "" {
						rawKeys = append(rawKeys, out.RawKey)
					}
				case historical.StateQuarantined:
					quarantined++
				}
			}
			p.log.Info("backlog drained",
				"files", len(outcomes), "loaded", len(rawKeys), "quarantined", quarantined)
			return nil
		},
	}

	load := flow.Stage{
		Name: "load-validated",
		Run: func(ctx context.Context) error {
			run.records = run.records[:0]
			for _, key := range rawKeys {
				data, err := p.cfg.Store.Get(ctx, p.cfg.RawBucket, key)
				if err != nil {
					return fmt.Errorf("failed to read backfill %s: %w", key, err)
				}
				records, err := tripdata.DecodeNDJSONGz(data)
				if err != nil {
					return fmt.Errorf("failed to decode backfill %s: %w", key, err)
				}
				run.records = append(run.records, records...)
			}
			return nil
		},
	}

	return []flow.Stage{
		validate,
		load,
		p.scoreStage(run),
		p.gateStage(run),
		p.promoteStage(run),
		p.aggregateStage(run),
		p.reportStage(run),
	}
}
