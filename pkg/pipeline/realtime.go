package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/pedalmetrics/bikelake/pkg/flow"
	"github.com/pedalmetrics/bikelake/pkg/lake"
)

// RealtimeQuality builds the high-frequency flow: discover new raw events
// past the checkpoint, score them, evaluate the gate, promote everything to
// the validated layer, fold the batch into the aggregates, and emit the run
// report.
func (p *Pipelines) RealtimeQuality() []flow.Stage {
	run := &batchRun{flowName: FlowRealtimeQuality}

	discover := flow.Stage{
		Name: "discover",
		Run: func(ctx context.Context) error {
			run.batchID = uuid.NewString()
			run.runTS = p.cfg.Clock.Now().UTC()

			infos, err := p.cfg.Lake.DiscoverNewRaw(ctx)
			if err != nil {
				return fmt.Errorf("discovery failed: %w", err)
			}
			if len(infos) == 0 {
				return flow.ErrEmpty
			}

			keys := make([]string, len(infos))
			for i, info := range infos {
				keys[i] = info.Key
			}
			records, skipped := p.loadRawObjects(ctx, keys)
			run.records = records
			p.log.Info("discovered new raw events",
				"objects", len(infos), "records", len(records), "skipped", skipped)

			if len(records) == 0 && skipped > 0 {
				// Checkpoint stays put so a retry rediscovers the batch.
				return fmt.Errorf("all %d discovered objects were unreadable", skipped)
			}

			latest := infos[len(infos)-1]
			if err := p.cfg.Lake.SaveCheckpoint(ctx, lake.Checkpoint{
				LastModified: latest.LastModified,
				LastKey:      latest.Key,
			}); err != nil {
				return err
			}

			if len(records) == 0 {
				return flow.ErrEmpty
			}
			if skipped > 0 {
				return flow.Recoverable(fmt.Errorf("skipped %d unreadable raw objects", skipped))
			}
			return nil
		},
	}

	return []flow.Stage{
		discover,
		p.scoreStage(run),
		p.gateStage(run),
		p.promoteStage(run),
		p.aggregateStage(run),
		p.reportStage(run),
	}
}
