// Package pipeline composes the platform's components into the three
// scheduled flows: realtime quality, historical batch, and system
// monitoring. Each flow is a fixed stage sequence handed to the flow runner.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pedalmetrics/bikelake/internal/metrics"
	"github.com/pedalmetrics/bikelake/pkg/flow"
	"github.com/pedalmetrics/bikelake/pkg/historical"
	"github.com/pedalmetrics/bikelake/pkg/lake"
	"github.com/pedalmetrics/bikelake/pkg/monitor"
	"github.com/pedalmetrics/bikelake/pkg/obj"
	"github.com/pedalmetrics/bikelake/pkg/quality"
	"github.com/pedalmetrics/bikelake/pkg/stations"
	"github.com/pedalmetrics/bikelake/pkg/tripdata"
)

const (
	FlowRealtimeQuality  = "realtime_quality"
	FlowBatchHistorical  = "batch_historical"
	FlowSystemMonitoring = "system_monitoring"
)

// Flows lists every flow name in scheduling order.
var Flows = []string{FlowRealtimeQuality, FlowBatchHistorical, FlowSystemMonitoring}

type Config struct {
	Logger *slog.Logger
	Store  obj.Store
	Clock  clockwork.Clock

	Lake      *lake.Coordinator
	Validator *historical.Validator
	// Monitor may be nil when only data flows are run.
	Monitor *monitor.Monitor
	// Alerts receives the gate's alert conditions. Nil drops them to logs.
	Alerts *monitor.AlertLog

	Stations  *stations.Reference
	RawBucket string

	PoorShareThreshold float64
	ScoringWorkers     int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Lake == nil {
		return errors.New("lake coordinator is required")
	}
	if c.Validator == nil {
		return errors.New("historical validator is required")
	}
	if c.RawBucket == "" {
		return errors.New("raw bucket is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Stations == nil {
		c.Stations = stations.Empty()
	}
	if c.PoorShareThreshold <= 0 {
		c.PoorShareThreshold = quality.DefaultPoorShareThreshold
	}
	if c.ScoringWorkers <= 0 {
		c.ScoringWorkers = 8
	}
	return nil
}

type Pipelines struct {
	log *slog.Logger
	cfg *Config
}

func New(cfg *Config) (*Pipelines, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	return &Pipelines{
		log: cfg.Logger.With("component", "pipeline"),
		cfg: cfg,
	}, nil
}

// Stages returns the stage sequence for the named flow.
func (p *Pipelines) Stages(flowName string) ([]flow.Stage, error) {
	switch flowName {
	case FlowRealtimeQuality:
		return p.RealtimeQuality(), nil
	case FlowBatchHistorical:
		return p.BatchHistorical(), nil
	case FlowSystemMonitoring:
		return p.SystemMonitoring(), nil
	default:
		return nil, fmt.Errorf("unknown flow %q", flowName)
	}
}

// batchRun is the state threaded through the data-flow stages of one run.
type batchRun struct {
	flowName string
	batchID  string
	runTS    time.Time

	records     []tripdata.RawTrip
	assessments []quality.Assessment
	gate        quality.GateResult
}

// loadRawObjects reads and decodes raw-layer objects. Undecodable objects
// are skipped so one corrupt event cannot stall the whole batch; the caller
// surfaces the skip count as a recoverable error.
func (p *Pipelines) loadRawObjects(ctx context.Context, keys []string) ([]tripdata.RawTrip, int) {
	var records []tripdata.RawTrip
	skipped := 0
	for _, key := range keys {
		data, err := p.cfg.Store.Get(ctx, p.cfg.RawBucket, key)
		if err != nil {
			p.log.Warn("failed to read raw object", "key", key, "error", err)
			skipped++
			continue
		}
		recs, err := tripdata.DecodeObject(key, data)
		if err != nil {
			p.log.Warn("failed to decode raw object", "key", key, "error", err)
			skipped++
			continue
		}
		records = append(records, recs...)
	}
	return records, skipped
}

// scoreStage scores the run's records and logs batch-level checks.
func (p *Pipelines) scoreStage(run *batchRun) flow.Stage {
	return flow.Stage{
		Name: "score",
		Run: func(ctx context.Context) error {
			if len(run.records) == 0 {
				return nil
			}
			checks := quality.RunBatchChecks(run.records)
			if checks.IssuesFound > 0 {
				p.log.Warn("batch checks flagged records",
					"flow", run.flowName,
					"missing_values", checks.MissingValues,
					"duplicate_ids", checks.DuplicateIDs,
					"non_positive_duration", checks.NonPositiveDuration,
				)
			}
			run.assessments = quality.AssessBatch(run.records, p.cfg.Stations, p.cfg.ScoringWorkers)
			metrics.RecordsScoredTotal.Add(float64(len(run.assessments)))
			return nil
		},
	}
}

// gateStage evaluates the quality gate over the scored batch.
func (p *Pipelines) gateStage(run *batchRun) flow.Stage {
	return flow.Stage{
		Name: "gate",
		Run: func(ctx context.Context) error {
			run.gate = quality.Evaluate(run.flowName, run.runTS, run.assessments, p.cfg.PoorShareThreshold)
			return nil
		},
	}
}

// promoteStage writes the scored records to the validated layer.
func (p *Pipelines) promoteStage(run *batchRun) flow.Stage {
	return flow.Stage{
		Name: "promote",
		Run: func(ctx context.Context) error {
			if len(run.records) == 0 {
				return nil
			}
			_, err := p.cfg.Lake.PromoteBatch(ctx, run.batchID, promotedRecords(run))
			return err
		},
	}
}

// aggregateStage applies the promoted batch to the analytical tables. It
// only runs after promoteStage succeeded, so aggregates never see a batch
// that is not fully durable in the validated layer.
func (p *Pipelines) aggregateStage(run *batchRun) flow.Stage {
	return flow.Stage{
		Name: "aggregate",
		Run: func(ctx context.Context) error {
			if len(run.records) == 0 {
				return nil
			}
			return p.cfg.Lake.UpdateAggregates(ctx, run.batchID, run.flowName, run.runTS, promotedRecords(run))
		},
	}
}

// reportStage emits the run's quality report and forwards the gate's alert
// conditions to the alert log.
func (p *Pipelines) reportStage(run *batchRun) flow.Stage {
	return flow.Stage{
		Name: "report",
		Run: func(ctx context.Context) error {
			if len(run.assessments) == 0 {
				return nil
			}
			if _, err := p.cfg.Lake.WriteReport(ctx, run.gate.Report); err != nil {
				return err
			}
			p.emitGateAlerts(run)
			return nil
		},
	}
}

func (p *Pipelines) emitGateAlerts(run *batchRun) {
	if len(run.gate.Alerts) == 0 {
		return
	}
	events := make([]monitor.AlertEvent, 0, len(run.gate.Alerts))
	for _, cond := range run.gate.Alerts {
		p.log.Warn("quality gate raised alert condition",
			"flow", run.flowName, "condition", cond.Condition, "severity", cond.Severity)
		events = append(events, monitor.AlertEvent{
			Condition: cond.Condition,
			Severity:  cond.Severity,
			Timestamp: run.runTS,
			Payload:   cond.Payload,
		})
	}
	if p.cfg.Alerts != nil {
		p.cfg.Alerts.Append(events)
	}
}

func promotedRecords(run *batchRun) []lake.PromotedRecord {
	recs := make([]lake.PromotedRecord, len(run.records))
	for i := range run.records {
		recs[i] = lake.PromotedRecord{
			Record:     run.records[i],
			Assessment: run.assessments[i],
		}
	}
	return recs
}
