package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/pedalmetrics/bikelake/pkg/flow"
	"github.com/pedalmetrics/bikelake/pkg/obj"
	"github.com/pedalmetrics/bikelake/pkg/quality"
)

// SourceStatus marks whether a snapshot section could actually be sampled.
type SourceStatus string

const (
	SourceOK      SourceStatus = "ok"
	SourceUnknown SourceStatus = "unknown"
)

// APIHealth is the ingestion endpoint section of a snapshot.
type APIHealth struct {
	Status  SourceStatus  `json:"status"`
	Error   string        `json:"error,omitempty"`
	Metrics IngestMetrics `json:"metrics"`
}

// LayerCounts holds per-layer object counts. Counts are cached between
// snapshots, so they are approximate by up to the cache TTL.
type LayerCounts struct {
	Status     SourceStatus `json:"status"`
	Raw        int          `json:"raw"`
	Validated  int          `json:"validated"`
	Analytical int          `json:"analytical"`
	Backlog    int          `json:"backlog"`
}

// FlowHealth is the latest run status of one flow, or unknown when the flow
// has never run or its status object is unreadable.
type FlowHealth struct {
	Status SourceStatus    `json:"status"`
	Run    *flow.RunStatus `json:"run,omitempty"`
}

// Snapshot is the PipelineMetrics artifact published per monitoring run.
type Snapshot struct {
	GeneratedAt  time.Time             `json:"generated_at"`
	API          APIHealth             `json:"api"`
	Layers       LayerCounts           `json:"layers"`
	ReportStatus SourceStatus          `json:"report_status"`
	Report       *quality.Report       `json:"latest_report,omitempty"`
	Flows        map[string]FlowHealth `json:"flows"`
}

// Snapshot samples every health source and publishes the result as the
// pipeline metrics dashboard object. Individual source failures degrade the
// snapshot to unknown sections instead of failing the run.
func (m *Monitor) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		GeneratedAt: m.cfg.Clock.Now().UTC(),
		Flows:       make(map[string]FlowHealth, len(m.cfg.Flows)),
	}

	snap.API = m.sampleAPI(ctx)
	snap.Layers = m.sampleLayers(ctx)

	rep, err := m.cfg.Lake.LatestReport(ctx)
	switch {
	case err == nil:
		snap.ReportStatus = SourceOK
		snap.Report = &rep
	case errors.Is(err, obj.ErrNotFound):
		snap.ReportStatus = SourceUnknown
	default:
		m.log.Warn("failed to read latest quality report", "error", err)
		snap.ReportStatus = SourceUnknown
	}

	for _, name := range m.cfg.Flows {
		status, err := flow.LoadStatus(ctx, m.cfg.Store, m.cfg.AnalyticalBucket, name)
		if err != nil {
			if !errors.Is(err, obj.ErrNotFound) {
				m.log.Warn("failed to read flow status", "flow", name, "error", err)
			}
			snap.Flows[name] = FlowHealth{Status: SourceUnknown}
			continue
		}
		snap.Flows[name] = FlowHealth{Status: SourceOK, Run: &status}
	}

	if err := m.publish(ctx, snap); err != nil {
		m.log.Warn("failed to publish pipeline metrics snapshot", "error", err)
	}
	return snap, nil
}

func (m *Monitor) sampleAPI(ctx context.Context) APIHealth {
	if m.cfg.Ingest == nil {
		return APIHealth{Status: SourceUnknown, Error: "no ingestion endpoint configured"}
	}
	if err := m.cfg.Ingest.Health(ctx); err != nil {
		m.log.Warn("ingestion endpoint health check failed", "error", err)
		return APIHealth{Status: SourceUnknown, Error: err.Error()}
	}
	metrics, err := m.cfg.Ingest.Metrics(ctx)
	if err != nil {
		m.log.Warn("ingestion endpoint metrics fetch failed", "error", err)
		return APIHealth{Status: SourceUnknown, Error: err.Error()}
	}
	return APIHealth{Status: SourceOK, Metrics: metrics}
}

func (m *Monitor) sampleLayers(ctx context.Context) LayerCounts {
	counts := LayerCounts{Status: SourceOK}
	sample := func(bucket string, dst *int) {
		n, err := m.countObjects(ctx, bucket)
		if err != nil {
			m.log.Warn("failed to count layer objects", "bucket", bucket, "error", err)
			counts.Status = SourceUnknown
			return
		}
		*dst = n
	}
	sample(m.cfg.RawBucket, &counts.Raw)
	sample(m.cfg.ValidatedBucket, &counts.Validated)
	sample(m.cfg.AnalyticalBucket, &counts.Analytical)
	sample(m.cfg.BacklogBucket, &counts.Backlog)
	return counts
}

func (m *Monitor) countObjects(ctx context.Context, bucket string) (int, error) {
	if item := m.counts.Get(bucket); item != nil {
		return item.Value(), nil
	}
	infos, err := m.cfg.Store.List(ctx, bucket, "")
	if err != nil {
		return 0, err
	}
	m.counts.Set(bucket, len(infos), ttlcache.DefaultTTL)
	return len(infos), nil
}

func (m *Monitor) publish(ctx context.Context, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return m.cfg.Store.Put(ctx, m.cfg.AnalyticalBucket, dashboardKey, data, "application/json")
}
