// Package monitor observes the health of the whole platform: the ingestion
// endpoint, the storage layers, the latest quality report and the latest run
// of every flow. Snapshots degrade rather than fail: a source that cannot be
// read is recorded as unknown and the rest of the snapshot stays useful.
package monitor

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"github.com/pedalmetrics/bikelake/pkg/lake"
	"github.com/pedalmetrics/bikelake/pkg/obj"
	"github.com/pedalmetrics/bikelake/pkg/quality"
)

const (
	stateKey     = "control/monitor_state.json"
	dashboardKey = "dashboards/pipeline_metrics.json"
)

const (
	defaultLatencySLAMS     = 1000.0
	defaultMinBreachWindows = 3
	defaultCountTTL         = 5 * time.Minute
	defaultAlertLogPath     = "logs/alerts.log"
)

type Config struct {
	Logger *slog.Logger
	Store  obj.Store
	Clock  clockwork.Clock

	// Lake provides the latest quality report.
	Lake *lake.Coordinator
	// Ingest probes the ingestion endpoint. Nil disables API checks; the
	// API section of every snapshot is then unknown.
	Ingest *IngestClient

	RawBucket        string
	ValidatedBucket  string
	AnalyticalBucket string
	BacklogBucket    string

	// Flows lists the flow names whose latest run status is sampled.
	Flows []string

	// LatencySLAMS is the average-latency ceiling in milliseconds.
	LatencySLAMS float64
	// MinBreachWindows is how many consecutive snapshots must breach the
	// latency SLA before an alert fires.
	MinBreachWindows int
	// PoorShareThreshold triggers the poor-share alert from the latest
	// report. The monitor never recomputes the share itself.
	PoorShareThreshold float64

	// CountTTL caches per-layer object counts between snapshots.
	CountTTL time.Duration
	// AlertLogPath is the local append-only alert log file.
	AlertLogPath string
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
	if c.RawBucket == "" || c.ValidatedBucket == "" || c.AnalyticalBucket == "" || c.BacklogBucket == "" {
		return errors.New("all layer buckets are required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.LatencySLAMS <= 0 {
		c.LatencySLAMS = defaultLatencySLAMS
	}
	if c.MinBreachWindows <= 0 {
		c.MinBreachWindows = defaultMinBreachWindows
	}
	if c.PoorShareThreshold <= 0 {
		c.PoorShareThreshold = quality.DefaultPoorShareThreshold
	}
	if c.CountTTL <= 0 {
		c.CountTTL = defaultCountTTL
	}
	if c.AlertLogPath == "" {
		c.AlertLogPath = defaultAlertLogPath
	}
	return nil
}

type Monitor struct {
	log    *slog.Logger
	cfg    *Config
	counts *ttlcache.Cache[string, int]
	alerts *AlertLog
}

func New(cfg *Config) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid monitor config: %w", err)
	}
	return &Monitor{
		log:    cfg.Logger.With("component", "monitor"),
		cfg:    cfg,
		counts: ttlcache.New(ttlcache.WithTTL[string, int](cfg.CountTTL)),
		alerts: NewAlertLog(cfg.Logger, cfg.AlertLogPath),
	}, nil
}

// APIConfigured reports whether the monitor probes an ingestion endpoint.
func (m *Monitor) APIConfigured() bool {
	return m.cfg.Ingest != nil
}

// Alerts exposes the monitor's append-only alert log so other flows can
// forward their alert conditions to the same file.
func (m *Monitor) Alerts() *AlertLog {
	return m.alerts
}
