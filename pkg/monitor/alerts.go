package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pedalmetrics/bikelake/internal/metrics"
	"github.com/pedalmetrics/bikelake/pkg/flow"
	"github.com/pedalmetrics/bikelake/pkg/quality"
)

const (
	ConditionAPIUnreachable = "API_UNREACHABLE"
	ConditionHighLatency    = "HIGH_LATENCY"
	ConditionFlowUnhealthy  = "FLOW_UNHEALTHY"
)

const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// AlertEvent is one appended line of the alert log.
type AlertEvent struct {
	Condition string         `json:"condition"`
	Severity  string         `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// AlertLog appends alert events to a local line-oriented file. Lines are
// never rewritten. Append failures are logged and swallowed so a full disk
// cannot take down the monitoring flow.
type AlertLog struct {
	log  *slog.Logger
	path string
	mu   sync.Mutex
}

func NewAlertLog(log *slog.Logger, path string) *AlertLog {
	return &AlertLog{
		log:  log.With("component", "alert-log"),
		path: path,
	}
}

// Append writes one JSON line per event.
func (a *AlertLog) Append(events []AlertEvent) {
	if len(events) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		a.log.Warn("failed to create alert log directory", "path", a.path, "error", err)
		return
	}
	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		a.log.Warn("failed to open alert log", "path", a.path, "error", err)
		return
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			a.log.Warn("failed to append alert", "condition", ev.Condition, "error", err)
			return
		}
		metrics.AlertsEmittedTotal.WithLabelValues(ev.Condition).Inc()
	}
}

// CheckAndAlert evaluates the alert conditions against a snapshot, appends
// any fired alerts to the alert log, and persists the updated monitor state.
// Each condition fires at most once per evaluation bucket, so a sustained
// breach produces one alert per cycle rather than a flood.
func (m *Monitor) CheckAndAlert(ctx context.Context, snap Snapshot) ([]AlertEvent, error) {
	st := m.loadState(ctx)
	bucket := snap.GeneratedAt.Truncate(time.Minute).Format(time.RFC3339)

	var events []AlertEvent
	fire := func(dedupKey string, ev AlertEvent) {
		if st.LastAlertBucket[dedupKey] == bucket {
			return
		}
		st.LastAlertBucket[dedupKey] = bucket
		ev.Timestamp = snap.GeneratedAt
		events = append(events, ev)
	}

	if m.APIConfigured() && snap.API.Status != SourceOK {
		fire(ConditionAPIUnreachable, AlertEvent{
			Condition: ConditionAPIUnreachable,
			Severity:  SeverityCritical,
			Payload:   map[string]any{"error": snap.API.Error},
		})
	} else if snap.API.Status == SourceOK {
		// The breach counter only moves on actual observations. An unknown
		// API section neither extends nor clears a streak.
		if snap.API.Metrics.AvgLatencyMS > m.cfg.LatencySLAMS {
			st.ConsecutiveLatencyBreaches++
		} else {
			st.ConsecutiveLatencyBreaches = 0
		}
		if st.ConsecutiveLatencyBreaches >= m.cfg.MinBreachWindows {
			fire(ConditionHighLatency, AlertEvent{
				Condition: ConditionHighLatency,
				Severity:  SeverityWarning,
				Payload: map[string]any{
					"avg_latency_ms":      snap.API.Metrics.AvgLatencyMS,
					"sla_ms":              m.cfg.LatencySLAMS,
					"consecutive_windows": st.ConsecutiveLatencyBreaches,
				},
			})
		}
	}

	if snap.Report != nil && snap.Report.PoorShare > m.cfg.PoorShareThreshold {
		fire(quality.ConditionHighPoorShare, AlertEvent{
			Condition: quality.ConditionHighPoorShare,
			Severity:  SeverityWarning,
			Payload: map[string]any{
				"poor_share": snap.Report.PoorShare,
				"threshold":  m.cfg.PoorShareThreshold,
				"flow":       snap.Report.Flow,
				"records":    snap.Report.Records,
			},
		})
	}

	names := make([]string, 0, len(snap.Flows))
	for name := range snap.Flows {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		health := snap.Flows[name]
		if health.Run == nil || health.Run.Status == flow.StatusRunning {
			continue
		}
		if !health.Run.Status.Healthy() {
			fire(ConditionFlowUnhealthy+"/"+name, AlertEvent{
				Condition: ConditionFlowUnhealthy,
				Severity:  SeverityWarning,
				Payload: map[string]any{
					"flow":   name,
					"status": string(health.Run.Status),
					"error":  health.Run.Error,
				},
			})
		}
	}

	m.alerts.Append(events)
	if err := m.saveState(ctx, st); err != nil {
		return events, fmt.Errorf("alerts evaluated but state not persisted: %w", err)
	}
	for _, ev := range events {
		m.log.Warn("alert emitted", "condition", ev.Condition, "severity", ev.Severity)
	}
	return events, nil
}
