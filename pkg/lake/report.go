package lake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pedalmetrics/bikelake/pkg/obj"
	"github.com/pedalmetrics/bikelake/pkg/quality"
)

const reportTimeLayout = "20060102T150405Z"

// WriteReport stores a run report under a timestamped key and refreshes
// reports/latest.json. The latest pointer is what the monitor reads, so it
// is written last.
func (c *Coordinator) WriteReport(ctx context.Context, rep quality.Report) (string, error) {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode quality report: %w", err)
	}

	key := fmt.Sprintf("reports/quality_report_%s_%s.json", rep.Flow, rep.RunTimestamp.UTC().Format(reportTimeLayout))
	if err := c.cfg.Store.Put(ctx, c.cfg.AnalyticalBucket, key, data, "application/json"); err != nil {
		return "", fmt.Errorf("failed to write quality report %s: %w", key, err)
	}
	if err := c.cfg.Store.Put(ctx, c.cfg.AnalyticalBucket, latestReportKey, data, "application/json"); err != nil {
		return "", fmt.Errorf("failed to update latest report pointer: %w", err)
	}

	c.log.Info("wrote quality report",
		"key", key,
		"flow", rep.Flow,
		"records", rep.Records,
		"pass_rate", rep.PassRate,
		"status", rep.Status,
	)
	return key, nil
}

// LatestReport returns the most recent quality report, or obj.ErrNotFound
// when no flow has reported yet.
func (c *Coordinator) LatestReport(ctx context.Context) (quality.Report, error) {
	data, err := c.cfg.Store.Get(ctx, c.cfg.AnalyticalBucket, latestReportKey)
	if err != nil {
		if errors.Is(err, obj.ErrNotFound) {
			return quality.Report{}, obj.ErrNotFound
		}
		return quality.Report{}, fmt.Errorf("failed to load latest report: %w", err)
	}
	var rep quality.Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return quality.Report{}, fmt.Errorf("failed to decode latest report: %w", err)
	}
	return rep, nil
}
