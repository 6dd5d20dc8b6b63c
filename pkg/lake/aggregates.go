package lake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pedalmetrics/bikelake/pkg/obj"
	"github.com/pedalmetrics/bikelake/pkg/quality"
	"github.com/pedalmetrics/bikelake/pkg/tripdata"
)

// StationStatus is one row of the per-station current-status table.
// Last-write-wins per station id.
type StationStatus struct {
	StationID    int64     `json:"station_id"`
	TripsStarted int       `json:"trips_started"`
	AvgQuality   float64   `json:"avg_quality"`
	BatchID      string    `json:"batch_id"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StationStatusTable is keyed by decimal station id.
type StationStatusTable struct {
	Stations map[string]StationStatus `json:"stations"`
}

// HourlyUsage is one row of the hourly-usage rollup. Counters are additive
// and merged, never overwritten.
type HourlyUsage struct {
	Hour     string  `json:"hour"` // "2024-01-15T08"
	Trips    int     `json:"trips"`
	ScoreSum float64 `json:"score_sum"`
}

// AvgQuality is derived from the additive counters.
func (h HourlyUsage) AvgQuality() float64 {
	if h.Trips == 0 {
		return 0
	}
	return h.ScoreSum / float64(h.Trips)
}

// HourlyUsageTable records which batches have already been merged so that
// retried or out-of-order batch application sums each batch exactly once.
type HourlyUsageTable struct {
	AppliedBatches map[string]time.Time   `json:"applied_batches"`
	Hours          map[string]HourlyUsage `json:"hours"`
}

// TrendRow is one row of the quality-trend table, keyed by (flow, run date).
type TrendRow struct {
	RunDate     string  `json:"run_date"` // "2024-01-15"
	Flow        string  `json:"flow"`
	BatchID     string  `json:"batch_id"`
	Records     int     `json:"records"`
	MeanQuality float64 `json:"mean_quality"`
	PoorShare   float64 `json:"poor_share"`
}

type QualityTrendTable struct {
	Rows map[string]TrendRow `json:"rows"` // key "<flow>/<run date>"
}

// UpdateAggregates folds a promoted batch into the three analytical tables.
// The caller must only invoke this after the whole batch is durable in the
// validated layer. The update is all-or-nothing under retry: the hourly
// merge is keyed by batch id, the station table is last-write-wins, and the
// trend row key is deterministic, so replaying a batch after a partial
// failure converges to the same final state without double-counting.
func (c *Coordinator) UpdateAggregates(ctx context.Context, batchID, flow string, runTS time.Time, recs []PromotedRecord) error {
	if len(recs) == 0 {
		return nil
	}

	stationTable, err := loadTable(ctx, c.cfg.Store, c.cfg.AnalyticalBucket, stationStatusKey, StationStatusTable{})
	if err != nil {
		return err
	}
	if stationTable.Stations == nil {
		stationTable.Stations = map[string]StationStatus{}
	}
	hourlyTable, err := loadTable(ctx, c.cfg.Store, c.cfg.AnalyticalBucket, hourlyUsageKey, HourlyUsageTable{})
	if err != nil {
		return err
	}
	if hourlyTable.AppliedBatches == nil {
		hourlyTable.AppliedBatches = map[string]time.Time{}
	}
	if hourlyTable.Hours == nil {
		hourlyTable.Hours = map[string]HourlyUsage{}
	}
	trendTable, err := loadTable(ctx, c.cfg.Store, c.cfg.AnalyticalBucket, qualityTrendKey, QualityTrendTable{})
	if err != nil {
		return err
	}
	if trendTable.Rows == nil {
		trendTable.Rows = map[string]TrendRow{}
	}

	now := c.cfg.Clock.Now().UTC()

	// Station status: last write wins per station.
	type stationAgg struct {
		trips    int
		scoreSum float64
	}
	perStation := map[int64]*stationAgg{}
	for _, rec := range recs {
		id, present, _ := rec.Record.Number(tripdata.FieldStartStationID)
		if !present {
			continue
		}
		agg := perStation[int64(id)]
		if agg == nil {
			agg = &stationAgg{}
			perStation[int64(id)] = agg
		}
		agg.trips++
		agg.scoreSum += float64(rec.Assessment.Score)
	}
	for id, agg := range perStation {
		stationTable.Stations[fmt.Sprintf("%d", id)] = StationStatus{
			StationID:    id,
			TripsStarted: agg.trips,
			AvgQuality:   agg.scoreSum / float64(agg.trips),
			BatchID:      batchID,
			UpdatedAt:    now,
		}
	}

	// Hourly usage: additive merge, applied at most once per batch id.
	if _, applied := hourlyTable.AppliedBatches[batchID]; !applied {
		for _, rec := range recs {
			start, present, _ := rec.Record.Time(tripdata.FieldStartTime)
			if !present {
				continue
			}
			hour := start.UTC().Format("2006-01-02T15")
			row := hourlyTable.Hours[hour]
			row.Hour = hour
			row.Trips++
			row.ScoreSum += float64(rec.Assessment.Score)
			hourlyTable.Hours[hour] = row
		}
		hourlyTable.AppliedBatches[batchID] = now
	} else {
		c.log.Debug("hourly usage already merged for batch, skipping", "batch", batchID)
	}

	// Quality trend: one row per run, keyed by (flow, run date).
	var scoreSum float64
	poor := 0
	for _, rec := range recs {
		scoreSum += float64(rec.Assessment.Score)
		if rec.Assessment.Band == quality.BandPoor {
			poor++
		}
	}
	runDate := runTS.UTC().Format("2006-01-02")
	trendTable.Rows[flow+"/"+runDate] = TrendRow{
		RunDate:     runDate,
		Flow:        flow,
		BatchID:     batchID,
		Records:     len(recs),
		MeanQuality: scoreSum / float64(len(recs)),
		PoorShare:   float64(poor) / float64(len(recs)),
	}

	// Writes are per-object atomic; cross-table consistency comes from the
	// idempotent replay above, not from a transaction.
	if err := putTable(ctx, c.cfg.Store, c.cfg.AnalyticalBucket, stationStatusKey, stationTable); err != nil {
		return err
	}
	if err := putTable(ctx, c.cfg.Store, c.cfg.AnalyticalBucket, hourlyUsageKey, hourlyTable); err != nil {
		return err
	}
	if err := putTable(ctx, c.cfg.Store, c.cfg.AnalyticalBucket, qualityTrendKey, trendTable); err != nil {
		return err
	}

	c.log.Info("updated analytical tables",
		"batch", batchID, "flow", flow,
		"stations", len(perStation), "hours", len(hourlyTable.Hours))
	return nil
}

func loadTable[T any](ctx context.Context, store obj.Store, bucket, key string, empty T) (T, error) {
	data, err := store.Get(ctx, bucket, key)
	if err != nil {
		if errors.Is(err, obj.ErrNotFound) {
			return empty, nil
		}
		return empty, fmt.Errorf("failed to load table %s: %w", key, err)
	}
	var table T
	if err := json.Unmarshal(data, &table); err != nil {
		return empty, fmt.Errorf("failed to decode table %s: %w", key, err)
	}
	return table, nil
}

func putTable(ctx context.Context, store obj.Store, bucket, key string, table any) error {
	data, err := json.Marshal(table)
	if err != nil {
		return fmt.Errorf("failed to encode table %s: %w", key, err)
	}
	if err := store.Put(ctx, bucket, key, data, "application/json"); err != nil {
		return fmt.Errorf("failed to write table %s: %w", key, err)
	}
	return nil
}

// StationStatusTable returns the current per-station status table.
func (c *Coordinator) StationStatusTable(ctx context.Context) (StationStatusTable, error) {
	return loadTable(ctx, c.cfg.Store, c.cfg.AnalyticalBucket, stationStatusKey, StationStatusTable{})
}

// HourlyUsageTable returns the current hourly-usage rollup.
func (c *Coordinator) HourlyUsageTable(ctx context.Context) (HourlyUsageTable, error) {
	return loadTable(ctx, c.cfg.Store, c.cfg.AnalyticalBucket, hourlyUsageKey, HourlyUsageTable{})
}

// QualityTrendTable returns the current quality-trend table.
func (c *Coordinator) QualityTrendTable(ctx context.Context) (QualityTrendTable, error) {
	return loadTable(ctx, c.cfg.Store, c.cfg.AnalyticalBucket, qualityTrendKey, QualityTrendTable{})
}
