// Package lake moves assessed records between storage layers and maintains
// the derived analytical tables. Every write is content-keyed and safe to
// repeat, so a failed batch is recovered by replaying it, never by manual
// repair.
package lake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/pedalmetrics/bikelake/internal/metrics"
	"github.com/pedalmetrics/bikelake/pkg/obj"
	"github.com/pedalmetrics/bikelake/pkg/quality"
	"github.com/pedalmetrics/bikelake/pkg/tripdata"
)

// Control and table object keys within the analytical bucket.
const (
	checkpointKey    = "control/realtime_checkpoint.json"
	stationStatusKey = "tables/station_status.json"
	hourlyUsageKey   = "tables/hourly_usage.json"
	qualityTrendKey  = "tables/quality_trend.json"
	latestReportKey  = "reports/latest.json"

	// HistoricalRawPrefix is where validated backfills land in the raw
	// bucket; realtime discovery skips this prefix.
	HistoricalRawPrefix = "historical/"
)

type Config struct {
	Logger *slog.Logger
	Store  obj.Store
	Clock  clockwork.Clock

	RawBucket        string
	ValidatedBucket  string
	AnalyticalBucket string
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.RawBucket == "" {
		return errors.New("raw bucket is required")
	}
	if c.ValidatedBucket == "" {
		return errors.New("validated bucket is required")
	}
	if c.AnalyticalBucket == "" {
		return errors.New("analytical bucket is required")
	}
	return nil
}

type Coordinator struct {
	log *slog.Logger
	cfg *Config
}

func New(cfg *Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{log: cfg.Logger, cfg: cfg}, nil
}

// PromotedRecord pairs a raw record with its assessment for promotion to the
// validated layer.
type PromotedRecord struct {
	Record     tripdata.RawTrip   `json:"record"`
	Assessment quality.Assessment `json:"quality"`
}

// PromoteResult summarizes a batch promotion.
type PromoteResult struct {
	BatchID    string
	Promoted   int
	Partitions []string
}

// Promote writes one record, annotated with its assessment, to the validated
// layer. The object key is derived from the trip id within the record's
// date/hour partition, so re-promoting the same record overwrites instead of
// duplicating.
func (c *Coordinator) Promote(ctx context.Context, rec PromotedRecord) (string, error) {
	key := c.validatedKey(rec)
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal promoted record: %w", err)
	}
	if err := c.cfg.Store.Put(ctx, c.cfg.ValidatedBucket, key, data, "application/json"); err != nil {
		return "", fmt.Errorf("failed to promote record: %w", err)
	}
	return key, nil
}

// PromoteBatch promotes every record in the batch. Promotion is the
// serialization point of a run: records are written sequentially and the
// batch only counts as promoted once every object is durable.
func (c *Coordinator) PromoteBatch(ctx context.Context, batchID string, recs []PromotedRecord) (PromoteResult, error) {
	res := PromoteResult{BatchID: batchID}
	partitions := map[string]bool{}
	for i, rec := range recs {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("promotion interrupted at record %d: %w", i, err)
		}
		key, err := c.Promote(ctx, rec)
		if err != nil {
			return res, fmt.Errorf("batch %s: %w", batchID, err)
		}
		res.Promoted++
		partition := key[:strings.LastIndex(key, "/")]
		if !partitions[partition] {
			partitions[partition] = true
			res.Partitions = append(res.Partitions, partition)
		}
	}
	metrics.RecordsPromotedTotal.Add(float64(res.Promoted))
	c.log.Info("promoted batch to validated layer",
		"batch", batchID, "records", res.Promoted, "partitions", len(res.Partitions))
	return res, nil
}

func (c *Coordinator) validatedKey(rec PromotedRecord) string {
	partition := rec.Record.Partition()
	id := rec.Assessment.TripID
	if id == "" {
		// Records with no usable trip id still get a deterministic identity
		// key so retried promotion stays idempotent.
		canonical, _ := json.Marshal(rec.Record)
		sum := sha256.Sum256(canonical)
		id = "unkeyed_" + hex.EncodeToString(sum[:8])
	}
	return fmt.Sprintf("%s/trip_%s.json", partition, sanitizeKeyPart(id))
}

func sanitizeKeyPart(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
