// Package historical validates staged backfill files before they are loaded
// into the raw layer. Each staged file moves through a one-way state machine
// of backlog prefixes: pending/ to validating/ (the claim), then to either
// processed/ or quarantined/. A file leaves pending/ exactly once, so
// re-running the validator over an already drained backlog is a no-op.
package historical

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/pedalmetrics/bikelake/internal/metrics"
	"github.com/pedalmetrics/bikelake/pkg/lake"
	"github.com/pedalmetrics/bikelake/pkg/obj"
	"github.com/pedalmetrics/bikelake/pkg/quality"
	"github.com/pedalmetrics/bikelake/pkg/stations"
	"github.com/pedalmetrics/bikelake/pkg/tripdata"
)

const (
	PendingPrefix     = "pending/"
	ValidatingPrefix  = "validating/"
	ProcessedPrefix   = "processed/"
	QuarantinedPrefix = "quarantined/"
)

// State is the terminal backlog state of a staged file.
type State string

const (
	StateProcessed   State = "PROCESSED"
	StateQuarantined State = "QUARANTINED"
	// StateSkipped means another validator run claimed the file first.
	StateSkipped State = "SKIPPED"
)

const DefaultPoorShareCeiling = 0.20

// Columns every staged file must carry before any record-level scoring runs.
var requiredColumns = []string{
	tripdata.FieldTripID,
	tripdata.FieldStartTime,
	tripdata.FieldEndTime,
}

type Config struct {
	Logger *slog.Logger
	Store  obj.Store
	Clock  clockwork.Clock

	// BacklogBucket holds the staged-file state machine prefixes.
	BacklogBucket string
	// RawBucket receives validated backfills under the historical prefix.
	RawBucket string

	// Stations may be empty; station rules are then skipped during scoring.
	Stations *stations.Reference

	// PoorShareCeiling quarantines a file whose batch poor share exceeds it.
	PoorShareCeiling float64
	ScoringWorkers   int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.BacklogBucket == "" {
		return errors.New("backlog bucket is required")
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
	if c.PoorShareCeiling <= 0 {
		c.PoorShareCeiling = DefaultPoorShareCeiling
	}
	if c.ScoringWorkers <= 0 {
		c.ScoringWorkers = 4
	}
	return nil
}

// Outcome is the result of validating one staged file.
type Outcome struct {
	File      string  `json:"file"`
	State     State   `json:"state"`
	Records   int     `json:"records"`
	PoorShare float64 `json:"poor_share"`
	Reason    string  `json:"reason,omitempty"`
	// RawKey is set when the file's records were loaded into the raw layer.
	RawKey string `json:"raw_key,omitempty"`
}

type Validator struct {
	log *slog.Logger
	cfg *Config
}

func New(cfg *Config) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid historical validator config: %w", err)
	}
	return &Validator{
		log: cfg.Logger.With("component", "historical-validator"),
		cfg: cfg,
	}, nil
}

// PendingBacklog lists staged files still awaiting validation and refreshes
// the backlog gauge.
func (v *Validator) PendingBacklog(ctx context.Context) ([]obj.ObjectInfo, error) {
	infos, err := v.cfg.Store.List(ctx, v.cfg.BacklogBucket, PendingPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending backlog: %w", err)
	}
	metrics.BacklogPendingFiles.Set(float64(len(infos)))
	return infos, nil
}

// ValidateAll drains the pending backlog, validating each staged file in
// listing order. A claim lost to a concurrent run is skipped, not an error.
func (v *Validator) ValidateAll(ctx context.Context) ([]Outcome, error) {
	pending, err := v.PendingBacklog(ctx)
	if err != nil {
		return nil, err
	}
	outcomes := make([]Outcome, 0, len(pending))
	for _, info := range pending {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		out, err := v.Validate(ctx, info.Key)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, out)
	}
	metrics.BacklogPendingFiles.Set(0)
	return outcomes, nil
}

// Validate runs one staged file through the claim-then-process state machine.
// The file name relative to pending/ is preserved across prefix moves.
func (v *Validator) Validate(ctx context.Context, pendingKey string) (Outcome, error) {
	name := strings.TrimPrefix(pendingKey, PendingPrefix)
	out := Outcome{File: name}

	claimed, err := v.claim(ctx, name)
	if err != nil {
		return out, err
	}
	if !claimed {
		v.log.Info("staged file already claimed by another run", "file", name)
		out.State = StateSkipped
		return out, nil
	}

	data, err := v.cfg.Store.Get(ctx, v.cfg.BacklogBucket, ValidatingPrefix+name)
	if err != nil {
		if errors.Is(err, obj.ErrNotFound) {
			v.log.Info("claimed file drained by another run", "file", name)
			out.State = StateSkipped
			return out, nil
		}
		return out, fmt.Errorf("failed to read claimed file %s: %w", name, err)
	}

	records, err := tripdata.DecodeObject(name, data)
	if err != nil {
		return v.quarantine(ctx, out, fmt.Sprintf("undecodable file: %v", err))
	}
	out.Records = len(records)

	// An empty backfill carries nothing to load and nothing to hold for
	// review; it drains straight to processed.
	if len(records) == 0 {
		out.Reason = "empty file"
		return v.finish(ctx, out, StateProcessed, "")
	}

	if missing := missingColumns(records); len(missing) > 0 {
		return v.quarantine(ctx, out, "missing required columns: "+strings.Join(missing, ", "))
	}

	assessments := quality.AssessBatch(records, v.cfg.Stations, v.cfg.ScoringWorkers)
	rep := quality.BuildReport("batch_historical", v.cfg.Clock.Now().UTC(), assessments)
	out.PoorShare = rep.PoorShare
	if rep.PoorShare > v.cfg.PoorShareCeiling {
		return v.quarantine(ctx, out,
			fmt.Sprintf("poor share %.4f exceeds ceiling %.4f", rep.PoorShare, v.cfg.PoorShareCeiling))
	}

	rawKey, err := v.loadRaw(ctx, name, records)
	if err != nil {
		return out, err
	}
	return v.finish(ctx, out, StateProcessed, rawKey)
}

// claim moves the file from pending/ to validating/. A missing pending
// object means another run claimed it first. Copy-then-delete is not
// atomic, so two runs can both pass the claim; the loser then finds the
// validating object gone at its next read or move and reports a skip.
func (v *Validator) claim(ctx context.Context, name string) (bool, error) {
	err := v.cfg.Store.Copy(ctx, v.cfg.BacklogBucket, PendingPrefix+name, ValidatingPrefix+name)
	if err != nil {
		if errors.Is(err, obj.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to claim staged file %s: %w", name, err)
	}
	if err := v.cfg.Store.Delete(ctx, v.cfg.BacklogBucket, PendingPrefix+name); err != nil {
		return false, fmt.Errorf("failed to remove pending marker for %s: %w", name, err)
	}
	return true, nil
}

func (v *Validator) quarantine(ctx context.Context, out Outcome, reason string) (Outcome, error) {
	out.Reason = reason
	return v.finish(ctx, out, StateQuarantined, "")
}

// finish moves the claimed file from validating/ to its terminal prefix.
func (v *Validator) finish(ctx context.Context, out Outcome, state State, rawKey string) (Outcome, error) {
	dstPrefix := ProcessedPrefix
	if state == StateQuarantined {
		dstPrefix = QuarantinedPrefix
	}
	name := out.File
	if err := v.cfg.Store.Copy(ctx, v.cfg.BacklogBucket, ValidatingPrefix+name, dstPrefix+name); err != nil {
		if errors.Is(err, obj.ErrNotFound) {
			v.log.Info("claimed file finished by another run", "file", name)
			out.State = StateSkipped
			return out, nil
		}
		return out, fmt.Errorf("failed to move %s to %s: %w", name, dstPrefix, err)
	}
	if err := v.cfg.Store.Delete(ctx, v.cfg.BacklogBucket, ValidatingPrefix+name); err != nil {
		return out, fmt.Errorf("failed to remove validating marker for %s: %w", name, err)
	}

	out.State = state
	out.RawKey = rawKey
	metrics.HistoricalFilesTotal.WithLabelValues(strings.ToLower(string(state))).Inc()
	if state == StateQuarantined {
		v.log.Warn("quarantined staged file", "file", name, "reason", out.Reason, "records", out.Records)
	} else {
		v.log.Info("processed staged file", "file", name, "records", out.Records, "raw_key", rawKey)
	}
	return out, nil
}

// loadRaw writes the validated records into the raw layer under the
// historical prefix, keyed by the file's stem so a retried load overwrites
// its own output.
func (v *Validator) loadRaw(ctx context.Context, name string, records []tripdata.RawTrip) (string, error) {
	data, err := tripdata.EncodeNDJSONGz(records)
	if err != nil {
		return "", fmt.Errorf("failed to encode backfill %s: %w", name, err)
	}
	s := stem(name)
	key := fmt.Sprintf("%s%s/%s.ndjson.gz", lake.HistoricalRawPrefix, s, s)
	if err := v.cfg.Store.Put(ctx, v.cfg.RawBucket, key, data, "application/gzip"); err != nil {
		return "", fmt.Errorf("failed to load backfill %s into raw layer: %w", name, err)
	}
	return key, nil
}

func missingColumns(records []tripdata.RawTrip) []string {
	seen := make(map[string]bool)
	for _, rec := range records {
		for k := range rec {
			seen[k] = true
		}
	}
	var missing []string
	for _, col := range requiredColumns {
		if !seen[col] {
			missing = append(missing, col)
		}
	}
	return missing
}

func stem(name string) string {
	base := path.Base(name)
	for _, suffix := range []string{".ndjson.gz", ".json.gz", ".ndjson", ".json", ".csv"} {
		if strings.HasSuffix(base, suffix) {
			return strings.TrimSuffix(base, suffix)
		}
	}
	if ext := path.Ext(base); ext != "" {
		return strings.TrimSuffix(base, ext)
	}
	return base
}
