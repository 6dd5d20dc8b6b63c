package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/pedalmetrics/bikelake/pkg/flow"
	"github.com/pedalmetrics/bikelake/pkg/historical"
	"github.com/pedalmetrics/bikelake/pkg/lake"
	"github.com/pedalmetrics/bikelake/pkg/monitor"
	"github.com/pedalmetrics/bikelake/pkg/obj"
	"github.com/pedalmetrics/bikelake/pkg/tripdata"
)

const (
	testRaw        = "raw"
	testValidated  = "validated"
	testAnalytical = "analytical"
	testBacklog    = "backlog"
)

type fixture struct {
	pipelines *Pipelines
	runner    *flow.Runner
	store     *obj.MemoryStore
	clock     *clockwork.FakeClock
	lake      *lake.Coordinator
}

func newFixture(t *testing.T, ingest *monitor.IngestClient) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	store := obj.NewMemoryStore(clock)

	coordinator, err := lake.New(&lake.Config{
		Logger:           log,
		Store:            store,
		Clock:            clock,
		RawBucket:        testRaw,
		ValidatedBucket:  testValidated,
		AnalyticalBucket: testAnalytical,
	})
	require.NoError(t, err)

	validator, err := historical.New(&historical.Config{
		Logger:        log,
		Store:         store,
		Clock:         clock,
		BacklogBucket: testBacklog,
		RawBucket:     testRaw,
	})
	require.NoError(t, err)

	mon, err := monitor.New(&monitor.Config{
		Logger:           log,
		Store:            store,
		Clock:            clock,
		Lake:             coordinator,
		Ingest:           ingest,
		RawBucket:        testRaw,
		ValidatedBucket:  testValidated,
		AnalyticalBucket: testAnalytical,
		BacklogBucket:    testBacklog,
		Flows:            Flows,
		CountTTL:         time.Nanosecond,
		AlertLogPath:     filepath.Join(t.TempDir(), "alerts.log"),
	})
	require.NoError(t, err)

	pipelines, err := New(&Config{
		Logger:    log,
		Store:     store,
		Clock:     clock,
		Lake:      coordinator,
		Validator: validator,
		Monitor:   mon,
		Alerts:    mon.Alerts(),
		RawBucket: testRaw,
	})
	require.NoError(t, err)

	runner, err := flow.NewRunner(&flow.Config{
		Logger:               log,
		Store:                store,
		Clock:                clock,
		StatusBucket:         testAnalytical,
		RetryInitialInterval: time.Millisecond,
	})
	require.NoError(t, err)

	return &fixture{pipelines: pipelines, runner: runner, store: store, clock: clock, lake: coordinator}
}

func (f *fixture) seedRawEvent(t *testing.T, id string, score string) {
	t.Helper()
	rec := tripdata.RawTrip{
		"trip_id":          id,
		"bike_id":          float64(7),
		"start_time":       "2024-06-01T08:00:00Z",
		"end_time":         "2024-06-01T08:20:00Z",
		"start_station_id": float64(1),
		"end_station_id":   float64(2),
		"rider_age":        float64(30),
		"trip_duration":    float64(1200),
		"bike_type":        "classic",
		"member_casual":    "member",
	}
	if score == "poor" {
		rec = tripdata.RawTrip{"trip_id": id, "start_time": "2024-06-01T08:00:00Z"}
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	key := fmt.Sprintf("date=2024-06-01/hour=08/event_%s.json", id)
	require.NoError(t, f.store.Put(context.Background(), testRaw, key, data, "application/json"))
}

// flakyStore fails the first read of one key, then behaves normally.
type flakyStore struct {
	obj.Store
	failKey  string
	failures int
}

func (s *flakyStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if key == s.failKey && s.failures == 0 {
		s.failures++
		return nil, errors.New("transient read failure")
	}
	return s.Store.Get(ctx, bucket, key)
}

func (f *fixture) run(t *testing.T, flowName string) flow.RunStatus {
	t.Helper()
	stages, err := f.pipelines.Stages(flowName)
	require.NoError(t, err)
	status, err := f.runner.Run(context.Background(), flowName, stages)
	require.NoError(t, err)
	return status
}

func TestRealtimeQualityFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("promotes scored records end to end", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		f.seedRawEvent(t, "T1", "good")
		f.seedRawEvent(t, "T2", "good")

		status := f.run(t, FlowRealtimeQuality)
		require.Equal(t, flow.StatusCompleted, status.Status)

		validated, err := f.store.List(ctx, testValidated, "")
		require.NoError(t, err)
		require.Len(t, validated, 2)

		var promoted lake.PromotedRecord
		data, err := f.store.Get(ctx, testValidated, "date=2024-06-01/hour=08/trip_T1.json")
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &promoted))
		require.Equal(t, 100, promoted.Assessment.Score)

		hourly, err := f.lake.HourlyUsageTable(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, hourly.Hours["2024-06-01T08"].Trips)

		rep, err := f.lake.LatestReport(ctx)
		require.NoError(t, err)
		require.Equal(t, FlowRealtimeQuality, rep.Flow)
		require.Equal(t, 2, rep.Records)
	})

	t.Run("poor records are still promoted", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		f.seedRawEvent(t, "T1", "poor")

		status := f.run(t, FlowRealtimeQuality)
		require.Equal(t, flow.StatusCompleted, status.Status)

		validated, err := f.store.List(ctx, testValidated, "")
		require.NoError(t, err)
		require.Len(t, validated, 1)

		rep, err := f.lake.LatestReport(ctx)
		require.NoError(t, err)
		require.Equal(t, 1.0, rep.PoorShare)
		require.Equal(t, "attention", rep.Status)
	})

	t.Run("no new input ends EMPTY", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		status := f.run(t, FlowRealtimeQuality)
		require.Equal(t, flow.StatusEmpty, status.Status)
	})

	t.Run("a second run sees nothing new", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		f.seedRawEvent(t, "T1", "good")
		require.Equal(t, flow.StatusCompleted, f.run(t, FlowRealtimeQuality).Status)
		require.Equal(t, flow.StatusEmpty, f.run(t, FlowRealtimeQuality).Status)

		// New arrivals after the checkpoint are picked up.
		f.clock.Advance(time.Minute)
		f.seedRawEvent(t, "T3", "good")
		require.Equal(t, flow.StatusCompleted, f.run(t, FlowRealtimeQuality).Status)
	})

	t.Run("rerunning a batch leaves aggregates stable", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		f.seedRawEvent(t, "T1", "good")
		require.Equal(t, flow.StatusCompleted, f.run(t, FlowRealtimeQuality).Status)

		before, err := f.lake.HourlyUsageTable(ctx)
		require.NoError(t, err)

		f.clock.Advance(time.Minute)
		require.Equal(t, flow.StatusEmpty, f.run(t, FlowRealtimeQuality).Status)

		after, err := f.lake.HourlyUsageTable(ctx)
		require.NoError(t, err)
		require.Equal(t, before.Hours, after.Hours)
	})

	t.Run("transient read failure retries without losing the batch", func(t *testing.T) {
		t.Parallel()
		const eventKey = "date=2024-06-01/hour=08/event_T1.json"
		log := slog.New(slog.NewTextHandler(io.Discard, nil))
		clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
		mem := obj.NewMemoryStore(clock)
		flaky := &flakyStore{Store: mem, failKey: eventKey}

		coordinator, err := lake.New(&lake.Config{
			Logger:           log,
			Store:            flaky,
			Clock:            clock,
			RawBucket:        testRaw,
			ValidatedBucket:  testValidated,
			AnalyticalBucket: testAnalytical,
		})
		require.NoError(t, err)
		validator, err := historical.New(&historical.Config{
			Logger:        log,
			Store:         flaky,
			Clock:         clock,
			BacklogBucket: testBacklog,
			RawBucket:     testRaw,
		})
		require.NoError(t, err)
		pipelines, err := New(&Config{
			Logger:    log,
			Store:     flaky,
			Clock:     clock,
			Lake:      coordinator,
			Validator: validator,
			RawBucket: testRaw,
		})
		require.NoError(t, err)
		runner, err := flow.NewRunner(&flow.Config{
			Logger:               log,
			Store:                flaky,
			Clock:                clock,
			StatusBucket:         testAnalytical,
			RetryInitialInterval: time.Millisecond,
		})
		require.NoError(t, err)

		data, err := json.Marshal(tripdata.RawTrip{
			"trip_id":          "T1",
			"bike_id":          float64(7),
			"start_time":       "2024-06-01T08:00:00Z",
			"end_time":         "2024-06-01T08:20:00Z",
			"start_station_id": float64(1),
			"end_station_id":   float64(2),
			"rider_age":        float64(30),
			"trip_duration":    float64(1200),
			"bike_type":        "classic",
			"member_casual":    "member",
		})
		require.NoError(t, err)
		require.NoError(t, mem.Put(ctx, testRaw, eventKey, data, "application/json"))

		stages, err := pipelines.Stages(FlowRealtimeQuality)
		require.NoError(t, err)
		status, err := runner.Run(ctx, FlowRealtimeQuality, stages)
		require.NoError(t, err)

		// The failed read must not advance the checkpoint, so the retry
		// rediscovers and promotes the batch instead of ending EMPTY.
		require.Equal(t, 1, flaky.failures)
		require.Equal(t, flow.StatusCompleted, status.Status)
		require.Equal(t, 2, status.Stages[0].Attempts)

		_, err = mem.Get(ctx, testValidated, "date=2024-06-01/hour=08/trip_T1.json")
		require.NoError(t, err)

		ckpt, err := coordinator.LoadCheckpoint(ctx)
		require.NoError(t, err)
		require.Equal(t, eventKey, ckpt.LastKey)
	})
}

func TestBatchHistoricalFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	stage := func(t *testing.T, f *fixture, name string, records []tripdata.RawTrip) {
		t.Helper()
		data, err := tripdata.EncodeNDJSONGz(records)
		require.NoError(t, err)
		require.NoError(t, f.store.Put(ctx, testBacklog, historical.PendingPrefix+name, data, "application/gzip"))
	}

	goodRecord := func(id string) tripdata.RawTrip {
		return tripdata.RawTrip{
			"trip_id":          id,
			"bike_id":          float64(7),
			"start_time":       "2024-05-20T07:00:00Z",
			"end_time":         "2024-05-20T07:30:00Z",
			"start_station_id": float64(3),
			"end_station_id":   float64(4),
			"rider_age":        float64(41),
			"trip_duration":    float64(1800),
			"bike_type":        "electric",
			"member_casual":    "casual",
		}
	}

	t.Run("validated backfill flows into the lake", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		stage(t, f, "dump.ndjson.gz", []tripdata.RawTrip{goodRecord("H1"), goodRecord("H2")})

		status := f.run(t, FlowBatchHistorical)
		require.Equal(t, flow.StatusCompleted, status.Status)

		validated, err := f.store.List(ctx, testValidated, "")
		require.NoError(t, err)
		require.Len(t, validated, 2)

		rep, err := f.lake.LatestReport(ctx)
		require.NoError(t, err)
		require.Equal(t, FlowBatchHistorical, rep.Flow)
	})

	t.Run("quarantined file never reaches the validated layer", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		stage(t, f, "bad.ndjson.gz", []tripdata.RawTrip{{"trip_id": "X"}})

		status := f.run(t, FlowBatchHistorical)
		require.Equal(t, flow.StatusCompleted, status.Status)

		validated, err := f.store.List(ctx, testValidated, "")
		require.NoError(t, err)
		require.Empty(t, validated)

		_, err = f.store.Get(ctx, testBacklog, historical.QuarantinedPrefix+"bad.ndjson.gz")
		require.NoError(t, err)
	})

	t.Run("empty backlog ends EMPTY", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		status := f.run(t, FlowBatchHistorical)
		require.Equal(t, flow.StatusEmpty, status.Status)
	})
}

func TestSystemMonitoringFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("publishes a snapshot without an ingestion endpoint", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		status := f.run(t, FlowSystemMonitoring)
		require.Equal(t, flow.StatusCompleted, status.Status)

		_, err := f.store.Get(ctx, testAnalytical, "dashboards/pipeline_metrics.json")
		require.NoError(t, err)
	})

	t.Run("unreachable ingestion endpoint blocks the run", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, monitor.NewIngestClient("http://127.0.0.1:1", 100*time.Millisecond))
		status := f.run(t, FlowSystemMonitoring)
		require.Equal(t, flow.StatusBlocked, status.Status)
	})

	t.Run("unknown flow name", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		_, err := f.pipelines.Stages("nope")
		require.Error(t, err)
	})
}
