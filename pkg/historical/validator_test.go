package historical

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/pedalmetrics/bikelake/pkg/obj"
	"github.com/pedalmetrics/bikelake/pkg/tripdata"
)

const (
	testBacklog = "backlog"
	testRaw     = "raw"
)

func newTestValidator(t *testing.T) (*Validator, *obj.MemoryStore) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	store := obj.NewMemoryStore(clock)
	v, err := New(&Config{
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:         store,
		Clock:         clock,
		BacklogBucket: testBacklog,
		RawBucket:     testRaw,
	})
	require.NoError(t, err)
	return v, store
}

func goodRecord(id int) tripdata.RawTrip {
	return tripdata.RawTrip{
		"trip_id":          fmt.Sprintf("H%04d", id),
		"bike_id":          float64(id),
		"start_time":       "2024-05-20T08:00:00Z",
		"end_time":         "2024-05-20T08:20:00Z",
		"start_station_id": float64(1),
		"end_station_id":   float64(2),
		"rider_age":        float64(30),
		"trip_duration":    float64(1200),
		"bike_type":        "classic",
		"member_casual":    "member",
	}
}

func stageFile(t *testing.T, store *obj.MemoryStore, name string, records []tripdata.RawTrip) {
	t.Helper()
	data, err := tripdata.EncodeNDJSONGz(records)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), testBacklog, PendingPrefix+name, data, "application/gzip"))
}

func TestValidate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("valid file is processed and loaded into raw", func(t *testing.T) {
		t.Parallel()
		v, store := newTestValidator(t)
		stageFile(t, store, "may_dump.ndjson.gz", []tripdata.RawTrip{goodRecord(1), goodRecord(2)})

		out, err := v.Validate(ctx, PendingPrefix+"may_dump.ndjson.gz")
		require.NoError(t, err)
		require.Equal(t, StateProcessed, out.State)
		require.Equal(t, 2, out.Records)
		require.Equal(t, "historical/may_dump/may_dump.ndjson.gz", out.RawKey)

		data, err := store.Get(ctx, testRaw, out.RawKey)
		require.NoError(t, err)
		records, err := tripdata.DecodeNDJSONGz(data)
		require.NoError(t, err)
		require.Len(t, records, 2)

		// The file left pending and validating and sits under processed.
		_, err = store.Get(ctx, testBacklog, PendingPrefix+"may_dump.ndjson.gz")
		require.ErrorIs(t, err, obj.ErrNotFound)
		_, err = store.Get(ctx, testBacklog, ValidatingPrefix+"may_dump.ndjson.gz")
		require.ErrorIs(t, err, obj.ErrNotFound)
		_, err = store.Get(ctx, testBacklog, ProcessedPrefix+"may_dump.ndjson.gz")
		require.NoError(t, err)
	})

	t.Run("empty file drains to processed without loading", func(t *testing.T) {
		t.Parallel()
		v, store := newTestValidator(t)
		stageFile(t, store, "empty.ndjson.gz", nil)

		out, err := v.Validate(ctx, PendingPrefix+"empty.ndjson.gz")
		require.NoError(t, err)
		require.Equal(t, StateProcessed, out.State)
		require.Zero(t, out.Records)
		require.Empty(t, out.RawKey)

		infos, err := store.List(ctx, testRaw, "")
		require.NoError(t, err)
		require.Empty(t, infos)
	})

	t.Run("missing required columns quarantine the file", func(t *testing.T) {
		t.Parallel()
		v, store := newTestValidator(t)
		recs := []tripdata.RawTrip{{"trip_id": "H1", "start_time": "2024-05-20T08:00:00Z"}}
		stageFile(t, store, "no_end.ndjson.gz", recs)

		out, err := v.Validate(ctx, PendingPrefix+"no_end.ndjson.gz")
		require.NoError(t, err)
		require.Equal(t, StateQuarantined, out.State)
		require.Contains(t, out.Reason, "end_time")

		_, err = store.Get(ctx, testBacklog, QuarantinedPrefix+"no_end.ndjson.gz")
		require.NoError(t, err)
		infos, err := store.List(ctx, testRaw, "")
		require.NoError(t, err)
		require.Empty(t, infos)
	})

	t.Run("undecodable file is quarantined", func(t *testing.T) {
		t.Parallel()
		v, store := newTestValidator(t)
		require.NoError(t, store.Put(ctx, testBacklog, PendingPrefix+"junk.ndjson.gz", []byte("not gzip"), ""))

		out, err := v.Validate(ctx, PendingPrefix+"junk.ndjson.gz")
		require.NoError(t, err)
		require.Equal(t, StateQuarantined, out.State)
	})

	t.Run("excessive poor share is quarantined, not promoted", func(t *testing.T) {
		t.Parallel()
		v, store := newTestValidator(t)
		// Records carrying only the required columns lose enough points
		// to land POOR, pushing poor share to 1.0.
		recs := []tripdata.RawTrip{
			{"trip_id": "H1", "start_time": "2024-05-20T08:00:00Z", "end_time": "2024-05-20T08:20:00Z"},
			{"trip_id": "H2", "start_time": "2024-05-20T09:00:00Z", "end_time": "2024-05-20T09:20:00Z"},
		}
		stageFile(t, store, "corrupt_dump.ndjson.gz", recs)

		out, err := v.Validate(ctx, PendingPrefix+"corrupt_dump.ndjson.gz")
		require.NoError(t, err)
		require.Equal(t, StateQuarantined, out.State)
		require.Equal(t, 1.0, out.PoorShare)
		require.Contains(t, out.Reason, "poor share")

		infos, err := store.List(ctx, testRaw, "")
		require.NoError(t, err)
		require.Empty(t, infos)
	})

	t.Run("already claimed file is skipped", func(t *testing.T) {
		t.Parallel()
		v, _ := newTestValidator(t)
		out, err := v.Validate(ctx, PendingPrefix+"ghost.ndjson.gz")
		require.NoError(t, err)
		require.Equal(t, StateSkipped, out.State)
	})
}

// racingStore injects a concurrent validator run winning the race at a
// chosen point. Copy-then-delete claims are not atomic, so two runs can
// both pass the claim and the loser must resolve to a skip.
type racingStore struct {
	obj.Store
	afterCopy func(srcKey, dstKey string)
	afterGet  func(key string)
}

func (s *racingStore) Copy(ctx context.Context, bucket, srcKey, dstKey string) error {
	err := s.Store.Copy(ctx, bucket, srcKey, dstKey)
	if err == nil && s.afterCopy != nil {
		s.afterCopy(srcKey, dstKey)
	}
	return err
}

func (s *racingStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	data, err := s.Store.Get(ctx, bucket, key)
	if err == nil && s.afterGet != nil {
		s.afterGet(key)
	}
	return data, err
}

func TestValidateLostRace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// winnerFinishes replays the rest of the winning run: it moves the
	// claimed file to processed/ and removes the claim marker.
	winnerFinishes := func(t *testing.T, store *obj.MemoryStore, name string) {
		t.Helper()
		require.NoError(t, store.Copy(ctx, testBacklog, ValidatingPrefix+name, ProcessedPrefix+name))
		require.NoError(t, store.Delete(ctx, testBacklog, ValidatingPrefix+name))
		require.NoError(t, store.Delete(ctx, testBacklog, PendingPrefix+name))
	}

	newRacedValidator := func(t *testing.T, racing *racingStore) (*Validator, *obj.MemoryStore) {
		t.Helper()
		clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
		mem := obj.NewMemoryStore(clock)
		racing.Store = mem
		v, err := New(&Config{
			Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
			Store:         racing,
			Clock:         clock,
			BacklogBucket: testBacklog,
			RawBucket:     testRaw,
		})
		require.NoError(t, err)
		return v, mem
	}

	t.Run("both claims pass, loser skips at read", func(t *testing.T) {
		t.Parallel()
		const name = "f.ndjson.gz"
		racing := &racingStore{}
		v, mem := newRacedValidator(t, racing)
		stageFile(t, mem, name, []tripdata.RawTrip{goodRecord(1)})

		racing.afterCopy = func(srcKey, dstKey string) {
			if dstKey == ValidatingPrefix+name {
				racing.afterCopy = nil
				winnerFinishes(t, mem, name)
			}
		}

		out, err := v.Validate(ctx, PendingPrefix+name)
		require.NoError(t, err)
		require.Equal(t, StateSkipped, out.State)

		// Exactly one terminal copy of the file survives.
		_, err = mem.Get(ctx, testBacklog, ProcessedPrefix+name)
		require.NoError(t, err)
		_, err = mem.Get(ctx, testBacklog, ValidatingPrefix+name)
		require.ErrorIs(t, err, obj.ErrNotFound)
	})

	t.Run("loser skips at terminal move", func(t *testing.T) {
		t.Parallel()
		const name = "g.ndjson.gz"
		racing := &racingStore{}
		v, mem := newRacedValidator(t, racing)
		stageFile(t, mem, name, []tripdata.RawTrip{goodRecord(1)})

		racing.afterGet = func(key string) {
			if key == ValidatingPrefix+name {
				racing.afterGet = nil
				winnerFinishes(t, mem, name)
			}
		}

		out, err := v.Validate(ctx, PendingPrefix+name)
		require.NoError(t, err)
		require.Equal(t, StateSkipped, out.State)
		require.Empty(t, out.RawKey)

		_, err = mem.Get(ctx, testBacklog, ProcessedPrefix+name)
		require.NoError(t, err)
	})
}

func TestValidateAll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	v, store := newTestValidator(t)
	stageFile(t, store, "a.ndjson.gz", []tripdata.RawTrip{goodRecord(1)})
	stageFile(t, store, "b.ndjson.gz", []tripdata.RawTrip{{"trip_id": "X"}})

	pending, err := v.PendingBacklog(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	outcomes, err := v.ValidateAll(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	require.Equal(t, StateProcessed, outcomes[0].State)
	require.Equal(t, StateQuarantined, outcomes[1].State)

	// Re-running over a drained backlog is a no-op: processed files never
	// transition again.
	again, err := v.ValidateAll(ctx)
	require.NoError(t, err)
	require.Empty(t, again)

	pending, err = v.PendingBacklog(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}
