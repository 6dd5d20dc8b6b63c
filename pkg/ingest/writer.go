package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/pedalmetrics/bikelake/pkg/obj"
	"github.com/pedalmetrics/bikelake/pkg/tripdata"
)

const rawWriteTimeout = 10 * time.Second

// RawWriter persists accepted events to the raw layer off the request path.
// Writes ride a bounded worker pool so a slow store backs pressure up into
// the pool queue instead of into request latency.
type RawWriter struct {
	log    *slog.Logger
	store  obj.Store
	bucket string
	clock  clockwork.Clock
	pool   pond.Pool
}

func NewRawWriter(log *slog.Logger, store obj.Store, bucket string, clock clockwork.Clock, workers int) *RawWriter {
	if workers <= 0 {
		workers = 4
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RawWriter{
		log:    log.With("component", "raw-writer"),
		store:  store,
		bucket: bucket,
		clock:  clock,
		pool:   pond.NewPool(workers),
	}
}

// Enqueue schedules one record for persistence and returns its raw key.
func (w *RawWriter) Enqueue(rec tripdata.RawTrip) string {
	key := fmt.Sprintf("%s/event_%s.json", rec.Partition(), uuid.NewString())
	w.pool.Submit(func() {
		data, err := json.Marshal(rec)
		if err != nil {
			w.log.Error("failed to encode raw event", "key", key, "error", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), rawWriteTimeout)
		defer cancel()
		if err := w.store.Put(ctx, w.bucket, key, data, "application/json"); err != nil {
			w.log.Error("failed to persist raw event", "key", key, "error", err)
		}
	})
	return key
}

// Close drains the pool, blocking until every queued write finished.
func (w *RawWriter) Close() {
	w.pool.StopAndWait()
}
