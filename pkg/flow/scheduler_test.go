package flow

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/pedalmetrics/bikelake/pkg/obj"
)

func TestScheduler(t *testing.T) {
	t.Parallel()

	t.Run("runs immediately and again on each tick", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		store := obj.NewMemoryStore(clock)
		log := slog.New(slog.NewTextHandler(io.Discard, nil))
		runner, err := NewRunner(&Config{
			Logger:       log,
			Store:        store,
			Clock:        clock,
			StatusBucket: testStatusBucket,
		})
		require.NoError(t, err)

		runs := make(chan struct{}, 8)
		entry := Entry{
			Flow:  "tick",
			Every: time.Minute,
			Stages: func() []Stage {
				return []Stage{{Name: "noop", Run: func(ctx context.Context) error {
					runs <- struct{}{}
					return nil
				}}}
			},
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			NewScheduler(log, runner).Run(ctx, []Entry{entry})
			close(done)
		}()

		waitRun := func() {
			t.Helper()
			select {
			case <-runs:
			case <-time.After(5 * time.Second):
				t.Fatal("timed out waiting for a flow run")
			}
		}

		waitRun()
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(time.Minute)
		waitRun()

		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("scheduler did not stop after cancellation")
		}

		status, err := LoadStatus(context.Background(), store, testStatusBucket, "tick")
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, status.Status)
	})
}
