package quality

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pedalmetrics/bikelake/pkg/stations"
	"github.com/pedalmetrics/bikelake/pkg/tripdata"
)

func TestAssessBatch(t *testing.T) {
	t.Parallel()

	ref := stations.Empty()

	records := make([]tripdata.RawTrip, 50)
	for i := range records {
		rec := goodTrip()
		if i%3 == 0 {
			delete(rec, "bike_id")
		}
		records[i] = rec
	}

	t.Run("matches sequential assessment in order", func(t *testing.T) {
		t.Parallel()
		got := AssessBatch(records, ref, 8)
		require.Len(t, got, len(records))
		for i, rec := range records {
			require.Equal(t, Assess(rec, ref), got[i], "record %d", i)
		}
	})

	t.Run("single worker", func(t *testing.T) {
		t.Parallel()
		got := AssessBatch(records, ref, 1)
		require.Len(t, got, len(records))
	})

	t.Run("empty batch", func(t *testing.T) {
		t.Parallel()
		require.Empty(t, AssessBatch(nil, ref, 4))
	})
}

func TestRunBatchChecks(t *testing.T) {
	t.Parallel()

	a := goodTrip()
	b := goodTrip() // duplicate trip id
	c := goodTrip()
	c["trip_id"] = "T1002"
	delete(c, "bike_id")
	c["trip_duration"] = float64(-5)

	checks := RunBatchChecks([]tripdata.RawTrip{a, b, c})
	require.Equal(t, 3, checks.Records)
	require.Equal(t, 1, checks.DuplicateIDs)
	require.Equal(t, 1, checks.MissingValues)
	require.Equal(t, 1, checks.NonPositiveDuration)
	require.Equal(t, 3, checks.IssuesFound)
}
