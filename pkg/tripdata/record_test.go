package tripdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRawTripAccessors(t *testing.T) {
	t.Parallel()

	rec := RawTrip{
		"trip_id":    "T1",
		"bike_id":    float64(7),
		"rider_age":  "29",
		"start_time": "2024-06-01 08:00:00",
		"blank":      "  ",
		"nothing":    nil,
	}

	t.Run("missing", func(t *testing.T) {
		t.Parallel()
		require.False(t, rec.Missing("trip_id"))
		require.True(t, rec.Missing("blank"))
		require.True(t, rec.Missing("nothing"))
		require.True(t, rec.Missing("absent"))
	})

	t.Run("string", func(t *testing.T) {
		t.Parallel()
		v, invalid := rec.String("trip_id")
		require.Equal(t, "T1", v)
		require.False(t, invalid)

		_, invalid = rec.String("bike_id")
		require.True(t, invalid)
	})

	t.Run("number coerces numeric strings", func(t *testing.T) {
		t.Parallel()
		v, present, invalid := rec.Number("rider_age")
		require.Equal(t, 29.0, v)
		require.True(t, present)
		require.False(t, invalid)

		_, present, invalid = rec.Number("trip_id")
		require.False(t, present)
		require.True(t, invalid)

		_, present, invalid = rec.Number("absent")
		require.False(t, present)
		require.False(t, invalid)
	})

	t.Run("time", func(t *testing.T) {
		t.Parallel()
		v, present, invalid := rec.Time("start_time")
		require.True(t, present)
		require.False(t, invalid)
		require.Equal(t, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC), v)

		_, present, invalid = rec.Time("trip_id")
		require.False(t, present)
		require.True(t, invalid)
	})

	t.Run("sorted keys", func(t *testing.T) {
		t.Parallel()
		keys := RawTrip{"b": 1, "a": 2, "c": 3}.SortedKeys()
		require.Equal(t, []string{"a", "b", "c"}, keys)
	})
}

func TestParseTime(t *testing.T) {
	t.Parallel()

	want := time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)
	for _, s := range []string{
		"2024-06-01T08:30:00Z",
		"2024-06-01T08:30:00",
		"2024-06-01 08:30:00",
	} {
		got, err := ParseTime(s)
		require.NoError(t, err, s)
		require.Equal(t, want, got, s)
	}

	dateOnly, err := ParseTime("2024-06-01")
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), dateOnly)

	_, err = ParseTime("last tuesday")
	require.Error(t, err)
}

func TestPartition(t *testing.T) {
	t.Parallel()

	t.Run("from start time", func(t *testing.T) {
		t.Parallel()
		rec := RawTrip{"start_time": "2024-06-01T08:30:00Z"}
		require.Equal(t, "date=2024-06-01/hour=08", rec.Partition())
	})

	t.Run("normalizes to UTC", func(t *testing.T) {
		t.Parallel()
		rec := RawTrip{"start_time": "2024-06-01T01:30:00-05:00"}
		require.Equal(t, "date=2024-06-01/hour=06", rec.Partition())
	})

	t.Run("unparseable start time falls back", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, UnknownPartition, RawTrip{"start_time": "??"}.Partition())
		require.Equal(t, UnknownPartition, RawTrip{}.Partition())
	})
}
