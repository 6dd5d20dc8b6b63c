package tripdata

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeObject(t *testing.T) {
	t.Parallel()

	t.Run("single json object", func(t *testing.T) {
		t.Parallel()
		recs, err := DecodeObject("date=2024-06-01/hour=08/event_1.json", []byte(`{"trip_id":"T1"}`))
		require.NoError(t, err)
		require.Len(t, recs, 1)
		require.Equal(t, "T1", recs[0]["trip_id"])
	})

	t.Run("json array", func(t *testing.T) {
		t.Parallel()
		recs, err := DecodeObject("batch.json", []byte(` [{"trip_id":"T1"},{"trip_id":"T2"}]`))
		require.NoError(t, err)
		require.Len(t, recs, 2)
		require.Equal(t, "T2", recs[1]["trip_id"])
	})

	t.Run("ndjson skips blank lines", func(t *testing.T) {
		t.Parallel()
		data := "{\"trip_id\":\"T1\"}\n\n{\"trip_id\":\"T2\"}\n"
		recs, err := DecodeObject("feed.ndjson", []byte(data))
		require.NoError(t, err)
		require.Len(t, recs, 2)
	})

	t.Run("gzipped ndjson round trip", func(t *testing.T) {
		t.Parallel()
		in := []RawTrip{
			{"trip_id": "T1", "rider_age": float64(30)},
			{"trip_id": "T2", "rider_age": float64(40)},
		}
		data, err := EncodeNDJSONGz(in)
		require.NoError(t, err)
		out, err := DecodeObject("historical/load1/load1.ndjson.gz", data)
		require.NoError(t, err)
		require.Equal(t, in, out)
	})

	t.Run("unknown extension", func(t *testing.T) {
		t.Parallel()
		_, err := DecodeObject("notes.txt", []byte("hi"))
		require.Error(t, err)
	})

	t.Run("corrupt json", func(t *testing.T) {
		t.Parallel()
		_, err := DecodeObject("bad.json", []byte("{"))
		require.Error(t, err)
		_, err = DecodeObject("bad.ndjson.gz", []byte("not gzip"))
		require.Error(t, err)
	})

	t.Run("empty ndjson yields no records", func(t *testing.T) {
		t.Parallel()
		data, err := EncodeNDJSONGz(nil)
		require.NoError(t, err)
		recs, err := DecodeNDJSONGz(data)
		require.NoError(t, err)
		require.Empty(t, recs)
	})
}
