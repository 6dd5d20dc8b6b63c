package stations

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stations.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	t.Run("loads stations", func(t *testing.T) {
		t.Parallel()
		ref, err := Load(writeCSV(t, "station_id,lat,lon\n1,40.7128,-74.0060\n2,40.7580,-73.9855\n"))
		require.NoError(t, err)
		require.Equal(t, 2, ref.Len())

		c, ok := ref.Lookup(1)
		require.True(t, ok)
		require.Equal(t, 40.7128, c.Lat)

		_, ok = ref.Lookup(99)
		require.False(t, ok)
	})

	t.Run("missing file yields empty reference", func(t *testing.T) {
		t.Parallel()
		ref, err := Load(filepath.Join(t.TempDir(), "nope.csv"))
		require.NoError(t, err)
		require.Equal(t, 0, ref.Len())
	})

	t.Run("bad rows are errors", func(t *testing.T) {
		t.Parallel()
		_, err := Load(writeCSV(t, "station_id,lat,lon\nabc,40.0,-74.0\n"))
		require.Error(t, err)

		_, err = Load(writeCSV(t, "station_id,lat,lon\n1,north,-74.0\n"))
		require.Error(t, err)
	})
}

func TestDistanceKM(t *testing.T) {
	t.Parallel()

	// Lower Manhattan to Midtown, roughly 5.3km.
	ref, err := Load(writeCSV(t, "station_id,lat,lon\n1,40.7128,-74.0060\n2,40.7580,-73.9855\n"))
	require.NoError(t, err)

	d, ok := ref.DistanceKM(1, 2)
	require.True(t, ok)
	require.InDelta(t, 5.3, d, 0.3)

	same, ok := ref.DistanceKM(1, 1)
	require.True(t, ok)
	require.Zero(t, same)

	_, ok = ref.DistanceKM(1, 99)
	require.False(t, ok)
}
