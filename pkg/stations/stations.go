// Package stations holds the static station reference set used by the
// quality scoring engine's business rules. The reference is loaded once per
// run and never mutated afterwards.
package stations

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"
)

// Coord is a station location in decimal degrees.
type Coord struct {
	Lat float64
	Lon float64
}

// Reference maps station ids to coordinates.
type Reference struct {
	coords map[int64]Coord
}

// Empty returns a reference with no stations. Scoring treats an empty
// reference as "no station data available" and skips station-existence and
// speed rules rather than penalizing every record.
func Empty() *Reference {
	return &Reference{coords: map[int64]Coord{}}
}

// Load reads a station reference CSV with a header row of
// station_id,lat,lon. A missing file yields an empty reference.
func Load(path string) (*Reference, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Empty(), nil
		}
		return nil, fmt.Errorf("failed to open station reference %s: %w", path, err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read station reference %s: %w", path, err)
	}

	coords := make(map[int64]Coord, len(rows))
	for i, row := range rows {
		if i == 0 {
			continue // header
		}
		if len(row) < 3 {
			return nil, fmt.Errorf("station reference %s row %d: expected 3 columns, got %d", path, i+1, len(row))
		}
		id, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("station reference %s row %d: bad station_id %q: %w", path, i+1, row[0], err)
		}
		lat, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			return nil, fmt.Errorf("station reference %s row %d: bad lat %q: %w", path, i+1, row[1], err)
		}
		lon, err := strconv.ParseFloat(row[2], 64)
		if err != nil {
			return nil, fmt.Errorf("station reference %s row %d: bad lon %q: %w", path, i+1, row[2], err)
		}
		coords[id] = Coord{Lat: lat, Lon: lon}
	}
	return &Reference{coords: coords}, nil
}

// Len returns the number of known stations.
func (r *Reference) Len() int {
	return len(r.coords)
}

// Lookup returns the coordinates for a station id.
func (r *Reference) Lookup(id int64) (Coord, bool) {
	c, ok := r.coords[id]
	return c, ok
}

// DistanceKM returns the great-circle distance between two stations. ok is
// false when either station is unknown.
func (r *Reference) DistanceKM(a, b int64) (float64, bool) {
	ca, okA := r.coords[a]
	cb, okB := r.coords[b]
	if !okA || !okB {
		return 0, false
	}
	return haversineKM(ca, cb), true
}

const earthRadiusKM = 6371

func haversineKM(a, b Coord) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKM * c
}
