// Package ingest implements the internals of the trip ingestion endpoint:
// payload validation, sliding-window throughput metrics, background raw
// writes, and the HTTP surface consumed by riders' devices and the monitor.
package ingest

import (
	"fmt"
	"time"

	"github.com/pedalmetrics/bikelake/pkg/tripdata"
)

const (
	minRiderAge = 12
	maxRiderAge = 110
)

// TripEvent is the payload accepted by the ingestion endpoint. Validation
// here is a cheap gate against garbage, not quality scoring: a record that
// passes ingestion can still score POOR downstream.
type TripEvent struct {
	TripID         string  `json:"trip_id"`
	BikeID         int64   `json:"bike_id"`
	StartTime      string  `json:"start_time"`
	EndTime        string  `json:"end_time"`
	StartStationID int64   `json:"start_station_id"`
	EndStationID   int64   `json:"end_station_id"`
	RiderAge       int     `json:"rider_age"`
	TripDuration   float64 `json:"trip_duration"`
	BikeType       string  `json:"bike_type"`
	MemberCasual   string  `json:"member_casual"`
}

func (e *TripEvent) Validate() error {
	if e.TripID == "" {
		return fmt.Errorf("trip_id is required")
	}
	if _, err := tripdata.ParseTime(e.StartTime); err != nil {
		return fmt.Errorf("invalid start_time: %w", err)
	}
	if _, err := tripdata.ParseTime(e.EndTime); err != nil {
		return fmt.Errorf("invalid end_time: %w", err)
	}
	if e.RiderAge < minRiderAge || e.RiderAge > maxRiderAge {
		return fmt.Errorf("rider_age %d outside [%d, %d]", e.RiderAge, minRiderAge, maxRiderAge)
	}
	if e.TripDuration <= 0 {
		return fmt.Errorf("trip_duration must be positive")
	}
	return nil
}

// ToRaw converts the event to the raw-layer record shape, stamping ingestion
// metadata.
func (e *TripEvent) ToRaw(ingestedAt time.Time) tripdata.RawTrip {
	return tripdata.RawTrip{
		tripdata.FieldTripID:         e.TripID,
		tripdata.FieldBikeID:         float64(e.BikeID),
		tripdata.FieldStartTime:      e.StartTime,
		tripdata.FieldEndTime:        e.EndTime,
		tripdata.FieldStartStationID: float64(e.StartStationID),
		tripdata.FieldEndStationID:   float64(e.EndStationID),
		tripdata.FieldRiderAge:       float64(e.RiderAge),
		tripdata.FieldTripDuration:   e.TripDuration,
		tripdata.FieldBikeType:       e.BikeType,
		tripdata.FieldMemberCasual:   e.MemberCasual,
		tripdata.FieldIngestedAt:     ingestedAt.UTC().Format(time.RFC3339),
		tripdata.FieldSourceType:     "realtime",
	}
}
