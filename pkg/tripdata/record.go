// Package tripdata defines the trip event record model shared by the
// ingestion endpoint, the quality scoring engine, and the lake layers.
package tripdata

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// Field names of a trip event as they appear on the wire.
const (
	FieldTripID         = "trip_id"
	FieldBikeID         = "bike_id"
	FieldStartTime      = "start_time"
	FieldEndTime        = "end_time"
	FieldStartStationID = "start_station_id"
	FieldEndStationID   = "end_station_id"
	FieldRiderAge       = "rider_age"
	FieldTripDuration   = "trip_duration"
	FieldBikeType       = "bike_type"
	FieldMemberCasual   = "member_casual"
	FieldIngestedAt     = "ingested_at"
	FieldSourceType     = "source_type"
)

// RequiredFields are the fields every trip record must carry.
var RequiredFields = []string{
	FieldTripID,
	FieldBikeID,
	FieldStartTime,
	FieldEndTime,
	FieldStartStationID,
	FieldEndStationID,
	FieldRiderAge,
	FieldTripDuration,
	FieldBikeType,
	FieldMemberCasual,
}

// AllowedFields are all fields a record may carry without being penalized.
var AllowedFields = append(RequiredFields[:len(RequiredFields):len(RequiredFields)],
	FieldIngestedAt, FieldSourceType)

// StringFields must hold JSON strings.
var StringFields = map[string]bool{
	FieldTripID:       true,
	FieldBikeType:     true,
	FieldMemberCasual: true,
}

// NumericFields must hold numbers (numeric strings are coerced).
var NumericFields = map[string]bool{
	FieldBikeID:         true,
	FieldStartStationID: true,
	FieldEndStationID:   true,
	FieldRiderAge:       true,
	FieldTripDuration:   true,
}

// DatetimeFields must hold parseable timestamps.
var DatetimeFields = map[string]bool{
	FieldStartTime: true,
	FieldEndTime:   true,
}

// RawTrip is a loosely decoded trip record. The scoring engine inspects it
// structurally: missing fields, wrong types, and unexpected fields all become
// deductions rather than decode errors, so a RawTrip is never invalid.
type RawTrip map[string]any

// Missing reports whether the field is absent, null, or a blank string.
func (r RawTrip) Missing(field string) bool {
	v, ok := r[field]
	if !ok || v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		trimmed := false
		for _, c := range s {
			if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
				trimmed = true
				break
			}
		}
		return !trimmed
	}
	if f, ok := v.(float64); ok && math.IsNaN(f) {
		return true
	}
	return false
}

// String returns the field as a string. invalid is true when the field is
// present but not a string.
func (r RawTrip) String(field string) (value string, invalid bool) {
	if r.Missing(field) {
		return "", false
	}
	s, ok := r[field].(string)
	if !ok {
		return "", true
	}
	return s, false
}

// Number returns the field coerced to a float64. Numeric strings are
// accepted; anything else that is present but unparseable is invalid.
func (r RawTrip) Number(field string) (value float64, present bool, invalid bool) {
	if r.Missing(field) {
		return 0, false, false
	}
	switch v := r[field].(type) {
	case float64:
		return v, true, false
	case int:
		return float64(v), true, false
	case int64:
		return float64(v), true, false
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false, true
		}
		return f, true, false
	default:
		return 0, false, true
	}
}

// Time returns the field parsed as a UTC timestamp. invalid is true when the
// field is present but unparseable.
func (r RawTrip) Time(field string) (value time.Time, present bool, invalid bool) {
	if r.Missing(field) {
		return time.Time{}, false, false
	}
	s, ok := r[field].(string)
	if !ok {
		return time.Time{}, false, true
	}
	t, err := ParseTime(s)
	if err != nil {
		return time.Time{}, false, true
	}
	return t, true, false
}

// SortedKeys returns the record's field names in lexical order. Scoring
// iterates keys through this so assessments are deterministic.
func (r RawTrip) SortedKeys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime parses the timestamp formats seen in trip feeds, normalizing to
// UTC.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// PartitionKey derives the raw/validated layer partition prefix for an event
// time, e.g. "date=2024-01-15/hour=08".
func PartitionKey(t time.Time) string {
	return t.UTC().Format("date=2006-01-02/hour=15")
}

// UnknownPartition is where records with an unparseable start time land so
// promotion stays total.
const UnknownPartition = "date=unknown/hour=00"

// Partition returns the partition prefix for a record based on its start
// time, falling back to UnknownPartition.
func (r RawTrip) Partition() string {
	t, present, _ := r.Time(FieldStartTime)
	if !present {
		return UnknownPartition
	}
	return PartitionKey(t)
}
