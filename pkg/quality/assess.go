// Package quality implements the scoring engine and the quality gate.
//
// Assess is a total, pure function: malformed input produces a low score
// with SCHEMA deductions, never an error, and identical inputs always yield
// an identical assessment.
package quality

import (
	"time"

	"github.com/pedalmetrics/bikelake/pkg/stations"
	"github.com/pedalmetrics/bikelake/pkg/tripdata"
)

// Band is the categorical quality tier derived from a score.
type Band string

const (
	BandExcellent Band = "EXCELLENT"
	BandGood      Band = "GOOD"
	BandFair      Band = "FAIR"
	BandPoor      Band = "POOR"
)

// Bands in descending order, for stable histogram output.
var Bands = []Band{BandExcellent, BandGood, BandFair, BandPoor}

// Category tags a deduction with the rubric dimension it came from.
type Category string

const (
	CategorySchema   Category = "SCHEMA"
	CategoryValidity Category = "VALIDITY"
	CategoryBusiness Category = "BUSINESS"
)

// Rule identifiers for the deduction catalogue. Per-field rules append the
// field name, e.g. "missing_field:bike_id".
const (
	RuleMissingField       = "missing_field"
	RuleWrongType          = "wrong_type"
	RuleUnexpectedField    = "unexpected_field"
	RuleStartAfterEnd      = "start_after_end"
	RuleDurationMismatch   = "duration_mismatch"
	RuleRiderAgeRange      = "rider_age_range"
	RuleUnknownStation     = "unknown_station"
	RuleDurationBounds     = "duration_bounds"
	RuleSpeedLimit         = "speed_limit"
	RuleRoundTripDuration  = "round_trip_duration"
)

const (
	baseScore = 100

	minTripDurationSec = 60
	maxTripDurationSec = 86_400 // 24h
	maxSpeedKMH        = 30
	minRiderAge        = 16
	maxRiderAge        = 100
	durationSlackSec   = 60
	roundTripCutoffSec = 3600
)

// Deduction is one named penalty applied to a record.
type Deduction struct {
	Rule     string   `json:"rule"`
	Category Category `json:"category"`
	Points   int      `json:"points"`
}

// Assessment is the quality verdict for one trip record.
type Assessment struct {
	TripID         string      `json:"trip_id"`
	Score          int         `json:"score"`
	Band           Band        `json:"band"`
	Deductions     []Deduction `json:"deductions,omitempty"`
	SchemaPoints   int         `json:"schema_points"`
	ValidityPoints int         `json:"validity_points"`
	BusinessPoints int         `json:"business_points"`
}

// ScoreBand maps a score to its band. Boundaries are inclusive on the lower
// bound: 90 is EXCELLENT, 89 is GOOD.
func ScoreBand(score int) Band {
	switch {
	case score >= 90:
		return BandExcellent
	case score >= 75:
		return BandGood
	case score >= 60:
		return BandFair
	default:
		return BandPoor
	}
}

// Assess scores one record against the deduction catalogue. All applicable
// rules fire independently and their points are summed; the score is clamped
// at zero. The result depends only on (record, ref).
func Assess(record tripdata.RawTrip, ref *stations.Reference) Assessment {
	a := Assessment{}
	a.TripID, _ = record.String(tripdata.FieldTripID)

	deduct := func(rule string, cat Category, points int) {
		a.Deductions = append(a.Deductions, Deduction{Rule: rule, Category: cat, Points: points})
		switch cat {
		case CategorySchema:
			a.SchemaPoints += points
		case CategoryValidity:
			a.ValidityPoints += points
		case CategoryBusiness:
			a.BusinessPoints += points
		}
	}

	// SCHEMA: missing required fields, then wrong types, then unexpected
	// fields, each in a fixed order so assessments are deterministic.
	missing := map[string]bool{}
	for _, field := range tripdata.RequiredFields {
		if record.Missing(field) {
			missing[field] = true
			deduct(RuleMissingField+":"+field, CategorySchema, 10)
		}
	}

	var (
		startTime, endTime       = timeField(record, tripdata.FieldStartTime), timeField(record, tripdata.FieldEndTime)
		duration                 = numberField(record, tripdata.FieldTripDuration)
		riderAge                 = numberField(record, tripdata.FieldRiderAge)
		startStation, endStation = numberField(record, tripdata.FieldStartStationID), numberField(record, tripdata.FieldEndStationID)
	)

	for _, field := range tripdata.RequiredFields {
		if missing[field] {
			continue
		}
		invalid := false
		switch {
		case tripdata.StringFields[field]:
			_, invalid = record.String(field)
		case tripdata.DatetimeFields[field]:
			switch field {
			case tripdata.FieldStartTime:
				invalid = startTime.invalid
			case tripdata.FieldEndTime:
				invalid = endTime.invalid
			}
		case tripdata.NumericFields[field]:
			switch field {
			case tripdata.FieldTripDuration:
				invalid = duration.invalid
			case tripdata.FieldRiderAge:
				invalid = riderAge.invalid
			case tripdata.FieldStartStationID:
				invalid = startStation.invalid
			case tripdata.FieldEndStationID:
				invalid = endStation.invalid
			case tripdata.FieldBikeID:
				_, _, invalid = record.Number(field)
			}
		}
		if invalid {
			deduct(RuleWrongType+":"+field, CategorySchema, 5)
		}
	}

	allowed := map[string]bool{}
	for _, field := range tripdata.AllowedFields {
		allowed[field] = true
	}
	for _, key := range record.SortedKeys() {
		if !allowed[key] {
			deduct(RuleUnexpectedField+":"+key, CategorySchema, 2)
		}
	}

	// VALIDITY.
	derivedDuration := duration
	if startTime.present && endTime.present {
		if !startTime.value.Before(endTime.value) {
			deduct(RuleStartAfterEnd, CategoryValidity, 25)
		}
		delta := endTime.value.Sub(startTime.value).Seconds()
		if duration.present {
			diff := delta - duration.value
			if diff < 0 {
				diff = -diff
			}
			if diff > durationSlackSec {
				deduct(RuleDurationMismatch, CategoryValidity, 15)
			}
		} else {
			// No stated duration: derive one for the business rules.
			derivedDuration = numberValue{present: true, value: delta}
		}
	}

	if riderAge.present && (riderAge.value < minRiderAge || riderAge.value > maxRiderAge) {
		deduct(RuleRiderAgeRange, CategoryValidity, 20)
	}

	// Station existence is only checked when a reference set is loaded;
	// with no reference data every record would otherwise be penalized.
	if ref != nil && ref.Len() > 0 {
		if startStation.present {
			if _, ok := ref.Lookup(int64(startStation.value)); !ok {
				deduct(RuleUnknownStation+":"+tripdata.FieldStartStationID, CategoryValidity, 10)
			}
		}
		if endStation.present {
			if _, ok := ref.Lookup(int64(endStation.value)); !ok {
				deduct(RuleUnknownStation+":"+tripdata.FieldEndStationID, CategoryValidity, 10)
			}
		}
	}

	// BUSINESS.
	if derivedDuration.present {
		if derivedDuration.value < minTripDurationSec || derivedDuration.value > maxTripDurationSec {
			deduct(RuleDurationBounds, CategoryBusiness, 15)
		}
	}

	if ref != nil && startStation.present && endStation.present && derivedDuration.present && derivedDuration.value > 0 {
		if distKM, ok := ref.DistanceKM(int64(startStation.value), int64(endStation.value)); ok {
			speedKMH := distKM / (derivedDuration.value / 3600)
			if speedKMH > maxSpeedKMH {
				deduct(RuleSpeedLimit, CategoryBusiness, 10)
			}
		}
	}

	if startStation.present && endStation.present && derivedDuration.present &&
		int64(startStation.value) == int64(endStation.value) && derivedDuration.value > roundTripCutoffSec {
		deduct(RuleRoundTripDuration, CategoryBusiness, 5)
	}

	total := a.SchemaPoints + a.ValidityPoints + a.BusinessPoints
	a.Score = baseScore - total
	if a.Score < 0 {
		a.Score = 0
	}
	a.Band = ScoreBand(a.Score)
	return a
}

type numberValue struct {
	value   float64
	present bool
	invalid bool
}

func numberField(record tripdata.RawTrip, field string) numberValue {
	v, present, invalid := record.Number(field)
	return numberValue{value: v, present: present, invalid: invalid}
}

type timeValue struct {
	value   time.Time
	present bool
	invalid bool
}

func timeField(record tripdata.RawTrip, field string) timeValue {
	v, present, invalid := record.Time(field)
	return timeValue{value: v, present: present, invalid: invalid}
}
