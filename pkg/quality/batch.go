package quality

import (
	"github.com/alitto/pond/v2"

	"github.com/pedalmetrics/bikelake/pkg/stations"
	"github.com/pedalmetrics/bikelake/pkg/tripdata"
)

const defaultScoringWorkers = 8

// AssessBatch scores a batch of records across a worker pool, preserving
// input order. Scoring is a pure function with no shared mutable state, so
// records fan out freely.
func AssessBatch(records []tripdata.RawTrip, ref *stations.Reference, workers int) []Assessment {
	if len(records) == 0 {
		return nil
	}
	if workers <= 0 {
		workers = defaultScoringWorkers
	}

	pool := pond.NewResultPool[Assessment](workers)
	defer pool.StopAndWait()

	group := pool.NewGroup()
	for _, record := range records {
		group.Submit(func() Assessment {
			return Assess(record, ref)
		})
	}
	results, _ := group.Wait() // tasks cannot fail
	return results
}

// BatchChecks are the pre-score structural counts surfaced in run metrics.
type BatchChecks struct {
	Records             int `json:"records"`
	IssuesFound         int `json:"issues_found"`
	MissingValues       int `json:"missing_values"`
	DuplicateIDs        int `json:"duplicate_ids"`
	NonPositiveDuration int `json:"non_positive_duration"`
}

// RunBatchChecks counts missing required values, duplicate trip ids, and
// non-positive durations over a batch. Informational only; the deduction
// catalogue is what drives scores.
func RunBatchChecks(records []tripdata.RawTrip) BatchChecks {
	checks := BatchChecks{Records: len(records)}
	seen := map[string]bool{}
	for _, record := range records {
		for _, field := range tripdata.RequiredFields {
			if record.Missing(field) {
				checks.MissingValues++
			}
		}
		if id, _ := record.String(tripdata.FieldTripID); id != "" {
			if seen[id] {
				checks.DuplicateIDs++
			}
			seen[id] = true
		}
		if d, present, _ := record.Number(tripdata.FieldTripDuration); present && d <= 0 {
			checks.NonPositiveDuration++
		}
	}
	checks.IssuesFound = checks.MissingValues + checks.DuplicateIDs + checks.NonPositiveDuration
	return checks
}
