package quality

import (
	"math"
	"time"
)

// Report aggregates a batch of assessments for one gate evaluation. It is
// identified by (flow, run timestamp); the timestamp is supplied by the
// caller so re-evaluating an identical batch yields an identical report.
type Report struct {
	Flow         string    `json:"flow"`
	RunTimestamp time.Time `json:"run_timestamp"`

	Records   int     `json:"records"`
	PassCount int     `json:"pass_count"`
	PoorCount int     `json:"poor_count"`
	PassRate  float64 `json:"quality_pass_rate"`
	PoorShare float64 `json:"poor_share"`

	BandCounts map[Band]int `json:"band_counts"`

	AvgScore      float64 `json:"avg_quality_score"`
	AvgDeductions float64 `json:"avg_deductions"`
	SchemaAvg     float64 `json:"schema_penalty_avg"`
	ValidityAvg   float64 `json:"validity_penalty_avg"`
	BusinessAvg   float64 `json:"business_penalty_avg"`

	Status string `json:"status"` // "healthy" or "attention"
}

// BuildReport computes the batch-level quality report. Pass counts EXCELLENT
// and GOOD records; poor_share is the POOR fraction of the batch.
func BuildReport(flow string, runTS time.Time, batch []Assessment) Report {
	r := Report{
		Flow:         flow,
		RunTimestamp: runTS.UTC(),
		Records:      len(batch),
		BandCounts:   map[Band]int{},
	}
	for _, band := range Bands {
		r.BandCounts[band] = 0
	}
	if len(batch) == 0 {
		r.Status = "healthy"
		return r
	}

	var scoreSum, deductSum, schemaSum, validitySum, businessSum float64
	for _, a := range batch {
		r.BandCounts[a.Band]++
		if a.Band == BandExcellent || a.Band == BandGood {
			r.PassCount++
		}
		if a.Band == BandPoor {
			r.PoorCount++
		}
		scoreSum += float64(a.Score)
		deductSum += float64(a.SchemaPoints + a.ValidityPoints + a.BusinessPoints)
		schemaSum += float64(a.SchemaPoints)
		validitySum += float64(a.ValidityPoints)
		businessSum += float64(a.BusinessPoints)
	}

	n := float64(len(batch))
	r.PassRate = round2(float64(r.PassCount) / n * 100)
	r.PoorShare = round4(float64(r.PoorCount) / n)
	r.AvgScore = round4(scoreSum / n)
	r.AvgDeductions = round2(deductSum / n)
	r.SchemaAvg = round2(schemaSum / n)
	r.ValidityAvg = round2(validitySum / n)
	r.BusinessAvg = round2(businessSum / n)

	r.Status = "healthy"
	if r.PoorShare > DefaultPoorShareThreshold {
		r.Status = "attention"
	}
	return r
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}
