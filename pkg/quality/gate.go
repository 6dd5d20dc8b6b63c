package quality

import "time"

// DefaultPoorShareThreshold is the poor_share level above which the gate
// raises an alert condition and the historical validator quarantines a file.
const DefaultPoorShareThreshold = 0.20

// Alert condition names raised by the gate.
const (
	ConditionHighPoorShare = "HIGH_POOR_SHARE"
)

// AlertCondition is a batch-level condition raised by gate evaluation. The
// monitor turns conditions into deduplicated alert events.
type AlertCondition struct {
	Condition string         `json:"condition"`
	Severity  string         `json:"severity"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// GateResult is the outcome of one gate evaluation over a batch.
type GateResult struct {
	Report Report
	// Promote is always true on the realtime path: scores and bands travel
	// with the records as metadata instead of excluding them, so poor data
	// stays visible downstream. Only the historical validator quarantines.
	Promote bool
	Alerts  []AlertCondition
}

// Evaluate applies batch-level gate policy over a set of assessments.
// threshold <= 0 uses DefaultPoorShareThreshold. Evaluation is idempotent:
// the run timestamp comes from the caller, and identical inputs produce an
// identical result.
func Evaluate(flow string, runTS time.Time, batch []Assessment, threshold float64) GateResult {
	if threshold <= 0 {
		threshold = DefaultPoorShareThreshold
	}
	res := GateResult{
		Report:  BuildReport(flow, runTS, batch),
		Promote: true,
	}
	if res.Report.Records > 0 && res.Report.PoorShare > threshold {
		res.Alerts = append(res.Alerts, AlertCondition{
			Condition: ConditionHighPoorShare,
			Severity:  "warning",
			Payload: map[string]any{
				"flow":       flow,
				"poor_share": res.Report.PoorShare,
				"threshold":  threshold,
				"records":    res.Report.Records,
			},
		})
	}
	return res
}
