package flow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pedalmetrics/bikelake/pkg/obj"
)

// SaveStatus overwrites the per-flow status object with the latest run.
func SaveStatus(ctx context.Context, store obj.Store, bucket string, status RunStatus) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run status for %s: %w", status.Flow, err)
	}
	if err := store.Put(ctx, bucket, statusKey(status.Flow), data, "application/json"); err != nil {
		return fmt.Errorf("failed to write run status for %s: %w", status.Flow, err)
	}
	return nil
}

// LoadStatus returns the latest persisted run status for a flow, or
// obj.ErrNotFound when the flow has never run.
func LoadStatus(ctx context.Context, store obj.Store, bucket, flowName string) (RunStatus, error) {
	data, err := store.Get(ctx, bucket, statusKey(flowName))
	if err != nil {
		return RunStatus{}, err
	}
	var status RunStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return RunStatus{}, fmt.Errorf("failed to decode run status for %s: %w", flowName, err)
	}
	return status, nil
}
