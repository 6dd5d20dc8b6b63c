package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pedalmetrics/bikelake/pkg/obj"
)

// State carries monitor memory across runs: the consecutive-breach counter
// for the latency SLA and the last alert bucket per condition, used to
// deduplicate sustained conditions.
type State struct {
	ConsecutiveLatencyBreaches int               `json:"consecutive_latency_breaches"`
	LastAlertBucket            map[string]string `json:"last_alert_bucket,omitempty"`
	UpdatedAt                  time.Time         `json:"updated_at"`
}

func (m *Monitor) loadState(ctx context.Context) State {
	data, err := m.cfg.Store.Get(ctx, m.cfg.AnalyticalBucket, stateKey)
	if err != nil {
		if !errors.Is(err, obj.ErrNotFound) {
			m.log.Warn("failed to load monitor state, starting fresh", "error", err)
		}
		return State{LastAlertBucket: make(map[string]string)}
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		m.log.Warn("monitor state is corrupt, starting fresh", "error", err)
		return State{LastAlertBucket: make(map[string]string)}
	}
	if st.LastAlertBucket == nil {
		st.LastAlertBucket = make(map[string]string)
	}
	return st
}

func (m *Monitor) saveState(ctx context.Context, st State) error {
	st.UpdatedAt = m.cfg.Clock.Now().UTC()
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode monitor state: %w", err)
	}
	if err := m.cfg.Store.Put(ctx, m.cfg.AnalyticalBucket, stateKey, data, "application/json"); err != nil {
		return fmt.Errorf("failed to save monitor state: %w", err)
	}
	return nil
}
