package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"
)

// IngestMetrics is the counters surface reported by the ingestion endpoint.
type IngestMetrics struct {
	EventsPerMinute float64 `json:"events_per_minute"`
	ErrorsPerMinute float64 `json:"errors_per_minute"`
	AvgLatencyMS    float64 `json:"avg_latency_ms"`
}

// IngestClient probes the ingestion endpoint's liveness and metrics
// surfaces. Calls are bounded by the client timeout so a hung endpoint
// cannot stall a monitoring run.
type IngestClient struct {
	baseURL string
	client  *http.Client
}

func NewIngestClient(baseURL string, timeout time.Duration) *IngestClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &IngestClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout:   timeout,
			Transport: gzhttp.Transport(http.DefaultTransport),
		},
	}
}

// Health returns nil when the endpoint answers its liveness probe.
func (c *IngestClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ingestion endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ingestion endpoint unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// Metrics fetches the endpoint's reported throughput and latency counters.
func (c *IngestClient) Metrics(ctx context.Context) (IngestMetrics, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/metrics", nil)
	if err != nil {
		return IngestMetrics{}, fmt.Errorf("failed to build metrics request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return IngestMetrics{}, fmt.Errorf("failed to fetch ingest metrics: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return IngestMetrics{}, fmt.Errorf("ingest metrics returned status %d", resp.StatusCode)
	}
	var m IngestMetrics
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return IngestMetrics{}, fmt.Errorf("failed to decode ingest metrics: %w", err)
	}
	return m, nil
}
