package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bikelake_build_info",
			Help: "Build information of the bikelake platform",
		},
		[]string{"version", "commit", "date"},
	)

	FlowRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bikelake_flow_runs_total",
		Help: "Total number of flow runs by terminal status",
	}, []string{"flow", "status"})

	FlowRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bikelake_flow_run_duration_seconds",
		Help:    "Duration of flow runs",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // ~100ms .. ~200s
	}, []string{"flow"})

	StageRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bikelake_stage_retries_total",
		Help: "Total number of stage retry attempts",
	}, []string{"flow", "stage"})

	RecordsScoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bikelake_records_scored_total",
		Help: "Total number of trip records scored",
	})

	RecordsPromotedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bikelake_records_promoted_total",
		Help: "Total number of trip records promoted to the validated layer",
	})

	AlertsEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bikelake_alerts_emitted_total",
		Help: "Total number of alert events appended to the alert log",
	}, []string{"condition"})

	BacklogPendingFiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bikelake_backlog_pending_files",
		Help: "Number of staged historical files still pending validation",
	})

	HistoricalFilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bikelake_historical_files_total",
		Help: "Total number of staged historical files by validation outcome",
	}, []string{"outcome"})

	IngestEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bikelake_ingest_events_total",
		Help: "Total number of trip events handled by the ingestion endpoint",
	}, []string{"status"})

	IngestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bikelake_ingest_latency_seconds",
		Help:    "Latency of trip event ingestion",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // ~0.5ms .. ~1s
	})
)
