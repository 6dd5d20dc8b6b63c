package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pedalmetrics/bikelake/internal/metrics"
	"github.com/pedalmetrics/bikelake/pkg/obj"
)

const defaultMaxEventsPerMinute = 6000

type Config struct {
	Logger *slog.Logger
	Store  obj.Store
	Clock  clockwork.Clock

	RawBucket string

	// MaxEventsPerMinute sheds load with 429 once the sliding window fills.
	MaxEventsPerMinute int
	WriteWorkers       int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.RawBucket == "" {
		return errors.New("raw bucket is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxEventsPerMinute <= 0 {
		c.MaxEventsPerMinute = defaultMaxEventsPerMinute
	}
	if c.WriteWorkers <= 0 {
		c.WriteWorkers = 4
	}
	return nil
}

// Server is the ingestion endpoint: accepts trip events, reports its own
// throughput, and answers the monitor's liveness probe.
type Server struct {
	log    *slog.Logger
	cfg    *Config
	window *Window
	writer *RawWriter
	router chi.Router
}

func NewServer(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ingest server config: %w", err)
	}
	s := &Server{
		log:    cfg.Logger.With("component", "ingest-server"),
		cfg:    cfg,
		window: NewWindow(cfg.Clock),
		writer: NewRawWriter(cfg.Logger, cfg.Store, cfg.RawBucket, cfg.Clock, cfg.WriteWorkers),
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.router }

// Close drains pending raw writes.
func (s *Server) Close() { s.writer.Close() }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/trips", s.handleTrip)
		r.Get("/metrics", s.handleMetrics)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	events, errRate, avgLatency := s.window.Rates()
	writeJSON(w, http.StatusOK, map[string]float64{
		"events_per_minute": events,
		"errors_per_minute": errRate,
		"avg_latency_ms":    avgLatency,
	})
}

func (s *Server) handleTrip(w http.ResponseWriter, r *http.Request) {
	started := s.cfg.Clock.Now()

	if s.window.Count() >= s.cfg.MaxEventsPerMinute {
		metrics.IngestEventsTotal.WithLabelValues("throttled").Inc()
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"status": "rejected",
			"error":  "throughput limit exceeded",
		})
		return
	}

	var event TripEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		s.reject(w, started, fmt.Sprintf("malformed payload: %v", err))
		return
	}
	if err := event.Validate(); err != nil {
		s.reject(w, started, err.Error())
		return
	}

	key := s.writer.Enqueue(event.ToRaw(s.cfg.Clock.Now()))

	latency := s.cfg.Clock.Now().Sub(started)
	s.window.Record(latency, false)
	metrics.IngestEventsTotal.WithLabelValues("accepted").Inc()
	metrics.IngestLatency.Observe(latency.Seconds())

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"trip_id": event.TripID,
		"raw_key": key,
	})
}

func (s *Server) reject(w http.ResponseWriter, started time.Time, reason string) {
	latency := s.cfg.Clock.Now().Sub(started)
	s.window.Record(latency, true)
	metrics.IngestEventsTotal.WithLabelValues("rejected").Inc()
	metrics.IngestLatency.Observe(latency.Seconds())
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"status": "rejected",
		"error":  reason,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
