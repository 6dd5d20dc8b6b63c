package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/pedalmetrics/bikelake/internal/metrics"
	"github.com/pedalmetrics/bikelake/pkg/flow"
	"github.com/pedalmetrics/bikelake/pkg/historical"
	"github.com/pedalmetrics/bikelake/pkg/lake"
	"github.com/pedalmetrics/bikelake/pkg/monitor"
	"github.com/pedalmetrics/bikelake/pkg/obj"
	"github.com/pedalmetrics/bikelake/pkg/pipeline"
	"github.com/pedalmetrics/bikelake/pkg/stations"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var verbose bool

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "bikelake",
		Short:         "Bike trip data quality and lake transition platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newRunCmd(), newRunAllCmd(), newScheduleCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "run <flow>",
		Short:     "Run a single named flow once",
		Args:      cobra.ExactArgs(1),
		ValidArgs: pipeline.Flows,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(args[0:1])
		},
	}
}

func newRunAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-all",
		Short: "Run all three flows once, in order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(pipeline.Flows)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bikelake %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

func runOnce(flowNames []string) error {
	log := newLogger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, log)
	if err != nil {
		return err
	}

	var statuses []flow.RunStatus
	for _, name := range flowNames {
		stages, err := app.pipelines.Stages(name)
		if err != nil {
			return err
		}
		status, err := app.runner.Run(ctx, name, stages)
		if err != nil {
			return err
		}
		statuses = append(statuses, status)
	}

	printSummary(statuses)

	terminal := make([]flow.Status, len(statuses))
	for i, s := range statuses {
		terminal[i] = s.Status
	}
	if code := flow.ExitCode(terminal...); code != 0 {
		os.Exit(code)
	}
	return nil
}

func newScheduleCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run all flows on their periodic schedules until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := buildApp(ctx, log)
			if err != nil {
				return err
			}

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				srv := &http.Server{Addr: metricsAddr, Handler: mux}
				go func() {
					log.Info("serving metrics", "addr", metricsAddr)
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						log.Error("metrics server failed", "error", err)
					}
				}()
				defer srv.Close()
			}

			entries := []flow.Entry{
				{Flow: pipeline.FlowRealtimeQuality, Every: app.settings.realtimeEvery, Stages: app.pipelines.RealtimeQuality},
				{Flow: pipeline.FlowBatchHistorical, Every: app.settings.historicalEvery, Stages: app.pipelines.BatchHistorical},
				{Flow: pipeline.FlowSystemMonitoring, Every: app.settings.monitorEvery, Stages: app.pipelines.SystemMonitoring},
			}
			flow.NewScheduler(log, app.runner).Run(ctx, entries)
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", envOr("BIKELAKE_METRICS_ADDR", ":9090"), "prometheus metrics listen address, empty to disable")
	return cmd
}

type settings struct {
	rawBucket        string
	validatedBucket  string
	analyticalBucket string
	backlogBucket    string

	stationsPath string
	ingestURL    string
	alertLogPath string

	realtimeEvery   time.Duration
	historicalEvery time.Duration
	monitorEvery    time.Duration
}

func loadSettings() (settings, error) {
	s := settings{
		rawBucket:        envOr("BIKELAKE_RAW_BUCKET", "bikelake-raw"),
		validatedBucket:  envOr("BIKELAKE_VALIDATED_BUCKET", "bikelake-validated"),
		analyticalBucket: envOr("BIKELAKE_ANALYTICAL_BUCKET", "bikelake-analytical"),
		backlogBucket:    envOr("BIKELAKE_BACKLOG_BUCKET", "bikelake-backlog"),
		stationsPath:     envOr("BIKELAKE_STATIONS_CSV", "config/stations.csv"),
		ingestURL:        os.Getenv("BIKELAKE_INGEST_URL"),
		alertLogPath:     envOr("BIKELAKE_ALERT_LOG", "logs/alerts.log"),
	}
	var err error
	if s.realtimeEvery, err = envDuration("BIKELAKE_REALTIME_INTERVAL", time.Minute); err != nil {
		return s, err
	}
	if s.historicalEvery, err = envDuration("BIKELAKE_HISTORICAL_INTERVAL", 30*time.Minute); err != nil {
		return s, err
	}
	if s.monitorEvery, err = envDuration("BIKELAKE_MONITOR_INTERVAL", 5*time.Minute); err != nil {
		return s, err
	}
	return s, nil
}

type app struct {
	settings  settings
	pipelines *pipeline.Pipelines
	runner    *flow.Runner
}

func buildApp(ctx context.Context, log *slog.Logger) (*app, error) {
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	cfg, err := loadSettings()
	if err != nil {
		return nil, err
	}

	s3cfg, err := obj.LoadS3ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	store, err := obj.NewS3Store(ctx, log, s3cfg)
	if err != nil {
		return nil, err
	}
	for _, bucket := range []string{cfg.rawBucket, cfg.validatedBucket, cfg.analyticalBucket, cfg.backlogBucket} {
		if err := store.EnsureBucket(ctx, bucket); err != nil {
			return nil, err
		}
	}

	ref, err := stations.Load(cfg.stationsPath)
	if err != nil {
		return nil, err
	}
	log.Info("loaded station reference", "path", cfg.stationsPath, "stations", ref.Len())

	coordinator, err := lake.New(&lake.Config{
		Logger:           log,
		Store:            store,
		RawBucket:        cfg.rawBucket,
		ValidatedBucket:  cfg.validatedBucket,
		AnalyticalBucket: cfg.analyticalBucket,
	})
	if err != nil {
		return nil, err
	}

	validator, err := historical.New(&historical.Config{
		Logger:        log,
		Store:         store,
		BacklogBucket: cfg.backlogBucket,
		RawBucket:     cfg.rawBucket,
		Stations:      ref,
	})
	if err != nil {
		return nil, err
	}

	var ingestClient *monitor.IngestClient
	if cfg.ingestURL != "" {
		ingestClient = monitor.NewIngestClient(cfg.ingestURL, 5*time.Second)
	}
	mon, err := monitor.New(&monitor.Config{
		Logger:           log,
		Store:            store,
		Lake:             coordinator,
		Ingest:           ingestClient,
		RawBucket:        cfg.rawBucket,
		ValidatedBucket:  cfg.validatedBucket,
		AnalyticalBucket: cfg.analyticalBucket,
		BacklogBucket:    cfg.backlogBucket,
		Flows:            pipeline.Flows,
		AlertLogPath:     cfg.alertLogPath,
	})
	if err != nil {
		return nil, err
	}

	pipelines, err := pipeline.New(&pipeline.Config{
		Logger:    log,
		Store:     store,
		Lake:      coordinator,
		Validator: validator,
		Monitor:   mon,
		Alerts:    mon.Alerts(),
		Stations:  ref,
		RawBucket: cfg.rawBucket,
	})
	if err != nil {
		return nil, err
	}

	runner, err := flow.NewRunner(&flow.Config{
		Logger:       log,
		Store:        store,
		StatusBucket: cfg.analyticalBucket,
	})
	if err != nil {
		return nil, err
	}

	return &app{settings: cfg, pipelines: pipelines, runner: runner}, nil
}

func printSummary(statuses []flow.RunStatus) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Flow", "Status", "Duration", "Stages", "Error"})
	for _, s := range statuses {
		stages := ""
		for i, st := range s.Stages {
			if i > 0 {
				stages += ", "
			}
			stages += st.Stage + ":" + st.Status
		}
		table.Append([]string{
			s.Flow,
			string(s.Status),
			s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond).String(),
			stages,
			s.Error,
		})
	}
	table.Render()
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level: level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey && len(groups) == 0 {
				attr.Value = slog.StringValue(attr.Value.Time().UTC().Format(time.RFC3339))
			}
			return attr
		},
	}))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
