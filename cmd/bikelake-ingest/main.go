package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"

	"github.com/pedalmetrics/bikelake/pkg/ingest"
	"github.com/pedalmetrics/bikelake/pkg/obj"
)

func main() {
	_ = godotenv.Load()

	var (
		addr         = flag.String("addr", envOr("BIKELAKE_INGEST_ADDR", ":8080"), "listen address")
		rawBucket    = flag.String("raw-bucket", envOr("BIKELAKE_RAW_BUCKET", "bikelake-raw"), "raw layer bucket")
		maxPerMinute = flag.Int("max-events-per-minute", 6000, "throughput ceiling before requests are shed")
		writeWorkers = flag.Int("write-workers", 4, "background raw writer pool size")
		verbose      = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level: level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey && len(groups) == 0 {
				attr.Value = slog.StringValue(attr.Value.Time().UTC().Format(time.RFC3339))
			}
			return attr
		},
	}))

	if err := run(log, *addr, *rawBucket, *maxPerMinute, *writeWorkers); err != nil {
		log.Error("ingest server failed", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, addr, rawBucket string, maxPerMinute, writeWorkers int) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s3cfg, err := obj.LoadS3ConfigFromEnv()
	if err != nil {
		return err
	}
	store, err := obj.NewS3Store(ctx, log, s3cfg)
	if err != nil {
		return err
	}
	if err := store.EnsureBucket(ctx, rawBucket); err != nil {
		return err
	}

	server, err := ingest.NewServer(&ingest.Config{
		Logger:             log,
		Store:              store,
		RawBucket:          rawBucket,
		MaxEventsPerMinute: maxPerMinute,
		WriteWorkers:       writeWorkers,
	})
	if err != nil {
		return err
	}
	defer server.Close()

	srv := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("ingest server listening", "addr", addr, "raw_bucket", rawBucket)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
