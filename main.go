package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "time/tzdata"

	"rattlive/pkg/api"
	"rattlive/pkg/cache"
	"rattlive/pkg/config"
	"rattlive/pkg/logging"
	"rattlive/pkg/loki"
	"rattlive/pkg/metrics"
	"rattlive/pkg/profiling"
	"rattlive/pkg/ratt"
	"rattlive/pkg/service"
	"rattlive/pkg/tracing"
	"rattlive/pkg/velo"
)

func main() {
	var (
		configPath = flag.String("config", getEnv("RATTLIVE_CONFIG", config.DefaultPath), "Path to the YAML config file")
		dryRun     = flag.Bool("dry-run", false, "Compute the route table once, print it to stdout and exit")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Real-time transit arrivals for Timisoara\n\n")
		fmt.Fprintf(os.Stderr, "Scrapes the operator's status pages and arrival endpoint, reconciles\n")
		fmt.Fprintf(os.Stderr, "them against the curated station list and serves the result as JSON\n")
		fmt.Fprintf(os.Stderr, "and GTFS-Realtime.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  RATTLIVE_CONFIG       - Config file path (default: %s)\n", config.DefaultPath)
		fmt.Fprintf(os.Stderr, "  RATTLIVE_ADDR         - API listen address, overrides server.addr\n")
		fmt.Fprintf(os.Stderr, "  RATTLIVE_STATIONS_CSV - Stations CSV, overrides reference.stationsCSV\n")
		fmt.Fprintf(os.Stderr, "  RATTLIVE_LOKI_URL     - Loki URL for reconciliation diagnostics (optional)\n")
		fmt.Fprintf(os.Stderr, "  RATTLIVE_LOKI_USER    - Loki username (for Grafana Cloud)\n")
		fmt.Fprintf(os.Stderr, "  RATTLIVE_LOKI_PASSWORD - Loki password/token (for Grafana Cloud)\n")
		fmt.Fprintf(os.Stderr, "  LOG_LEVEL, LOG_FORMAT - Logging (debug|info|warn|error, text|json)\n")
		fmt.Fprintf(os.Stderr, "  OTEL_*                - OpenTelemetry exporter settings\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Print the reconciled routes and exit\n")
		fmt.Fprintf(os.Stderr, "  %s --dry-run\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Serve the API on :9000\n")
		fmt.Fprintf(os.Stderr, "  RATTLIVE_ADDR=:9000 %s --config=/etc/rattlive/config.yml\n\n", os.Args[0])
	}

	flag.Parse()

	logging.InitLogging()

	cfg, err := config.Load(*configPath, *configPath != config.DefaultPath)
	if err != nil {
		fatal("Failed to load config", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		fatal("Invalid timezone", err)
	}

	shutdownTracing, err := tracing.InitTracing()
	if err != nil {
		fatal("Failed to initialize tracing", err)
	}
	defer shutdownTracing()

	shutdownMetrics, err := metrics.InitMetrics()
	if err != nil {
		fatal("Failed to initialize metrics", err)
	}
	defer shutdownMetrics()

	shutdownProfiling, err := profiling.InitProfiling()
	if err != nil {
		fatal("Failed to initialize profiling", err)
	}
	defer shutdownProfiling()

	upstream := ratt.NewClient(ratt.Config{
		ArrivalURL:         cfg.Upstream.ArrivalURL,
		StatusPages:        cfg.Upstream.StatusPages.Map(),
		LinePageURL:        cfg.Upstream.LinePageURL,
		DataColor:          cfg.Upstream.DataColor,
		Timeout:            cfg.Upstream.Timeout,
		UserAgent:          cfg.Upstream.UserAgent,
		StationConcurrency: cfg.Fetch.StationConcurrency,
		LineConcurrency:    cfg.Fetch.LineConcurrency,
	})

	var bikes service.BikeFeed
	if cfg.Velo.URL != "" {
		bikes = velo.NewClient(cfg.Velo.URL, nil, cfg.Upstream.Timeout)
	}

	var opts []service.Option
	if cfg.Loki.URL != "" {
		opts = append(opts, service.WithReportSink(loki.NewClient(cfg.Loki.URL, cfg.Loki.User, cfg.Loki.Password)))
	}

	svc, err := service.New(service.Config{
		StationsCSV:   cfg.Reference.StationsCSV,
		RetainUnknown: cfg.Reconcile.RetainUnknown,
		Location:      loc,
		ReferenceTTL:  cfg.Cache.ReferenceTTL,
		ArrivalsTTL:   cfg.Cache.ArrivalsTTL,
		BikeTTL:       cfg.Cache.BikeTTL,
		Interval:      cfg.Warmup.Interval,
		MaxElapsed:    cfg.Warmup.MaxElapsed,
	}, upstream, bikes, cache.New(cfg.Cache.Size, cache.WithServeStale(cfg.Cache.ServeStale)), opts...)
	if err != nil {
		fatal("Failed to create service", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *dryRun {
		slog.Info("Starting in DRY RUN mode", "stations_csv", cfg.Reference.StationsCSV)
		if err := svc.DryRun(ctx, os.Stdout); err != nil {
			fatal("Dry run failed", err)
		}
		return
	}

	slog.Info("Starting rattlive",
		"addr", cfg.Server.Addr,
		"stations_csv", cfg.Reference.StationsCSV,
		"timezone", loc.String(),
		"refresh_interval", cfg.Warmup.Interval,
		"bike_feed", cfg.Velo.URL != "",
		"loki", cfg.Loki.URL != "",
	)

	srv := api.NewServer(svc).HTTPServer(cfg.Server.Addr)

	errChan := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("service: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal, shutting down gracefully")
	case err := <-errChan:
		slog.Error("Stopping after failure", "error", err)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("API server forced to shut down", "error", err)
	}

	slog.Info("rattlive shutdown complete")
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

// getEnv returns the value of an environment variable or a default value if not set
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
