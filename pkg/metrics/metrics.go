package metrics

import (
	"context"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"rattlive/pkg/otel"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "rattlive"

var (
	// meterProvider is set once InitMetrics has installed an exporter
	meterProvider *sdkmetric.MeterProvider

	// Meter is the meter instruments are created from. Until InitMetrics
	// runs it is the global delegating meter, so recording is always safe.
	Meter metric.Meter

	// lastRefreshTimestamp tracks the last successful refresh cycle (Unix timestamp)
	lastRefreshTimestamp atomic.Int64
)

func init() {
	Meter = otelapi.Meter(meterName)
	if err := initializeInstruments(); err != nil {
		slog.Error("Failed to initialize metric instruments", "error", err)
	}
}

// InitMetrics installs the OTLP meter provider when OTEL_METRICS_ENABLED is
// set. The returned function flushes and shuts the provider down.
func InitMetrics() (func(), error) {
	if !otel.IsMetricsEnabled() {
		slog.Debug("OpenTelemetry metrics is disabled")
		return func() {}, nil
	}

	ctx := context.Background()
	cfg := otel.GetExporterConfig(otel.SignalMetrics)

	exporter, err := otel.NewMetricExporter(ctx, cfg)
	if err != nil {
		slog.Warn("Failed to create OTLP metric exporter, using noop", "error", err)
		return func() {}, nil
	}

	res, err := otel.NewResource()
	if err != nil {
		slog.Warn("Failed to create resource, using noop", "error", err)
		return func() {}, nil
	}

	meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter,
				sdkmetric.WithInterval(60*time.Second),
			),
		),
		sdkmetric.WithResource(res),
	)
	otelapi.SetMeterProvider(meterProvider)

	Meter = meterProvider.Meter(meterName)
	if err := initializeInstruments(); err != nil {
		slog.Error("Failed to initialize metric instruments", "error", err)
		return func() {}, nil
	}

	if err := registerRuntimeMetrics(); err != nil {
		slog.Warn("Failed to register runtime metrics", "error", err)
	}

	slog.Debug("OpenTelemetry metrics initialized",
		"endpoint", cfg.Endpoint,
		"protocol", cfg.Protocol,
	)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := meterProvider.Shutdown(ctx); err != nil {
			slog.Error("Error shutting down meter provider", "error", err)
		}
	}, nil
}

// registerRuntimeMetrics registers the process gauges. Memory stats are read
// once per collection and fanned out to every memory gauge.
func registerRuntimeMetrics() error {
	goroutines, err := Meter.Int64ObservableGauge(
		"runtime.go.goroutines",
		metric.WithDescription("Number of goroutines"),
		metric.WithUnit("{goroutine}"),
	)
	if err != nil {
		return err
	}

	lastRefresh, err := Meter.Int64ObservableGauge(
		"refresh.last_success.timestamp",
		metric.WithDescription("Unix timestamp of the last successful refresh cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	heapAlloc, err := Meter.Int64ObservableGauge(
		"runtime.go.mem.heap_alloc",
		metric.WithDescription("Heap memory allocated"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	heapInuse, err := Meter.Int64ObservableGauge(
		"runtime.go.mem.heap_inuse",
		metric.WithDescription("Heap memory in use"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	sys, err := Meter.Int64ObservableGauge(
		"runtime.go.mem.sys",
		metric.WithDescription("Total memory obtained from OS"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	gcCount, err := Meter.Int64ObservableCounter(
		"runtime.go.gc.count",
		metric.WithDescription("Number of completed GC cycles"),
		metric.WithUnit("{gc}"),
	)
	if err != nil {
		return err
	}

	_, err = Meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		o.ObserveInt64(goroutines, int64(runtime.NumGoroutine()))
		o.ObserveInt64(heapAlloc, int64(m.HeapAlloc))
		o.ObserveInt64(heapInuse, int64(m.HeapInuse))
		o.ObserveInt64(sys, int64(m.Sys))
		o.ObserveInt64(gcCount, int64(m.NumGC))
		if ts := lastRefreshTimestamp.Load(); ts > 0 {
			o.ObserveInt64(lastRefresh, ts)
		}
		return nil
	}, goroutines, lastRefresh, heapAlloc, heapInuse, sys, gcCount)

	return err
}

// RecordRefresh counts one refresh cycle and, on success, stamps the
// last-success gauge.
func RecordRefresh(ctx context.Context, ok bool) {
	outcome := "error"
	if ok {
		outcome = "ok"
		lastRefreshTimestamp.Store(time.Now().Unix())
	}
	RefreshTotal.Add(ctx, 1, metric.WithAttributes(attributeOutcome(outcome)))
}

// LastRefresh returns the time of the last successful refresh, or the zero
// time if none has happened.
func LastRefresh() time.Time {
	ts := lastRefreshTimestamp.Load()
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

// IsEnabled returns true if an exporting meter provider is installed
func IsEnabled() bool {
	return meterProvider != nil
}
