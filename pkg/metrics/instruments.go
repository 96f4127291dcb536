package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Upstream fetch metrics
var (
	// FetchRequestsTotal counts upstream requests by outcome
	FetchRequestsTotal metric.Int64Counter

	// FetchRequestDuration measures the duration of single upstream requests
	FetchRequestDuration metric.Float64Histogram

	// FetchResponseBodySize measures the size of upstream response bodies
	FetchResponseBodySize metric.Int64Histogram

	// FetchBatchDuration measures the duration of whole fetch batches
	FetchBatchDuration metric.Float64Histogram

	// FetchBatchFailed counts failed positions across batches
	FetchBatchFailed metric.Int64Counter
)

// Parsing metrics
var (
	// ArrivalsParsed counts parsed arrival strings by shape
	ArrivalsParsed metric.Int64Counter

	// RouteRunsScanned counts route runs found on line pages
	RouteRunsScanned metric.Int64Counter

	// LinePagesFailed counts line pages that could not be fetched or scanned
	LinePagesFailed metric.Int64Counter
)

// Reconciliation metrics
var (
	// UnknownStations counts scraped station names missing from reference data
	UnknownStations metric.Int64Counter

	// UnknownLines counts scraped line ids missing from reference data
	UnknownLines metric.Int64Counter

	// LinesDropped counts lines excluded for lacking two valid directions
	LinesDropped metric.Int64Counter
)

// Cache metrics
var (
	// CacheLookups counts cache lookups by kind and outcome (hit|miss|stale)
	CacheLookups metric.Int64Counter

	// CacheComputeDuration measures recomputation time per kind
	CacheComputeDuration metric.Float64Histogram

	// CacheComputeFailures counts failed recomputations per kind
	CacheComputeFailures metric.Int64Counter
)

// Refresh metrics
var (
	// RefreshTotal counts background refresh cycles by outcome
	RefreshTotal metric.Int64Counter
)

// initializeInstruments creates all metric instruments from Meter
func initializeInstruments() error {
	var err error

	FetchRequestsTotal, err = Meter.Int64Counter(
		"upstream.requests.total",
		metric.WithDescription("Total upstream requests by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	FetchRequestDuration, err = Meter.Float64Histogram(
		"upstream.request.duration",
		metric.WithDescription("Duration of upstream requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 15.0),
	)
	if err != nil {
		return err
	}

	FetchResponseBodySize, err = Meter.Int64Histogram(
		"upstream.response.body.size",
		metric.WithDescription("Size of upstream response bodies"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(256, 1024, 10240, 102400, 1048576),
	)
	if err != nil {
		return err
	}

	FetchBatchDuration, err = Meter.Float64Histogram(
		"fetch.batch.duration",
		metric.WithDescription("Duration of concurrent fetch batches"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0),
	)
	if err != nil {
		return err
	}

	FetchBatchFailed, err = Meter.Int64Counter(
		"fetch.batch.failed",
		metric.WithDescription("Failed positions in fetch batches"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	ArrivalsParsed, err = Meter.Int64Counter(
		"parser.arrivals.parsed",
		metric.WithDescription("Arrival strings parsed, by recognised shape"),
		metric.WithUnit("{arrival}"),
	)
	if err != nil {
		return err
	}

	RouteRunsScanned, err = Meter.Int64Counter(
		"parser.route_runs.scanned",
		metric.WithDescription("Route runs extracted from line pages"),
		metric.WithUnit("{route}"),
	)
	if err != nil {
		return err
	}

	LinePagesFailed, err = Meter.Int64Counter(
		"parser.line_pages.failed",
		metric.WithDescription("Line pages that failed to fetch or scan"),
		metric.WithUnit("{page}"),
	)
	if err != nil {
		return err
	}

	UnknownStations, err = Meter.Int64Counter(
		"reconcile.unknown_stations",
		metric.WithDescription("Scraped station names not present in reference data"),
		metric.WithUnit("{station}"),
	)
	if err != nil {
		return err
	}

	UnknownLines, err = Meter.Int64Counter(
		"reconcile.unknown_lines",
		metric.WithDescription("Scraped line ids not present in reference data"),
		metric.WithUnit("{line}"),
	)
	if err != nil {
		return err
	}

	LinesDropped, err = Meter.Int64Counter(
		"reconcile.lines_dropped",
		metric.WithDescription("Lines excluded for lacking two valid directions"),
		metric.WithUnit("{line}"),
	)
	if err != nil {
		return err
	}

	CacheLookups, err = Meter.Int64Counter(
		"cache.lookups",
		metric.WithDescription("Cache lookups by kind and outcome"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	CacheComputeDuration, err = Meter.Float64Histogram(
		"cache.compute.duration",
		metric.WithDescription("Duration of cache recomputations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return err
	}

	CacheComputeFailures, err = Meter.Int64Counter(
		"cache.compute.failures",
		metric.WithDescription("Failed cache recomputations"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return err
	}

	RefreshTotal, err = Meter.Int64Counter(
		"refresh.cycles.total",
		metric.WithDescription("Background refresh cycles by outcome"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return err
	}

	return nil
}

// RecordFetch records one upstream request.
func RecordFetch(ctx context.Context, status string, d time.Duration, size int) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	FetchRequestsTotal.Add(ctx, 1, attrs)
	FetchRequestDuration.Record(ctx, d.Seconds(), attrs)
	if size > 0 {
		FetchResponseBodySize.Record(ctx, int64(size))
	}
}

// RecordFetchBatch records one completed fetch batch.
func RecordFetchBatch(ctx context.Context, size, failed int, d time.Duration) {
	FetchBatchDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Int("batch.size", size)))
	if failed > 0 {
		FetchBatchFailed.Add(ctx, int64(failed))
	}
}

// RecordArrivalShape counts one parsed arrival string.
func RecordArrivalShape(ctx context.Context, shape string) {
	ArrivalsParsed.Add(ctx, 1, metric.WithAttributes(attribute.String("shape", shape)))
}

// RecordCacheLookup counts one cache lookup.
func RecordCacheLookup(ctx context.Context, kind, outcome string) {
	CacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

// RecordScan records the outcome of scanning one line page.
func RecordScan(ctx context.Context, runs int, err error) {
	if err != nil {
		LinePagesFailed.Add(ctx, 1)
		return
	}
	RouteRunsScanned.Add(ctx, int64(runs))
}

// RecordReconcile records the identity gaps found by one reconciliation.
func RecordReconcile(ctx context.Context, unknownStations, unknownLines, dropped int) {
	if unknownStations > 0 {
		UnknownStations.Add(ctx, int64(unknownStations))
	}
	if unknownLines > 0 {
		UnknownLines.Add(ctx, int64(unknownLines))
	}
	if dropped > 0 {
		LinesDropped.Add(ctx, int64(dropped))
	}
}

func attributeOutcome(outcome string) attribute.KeyValue {
	return attribute.String("outcome", outcome)
}

// RecordCacheCompute records one recomputation and whether it failed.
func RecordCacheCompute(ctx context.Context, kind string, d time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	CacheComputeDuration.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		CacheComputeFailures.Add(ctx, 1, attrs)
	}
}
