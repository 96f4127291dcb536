package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"rattlive/pkg/metrics"
	rotel "rattlive/pkg/otel"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultConcurrency = 10
	DefaultTimeout     = 15 * time.Second
)

// Request describes one GET against an upstream endpoint.
type Request struct {
	URL    string
	Params url.Values
}

// String renders the full request URL.
func (r Request) String() string {
	if len(r.Params) == 0 {
		return r.URL
	}
	return r.URL + "?" + r.Params.Encode()
}

// Result is the outcome of one Request. Err is non-nil when the request
// failed, in which case Body is nil.
type Result struct {
	Request Request
	Body    []byte
	Err     error
}

// OK reports whether the request succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

// StatusError is returned for non-2xx upstream responses.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d for %s", e.StatusCode, e.URL)
}

// Fetcher issues batches of GET requests with a bounded number in flight.
type Fetcher struct {
	httpClient  *http.Client
	concurrency int
	timeout     time.Duration
	userAgent   string
	tracer      trace.Tracer
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithConcurrency bounds the number of requests in flight per batch.
func WithConcurrency(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.concurrency = n
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithUserAgent sets the User-Agent header sent upstream.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		f.userAgent = ua
	}
}

func New(httpClient *http.Client, opts ...Option) *Fetcher {
	f := &Fetcher{
		httpClient:  httpClient,
		concurrency: DefaultConcurrency,
		timeout:     DefaultTimeout,
		userAgent:   "rattlive/1.0.0",
		tracer:      otel.Tracer("fetcher"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Concurrency returns the in-flight bound of the fetcher.
func (f *Fetcher) Concurrency() int {
	return f.concurrency
}

// FetchAll issues every request and returns one Result per request in
// submission order. A failing request never affects its siblings; its
// position carries the error instead.
func (f *Fetcher) FetchAll(ctx context.Context, reqs []Request) []Result {
	ctx, span := f.tracer.Start(ctx, "fetch.batch",
		trace.WithAttributes(
			attribute.Int("batch.size", len(reqs)),
			attribute.Int("batch.concurrency", f.concurrency),
		),
	)
	defer span.End()

	start := time.Now()
	results := make([]Result, len(reqs))

	var g errgroup.Group
	g.SetLimit(f.concurrency)

	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			body, err := f.fetchOne(ctx, req)
			results[i] = Result{Request: req, Body: body, Err: err}
			if err != nil {
				slog.Warn("Upstream request failed", "url", req.String(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
		}
	}

	span.SetAttributes(
		attribute.Int("batch.failed", failed),
		attribute.String("batch.duration", time.Since(start).String()),
	)
	metrics.RecordFetchBatch(ctx, len(reqs), failed, time.Since(start))

	return results
}

// Fetch issues a single request.
func (f *Fetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	return f.fetchOne(ctx, req)
}

func (f *Fetcher) fetchOne(ctx context.Context, req Request) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	target := req.String()
	ctx, span := f.tracer.Start(ctx, "fetch.request",
		trace.WithAttributes(
			attribute.String("http.url", target),
			attribute.String("http.method", http.MethodGet),
		),
	)
	defer span.End()

	start := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		rotel.RecordError(span, err, rotel.ErrorTypeValidation, false)
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("User-Agent", f.userAgent)
	httpReq.Header.Set("Accept", "*/*")

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		rotel.RecordError(span, err, rotel.ErrorTypeNetwork, true)
		metrics.RecordFetch(ctx, "error", time.Since(start), 0)
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		err := &StatusError{URL: target, StatusCode: resp.StatusCode}
		rotel.RecordError(span, err, rotel.ErrorTypeHTTP, resp.StatusCode >= 500)
		metrics.RecordFetch(ctx, "http_error", time.Since(start), 0)
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		rotel.RecordError(span, err, rotel.ErrorTypeNetwork, true)
		metrics.RecordFetch(ctx, "error", time.Since(start), 0)
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	span.SetAttributes(
		attribute.Int("response.size_bytes", len(body)),
	)
	rotel.SetSpanOk(span)
	metrics.RecordFetch(ctx, "ok", time.Since(start), len(body))

	return body, nil
}
