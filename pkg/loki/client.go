package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	rotel "rattlive/pkg/otel"
	"rattlive/pkg/reconcile"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const pushPath = "/loki/api/v1/push"

// Client ships reconciliation diagnostics to Grafana Loki, one stream per
// diagnostic kind.
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
	tracer     trace.Tracer
}

type PushRequest struct {
	Streams []Stream `json:"streams"`
}

type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// entry is the JSON log line of one diagnostic.
type entry struct {
	Kind    string `json:"kind"`
	LineID  int    `json:"line_id,omitempty"`
	RawName string `json:"raw_name,omitempty"`
}

func NewClient(baseURL, username, password string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   30 * time.Second,
		},
		baseURL:  baseURL,
		username: username,
		password: password,
		tracer:   otel.Tracer("loki-client"),
	}
}

// PushReport sends every diagnostic of report, stamped with at. An empty
// report sends nothing.
func (c *Client) PushReport(ctx context.Context, report *reconcile.Report, at time.Time) error {
	if report == nil || report.Empty() {
		return nil
	}

	ctx, span := c.tracer.Start(ctx, "loki.push_report",
		trace.WithAttributes(
			attribute.Int("unknown_stations", len(report.UnknownStations)),
			attribute.Int("unknown_lines", len(report.UnknownLines)),
			attribute.Int("dropped_lines", len(report.DroppedLines)),
		),
	)
	defer span.End()

	req, err := buildPush(report, at)
	if err != nil {
		rotel.RecordError(span, err, rotel.ErrorTypeParse, false)
		return err
	}

	body, err := json.Marshal(req)
	if err != nil {
		rotel.RecordError(span, err, rotel.ErrorTypeParse, false)
		return fmt.Errorf("failed to marshal Loki request: %w", err)
	}

	url := c.baseURL + pushPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		rotel.RecordError(span, err, rotel.ErrorTypeValidation, false)
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "rattlive/1.0.0")

	if c.username != "" && c.password != "" {
		httpReq.SetBasicAuth(c.username, c.password)
	}
	span.SetAttributes(
		attribute.Bool("auth.enabled", c.username != "" && c.password != ""),
		attribute.String("http.url", url),
		attribute.Int("request.size_bytes", len(body)),
	)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		rotel.RecordError(span, err, rotel.ErrorTypeNetwork, true)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("loki returned status %d", resp.StatusCode)
		rotel.RecordError(span, err, rotel.ErrorTypeHTTP, resp.StatusCode >= 500)
		return err
	}
	rotel.SetSpanOk(span)
	return nil
}

// buildPush groups the diagnostics of report into one stream per kind.
// Entries within a stream get increasing timestamps so Loki keeps them all.
func buildPush(report *reconcile.Report, at time.Time) (PushRequest, error) {
	byKind := map[string][]entry{}
	var kinds []string
	add := func(e entry) {
		if _, ok := byKind[e.Kind]; !ok {
			kinds = append(kinds, e.Kind)
		}
		byKind[e.Kind] = append(byKind[e.Kind], e)
	}

	for _, s := range report.UnknownStations {
		add(entry{Kind: "unknown_station", LineID: s.LineID, RawName: s.RawName})
	}
	for _, id := range report.UnknownLines {
		add(entry{Kind: "unknown_line", LineID: id})
	}
	for _, name := range report.MissingCoordinates {
		add(entry{Kind: "missing_coordinates", RawName: name})
	}
	for _, id := range report.DroppedLines {
		add(entry{Kind: "dropped_line", LineID: id})
	}

	req := PushRequest{Streams: make([]Stream, 0, len(kinds))}
	for _, kind := range kinds {
		values := make([][]string, 0, len(byKind[kind]))
		for i, e := range byKind[kind] {
			line, err := json.Marshal(e)
			if err != nil {
				return PushRequest{}, fmt.Errorf("failed to marshal %s entry: %w", kind, err)
			}
			ts := at.Add(time.Duration(i)).UnixNano()
			values = append(values, []string{strconv.FormatInt(ts, 10), string(line)})
		}
		req.Streams = append(req.Streams, Stream{
			Stream: map[string]string{
				"job":     "rattlive",
				"service": "transit-reconcile",
				"kind":    kind,
			},
			Values: values,
		})
	}
	return req, nil
}
