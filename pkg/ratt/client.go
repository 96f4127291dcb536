package ratt

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"rattlive/pkg/fetch"
	"rattlive/pkg/metrics"
	rotel "rattlive/pkg/otel"
	"rattlive/pkg/parser"
	"rattlive/pkg/types"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultArrivalURL  = "http://www.ratt.ro/txt/afis_msg.php"
	DefaultInfoBaseURL = "http://86.125.113.218:61978/html/timpi/"
	DefaultLinePageURL = DefaultInfoBaseURL + "trasee.php"

	DefaultStationConcurrency = 20
	DefaultLineConcurrency    = 6
)

// DefaultStatusPages lists the per-mode pages linking every line of that mode.
var DefaultStatusPages = map[types.LineType]string{
	types.LineTypeTram:    DefaultInfoBaseURL + "tram.php",
	types.LineTypeTrolley: DefaultInfoBaseURL + "trol.php",
	types.LineTypeBus:     DefaultInfoBaseURL + "auto.php",
}

// lineModes fixes the order status pages are requested in.
var lineModes = []types.LineType{types.LineTypeTram, types.LineTypeTrolley, types.LineTypeBus}

type Config struct {
	ArrivalURL         string
	StatusPages        map[types.LineType]string
	LinePageURL        string
	DataColor          string
	Timeout            time.Duration
	UserAgent          string
	StationConcurrency int
	LineConcurrency    int

	// HTTPClient overrides the instrumented default client.
	HTTPClient *http.Client
}

// Client talks to the transit operator's status pages and arrival endpoint.
type Client struct {
	config   Config
	stations *fetch.Fetcher
	lines    *fetch.Fetcher
	scanner  *parser.RouteTableScanner
	tracer   trace.Tracer
}

// LineRef is a line id discovered on a status page, with the mode of the
// page it was found on.
type LineRef struct {
	ID   int            `json:"line_id"`
	Type types.LineType `json:"line_type"`
}

func NewClient(config Config) *Client {
	if config.ArrivalURL == "" {
		config.ArrivalURL = DefaultArrivalURL
	}
	if config.LinePageURL == "" {
		config.LinePageURL = DefaultLinePageURL
	}
	if len(config.StatusPages) == 0 {
		config.StatusPages = DefaultStatusPages
	}
	if config.StationConcurrency <= 0 {
		config.StationConcurrency = DefaultStationConcurrency
	}
	if config.LineConcurrency <= 0 {
		config.LineConcurrency = DefaultLineConcurrency
	}
	if config.UserAgent == "" {
		config.UserAgent = rotel.ServiceName + "/" + rotel.Version
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	opts := []fetch.Option{
		fetch.WithTimeout(config.Timeout),
		fetch.WithUserAgent(config.UserAgent),
	}

	return &Client{
		config:   config,
		stations: fetch.New(httpClient, append(opts, fetch.WithConcurrency(config.StationConcurrency))...),
		lines:    fetch.New(httpClient, append(opts, fetch.WithConcurrency(config.LineConcurrency))...),
		scanner:  parser.NewRouteTableScanner(config.DataColor),
		tracer:   otel.Tracer("ratt-client"),
	}
}

// FetchLineIDs collects the line ids linked from every mode status page. A
// failed page only removes its own mode's lines; an error is returned when
// no page could be read at all.
func (c *Client) FetchLineIDs(ctx context.Context) ([]LineRef, error) {
	ctx, span := c.tracer.Start(ctx, "ratt.fetch_line_ids")
	defer span.End()

	var (
		modes []types.LineType
		reqs  []fetch.Request
	)
	for _, mode := range lineModes {
		if u, ok := c.config.StatusPages[mode]; ok && u != "" {
			modes = append(modes, mode)
			reqs = append(reqs, fetch.Request{URL: u})
		}
	}

	var (
		refs   []LineRef
		failed int
		seen   = make(map[int]bool)
	)
	for i, res := range c.lines.FetchAll(ctx, reqs) {
		if !res.OK() {
			failed++
			continue
		}
		ids, err := parser.ParseLineIndex(bytes.NewReader(res.Body))
		if err != nil {
			failed++
			slog.Warn("Failed to parse status page", "mode", modes[i], "error", err)
			continue
		}
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			refs = append(refs, LineRef{ID: id, Type: modes[i]})
		}
	}

	span.SetAttributes(
		attribute.Int("lines.count", len(refs)),
		attribute.Int("status_pages.failed", failed),
	)

	if len(reqs) > 0 && failed == len(reqs) {
		err := fmt.Errorf("failed to read any of %d status pages", len(reqs))
		rotel.RecordError(span, err, rotel.ErrorTypeNetwork, true)
		return nil, err
	}

	rotel.SetSpanOk(span)
	return refs, nil
}

func (c *Client) linePageRequest(lineID int) fetch.Request {
	return fetch.Request{
		URL:    c.config.LinePageURL,
		Params: url.Values{"param1": {strconv.Itoa(lineID)}},
	}
}

// FetchRoutePage fetches and scans the detail page of one line.
func (c *Client) FetchRoutePage(ctx context.Context, lineID int) ([]parser.RouteRun, error) {
	ctx, span := c.tracer.Start(ctx, "ratt.fetch_route_page",
		trace.WithAttributes(attribute.Int("line_id", lineID)),
	)
	defer span.End()

	body, err := c.lines.Fetch(ctx, c.linePageRequest(lineID))
	if err != nil {
		rotel.RecordError(span, err, rotel.ErrorTypeNetwork, true)
		metrics.RecordScan(ctx, 0, err)
		return nil, fmt.Errorf("failed to fetch line %d page: %w", lineID, err)
	}

	runs, err := c.scanner.Scan(ctx, bytes.NewReader(body))
	metrics.RecordScan(ctx, len(runs), err)
	if err != nil {
		rotel.RecordError(span, err, rotel.ErrorTypeParse, false)
		return nil, err
	}

	rotel.SetSpanOk(span)
	return runs, nil
}

// FetchRouteTables fetches and scans the pages of many lines with the line
// pool. Lines whose page failed are logged and absent from the result.
func (c *Client) FetchRouteTables(ctx context.Context, lineIDs []int) map[int][]parser.RouteRun {
	ctx, span := c.tracer.Start(ctx, "ratt.fetch_route_tables",
		trace.WithAttributes(attribute.Int("lines.requested", len(lineIDs))),
	)
	defer span.End()

	reqs := make([]fetch.Request, len(lineIDs))
	for i, id := range lineIDs {
		reqs[i] = c.linePageRequest(id)
	}

	tables := make(map[int][]parser.RouteRun, len(lineIDs))
	for i, res := range c.lines.FetchAll(ctx, reqs) {
		if !res.OK() {
			metrics.RecordScan(ctx, 0, res.Err)
			continue
		}
		runs, err := c.scanner.Scan(ctx, bytes.NewReader(res.Body))
		metrics.RecordScan(ctx, len(runs), err)
		if err != nil {
			slog.Warn("Failed to scan line page", "line_id", lineIDs[i], "error", err)
			continue
		}
		tables[lineIDs[i]] = runs
	}

	span.SetAttributes(attribute.Int("lines.scanned", len(tables)))
	return tables
}

// FetchStationArrivals asks the timed-schedule endpoint for the next
// arrival of lineID at each station, using the station pool. The result
// is positional with stationIDs; a station whose request failed or whose
// body lacks the marker gets the placeholder arrival.
func (c *Client) FetchStationArrivals(ctx context.Context, now time.Time, lineID int, stationIDs []int) []types.Arrival {
	ctx, span := c.tracer.Start(ctx, "ratt.fetch_station_arrivals",
		trace.WithAttributes(
			attribute.Int("line_id", lineID),
			attribute.Int("stations.count", len(stationIDs)),
		),
	)
	defer span.End()

	reqs := make([]fetch.Request, len(stationIDs))
	for i, stationID := range stationIDs {
		reqs[i] = fetch.Request{
			URL: c.config.ArrivalURL,
			Params: url.Values{
				"id_traseu": {strconv.Itoa(lineID)},
				"id_statie": {strconv.Itoa(stationID)},
			},
		}
	}

	arrivals := make([]types.Arrival, len(stationIDs))
	placeholders := 0
	for i, res := range c.stations.FetchAll(ctx, reqs) {
		raw := parser.PlaceholderArrival
		if res.OK() {
			text, err := parser.ExtractArrivalText(string(res.Body))
			if err != nil {
				slog.Warn("Arrival response without marker", "line_id", lineID, "station_id", stationIDs[i], "error", err)
			} else {
				raw = text
			}
		}
		if raw == parser.PlaceholderArrival {
			placeholders++
		}

		parsed := parser.ParseArrival(now, raw)
		metrics.RecordArrivalShape(ctx, string(parsed.Shape))
		arrivals[i] = types.Arrival{
			LineID:      lineID,
			StationID:   stationIDs[i],
			Text:        parsed.Text,
			MinutesLeft: parsed.MinutesLeft,
			IsRealTime:  parsed.IsRealTime,
		}
	}

	span.SetAttributes(attribute.Int("arrivals.placeholders", placeholders))
	return arrivals
}
