package velo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	rotel "rattlive/pkg/otel"
	"rattlive/pkg/types"

	"github.com/clbanning/mxj/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const DefaultURL = "http://velotm.ro/Station/Read"

// minLatitude filters docks the feed reports at (0, 0).
const minLatitude = 0.1

type Client struct {
	httpClient *http.Client
	url        string
	tracer     trace.Tracer
}

// NewClient returns a feed client. A nil httpClient gets an instrumented
// default with the given timeout.
func NewClient(url string, httpClient *http.Client, timeout time.Duration) *Client {
	if url == "" {
		url = DefaultURL
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		}
	}
	return &Client{
		httpClient: httpClient,
		url:        url,
		tracer:     otel.Tracer("velo-client"),
	}
}

// FetchStations reads the current state of every bike dock.
func (c *Client) FetchStations(ctx context.Context) ([]types.BikeStation, error) {
	ctx, span := c.tracer.Start(ctx, "velo.fetch_stations",
		trace.WithAttributes(attribute.String("http.url", c.url)),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, nil)
	if err != nil {
		rotel.RecordError(span, err, rotel.ErrorTypeValidation, false)
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		rotel.RecordError(span, err, rotel.ErrorTypeNetwork, true)
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		rotel.RecordError(span, err, rotel.ErrorTypeNetwork, true)
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("bike feed returned status %d", resp.StatusCode)
		rotel.RecordError(span, err, rotel.ErrorTypeHTTP, resp.StatusCode >= 500)
		return nil, err
	}

	stations, err := ParseStations(body)
	if err != nil {
		rotel.RecordError(span, err, rotel.ErrorTypeParse, false)
		return nil, err
	}

	span.SetAttributes(attribute.Int("stations_count", len(stations)))
	rotel.SetSpanOk(span)
	return stations, nil
}

// ParseStations decodes a feed body of the form {"Data": [...]}. Docks
// with a latitude of at most 0.1 are dropped.
func ParseStations(body []byte) ([]types.BikeStation, error) {
	m, err := mxj.NewMapJson(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse bike feed: %w", err)
	}

	var entries []interface{}
	switch data := m["Data"].(type) {
	case []interface{}:
		entries = data
	case map[string]interface{}:
		entries = []interface{}{data}
	case nil:
		return nil, fmt.Errorf("bike feed has no Data field")
	default:
		return nil, fmt.Errorf("bike feed Data is %T", data)
	}

	stations := make([]types.BikeStation, 0, len(entries))
	for _, e := range entries {
		entry, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		lat := number(entry["Latitude"])
		if lat <= minLatitude {
			continue
		}
		status, _ := entry["Status"].(string)
		name, _ := entry["StationName"].(string)

		stations = append(stations, types.BikeStation{
			ID:         int(number(entry["Id"])),
			Name:       name,
			Lat:        lat,
			Lng:        number(entry["Longitude"]),
			TotalSpots: int(number(entry["MaximumNumberOfBikes"])),
			EmptySpots: int(number(entry["EmptySpots"])),
			IsOnline:   status != "Offline",
		})
	}
	return stations, nil
}

// number reads a JSON number that may also arrive as a string. Anything
// else is zero.
func number(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case json.Number:
		f, _ := n.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}
