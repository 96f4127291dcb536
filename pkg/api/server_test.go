package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rattlive/pkg/badge"
	"rattlive/pkg/gtfsrt"
	"rattlive/pkg/reconcile"
	"rattlive/pkg/reference"
	"rattlive/pkg/service"
	"rattlive/pkg/types"
)

type fakeBackend struct {
	err error

	nearestLat, nearestLng float64
	nearestLimit           int
	stationIDs             []int
}

func (f *fakeBackend) Stations(ctx context.Context) ([]types.Station, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []types.Station{{ID: 2770, RawName: "Pta Unirii", FriendlyName: "Piata Unirii"}}, nil
}

func (f *fakeBackend) NearestStations(ctx context.Context, lat, lng float64, limit int) ([]reference.NearbyStation, error) {
	f.nearestLat, f.nearestLng, f.nearestLimit = lat, lng, limit
	return []reference.NearbyStation{{Station: types.Station{ID: 2770}, DistanceMeters: 12.5}}, nil
}

func (f *fakeBackend) Lines(ctx context.Context) ([]types.Line, error) {
	return []types.Line{{ID: 1106, Name: "Tv1", Type: types.LineTypeTram}}, nil
}

func (f *fakeBackend) Line(ctx context.Context, lineID int) (types.Line, error) {
	if lineID != 1106 {
		return types.Line{}, fmt.Errorf("line %d: %w", lineID, service.ErrUnknownLine)
	}
	return types.Line{ID: 1106, Name: "Tv1", FriendlyName: "1", Type: types.LineTypeTram, RouteNames: [2]string{"Gara de Nord", "Piata Unirii"}}, nil
}

func (f *fakeBackend) Routes(ctx context.Context) (map[int]types.RoutePair, error) {
	if f.err != nil {
		return nil, f.err
	}
	return map[int]types.RoutePair{
		1108: {{Index: 0, LineID: 1108}, {Index: 1, LineID: 1108}},
		1106: {{Index: 0, LineID: 1106}, {Index: 1, LineID: 1106}},
	}, nil
}

func (f *fakeBackend) snapshot(lineID int) (types.ArrivalSnapshot, error) {
	if lineID != 1106 {
		return types.ArrivalSnapshot{}, fmt.Errorf("line %d: %w", lineID, service.ErrUnknownLine)
	}
	if f.err != nil {
		return types.ArrivalSnapshot{}, f.err
	}
	return types.ArrivalSnapshot{
		SnapshotID: "snap",
		LineID:     lineID,
		FetchedAt:  time.Date(2024, 3, 5, 10, 15, 0, 0, time.UTC),
		Arrivals:   []types.Arrival{{LineID: lineID, StationID: 2770, Text: "3 min", MinutesLeft: 3, IsRealTime: true}},
	}, nil
}

func (f *fakeBackend) LineArrivals(ctx context.Context, lineID int) (types.ArrivalSnapshot, error) {
	return f.snapshot(lineID)
}

func (f *fakeBackend) StationArrivals(ctx context.Context, lineID int, stationIDs []int) (types.ArrivalSnapshot, error) {
	f.stationIDs = stationIDs
	return f.snapshot(lineID)
}

func (f *fakeBackend) GTFSRealtime(ctx context.Context, lineID int) (*gtfs.FeedMessage, error) {
	snapshot, err := f.snapshot(lineID)
	if err != nil {
		return nil, err
	}
	return gtfsrt.FromSnapshot(snapshot), nil
}

func (f *fakeBackend) BikeStations(ctx context.Context) ([]types.BikeStation, error) {
	return []types.BikeStation{{ID: 1, Name: "Piata Victoriei", IsOnline: true}}, nil
}

func (f *fakeBackend) LastReport() *reconcile.Report {
	return &reconcile.Report{DroppedLines: []int{1200}}
}

func serve(t *testing.T, backend Backend, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	NewServer(backend).Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Endpoints(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		status   int
		contains string
	}{
		{name: "stations", target: "/api/stations", status: http.StatusOK, contains: `"friendly_name":"Piata Unirii"`},
		{name: "lines", target: "/api/lines", status: http.StatusOK, contains: `"line_name":"Tv1"`},
		{name: "report", target: "/api/report", status: http.StatusOK, contains: `"dropped_lines":[1200]`},
		{name: "arrivals", target: "/api/lines/1106/arrivals", status: http.StatusOK, contains: `"snapshot_id":"snap"`},
		{name: "times", target: "/api/lines/1106/times?stations=2770,2771", status: http.StatusOK, contains: `"minutes_left":3`},
		{name: "velo", target: "/api/velo/stations", status: http.StatusOK, contains: `"is_online":true`},
		{name: "health", target: "/healthz", status: http.StatusOK, contains: `"status":"ok"`},
		{name: "unknown line", target: "/api/lines/9999/arrivals", status: http.StatusNotFound, contains: "unknown line"},
		{name: "non-numeric line", target: "/api/lines/abc/arrivals", status: http.StatusBadRequest, contains: "invalid line id"},
		{name: "zero line", target: "/api/lines/0/times?stations=1", status: http.StatusBadRequest, contains: "invalid line id"},
		{name: "missing stations", target: "/api/lines/1106/times", status: http.StatusBadRequest, contains: "invalid stations"},
		{name: "bad stations", target: "/api/lines/1106/times?stations=1,x", status: http.StatusBadRequest, contains: "invalid stations"},
		{name: "nearest without lat", target: "/api/stations/nearest?lng=21.2", status: http.StatusBadRequest, contains: "invalid lat"},
		{name: "nearest out of range", target: "/api/stations/nearest?lat=45.7&lng=200", status: http.StatusBadRequest, contains: "invalid lng"},
		{name: "nearest NaN", target: "/api/stations/nearest?lat=NaN&lng=21.2", status: http.StatusBadRequest, contains: "invalid lat"},
		{name: "nearest bad limit", target: "/api/stations/nearest?lat=45.7&lng=21.2&limit=-1", status: http.StatusBadRequest, contains: "invalid limit"},
		{name: "badge bad direction", target: "/api/lines/1106/badge.svg?direction=2", status: http.StatusBadRequest, contains: "invalid direction"},
		{name: "badge unknown line", target: "/api/lines/77/badge.svg", status: http.StatusNotFound, contains: "unknown line"},
		{name: "gtfs bad format", target: "/api/lines/1106/gtfs-rt?format=xml", status: http.StatusBadRequest, contains: "invalid format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, &fakeBackend{}, http.MethodGet, tt.target)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Contains(t, rec.Body.String(), tt.contains)
		})
	}
}

func TestServer_RoutesInLineOrder(t *testing.T) {
	rec := serve(t, &fakeBackend{}, http.MethodGet, "/api/routes")
	require.Equal(t, http.StatusOK, rec.Code)

	var pairs []types.RoutePair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pairs))
	require.Len(t, pairs, 2)
	assert.Equal(t, 1106, pairs[0][0].LineID)
	assert.Equal(t, 1108, pairs[1][0].LineID)
}

func TestServer_Nearest(t *testing.T) {
	backend := &fakeBackend{}
	rec := serve(t, backend, http.MethodGet, "/api/stations/nearest?lat=45.757&lng=21.226")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 45.757, backend.nearestLat)
	assert.Equal(t, 21.226, backend.nearestLng)
	assert.Equal(t, defaultNearestLimit, backend.nearestLimit)
	assert.Contains(t, rec.Body.String(), `"distance_m":12.5`)
}

func TestServer_StationIDsForwarded(t *testing.T) {
	backend := &fakeBackend{}
	rec := serve(t, backend, http.MethodGet, "/api/lines/1106/times?stations=2770,%202771")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int{2770, 2771}, backend.stationIDs)
}

func TestServer_UpstreamFailure(t *testing.T) {
	backend := &fakeBackend{err: errors.New("connection refused")}

	for _, target := range []string{"/api/stations", "/api/routes", "/api/lines/1106/arrivals"} {
		rec := serve(t, backend, http.MethodGet, target)
		assert.Equal(t, http.StatusBadGateway, rec.Code, target)
		assert.NotContains(t, rec.Body.String(), "connection refused", target)
	}
}

func TestServer_GTFSRealtime(t *testing.T) {
	rec := serve(t, &fakeBackend{}, http.MethodGet, "/api/lines/1106/gtfs-rt")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, gtfsrt.ContentTypeProtobuf, rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Body.Bytes())

	rec = serve(t, &fakeBackend{}, http.MethodGet, "/api/lines/1106/gtfs-rt?format=text")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, gtfsrt.ContentTypeText, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "2770")
}

func TestServer_Badge(t *testing.T) {
	rec := serve(t, &fakeBackend{}, http.MethodGet, "/api/lines/1106/badge.svg?direction=1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, badge.ContentType, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "Piata Unirii")
}

func TestServer_RequestID(t *testing.T) {
	rec := serve(t, &fakeBackend{}, http.MethodGet, "/healthz")
	assert.Len(t, rec.Header().Get(requestIDHeader), 36)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	NewServer(&fakeBackend{}).Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))
}

func TestServer_CORSPreflight(t *testing.T) {
	rec := serve(t, &fakeBackend{}, http.MethodOptions, "/api/stations")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_Metrics(t *testing.T) {
	serve(t, &fakeBackend{}, http.MethodGet, "/api/lines")

	rec := serve(t, &fakeBackend{}, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "rattlive_http_request_duration_seconds")
	assert.True(t, strings.Contains(body, `route="/api/lines"`))
}

func TestParseIDList(t *testing.T) {
	ids, err := parseIDList("1, 2,3")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, ids)

	for _, raw := range []string{"", " ", "1,,2", "-4", "a"} {
		_, err := parseIDList(raw)
		assert.Error(t, err, raw)
	}
}
