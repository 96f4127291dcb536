package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rattlive/pkg/cache"
	"rattlive/pkg/parser"
	"rattlive/pkg/ratt"
	"rattlive/pkg/reconcile"
	"rattlive/pkg/types"
)

const stationsCSV = "../reference/testdata/stations.csv"

var fixedNow = time.Date(2024, 3, 5, 10, 15, 42, 0, time.UTC)

func run(stops ...string) parser.RouteRun {
	var r parser.RouteRun
	for i := 0; i+1 < len(stops); i += 2 {
		r = append(r, parser.RawStop{Name: stops[i], Arrival: stops[i+1]})
	}
	return r
}

type fakeUpstream struct {
	lineIDsErr  error
	lineIDCalls atomic.Int32
	tableCalls  atomic.Int32
	pageCalls   atomic.Int32
	delay       time.Duration
}

func (f *fakeUpstream) FetchLineIDs(ctx context.Context) ([]ratt.LineRef, error) {
	f.lineIDCalls.Add(1)
	if f.lineIDsErr != nil {
		return nil, f.lineIDsErr
	}
	return []ratt.LineRef{
		{ID: 1106, Type: types.LineTypeTram},
		{ID: 1108, Type: types.LineTypeBus},
		{ID: 1200, Type: types.LineTypeBus},
	}, nil
}

func (f *fakeUpstream) tables() map[int][]parser.RouteRun {
	return map[int][]parser.RouteRun{
		1106: {
			run("Pta Unirii", "3 min.", "Catedrala", "5 min.", "Gara de Nord", "12:00"),
			run("Gara de Nord", ">>", "Catedrala", "N/A", "Pta Unirii", "1 min."),
		},
		1108: {
			run("Aeroport", "2 min."),
			run("Centru", "4 min."),
		},
		// Only one direction: dropped.
		1200: {
			run("Aeroport", "2 min."),
		},
	}
}

func (f *fakeUpstream) FetchRoutePage(ctx context.Context, lineID int) ([]parser.RouteRun, error) {
	f.pageCalls.Add(1)
	return f.tables()[lineID], nil
}

func (f *fakeUpstream) FetchRouteTables(ctx context.Context, lineIDs []int) map[int][]parser.RouteRun {
	f.tableCalls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	all := f.tables()
	out := make(map[int][]parser.RouteRun)
	for _, id := range lineIDs {
		if runs, ok := all[id]; ok {
			out[id] = runs
		}
	}
	return out
}

func (f *fakeUpstream) FetchStationArrivals(ctx context.Context, now time.Time, lineID int, stationIDs []int) []types.Arrival {
	out := make([]types.Arrival, len(stationIDs))
	for i, id := range stationIDs {
		out[i] = types.Arrival{LineID: lineID, StationID: id, Text: "7 min", MinutesLeft: 7, IsRealTime: true}
	}
	return out
}

type fakeBikes struct {
	calls atomic.Int32
}

func (f *fakeBikes) FetchStations(ctx context.Context) ([]types.BikeStation, error) {
	f.calls.Add(1)
	return []types.BikeStation{{ID: 1, Name: "Piata Victoriei", Lat: 45.75, Lng: 21.22, TotalSpots: 10, EmptySpots: 4, IsOnline: true}}, nil
}

func newService(t *testing.T, upstream *fakeUpstream, config Config) (*Service, *fakeBikes) {
	t.Helper()
	if config.StationsCSV == "" {
		config.StationsCSV = stationsCSV
	}
	config.Location = time.UTC
	bikes := &fakeBikes{}
	s, err := New(config, upstream, bikes, cache.New(cache.DefaultSize), WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return s, bikes
}

func TestNew_Validation(t *testing.T) {
	c := cache.New(cache.DefaultSize)

	_, err := New(Config{}, &fakeUpstream{}, nil, c)
	assert.Error(t, err)

	_, err = New(Config{StationsCSV: stationsCSV}, nil, nil, c)
	assert.Error(t, err)

	_, err = New(Config{StationsCSV: stationsCSV}, &fakeUpstream{}, nil, nil)
	assert.Error(t, err)

	s, err := New(Config{StationsCSV: stationsCSV}, &fakeUpstream{}, nil, c)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, s.config.ReferenceTTL)
	assert.Equal(t, 30*time.Second, s.config.ArrivalsTTL)
	assert.Equal(t, time.Minute, s.config.BikeTTL)
}

func TestRoutes_ReconcilesAndDropsHalfLines(t *testing.T) {
	s, _ := newService(t, &fakeUpstream{}, Config{})

	routes, err := s.Routes(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{1106, 1108}, SortedLineIDs(routes))

	tram := routes[1106]
	require.Len(t, tram[0].Stations, 3)
	assert.Equal(t, 2770, tram[0].Stations[0].ID)
	assert.Equal(t, 0, tram[0].Index)
	assert.Equal(t, 1, tram[1].Index)

	report := s.LastReport()
	require.NotNil(t, report)
	assert.Contains(t, report.DroppedLines, 1200)
}

func TestRoutes_ComputedOnceForConcurrentCallers(t *testing.T) {
	upstream := &fakeUpstream{delay: 50 * time.Millisecond}
	s, _ := newService(t, upstream, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Routes(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	_, err := s.Routes(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(1), upstream.tableCalls.Load())
	assert.Equal(t, int32(1), upstream.lineIDCalls.Load())
}

func TestRoutes_UpstreamDown(t *testing.T) {
	s, _ := newService(t, &fakeUpstream{lineIDsErr: errors.New("connection refused")}, Config{})

	_, err := s.Routes(context.Background())
	assert.ErrorContains(t, err, "connection refused")
}

func TestLineArrivals(t *testing.T) {
	upstream := &fakeUpstream{}
	s, _ := newService(t, upstream, Config{})

	snapshot, err := s.LineArrivals(context.Background(), 1106)
	require.NoError(t, err)

	assert.NotEmpty(t, snapshot.SnapshotID)
	assert.Equal(t, 1106, snapshot.LineID)
	assert.Equal(t, time.Date(2024, 3, 5, 10, 15, 0, 0, time.UTC), snapshot.FetchedAt)
	require.Len(t, snapshot.Arrivals, 6)

	first := snapshot.Arrivals[0]
	assert.Equal(t, 2770, first.StationID)
	assert.Equal(t, "Piata Unirii", first.StationName)
	assert.Equal(t, 3, first.MinutesLeft)
	assert.True(t, first.IsRealTime)

	scheduled := snapshot.Arrivals[2]
	assert.Equal(t, 105, scheduled.MinutesLeft)
	assert.False(t, scheduled.IsRealTime)

	again, err := s.LineArrivals(context.Background(), 1106)
	require.NoError(t, err)
	assert.Equal(t, snapshot.SnapshotID, again.SnapshotID)
	assert.Equal(t, int32(1), upstream.pageCalls.Load())
}

func TestLineArrivals_DiscoveredLine(t *testing.T) {
	s, _ := newService(t, &fakeUpstream{}, Config{})

	// 1200 is not curated but is listed upstream.
	snapshot, err := s.LineArrivals(context.Background(), 1200)
	require.NoError(t, err)
	assert.Equal(t, 1200, snapshot.LineID)
}

func TestLineArrivals_UnknownLine(t *testing.T) {
	upstream := &fakeUpstream{}
	s, _ := newService(t, upstream, Config{})

	_, err := s.LineArrivals(context.Background(), 9999)
	assert.ErrorIs(t, err, ErrUnknownLine)
	assert.Equal(t, int32(0), upstream.pageCalls.Load())
}

func TestLine(t *testing.T) {
	s, _ := newService(t, &fakeUpstream{}, Config{})

	curated, err := s.Line(context.Background(), 1106)
	require.NoError(t, err)
	assert.Equal(t, "Tv1", curated.Name)

	discovered, err := s.Line(context.Background(), 1200)
	require.NoError(t, err)
	assert.Equal(t, "Linia 1200", discovered.Name)

	_, err = s.Line(context.Background(), 9999)
	assert.ErrorIs(t, err, ErrUnknownLine)
}

func TestStationArrivals(t *testing.T) {
	s, _ := newService(t, &fakeUpstream{}, Config{})

	snapshot, err := s.StationArrivals(context.Background(), 1106, []int{2771, 2770, 9})
	require.NoError(t, err)
	require.Len(t, snapshot.Arrivals, 3)

	assert.Equal(t, "Catedrala", snapshot.Arrivals[0].StationName)
	assert.Equal(t, "Piata Unirii", snapshot.Arrivals[1].StationName)
	assert.Empty(t, snapshot.Arrivals[2].StationName)
}

func TestGTFSRealtime(t *testing.T) {
	s, _ := newService(t, &fakeUpstream{}, Config{})

	feed, err := s.GTFSRealtime(context.Background(), 1106)
	require.NoError(t, err)
	require.Len(t, feed.GetEntity(), 2)
	assert.Equal(t, "1106", feed.GetEntity()[0].GetTripUpdate().GetTrip().GetRouteId())
}

func TestNearestStations(t *testing.T) {
	s, _ := newService(t, &fakeUpstream{}, Config{})

	nearby, err := s.NearestStations(context.Background(), 45.757, 21.226, 1)
	require.NoError(t, err)
	require.Len(t, nearby, 1)
	assert.Equal(t, 2770, nearby[0].ID)
	assert.InDelta(t, 0, nearby[0].DistanceMeters, 0.001)
}

func TestBikeStations(t *testing.T) {
	s, bikes := newService(t, &fakeUpstream{}, Config{})

	for i := 0; i < 3; i++ {
		docks, err := s.BikeStations(context.Background())
		require.NoError(t, err)
		require.Len(t, docks, 1)
	}
	assert.Equal(t, int32(1), bikes.calls.Load())
}

func TestBikeStations_NotConfigured(t *testing.T) {
	s, err := New(Config{StationsCSV: stationsCSV}, &fakeUpstream{}, nil, cache.New(cache.DefaultSize))
	require.NoError(t, err)

	_, err = s.BikeStations(context.Background())
	assert.Error(t, err)
}

func TestDryRun(t *testing.T) {
	s, _ := newService(t, &fakeUpstream{}, Config{})

	var buf bytes.Buffer
	require.NoError(t, s.DryRun(context.Background(), &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], `"line_id":1106`)
	assert.Contains(t, lines[0], `"route_index":0`)
	assert.Contains(t, lines[3], `"line_id":1108`)
	assert.True(t, strings.HasPrefix(lines[4], "# lines: 2, dropped: 1"))
}

func TestRun_StopsOnCancel(t *testing.T) {
	upstream := &fakeUpstream{}
	s, bikes := newService(t, upstream, Config{Interval: 10 * time.Millisecond, MaxElapsed: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return upstream.tableCalls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	assert.Equal(t, int32(1), bikes.calls.Load())
}

func TestRun_WarmUpGivesUp(t *testing.T) {
	s, _ := newService(t, &fakeUpstream{lineIDsErr: errors.New("connection refused")}, Config{MaxElapsed: 50 * time.Millisecond})

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "warm-up gave up")
}

type recordingSink struct {
	mu      sync.Mutex
	reports []*reconcile.Report
	at      []time.Time
}

func (r *recordingSink) PushReport(ctx context.Context, report *reconcile.Report, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	r.at = append(r.at, at)
	return errors.New("loki unavailable")
}

func TestRoutes_ShipsReport(t *testing.T) {
	sink := &recordingSink{}
	s, err := New(Config{StationsCSV: stationsCSV, Location: time.UTC}, &fakeUpstream{}, nil,
		cache.New(cache.DefaultSize), WithReportSink(sink), WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)

	// A failing sink does not fail the computation.
	_, err = s.Routes(context.Background())
	require.NoError(t, err)

	require.Len(t, sink.reports, 1)
	assert.Same(t, s.LastReport(), sink.reports[0])
	assert.Equal(t, fixedNow, sink.at[0])
}
