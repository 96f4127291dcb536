package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"rattlive/pkg/cache"
	rotel "rattlive/pkg/otel"
	"rattlive/pkg/parser"
	"rattlive/pkg/ratt"
	"rattlive/pkg/reconcile"
	"rattlive/pkg/reference"
	"rattlive/pkg/types"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"rattlive/pkg/gtfsrt"
)

// ErrUnknownLine is returned for line ids that are neither curated nor
// listed on any status page.
var ErrUnknownLine = errors.New("unknown line")

// Cache keys. Per-line keys append ":<line id>".
const (
	keyStations   = "stations"
	keyLines      = "lines"
	keyReconciler = "reconciler"
	keyLineIDs    = "line-ids"
	keyRoutes     = "routes"
	keyArrivals   = "arrivals"
	keyTimes      = "times"
	keyVelo       = "velo"
)

// Upstream is the transit operator as seen by the service.
type Upstream interface {
	FetchLineIDs(ctx context.Context) ([]ratt.LineRef, error)
	FetchRoutePage(ctx context.Context, lineID int) ([]parser.RouteRun, error)
	FetchRouteTables(ctx context.Context, lineIDs []int) map[int][]parser.RouteRun
	FetchStationArrivals(ctx context.Context, now time.Time, lineID int, stationIDs []int) []types.Arrival
}

// BikeFeed is the bike-share status source.
type BikeFeed interface {
	FetchStations(ctx context.Context) ([]types.BikeStation, error)
}

// ReportSink receives the diagnostics of every route reconciliation.
type ReportSink interface {
	PushReport(ctx context.Context, report *reconcile.Report, at time.Time) error
}

type Config struct {
	StationsCSV   string
	RetainUnknown bool
	Location      *time.Location

	ReferenceTTL time.Duration
	ArrivalsTTL  time.Duration
	BikeTTL      time.Duration

	// Interval between background route refreshes; zero disables them.
	Interval time.Duration
	// MaxElapsed bounds the retries of the initial warm-up.
	MaxElapsed time.Duration
}

// Service serves stations, lines, routes and arrivals, each memoised in
// the result cache under its own key and TTL.
type Service struct {
	config   Config
	upstream Upstream
	bikes    BikeFeed
	cache    *cache.Cache
	sink     ReportSink
	now      func() time.Time
	tracer   trace.Tracer

	lastReport atomic.Pointer[reconcile.Report]
}

// Option configures a Service.
type Option func(*Service)

// WithReportSink ships reconciliation diagnostics to sink.
func WithReportSink(sink ReportSink) Option {
	return func(s *Service) {
		s.sink = sink
	}
}

// WithClock replaces time.Now as the source of reference time.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func New(config Config, upstream Upstream, bikes BikeFeed, c *cache.Cache, opts ...Option) (*Service, error) {
	if config.StationsCSV == "" {
		return nil, fmt.Errorf("stations csv path is required")
	}
	if upstream == nil {
		return nil, fmt.Errorf("upstream client is required")
	}
	if c == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if config.Location == nil {
		config.Location = time.Local
	}
	if config.ReferenceTTL <= 0 {
		config.ReferenceTTL = 24 * time.Hour
	}
	if config.ArrivalsTTL <= 0 {
		config.ArrivalsTTL = 30 * time.Second
	}
	if config.BikeTTL <= 0 {
		config.BikeTTL = time.Minute
	}

	s := &Service{
		config:   config,
		upstream: upstream,
		bikes:    bikes,
		cache:    c,
		now:      time.Now,
		tracer:   otel.Tracer("service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// referenceTime is the current minute in the transit system's timezone.
func (s *Service) referenceTime() time.Time {
	return parser.ReferenceTime(s.now(), s.config.Location)
}

// Stations returns the curated stations.
func (s *Service) Stations(ctx context.Context) ([]types.Station, error) {
	return cache.Fetch(ctx, s.cache, keyStations, s.config.ReferenceTTL, func(context.Context) ([]types.Station, error) {
		return reference.LoadStationsFile(s.config.StationsCSV)
	})
}

// Lines returns the curated lines.
func (s *Service) Lines(ctx context.Context) ([]types.Line, error) {
	return cache.Fetch(ctx, s.cache, keyLines, s.config.ReferenceTTL, func(context.Context) ([]types.Line, error) {
		return reference.DeriveLinesFile(s.config.StationsCSV)
	})
}

func (s *Service) reconciler(ctx context.Context) (*reconcile.Reconciler, error) {
	return cache.Fetch(ctx, s.cache, keyReconciler, s.config.ReferenceTTL, func(ctx context.Context) (*reconcile.Reconciler, error) {
		stations, err := s.Stations(ctx)
		if err != nil {
			return nil, err
		}
		lines, err := s.Lines(ctx)
		if err != nil {
			return nil, err
		}
		return reconcile.New(
			reference.IndexStations(stations),
			reference.IndexLines(lines),
			reconcile.WithRetainUnknown(s.config.RetainUnknown),
		), nil
	})
}

// LineIDs returns the lines currently listed on the status pages.
func (s *Service) LineIDs(ctx context.Context) ([]ratt.LineRef, error) {
	return cache.Fetch(ctx, s.cache, keyLineIDs, s.config.ReferenceTTL, s.upstream.FetchLineIDs)
}

// Routes returns the reconciled route pair of every line with two valid
// directions.
func (s *Service) Routes(ctx context.Context) (map[int]types.RoutePair, error) {
	return cache.Fetch(ctx, s.cache, keyRoutes, s.config.ReferenceTTL, s.computeRoutes)
}

func (s *Service) computeRoutes(ctx context.Context) (map[int]types.RoutePair, error) {
	ctx, span := s.tracer.Start(ctx, "service.compute_routes")
	defer span.End()

	r, err := s.reconciler(ctx)
	if err != nil {
		rotel.RecordError(span, err, rotel.ErrorTypeParse, false)
		return nil, err
	}
	refs, err := s.LineIDs(ctx)
	if err != nil {
		rotel.RecordError(span, err, rotel.ErrorTypeNetwork, true)
		return nil, err
	}

	ids := make([]int, len(refs))
	for i, ref := range refs {
		ids[i] = ref.ID
	}
	tables := s.upstream.FetchRouteTables(ctx, ids)

	routes, report := r.Routes(ctx, tables)
	s.lastReport.Store(report)
	if s.sink != nil {
		if err := s.sink.PushReport(ctx, report, s.now()); err != nil {
			slog.Warn("Failed to ship reconciliation report", "error", err)
		}
	}

	span.SetAttributes(
		attribute.Int("lines.discovered", len(ids)),
		attribute.Int("lines.scanned", len(tables)),
		attribute.Int("lines.reconciled", len(routes)),
	)

	if len(routes) == 0 && len(ids) > 0 {
		err := fmt.Errorf("none of %d discovered lines reconciled", len(ids))
		rotel.RecordError(span, err, rotel.ErrorTypeIdentity, true)
		return nil, err
	}

	slog.Info("Routes reconciled",
		"discovered", len(ids),
		"scanned", len(tables),
		"reconciled", len(routes),
		"dropped", len(report.DroppedLines),
		"unknown_stations", len(report.UnknownStations),
	)
	rotel.SetSpanOk(span)
	return routes, nil
}

// LastReport returns the diagnostics of the most recent route
// reconciliation, or nil before the first one.
func (s *Service) LastReport() *reconcile.Report {
	return s.lastReport.Load()
}

// knownLine reports whether lineID is curated or listed upstream.
func (s *Service) knownLine(ctx context.Context, r *reconcile.Reconciler, lineID int) bool {
	if _, ok := r.Line(lineID); ok {
		return true
	}
	refs, err := s.LineIDs(ctx)
	if err != nil {
		return false
	}
	for _, ref := range refs {
		if ref.ID == lineID {
			return true
		}
	}
	return false
}

// Line returns the curated line for lineID, or a synthesized one for lines
// only listed upstream.
func (s *Service) Line(ctx context.Context, lineID int) (types.Line, error) {
	r, err := s.reconciler(ctx)
	if err != nil {
		return types.Line{}, err
	}
	if !s.knownLine(ctx, r, lineID) {
		return types.Line{}, fmt.Errorf("line %d: %w", lineID, ErrUnknownLine)
	}
	line, _ := r.Line(lineID)
	return line, nil
}

// LineArrivals scrapes the detail page of one line into arrivals.
func (s *Service) LineArrivals(ctx context.Context, lineID int) (types.ArrivalSnapshot, error) {
	r, err := s.reconciler(ctx)
	if err != nil {
		return types.ArrivalSnapshot{}, err
	}
	if !s.knownLine(ctx, r, lineID) {
		return types.ArrivalSnapshot{}, fmt.Errorf("line %d: %w", lineID, ErrUnknownLine)
	}

	key := fmt.Sprintf("%s:%d", keyArrivals, lineID)
	return cache.Fetch(ctx, s.cache, key, s.config.ArrivalsTTL, func(ctx context.Context) (types.ArrivalSnapshot, error) {
		runs, err := s.upstream.FetchRoutePage(ctx, lineID)
		if err != nil {
			return types.ArrivalSnapshot{}, err
		}
		now := s.referenceTime()
		arrivals, _ := r.Arrivals(ctx, now, lineID, runs)
		return newSnapshot(lineID, now, arrivals), nil
	})
}

// StationArrivals asks the timed-schedule endpoint for the next arrival of
// lineID at every station in stationIDs, in that order.
func (s *Service) StationArrivals(ctx context.Context, lineID int, stationIDs []int) (types.ArrivalSnapshot, error) {
	r, err := s.reconciler(ctx)
	if err != nil {
		return types.ArrivalSnapshot{}, err
	}

	key := fmt.Sprintf("%s:%d:%s", keyTimes, lineID, joinInts(stationIDs))
	return cache.Fetch(ctx, s.cache, key, s.config.ArrivalsTTL, func(ctx context.Context) (types.ArrivalSnapshot, error) {
		now := s.referenceTime()
		arrivals := s.upstream.FetchStationArrivals(ctx, now, lineID, stationIDs)
		for i := range arrivals {
			if st, ok := r.StationByID(arrivals[i].StationID); ok {
				arrivals[i].StationName = st.FriendlyName
			}
		}
		return newSnapshot(lineID, now, arrivals), nil
	})
}

// GTFSRealtime exports the live arrivals of one line as a GTFS-RT feed.
func (s *Service) GTFSRealtime(ctx context.Context, lineID int) (*gtfs.FeedMessage, error) {
	snapshot, err := s.LineArrivals(ctx, lineID)
	if err != nil {
		return nil, err
	}
	return gtfsrt.FromSnapshot(snapshot), nil
}

// NearestStations returns up to limit curated stations closest to a point.
func (s *Service) NearestStations(ctx context.Context, lat, lng float64, limit int) ([]reference.NearbyStation, error) {
	stations, err := s.Stations(ctx)
	if err != nil {
		return nil, err
	}
	return reference.Nearest(stations, lat, lng, limit), nil
}

// BikeStations returns the bike-share docks.
func (s *Service) BikeStations(ctx context.Context) ([]types.BikeStation, error) {
	if s.bikes == nil {
		return nil, fmt.Errorf("bike feed is not configured")
	}
	return cache.Fetch(ctx, s.cache, keyVelo, s.config.BikeTTL, s.bikes.FetchStations)
}

func newSnapshot(lineID int, now time.Time, arrivals []types.Arrival) types.ArrivalSnapshot {
	if arrivals == nil {
		arrivals = []types.Arrival{}
	}
	return types.ArrivalSnapshot{
		SnapshotID: uuid.NewString(),
		LineID:     lineID,
		FetchedAt:  now,
		Arrivals:   arrivals,
	}
}

func joinInts(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

// SortedLineIDs returns the keys of routes in ascending order.
func SortedLineIDs(routes map[int]types.RoutePair) []int {
	ids := make([]int, 0, len(routes))
	for id := range routes {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
