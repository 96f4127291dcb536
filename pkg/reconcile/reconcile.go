package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"rattlive/pkg/metrics"
	rotel "rattlive/pkg/otel"
	"rattlive/pkg/parser"
	"rattlive/pkg/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Reconciler matches scraped station names and line ids against the
// curated reference data. Its maps are never written after New, so one
// Reconciler may serve any number of concurrent calls.
type Reconciler struct {
	stations      map[string]types.Station
	stationsByID  map[int]types.Station
	lines         map[int]types.Line
	retainUnknown bool
	tracer        trace.Tracer
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithRetainUnknown keeps scraped stations that have no curated
// counterpart as placeholders keyed by their raw name, instead of dropping
// them. Placeholders never carry coordinates and never make a route valid
// on their own.
func WithRetainUnknown(retain bool) Option {
	return func(r *Reconciler) {
		r.retainUnknown = retain
	}
}

// New builds a Reconciler over stations keyed by raw name and lines keyed
// by id.
func New(stations map[string]types.Station, lines map[int]types.Line, opts ...Option) *Reconciler {
	r := &Reconciler{
		stations:     stations,
		stationsByID: make(map[int]types.Station, len(stations)),
		lines:        lines,
		tracer:       otel.Tracer("reconciler"),
	}
	for _, s := range stations {
		if _, ok := r.stationsByID[s.ID]; !ok {
			r.stationsByID[s.ID] = s
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Station looks up a curated station by its raw upstream name.
func (r *Reconciler) Station(rawName string) (types.Station, bool) {
	s, ok := r.stations[rawName]
	return s, ok
}

// StationByID looks up a curated station by its numeric id.
func (r *Reconciler) StationByID(id int) (types.Station, bool) {
	s, ok := r.stationsByID[id]
	return s, ok
}

// Line returns the curated line for id, or a synthesized one named
// "Linia <id>" when the id is unknown.
func (r *Reconciler) Line(id int) (types.Line, bool) {
	if l, ok := r.lines[id]; ok {
		return l, true
	}
	return types.Line{
		ID:           id,
		Name:         fmt.Sprintf("Linia %d", id),
		FriendlyName: fmt.Sprintf("%d", id),
		Type:         types.LineTypeBus,
	}, false
}

// LineName returns the display name of a line, curated or synthesized.
func (r *Reconciler) LineName(id int) string {
	l, _ := r.Line(id)
	return l.Name
}

// Routes builds the route pair of every scraped line. A line appears in the
// result only when both of its directions resolve at least one curated
// station; otherwise it is reported as dropped.
func (r *Reconciler) Routes(ctx context.Context, scraped map[int][]parser.RouteRun) (map[int]types.RoutePair, *Report) {
	ctx, span := r.tracer.Start(ctx, "reconcile.routes",
		trace.WithAttributes(attribute.Int("lines.scraped", len(scraped))),
	)
	defer span.End()

	report := &Report{}
	pairs := make(map[int]types.RoutePair, len(scraped))

	for _, lineID := range sortedKeys(scraped) {
		line, known := r.Line(lineID)
		if !known {
			report.unknownLine(lineID)
		}

		runs := directions(lineID, scraped[lineID])
		var pair types.RoutePair
		complete := len(runs) == 2
		for i, run := range runs {
			route, ok := r.route(line, i, run, report)
			if !ok {
				complete = false
				break
			}
			pair[i] = route
		}

		if !complete {
			report.DroppedLines = append(report.DroppedLines, lineID)
			slog.Debug("Dropping line without two valid directions", "line_id", lineID, "runs", len(scraped[lineID]))
			continue
		}
		pairs[lineID] = pair
	}

	report.record(ctx)
	span.SetAttributes(
		attribute.Int("lines.reconciled", len(pairs)),
		attribute.Int("lines.dropped", len(report.DroppedLines)),
		attribute.Int("stations.unknown", len(report.UnknownStations)),
	)
	if len(report.UnknownStations) > 0 || len(report.UnknownLines) > 0 {
		span.AddEvent("unknown identities")
	}
	rotel.SetSpanOk(span)

	return pairs, report
}

// route resolves one scraped run into a Route. ok is false when no stop
// resolved to a curated station.
func (r *Reconciler) route(line types.Line, index int, run parser.RouteRun, report *Report) (types.Route, bool) {
	route := types.Route{Index: index, LineID: line.ID}
	resolved := 0

	for _, stop := range run {
		station, ok := r.stations[stop.Name]
		if !ok {
			report.unknownStation(line.ID, stop.Name)
			if r.retainUnknown {
				route.Stations = append(route.Stations, placeholder(stop.Name))
			}
			continue
		}
		if !station.HasCoordinates() {
			report.missingCoordinates(station.RawName)
		}
		route.Stations = append(route.Stations, station)
		resolved++
	}

	if resolved == 0 {
		return types.Route{}, false
	}

	route.Name = line.RouteNames[index]
	if route.Name == "" {
		route.Name = terminusName(route.Stations)
	}
	return route, true
}

// Arrivals resolves the stops of a scraped line page into arrivals, tagging
// each with its direction index. Unknown stations are dropped unless the
// reconciler retains them, in which case they carry UnknownStationID.
func (r *Reconciler) Arrivals(ctx context.Context, now time.Time, lineID int, runs []parser.RouteRun) ([]types.Arrival, *Report) {
	report := &Report{}
	if _, known := r.lines[lineID]; !known {
		report.unknownLine(lineID)
	}

	var arrivals []types.Arrival
	for direction, run := range directions(lineID, runs) {
		for _, stop := range run {
			parsed := parser.ParseArrival(now, stop.Arrival)
			metrics.RecordArrivalShape(ctx, string(parsed.Shape))
			if parsed.Shape == parser.ShapeUnknown {
				slog.Debug("Unrecognised arrival string", "line_id", lineID, "station", stop.Name, "raw", stop.Arrival)
			}

			arrival := types.Arrival{
				LineID:      lineID,
				StationID:   types.UnknownStationID,
				StationName: stop.Name,
				Direction:   direction,
				Text:        parsed.Text,
				MinutesLeft: parsed.MinutesLeft,
				IsRealTime:  parsed.IsRealTime,
			}

			if station, ok := r.stations[stop.Name]; ok {
				arrival.StationID = station.ID
				arrival.StationName = station.FriendlyName
			} else {
				report.unknownStation(lineID, stop.Name)
				if !r.retainUnknown {
					continue
				}
			}
			arrivals = append(arrivals, arrival)
		}
	}

	report.record(ctx)
	return arrivals, report
}

// directions returns the runs used as direction 0 and 1. Pages with more
// than two runs keep the first two.
func directions(lineID int, runs []parser.RouteRun) []parser.RouteRun {
	if len(runs) > 2 {
		slog.Warn("Line page has more than two route runs, using the first two", "line_id", lineID, "runs", len(runs))
		return runs[:2]
	}
	return runs
}

func placeholder(rawName string) types.Station {
	return types.Station{
		ID:           types.UnknownStationID,
		RawName:      rawName,
		FriendlyName: rawName,
	}
}

// terminusName names a route after its first and last stations.
func terminusName(stations []types.Station) string {
	first := stations[0].FriendlyName
	last := stations[len(stations)-1].FriendlyName
	if first == last {
		return first
	}
	return strings.Join([]string{first, last}, " - ")
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
