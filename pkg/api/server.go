package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"rattlive/pkg/badge"
	"rattlive/pkg/gtfsrt"
	"rattlive/pkg/metrics"
	"rattlive/pkg/reconcile"
	"rattlive/pkg/reference"
	"rattlive/pkg/service"
	"rattlive/pkg/types"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultNearestLimit = 5

// Backend is what the API serves from.
type Backend interface {
	Stations(ctx context.Context) ([]types.Station, error)
	NearestStations(ctx context.Context, lat, lng float64, limit int) ([]reference.NearbyStation, error)
	Lines(ctx context.Context) ([]types.Line, error)
	Line(ctx context.Context, lineID int) (types.Line, error)
	Routes(ctx context.Context) (map[int]types.RoutePair, error)
	LineArrivals(ctx context.Context, lineID int) (types.ArrivalSnapshot, error)
	StationArrivals(ctx context.Context, lineID int, stationIDs []int) (types.ArrivalSnapshot, error)
	GTFSRealtime(ctx context.Context, lineID int) (*gtfs.FeedMessage, error)
	BikeStations(ctx context.Context) ([]types.BikeStation, error)
	LastReport() *reconcile.Report
}

type errorResponse struct {
	Error string `json:"error"`
}

type Server struct {
	backend Backend
	router  *mux.Router
}

func NewServer(backend Backend) *Server {
	s := &Server{backend: backend, router: mux.NewRouter()}

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/stations", s.handleStations).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/stations/nearest", s.handleNearest).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/lines", s.handleLines).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/routes", s.handleRoutes).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/report", s.handleReport).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/lines/{id}/arrivals", s.handleLineArrivals).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/lines/{id}/times", s.handleStationArrivals).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/lines/{id}/gtfs-rt", s.handleGTFSRealtime).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/lines/{id}/badge.svg", s.handleBadge).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/velo/stations", s.handleBikeStations).Methods(http.MethodGet, http.MethodOptions)
	api.Use(corsMiddleware)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.router.Use(requestIDMiddleware, observeMiddleware)
	return s
}

// Handler returns the router wrapped with server-side tracing.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "api")
}

// HTTPServer returns an http.Server for addr with the timeouts used in
// production.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (s *Server) handleStations(w http.ResponseWriter, r *http.Request) {
	stations, err := s.backend.Stations(r.Context())
	if err != nil {
		writeBackendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stations)
}

func (s *Server) handleNearest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err := parseCoordinate(q.Get("lat"), 90)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid lat parameter")
		return
	}
	lng, err := parseCoordinate(q.Get("lng"), 180)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid lng parameter")
		return
	}
	limit := defaultNearestLimit
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
	}

	nearby, err := s.backend.NearestStations(r.Context(), lat, lng, limit)
	if err != nil {
		writeBackendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nearby)
}

func (s *Server) handleLines(w http.ResponseWriter, r *http.Request) {
	lines, err := s.backend.Lines(r.Context())
	if err != nil {
		writeBackendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := s.backend.Routes(r.Context())
	if err != nil {
		writeBackendError(w, r, err)
		return
	}
	// Arrays keep the output in line order.
	out := make([]types.RoutePair, 0, len(routes))
	for _, id := range service.SortedLineIDs(routes) {
		out = append(out, routes[id])
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report := s.backend.LastReport()
	if report == nil {
		report = &reconcile.Report{}
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleLineArrivals(w http.ResponseWriter, r *http.Request) {
	lineID, ok := lineIDParam(w, r)
	if !ok {
		return
	}
	snapshot, err := s.backend.LineArrivals(r.Context(), lineID)
	if err != nil {
		writeBackendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleStationArrivals(w http.ResponseWriter, r *http.Request) {
	lineID, ok := lineIDParam(w, r)
	if !ok {
		return
	}
	stationIDs, err := parseIDList(r.URL.Query().Get("stations"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid stations parameter")
		return
	}
	snapshot, err := s.backend.StationArrivals(r.Context(), lineID, stationIDs)
	if err != nil {
		writeBackendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleGTFSRealtime(w http.ResponseWriter, r *http.Request) {
	lineID, ok := lineIDParam(w, r)
	if !ok {
		return
	}
	humanReadable := false
	switch r.URL.Query().Get("format") {
	case "", "pb", "protobuf":
	case "text":
		humanReadable = true
	default:
		writeError(w, http.StatusBadRequest, "invalid format parameter")
		return
	}

	feed, err := s.backend.GTFSRealtime(r.Context(), lineID)
	if err != nil {
		writeBackendError(w, r, err)
		return
	}
	body, contentType, err := gtfsrt.Marshal(feed, humanReadable)
	if err != nil {
		slog.Error("Failed to encode GTFS-RT feed", "line_id", lineID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to encode feed")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleBadge(w http.ResponseWriter, r *http.Request) {
	lineID, ok := lineIDParam(w, r)
	if !ok {
		return
	}
	direction := 0
	switch r.URL.Query().Get("direction") {
	case "", "0":
	case "1":
		direction = 1
	default:
		writeError(w, http.StatusBadRequest, "invalid direction parameter")
		return
	}

	line, err := s.backend.Line(r.Context(), lineID)
	if err != nil {
		writeBackendError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", badge.ContentType)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(badge.SVG(line, direction))
}

func (s *Server) handleBikeStations(w http.ResponseWriter, r *http.Request) {
	stations, err := s.backend.BikeStations(r.Context())
	if err != nil {
		writeBackendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stations)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if last := metrics.LastRefresh(); !last.IsZero() {
		resp["last_refresh"] = last.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func lineIDParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid line id")
		return 0, false
	}
	return id, true
}

func parseCoordinate(raw string, bound float64) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}
	// Also rejects NaN.
	if !(v >= -bound && v <= bound) {
		return 0, errors.New("coordinate out of range")
	}
	return v, nil
}

// parseIDList parses a non-empty comma-separated list of positive ids.
func parseIDList(raw string) ([]int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("empty list")
	}
	parts := strings.Split(raw, ",")
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || id <= 0 {
			return nil, errors.New("invalid id " + p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeBackendError maps a backend failure to a response. Anything but an
// unknown line is an upstream problem.
func writeBackendError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, service.ErrUnknownLine) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	slog.Warn("Backend request failed",
		"path", r.URL.Path,
		"request_id", r.Header.Get(requestIDHeader),
		"error", err,
	)
	writeError(w, http.StatusBadGateway, "upstream unavailable")
}
