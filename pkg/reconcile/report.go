package reconcile

import (
	"context"
	"log/slog"

	"rattlive/pkg/metrics"
)

// UnknownStation is a scraped station name with no curated counterpart.
type UnknownStation struct {
	LineID  int    `json:"line_id"`
	RawName string `json:"raw_name"`
}

// Report collects the identity diagnostics of one reconciliation.
type Report struct {
	UnknownStations    []UnknownStation `json:"unknown_stations,omitempty"`
	UnknownLines       []int            `json:"unknown_lines,omitempty"`
	MissingCoordinates []string         `json:"missing_coordinates,omitempty"`
	DroppedLines       []int            `json:"dropped_lines,omitempty"`

	seenStations map[UnknownStation]bool
	seenCoords   map[string]bool
}

func (r *Report) unknownStation(lineID int, rawName string) {
	key := UnknownStation{LineID: lineID, RawName: rawName}
	if r.seenStations == nil {
		r.seenStations = make(map[UnknownStation]bool)
	}
	if r.seenStations[key] {
		return
	}
	r.seenStations[key] = true
	r.UnknownStations = append(r.UnknownStations, key)
	slog.Warn("Unknown station", "line_id", lineID, "raw_name", rawName)
}

func (r *Report) unknownLine(lineID int) {
	r.UnknownLines = append(r.UnknownLines, lineID)
	slog.Warn("Unknown line", "line_id", lineID)
}

func (r *Report) missingCoordinates(rawName string) {
	if r.seenCoords == nil {
		r.seenCoords = make(map[string]bool)
	}
	if r.seenCoords[rawName] {
		return
	}
	r.seenCoords[rawName] = true
	r.MissingCoordinates = append(r.MissingCoordinates, rawName)
	slog.Debug("Station has no coordinates", "raw_name", rawName)
}

func (r *Report) record(ctx context.Context) {
	metrics.RecordReconcile(ctx, len(r.UnknownStations), len(r.UnknownLines), len(r.DroppedLines))
}

// Empty reports whether reconciliation found no identity gaps.
func (r *Report) Empty() bool {
	return len(r.UnknownStations) == 0 && len(r.UnknownLines) == 0 &&
		len(r.MissingCoordinates) == 0 && len(r.DroppedLines) == 0
}
