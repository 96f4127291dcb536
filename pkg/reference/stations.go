package reference

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"rattlive/pkg/types"
)

// Column positions of the curated stations CSV. The file has no header.
const (
	colLineID = iota
	colLineName
	colStationID
	colRawStationName
	colFriendlyStationName
	colShortStationName
	colJunctionName
	colLat
	colLong
	colInvalid
	colVerified
	colVerificationDate
	colGoogleMapsID
	colInfoComments

	columnCount
)

// row is one CSV record with its columns padded to columnCount.
type row []string

func (r row) invalid() bool {
	return r[colInvalid] == "TRUE"
}

// readRows yields every record with at least columnCount fields. Short
// records are logged and skipped.
func readRows(r io.Reader, fn func(row) error) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = true

	line := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		line++
		if err != nil {
			return fmt.Errorf("failed to read stations csv at record %d: %w", line, err)
		}
		if len(record) < columnCount {
			slog.Debug("Skipping short stations record", "record", line, "fields", len(record))
			continue
		}
		if err := fn(row(record)); err != nil {
			return err
		}
	}
}

// LoadStations reads the curated stations CSV. Invalid rows and rows
// without a numeric station id are skipped; stations are unique by raw
// name, first occurrence wins, in first-seen order.
func LoadStations(r io.Reader) ([]types.Station, error) {
	var stations []types.Station
	seen := make(map[string]bool)

	err := readRows(r, func(rec row) error {
		if rec.invalid() {
			return nil
		}
		id, err := strconv.Atoi(strings.TrimSpace(rec[colStationID]))
		if err != nil {
			return nil
		}
		raw := rec[colRawStationName]
		if seen[raw] {
			return nil
		}
		seen[raw] = true

		stations = append(stations, types.Station{
			ID:           id,
			RawName:      raw,
			FriendlyName: rec[colShortStationName],
			JunctionName: rec[colJunctionName],
			Lat:          parseCoordinate(rec[colLat]),
			Lng:          parseCoordinate(rec[colLong]),
			MapRef:       rec[colGoogleMapsID],
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return stations, nil
}

// LoadStationsFile opens path and loads it with LoadStations.
func LoadStationsFile(path string) ([]types.Station, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open stations csv: %w", err)
	}
	defer f.Close()

	return LoadStations(f)
}

func parseCoordinate(s string) *float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil
	}
	return &v
}

// StationKey is the identity of a station: its raw upstream name.
func StationKey(s types.Station) string {
	return s.RawName
}

// IndexStations maps stations by StationKey. Later duplicates do not
// replace earlier ones.
func IndexStations(stations []types.Station) map[string]types.Station {
	index := make(map[string]types.Station, len(stations))
	for _, s := range stations {
		key := StationKey(s)
		if _, ok := index[key]; !ok {
			index[key] = s
		}
	}
	return index
}
