package types

import "time"

// LineType is the vehicle mode a line is operated with.
type LineType string

const (
	LineTypeTram    LineType = "tram"
	LineTypeTrolley LineType = "trolley"
	LineTypeBus     LineType = "bus"
)

// UnknownStationID marks an arrival whose scraped station name has no
// curated counterpart.
const UnknownStationID = -1

// UnknownMinutes is the minutes_left sentinel for arrival strings that
// match none of the recognised shapes.
const UnknownMinutes = -1

// Station is a stop from the curated reference data. Identity is RawName:
// two stations with the same raw name are the same station.
type Station struct {
	ID           int      `json:"station_id"`
	RawName      string   `json:"raw_name"`
	FriendlyName string   `json:"friendly_name"`
	JunctionName string   `json:"junction_name"`
	Lat          *float64 `json:"lat"`
	Lng          *float64 `json:"lng"`
	MapRef       string   `json:"poi_url,omitempty"`
}

// HasCoordinates reports whether both latitude and longitude are known.
func (s Station) HasCoordinates() bool {
	return s.Lat != nil && s.Lng != nil
}

// Line is a curated transit line, identified by its numeric id.
type Line struct {
	ID           int       `json:"line_id"`
	Name         string    `json:"line_name"`
	FriendlyName string    `json:"friendly_name"`
	Type         LineType  `json:"line_type"`
	RouteNames   [2]string `json:"route_names"`
}

// Route is one direction of travel of a line, stations in stop order.
type Route struct {
	Index    int       `json:"route_index"`
	Name     string    `json:"route_name"`
	LineID   int       `json:"line_id"`
	Stations []Station `json:"stations"`
}

// RoutePair holds both directions of a line. A RoutePair is only ever
// built with both directions populated.
type RoutePair [2]Route

// Arrival is a single arrival estimate for a line at a station.
type Arrival struct {
	LineID      int    `json:"line_id"`
	StationID   int    `json:"station_id"`
	StationName string `json:"station_name,omitempty"`
	Direction   int    `json:"direction"`
	Text        string `json:"arrival"`
	MinutesLeft int    `json:"minutes_left"`
	IsRealTime  bool   `json:"is_real_time"`
}

// Known reports whether the arrival carries a usable estimate.
func (a Arrival) Known() bool {
	return a.MinutesLeft != UnknownMinutes
}

// ArrivalSnapshot is one fetch of arrivals for a line.
type ArrivalSnapshot struct {
	SnapshotID string    `json:"snapshot_id"`
	LineID     int       `json:"line_id"`
	FetchedAt  time.Time `json:"fetched_at"`
	Arrivals   []Arrival `json:"arrivals"`
}

// BikeStation is a dock of the bike-share network.
type BikeStation struct {
	ID         int     `json:"station_id"`
	Name       string  `json:"station_name"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	TotalSpots int     `json:"total_spots"`
	EmptySpots int     `json:"empty_spots"`
	IsOnline   bool    `json:"is_online"`
}
