package reference

import (
	"math"
	"sort"

	"rattlive/pkg/types"
)

const earthRadiusMeters = 6371000.0

// NearbyStation is a station with its distance from a query point.
type NearbyStation struct {
	types.Station
	DistanceMeters float64 `json:"distance_m"`
}

// Nearest returns up to limit stations closest to (lat, lng), nearest
// first. Stations without coordinates are ignored. A non-positive limit
// returns every located station.
func Nearest(stations []types.Station, lat, lng float64, limit int) []NearbyStation {
	nearby := make([]NearbyStation, 0, len(stations))
	for _, s := range stations {
		if !s.HasCoordinates() {
			continue
		}
		nearby = append(nearby, NearbyStation{
			Station:        s,
			DistanceMeters: Haversine(lat, lng, *s.Lat, *s.Lng),
		})
	}

	sort.SliceStable(nearby, func(i, j int) bool {
		return nearby[i].DistanceMeters < nearby[j].DistanceMeters
	})

	if limit > 0 && len(nearby) > limit {
		nearby = nearby[:limit]
	}
	return nearby
}

// Haversine returns the great-circle distance in meters between two points.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	rad := func(d float64) float64 { return d * math.Pi / 180 }

	dLat := rad(lat2 - lat1)
	dLng := rad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(a))
}
