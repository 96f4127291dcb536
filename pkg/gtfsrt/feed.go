package gtfsrt

import (
	"fmt"
	"strconv"
	"time"

	"rattlive/pkg/types"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"
)

const (
	ContentTypeProtobuf = "application/x-protobuf"
	ContentTypeText     = "text/plain; charset=utf-8"
)

// ptr returns a pointer to v.
func ptr[T any](v T) *T { return &v }

// FromSnapshot converts a line's arrivals to a FULL_DATASET feed with one
// trip update per direction. Arrivals at unknown stations or without a
// usable estimate are skipped.
func FromSnapshot(snapshot types.ArrivalSnapshot) *gtfs.FeedMessage {
	routeID := strconv.Itoa(snapshot.LineID)

	byDirection := make(map[int][]*gtfs.TripUpdate_StopTimeUpdate)
	var directions []int
	for _, a := range snapshot.Arrivals {
		if a.StationID == types.UnknownStationID || a.MinutesLeft < 0 {
			continue
		}
		if _, ok := byDirection[a.Direction]; !ok {
			directions = append(directions, a.Direction)
		}
		at := snapshot.FetchedAt.Add(time.Duration(a.MinutesLeft) * time.Minute)
		byDirection[a.Direction] = append(byDirection[a.Direction], &gtfs.TripUpdate_StopTimeUpdate{
			StopId:  ptr(strconv.Itoa(a.StationID)),
			Arrival: &gtfs.TripUpdate_StopTimeEvent{Time: ptr(at.Unix())},
		})
	}

	entities := make([]*gtfs.FeedEntity, 0, len(directions))
	for _, dir := range directions {
		entities = append(entities, &gtfs.FeedEntity{
			Id: ptr(fmt.Sprintf("%s-%d", routeID, dir)),
			TripUpdate: &gtfs.TripUpdate{
				Trip: &gtfs.TripDescriptor{
					RouteId:     ptr(routeID),
					DirectionId: ptr(uint32(dir)),
				},
				StopTimeUpdate: byDirection[dir],
				Timestamp:      ptr(uint64(snapshot.FetchedAt.Unix())),
			},
		})
	}

	return &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: ptr("2.0"),
			Incrementality:      gtfs.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           ptr(uint64(snapshot.FetchedAt.Unix())),
		},
		Entity: entities,
	}
}

// Marshal encodes a feed as binary protobuf, or as prototext when
// humanReadable is set, and returns the matching content type.
func Marshal(feed *gtfs.FeedMessage, humanReadable bool) ([]byte, string, error) {
	if humanReadable {
		data, err := prototext.MarshalOptions{Multiline: true}.Marshal(feed)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal feed to text: %w", err)
		}
		return data, ContentTypeText, nil
	}

	data, err := proto.Marshal(feed)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal feed: %w", err)
	}
	return data, ContentTypeProtobuf, nil
}
