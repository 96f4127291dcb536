package velo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rattlive/pkg/types"
)

const feed = `{"Data":[
 {"Id":1,"StationName":"Piata Victoriei","Latitude":45.7536,"Longitude":21.2255,"MaximumNumberOfBikes":20,"EmptySpots":4,"Status":"Online"},
 {"Id":2,"StationName":"Depozit","Latitude":0,"Longitude":0,"MaximumNumberOfBikes":10,"EmptySpots":10,"Status":"Online"},
 {"Id":3,"StationName":"Iulius","Latitude":"45.7659","Longitude":"21.2279","MaximumNumberOfBikes":"15","EmptySpots":15,"Status":"Offline"}
],"Total":3}`

func TestParseStations(t *testing.T) {
	stations, err := ParseStations([]byte(feed))
	require.NoError(t, err)

	assert.Equal(t, []types.BikeStation{
		{ID: 1, Name: "Piata Victoriei", Lat: 45.7536, Lng: 21.2255, TotalSpots: 20, EmptySpots: 4, IsOnline: true},
		{ID: 3, Name: "Iulius", Lat: 45.7659, Lng: 21.2279, TotalSpots: 15, EmptySpots: 15, IsOnline: false},
	}, stations)
}

func TestParseStations_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "<html>"},
		{"no data", `{"Total":0}`},
		{"data scalar", `{"Data":"none"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseStations([]byte(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestParseStations_SingleObject(t *testing.T) {
	stations, err := ParseStations([]byte(`{"Data":{"Id":7,"StationName":"Solo","Latitude":45.7,"Longitude":21.2,"Status":"Online"}}`))
	require.NoError(t, err)
	require.Len(t, stations, 1)
	assert.Equal(t, 7, stations[0].ID)
}

func TestFetchStations(t *testing.T) {
	var method string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(feed))
	}))
	defer server.Close()

	stations, err := NewClient(server.URL, server.Client(), time.Second).FetchStations(context.Background())
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, method)
	assert.Len(t, stations, 2)
}

func TestFetchStations_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, server.Client(), time.Second).FetchStations(context.Background())
	assert.Error(t, err)
}
