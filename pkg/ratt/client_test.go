package ratt

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rattlive/pkg/parser"
	"rattlive/pkg/types"
)

const linePage = `<html><body>
<table bgcolor="#9999CC"><tr><td><b>Linia Tv1</b></td></tr></table>
<table bgcolor="#E3E3E3"><tr><td><b>1</b></td><td><b>Pta Unirii</b></td><td><b>3 min.</b></td></tr></table>
<table bgcolor="#E3E3E3"><tr><td><b>2</b></td><td><b>Catedrala</b></td><td><b>12:05</b></td></tr></table>
<table bgcolor="#9999CC"><tr><td><b>Retur</b></td></tr></table>
<table bgcolor="#E3E3E3"><tr><td><b>1</b></td><td><b>Gara de Nord</b></td><td><b>&gt;&gt;</b></td></tr></table>
</body></html>`

// upstream fakes the operator's pages.
type upstream struct {
	mu       sync.Mutex
	requests []string
	server   *httptest.Server
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}

	mux := http.NewServeMux()
	mux.HandleFunc("/tram.php", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<a href="trasee.php?param1=1106">Tv1</a><a href="trasee.php?param1=1107">Tv2</a>`)
	})
	mux.HandleFunc("/trol.php", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/auto.php", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<a href="trasee.php?param1=1207">E7</a><a href="trasee.php?param1=1106">dup</a>`)
	})
	mux.HandleFunc("/trasee.php", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("param1") {
		case "1106":
			fmt.Fprint(w, linePage)
		case "1107":
			fmt.Fprint(w, `<html><body>no tables today</body></html>`)
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("/afis_msg.php", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("id_statie") {
		case "2770":
			fmt.Fprint(w, "<html>Linia: 1<br>Sosire1: 4 min.<br>Sosire2: 12:00</html>")
		case "2771":
			fmt.Fprint(w, "<html>Sosire1: 10:45<br></html>")
		case "2772":
			fmt.Fprint(w, "<html>Statie necunoscuta</html>")
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	})

	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.requests = append(u.requests, r.URL.RequestURI())
		u.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(u.server.Close)
	return u
}

func (u *upstream) client(t *testing.T) *Client {
	t.Helper()
	return NewClient(Config{
		ArrivalURL: u.server.URL + "/afis_msg.php",
		StatusPages: map[types.LineType]string{
			types.LineTypeTram:    u.server.URL + "/tram.php",
			types.LineTypeTrolley: u.server.URL + "/trol.php",
			types.LineTypeBus:     u.server.URL + "/auto.php",
		},
		LinePageURL: u.server.URL + "/trasee.php",
		Timeout:     2 * time.Second,
		HTTPClient:  u.server.Client(),
	})
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Config{})

	assert.Equal(t, DefaultArrivalURL, c.config.ArrivalURL)
	assert.Equal(t, DefaultLinePageURL, c.config.LinePageURL)
	assert.Equal(t, DefaultStationConcurrency, c.stations.Concurrency())
	assert.Equal(t, DefaultLineConcurrency, c.lines.Concurrency())
	assert.Len(t, c.config.StatusPages, 3)
}

func TestFetchLineIDs_PartialFailure(t *testing.T) {
	u := newUpstream(t)

	refs, err := u.client(t).FetchLineIDs(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []LineRef{
		{ID: 1106, Type: types.LineTypeTram},
		{ID: 1107, Type: types.LineTypeTram},
		{ID: 1207, Type: types.LineTypeBus},
	}, refs)
}

func TestFetchLineIDs_AllPagesDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := NewClient(Config{
		StatusPages: map[types.LineType]string{types.LineTypeTram: server.URL},
		HTTPClient:  server.Client(),
	})

	_, err := c.FetchLineIDs(context.Background())
	assert.Error(t, err)
}

func TestFetchRoutePage(t *testing.T) {
	u := newUpstream(t)

	runs, err := u.client(t).FetchRoutePage(context.Background(), 1106)
	require.NoError(t, err)

	assert.Equal(t, []parser.RouteRun{
		{{Name: "Pta Unirii", Arrival: "3 min."}, {Name: "Catedrala", Arrival: "12:05"}},
		{{Name: "Gara de Nord", Arrival: ">>"}},
	}, runs)

	_, err = u.client(t).FetchRoutePage(context.Background(), 9999)
	assert.Error(t, err)
}

func TestFetchRouteTables_OmitsFailedPages(t *testing.T) {
	u := newUpstream(t)

	tables := u.client(t).FetchRouteTables(context.Background(), []int{1106, 1107, 9999})

	var ids []int
	for id := range tables {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	assert.Equal(t, []int{1106, 1107}, ids)
	assert.Len(t, tables[1106], 2)
	assert.Empty(t, tables[1107])
}

func TestFetchStationArrivals_ZipsPositionally(t *testing.T) {
	u := newUpstream(t)
	now := time.Date(2016, 3, 12, 10, 30, 0, 0, time.UTC)

	arrivals := u.client(t).FetchStationArrivals(context.Background(), now, 1106, []int{2771, 9999, 2770, 2772})

	require.Len(t, arrivals, 4)
	assert.Equal(t, types.Arrival{LineID: 1106, StationID: 2771, Text: "10:45", MinutesLeft: 15}, arrivals[0])
	assert.Equal(t, types.Arrival{LineID: 1106, StationID: 9999, Text: parser.PlaceholderArrival, MinutesLeft: types.UnknownMinutes}, arrivals[1])
	assert.Equal(t, types.Arrival{LineID: 1106, StationID: 2770, Text: "4 min", MinutesLeft: 4, IsRealTime: true}, arrivals[2])
	assert.Equal(t, types.Arrival{LineID: 1106, StationID: 2772, Text: parser.PlaceholderArrival, MinutesLeft: types.UnknownMinutes}, arrivals[3])

	u.mu.Lock()
	defer u.mu.Unlock()
	assert.Contains(t, u.requests, "/afis_msg.php?id_statie=2770&id_traseu=1106")
}
