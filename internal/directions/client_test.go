package directions

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cwrk-planet/guzosync-realtime/internal/domain"
	"github.com/cwrk-planet/guzosync-realtime/internal/geo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var waypoints = []geo.Point{{Lat: 9.0317, Lon: 38.7468}, {Lat: 9.02, Lon: 38.753}}

func TestNewClientOptions(t *testing.T) {
	hc := &http.Client{Timeout: time.Second}
	c := NewClient("http://osrm.local/", WithHTTPClient(hc), WithRetries(3, time.Millisecond), WithProfile("bus"), WithAPIKey("k"))

	assert.Equal(t, "http://osrm.local", c.baseURL)
	assert.Same(t, hc, c.httpClient)
	assert.Equal(t, 3, c.maxRetries)
	assert.Equal(t, "bus", c.profile)
	assert.Equal(t, "k", c.apiKey)
}

func TestRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/route/v1/driving/38.746800,9.031700;38.753000,9.020000", r.URL.Path)
		assert.Equal(t, "full", r.URL.Query().Get("overview"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"code":"Ok","routes":[{"geometry":"abc","distance":1875.4,"duration":312.5}]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithAPIKey("secret"))
	route, err := c.Route(context.Background(), waypoints)
	require.NoError(t, err)

	assert.Equal(t, "abc", route.Geometry)
	assert.Equal(t, 1875.4, route.DistanceMeters)
	assert.Equal(t, 312.5, route.DurationSeconds)
}

func TestRouteTooFewWaypoints(t *testing.T) {
	c := NewClient("http://unused")
	_, err := c.Route(context.Background(), waypoints[:1])
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRouteNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"code":"NoRoute","message":"Impossible route between points","routes":[]}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Route(context.Background(), waypoints)

	var ext *domain.ExternalServiceError
	require.ErrorAs(t, err, &ext)
	assert.ErrorIs(t, err, errNoRoute)
	assert.Contains(t, err.Error(), "Impossible route")
}

func TestRouteClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, WithRetries(3, time.Millisecond)).Route(context.Background(), waypoints)

	var ext *domain.ExternalServiceError
	require.ErrorAs(t, err, &ext)
	assert.Equal(t, http.StatusBadRequest, ext.StatusCode)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRouteRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"code":"Ok","routes":[{"distance":10,"duration":20}]}`)
	}))
	defer srv.Close()

	route, err := NewClient(srv.URL, WithRetries(2, time.Millisecond)).Route(context.Background(), waypoints)
	require.NoError(t, err)
	assert.Equal(t, 20.0, route.DurationSeconds)
	assert.EqualValues(t, 3, calls.Load())
}

func TestRouteContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewClient(srv.URL).Route(ctx, waypoints)
	var ext *domain.ExternalServiceError
	require.ErrorAs(t, err, &ext)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRouteMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `not json`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Route(context.Background(), waypoints)
	var ext *domain.ExternalServiceError
	assert.ErrorAs(t, err, &ext)
}
