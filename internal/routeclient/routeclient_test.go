package routeclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateWaypoints(t *testing.T) {
	assert.Error(t, ValidateWaypoints(nil))
	assert.Error(t, ValidateWaypoints([]Waypoint{{Lat: 1, Lon: 2}}))
	assert.Error(t, ValidateWaypoints([]Waypoint{{Lat: 91, Lon: 2}, {Lat: 1, Lon: 2}}))
	assert.Error(t, ValidateWaypoints([]Waypoint{{Lat: 1, Lon: 181}, {Lat: 1, Lon: 2}}))
	assert.NoError(t, ValidateWaypoints([]Waypoint{{Lat: 1, Lon: 2}, {Lat: 3, Lon: 4}}))
}

func TestFetchRouteUsesPrimaryWhenKeyPresent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Write([]byte(`{"routes":[{"distance_m":1200,"duration_s":300,"geometry":{"type":"LineString","coordinates":[[2,1],[4,3]]}}]}`))
	}))
	defer srv.Close()

	c := New(Config{PrimaryBaseURL: srv.URL, PrimaryAPIKey: "secret"})
	result, err := c.FetchRoute(context.Background(), []Waypoint{{Lat: 1, Lon: 2}, {Lat: 3, Lon: 4}})
	require.NoError(t, err)
	assert.Equal(t, ProviderPrimary, result.Provider)
	assert.Equal(t, 1200, result.DistanceM)
	assert.Equal(t, 300, result.DurationS)
}

func TestFetchRouteUsesFallbackWithoutKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"routes":[{"distance":800,"duration":200,"geometry":{"coordinates":[[2,1],[4,3]]}}]}`))
	}))
	defer srv.Close()

	c := New(Config{FallbackBaseURL: srv.URL})
	result, err := c.FetchRoute(context.Background(), []Waypoint{{Lat: 1, Lon: 2}, {Lat: 3, Lon: 4}})
	require.NoError(t, err)
	assert.Equal(t, ProviderFallback, result.Provider)
	assert.Equal(t, 800, result.DistanceM)
	assert.Equal(t, 200, result.DurationS)
	assert.Len(t, result.Geometry.Coordinates, 2)
}

func TestFetchRouteSurfacesHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := New(Config{FallbackBaseURL: srv.URL})
	_, err := c.FetchRoute(context.Background(), []Waypoint{{Lat: 1, Lon: 2}, {Lat: 3, Lon: 4}})
	assert.Error(t, err)
}
