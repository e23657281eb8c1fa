// Package routeclient fetches a driving route for an ordered list of
// waypoints from a primary, credentialed provider, falling back to an open
// provider when no primary credential is configured.
package routeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/routerisk/engine/internal/geo"
)

const (
	// ProviderPrimary is the provider tag used when the credentialed
	// provider answered the request.
	ProviderPrimary = "primary"
	// ProviderFallback is the provider tag used when the open provider
	// answered the request.
	ProviderFallback = "fallback"
)

// Waypoint is a (lat, lon) pair.
type Waypoint struct {
	Lat float64
	Lon float64
}

// Result is the outcome of a successful fetch_route call.
type Result struct {
	DistanceM int
	DurationS int
	Geometry  geo.LineString
	Provider  string
}

// Config configures the client's two providers.
type Config struct {
	PrimaryBaseURL  string
	PrimaryAPIKey   string
	FallbackBaseURL string
	Timeout         time.Duration
}

// Client fetches routes, preferring the primary provider whenever an API
// key is configured.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New builds a route client with a pooled transport shared across calls.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 25 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
	}
}

// ValidateWaypoints enforces the component's input constraints: at least
// two waypoints, each within valid lat/lon ranges.
func ValidateWaypoints(waypoints []Waypoint) error {
	if len(waypoints) < 2 {
		return fmt.Errorf("routeclient: need at least 2 waypoints, got %d", len(waypoints))
	}
	for i, w := range waypoints {
		if w.Lat < -90 || w.Lat > 90 {
			return fmt.Errorf("routeclient: waypoint %d lat %.6f out of range", i, w.Lat)
		}
		if w.Lon < -180 || w.Lon > 180 {
			return fmt.Errorf("routeclient: waypoint %d lon %.6f out of range", i, w.Lon)
		}
	}
	return nil
}

// FetchRoute fetches distance, duration and geometry for waypoints, using
// the primary provider when a credential is configured, the fallback
// provider otherwise. Network/HTTP failures surface as a single wrapped
// error; this component never retries internally.
func (c *Client) FetchRoute(ctx context.Context, waypoints []Waypoint) (*Result, error) {
	if err := ValidateWaypoints(waypoints); err != nil {
		return nil, err
	}
	if c.cfg.PrimaryAPIKey != "" {
		return c.fetchPrimary(ctx, waypoints)
	}
	return c.fetchFallback(ctx, waypoints)
}

type primaryRequest struct {
	Coordinates [][2]float64 `json:"coordinates"`
}

type primaryResponse struct {
	Routes []struct {
		DistanceM int             `json:"distance_m"`
		DurationS int             `json:"duration_s"`
		Geometry  geo.LineString  `json:"geometry"`
	} `json:"routes"`
}

func (c *Client) fetchPrimary(ctx context.Context, waypoints []Waypoint) (*Result, error) {
	coords := make([][2]float64, len(waypoints))
	for i, w := range waypoints {
		coords[i] = [2]float64{w.Lon, w.Lat}
	}

	body, err := json.Marshal(primaryRequest{Coordinates: coords})
	if err != nil {
		return nil, fmt.Errorf("routeclient: marshal primary request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.PrimaryBaseURL+"/directions/v2/driving", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("routeclient: build primary request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.PrimaryAPIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("routeclient: primary request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("routeclient: primary returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed primaryResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("routeclient: decode primary response: %w", err)
	}
	if len(parsed.Routes) == 0 {
		return nil, fmt.Errorf("routeclient: primary returned no routes")
	}
	route := parsed.Routes[0]

	return &Result{
		DistanceM: route.DistanceM,
		DurationS: route.DurationS,
		Geometry:  route.Geometry,
		Provider:  ProviderPrimary,
	}, nil
}

type fallbackResponse struct {
	Routes []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Geometry struct {
			Coordinates [][2]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"routes"`
}

func (c *Client) fetchFallback(ctx context.Context, waypoints []Waypoint) (*Result, error) {
	parts := make([]string, len(waypoints))
	for i, w := range waypoints {
		parts[i] = strconv.FormatFloat(w.Lon, 'f', 6, 64) + "," + strconv.FormatFloat(w.Lat, 'f', 6, 64)
	}
	url := fmt.Sprintf("%s/route/v1/driving/%s?overview=full&geometries=geojson",
		c.cfg.FallbackBaseURL, strings.Join(parts, ";"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("routeclient: build fallback request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("routeclient: fallback request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("routeclient: fallback returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed fallbackResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("routeclient: decode fallback response: %w", err)
	}
	if len(parsed.Routes) == 0 {
		return nil, fmt.Errorf("routeclient: fallback returned no routes")
	}
	route := parsed.Routes[0]

	points := make([]geo.Point, len(route.Geometry.Coordinates))
	for i, coord := range route.Geometry.Coordinates {
		points[i] = geo.Point{coord[0], coord[1]}
	}

	return &Result{
		DistanceM: int(route.Distance),
		DurationS: int(route.Duration),
		Geometry:  geo.LineString{Coordinates: points},
		Provider:  ProviderFallback,
	}, nil
}
