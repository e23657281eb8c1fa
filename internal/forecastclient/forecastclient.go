// Package forecastclient fetches a timestamped forecast slot list for a
// coordinate and picks the slot nearest a target time, deriving a
// deterministic weather severity score from it.
package forecastclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Record is the forecast slot selected for a recalculation, or the
// degraded/no-data placeholder described by the component's contract.
type Record struct {
	Summary      string  `json:"summary"`
	Severity     float64 `json:"severity"`
	WindSpeedMS  float64 `json:"wind_speed_ms,omitempty"`
	Rain3hMM     float64 `json:"rain_3h_mm,omitempty"`
	Snow3hMM     float64 `json:"snow_3h_mm,omitempty"`
	CloudsPct    float64 `json:"clouds_pct,omitempty"`
	BudgetDenied bool    `json:"budget_denied,omitempty"`
	Reason       string  `json:"reason,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// NoForecastRecord is returned by Select when the provider's slot list is
// empty.
func NoForecastRecord() Record {
	return Record{Summary: "no-forecast", Severity: 0.0}
}

// Client calls the forecast provider's integration API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// New builds a forecast client. A missing apiKey is a fatal configuration
// error surfaced by the caller before any call is attempted.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 25 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

type forecastSlot struct {
	DT     int64 `json:"dt"`
	Clouds struct {
		All float64 `json:"all"`
	} `json:"clouds"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Rain struct {
		ThreeH float64 `json:"3h"`
	} `json:"rain"`
	Snow struct {
		ThreeH float64 `json:"3h"`
	} `json:"snow"`
	Weather []struct {
		Main string `json:"main"`
	} `json:"weather"`
}

type forecastResponse struct {
	List []forecastSlot `json:"list"`
}

// FetchForecast calls the provider for (lat, lon) and selects the slot
// nearest to targetTime by absolute timestamp difference.
func (c *Client) FetchForecast(ctx context.Context, lat, lon float64, targetTime time.Time) (Record, error) {
	if c.apiKey == "" {
		return Record{}, fmt.Errorf("forecastclient: missing forecast provider credential")
	}

	url := fmt.Sprintf("%s/forecast?lat=%f&lon=%f&appid=%s&units=metric", c.baseURL, lat, lon, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Record{}, fmt.Errorf("forecastclient: building request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Record{}, fmt.Errorf("forecastclient: calling provider: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Record{}, fmt.Errorf("forecastclient: provider returned HTTP %d", resp.StatusCode)
	}

	var parsed forecastResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Record{}, fmt.Errorf("forecastclient: decoding response: %w", err)
	}

	return Select(parsed.List, targetTime), nil
}

// Select picks the slot nearest targetTime and derives its severity score.
// It is the pure selection/scoring step of FetchForecast; its slot type is
// unexported, so only this package can pass it a non-empty slot list.
func Select(slots []forecastSlot, targetTime time.Time) Record {
	if len(slots) == 0 {
		return NoForecastRecord()
	}

	best := slots[0]
	bestDiff := absDuration(time.Unix(best.DT, 0), targetTime)
	for _, slot := range slots[1:] {
		diff := absDuration(time.Unix(slot.DT, 0), targetTime)
		if diff < bestDiff {
			best = slot
			bestDiff = diff
		}
	}

	return recordFromSlot(best)
}

func recordFromSlot(slot forecastSlot) Record {
	wind := slot.Wind.Speed
	rain := slot.Rain.ThreeH
	snow := slot.Snow.ThreeH
	clouds := slot.Clouds.All

	severity := computeSeverity(wind, rain, snow, clouds)

	summary := "Unknown"
	if len(slot.Weather) > 0 && slot.Weather[0].Main != "" {
		summary = slot.Weather[0].Main
	}

	return Record{
		Summary:     summary,
		Severity:    severity,
		WindSpeedMS: wind,
		Rain3hMM:    rain,
		Snow3hMM:    snow,
		CloudsPct:   clouds,
	}
}

// computeSeverity implements the fixed deterministic formula:
// s = min(1, rain/10)*0.5 + min(1, snow/5)*0.6 + min(1, wind/15)*0.4 + (clouds/100)*0.1,
// clamped to [0, 1]. Missing numeric fields default to 0 upstream.
func computeSeverity(wind, rain, snow, clouds float64) float64 {
	s := minOne(rain/10)*0.5 + minOne(snow/5)*0.6 + minOne(wind/15)*0.4 + (clouds/100)*0.1
	return clamp(s, 0, 1)
}

func minOne(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func absDuration(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}
