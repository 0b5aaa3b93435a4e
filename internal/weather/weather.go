// Package weather provides current conditions via the Open-Meteo API.
// Open-Meteo needs no API key, which keeps the weather tool usable out
// of the box.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/parleyhq/parley/internal/httpkit"
)

const (
	defaultGeocodeURL  = "https://geocoding-api.open-meteo.com/v1/search"
	defaultForecastURL = "https://api.open-meteo.com/v1/forecast"
)

// Client looks up current weather conditions by city name. It first
// geocodes the city, then fetches the current conditions for the
// resulting coordinates.
type Client struct {
	geocodeURL  string
	forecastURL string
	httpClient  *http.Client
	logger      *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURLs overrides the Open-Meteo endpoints, used in tests.
func WithBaseURLs(geocode, forecast string) Option {
	return func(c *Client) {
		c.geocodeURL = geocode
		c.forecastURL = forecast
	}
}

// NewClient creates an Open-Meteo weather client.
func NewClient(logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		geocodeURL:  defaultGeocodeURL,
		forecastURL: defaultForecastURL,
		logger:      logger,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(15*time.Second),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type geocodeResponse struct {
	Results []struct {
		Name      string  `json:"name"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Country   string  `json:"country"`
	} `json:"results"`
}

type forecastResponse struct {
	Current struct {
		Temperature float64 `json:"temperature_2m"`
		Humidity    float64 `json:"relative_humidity_2m"`
		WindSpeed   float64 `json:"wind_speed_10m"`
		WeatherCode int     `json:"weather_code"`
	} `json:"current"`
	CurrentUnits struct {
		Temperature string `json:"temperature_2m"`
		WindSpeed   string `json:"wind_speed_10m"`
	} `json:"current_units"`
}

// Current returns a one-line summary of the current conditions in the
// given city, suitable for feeding back to the model as a tool result.
func (c *Client) Current(ctx context.Context, city string) (string, error) {
	if city == "" {
		return "", fmt.Errorf("city is required")
	}

	lat, lon, resolved, err := c.geocode(ctx, city)
	if err != nil {
		return "", err
	}

	var fc forecastResponse
	q := url.Values{
		"latitude":  {fmt.Sprintf("%.4f", lat)},
		"longitude": {fmt.Sprintf("%.4f", lon)},
		"current":   {"temperature_2m,relative_humidity_2m,wind_speed_10m,weather_code"},
	}
	if err := c.get(ctx, c.forecastURL+"?"+q.Encode(), &fc); err != nil {
		return "", fmt.Errorf("fetch conditions for %s: %w", resolved, err)
	}

	tempUnit := fc.CurrentUnits.Temperature
	if tempUnit == "" {
		tempUnit = "°C"
	}
	windUnit := fc.CurrentUnits.WindSpeed
	if windUnit == "" {
		windUnit = "km/h"
	}

	summary := fmt.Sprintf("%s in %s, %.1f%s, humidity %.0f%%, wind %.1f %s",
		describeCode(fc.Current.WeatherCode), resolved,
		fc.Current.Temperature, tempUnit,
		fc.Current.Humidity,
		fc.Current.WindSpeed, windUnit)

	c.logger.Debug("weather lookup", "city", resolved, "code", fc.Current.WeatherCode)
	return summary, nil
}

func (c *Client) geocode(ctx context.Context, city string) (lat, lon float64, resolved string, err error) {
	var gc geocodeResponse
	q := url.Values{"name": {city}, "count": {"1"}}
	if err := c.get(ctx, c.geocodeURL+"?"+q.Encode(), &gc); err != nil {
		return 0, 0, "", fmt.Errorf("geocode %q: %w", city, err)
	}
	if len(gc.Results) == 0 {
		return 0, 0, "", fmt.Errorf("unknown city %q", city)
	}
	r := gc.Results[0]
	name := r.Name
	if r.Country != "" {
		name += ", " + r.Country
	}
	return r.Latitude, r.Longitude, name, nil
}

func (c *Client) get(ctx context.Context, rawURL string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// describeCode maps WMO weather codes to short descriptions.
func describeCode(code int) string {
	switch {
	case code == 0:
		return "clear sky"
	case code <= 2:
		return "partly cloudy"
	case code == 3:
		return "overcast"
	case code == 45 || code == 48:
		return "fog"
	case code >= 51 && code <= 57:
		return "drizzle"
	case code >= 61 && code <= 67:
		return "rain"
	case code >= 71 && code <= 77:
		return "snow"
	case code >= 80 && code <= 82:
		return "rain showers"
	case code == 85 || code == 86:
		return "snow showers"
	case code >= 95:
		return "thunderstorm"
	default:
		return "unsettled"
	}
}
