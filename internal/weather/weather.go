// Package weather fetches current conditions and solar radiation from
// the Open-Meteo API. Results are cached because the upstream data only
// refreshes every quarter hour.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"codeberg.org/helioz/solarminerctl/internal/errors"
	"codeberg.org/helioz/solarminerctl/internal/logger"
)

const (
	apiURL         = "https://api.open-meteo.com/v1/forecast"
	requestTimeout = 10 * time.Second
)

const (
	ErrFetchFailed   = errors.ErrorCode("weather_fetch_failed")
	ErrInvalidStatus = errors.ErrorCode("weather_invalid_status")
	ErrDecodeFailed  = errors.ErrorCode("weather_decode_failed")
)

// Conditions is one weather observation.
type Conditions struct {
	TemperatureC        float64
	CloudCoverPct       float64
	WindSpeedKmh        float64
	PrecipitationMm     float64
	GlobalRadiationWm2  float64
	DirectRadiationWm2  float64
	DiffuseRadiationWm2 float64
	FetchedAt           time.Time
}

// Provider returns current weather, serving cached data between
// upstream fetches.
type Provider interface {
	Current(ctx context.Context) (Conditions, error)
}

type Config struct {
	Latitude      float64
	Longitude     float64
	CacheInterval time.Duration
}

type client struct {
	cfg     Config
	baseURL string
	http    *http.Client
	errs    errors.Factory

	cached    Conditions
	haveCache bool
	now       func() time.Time
}

func NewClient(cfg Config) Provider {
	return &client{
		cfg:     cfg,
		baseURL: apiURL,
		http:    &http.Client{Timeout: requestTimeout},
		errs:    errors.New(),
		now:     time.Now,
	}
}

type apiResponse struct {
	Current struct {
		Temperature   float64 `json:"temperature_2m"`
		CloudCover    float64 `json:"cloud_cover"`
		WindSpeed     float64 `json:"wind_speed_10m"`
		Precipitation float64 `json:"precipitation"`
	} `json:"current"`
	Hourly struct {
		GlobalTiltedIrradiance []float64 `json:"global_tilted_irradiance"`
		DirectRadiation        []float64 `json:"direct_radiation"`
		DiffuseRadiation       []float64 `json:"diffuse_radiation"`
	} `json:"hourly"`
}

func (c *client) Current(ctx context.Context) (Conditions, error) {
	if c.haveCache && c.now().Sub(c.cached.FetchedAt) < c.cfg.CacheInterval {
		return c.cached, nil
	}

	conditions, err := c.fetch(ctx)
	if err != nil {
		// Stale data beats no data while the API is unreachable
		if c.haveCache {
			logger.Warn().Err(err).Msg("Weather fetch failed, serving cached conditions")
			return c.cached, nil
		}

		return Conditions{}, err
	}

	c.cached = conditions
	c.haveCache = true

	return conditions, nil
}

func (c *client) fetch(ctx context.Context) (Conditions, error) {
	query := url.Values{}
	query.Set("latitude", fmt.Sprintf("%.4f", c.cfg.Latitude))
	query.Set("longitude", fmt.Sprintf("%.4f", c.cfg.Longitude))
	query.Set("current", "temperature_2m,cloud_cover,wind_speed_10m,precipitation")
	query.Set("hourly", "global_tilted_irradiance,direct_radiation,diffuse_radiation")
	query.Set("timezone", "auto")
	query.Set("forecast_days", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+query.Encode(), http.NoBody)
	if err != nil {
		return Conditions{}, c.errs.Wrap(ErrFetchFailed, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Conditions{}, c.errs.Wrap(ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return Conditions{}, c.errs.WithData(ErrInvalidStatus, resp.StatusCode)
	}

	var payload apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Conditions{}, c.errs.Wrap(ErrDecodeFailed, err)
	}

	conditions := Conditions{
		TemperatureC:    payload.Current.Temperature,
		CloudCoverPct:   payload.Current.CloudCover,
		WindSpeedKmh:    payload.Current.WindSpeed,
		PrecipitationMm: payload.Current.Precipitation,
		FetchedAt:       c.now(),
	}

	// The first hourly slot is the current hour
	if len(payload.Hourly.GlobalTiltedIrradiance) > 0 {
		conditions.GlobalRadiationWm2 = payload.Hourly.GlobalTiltedIrradiance[0]
	}
	if len(payload.Hourly.DirectRadiation) > 0 {
		conditions.DirectRadiationWm2 = payload.Hourly.DirectRadiation[0]
	}
	if len(payload.Hourly.DiffuseRadiation) > 0 {
		conditions.DiffuseRadiationWm2 = payload.Hourly.DiffuseRadiation[0]
	}

	return conditions, nil
}
