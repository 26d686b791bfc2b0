package miner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"codeberg.org/helioz/solarminerctl/internal/errors"
	"codeberg.org/helioz/solarminerctl/internal/logger"
)

const defaultRequestTimeout = 10 * time.Second

type ClientConfig struct {
	Host      string
	Port      int
	AuthToken string
	Timeout   time.Duration
}

type httpClient struct {
	baseURL string
	token   string
	http    *http.Client
	errs    errors.Factory
}

// NewClient returns a Client for a QuickMiner-style local HTTP API.
func NewClient(cfg ClientConfig) Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	return &httpClient{
		baseURL: fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		token:   cfg.AuthToken,
		http:    &http.Client{Timeout: timeout},
		errs:    errors.New(),
	}
}

func (c *httpClient) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return c.errs.Wrap(errors.ErrInternal, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return c.errs.Wrap(ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.errs.Wrap(ErrAPIError, err)
	}

	if resp.StatusCode != http.StatusOK {
		return c.errs.WithData(ErrAPIError, fmt.Sprintf("%s: HTTP %d", path, resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return c.errs.Wrap(ErrAPIError, err).WithData(path)
	}

	return nil
}

func (c *httpClient) Info(ctx context.Context) (Info, error) {
	var info Info
	if err := c.get(ctx, "/info", nil, &info); err != nil {
		return Info{}, err
	}

	return info, nil
}

func (c *httpClient) Devices(ctx context.Context) ([]Device, error) {
	var payload struct {
		Devices []Device `json:"devices"`
	}
	if err := c.get(ctx, "/devices_cuda", nil, &payload); err != nil {
		return nil, err
	}

	return payload.Devices, nil
}

func (c *httpClient) Workers(ctx context.Context) ([]Worker, error) {
	var payload struct {
		Workers []Worker `json:"workers"`
	}
	if err := c.get(ctx, "/workers", nil, &payload); err != nil {
		return nil, err
	}

	return payload.Workers, nil
}

func (c *httpClient) StartWorkload(ctx context.Context) error {
	if err := c.get(ctx, "/action/start", nil, nil); err != nil {
		return err
	}
	logger.Debug().Msg("Miner workload started")

	return nil
}

func (c *httpClient) StopWorkload(ctx context.Context) error {
	if err := c.get(ctx, "/action/stop", nil, nil); err != nil {
		return err
	}
	logger.Debug().Msg("Miner workload stopped")

	return nil
}

func (c *httpClient) SetPowerLimit(ctx context.Context, deviceIndex, tdpPercent int) error {
	if deviceIndex < 0 {
		return c.errs.WithData(ErrInvalidDevice, deviceIndex)
	}

	query := url.Values{}
	query.Set("device", strconv.Itoa(deviceIndex))
	query.Set("limit", strconv.Itoa(tdpPercent))

	if err := c.get(ctx, "/action/setpowerlimit", query, nil); err != nil {
		return err
	}
	logger.Debug().Msgf("Device %d power limit set to %d%%", deviceIndex, tdpPercent)

	return nil
}

func (c *httpClient) Health(ctx context.Context) (Health, error) {
	if _, err := c.Info(ctx); err != nil {
		return Health{}, err
	}

	devices, err := c.Devices(ctx)
	if err != nil {
		return Health{}, err
	}

	workers, err := c.Workers(ctx)
	if err != nil {
		return Health{}, err
	}

	return Health{
		Reachable:   true,
		DeviceCount: len(devices),
		WorkerCount: len(workers),
	}, nil
}
