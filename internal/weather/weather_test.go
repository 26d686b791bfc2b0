package weather

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePayload = `{
	"current": {
		"temperature_2m": 24.5,
		"cloud_cover": 30,
		"wind_speed_10m": 12.3,
		"precipitation": 0
	},
	"hourly": {
		"global_tilted_irradiance": [650.5, 700],
		"direct_radiation": [500, 520],
		"diffuse_radiation": [150.5, 180]
	}
}`

func newTestClient(t *testing.T, handler http.HandlerFunc) (*client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c := NewClient(Config{
		Latitude:      48.1351,
		Longitude:     11.5820,
		CacheInterval: 10 * time.Minute,
	}).(*client)
	c.baseURL = server.URL

	return c, server
}

func TestCurrentParsesPayload(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "48.1351", r.URL.Query().Get("latitude"))
		_, _ = w.Write([]byte(samplePayload))
	})

	conditions, err := c.Current(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 24.5, conditions.TemperatureC, 0.001)
	assert.InDelta(t, 30.0, conditions.CloudCoverPct, 0.001)
	assert.InDelta(t, 650.5, conditions.GlobalRadiationWm2, 0.001, "first hourly slot is current")
	assert.InDelta(t, 150.5, conditions.DiffuseRadiationWm2, 0.001)
}

func TestCurrentCachesBetweenFetches(t *testing.T) {
	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(samplePayload))
	})

	current := time.Unix(1700000000, 0)
	c.now = func() time.Time { return current }

	_, err := c.Current(context.Background())
	require.NoError(t, err)

	// Within the cache interval, no second request
	current = current.Add(5 * time.Minute)
	_, err = c.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	// After the interval, a fresh fetch
	current = current.Add(6 * time.Minute)
	_, err = c.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCurrentServesStaleOnError(t *testing.T) {
	healthy := true
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(samplePayload))
	})

	current := time.Unix(1700000000, 0)
	c.now = func() time.Time { return current }

	first, err := c.Current(context.Background())
	require.NoError(t, err)

	healthy = false
	current = current.Add(11 * time.Minute)
	stale, err := c.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, stale)
}

func TestCurrentErrorsWithoutCache(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	_, err := c.Current(context.Background())
	require.Error(t, err)
}
