package miner_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"codeberg.org/helioz/solarminerctl/internal/errors"
	"codeberg.org/helioz/solarminerctl/internal/miner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, miner.Client) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	client := miner.NewClient(miner.ClientConfig{
		Host:      u.Hostname(),
		Port:      port,
		AuthToken: "testtoken",
	})

	return server, client
}

func TestInfo(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/info", r.URL.Path)
		assert.Equal(t, "Bearer testtoken", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"version":"0.6.9","build_number":123,"uptime":42}`))
	})

	info, err := client.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.6.9", info.Version)
	assert.Equal(t, 123, info.BuildNum)
	assert.EqualValues(t, 42, info.UptimeS)
}

func TestDevices(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/devices_cuda", r.URL.Path)
		_, _ = w.Write([]byte(`{"devices":[
			{"device_id":0,"uuid":"GPU-aaa","name":"RTX 3080","tdp":100},
			{"device_id":1,"uuid":"GPU-bbb","name":"RTX 3070","tdp":90}
		]}`))
	})

	devices, err := client.Devices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "GPU-aaa", devices[0].UUID)
	assert.Equal(t, 90, devices[1].TDPPercent)
}

func TestSetPowerLimit(t *testing.T) {
	var gotQuery url.Values
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/action/setpowerlimit", r.URL.Path)
		gotQuery = r.URL.Query()
		_, _ = w.Write([]byte(`{"success":true}`))
	})

	err := client.SetPowerLimit(context.Background(), 1, 85)
	require.NoError(t, err)
	assert.Equal(t, "1", gotQuery.Get("device"))
	assert.Equal(t, "85", gotQuery.Get("limit"))
}

func TestSetPowerLimitRejectsNegativeDevice(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request must not reach the server")
	})

	err := client.SetPowerLimit(context.Background(), -1, 85)
	require.Error(t, err)
	assert.Equal(t, miner.ErrInvalidDevice, errors.CodeOf(err))
}

func TestAPIErrorStatus(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	})

	_, err := client.Info(context.Background())
	require.Error(t, err)
	assert.Equal(t, miner.ErrAPIError, errors.CodeOf(err))
	assert.True(t, strings.Contains(err.Error(), "401"))
}

func TestUnreachable(t *testing.T) {
	server, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})
	server.Close()

	_, err := client.Info(context.Background())
	require.Error(t, err)
	assert.Equal(t, miner.ErrUnreachable, errors.CodeOf(err))
}

func TestHealth(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/info":
			_, _ = w.Write([]byte(`{"version":"0.6.9"}`))
		case "/devices_cuda":
			_, _ = w.Write([]byte(`{"devices":[{"device_id":0}]}`))
		case "/workers":
			_, _ = w.Write([]byte(`{"workers":[{"worker_id":0,"device_id":0,"algorithm":"daggerhashimoto","speed":61e6}]}`))
		default:
			http.NotFound(w, r)
		}
	})

	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, health.Reachable)
	assert.Equal(t, 1, health.DeviceCount)
	assert.Equal(t, 1, health.WorkerCount)
}
