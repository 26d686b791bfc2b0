package csvlog_test

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/helioz/solarminerctl/internal/csvlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	return rows
}

func TestAppendAndHeader(t *testing.T) {
	dir := t.TempDir()
	w, err := csvlog.New(dir, true)
	require.NoError(t, err)

	ts := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	require.NoError(t, w.AppendSolar(csvlog.SolarRow{
		Timestamp:    ts,
		ProducedW:    1250.5,
		GridW:        800,
		ConsumedW:    450.5,
		AvailableW:   800,
		MiningActive: true,
		StartCount:   0,
		StopCount:    2,
	}))
	require.NoError(t, w.AppendThermal(csvlog.ThermalRow{
		Timestamp:  ts,
		DeviceID:   "GPU-aaa",
		Action:     "throttle_start",
		CoreTempC:  84,
		VRAMTempC:  90,
		TDPPercent: 90,
		Notes:      "core 4.0C over threshold",
	}))
	require.NoError(t, w.Close())

	solar := readAll(t, filepath.Join(dir, "solar_data.csv"))
	require.Len(t, solar, 2)
	assert.Equal(t, "timestamp", solar[0][0])
	assert.Equal(t, "1250.5", solar[1][2])
	assert.Equal(t, "1", solar[1][6], "mining_active column")

	thermal := readAll(t, filepath.Join(dir, "gpu_thermal.csv"))
	require.Len(t, thermal, 2)
	assert.Equal(t, "thermal_action", thermal[0][3])
	assert.Equal(t, "throttle_start", thermal[1][3])
	assert.Equal(t, "90", thermal[1][6])
}

func TestReopenDoesNotDuplicateHeader(t *testing.T) {
	dir := t.TempDir()

	for i := 0; i < 2; i++ {
		w, err := csvlog.New(dir, true)
		require.NoError(t, err)
		require.NoError(t, w.AppendSolar(csvlog.SolarRow{Timestamp: time.Now()}))
		require.NoError(t, w.Close())
	}

	rows := readAll(t, filepath.Join(dir, "solar_data.csv"))
	assert.Len(t, rows, 3, "one header and two data rows")
}

func TestDisabledWriterIsNoop(t *testing.T) {
	w, err := csvlog.New(t.TempDir(), false)
	require.NoError(t, err)
	require.NoError(t, w.AppendSolar(csvlog.SolarRow{}))
	require.NoError(t, w.Close())
}
