package journal_test

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/helioz/solarminerctl/internal/journal"
	"codeberg.org/helioz/solarminerctl/internal/logger"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepositoryRoundTrip(t *testing.T) {
	logger.Init(false, false, false)
	dbPath := filepath.Join(t.TempDir(), "journal.db")

	repo, err := journal.NewRepository(dbPath, logger.Default())
	require.NoError(t, err)

	base := time.Unix(1700000000, 0)
	require.NoError(t, repo.RecordTick(&journal.TickRecord{
		Timestamp:  base,
		ProducedW:  1200,
		ConsumedW:  400,
		GridW:      800,
		AvailableW: 800,
		State:       "mining",
		Command:     "start",
		Reason:      "surplus_confirmed",
		HashrateHps: 95e6,
	}))
	require.NoError(t, repo.RecordThermal(&journal.ThermalRecord{
		Timestamp:        base,
		DeviceID:         "GPU-aaa",
		CoreTempC:        82,
		VRAMTempC:        88,
		PowerW:           220,
		TDPBeforePercent: 100,
		TDPPercent:       95,
		Action:           "throttle_start",
	}))

	// Close flushes the buffers
	require.NoError(t, repo.Close())

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db.Close()

	var ticks, thermal, version int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM ticks").Scan(&ticks))
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM thermal").Scan(&thermal))
	require.NoError(t, db.QueryRow("SELECT MAX(version) FROM schema_versions").Scan(&version))
	assert.Equal(t, 1, ticks)
	assert.Equal(t, 1, thermal)
	assert.Equal(t, journal.SchemaVersion, version)

	var state, command string
	var availableW, hashrate float64
	require.NoError(t, db.QueryRow(
		"SELECT state, command, available_w, hashrate_hps FROM ticks WHERE timestamp = ?", base.Unix(),
	).Scan(&state, &command, &availableW, &hashrate))
	assert.Equal(t, "mining", state)
	assert.Equal(t, "start", command)
	assert.InDelta(t, 800.0, availableW, 0.001)
	assert.InDelta(t, 95e6, hashrate, 0.001)

	var before, after int
	require.NoError(t, db.QueryRow(
		"SELECT tdp_before_percent, tdp_percent FROM thermal WHERE device_id = ?", "GPU-aaa",
	).Scan(&before, &after))
	assert.Equal(t, 100, before)
	assert.Equal(t, 95, after)
}

func TestSchemaReopenKeepsData(t *testing.T) {
	logger.Init(false, false, false)
	dbPath := filepath.Join(t.TempDir(), "journal.db")

	repo, err := journal.NewRepository(dbPath, logger.Default())
	require.NoError(t, err)
	require.NoError(t, repo.RecordTick(&journal.TickRecord{
		Timestamp: time.Unix(1700000000, 0), State: "idle", Command: "none", Reason: "steady",
	}))
	require.NoError(t, repo.Close())

	// Matching schema version must not wipe existing rows
	repo, err = journal.NewRepository(dbPath, logger.Default())
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db.Close()

	var ticks int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM ticks").Scan(&ticks))
	assert.Equal(t, 1, ticks)
}

func TestDisabledJournalIsNoop(t *testing.T) {
	j, err := journal.NewService(journal.Config{Enabled: false}, logger.Default())
	require.NoError(t, err)
	require.NoError(t, j.Close())
}
