package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"codeberg.org/helioz/solarminerctl/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "solarminerctl.conf")
	err := os.WriteFile(configPath, []byte(content), 0o600)
	require.NoError(t, err)
	return configPath
}

func TestLoad(t *testing.T) {
	configPath := writeConfigFile(t, `
interval = 10
log_level = "debug"

[power]
start_power_w = 350.0
stop_power_w = 120.0
start_confirmations = 2
stop_confirmations = 4

[thermal]
throttle_core_temp_c = 78
min_tdp_percent = 55

[inverter]
host = "192.168.1.40"
port = 502
slave_id = 2

[miner]
auth_token = "secret"
binary_path = "/opt/miner/miner"
`)
	t.Setenv("SOLARMINERCTL_CONFIG", configPath)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Interval, "Expected Interval 10")
	assert.Equal(t, "debug", cfg.LogLevel, "Expected LogLevel debug")
	assert.InDelta(t, 350.0, cfg.Power.StartPowerW, 0.001)
	assert.InDelta(t, 120.0, cfg.Power.StopPowerW, 0.001)
	assert.Equal(t, 2, cfg.Power.StartConfirmations)
	assert.Equal(t, 4, cfg.Power.StopConfirmations)
	assert.InDelta(t, 78.0, cfg.Thermal.ThrottleCoreTempC, 0.001)
	assert.Equal(t, 55, cfg.Thermal.MinTDPPercent)
	assert.Equal(t, "192.168.1.40", cfg.Inverter.Host)
	assert.Equal(t, 502, cfg.Inverter.Port)
	assert.Equal(t, 2, cfg.Inverter.SlaveID)
	assert.Equal(t, "secret", cfg.Miner.AuthToken)
	assert.Equal(t, "/opt/miner/miner", cfg.Miner.BinaryPath)
}

func TestLoadDefaults(t *testing.T) {
	// No config file; inverter host is the only required option
	t.Setenv("SOLARMINERCTL_CONFIG", "")
	t.Setenv("SOLARMINERCTL_INVERTER_HOST", "192.168.1.40")

	cfg, err := config.Load()
	require.NoError(t, err, "Failed to load config")

	assert.Equal(t, 30, cfg.Interval, "Expected default Interval 30")
	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel, "Expected default LogLevel info")
	assert.InDelta(t, 200.0, cfg.Power.StartPowerW, 0.001)
	assert.InDelta(t, 150.0, cfg.Power.StopPowerW, 0.001)
	assert.Equal(t, 3, cfg.Power.StartConfirmations)
	assert.Equal(t, 5, cfg.Power.StopConfirmations)
	assert.InDelta(t, 80.0, cfg.Thermal.ThrottleCoreTempC, 0.001)
	assert.InDelta(t, 85.0, cfg.Thermal.CriticalCoreTempC, 0.001)
	assert.InDelta(t, 94.0, cfg.Thermal.ThrottleVRAMTempC, 0.001)
	assert.Equal(t, 50, cfg.Thermal.MinTDPPercent)
	assert.Equal(t, 100, cfg.Thermal.MaxTDPPercent)
	assert.Equal(t, 3, cfg.Lifecycle.MaxStartRetries)
	assert.Equal(t, 10, cfg.Lifecycle.HealthCheckFailureLimit)
	assert.Equal(t, "127.0.0.1", cfg.Miner.APIHost)
	assert.Equal(t, 18000, cfg.Miner.APIPort)
	assert.True(t, cfg.GPUCheck.Enabled)
	assert.False(t, cfg.MQTT.Enabled)
	assert.False(t, cfg.Email.Enabled)
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	configPath := writeConfigFile(t, `
This is not a valid TOML file
`)
	t.Setenv("SOLARMINERCTL_CONFIG", configPath)

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to read config file")
}

func TestMissingInverterHost(t *testing.T) {
	t.Setenv("SOLARMINERCTL_CONFIG", "")
	t.Setenv("SOLARMINERCTL_INVERTER_HOST", "")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inverter.host")
}

func TestInvalidHysteresisBand(t *testing.T) {
	configPath := writeConfigFile(t, `
[power]
start_power_w = 100.0
stop_power_w = 150.0

[inverter]
host = "192.168.1.40"
`)
	t.Setenv("SOLARMINERCTL_CONFIG", configPath)

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hysteresis")
}

func TestInvalidThermalThresholds(t *testing.T) {
	configPath := writeConfigFile(t, `
[thermal]
target_core_temp_c = 90
throttle_core_temp_c = 80

[inverter]
host = "192.168.1.40"
`)
	t.Setenv("SOLARMINERCTL_CONFIG", configPath)

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "core temperature thresholds")
}

func TestInvalidLogLevel(t *testing.T) {
	configPath := writeConfigFile(t, `
log_level = "invalid"

[inverter]
host = "192.168.1.40"
`)
	t.Setenv("SOLARMINERCTL_CONFIG", configPath)

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_log_level")
}

func TestLogLevelFlag(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	os.Args = []string{"cmd", "--log-level", "debug"}
	t.Setenv("SOLARMINERCTL_CONFIG", "")
	t.Setenv("SOLARMINERCTL_INVERTER_HOST", "192.168.1.40")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel, "Expected LogLevel to be set by flag")
}
