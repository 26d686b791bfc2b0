package config

import (
	"os"
	"strings"
	"time"

	"codeberg.org/helioz/solarminerctl/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel = "info"

	defaultInterval            = 30
	defaultStartPowerW         = 200
	defaultStopPowerW          = 150
	defaultStartConfirmations  = 3
	defaultStopConfirmations   = 5
	defaultTargetCoreTempC     = 70
	defaultThrottleCoreTempC   = 80
	defaultCriticalCoreTempC   = 85
	defaultTargetVRAMTempC     = 80
	defaultThrottleVRAMTempC   = 94
	defaultCriticalVRAMTempC   = 100
	defaultMinTDPPercent       = 50
	defaultMaxTDPPercent       = 100
	defaultRecoveryStepPercent = 5
	defaultMaxStartRetries     = 3
	defaultStartRetryWindowS   = 30
	defaultHealthFailureLimit  = 10
	defaultInverterPort        = 6607
	defaultInverterSlaveID     = 1
	defaultInverterTimeoutS    = 10
	defaultMinerAPIPort        = 18000
	defaultMinerStartWaitS     = 30
	defaultGPUBusyThresholdPct = 10
	defaultWeatherIntervalS    = 600
	defaultMetricsListenAddr   = ":9846"
)

// Config is the immutable configuration for the whole controller. It is
// loaded once at startup and passed by reference into each component
// constructor; no component reads configuration ambiently.
type Config struct {
	Interval int    `mapstructure:"interval"`
	LogLevel string `mapstructure:"log_level"`

	Power     PowerConfig     `mapstructure:"power"`
	Thermal   ThermalConfig   `mapstructure:"thermal"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Inverter  InverterConfig  `mapstructure:"inverter"`
	Miner     MinerConfig     `mapstructure:"miner"`
	GPUCheck  GPUCheckConfig  `mapstructure:"gpu_check"`
	Journal   JournalConfig   `mapstructure:"journal"`
	CSV       CSVConfig       `mapstructure:"csv"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Email     EmailConfig     `mapstructure:"email"`
	Weather   WeatherConfig   `mapstructure:"weather"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// PowerConfig drives the mining decision state machine.
type PowerConfig struct {
	StartPowerW        float64 `mapstructure:"start_power_w"`
	StopPowerW         float64 `mapstructure:"stop_power_w"`
	StartConfirmations int     `mapstructure:"start_confirmations"`
	StopConfirmations  int     `mapstructure:"stop_confirmations"`
}

// ThermalConfig drives the per-device throttle controller.
type ThermalConfig struct {
	TargetCoreTempC     float64 `mapstructure:"target_core_temp_c"`
	ThrottleCoreTempC   float64 `mapstructure:"throttle_core_temp_c"`
	CriticalCoreTempC   float64 `mapstructure:"critical_core_temp_c"`
	TargetVRAMTempC     float64 `mapstructure:"target_vram_temp_c"`
	ThrottleVRAMTempC   float64 `mapstructure:"throttle_vram_temp_c"`
	CriticalVRAMTempC   float64 `mapstructure:"critical_vram_temp_c"`
	MinTDPPercent       int     `mapstructure:"min_tdp_percent"`
	MaxTDPPercent       int     `mapstructure:"max_tdp_percent"`
	RecoveryStepPercent int     `mapstructure:"recovery_step_percent"`
}

// LifecycleConfig drives miner start retries and health checking.
type LifecycleConfig struct {
	MaxStartRetries         int `mapstructure:"max_start_retries"`
	StartRetryWindowS       int `mapstructure:"start_retry_window_s"`
	HealthCheckFailureLimit int `mapstructure:"health_check_failure_limit"`
}

// InverterConfig points at the solar inverter's Modbus TCP endpoint.
type InverterConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	SlaveID  int    `mapstructure:"slave_id"`
	TimeoutS int    `mapstructure:"timeout_s"`
}

// MinerConfig points at the local miner API and executable.
type MinerConfig struct {
	APIHost    string `mapstructure:"api_host"`
	APIPort    int    `mapstructure:"api_port"`
	AuthToken  string `mapstructure:"auth_token"`
	BinaryPath string `mapstructure:"binary_path"`
	StartWaitS int    `mapstructure:"start_wait_s"`
}

// GPUCheckConfig controls detection of other GPU consumers.
type GPUCheckConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	BusyThresholdPct float64 `mapstructure:"busy_threshold_pct"`
}

type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
}

type CSVConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

type MQTTConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Broker    string `mapstructure:"broker"`
	ClientID  string `mapstructure:"client_id"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	TopicBase string `mapstructure:"topic_base"`
}

type EmailConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	SMTPServer     string `mapstructure:"smtp_server"`
	SMTPPort       int    `mapstructure:"smtp_port"`
	UseTLS         bool   `mapstructure:"use_tls"`
	From           string `mapstructure:"from"`
	To             string `mapstructure:"to"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	SendOnCritical bool   `mapstructure:"send_on_critical"`
	SendOnRestart  bool   `mapstructure:"send_on_restart"`
}

type WeatherConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	Latitude        float64 `mapstructure:"latitude"`
	Longitude       float64 `mapstructure:"longitude"`
	UpdateIntervalS int     `mapstructure:"update_interval_s"`
}

type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// TickInterval returns the configured interval between control cycles.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// Load reads the configuration from file, environment and flags, in
// ascending order of precedence, validates it and returns the result.
func Load() (*Config, error) {
	errFactory := errors.New()

	v := viper.New()
	setDefaults(v)

	flags := pflag.NewFlagSet("solarminerctl", pflag.ContinueOnError)
	flags.Int("interval", defaultInterval, "Seconds between control cycles")
	flags.String("log-level", "", "Log level (debug, info, warning, error)")
	flags.String("config", "", "Path to configuration file")
	flags.Bool("debug", false, "Enable debug logging")
	flags.Bool("verbose", false, "Enable verbose logging")
	if err := flags.Parse(os.Args[1:]); err != nil && err != pflag.ErrHelp {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	configPath := os.Getenv("SOLARMINERCTL_CONFIG")
	if p, _ := flags.GetString("config"); p != "" {
		configPath = p
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errFactory.WithMessage(errors.ErrReadConfig, "Failed to read config file").WithData(err.Error())
		}
	} else {
		v.SetConfigName("solarminerctl.conf")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errFactory.WithMessage(errors.ErrReadConfig, "Failed to read config file").WithData(err.Error())
			}
		}
	}

	v.SetEnvPrefix("SOLARMINERCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "interval":
			v.Set("interval", f.Value.String())
		case "log-level":
			v.Set("log_level", f.Value.String())
		case "debug":
			if f.Value.String() == "true" {
				v.Set("log_level", "debug")
			}
		case "verbose":
			if f.Value.String() == "true" {
				v.Set("log_level", "info")
			}
		}
	})

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks required options and threshold ordering. An invalid
// configuration is the only fatal condition in the whole system, and
// only at startup.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.Interval <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "interval must be positive")
	}
	if c.Inverter.Host == "" {
		return errFactory.WithMessage(errors.ErrMissingConfig, "inverter.host is required")
	}
	if c.Power.StartPowerW <= c.Power.StopPowerW {
		return errFactory.WithMessage(errors.ErrInvalidConfig,
			"power.start_power_w must be greater than power.stop_power_w (hysteresis band)")
	}
	if c.Power.StartConfirmations < 1 || c.Power.StopConfirmations < 1 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "confirmation counts must be at least 1")
	}
	if c.Thermal.MinTDPPercent < 1 || c.Thermal.MaxTDPPercent > 100 ||
		c.Thermal.MinTDPPercent > c.Thermal.MaxTDPPercent {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "thermal TDP bounds out of range")
	}
	if c.Thermal.TargetCoreTempC >= c.Thermal.ThrottleCoreTempC ||
		c.Thermal.ThrottleCoreTempC >= c.Thermal.CriticalCoreTempC {
		return errFactory.WithMessage(errors.ErrInvalidConfig,
			"core temperature thresholds must satisfy target < throttle < critical")
	}
	if c.Thermal.TargetVRAMTempC >= c.Thermal.ThrottleVRAMTempC ||
		c.Thermal.ThrottleVRAMTempC >= c.Thermal.CriticalVRAMTempC {
		return errFactory.WithMessage(errors.ErrInvalidConfig,
			"vram temperature thresholds must satisfy target < throttle < critical")
	}
	if c.Lifecycle.MaxStartRetries < 1 || c.Lifecycle.StartRetryWindowS < 1 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "lifecycle retry settings out of range")
	}
	if c.Email.Enabled && c.Email.From == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "email.from is required when email is enabled")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "mqtt.broker is required when mqtt is enabled")
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("interval", defaultInterval)
	v.SetDefault("log_level", DefaultLogLevel)

	v.SetDefault("power.start_power_w", defaultStartPowerW)
	v.SetDefault("power.stop_power_w", defaultStopPowerW)
	v.SetDefault("power.start_confirmations", defaultStartConfirmations)
	v.SetDefault("power.stop_confirmations", defaultStopConfirmations)

	v.SetDefault("thermal.target_core_temp_c", defaultTargetCoreTempC)
	v.SetDefault("thermal.throttle_core_temp_c", defaultThrottleCoreTempC)
	v.SetDefault("thermal.critical_core_temp_c", defaultCriticalCoreTempC)
	v.SetDefault("thermal.target_vram_temp_c", defaultTargetVRAMTempC)
	v.SetDefault("thermal.throttle_vram_temp_c", defaultThrottleVRAMTempC)
	v.SetDefault("thermal.critical_vram_temp_c", defaultCriticalVRAMTempC)
	v.SetDefault("thermal.min_tdp_percent", defaultMinTDPPercent)
	v.SetDefault("thermal.max_tdp_percent", defaultMaxTDPPercent)
	v.SetDefault("thermal.recovery_step_percent", defaultRecoveryStepPercent)

	v.SetDefault("lifecycle.max_start_retries", defaultMaxStartRetries)
	v.SetDefault("lifecycle.start_retry_window_s", defaultStartRetryWindowS)
	v.SetDefault("lifecycle.health_check_failure_limit", defaultHealthFailureLimit)

	v.SetDefault("inverter.host", "")
	v.SetDefault("inverter.port", defaultInverterPort)
	v.SetDefault("inverter.slave_id", defaultInverterSlaveID)
	v.SetDefault("inverter.timeout_s", defaultInverterTimeoutS)

	v.SetDefault("miner.api_host", "127.0.0.1")
	v.SetDefault("miner.api_port", defaultMinerAPIPort)
	v.SetDefault("miner.start_wait_s", defaultMinerStartWaitS)

	v.SetDefault("gpu_check.enabled", true)
	v.SetDefault("gpu_check.busy_threshold_pct", defaultGPUBusyThresholdPct)

	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.db_path", "/var/lib/solarminerctl/journal.db")

	v.SetDefault("csv.enabled", true)
	v.SetDefault("csv.dir", "logs")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.client_id", "solarminerctl")
	v.SetDefault("mqtt.topic_base", "solarminerctl")

	v.SetDefault("email.enabled", false)
	v.SetDefault("email.smtp_port", 587)
	v.SetDefault("email.use_tls", true)
	v.SetDefault("email.send_on_critical", true)
	v.SetDefault("email.send_on_restart", true)

	v.SetDefault("weather.enabled", false)
	v.SetDefault("weather.update_interval_s", defaultWeatherIntervalS)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", defaultMetricsListenAddr)
}
