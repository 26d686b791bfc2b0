package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/helioz/solarminerctl/internal/config"
	"codeberg.org/helioz/solarminerctl/internal/controller"
	"codeberg.org/helioz/solarminerctl/internal/csvlog"
	"codeberg.org/helioz/solarminerctl/internal/decision"
	"codeberg.org/helioz/solarminerctl/internal/gpumon"
	"codeberg.org/helioz/solarminerctl/internal/inverter"
	"codeberg.org/helioz/solarminerctl/internal/journal"
	"codeberg.org/helioz/solarminerctl/internal/lifecycle"
	"codeberg.org/helioz/solarminerctl/internal/logger"
	"codeberg.org/helioz/solarminerctl/internal/miner"
	"codeberg.org/helioz/solarminerctl/internal/monitoring"
	"codeberg.org/helioz/solarminerctl/internal/mqttpub"
	"codeberg.org/helioz/solarminerctl/internal/notify"
	"codeberg.org/helioz/solarminerctl/internal/pid"
	"codeberg.org/helioz/solarminerctl/internal/throttle"
	"codeberg.org/helioz/solarminerctl/internal/weather"
)

const (
	startRetryDelay = 5 * time.Second
	minerAPITimeout = 10 * time.Second
	cleanupTimeout  = 30 * time.Second
)

var cfg *config.Config

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(
		cfg.LogLevel == string(config.LogLevelDebug),
		cfg.LogLevel == string(config.LogLevelInfo),
		logger.IsService(),
	)
	if cfg.LogLevel == string(config.LogLevelError) {
		logger.SetLogLevel(logger.ErrorLevel)
	}
	logger.Debug().Msg("Config loaded")
}

func main() {
	if err := pid.Write(); err != nil {
		logger.Fatal().Err(err).Msg("failed to write PID file")
	}
	defer func() {
		if err := pid.Remove(); err != nil {
			logger.Error().Err(err).Msg("failed to remove PID file")
		}
	}()

	gpus, err := gpumon.New(cfg.GPUCheck.BusyThresholdPct)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize GPU monitoring")
	}
	defer gpus.Shutdown()

	inverterReader := inverter.NewModbusReader(inverter.Config{
		Host:    cfg.Inverter.Host,
		Port:    cfg.Inverter.Port,
		SlaveID: cfg.Inverter.SlaveID,
		Timeout: time.Duration(cfg.Inverter.TimeoutS) * time.Second,
	})
	defer inverterReader.Close()

	minerClient := miner.NewClient(miner.ClientConfig{
		Host:      cfg.Miner.APIHost,
		Port:      cfg.Miner.APIPort,
		AuthToken: cfg.Miner.AuthToken,
		Timeout:   minerAPITimeout,
	})
	process := miner.NewProcess(
		cfg.Miner.BinaryPath, nil, minerClient,
		time.Duration(cfg.Miner.StartWaitS)*time.Second,
	)

	sink := buildSink()
	supervisor := lifecycle.NewSupervisor(minerClient, process, sink, lifecycle.RetryPolicy{
		MaxAttempts: cfg.Lifecycle.MaxStartRetries,
		Window:      time.Duration(cfg.Lifecycle.StartRetryWindowS) * time.Second,
		Delay:       startRetryDelay,
	}, cfg.Lifecycle.HealthCheckFailureLimit).WithExpectedDevices(gpus.DeviceCount())

	journalSvc, err := journal.NewService(journal.Config{
		Enabled: cfg.Journal.Enabled,
		DBPath:  cfg.Journal.DBPath,
	}, logger.Default())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open journal")
	}
	defer journalSvc.Close()

	csvLog, err := csvlog.New(cfg.CSV.Dir, cfg.CSV.Enabled)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open CSV logs")
	}
	defer csvLog.Close()

	publisher, err := mqttpub.New(mqttpub.Config{
		Broker:    cfg.MQTT.Broker,
		ClientID:  cfg.MQTT.ClientID,
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
		TopicBase: cfg.MQTT.TopicBase,
	}, cfg.MQTT.Enabled)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to MQTT broker")
	}
	defer publisher.Close()

	var provider weather.Provider
	if cfg.Weather.Enabled {
		provider = weather.NewClient(weather.Config{
			Latitude:      cfg.Weather.Latitude,
			Longitude:     cfg.Weather.Longitude,
			CacheInterval: time.Duration(cfg.Weather.UpdateIntervalS) * time.Second,
		})
	}

	var metrics *monitoring.Metrics
	if cfg.Metrics.Enabled {
		metrics = monitoring.New()
		metrics.Serve(cfg.Metrics.ListenAddr)
		defer metrics.Shutdown()
	}

	ctrl := controller.New(controller.Deps{
		Config:   cfg,
		Inverter: inverterReader,
		GPUs:     gpus,
		Engine: decision.NewEngine(decision.Config{
			StartPowerW:        cfg.Power.StartPowerW,
			StopPowerW:         cfg.Power.StopPowerW,
			StartConfirmations: cfg.Power.StartConfirmations,
			StopConfirmations:  cfg.Power.StopConfirmations,
		}),
		Thermal: throttle.NewController(throttle.Config{
			TargetCoreTempC:   cfg.Thermal.TargetCoreTempC,
			ThrottleCoreTempC: cfg.Thermal.ThrottleCoreTempC,
			CriticalCoreTempC: cfg.Thermal.CriticalCoreTempC,
			TargetVRAMTempC:   cfg.Thermal.TargetVRAMTempC,
			ThrottleVRAMTempC: cfg.Thermal.ThrottleVRAMTempC,
			CriticalVRAMTempC: cfg.Thermal.CriticalVRAMTempC,
			MinTDPPercent:     cfg.Thermal.MinTDPPercent,
			MaxTDPPercent:     cfg.Thermal.MaxTDPPercent,
			RecoveryStep:      cfg.Thermal.RecoveryStepPercent,
		}),
		Miner:      minerClient,
		Supervisor: supervisor,
		Process:    process,
		Journal:    journalSvc,
		CSV:        csvLog,
		Publisher:  publisher,
		Weather:    provider,
		Metrics:    metrics,
		Sink:       sink,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	ctrl.SyncState(ctx)

	if err := ctrl.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("error in control loop")
	}

	// The run context is canceled; cleanup gets its own deadline
	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cleanupCancel()
	ctrl.Cleanup(cleanupCtx)
}

func buildSink() notify.Sink {
	if !cfg.Email.Enabled {
		return notify.Noop{}
	}

	return notify.NewSMTPSink(notify.SMTPConfig{
		Server:         cfg.Email.SMTPServer,
		Port:           cfg.Email.SMTPPort,
		UseTLS:         cfg.Email.UseTLS,
		From:           cfg.Email.From,
		To:             cfg.Email.To,
		Username:       cfg.Email.Username,
		Password:       cfg.Email.Password,
		SendOnCritical: cfg.Email.SendOnCritical,
		SendOnRestart:  cfg.Email.SendOnRestart,
	})
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}
