// Package controller runs the control loop: one sequential tick per
// interval, reading telemetry, deciding whether to mine, keeping each
// GPU inside its thermal envelope and fanning the results out to the
// journal, CSV log, MQTT and metrics.
package controller

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"codeberg.org/helioz/solarminerctl/internal/config"
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
	"codeberg.org/helioz/solarminerctl/internal/throttle"
	"codeberg.org/helioz/solarminerctl/internal/weather"
)

// Supervisor is the slice of lifecycle.Supervisor the controller uses.
type Supervisor interface {
	StartWorkload(ctx context.Context) error
	StopWorkload(ctx context.Context) error
	CheckHealth(ctx context.Context) (bool, error)
	Health() lifecycle.MinerHealth
}

// PIDSource reports the managed miner process id, zero when none.
type PIDSource interface {
	PID() int32
}

// Deps bundles every collaborator. Optional fields may be nil; the
// controller checks before use.
type Deps struct {
	Config     *config.Config
	Inverter   inverter.Reader
	GPUs       gpumon.Monitor
	Engine     *decision.Engine
	Thermal    *throttle.Controller
	Miner      miner.Client
	Supervisor Supervisor
	Process    PIDSource
	Journal    journal.Journal
	CSV        csvlog.Logger
	Publisher  mqttpub.Publisher
	Weather    weather.Provider
	Metrics    *monitoring.Metrics
	Sink       notify.Sink
}

type Controller struct {
	deps Deps
}

func New(deps Deps) *Controller {
	return &Controller{deps: deps}
}

// SyncState aligns the decision engine with the miner's observed state
// at startup, so an externally started workload is adopted instead of
// being double-started.
func (c *Controller) SyncState(ctx context.Context) {
	workers, err := c.deps.Miner.Workers(ctx)
	if err != nil {
		logger.Debug().Err(err).Msg("Could not query workers at startup, assuming idle")
		return
	}

	if len(workers) > 0 {
		logger.Info().Msgf("Miner already has %d active workers, adopting mining state", len(workers))
		c.deps.Engine.Sync(decision.StateMining)
	}
}

// Run ticks until the context is canceled. The first tick fires
// immediately.
func (c *Controller) Run(ctx context.Context) error {
	interval := c.deps.Config.TickInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info().Msgf("Control loop started (interval %s)", interval)

	for {
		c.Tick(ctx)

		select {
		case <-ctx.Done():
			logger.Info().Msg("Control loop stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick executes one control cycle. Each collaborator failure is
// contained: it is logged and counted, and the cycle degrades rather
// than aborts. A failed power read skips only the decision path;
// thermal control keeps running as long as device telemetry answers,
// because the envelope must hold even when the inverter is down.
func (c *Controller) Tick(ctx context.Context) {
	started := time.Now()
	defer func() {
		if c.deps.Metrics != nil {
			c.deps.Metrics.CycleDuration.Observe(time.Since(started).Seconds())
		}
	}()

	c.checkMinerHealth(ctx)

	readings := c.readDevices()
	sample, powerOK := c.readPower()

	var result decision.Result
	var busy bool
	if powerOK {
		var busyProc string
		busy, busyProc = c.checkGPUBusy()

		result = c.deps.Engine.Evaluate(decision.Input{
			AvailableW: sample.AvailableW,
			GPUBusy:    busy,
		})
		if busy && busyProc != "" {
			logger.Info().Msgf("GPU in use by %s", busyProc)
		}

		c.applyCommand(ctx, result)
	}

	decisions := c.applyThermal(ctx, readings)
	c.recordThermal(ctx, readings, decisions)

	if !powerOK {
		return
	}

	mining := c.deps.Engine.State() == decision.StateMining
	hashrate := c.fetchHashrate(ctx, mining)
	conditions := c.fetchWeather(ctx)
	c.recordTick(ctx, sample, result, busy, hashrate, conditions)
	c.publish(sample, result, readings, decisions, busy, hashrate)
	c.updateMetrics(sample, result, readings, decisions, busy, hashrate)
}

func (c *Controller) checkMinerHealth(ctx context.Context) {
	restarted, err := c.deps.Supervisor.CheckHealth(ctx)
	if err != nil {
		c.countError("health")
		logger.Warn().Err(err).Msg("Miner health handling failed")
	}
	if restarted {
		if c.deps.Metrics != nil {
			c.deps.Metrics.RestartsTotal.Inc()
		}
		// A fresh process starts with default limits
		c.resyncThermalAfterRestart(ctx)
	}
}

// resyncThermalAfterRestart re-reads device limits so the throttle
// controller does not act on stale TDP assumptions.
func (c *Controller) resyncThermalAfterRestart(ctx context.Context) {
	devices, err := c.deps.Miner.Devices(ctx)
	if err != nil {
		logger.Debug().Err(err).Msg("Could not re-read device limits after restart")
		return
	}

	for _, d := range devices {
		if d.UUID != "" && d.TDPPercent > 0 {
			c.deps.Thermal.Sync(d.UUID, d.TDPPercent)
		}
	}
}

// readPower reads the inverter. A failed read skips the decision path
// for this cycle; counters must not move on unknown surplus.
func (c *Controller) readPower() (inverter.PowerSample, bool) {
	sample, err := c.deps.Inverter.Read()
	if err != nil {
		c.countError("inverter")
		logger.Warn().Err(err).Msg("Inverter read failed, skipping decision this cycle")

		return inverter.PowerSample{}, false
	}

	return sample, true
}

func (c *Controller) readDevices() []gpumon.DeviceReading {
	readings, err := c.deps.GPUs.ReadDevices()
	if err != nil {
		c.countError("gpu_telemetry")
		logger.Warn().Err(err).Msg("GPU telemetry read failed, skipping thermal control this cycle")

		return nil
	}

	return readings
}

func (c *Controller) checkGPUBusy() (bool, string) {
	if !c.deps.Config.GPUCheck.Enabled {
		return false, ""
	}

	var excludePIDs []int32
	if c.deps.Process != nil {
		if pid := c.deps.Process.PID(); pid != 0 {
			excludePIDs = append(excludePIDs, pid)
		}
	}

	// An adopted external miner has no managed PID, so its own
	// executable must never count as a foreign workload.
	var excludeNames []string
	if base := filepath.Base(c.deps.Config.Miner.BinaryPath); base != "." && base != "/" {
		excludeNames = append(excludeNames, base)
	}

	busy, proc, err := c.deps.GPUs.BusyByOtherProcess(excludePIDs, excludeNames)
	if err != nil {
		c.countError("gpu_busy")
		logger.Warn().Err(err).Msg("GPU busy check failed, assuming not busy")

		return false, ""
	}

	return busy, proc
}

func (c *Controller) applyCommand(ctx context.Context, result decision.Result) {
	switch result.Command {
	case decision.CommandStart:
		if err := c.deps.Supervisor.StartWorkload(ctx); err != nil {
			c.countError("start")
			logger.Error().Err(err).Msg("Miner start failed, reverting to idle")
			// Surplus is still there; a later cycle confirms again
			c.deps.Engine.Sync(decision.StateIdle)

			return
		}
		if c.deps.Metrics != nil {
			c.deps.Metrics.StartsTotal.Inc()
		}
	case decision.CommandStop:
		if err := c.deps.Supervisor.StopWorkload(ctx); err != nil {
			c.countError("stop")
		} else if c.deps.Metrics != nil {
			c.deps.Metrics.StopsTotal.Inc()
		}
	case decision.CommandNone:
	}
}

// applyThermal runs the throttle controller for every device and
// pushes changed limits to the miner, mining or not: a workload that
// failed to stop cleanly stays capped. Device failures are isolated so
// one bad GPU never blocks control of the others.
func (c *Controller) applyThermal(ctx context.Context, readings []gpumon.DeviceReading) map[string]throttle.Decision {
	decisions := make(map[string]throttle.Decision, len(readings))

	if len(readings) > 0 {
		active := make(map[string]struct{}, len(readings))
		for _, reading := range readings {
			active[reading.DeviceID] = struct{}{}
		}
		c.deps.Thermal.Prune(active)
	}

	for _, reading := range readings {
		d := c.deps.Thermal.Evaluate(throttle.Reading{
			DeviceID:  reading.DeviceID,
			CoreTempC: reading.CoreTempC,
			VRAMTempC: reading.VRAMTempC,
		})
		decisions[reading.DeviceID] = d

		if d.Action == throttle.ActionCritical && d.Changed {
			c.notifyCritical(reading, d)
		}
		if c.deps.Metrics != nil && d.Changed {
			c.deps.Metrics.ThrottleEvents.WithLabelValues(string(d.Action)).Inc()
		}

		if !d.Changed {
			continue
		}

		if err := c.deps.Miner.SetPowerLimit(ctx, reading.Index, d.TargetTDP); err != nil {
			c.countError("set_power_limit")
			logger.Warn().Err(err).Msgf("Failed to apply %d%% TDP to device %d", d.TargetTDP, reading.Index)
			// The miner never saw the new limit, keep tracking reality
			c.deps.Thermal.Sync(reading.DeviceID, d.PreviousTDP)
		}
	}

	return decisions
}

func (c *Controller) notifyCritical(reading gpumon.DeviceReading, d throttle.Decision) {
	if c.deps.Sink == nil {
		return
	}

	subject := fmt.Sprintf("Critical GPU temperature on device %d", reading.Index)
	body := fmt.Sprintf(
		"Device %s (%s)\nCore: %.1fC\nVRAM: %.1fC\nTDP clamped to %d%%\nTime: %s\n",
		reading.DeviceID, reading.Name, reading.CoreTempC, reading.VRAMTempC,
		d.TargetTDP, time.Now().Format(time.RFC3339))

	if err := c.deps.Sink.Send(notify.EventCriticalTemperature, subject, body); err != nil {
		logger.Warn().Err(err).Msg("Critical temperature notification failed")
	}
}

// fetchHashrate sums the reported worker speeds. Zero while idle and
// on query failure; the rate is observational only.
func (c *Controller) fetchHashrate(ctx context.Context, mining bool) float64 {
	if !mining {
		return 0
	}

	workers, err := c.deps.Miner.Workers(ctx)
	if err != nil {
		c.countError("workers")
		logger.Debug().Err(err).Msg("Worker query failed")

		return 0
	}

	total := 0.0
	for _, w := range workers {
		total += w.SpeedHps
	}

	return total
}

func (c *Controller) fetchWeather(ctx context.Context) weather.Conditions {
	if c.deps.Weather == nil {
		return weather.Conditions{}
	}

	conditions, err := c.deps.Weather.Current(ctx)
	if err != nil {
		c.countError("weather")
		logger.Debug().Err(err).Msg("Weather fetch failed")

		return weather.Conditions{}
	}

	return conditions
}

func (c *Controller) recordTick(
	ctx context.Context,
	sample inverter.PowerSample,
	result decision.Result,
	busy bool,
	hashrate float64,
	conditions weather.Conditions,
) {
	now := sample.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	tick := &journal.TickRecord{
		Timestamp:     now,
		ProducedW:     sample.ProducedW,
		ConsumedW:     sample.ConsumedW,
		GridW:         sample.GridW,
		AvailableW:    sample.AvailableW,
		State:         string(result.State),
		Command:       string(result.Command),
		Reason:        string(result.Reason),
		StartCount:    result.StartCount,
		StopCount:     result.StopCount,
		GPUBusy:       busy,
		HashrateHps:   hashrate,
		DailyYieldKWh: sample.DailyYieldKWh,
		InverterTempC: sample.InternalTempC,
		WeatherTempC:  conditions.TemperatureC,
		CloudCoverPct: conditions.CloudCoverPct,
		RadiationWm2:  conditions.GlobalRadiationWm2,
	}
	if err := c.deps.Journal.RecordTick(ctx, tick); err != nil {
		c.countError("journal")
		logger.Warn().Err(err).Msg("Journal tick write failed")
	}

	if err := c.deps.CSV.AppendSolar(csvlog.SolarRow{
		Timestamp:        now,
		ProducedW:        sample.ProducedW,
		GridW:            sample.GridW,
		ConsumedW:        sample.ConsumedW,
		AvailableW:       sample.AvailableW,
		MiningActive:     result.State == decision.StateMining,
		GPUBusy:          busy,
		StartCount:       result.StartCount,
		StopCount:        result.StopCount,
		WeatherTempC:     conditions.TemperatureC,
		CloudCoverPct:    conditions.CloudCoverPct,
		GlobalRadiationW: conditions.GlobalRadiationWm2,
	}); err != nil {
		c.countError("csv")
		logger.Warn().Err(err).Msg("CSV solar write failed")
	}
}

// recordThermal journals every device reading and appends CSV rows for
// the non-normal ones. It runs even on cycles where the power read
// failed, so thermal history has no gaps.
func (c *Controller) recordThermal(
	ctx context.Context,
	readings []gpumon.DeviceReading,
	decisions map[string]throttle.Decision,
) {
	for _, reading := range readings {
		d := decisions[reading.DeviceID]

		if err := c.deps.Journal.RecordThermal(ctx, &journal.ThermalRecord{
			Timestamp:        reading.Timestamp,
			DeviceID:         reading.DeviceID,
			DeviceIndex:      reading.Index,
			CoreTempC:        reading.CoreTempC,
			VRAMTempC:        reading.VRAMTempC,
			PowerW:           reading.PowerW,
			UtilizationPct:   reading.UtilizationPct,
			FanSpeedPct:      reading.FanSpeedPct,
			TDPBeforePercent: d.PreviousTDP,
			TDPPercent:       d.TargetTDP,
			Action:           string(d.Action),
		}); err != nil {
			c.countError("journal")
			logger.Warn().Err(err).Msg("Journal thermal write failed")
		}

		// CSV keeps only events, matching how the log is reviewed
		if d.Action == throttle.ActionNormal {
			continue
		}

		notes := ""
		if d.OverheatC > 0 {
			notes = fmt.Sprintf("%.1fC over threshold", d.OverheatC)
		}
		if err := c.deps.CSV.AppendThermal(csvlog.ThermalRow{
			Timestamp:   reading.Timestamp,
			DeviceID:    reading.DeviceID,
			Action:      string(d.Action),
			CoreTempC:   reading.CoreTempC,
			VRAMTempC:   reading.VRAMTempC,
			TDPPercent:  d.TargetTDP,
			FanSpeedPct: reading.FanSpeedPct,
			Notes:       notes,
		}); err != nil {
			c.countError("csv")
			logger.Warn().Err(err).Msg("CSV thermal write failed")
		}
	}
}

func (c *Controller) publish(
	sample inverter.PowerSample,
	result decision.Result,
	readings []gpumon.DeviceReading,
	decisions map[string]throttle.Decision,
	busy bool,
	hashrate float64,
) {
	if c.deps.Publisher == nil {
		return
	}

	now := time.Now()
	if err := c.deps.Publisher.PublishStatus(mqttpub.StatusMessage{
		State:        string(result.State),
		MiningActive: result.State == decision.StateMining,
		ProducedW:    sample.ProducedW,
		ConsumedW:    sample.ConsumedW,
		GridW:        sample.GridW,
		AvailableW:   sample.AvailableW,
		GPUBusy:      busy,
		HashrateHps:  hashrate,
		Timestamp:    now,
	}); err != nil {
		c.countError("mqtt")
		logger.Warn().Err(err).Msg("MQTT status publish failed")
	}

	for _, reading := range readings {
		d := decisions[reading.DeviceID]
		if err := c.deps.Publisher.PublishDevice(reading.DeviceID, mqttpub.DeviceMessage{
			Index:          reading.Index,
			Name:           reading.Name,
			CoreTempC:      reading.CoreTempC,
			VRAMTempC:      reading.VRAMTempC,
			PowerW:         reading.PowerW,
			UtilizationPct: reading.UtilizationPct,
			FanSpeedPct:    reading.FanSpeedPct,
			TDPPercent:     d.TargetTDP,
			ThermalAction:  string(d.Action),
			Timestamp:      now,
		}); err != nil {
			c.countError("mqtt")
			logger.Warn().Err(err).Msg("MQTT device publish failed")
		}
	}
}

func (c *Controller) updateMetrics(
	sample inverter.PowerSample,
	result decision.Result,
	readings []gpumon.DeviceReading,
	decisions map[string]throttle.Decision,
	busy bool,
	hashrate float64,
) {
	m := c.deps.Metrics
	if m == nil {
		return
	}

	m.ProducedWatts.Set(sample.ProducedW)
	m.ConsumedWatts.Set(sample.ConsumedW)
	m.GridWatts.Set(sample.GridW)
	m.AvailableWatts.Set(sample.AvailableW)
	m.HashrateHps.Set(hashrate)
	m.MiningActive.Set(boolToFloat(result.State == decision.StateMining))
	m.GPUBusy.Set(boolToFloat(busy))
	m.StartCounter.Set(float64(result.StartCount))
	m.StopCounter.Set(float64(result.StopCount))
	m.HealthFailures.Set(float64(c.deps.Supervisor.Health().ConsecutiveFailures))

	for _, reading := range readings {
		d := decisions[reading.DeviceID]
		labels := []string{reading.DeviceID}
		m.DeviceCoreTemp.WithLabelValues(labels...).Set(reading.CoreTempC)
		m.DeviceVRAMTemp.WithLabelValues(labels...).Set(reading.VRAMTempC)
		m.DevicePower.WithLabelValues(labels...).Set(reading.PowerW)
		m.DeviceFanSpeed.WithLabelValues(labels...).Set(reading.FanSpeedPct)
		m.DeviceUtil.WithLabelValues(labels...).Set(reading.UtilizationPct)
		m.DeviceTDP.WithLabelValues(labels...).Set(float64(d.TargetTDP))
	}
}

// Cleanup stops the workload and restores every device to its full
// power limit, so a controller exit never leaves GPUs throttled.
func (c *Controller) Cleanup(ctx context.Context) {
	if c.deps.Engine.State() == decision.StateMining {
		if err := c.deps.Supervisor.StopWorkload(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to stop workload during cleanup")
		}
	}

	devices, err := c.deps.Miner.Devices(ctx)
	if err != nil {
		logger.Debug().Err(err).Msg("Could not enumerate devices during cleanup")
		return
	}

	maxTDP := c.deps.Config.Thermal.MaxTDPPercent
	for _, d := range devices {
		if err := c.deps.Miner.SetPowerLimit(ctx, d.Index, maxTDP); err != nil {
			logger.Warn().Err(err).Msgf("Failed to reset device %d power limit", d.Index)
		}
	}

	logger.Info().Msg("Cleanup complete, power limits restored")
}

func (c *Controller) countError(stage string) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.CycleErrors.WithLabelValues(stage).Inc()
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}

	return 0
}
