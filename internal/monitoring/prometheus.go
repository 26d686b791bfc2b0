// Package monitoring exposes the controller's state as Prometheus
// metrics over HTTP.
package monitoring

import (
	"context"
	"net/http"
	"time"

	"codeberg.org/helioz/solarminerctl/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace       = "solarminerctl"
	readTimeout     = 5 * time.Second
	shutdownTimeout = 3 * time.Second
)

// Metrics holds every collector the controller updates.
type Metrics struct {
	registry *prometheus.Registry
	server   *http.Server

	ProducedWatts   prometheus.Gauge
	ConsumedWatts   prometheus.Gauge
	GridWatts       prometheus.Gauge
	AvailableWatts  prometheus.Gauge
	MiningActive    prometheus.Gauge
	GPUBusy         prometheus.Gauge
	StartCounter    prometheus.Gauge
	StopCounter     prometheus.Gauge
	HealthFailures  prometheus.Gauge
	HashrateHps     prometheus.Gauge
	DeviceCoreTemp  *prometheus.GaugeVec
	DeviceVRAMTemp  *prometheus.GaugeVec
	DevicePower     *prometheus.GaugeVec
	DeviceFanSpeed  *prometheus.GaugeVec
	DeviceUtil      *prometheus.GaugeVec
	DeviceTDP       *prometheus.GaugeVec
	StartsTotal     prometheus.Counter
	StopsTotal      prometheus.Counter
	RestartsTotal   prometheus.Counter
	ThrottleEvents  *prometheus.CounterVec
	CycleErrors     *prometheus.CounterVec
	CycleDuration   prometheus.Histogram
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		ProducedWatts:  newGauge("solar_produced_watts", "Current solar production in watts"),
		ConsumedWatts:  newGauge("house_consumed_watts", "Current household consumption in watts"),
		GridWatts:      newGauge("grid_watts", "Grid exchange in watts, positive means export"),
		AvailableWatts: newGauge("available_watts", "Surplus available for mining in watts"),
		MiningActive:   newGauge("mining_active", "1 while the mining workload runs"),
		GPUBusy:        newGauge("gpu_busy", "1 while a foreign process claims the GPU"),
		StartCounter:   newGauge("start_confirmations", "Accumulated consecutive start confirmations"),
		StopCounter:    newGauge("stop_confirmations", "Accumulated consecutive stop confirmations"),
		HealthFailures: newGauge("miner_health_failures", "Consecutive failed miner health checks"),
		HashrateHps:    newGauge("hashrate_hps", "Total reported worker hashrate in hashes per second"),

		DeviceCoreTemp: newDeviceGauge("gpu_core_temp_celsius", "GPU core temperature"),
		DeviceVRAMTemp: newDeviceGauge("gpu_vram_temp_celsius", "GPU memory temperature"),
		DevicePower:    newDeviceGauge("gpu_power_watts", "GPU power draw"),
		DeviceFanSpeed: newDeviceGauge("gpu_fan_speed_percent", "GPU fan speed"),
		DeviceUtil:     newDeviceGauge("gpu_utilization_percent", "GPU utilization"),
		DeviceTDP:      newDeviceGauge("gpu_tdp_percent", "Applied GPU power limit in percent of TDP"),

		StartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "miner_starts_total",
			Help: "Mining workload starts",
		}),
		StopsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "miner_stops_total",
			Help: "Mining workload stops",
		}),
		RestartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "miner_restarts_total",
			Help: "Full miner process restarts",
		}),
		ThrottleEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "throttle_events_total",
			Help: "Thermal control actions by kind",
		}, []string{"action"}),
		CycleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cycle_errors_total",
			Help: "Control cycle errors by stage",
		}, []string{"stage"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "cycle_duration_seconds",
			Help:    "Control cycle wall time",
			Buckets: prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		m.ProducedWatts, m.ConsumedWatts, m.GridWatts, m.AvailableWatts,
		m.MiningActive, m.GPUBusy, m.StartCounter, m.StopCounter,
		m.HealthFailures, m.HashrateHps,
		m.DeviceCoreTemp, m.DeviceVRAMTemp, m.DevicePower,
		m.DeviceFanSpeed, m.DeviceUtil, m.DeviceTDP,
		m.StartsTotal, m.StopsTotal, m.RestartsTotal,
		m.ThrottleEvents, m.CycleErrors, m.CycleDuration,
	)

	return m
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: name, Help: help,
	})
}

func newDeviceGauge(name, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: name, Help: help,
	}, []string{"device"})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Serve starts the /metrics endpoint in the background.
func (m *Metrics) Serve(listenAddr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	m.server = &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: readTimeout,
	}

	go func() {
		logger.Info().Msgf("Metrics endpoint listening on %s", listenAddr)
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

// Shutdown stops the metrics server, bounded by a short timeout.
func (m *Metrics) Shutdown() {
	if m.server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := m.server.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Metrics server shutdown failed")
	}
}
