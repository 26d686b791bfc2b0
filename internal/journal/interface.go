package journal

import (
	"context"
	"time"
)

// Journal persists per-cycle decisions and per-device thermal state.
type Journal interface {
	RecordTick(ctx context.Context, record *TickRecord) error
	RecordThermal(ctx context.Context, record *ThermalRecord) error
	Close() error
}

// Repository is the storage backend behind a Journal.
type Repository interface {
	RecordTick(record *TickRecord) error
	RecordThermal(record *ThermalRecord) error
	Close() error
}

// TickRecord captures one control cycle.
type TickRecord struct {
	Timestamp     time.Time
	ProducedW     float64
	ConsumedW     float64
	GridW         float64
	AvailableW    float64
	State         string
	Command       string
	Reason        string
	StartCount    int
	StopCount     int
	GPUBusy       bool
	HashrateHps   float64
	DailyYieldKWh float64
	InverterTempC float64
	WeatherTempC  float64
	CloudCoverPct float64
	RadiationWm2  float64
}

// ThermalRecord captures one device's thermal state in one cycle.
type ThermalRecord struct {
	Timestamp        time.Time
	DeviceID         string
	DeviceIndex      int
	CoreTempC        float64
	VRAMTempC        float64
	PowerW           float64
	UtilizationPct   float64
	FanSpeedPct      float64
	TDPBeforePercent int
	TDPPercent       int
	Action           string
}
