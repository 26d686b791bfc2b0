package miner

import "context"

// Client talks to the local miner API. All calls are bounded by the
// passed context.
type Client interface {
	Info(ctx context.Context) (Info, error)
	Devices(ctx context.Context) ([]Device, error)
	Workers(ctx context.Context) ([]Worker, error)
	StartWorkload(ctx context.Context) error
	StopWorkload(ctx context.Context) error
	SetPowerLimit(ctx context.Context, deviceIndex, tdpPercent int) error
	Health(ctx context.Context) (Health, error)
}

// Info is the miner's identity response.
type Info struct {
	Version  string `json:"version"`
	BuildNum int    `json:"build_number"`
	UptimeS  int64  `json:"uptime"`
}

// Device is one GPU as the miner sees it.
type Device struct {
	Index        int    `json:"device_id"`
	UUID         string `json:"uuid"`
	Name         string `json:"name"`
	TDPPercent   int    `json:"tdp"`
	CoreClockMHz int    `json:"core_clock"`
}

// Worker is one active mining workload.
type Worker struct {
	ID        int     `json:"worker_id"`
	DeviceIdx int     `json:"device_id"`
	Algorithm string  `json:"algorithm"`
	SpeedHps  float64 `json:"speed"`
}

// Health summarizes one health probe.
type Health struct {
	Reachable   bool
	DeviceCount int
	WorkerCount int
}
