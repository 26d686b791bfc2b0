package gpumon

import "time"

// Monitor reads per-device telemetry and detects foreign GPU workloads.
// Both the managed miner PID and the miner executable name can be
// excluded from busy detection.
type Monitor interface {
	ReadDevices() ([]DeviceReading, error)
	BusyByOtherProcess(excludePIDs []int32, excludeNames []string) (bool, string, error)
	DeviceCount() int
	Shutdown() error
}

// DeviceReading is one GPU's telemetry at a single instant.
type DeviceReading struct {
	DeviceID       string
	Index          int
	Name           string
	CoreTempC      float64
	VRAMTempC      float64
	PowerW         float64
	UtilizationPct float64
	FanSpeedPct    float64
	Timestamp      time.Time
}

// MaxTemp returns the reading's hotter of core and VRAM sensors.
func (r DeviceReading) MaxTemp() float64 {
	if r.VRAMTempC > r.CoreTempC {
		return r.VRAMTempC
	}

	return r.CoreTempC
}
