package gpumon

import (
	"encoding/binary"
	"time"

	"codeberg.org/helioz/solarminerctl/internal/errors"
	"codeberg.org/helioz/solarminerctl/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const milliWattsToWatts = 1000

type nvmlMonitor struct {
	devices      []nvml.Device
	vramReadable []bool
	busyCheck    *busyChecker
	errs         errors.Factory
}

// New initializes NVML, enumerates all devices and returns a Monitor
// backed by them. busyThresholdPct bounds utilization attributed to
// foreign processes before the host counts as busy.
func New(busyThresholdPct float64) (Monitor, error) {
	errFactory := errors.New()

	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nil, errFactory.Wrap(ErrInitFailed, newNVMLError(ret))
	}

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, errFactory.Wrap(ErrInitFailed, newNVMLError(ret))
	}
	if count == 0 {
		return nil, errFactory.New(ErrNoDevices)
	}

	m := &nvmlMonitor{
		devices:      make([]nvml.Device, 0, count),
		vramReadable: make([]bool, count),
		busyCheck:    newBusyChecker(busyThresholdPct),
		errs:         errFactory,
	}

	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			return nil, errFactory.Wrap(ErrInitFailed, newNVMLError(ret)).WithData(i)
		}

		if name, ret := device.GetName(); ret == nvml.SUCCESS {
			logger.Info().Msgf("Detected GPU %d: %v", i, name)
		} else {
			logger.Warn().Msgf("Failed to get name for GPU %d: %v", i, nvml.ErrorString(ret))
		}

		// VRAM temperature is only exposed on some boards; probe once
		// so later reads do not spam warnings.
		m.vramReadable[i] = probeVRAMTemp(device)
		if !m.vramReadable[i] {
			logger.Debug().Msgf("GPU %d does not expose a VRAM temperature sensor", i)
		}

		m.devices = append(m.devices, device)
	}

	return m, nil
}

func (m *nvmlMonitor) DeviceCount() int {
	return len(m.devices)
}

func (m *nvmlMonitor) Shutdown() error {
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return m.errs.Wrap(ErrShutdownFailed, newNVMLError(ret))
	}

	return nil
}

func (m *nvmlMonitor) ReadDevices() ([]DeviceReading, error) {
	if len(m.devices) == 0 {
		return nil, m.errs.New(ErrNotInitialized)
	}

	now := time.Now()
	readings := make([]DeviceReading, 0, len(m.devices))

	for i, device := range m.devices {
		reading, err := m.readDevice(i, device, now)
		if err != nil {
			return nil, err
		}
		readings = append(readings, reading)
	}

	return readings, nil
}

func (m *nvmlMonitor) readDevice(index int, device nvml.Device, now time.Time) (DeviceReading, error) {
	reading := DeviceReading{Index: index, Timestamp: now}

	uuid, ret := device.GetUUID()
	if ret != nvml.SUCCESS {
		return DeviceReading{}, m.errs.Wrap(ErrDeviceInfoFailed, newNVMLError(ret)).WithData(index)
	}
	reading.DeviceID = uuid

	if name, ret := device.GetName(); ret == nvml.SUCCESS {
		reading.Name = name
	}

	temp, ret := device.GetTemperature(nvml.TEMPERATURE_GPU)
	if ret != nvml.SUCCESS {
		return DeviceReading{}, m.errs.Wrap(ErrTemperatureReadFailed, newNVMLError(ret)).WithData(index)
	}
	reading.CoreTempC = float64(temp)

	if m.vramReadable[index] {
		if vram, ok := readVRAMTemp(device); ok {
			reading.VRAMTempC = vram
		}
	}

	if power, ret := device.GetPowerUsage(); ret == nvml.SUCCESS {
		reading.PowerW = float64(power) / milliWattsToWatts
	}

	if util, ret := device.GetUtilizationRates(); ret == nvml.SUCCESS {
		reading.UtilizationPct = float64(util.Gpu)
	}

	if speed, ret := device.GetFanSpeed(); ret == nvml.SUCCESS {
		reading.FanSpeedPct = float64(speed)
	}

	return reading, nil
}

func probeVRAMTemp(device nvml.Device) bool {
	_, ok := readVRAMTemp(device)
	return ok
}

func readVRAMTemp(device nvml.Device) (float64, bool) {
	values := []nvml.FieldValue{{FieldId: nvml.FI_DEV_MEMORY_TEMP}}
	if ret := device.GetFieldValues(values); ret != nvml.SUCCESS {
		return 0, false
	}
	if values[0].NvmlReturn != uint32(nvml.SUCCESS) {
		return 0, false
	}

	// Field values arrive as a raw little-endian union
	raw := binary.LittleEndian.Uint32(values[0].Value[:4])

	return float64(raw), raw > 0
}

func (m *nvmlMonitor) BusyByOtherProcess(excludePIDs []int32, excludeNames []string) (bool, string, error) {
	if len(m.devices) == 0 {
		return false, "", m.errs.New(ErrNotInitialized)
	}

	return m.busyCheck.check(m.devices, excludePIDs, excludeNames)
}
