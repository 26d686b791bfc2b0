package gpumon

import (
	"codeberg.org/helioz/solarminerctl/internal/errors"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const (
	// Initialization and Lifecycle Errors
	ErrNotInitialized = errors.ErrorCode("gpumon_not_initialized")
	ErrInitFailed     = errors.ErrorCode("gpumon_init_failed")
	ErrNoDevices      = errors.ErrorCode("gpumon_no_devices")
	ErrShutdownFailed = errors.ErrorCode("gpumon_shutdown_failed")

	// Telemetry Errors
	ErrDeviceInfoFailed      = errors.ErrorCode("gpumon_device_info_failed")
	ErrTemperatureReadFailed = errors.ErrorCode("gpumon_temperature_read_failed")
	ErrUtilizationReadFailed = errors.ErrorCode("gpumon_utilization_read_failed")

	// Busy Detection Errors
	ErrProcessListFailed = errors.ErrorCode("gpumon_process_list_failed")
)

// nvmlError carries an NVML return code as an error cause.
type nvmlError struct {
	ret nvml.Return
}

func (e *nvmlError) Error() string {
	return nvml.ErrorString(e.ret)
}

func newNVMLError(ret nvml.Return) error {
	if ret == nvml.SUCCESS {
		return nil
	}

	return &nvmlError{ret: ret}
}
