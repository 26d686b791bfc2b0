package gpumon

import (
	"strings"

	"codeberg.org/helioz/solarminerctl/internal/errors"
	"codeberg.org/helioz/solarminerctl/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/shirou/gopsutil/v3/process"
)

// busyChecker decides whether a GPU is claimed by a process other than
// the miner. Any foreign compute or graphics process counts once the
// device utilization clears the configured threshold. The miner is
// excluded by PID when managed and by executable name when adopted
// from an external launch, where no managed PID exists.
type busyChecker struct {
	thresholdPct float64
	errs         errors.Factory
}

func newBusyChecker(thresholdPct float64) *busyChecker {
	return &busyChecker{
		thresholdPct: thresholdPct,
		errs:         errors.New(),
	}
}

func (b *busyChecker) check(devices []nvml.Device, excludePIDs []int32, excludeNames []string) (bool, string, error) {
	excluded := make(map[int32]struct{}, len(excludePIDs))
	for _, pid := range excludePIDs {
		excluded[pid] = struct{}{}
	}

	for i, device := range devices {
		util, ret := device.GetUtilizationRates()
		if ret != nvml.SUCCESS {
			return false, "", b.errs.Wrap(ErrUtilizationReadFailed, newNVMLError(ret)).WithData(i)
		}
		if float64(util.Gpu) < b.thresholdPct {
			continue
		}

		pids, err := b.runningPIDs(device, i)
		if err != nil {
			return false, "", err
		}

		for _, pid := range pids {
			if _, ok := excluded[pid]; ok {
				continue
			}

			name := processName(pid)
			if nameExcluded(name, excludeNames) {
				continue
			}

			logger.Debug().Msgf("GPU %d busy: pid %d (%s) at %d%% utilization", i, pid, name, util.Gpu)

			return true, name, nil
		}
	}

	return false, "", nil
}

func (b *busyChecker) runningPIDs(device nvml.Device, index int) ([]int32, error) {
	var pids []int32

	compute, ret := device.GetComputeRunningProcesses()
	if ret != nvml.SUCCESS && ret != nvml.ERROR_NOT_SUPPORTED {
		return nil, b.errs.Wrap(ErrProcessListFailed, newNVMLError(ret)).WithData(index)
	}
	for _, p := range compute {
		pids = append(pids, int32(p.Pid))
	}

	graphics, ret := device.GetGraphicsRunningProcesses()
	if ret != nvml.SUCCESS && ret != nvml.ERROR_NOT_SUPPORTED {
		return nil, b.errs.Wrap(ErrProcessListFailed, newNVMLError(ret)).WithData(index)
	}
	for _, p := range graphics {
		pids = append(pids, int32(p.Pid))
	}

	return pids, nil
}

// nameExcluded matches case-insensitively; a miner launched by a
// service wrapper may report a differently cased executable name.
func nameExcluded(name string, excluded []string) bool {
	for _, e := range excluded {
		if strings.EqualFold(name, e) {
			return true
		}
	}

	return false
}

func processName(pid int32) string {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return "unknown"
	}

	name, err := proc.Name()
	if err != nil {
		return "unknown"
	}

	return name
}
