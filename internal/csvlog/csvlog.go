// Package csvlog appends per-cycle rows to flat CSV files for offline
// analysis. The files mirror the journal's tick and thermal records in
// a spreadsheet-friendly layout.
package csvlog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"codeberg.org/helioz/solarminerctl/internal/errors"
	"codeberg.org/helioz/solarminerctl/internal/logger"
)

const (
	solarFileName   = "solar_data.csv"
	thermalFileName = "gpu_thermal.csv"

	dirPerm  = 0o755
	filePerm = 0o644

	timestampLayout = "2006-01-02 15:04:05"
)

const (
	ErrOpenFailed  = errors.ErrorCode("csvlog_open_failed")
	ErrWriteFailed = errors.ErrorCode("csvlog_write_failed")
)

var solarHeader = []string{
	"timestamp", "unix_timestamp",
	"solar_production_w", "grid_power_w", "house_consumption_w",
	"available_for_mining_w",
	"mining_active", "gpu_busy",
	"start_confirmations", "stop_confirmations",
	"weather_temp_c", "weather_cloud_cover_percent", "weather_global_radiation_wm2",
}

var thermalHeader = []string{
	"timestamp", "unix_timestamp",
	"device_id", "thermal_action",
	"gpu_core_temp_c", "gpu_vram_temp_c",
	"gpu_tdp_percent", "gpu_fan_speed_percent",
	"notes",
}

// SolarRow is one control cycle's power and decision snapshot.
type SolarRow struct {
	Timestamp        time.Time
	ProducedW        float64
	GridW            float64
	ConsumedW        float64
	AvailableW       float64
	MiningActive     bool
	GPUBusy          bool
	StartCount       int
	StopCount        int
	WeatherTempC     float64
	CloudCoverPct    float64
	GlobalRadiationW float64
}

// ThermalRow is one device's thermal event.
type ThermalRow struct {
	Timestamp   time.Time
	DeviceID    string
	Action      string
	CoreTempC   float64
	VRAMTempC   float64
	TDPPercent  int
	FanSpeedPct float64
	Notes       string
}

// Writer appends rows to the two CSV files. Not safe for concurrent
// use; the controller writes from a single goroutine.
type Writer struct {
	solar   *appendFile
	thermal *appendFile
}

type noopWriter struct{}

// Logger narrows Writer and noopWriter to a common surface.
type Logger interface {
	AppendSolar(row SolarRow) error
	AppendThermal(row ThermalRow) error
	Close() error
}

// New opens (or creates) both CSV files under dir. Headers are written
// only when a file is created.
func New(dir string, enabled bool) (Logger, error) {
	if !enabled {
		logger.Debug().Msg("CSV logging disabled")
		return noopWriter{}, nil
	}

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, errors.New().Wrap(ErrOpenFailed, err).WithData(dir)
	}

	solar, err := openAppendFile(filepath.Join(dir, solarFileName), solarHeader)
	if err != nil {
		return nil, err
	}

	thermal, err := openAppendFile(filepath.Join(dir, thermalFileName), thermalHeader)
	if err != nil {
		solar.close()
		return nil, err
	}

	logger.Info().Msgf("CSV logging to %s", dir)

	return &Writer{solar: solar, thermal: thermal}, nil
}

func (w *Writer) AppendSolar(row SolarRow) error {
	return w.solar.append([]string{
		row.Timestamp.Format(timestampLayout),
		strconv.FormatInt(row.Timestamp.Unix(), 10),
		formatFloat(row.ProducedW),
		formatFloat(row.GridW),
		formatFloat(row.ConsumedW),
		formatFloat(row.AvailableW),
		formatBool(row.MiningActive),
		formatBool(row.GPUBusy),
		strconv.Itoa(row.StartCount),
		strconv.Itoa(row.StopCount),
		formatFloat(row.WeatherTempC),
		formatFloat(row.CloudCoverPct),
		formatFloat(row.GlobalRadiationW),
	})
}

func (w *Writer) AppendThermal(row ThermalRow) error {
	return w.thermal.append([]string{
		row.Timestamp.Format(timestampLayout),
		strconv.FormatInt(row.Timestamp.Unix(), 10),
		row.DeviceID,
		row.Action,
		formatFloat(row.CoreTempC),
		formatFloat(row.VRAMTempC),
		strconv.Itoa(row.TDPPercent),
		formatFloat(row.FanSpeedPct),
		row.Notes,
	})
}

func (w *Writer) Close() error {
	solarErr := w.solar.close()
	thermalErr := w.thermal.close()
	if solarErr != nil {
		return solarErr
	}

	return thermalErr
}

func (noopWriter) AppendSolar(SolarRow) error     { return nil }
func (noopWriter) AppendThermal(ThermalRow) error { return nil }
func (noopWriter) Close() error                   { return nil }

type appendFile struct {
	file *os.File
	csv  *csv.Writer
}

func openAppendFile(path string, header []string) (*appendFile, error) {
	errFactory := errors.New()

	info, statErr := os.Stat(path)
	fresh := statErr != nil || info.Size() == 0

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return nil, errFactory.Wrap(ErrOpenFailed, err).WithData(path)
	}

	af := &appendFile{file: file, csv: csv.NewWriter(file)}

	if fresh {
		if err := af.append(header); err != nil {
			file.Close()
			return nil, err
		}
	}

	return af, nil
}

// append writes one row and flushes so rows survive a crash.
func (f *appendFile) append(row []string) error {
	if err := f.csv.Write(row); err != nil {
		return errors.New().Wrap(ErrWriteFailed, err)
	}
	f.csv.Flush()
	if err := f.csv.Error(); err != nil {
		return errors.New().Wrap(ErrWriteFailed, err)
	}

	return nil
}

func (f *appendFile) close() error {
	f.csv.Flush()
	if err := f.csv.Error(); err != nil {
		f.file.Close()
		return errors.New().Wrap(ErrWriteFailed, err)
	}

	return f.file.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}

func formatBool(b bool) string {
	if b {
		return "1"
	}

	return "0"
}
