package inverter

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"codeberg.org/helioz/solarminerctl/internal/errors"
	"codeberg.org/helioz/solarminerctl/internal/logger"
	"github.com/goburrow/modbus"
)

// Huawei SUN2000 holding registers. Both are signed 32-bit, big-endian,
// in watts. The meter register is positive when feeding into the grid.
const (
	regActivePower      = 32080
	regMeterActivePower = 37113
	registerQuantity    = 2

	// Secondary registers, read best-effort for the journal.
	regEfficiency   = 32086 // u16, gain 100, percent
	regInternalTemp = 32087 // i16, gain 10, degrees C
	regTotalYield   = 32106 // u32, gain 100, kWh
	regDailyYield   = 32114 // u32, gain 100, kWh
)

type Config struct {
	Host    string
	Port    int
	SlaveID int
	Timeout time.Duration
}

type modbusReader struct {
	handler *modbus.TCPClientHandler
	client  modbus.Client
	errs    errors.Factory
}

// NewModbusReader connects to the inverter's Modbus TCP endpoint. The
// connection is established lazily on the first read and reused across
// cycles; the underlying handler reconnects on failure.
func NewModbusReader(cfg Config) Reader {
	handler := modbus.NewTCPClientHandler(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	handler.Timeout = cfg.Timeout
	handler.SlaveId = byte(cfg.SlaveID)

	return &modbusReader{
		handler: handler,
		client:  modbus.NewClient(handler),
		errs:    errors.New(),
	}
}

func (r *modbusReader) Read() (PowerSample, error) {
	produced, err := r.readInt32(regActivePower)
	if err != nil {
		return PowerSample{}, err
	}

	grid, err := r.readInt32(regMeterActivePower)
	if err != nil {
		return PowerSample{}, err
	}

	sample := PowerSample{
		ProducedW: float64(produced),
		GridW:     float64(grid),
		ConsumedW: float64(produced) - float64(grid),
		Timestamp: time.Now(),
	}

	// Only export counts as surplus; importing means the house already
	// consumes everything produced.
	if sample.GridW > 0 {
		sample.AvailableW = sample.GridW
	}

	r.readSecondary(&sample)

	logger.Debug().Msgf("Inverter: produced=%.0fW consumed=%.0fW grid=%.0fW available=%.0fW",
		sample.ProducedW, sample.ConsumedW, sample.GridW, sample.AvailableW)

	return sample, nil
}

// readSecondary fills the analysis-only fields. Failures leave the
// fields zero; these registers are not answered by every firmware.
func (r *modbusReader) readSecondary(sample *PowerSample) {
	if v, err := r.readUint16(regEfficiency); err == nil {
		sample.EfficiencyPct = float64(v) / 100
	}
	if v, err := r.readUint16(regInternalTemp); err == nil {
		sample.InternalTempC = float64(int16(v)) / 10
	}
	if v, err := r.readInt32(regTotalYield); err == nil {
		sample.TotalYieldKWh = float64(uint32(v)) / 100
	}
	if v, err := r.readInt32(regDailyYield); err == nil {
		sample.DailyYieldKWh = float64(uint32(v)) / 100
	}
}

func (r *modbusReader) readUint16(register uint16) (uint16, error) {
	raw, err := r.client.ReadHoldingRegisters(register, 1)
	if err != nil {
		return 0, r.wrapReadError(register, err)
	}
	if len(raw) < 2 {
		return 0, r.errs.WithData(ErrShortResponse, fmt.Sprintf("register %d: %d bytes", register, len(raw)))
	}

	return binary.BigEndian.Uint16(raw[:2]), nil
}

func (r *modbusReader) readInt32(register uint16) (int32, error) {
	raw, err := r.client.ReadHoldingRegisters(register, registerQuantity)
	if err != nil {
		return 0, r.wrapReadError(register, err)
	}
	if len(raw) < 4 {
		return 0, r.errs.WithData(ErrShortResponse, fmt.Sprintf("register %d: %d bytes", register, len(raw)))
	}

	return int32(binary.BigEndian.Uint32(raw[:4])), nil
}

func (r *modbusReader) wrapReadError(register uint16, err error) error {
	switch {
	case isTimeout(err):
		return r.errs.Wrap(ErrReadTimeout, err)
	case isConnRefused(err):
		return r.errs.Wrap(ErrUnreachable, err)
	default:
		return r.errs.Wrap(ErrProtocolError, err).WithData(fmt.Sprintf("register %d", register))
	}
}

func (r *modbusReader) Close() error {
	return r.handler.Close()
}

func isTimeout(err error) bool {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}

	return errors.Is(err, os.ErrDeadlineExceeded)
}

func isConnRefused(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	return strings.Contains(err.Error(), "connection refused")
}
