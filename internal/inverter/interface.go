package inverter

import "time"

// Reader provides the solar production and grid exchange figures for
// one control cycle.
type Reader interface {
	Read() (PowerSample, error)
	Close() error
}

// PowerSample is a single snapshot of the household power balance.
// GridW is signed from the house's perspective: positive means export
// to the grid, negative means import. The yield, temperature and
// efficiency fields are best-effort and zero when the inverter does
// not answer them; they never gate a control decision.
type PowerSample struct {
	ProducedW     float64
	ConsumedW     float64
	GridW         float64
	AvailableW    float64
	DailyYieldKWh float64
	TotalYieldKWh float64
	InternalTempC float64
	EfficiencyPct float64
	Timestamp     time.Time
}
