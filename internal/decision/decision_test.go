package decision_test

import (
	"testing"

	"codeberg.org/helioz/solarminerctl/internal/decision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine() *decision.Engine {
	return decision.NewEngine(decision.Config{
		StartPowerW:        200,
		StopPowerW:         150,
		StartConfirmations: 3,
		StopConfirmations:  5,
	})
}

func TestStartRequiresConsecutiveConfirmations(t *testing.T) {
	e := newTestEngine()

	// Two cycles of surplus, then a dip, then surplus again. The dip
	// must reset the counter, so the start lands on the fifth surplus
	// cycle counted from after the dip.
	r := e.Evaluate(decision.Input{AvailableW: 250})
	assert.Equal(t, decision.CommandNone, r.Command)
	assert.Equal(t, 1, r.StartCount)

	r = e.Evaluate(decision.Input{AvailableW: 250})
	assert.Equal(t, decision.CommandNone, r.Command)
	assert.Equal(t, 2, r.StartCount)

	r = e.Evaluate(decision.Input{AvailableW: 100})
	assert.Equal(t, decision.CommandNone, r.Command)
	assert.Equal(t, decision.StateIdle, r.State)

	r = e.Evaluate(decision.Input{AvailableW: 250})
	assert.Equal(t, 1, r.StartCount, "counter must restart after the dip")

	e.Evaluate(decision.Input{AvailableW: 250})
	r = e.Evaluate(decision.Input{AvailableW: 250})
	assert.Equal(t, decision.CommandStart, r.Command)
	assert.Equal(t, decision.StateMining, r.State)
	assert.Equal(t, decision.ReasonSurplusConfirmed, r.Reason)
}

func TestStartAtExactThreshold(t *testing.T) {
	e := newTestEngine()

	// Threshold comparison is inclusive
	e.Evaluate(decision.Input{AvailableW: 200})
	e.Evaluate(decision.Input{AvailableW: 200})
	r := e.Evaluate(decision.Input{AvailableW: 200})
	assert.Equal(t, decision.CommandStart, r.Command)
}

func TestStopRequiresConsecutiveConfirmations(t *testing.T) {
	e := newTestEngine()
	e.Sync(decision.StateMining)

	// Four cycles of deficit, one recovery, then five more deficits
	for i := 0; i < 4; i++ {
		r := e.Evaluate(decision.Input{AvailableW: 100})
		require.Equal(t, decision.CommandNone, r.Command, "cycle %d", i)
		require.Equal(t, decision.StateMining, r.State)
	}

	r := e.Evaluate(decision.Input{AvailableW: 180})
	assert.Equal(t, decision.CommandNone, r.Command)
	assert.Equal(t, decision.StateMining, r.State)

	for i := 0; i < 4; i++ {
		r = e.Evaluate(decision.Input{AvailableW: 100})
		require.Equal(t, decision.CommandNone, r.Command, "cycle %d", i)
	}

	r = e.Evaluate(decision.Input{AvailableW: 100})
	assert.Equal(t, decision.CommandStop, r.Command)
	assert.Equal(t, decision.StateIdle, r.State)
	assert.Equal(t, decision.ReasonDeficitConfirmed, r.Reason)
}

func TestHysteresisBandHoldsState(t *testing.T) {
	e := newTestEngine()
	e.Sync(decision.StateMining)

	// Values between stop and start thresholds never flip the state
	for i := 0; i < 20; i++ {
		r := e.Evaluate(decision.Input{AvailableW: 175})
		require.Equal(t, decision.CommandNone, r.Command)
		require.Equal(t, decision.StateMining, r.State)
	}

	e.Sync(decision.StateIdle)
	for i := 0; i < 20; i++ {
		r := e.Evaluate(decision.Input{AvailableW: 175})
		require.Equal(t, decision.CommandNone, r.Command)
		require.Equal(t, decision.StateIdle, r.State)
	}
}

func TestGPUBusyStopsImmediately(t *testing.T) {
	e := newTestEngine()
	e.Sync(decision.StateMining)

	// No confirmation cycles, regardless of surplus
	r := e.Evaluate(decision.Input{AvailableW: 500, GPUBusy: true})
	assert.Equal(t, decision.CommandStop, r.Command)
	assert.Equal(t, decision.StateIdle, r.State)
	assert.Equal(t, decision.ReasonGPUBusy, r.Reason)
}

func TestGPUBusyClearsPendingStart(t *testing.T) {
	e := newTestEngine()

	e.Evaluate(decision.Input{AvailableW: 250})
	e.Evaluate(decision.Input{AvailableW: 250})

	r := e.Evaluate(decision.Input{AvailableW: 250, GPUBusy: true})
	assert.Equal(t, decision.CommandNone, r.Command)
	assert.Equal(t, decision.StateIdle, r.State)

	// Counter restarted from zero after the busy cycle
	r = e.Evaluate(decision.Input{AvailableW: 250})
	assert.Equal(t, 1, r.StartCount)
}

func TestStartEmittedExactlyOnce(t *testing.T) {
	e := newTestEngine()

	starts := 0
	for i := 0; i < 10; i++ {
		if e.Evaluate(decision.Input{AvailableW: 300}).Command == decision.CommandStart {
			starts++
		}
	}
	assert.Equal(t, 1, starts, "sustained surplus must emit a single start")
	assert.Equal(t, decision.StateMining, e.State())
}

func TestSyncResetsCounters(t *testing.T) {
	e := newTestEngine()

	e.Evaluate(decision.Input{AvailableW: 250})
	e.Evaluate(decision.Input{AvailableW: 250})
	e.Sync(decision.StateIdle)

	r := e.Evaluate(decision.Input{AvailableW: 250})
	assert.Equal(t, 1, r.StartCount)
}
