// Package decision implements the mining on/off state machine. It is
// deliberately pure: one Evaluate call per control cycle, no clocks,
// no I/O, so every transition is unit-testable.
package decision

import (
	"codeberg.org/helioz/solarminerctl/internal/logger"
)

type State string

const (
	StateIdle   State = "idle"
	StateMining State = "mining"
)

type Command string

const (
	CommandNone  Command = "none"
	CommandStart Command = "start"
	CommandStop  Command = "stop"
)

// Reason explains why a command was emitted or withheld.
type Reason string

const (
	ReasonSurplusConfirmed Reason = "surplus_confirmed"
	ReasonDeficitConfirmed Reason = "deficit_confirmed"
	ReasonGPUBusy          Reason = "gpu_busy"
	ReasonAccumulating     Reason = "accumulating"
	ReasonSteady           Reason = "steady"
)

type Config struct {
	StartPowerW        float64
	StopPowerW         float64
	StartConfirmations int
	StopConfirmations  int
}

// Input is everything the engine sees in one cycle.
type Input struct {
	AvailableW float64
	GPUBusy    bool
}

// Result is the engine's verdict for one cycle.
type Result struct {
	Command    Command
	State      State
	Reason     Reason
	StartCount int
	StopCount  int
}

// Engine tracks consecutive confirmations across cycles. Not safe for
// concurrent use; the controller calls it from a single goroutine.
type Engine struct {
	cfg        Config
	state      State
	startCount int
	stopCount  int
}

func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:   cfg,
		state: StateIdle,
	}
}

// State returns the engine's current state.
func (e *Engine) State() State {
	return e.state
}

// Sync overrides the tracked state with externally observed reality,
// e.g. when the miner is found already running at startup. Counters
// reset so a stale count never carries into the new state.
func (e *Engine) Sync(state State) {
	if e.state != state {
		logger.Info().Msgf("Decision state synced: %s -> %s", e.state, state)
	}
	e.state = state
	e.startCount = 0
	e.stopCount = 0
}

// Evaluate consumes one cycle's input and returns the resulting
// command. A command is emitted exactly on the cycle the confirmation
// count is reached; repeating the same input afterwards re-emits
// nothing until conditions change.
func (e *Engine) Evaluate(in Input) Result {
	if in.GPUBusy {
		return e.evaluateBusy()
	}

	switch e.state {
	case StateMining:
		return e.evaluateMining(in)
	default:
		return e.evaluateIdle(in)
	}
}

func (e *Engine) evaluateBusy() Result {
	// A foreign GPU workload always wins. Stop immediately when
	// mining; when idle just make sure no start is brewing.
	e.startCount = 0
	e.stopCount = 0

	if e.state == StateMining {
		e.state = StateIdle
		logger.Info().Msg("GPU claimed by another process, stopping miner")

		return Result{Command: CommandStop, State: e.state, Reason: ReasonGPUBusy}
	}

	return Result{Command: CommandNone, State: e.state, Reason: ReasonGPUBusy}
}

func (e *Engine) evaluateIdle(in Input) Result {
	if in.AvailableW < e.cfg.StartPowerW {
		if e.startCount > 0 {
			logger.Debug().Msgf("Surplus dropped to %.0fW, start counter reset", in.AvailableW)
		}
		e.startCount = 0

		return Result{Command: CommandNone, State: e.state, Reason: ReasonSteady}
	}

	e.startCount++
	if e.startCount < e.cfg.StartConfirmations {
		logger.Debug().Msgf("Surplus %.0fW, start confirmation %d/%d",
			in.AvailableW, e.startCount, e.cfg.StartConfirmations)

		return Result{
			Command:    CommandNone,
			State:      e.state,
			Reason:     ReasonAccumulating,
			StartCount: e.startCount,
		}
	}

	e.state = StateMining
	e.startCount = 0
	e.stopCount = 0
	logger.Info().Msgf("Surplus confirmed at %.0fW, starting miner", in.AvailableW)

	return Result{Command: CommandStart, State: e.state, Reason: ReasonSurplusConfirmed}
}

func (e *Engine) evaluateMining(in Input) Result {
	if in.AvailableW >= e.cfg.StopPowerW {
		if e.stopCount > 0 {
			logger.Debug().Msgf("Surplus recovered to %.0fW, stop counter reset", in.AvailableW)
		}
		e.stopCount = 0

		return Result{Command: CommandNone, State: e.state, Reason: ReasonSteady}
	}

	e.stopCount++
	if e.stopCount < e.cfg.StopConfirmations {
		logger.Debug().Msgf("Surplus %.0fW below stop threshold, stop confirmation %d/%d",
			in.AvailableW, e.stopCount, e.cfg.StopConfirmations)

		return Result{
			Command:   CommandNone,
			State:     e.state,
			Reason:    ReasonAccumulating,
			StopCount: e.stopCount,
		}
	}

	e.state = StateIdle
	e.startCount = 0
	e.stopCount = 0
	logger.Info().Msgf("Deficit confirmed at %.0fW, stopping miner", in.AvailableW)

	return Result{Command: CommandStop, State: e.state, Reason: ReasonDeficitConfirmed}
}
