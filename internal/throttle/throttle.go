// Package throttle implements per-device thermal TDP control. Each GPU
// is handled independently: overheat above the throttle thresholds maps
// to a TDP target below the maximum, critical temperatures clamp to the
// minimum, and cooled-down devices recover in steps.
package throttle

import (
	"codeberg.org/helioz/solarminerctl/internal/logger"
)

type Action string

const (
	ActionNormal           Action = "normal"
	ActionHold             Action = "hold"
	ActionThrottleStart    Action = "throttle_start"
	ActionThrottleIncrease Action = "throttle_increase"
	ActionCritical         Action = "critical"
	ActionRecovery         Action = "recovery"
)

const degreesPerStep = 2
const percentPerStep = 5

type Config struct {
	TargetCoreTempC   float64
	ThrottleCoreTempC float64
	CriticalCoreTempC float64
	TargetVRAMTempC   float64
	ThrottleVRAMTempC float64
	CriticalVRAMTempC float64
	MinTDPPercent     int
	MaxTDPPercent     int
	RecoveryStep      int
}

// Reading is one device's temperatures for one cycle.
type Reading struct {
	DeviceID  string
	CoreTempC float64
	VRAMTempC float64
}

// Decision is the controller's verdict for one device and cycle.
// TargetTDP is the limit the device should run at after this cycle;
// Changed reports whether it differs from the tracked current limit.
type Decision struct {
	Action      Action
	TargetTDP   int
	PreviousTDP int
	Changed     bool
	OverheatC   float64
}

// Controller tracks the applied TDP per device across cycles. Not safe
// for concurrent use.
type Controller struct {
	cfg     Config
	current map[string]int
}

func NewController(cfg Config) *Controller {
	return &Controller{
		cfg:     cfg,
		current: make(map[string]int),
	}
}

// Sync records a device's actual TDP, e.g. after the miner restarts
// with limits reset.
func (c *Controller) Sync(deviceID string, tdpPercent int) {
	c.current[deviceID] = clamp(tdpPercent, c.cfg.MinTDPPercent, c.cfg.MaxTDPPercent)
}

// Prune drops tracking for devices that are no longer reported, e.g.
// after a GPU is removed from the host.
func (c *Controller) Prune(active map[string]struct{}) {
	for id := range c.current {
		if _, ok := active[id]; !ok {
			logger.Info().Msgf("Device %s no longer reported, dropping thermal tracking", id)
			delete(c.current, id)
		}
	}
}

// Current returns the tracked TDP for a device, defaulting to the
// maximum for devices never seen before.
func (c *Controller) Current(deviceID string) int {
	if tdp, ok := c.current[deviceID]; ok {
		return tdp
	}

	return c.cfg.MaxTDPPercent
}

// Evaluate maps one device reading to a TDP decision. Feeding the same
// temperatures twice yields the same target, so an unchanged reading
// makes no adjustment.
func (c *Controller) Evaluate(r Reading) Decision {
	current := c.Current(r.DeviceID)

	if r.CoreTempC >= c.cfg.CriticalCoreTempC || r.VRAMTempC >= c.cfg.CriticalVRAMTempC {
		return c.critical(r, current)
	}

	overheat := c.overheat(r)
	if overheat > 0 {
		return c.throttle(r, current, overheat)
	}

	if current < c.cfg.MaxTDPPercent {
		return c.recover(r, current)
	}

	return Decision{Action: ActionNormal, TargetTDP: current, PreviousTDP: current}
}

// overheat is the worst excess over the throttle thresholds across
// both sensors, in degrees. Zero when neither sensor is over.
func (c *Controller) overheat(r Reading) float64 {
	excess := 0.0
	if d := r.CoreTempC - c.cfg.ThrottleCoreTempC; d > excess {
		excess = d
	}
	if d := r.VRAMTempC - c.cfg.ThrottleVRAMTempC; d > excess {
		excess = d
	}

	return excess
}

func (c *Controller) critical(r Reading, current int) Decision {
	target := c.cfg.MinTDPPercent
	changed := target != current
	if changed {
		c.current[r.DeviceID] = target
		logger.Warn().Msgf("Device %s critical (core=%.0f vram=%.0f), TDP clamped to %d%%",
			r.DeviceID, r.CoreTempC, r.VRAMTempC, target)
	}

	return Decision{
		Action:      ActionCritical,
		TargetTDP:   target,
		PreviousTDP: current,
		Changed:     changed,
		OverheatC:   c.overheat(r),
	}
}

func (c *Controller) throttle(r Reading, current int, overheat float64) Decision {
	steps := int(overheat) / degreesPerStep
	target := clamp(c.cfg.MaxTDPPercent-steps*percentPerStep, c.cfg.MinTDPPercent, c.cfg.MaxTDPPercent)

	// Never raise the limit while still over the throttle threshold
	if target >= current {
		return Decision{Action: ActionHold, TargetTDP: current, PreviousTDP: current, OverheatC: overheat}
	}

	action := ActionThrottleIncrease
	if current == c.cfg.MaxTDPPercent {
		action = ActionThrottleStart
	}

	c.current[r.DeviceID] = target
	logger.Info().Msgf("Device %s overheating by %.0fC, TDP %d%% -> %d%%",
		r.DeviceID, overheat, current, target)

	return Decision{Action: action, TargetTDP: target, PreviousTDP: current, Changed: true, OverheatC: overheat}
}

func (c *Controller) recover(r Reading, current int) Decision {
	// Recovery waits for both sensors to cool to their targets, then
	// raises one step per cycle.
	if r.CoreTempC > c.cfg.TargetCoreTempC || r.VRAMTempC > c.cfg.TargetVRAMTempC {
		return Decision{Action: ActionHold, TargetTDP: current, PreviousTDP: current}
	}

	step := c.cfg.RecoveryStep
	if step <= 0 {
		step = percentPerStep
	}

	target := clamp(current+step, c.cfg.MinTDPPercent, c.cfg.MaxTDPPercent)
	c.current[r.DeviceID] = target
	logger.Info().Msgf("Device %s cooled down, TDP %d%% -> %d%%", r.DeviceID, current, target)

	return Decision{Action: ActionRecovery, TargetTDP: target, PreviousTDP: current, Changed: true}
}

func clamp(value, minValue, maxValue int) int {
	if value < minValue {
		return minValue
	}
	if value > maxValue {
		return maxValue
	}

	return value
}
