package throttle_test

import (
	"testing"

	"codeberg.org/helioz/solarminerctl/internal/throttle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController() *throttle.Controller {
	return throttle.NewController(throttle.Config{
		TargetCoreTempC:   70,
		ThrottleCoreTempC: 80,
		CriticalCoreTempC: 85,
		TargetVRAMTempC:   80,
		ThrottleVRAMTempC: 94,
		CriticalVRAMTempC: 100,
		MinTDPPercent:     50,
		MaxTDPPercent:     100,
		RecoveryStep:      5,
	})
}

func TestNormalBelowThresholds(t *testing.T) {
	c := newTestController()

	d := c.Evaluate(throttle.Reading{DeviceID: "gpu0", CoreTempC: 65, VRAMTempC: 75})
	assert.Equal(t, throttle.ActionNormal, d.Action)
	assert.Equal(t, 100, d.TargetTDP)
	assert.False(t, d.Changed)
}

func TestThrottleScalesWithOverheat(t *testing.T) {
	c := newTestController()

	// 4 degrees over the core threshold: two steps of 5 percent
	d := c.Evaluate(throttle.Reading{DeviceID: "gpu0", CoreTempC: 84, VRAMTempC: 70})
	assert.Equal(t, throttle.ActionThrottleStart, d.Action)
	assert.Equal(t, 90, d.TargetTDP)
	assert.True(t, d.Changed)
	assert.InDelta(t, 4.0, d.OverheatC, 0.001)
}

func TestThrottleIdempotentOnUnchangedReading(t *testing.T) {
	c := newTestController()
	r := throttle.Reading{DeviceID: "gpu0", CoreTempC: 84, VRAMTempC: 70}

	first := c.Evaluate(r)
	require.True(t, first.Changed)

	second := c.Evaluate(r)
	assert.Equal(t, throttle.ActionHold, second.Action)
	assert.False(t, second.Changed)
	assert.Equal(t, first.TargetTDP, second.TargetTDP)
}

func TestThrottleDeepensAsTemperatureRises(t *testing.T) {
	c := newTestController()

	d := c.Evaluate(throttle.Reading{DeviceID: "gpu0", CoreTempC: 82})
	assert.Equal(t, 95, d.TargetTDP)

	d = c.Evaluate(throttle.Reading{DeviceID: "gpu0", CoreTempC: 84})
	assert.Equal(t, throttle.ActionThrottleIncrease, d.Action)
	assert.Equal(t, 90, d.TargetTDP)
}

func TestThrottleNeverRaisesWhileHot(t *testing.T) {
	c := newTestController()

	// Deep throttle, then a milder overheat: the limit holds rather
	// than bouncing back up while still over the threshold.
	d := c.Evaluate(throttle.Reading{DeviceID: "gpu0", CoreTempC: 84.5})
	require.Equal(t, 90, d.TargetTDP)

	d = c.Evaluate(throttle.Reading{DeviceID: "gpu0", CoreTempC: 81})
	assert.Equal(t, throttle.ActionHold, d.Action)
	assert.Equal(t, 90, d.TargetTDP)
	assert.False(t, d.Changed)
}

func TestThrottleFloorsAtMinimum(t *testing.T) {
	c := newTestController()

	// Massive overheat can never push the target below the floor
	d := c.Evaluate(throttle.Reading{DeviceID: "gpu0", CoreTempC: 84.9, VRAMTempC: 93.9})
	require.GreaterOrEqual(t, d.TargetTDP, 50)

	// Tight bounds: floor sits well above zero even at the worst
	// non-critical temperatures
	c2 := throttle.NewController(throttle.Config{
		TargetCoreTempC:   70,
		ThrottleCoreTempC: 80,
		CriticalCoreTempC: 120,
		TargetVRAMTempC:   80,
		ThrottleVRAMTempC: 94,
		CriticalVRAMTempC: 130,
		MinTDPPercent:     50,
		MaxTDPPercent:     100,
		RecoveryStep:      5,
	})
	d = c2.Evaluate(throttle.Reading{DeviceID: "gpu0", CoreTempC: 119})
	assert.Equal(t, 50, d.TargetTDP)
}

func TestCriticalClampsToMinimum(t *testing.T) {
	c := newTestController()

	d := c.Evaluate(throttle.Reading{DeviceID: "gpu0", CoreTempC: 86})
	assert.Equal(t, throttle.ActionCritical, d.Action)
	assert.Equal(t, 50, d.TargetTDP)
	assert.True(t, d.Changed)

	// Staying critical makes no further adjustment
	d = c.Evaluate(throttle.Reading{DeviceID: "gpu0", CoreTempC: 86})
	assert.Equal(t, throttle.ActionCritical, d.Action)
	assert.False(t, d.Changed)
}

func TestCriticalVRAM(t *testing.T) {
	c := newTestController()

	d := c.Evaluate(throttle.Reading{DeviceID: "gpu0", CoreTempC: 60, VRAMTempC: 101})
	assert.Equal(t, throttle.ActionCritical, d.Action)
	assert.Equal(t, 50, d.TargetTDP)
}

func TestVRAMOverheatThrottles(t *testing.T) {
	c := newTestController()

	// Core fine, VRAM 2 degrees over its threshold
	d := c.Evaluate(throttle.Reading{DeviceID: "gpu0", CoreTempC: 60, VRAMTempC: 96})
	assert.Equal(t, throttle.ActionThrottleStart, d.Action)
	assert.Equal(t, 95, d.TargetTDP)
}

func TestRecoverySteps(t *testing.T) {
	c := newTestController()

	d := c.Evaluate(throttle.Reading{DeviceID: "gpu0", CoreTempC: 86})
	require.Equal(t, 50, d.TargetTDP)

	// Holds while cooled below critical but still above target
	d = c.Evaluate(throttle.Reading{DeviceID: "gpu0", CoreTempC: 75})
	assert.Equal(t, throttle.ActionHold, d.Action)
	assert.Equal(t, 50, d.TargetTDP)

	// One step per cycle once both sensors reach their targets
	for want := 55; want <= 100; want += 5 {
		d = c.Evaluate(throttle.Reading{DeviceID: "gpu0", CoreTempC: 65, VRAMTempC: 70})
		require.Equal(t, throttle.ActionRecovery, d.Action)
		require.Equal(t, want, d.TargetTDP)
	}

	// Fully recovered
	d = c.Evaluate(throttle.Reading{DeviceID: "gpu0", CoreTempC: 65, VRAMTempC: 70})
	assert.Equal(t, throttle.ActionNormal, d.Action)
	assert.Equal(t, 100, d.TargetTDP)
}

func TestDevicesAreIndependent(t *testing.T) {
	c := newTestController()

	d0 := c.Evaluate(throttle.Reading{DeviceID: "gpu0", CoreTempC: 84})
	d1 := c.Evaluate(throttle.Reading{DeviceID: "gpu1", CoreTempC: 65})

	assert.Equal(t, 90, d0.TargetTDP)
	assert.Equal(t, throttle.ActionNormal, d1.Action)
	assert.Equal(t, 100, c.Current("gpu1"))
	assert.Equal(t, 90, c.Current("gpu0"))
}

func TestSyncOverridesTrackedTDP(t *testing.T) {
	c := newTestController()

	c.Sync("gpu0", 100)
	assert.Equal(t, 100, c.Current("gpu0"))

	// Out-of-range values clamp to the configured bounds
	c.Sync("gpu0", 10)
	assert.Equal(t, 50, c.Current("gpu0"))
}

func TestPruneDropsMissingDevices(t *testing.T) {
	c := newTestController()

	c.Evaluate(throttle.Reading{DeviceID: "gpu0", CoreTempC: 84})
	c.Evaluate(throttle.Reading{DeviceID: "gpu1", CoreTempC: 84})
	assert.Equal(t, 90, c.Current("gpu0"))

	c.Prune(map[string]struct{}{"gpu1": {}})

	// A pruned device starts over at the maximum when it reappears
	assert.Equal(t, 100, c.Current("gpu0"))
	assert.Equal(t, 90, c.Current("gpu1"))
}
