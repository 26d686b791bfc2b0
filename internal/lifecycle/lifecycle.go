// Package lifecycle supervises the miner: workload start with bounded
// retries, stop, and escalation from repeated health-check failures to
// a full process restart.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"codeberg.org/helioz/solarminerctl/internal/errors"
	"codeberg.org/helioz/solarminerctl/internal/logger"
	"codeberg.org/helioz/solarminerctl/internal/miner"
	"codeberg.org/helioz/solarminerctl/internal/notify"
)

// RetryPolicy bounds start attempts. Attempts stop when either
// MaxAttempts is reached or the window since the first attempt has
// elapsed, whichever comes first.
type RetryPolicy struct {
	MaxAttempts int
	Window      time.Duration
	Delay       time.Duration
}

// ProcessManager is the slice of miner.Process the supervisor needs.
type ProcessManager interface {
	Start(ctx context.Context) error
	Stop() error
	Restart(ctx context.Context) error
	Running() bool
	PID() int32
}

// MinerHealth is the supervisor's view of the miner across cycles.
type MinerHealth struct {
	ConsecutiveFailures int
	LastStartAttempt    time.Time
	IsRunning           bool
}

type Supervisor struct {
	client          miner.Client
	process         ProcessManager
	sink            notify.Sink
	policy          RetryPolicy
	healthLimit     int
	expectedDevices int
	errs            errors.Factory

	health MinerHealth

	// Injectable for tests
	now   func() time.Time
	sleep func(time.Duration)
}

func NewSupervisor(client miner.Client, process ProcessManager, sink notify.Sink, policy RetryPolicy, healthLimit int) *Supervisor {
	return &Supervisor{
		client:      client,
		process:     process,
		sink:        sink,
		policy:      policy,
		healthLimit: healthLimit,
		errs:        errors.New(),
		now:         time.Now,
		sleep:       time.Sleep,
	}
}

// WithClock replaces the wall clock and sleep, for tests.
func (s *Supervisor) WithClock(now func() time.Time, sleep func(time.Duration)) *Supervisor {
	s.now = now
	s.sleep = sleep

	return s
}

// WithExpectedDevices sets the GPU count the miner must report for a
// health check to pass. Zero disables the comparison.
func (s *Supervisor) WithExpectedDevices(count int) *Supervisor {
	s.expectedDevices = count

	return s
}

// Health returns the supervisor's current view of the miner.
func (s *Supervisor) Health() MinerHealth {
	return s.health
}

// StartWorkload asks the miner to start mining, retrying within the
// policy's bounds. Exhausted retries surface as an error; the caller
// stays in its loop and a later cycle may try again.
func (s *Supervisor) StartWorkload(ctx context.Context) error {
	first := s.now()
	s.health.LastStartAttempt = first

	var lastErr error
	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		lastErr = s.client.StartWorkload(ctx)
		if lastErr == nil {
			s.health.IsRunning = true
			s.health.ConsecutiveFailures = 0
			logger.Info().Msgf("Mining workload started (attempt %d)", attempt)

			return nil
		}

		logger.Warn().Err(lastErr).Msgf("Start attempt %d/%d failed", attempt, s.policy.MaxAttempts)

		if attempt == s.policy.MaxAttempts {
			break
		}
		if s.now().Add(s.policy.Delay).Sub(first) > s.policy.Window {
			logger.Warn().Msgf("Start retry window of %s exhausted", s.policy.Window)
			break
		}

		s.notify(notify.EventStartFailedRetrying, "Miner start failed, retrying",
			fmt.Sprintf("Attempt %d of %d failed: %v", attempt, s.policy.MaxAttempts, lastErr))
		s.sleep(s.policy.Delay)
	}

	s.health.IsRunning = false

	return s.errs.Wrap(ErrStartExhausted, lastErr)
}

// StopWorkload asks the miner to stop mining. Failure is logged and
// returned but treated as non-fatal by callers.
func (s *Supervisor) StopWorkload(ctx context.Context) error {
	if err := s.client.StopWorkload(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to stop mining workload")
		return err
	}

	s.health.IsRunning = false
	logger.Info().Msg("Mining workload stopped")

	return nil
}

// CheckHealth probes the miner API once. Repeated failures beyond the
// configured limit trigger a full process restart. The returned bool
// reports whether a restart happened this cycle.
func (s *Supervisor) CheckHealth(ctx context.Context) (bool, error) {
	health, err := s.client.Health(ctx)
	if err == nil && health.Reachable && s.believable(health) {
		if s.health.ConsecutiveFailures > 0 {
			logger.Info().Msgf("Miner recovered after %d failed checks", s.health.ConsecutiveFailures)
		}
		s.health.ConsecutiveFailures = 0

		return false, nil
	}

	if err == nil && health.Reachable {
		logger.Warn().Msgf("Miner answers but reports %d devices, expected %d",
			health.DeviceCount, s.expectedDevices)
	}

	s.health.ConsecutiveFailures++
	logger.Warn().Err(err).Msgf("Miner health check failed (%d/%d)",
		s.health.ConsecutiveFailures, s.healthLimit)

	if s.health.ConsecutiveFailures < s.healthLimit {
		return false, nil
	}

	return true, s.restart(ctx)
}

// believable rejects a reachable API whose device list does not match
// the GPUs seen on the host, e.g. a wedged miner answering with none.
func (s *Supervisor) believable(health miner.Health) bool {
	if s.expectedDevices == 0 {
		return true
	}

	return health.DeviceCount == s.expectedDevices
}

func (s *Supervisor) restart(ctx context.Context) error {
	logger.Warn().Msg("Health check limit reached, restarting miner process")

	// Counter resets either way so a failed restart waits a full set
	// of cycles before the next attempt instead of looping hot.
	s.health.ConsecutiveFailures = 0

	if err := s.process.Restart(ctx); err != nil {
		s.health.IsRunning = false
		s.notify(notify.EventMinerRestarted, "Miner restart failed",
			fmt.Sprintf("Process restart did not succeed: %v", err))

		return s.errs.Wrap(ErrRestartFailed, err)
	}

	s.notify(notify.EventMinerRestarted, "Miner restarted",
		fmt.Sprintf("Miner process restarted after failed health checks (pid %d)", s.process.PID()))

	return nil
}

func (s *Supervisor) notify(event notify.Event, subject, body string) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Send(event, subject, body); err != nil {
		logger.Warn().Err(err).Msg("Notification delivery failed")
	}
}
