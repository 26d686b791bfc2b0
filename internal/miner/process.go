package miner

import (
	"context"
	"os"
	"os/exec"
	"time"

	"codeberg.org/helioz/solarminerctl/internal/errors"
	"codeberg.org/helioz/solarminerctl/internal/logger"
)

const (
	apiPollInterval  = time.Second
	terminateTimeout = 5 * time.Second
)

// Process launches and supervises the miner executable. The API client
// is used to probe for readiness after launch.
type Process struct {
	binaryPath string
	args       []string
	client     Client
	startWait  time.Duration
	errs       errors.Factory

	cmd  *exec.Cmd
	done chan error
}

func NewProcess(binaryPath string, args []string, client Client, startWait time.Duration) *Process {
	return &Process{
		binaryPath: binaryPath,
		args:       args,
		client:     client,
		startWait:  startWait,
		errs:       errors.New(),
	}
}

// PID returns the running process id, or zero when not running.
func (p *Process) PID() int32 {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}

	return int32(p.cmd.Process.Pid)
}

// Running reports whether the launched process is still alive.
func (p *Process) Running() bool {
	if p.cmd == nil {
		return false
	}

	select {
	case <-p.doneChan():
		return false
	default:
		return true
	}
}

func (p *Process) doneChan() chan error {
	return p.done
}

// Start launches the miner and waits until its API answers. When the
// API already answers before launch, the miner is managed externally
// and Start records that without spawning a second instance.
func (p *Process) Start(ctx context.Context) error {
	if p.Running() {
		return p.errs.New(ErrAlreadyRunning)
	}

	probeCtx, cancel := context.WithTimeout(ctx, apiPollInterval)
	_, err := p.client.Info(probeCtx)
	cancel()
	if err == nil {
		logger.Info().Msg("Miner API already answering, reusing external instance")
		return nil
	}

	if _, err := os.Stat(p.binaryPath); err != nil {
		return p.errs.Wrap(ErrBinaryNotFound, err).WithData(p.binaryPath)
	}

	cmd := exec.Command(p.binaryPath, p.args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return p.errs.Wrap(errors.ErrOperationFailed, err)
	}

	p.cmd = cmd
	p.done = make(chan error, 1)
	go func(done chan error) {
		done <- cmd.Wait()
		close(done)
	}(p.done)

	logger.Info().Msgf("Miner launched: %s (pid %d)", p.binaryPath, cmd.Process.Pid)

	return p.waitForAPI(ctx)
}

func (p *Process) waitForAPI(ctx context.Context) error {
	deadline := time.Now().Add(p.startWait)
	ticker := time.NewTicker(apiPollInterval)
	defer ticker.Stop()

	for {
		probeCtx, cancel := context.WithTimeout(ctx, apiPollInterval)
		info, err := p.client.Info(probeCtx)
		cancel()
		if err == nil {
			logger.Info().Msgf("Miner API up (version %s)", info.Version)
			return nil
		}

		if time.Now().After(deadline) {
			return p.errs.WithData(ErrStartTimeout, p.startWait.String())
		}

		select {
		case <-ctx.Done():
			return p.errs.Wrap(ErrStartTimeout, ctx.Err())
		case err := <-p.doneChan():
			return p.errs.Wrap(errors.ErrOperationFailed, err).WithData("miner exited during startup")
		case <-ticker.C:
		}
	}
}

// Stop terminates the process, escalating to SIGKILL when it ignores
// the termination signal. A nil return with no managed process is
// fine; the miner may be external.
func (p *Process) Stop() error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	if !p.Running() {
		p.cmd = nil
		return nil
	}

	pid := p.cmd.Process.Pid
	logger.Info().Msgf("Terminating miner (pid %d)", pid)

	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		logger.Warn().Err(err).Msg("Failed to signal miner, killing")
		_ = p.cmd.Process.Kill()
	}

	select {
	case <-p.doneChan():
	case <-time.After(terminateTimeout):
		logger.Warn().Msgf("Miner did not exit within %s, killing", terminateTimeout)
		_ = p.cmd.Process.Kill()
		<-p.doneChan()
	}

	p.cmd = nil

	return nil
}

// Restart stops any managed process and launches a fresh one.
func (p *Process) Restart(ctx context.Context) error {
	if err := p.Stop(); err != nil {
		return err
	}

	return p.Start(ctx)
}
