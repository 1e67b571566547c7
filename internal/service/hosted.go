package service

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/juju/clock"

	"github.com/katasec/dstream-orchestrator/internal/cdc"
	"github.com/katasec/dstream-orchestrator/internal/cdc/utils"
	"github.com/katasec/dstream-orchestrator/internal/locking"
)

// Executor runs one orchestration of an entity
type Executor interface {
	Name() string
	Execute(ctx context.Context) cdc.Result
}

// Clock is the part of clock.Clock the service waits on
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

// Config configures a HostedService
type Config struct {
	LockName        string
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	Clock           Clock
}

// HostedService runs an entity's orchestrator periodically under its lock.
type HostedService struct {
	exec   Executor
	locker locking.DistributedLocker
	cfg    Config
	logger hclog.Logger
}

// NewHostedService creates a HostedService
func NewHostedService(exec Executor, locker locking.DistributedLocker, logger hclog.Logger, cfg Config) *HostedService {
	if cfg.LockName == "" {
		cfg.LockName = exec.Name()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &HostedService{
		exec:   exec,
		locker: locker,
		cfg:    cfg,
		logger: logger.With("service", exec.Name()),
	}
}

// Run executes the orchestrator until ctx is done. A run that processed a batch is followed
// immediately by the next one; when there is nothing to process the interval doubles up to the
// maximum poll interval. Failures retry at the current interval.
func (h *HostedService) Run(ctx context.Context) error {
	backoff := utils.NewBackoffManager(h.cfg.PollInterval, h.cfg.MaxPollInterval)
	h.logger.Info("Starting hosted service", "pollInterval", h.cfg.PollInterval, "maxPollInterval", h.cfg.MaxPollInterval)

	for {
		if ctx.Err() != nil {
			h.logger.Info("Stopping hosted service")
			return nil
		}

		res, ran, err := h.RunOnce(ctx)
		wait := backoff.GetInterval()
		switch {
		case err != nil:
			h.logger.Error("Failed to acquire lock", "lock", h.cfg.LockName, "error", err)
		case !ran:
			h.logger.Debug("Lock held elsewhere; skipping run", "lock", h.cfg.LockName, "nextPollIn", wait)
		case res.IsCancelled():
			h.logger.Info("Stopping hosted service")
			return nil
		case !res.IsSuccessful():
			h.logger.Debug("Run failed; retrying", "outcome", res.Outcome(), "nextPollIn", wait)
		case res.Batch != nil:
			backoff.ResetInterval()
			wait = 0
		default:
			backoff.IncreaseInterval()
			wait = backoff.GetInterval()
			h.logger.Trace("No changes found", "nextPollIn", wait)
		}

		if wait > 0 {
			select {
			case <-ctx.Done():
				h.logger.Info("Stopping hosted service")
				return nil
			case <-h.cfg.Clock.After(wait):
			}
		}
	}
}

// RunOnce executes the orchestrator once while holding the lock. ran is false when the lock is held
// elsewhere.
func (h *HostedService) RunOnce(ctx context.Context) (res cdc.Result, ran bool, err error) {
	leaseID, err := h.locker.AcquireLock(ctx, h.cfg.LockName)
	if err != nil {
		return res, false, err
	}
	if leaseID == "" {
		return res, false, nil
	}

	renewCtx, stopRenewal := context.WithCancel(ctx)
	h.locker.StartLockRenewal(renewCtx, h.cfg.LockName)
	defer func() {
		stopRenewal()
		if err := h.locker.ReleaseLock(context.WithoutCancel(ctx), h.cfg.LockName, leaseID); err != nil {
			h.logger.Warn("Failed to release lock", "lock", h.cfg.LockName, "error", err)
		}
	}()

	return h.exec.Execute(ctx), true, nil
}
