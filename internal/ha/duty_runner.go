package ha

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/unicitynetwork/ntlm-auth-gateway/internal/logger"
)

type (
	// Duty is a singleton maintenance task run by the primary worker only.
	// Runs may rarely overlap across workers after an undetected demotion,
	// implementations must be safe to run twice.
	Duty interface {
		Name() string
		Run(ctx context.Context) error
	}

	LeaderSelector interface {
		IsLeader(ctx context.Context) (bool, error)
	}

	// DutyRunner runs the primary-only duties on a fixed interval,
	// re-checking the role right before every duty execution.
	// Needs to be started with the Start method and stopped with the Stop method.
	DutyRunner struct {
		logger         *logger.Logger
		leaderSelector LeaderSelector
		duties         []Duty
		interval       time.Duration
		clock          clock.Clock

		wg     sync.WaitGroup
		cancel context.CancelFunc
	}
)

func NewDutyRunner(logger *logger.Logger, leaderSelector LeaderSelector, interval time.Duration, duties ...Duty) *DutyRunner {
	return &DutyRunner{
		logger:         logger,
		leaderSelector: leaderSelector,
		duties:         duties,
		interval:       interval,
		clock:          clock.New(),
	}
}

func (dr *DutyRunner) Start(ctx context.Context) {
	ctx, dr.cancel = context.WithCancel(ctx)
	dr.wg.Go(func() {
		dr.runLoop(ctx)
	})
}

func (dr *DutyRunner) Stop() {
	if dr.cancel != nil {
		dr.cancel()
		dr.cancel = nil
	}
	dr.wg.Wait()
}

func (dr *DutyRunner) runLoop(ctx context.Context) {
	ticker := dr.clock.Ticker(dr.interval)
	defer ticker.Stop()

	var wasPrimary bool
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wasPrimary = dr.onTick(ctx, wasPrimary)
		}
	}
}

// onTick runs every duty the worker is primary for and returns the last observed role.
func (dr *DutyRunner) onTick(ctx context.Context, wasPrimary bool) bool {
	isPrimary := wasPrimary
	for _, duty := range dr.duties {
		if ctx.Err() != nil {
			return isPrimary
		}

		primary, err := dr.checkRole(ctx)
		if err != nil {
			dr.logger.WithContext(ctx).Warn("failed to check role, skipping duty", "duty", duty.Name(), "err", err.Error())
			continue
		}
		if primary != isPrimary {
			if primary {
				dr.logger.Info("Transitioning to PRIMARY, duties enabled")
			} else {
				dr.logger.Info("Transitioning to SECONDARY, duties disabled")
			}
			isPrimary = primary
		}
		if !primary {
			continue
		}

		dr.logger.WithContext(ctx).Debug("running primary duty", "duty", duty.Name())
		if err := duty.Run(ctx); err != nil {
			dr.logger.WithContext(ctx).Warn("primary duty failed", "duty", duty.Name(), "err", err.Error())
		}
	}
	return isPrimary
}

func (dr *DutyRunner) checkRole(ctx context.Context) (bool, error) {
	isLeader, err := dr.leaderSelector.IsLeader(ctx)
	if err != nil {
		return false, fmt.Errorf("error on leader selection: %w", err)
	}
	return isLeader, nil
}
