package ha

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/unicitynetwork/ntlm-auth-gateway/internal/config"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/events"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/ha/state"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/logger"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/metrics"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/models"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/storage/interfaces"
)

// maxRenewFailures is the number of consecutive failed renewals after which
// the binding is considered lost.
const maxRenewFailures = 2

// BindingRegistry claims one machine account for the worker and keeps its lease alive.
// Needs to be started with the Start method and stopped with the Stop method.
type BindingRegistry struct {
	log           *logger.Logger
	store         interfaces.LockStore
	eventBus      *events.Bus
	tracker       *state.Tracker
	metrics       *metrics.Metrics
	clock         clock.Clock
	ownerID       string
	accounts      []string
	leaseTTL      time.Duration
	renewInterval time.Duration

	mu    sync.RWMutex
	lock  *models.CoordinationLock // held binding lock, nil when unbound
	stale *models.CoordinationLock // lost lock the store may still hold for this owner
	// a failed renewal may still have extended the stale lease up to this instant
	staleUntil time.Time
	failures   int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewBindingRegistry(
	log *logger.Logger,
	cfg *config.Config,
	ownerID string,
	store interfaces.LockStore,
	eventBus *events.Bus,
	tracker *state.Tracker,
	m *metrics.Metrics,
) *BindingRegistry {
	return &BindingRegistry{
		log:           log,
		store:         store,
		eventBus:      eventBus,
		tracker:       tracker,
		metrics:       m,
		clock:         clock.New(),
		ownerID:       ownerID,
		accounts:      cfg.Accounts.MachineAccounts,
		leaseTTL:      cfg.Coordination.BindingLeaseTTL,
		renewInterval: cfg.Coordination.BindingRenewInterval,
	}
}

// Binding returns the held binding, nil when unbound or when the lease has passed locally.
func (br *BindingRegistry) Binding() *models.MachineAccountBinding {
	br.mu.RLock()
	defer br.mu.RUnlock()
	if br.lock == nil || br.lock.IsExpired(br.clock.Now()) {
		return nil
	}
	return models.NewMachineAccountBinding(br.lock)
}

// Claim scans the account pool in the configured order and binds the first account
// whose binding is absent or expired. Returns nil without error if every account is taken.
// A worker holds at most one binding, Claim returns the current one if already bound
// and claims nothing while a lost binding may still be active in the store.
func (br *BindingRegistry) Claim(ctx context.Context) (*models.MachineAccountBinding, error) {
	if lock := br.currentLock(); lock != nil {
		return models.NewMachineAccountBinding(lock), nil
	}
	if !br.releaseStale(ctx) {
		return nil, nil
	}

	for _, account := range br.accounts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lock, err := br.store.AcquireLock(ctx, models.BindingKey(account), br.ownerID, br.leaseTTL)
		if errors.Is(err, interfaces.ErrLockBusy) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to claim machine account %s: %w", account, err)
		}

		br.setLock(lock)
		binding := models.NewMachineAccountBinding(lock)
		br.log.WithComponent("binding-registry").Info("Bound machine account",
			"account", account,
			"fencingToken", lock.FencingToken,
			"leaseExpiry", lock.ExpiresAt)
		return binding, nil
	}
	return nil, nil
}

// Start starts the renewal loop. When unbound the loop keeps trying to claim an account.
func (br *BindingRegistry) Start(ctx context.Context) {
	ctx, br.cancel = context.WithCancel(ctx)
	br.wg.Go(func() {
		br.runLoop(ctx)
	})
}

// Stop stops the renewal loop and releases the binding.
func (br *BindingRegistry) Stop(ctx context.Context) {
	if br.cancel != nil {
		br.cancel()
		br.cancel = nil
	}
	br.wg.Wait()

	if lock := br.currentLock(); lock != nil {
		if err := br.store.ReleaseLock(ctx, lock); err != nil {
			br.log.WithComponent("binding-registry").Error("Error releasing binding", "error", err.Error())
		}
		br.setLock(nil)
	}
	br.releaseStale(ctx)
}

func (br *BindingRegistry) runLoop(ctx context.Context) {
	ticker := br.clock.Ticker(br.renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			br.onTick(ctx)
		}
	}
}

func (br *BindingRegistry) onTick(ctx context.Context) {
	log := br.log.WithComponent("binding-registry")

	if lock := br.currentLock(); lock != nil {
		renewed, err := br.store.RenewLock(ctx, lock)
		switch {
		case err == nil:
			br.mu.Lock()
			br.lock = renewed
			br.failures = 0
			br.mu.Unlock()
			return
		case ctx.Err() != nil:
			return
		case errors.Is(err, interfaces.ErrLeaseExpired):
			log.Warn("Binding taken over by another owner", "key", lock.Key)
			br.lose(ctx, lock, false)
		default:
			br.mu.Lock()
			br.failures++
			failures := br.failures
			br.mu.Unlock()
			log.Warn("Failed to renew binding", "key", lock.Key, "failures", failures, "error", err.Error())
			if failures < maxRenewFailures {
				return
			}
			br.lose(ctx, lock, true)
		}
	}

	// unbound: re-attempt from scratch, possibly another account
	binding, err := br.Claim(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("Failed to claim machine account", "error", err.Error())
		}
		return
	}
	if binding == nil {
		log.Debug("No free machine account")
	}
}

// lose drops the binding in-process. When the store may still hold it, the lock is kept
// as stale until a fenced release succeeds or its lease passes.
func (br *BindingRegistry) lose(ctx context.Context, lock *models.CoordinationLock, release bool) {
	br.setLock(nil)
	if br.metrics != nil {
		br.metrics.BindingLosses.Inc()
	}
	br.log.WithComponent("binding-registry").Warn("Lost machine account binding, re-acquiring", "key", lock.Key)

	if release {
		br.mu.Lock()
		br.stale = lock
		br.staleUntil = br.clock.Now().Add(lock.TTL)
		br.mu.Unlock()
		br.releaseStale(ctx)
	}
}

// releaseStale releases the lost binding, if any. Returns false while the store may
// still hold an active binding of this owner.
func (br *BindingRegistry) releaseStale(ctx context.Context) bool {
	br.mu.RLock()
	stale, until := br.stale, br.staleUntil
	br.mu.RUnlock()
	if stale == nil {
		return true
	}

	if err := br.store.ReleaseLock(ctx, stale); err != nil && br.clock.Now().Before(until) {
		br.log.WithComponent("binding-registry").Debug("Release of lost binding failed",
			"key", stale.Key, "until", until, "error", err.Error())
		return false
	}

	br.mu.Lock()
	if br.stale == stale {
		br.stale = nil
	}
	br.mu.Unlock()
	return true
}

func (br *BindingRegistry) currentLock() *models.CoordinationLock {
	br.mu.RLock()
	defer br.mu.RUnlock()
	return br.lock
}

func (br *BindingRegistry) setLock(lock *models.CoordinationLock) {
	br.mu.Lock()
	br.lock = lock
	br.failures = 0
	br.mu.Unlock()

	binding := models.NewMachineAccountBinding(lock)
	if br.tracker != nil {
		account := ""
		if binding != nil {
			account = binding.AccountID
		}
		br.tracker.SetAccount(account)
	}
	if br.metrics != nil {
		br.metrics.SetBound(binding != nil)
	}
	if br.eventBus != nil {
		br.eventBus.Publish(&events.BindingChangedEvent{Binding: binding})
	}
}
