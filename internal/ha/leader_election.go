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

var errLeaseLapsed = errors.New("lease deadline passed before renewal")

// LeaderElection manages the primary election process
type LeaderElection struct {
	log                     *logger.Logger
	store                   interfaces.LockStore
	eventBus                *events.Bus
	tracker                 *state.Tracker
	metrics                 *metrics.Metrics
	clock                   clock.Clock
	lockKey                 string
	ownerID                 string
	lockTTL                 time.Duration
	heartbeatInterval       time.Duration
	electionPollingInterval time.Duration

	mu   sync.RWMutex
	lock *models.CoordinationLock // held election lock, nil when secondary

	wg     sync.WaitGroup     // election polling thread wg
	cancel context.CancelFunc // election polling thread cancel signal
}

func NewLeaderElection(
	log *logger.Logger,
	cfg config.CoordinationConfig,
	ownerID string,
	store interfaces.LockStore,
	eventBus *events.Bus,
	tracker *state.Tracker,
	m *metrics.Metrics,
) *LeaderElection {
	return &LeaderElection{
		log:                     log,
		store:                   store,
		eventBus:                eventBus,
		tracker:                 tracker,
		metrics:                 m,
		clock:                   clock.New(),
		lockKey:                 models.LockKey(models.PrimaryElectionResource),
		ownerID:                 ownerID,
		lockTTL:                 cfg.ElectionLockTTL,
		heartbeatInterval:       cfg.ElectionRenewInterval,
		electionPollingInterval: cfg.ElectionPollingInterval,
	}
}

// IsPrimary reports whether this worker holds the election lock and its lease
// has not passed according to the local clock.
func (le *LeaderElection) IsPrimary() bool {
	le.mu.RLock()
	defer le.mu.RUnlock()
	return le.lock != nil && le.lock.ExpiresAt.After(le.clock.Now())
}

// IsLeader confirms the local primary status against the store,
// the stored lock must still carry this worker's fencing token.
func (le *LeaderElection) IsLeader(ctx context.Context) (bool, error) {
	held := le.currentLock()
	if held == nil || !held.ExpiresAt.After(le.clock.Now()) {
		return false, nil
	}
	stored, err := le.store.GetLock(ctx, le.lockKey)
	if err != nil {
		return false, fmt.Errorf("failed to read election lock: %w", err)
	}
	if stored == nil {
		return false, nil
	}
	return stored.OwnerID == le.ownerID &&
		stored.FencingToken == held.FencingToken &&
		!stored.IsExpired(le.clock.Now()), nil
}

// FencingToken returns the token of the held election lock, 0 when secondary.
func (le *LeaderElection) FencingToken() int64 {
	if lock := le.currentLock(); lock != nil {
		return lock.FencingToken
	}
	return 0
}

// Start stars the election polling
func (le *LeaderElection) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	le.cancel = cancel

	// start election polling
	le.wg.Go(func() {
		le.startElectionPolling(ctx)
	})
}

// Stop stops the election polling and releases the lock if held
func (le *LeaderElection) Stop(ctx context.Context) {
	// cancel election polling thread
	if le.cancel != nil {
		le.cancel()
	}
	// wait for election polling thread to exit
	le.wg.Wait()

	if lock := le.currentLock(); lock != nil {
		if err := le.store.ReleaseLock(ctx, lock); err != nil {
			le.log.WithComponent("leader-election").Error("Error releasing election lock", "error", err.Error())
		}
		le.setLock(nil)
	}

	le.log.WithComponent("leader-election").Info("Shutdown completed", "ownerID", le.ownerID)
}

// startHeartbeat long polling function that periodically renews the lock,
// returns when the heartbeat is cancelled or the lock is lost.
func (le *LeaderElection) startHeartbeat(ctx context.Context) error {
	ticker := le.clock.Ticker(le.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			current := le.currentLock()
			// a stalled renewal must not extend a lease that has already lapsed locally
			if !current.ExpiresAt.After(le.clock.Now()) {
				return errLeaseLapsed
			}
			renewed, err := le.store.RenewLock(ctx, current)
			if errors.Is(err, interfaces.ErrLeaseExpired) {
				// superseded by another owner, return to polling
				return nil
			}
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				le.log.WithComponent("leader-election").Warn("Failed to renew election lock", "error", err.Error())
				continue
			}
			le.mu.Lock()
			le.lock = renewed
			le.mu.Unlock()
			le.log.Debug("renewed election lock", "expiresAt", renewed.ExpiresAt)
		}
	}
}

func (le *LeaderElection) startElectionPolling(ctx context.Context) {
	ticker := le.clock.Ticker(le.electionPollingInterval)
	defer ticker.Stop()

	for {
		// first attempt happens at startup, then once per polling interval
		le.tryLead(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (le *LeaderElection) tryLead(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	log := le.log.WithComponent("leader-election")

	lock, err := le.store.AcquireLock(ctx, le.lockKey, le.ownerID, le.lockTTL)
	if errors.Is(err, interfaces.ErrLockBusy) {
		return
	}
	if err != nil {
		log.Error("Error during election lock acquisition attempt", "error", err)
		return // keep trying on the next tick
	}

	le.setLock(lock)
	log.Info("Acquired election lock, starting heartbeat",
		"ownerID", le.ownerID,
		"fencingToken", lock.FencingToken)

	if err := le.startHeartbeat(ctx); err != nil {
		log.Error("Error during heartbeat attempt", "error", err)
	}
	if ctx.Err() != nil {
		// keep the lock for the release in Stop
		return
	}

	le.setLock(nil)
	log.Info("Lost election lock, returning to polling", "ownerID", le.ownerID)
}

func (le *LeaderElection) currentLock() *models.CoordinationLock {
	le.mu.RLock()
	defer le.mu.RUnlock()
	return le.lock
}

// setLock stores the held lock and announces the role change.
func (le *LeaderElection) setLock(lock *models.CoordinationLock) {
	le.mu.Lock()
	wasPrimary := le.lock != nil
	le.lock = lock
	le.mu.Unlock()

	isPrimary := lock != nil
	if wasPrimary == isPrimary {
		return
	}

	role := models.RoleSecondary
	var token int64
	if isPrimary {
		role = models.RolePrimary
		token = lock.FencingToken
	}
	if le.tracker != nil {
		le.tracker.SetRole(role)
	}
	if le.metrics != nil {
		le.metrics.SetPrimary(isPrimary)
		le.metrics.RoleTransitions.Inc()
	}
	if le.eventBus != nil {
		le.eventBus.Publish(&events.RoleChangedEvent{Role: role, FencingToken: token})
	}
}
