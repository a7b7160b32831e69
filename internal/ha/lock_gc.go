package ha

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/unicitynetwork/ntlm-auth-gateway/internal/logger"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/metrics"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/models"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/storage/interfaces"
)

// CollectedPrefixes are the key prefixes swept by the collector.
var CollectedPrefixes = []string{models.LockKeyPrefix, models.BindingKeyPrefix}

// LockGC reclaims coordination locks whose lease expired without an explicit release.
// It runs on every worker regardless of role and never creates locks.
type LockGC struct {
	log      *logger.Logger
	store    interfaces.LockStore
	metrics  *metrics.Metrics
	clock    clock.Clock
	interval time.Duration
	prefixes []string

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewLockGC(log *logger.Logger, store interfaces.LockStore, m *metrics.Metrics, interval time.Duration) *LockGC {
	return &LockGC{
		log:      log,
		store:    store,
		metrics:  m,
		clock:    clock.New(),
		interval: interval,
		prefixes: CollectedPrefixes,
	}
}

func (gc *LockGC) Start(ctx context.Context) {
	ctx, gc.cancel = context.WithCancel(ctx)
	gc.wg.Go(func() {
		gc.runLoop(ctx)
	})
}

func (gc *LockGC) Stop() {
	if gc.cancel != nil {
		gc.cancel()
		gc.cancel = nil
	}
	gc.wg.Wait()
}

func (gc *LockGC) runLoop(ctx context.Context) {
	ticker := gc.clock.Ticker(gc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := gc.Collect(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if gc.metrics != nil {
					gc.metrics.CollectorErrors.Inc()
				}
				gc.log.WithComponent("lock-gc").Warn("Lock collection failed, retrying next interval",
					"collected", n, "error", err.Error())
				continue
			}
			if n > 0 {
				gc.log.WithComponent("lock-gc").Info("Reclaimed expired locks", "count", n)
			}
		}
	}
}

// Collect runs one sweep over every prefix and returns the number of deleted locks.
// A lock is only deleted if its stored expiry is unchanged since the scan.
// Errors are joined and returned after the remaining prefixes have been swept.
func (gc *LockGC) Collect(ctx context.Context) (int, error) {
	var (
		collected int
		errs      []error
	)
	for _, prefix := range gc.prefixes {
		n, err := gc.collectPrefix(ctx, prefix)
		collected += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return collected, errors.Join(errs...)
}

func (gc *LockGC) collectPrefix(ctx context.Context, prefix string) (int, error) {
	expired, err := gc.store.ScanExpired(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to scan expired locks under %s: %w", prefix, err)
	}

	collected := 0
	for _, lock := range expired {
		deleted, err := gc.store.DeleteIfExpired(ctx, lock.Key, lock.ExpiresAt)
		if err != nil {
			return collected, fmt.Errorf("failed to delete expired lock %s: %w", lock.Key, err)
		}
		if !deleted {
			// renewed or re-acquired since the scan
			gc.log.WithComponent("lock-gc").Debug("Lock changed since scan, skipped", "key", lock.Key)
			continue
		}
		collected++
		if gc.metrics != nil {
			gc.metrics.LocksCollected.WithLabelValues(prefix).Inc()
		}
		gc.log.WithComponent("lock-gc").Debug("Reclaimed expired lock",
			"key", lock.Key,
			"owner", lock.OwnerID,
			"expiredAt", lock.ExpiresAt)
	}
	return collected, nil
}
