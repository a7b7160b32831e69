package ha

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/unicitynetwork/ntlm-auth-gateway/internal/logger"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/models"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/storage/redis"
)

const testNamespace = "ntlm-auth:ha-test:"

// newTestStore returns a lock store on a fresh in-process Redis using the given clock.
func newTestStore(t *testing.T, clk clock.Clock) *redis.LockStore {
	server := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: server.Addr()})
	store := redis.NewLockStore(client, testNamespace, redis.WithClock(clk))
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store
}

func newTestLogger(t *testing.T) *logger.Logger {
	testLogger, err := logger.New("info", "text", "stdout", false)
	require.NoError(t, err)
	return testLogger
}

var errInjected = errors.New("injected i/o timeout")

// flakyStore wraps a store and fails selected operations with a transient error.
type flakyStore struct {
	*redis.LockStore

	failRenew   atomic.Bool
	failRelease atomic.Bool
	failScan    atomic.Bool

	// afterScan runs between ScanExpired and the caller's next operation
	afterScan func()
}

func (f *flakyStore) RenewLock(ctx context.Context, lock *models.CoordinationLock) (*models.CoordinationLock, error) {
	if f.failRenew.Load() {
		return nil, errInjected
	}
	return f.LockStore.RenewLock(ctx, lock)
}

func (f *flakyStore) ReleaseLock(ctx context.Context, lock *models.CoordinationLock) error {
	if f.failRelease.Load() {
		return errInjected
	}
	return f.LockStore.ReleaseLock(ctx, lock)
}

func (f *flakyStore) ScanExpired(ctx context.Context, prefix string) ([]*models.CoordinationLock, error) {
	if f.failScan.Load() && prefix == models.LockKeyPrefix {
		return nil, errInjected
	}
	locks, err := f.LockStore.ScanExpired(ctx, prefix)
	if err == nil && f.afterScan != nil {
		f.afterScan()
	}
	return locks, err
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration, msg string) {
	t.Helper()
	require.Eventually(t, cond, timeout, 10*time.Millisecond, msg)
}
