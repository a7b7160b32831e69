// Package storetest holds the behaviour every coordination store backend must satisfy.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"

	"github.com/unicitynetwork/ntlm-auth-gateway/internal/models"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/storage/interfaces"
)

// Factory returns an empty store using the given clock for lease arithmetic.
type Factory func(t *testing.T, clk clock.Clock) interfaces.CoordinationStore

// LockStoreSuite runs the store contract against a backend.
type LockStoreSuite struct {
	suite.Suite

	NewStore Factory

	ctx   context.Context
	clock *clock.Mock
	store interfaces.CoordinationStore
}

// Run executes the suite with the given factory.
func Run(t *testing.T, factory Factory) {
	suite.Run(t, &LockStoreSuite{NewStore: factory})
}

func (s *LockStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = clock.NewMock()
	s.clock.Set(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	s.store = s.NewStore(s.T(), s.clock)
}

func (s *LockStoreSuite) TearDownTest() {
	if s.store != nil {
		_ = s.store.Close(s.ctx)
	}
}

func (s *LockStoreSuite) TestPing() {
	s.Require().NoError(s.store.Ping(s.ctx))
}

func (s *LockStoreSuite) TestAcquireIsExclusive() {
	key := models.LockKey(models.PrimaryElectionResource)

	lock, err := s.store.AcquireLock(s.ctx, key, "worker-a", 10*time.Second)
	s.Require().NoError(err)
	s.Require().Equal("worker-a", lock.OwnerID)
	s.Require().Positive(lock.FencingToken)
	s.Require().Equal(s.clock.Now().Add(10*time.Second).UnixMilli(), lock.ExpiresAt.UnixMilli())

	_, err = s.store.AcquireLock(s.ctx, key, "worker-b", 10*time.Second)
	s.Require().ErrorIs(err, interfaces.ErrLockBusy)

	// the holder itself cannot acquire twice either
	_, err = s.store.AcquireLock(s.ctx, key, "worker-a", 10*time.Second)
	s.Require().ErrorIs(err, interfaces.ErrLockBusy)

	stored, err := s.store.GetLock(s.ctx, key)
	s.Require().NoError(err)
	s.Require().NotNil(stored)
	s.Require().Equal(lock.FencingToken, stored.FencingToken)
	s.Require().Equal("worker-a", stored.OwnerID)
}

func (s *LockStoreSuite) TestAcquireAfterExpiry() {
	key := models.BindingKey("acct-1")

	first, err := s.store.AcquireLock(s.ctx, key, "worker-a", 3*time.Second)
	s.Require().NoError(err)

	s.clock.Add(2 * time.Second)
	_, err = s.store.AcquireLock(s.ctx, key, "worker-b", 3*time.Second)
	s.Require().ErrorIs(err, interfaces.ErrLockBusy, "lease still valid")

	s.clock.Add(time.Second)
	second, err := s.store.AcquireLock(s.ctx, key, "worker-b", 3*time.Second)
	s.Require().NoError(err, "expired lease must be claimable")
	s.Require().Greater(second.FencingToken, first.FencingToken)
}

func (s *LockStoreSuite) TestFencingTokensStrictlyIncrease() {
	key := models.LockKey("maintenance")

	var last int64
	for i := 0; i < 5; i++ {
		lock, err := s.store.AcquireLock(s.ctx, key, "worker-a", time.Second)
		s.Require().NoError(err)
		s.Require().Greater(lock.FencingToken, last)
		last = lock.FencingToken
		s.Require().NoError(s.store.ReleaseLock(s.ctx, lock))
	}

	// tokens survive an unconditional wipe of the lock keys
	lock, err := s.store.AcquireLock(s.ctx, key, "worker-a", time.Second)
	s.Require().NoError(err)
	_, err = s.store.DeletePrefix(s.ctx, models.LockKeyPrefix)
	s.Require().NoError(err)
	next, err := s.store.AcquireLock(s.ctx, key, "worker-b", time.Second)
	s.Require().NoError(err)
	s.Require().Greater(next.FencingToken, lock.FencingToken)
}

func (s *LockStoreSuite) TestRenewExtendsLease() {
	key := models.BindingKey("acct-1")
	lock, err := s.store.AcquireLock(s.ctx, key, "worker-a", 3*time.Second)
	s.Require().NoError(err)

	s.clock.Add(2 * time.Second)
	renewed, err := s.store.RenewLock(s.ctx, lock)
	s.Require().NoError(err)
	s.Require().Equal(s.clock.Now().Add(3*time.Second).UnixMilli(), renewed.ExpiresAt.UnixMilli())
	s.Require().Equal(lock.FencingToken, renewed.FencingToken)

	// past the original expiry, still held thanks to the renewal
	s.clock.Add(2 * time.Second)
	_, err = s.store.AcquireLock(s.ctx, key, "worker-b", 3*time.Second)
	s.Require().ErrorIs(err, interfaces.ErrLockBusy)
}

func (s *LockStoreSuite) TestRenewWithStaleTokenFails() {
	key := models.LockKey(models.PrimaryElectionResource)
	stale, err := s.store.AcquireLock(s.ctx, key, "worker-a", time.Second)
	s.Require().NoError(err)

	s.clock.Add(2 * time.Second)
	current, err := s.store.AcquireLock(s.ctx, key, "worker-b", time.Second)
	s.Require().NoError(err)

	_, err = s.store.RenewLock(s.ctx, stale)
	s.Require().ErrorIs(err, interfaces.ErrLeaseExpired)

	stored, err := s.store.GetLock(s.ctx, key)
	s.Require().NoError(err)
	s.Require().Equal(current.FencingToken, stored.FencingToken)
	s.Require().Equal("worker-b", stored.OwnerID)
}

func (s *LockStoreSuite) TestRenewOfMissingLockFails() {
	lock, err := s.store.AcquireLock(s.ctx, models.LockKey("x"), "worker-a", time.Second)
	s.Require().NoError(err)
	s.Require().NoError(s.store.ReleaseLock(s.ctx, lock))

	_, err = s.store.RenewLock(s.ctx, lock)
	s.Require().ErrorIs(err, interfaces.ErrLeaseExpired)
}

func (s *LockStoreSuite) TestReleaseIsIdempotentAndFenced() {
	key := models.BindingKey("acct-2")
	stale, err := s.store.AcquireLock(s.ctx, key, "worker-a", time.Second)
	s.Require().NoError(err)

	s.clock.Add(time.Second)
	current, err := s.store.AcquireLock(s.ctx, key, "worker-b", time.Second)
	s.Require().NoError(err)

	// a superseded owner must not delete the new owner's lock
	s.Require().NoError(s.store.ReleaseLock(s.ctx, stale))
	stored, err := s.store.GetLock(s.ctx, key)
	s.Require().NoError(err)
	s.Require().NotNil(stored)

	s.Require().NoError(s.store.ReleaseLock(s.ctx, current))
	s.Require().NoError(s.store.ReleaseLock(s.ctx, current))
	stored, err = s.store.GetLock(s.ctx, key)
	s.Require().NoError(err)
	s.Require().Nil(stored)
}

func (s *LockStoreSuite) TestScanExpired() {
	_, err := s.store.AcquireLock(s.ctx, models.BindingKey("acct-1"), "worker-a", time.Second)
	s.Require().NoError(err)
	_, err = s.store.AcquireLock(s.ctx, models.BindingKey("acct-2"), "worker-b", 10*time.Second)
	s.Require().NoError(err)
	_, err = s.store.AcquireLock(s.ctx, models.LockKey(models.PrimaryElectionResource), "worker-a", time.Second)
	s.Require().NoError(err)

	expired, err := s.store.ScanExpired(s.ctx, models.BindingKeyPrefix)
	s.Require().NoError(err)
	s.Require().Empty(expired)

	s.clock.Add(time.Second)

	expired, err = s.store.ScanExpired(s.ctx, models.BindingKeyPrefix)
	s.Require().NoError(err)
	s.Require().Len(expired, 1)
	s.Require().Equal(models.BindingKey("acct-1"), expired[0].Key)

	expired, err = s.store.ScanExpired(s.ctx, models.LockKeyPrefix)
	s.Require().NoError(err)
	s.Require().Len(expired, 1)
	s.Require().Equal(models.LockKey(models.PrimaryElectionResource), expired[0].Key)

	all, err := s.store.ScanLocks(s.ctx, models.BindingKeyPrefix)
	s.Require().NoError(err)
	s.Require().Len(all, 2)
}

func (s *LockStoreSuite) TestDeleteIfExpired() {
	key := models.LockKey("sweep")
	lock, err := s.store.AcquireLock(s.ctx, key, "worker-a", 2*time.Second)
	s.Require().NoError(err)

	deleted, err := s.store.DeleteIfExpired(s.ctx, key, lock.ExpiresAt)
	s.Require().NoError(err)
	s.Require().False(deleted, "unexpired lock must not be deleted")

	// renewed between scan and delete: the expiry read by the collector is stale
	s.clock.Add(2 * time.Second)
	scanned, err := s.store.ScanExpired(s.ctx, models.LockKeyPrefix)
	s.Require().NoError(err)
	s.Require().Len(scanned, 1)
	renewed, err := s.store.RenewLock(s.ctx, lock)
	s.Require().NoError(err)

	deleted, err = s.store.DeleteIfExpired(s.ctx, key, scanned[0].ExpiresAt)
	s.Require().NoError(err)
	s.Require().False(deleted, "renewed lock must survive")

	s.clock.Add(2 * time.Second)
	deleted, err = s.store.DeleteIfExpired(s.ctx, key, renewed.ExpiresAt)
	s.Require().NoError(err)
	s.Require().True(deleted)

	deleted, err = s.store.DeleteIfExpired(s.ctx, key, renewed.ExpiresAt)
	s.Require().NoError(err)
	s.Require().False(deleted, "already gone")
}

func (s *LockStoreSuite) TestDeletePrefix() {
	for _, acct := range []string{"acct-1", "acct-2", "acct-3"} {
		_, err := s.store.AcquireLock(s.ctx, models.BindingKey(acct), "worker-"+acct, time.Minute)
		s.Require().NoError(err)
	}
	_, err := s.store.AcquireLock(s.ctx, models.LockKey(models.PrimaryElectionResource), "worker-a", time.Minute)
	s.Require().NoError(err)

	n, err := s.store.DeletePrefix(s.ctx, models.BindingKeyPrefix)
	s.Require().NoError(err)
	s.Require().EqualValues(3, n)

	bindings, err := s.store.ScanLocks(s.ctx, models.BindingKeyPrefix)
	s.Require().NoError(err)
	s.Require().Empty(bindings)

	primary, err := s.store.GetLock(s.ctx, models.LockKey(models.PrimaryElectionResource))
	s.Require().NoError(err)
	s.Require().NotNil(primary)
}

func (s *LockStoreSuite) TestConcurrentAcquireHasSingleWinner() {
	key := models.LockKey(models.PrimaryElectionResource)

	const contenders = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < contenders; i++ {
		owner := "worker-" + string(rune('a'+i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.store.AcquireLock(s.ctx, key, owner, time.Minute); err == nil {
				mu.Lock()
				winners = append(winners, owner)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	s.Require().Len(winners, 1)
	stored, err := s.store.GetLock(s.ctx, key)
	s.Require().NoError(err)
	s.Require().Equal(winners[0], stored.OwnerID)
}
