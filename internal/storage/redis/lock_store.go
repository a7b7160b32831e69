package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"

	"github.com/unicitynetwork/ntlm-auth-gateway/internal/models"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/storage/interfaces"
)

const scanBatchSize = 100

// Compile-time interface check.
var _ interfaces.CoordinationStore = (*LockStore)(nil)

// Option configures the LockStore.
type Option func(*LockStore)

// WithClock sets the clock used for lease arithmetic.
func WithClock(c clock.Clock) Option {
	return func(s *LockStore) { s.clock = c }
}

// LockStore implements the coordination store primitives on Redis hashes.
// Lease expiry is logical: expired locks stay in Redis until re-acquired or collected.
type LockStore struct {
	client    redis.UniversalClient
	namespace string
	clock     clock.Clock
}

// NewLockStore creates a new Redis-backed lock store. The store owns the client and closes it.
func NewLockStore(client redis.UniversalClient, namespace string, opts ...Option) *LockStore {
	s := &LockStore{
		client:    client,
		namespace: namespace,
		clock:     clock.New(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AcquireLock atomically sets the lock if the key is absent or its lease has expired.
func (s *LockStore) AcquireLock(ctx context.Context, key, ownerID string, ttl time.Duration) (*models.CoordinationLock, error) {
	now := s.now()
	expiresAt := now.Add(ttl)

	token, err := acquireScript.Run(ctx, s.client,
		[]string{s.lockKey(key), s.fenceKey(key)},
		ownerID, now.UnixMilli(), expiresAt.UnixMilli(), ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return nil, classify(fmt.Errorf("redis: acquire lock %s: %w", key, err))
	}
	if token == 0 {
		return nil, interfaces.ErrLockBusy
	}

	return &models.CoordinationLock{
		Key:          key,
		OwnerID:      ownerID,
		FencingToken: token,
		AcquiredAt:   now,
		RenewedAt:    now,
		ExpiresAt:    expiresAt,
		TTL:          ttl,
	}, nil
}

// RenewLock extends the lease by the lock's ttl if the fencing token still matches.
func (s *LockStore) RenewLock(ctx context.Context, lock *models.CoordinationLock) (*models.CoordinationLock, error) {
	now := s.now()
	expiresAt := now.Add(lock.TTL)

	ok, err := renewScript.Run(ctx, s.client,
		[]string{s.lockKey(lock.Key)},
		lock.OwnerID, strconv.FormatInt(lock.FencingToken, 10), now.UnixMilli(), expiresAt.UnixMilli(),
	).Int64()
	if err != nil {
		return nil, classify(fmt.Errorf("redis: renew lock %s: %w", lock.Key, err))
	}
	if ok == 0 {
		return nil, interfaces.ErrLeaseExpired
	}

	renewed := *lock
	renewed.RenewedAt = now
	renewed.ExpiresAt = expiresAt
	return &renewed, nil
}

// ReleaseLock deletes the lock if it is still owned by the caller.
func (s *LockStore) ReleaseLock(ctx context.Context, lock *models.CoordinationLock) error {
	err := releaseScript.Run(ctx, s.client,
		[]string{s.lockKey(lock.Key)},
		lock.OwnerID, strconv.FormatInt(lock.FencingToken, 10),
	).Err()
	if err != nil {
		return classify(fmt.Errorf("redis: release lock %s: %w", lock.Key, err))
	}
	return nil
}

// GetLock returns the stored lock or nil if the key is absent.
func (s *LockStore) GetLock(ctx context.Context, key string) (*models.CoordinationLock, error) {
	vals, err := s.client.HGetAll(ctx, s.lockKey(key)).Result()
	if err != nil {
		return nil, classify(fmt.Errorf("redis: get lock %s: %w", key, err))
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return mapToLock(key, vals)
}

// ScanLocks returns every lock stored under the key prefix.
func (s *LockStore) ScanLocks(ctx context.Context, prefix string) ([]*models.CoordinationLock, error) {
	var locks []*models.CoordinationLock
	iter := s.client.Scan(ctx, 0, s.scanPattern(prefix), scanBatchSize).Iterator()
	for iter.Next(ctx) {
		key := s.relativeKey(iter.Val())
		lock, err := s.GetLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if lock == nil {
			continue // deleted between scan and read
		}
		locks = append(locks, lock)
	}
	if err := iter.Err(); err != nil {
		return nil, classify(fmt.Errorf("redis: scan %s: %w", prefix, err))
	}
	return locks, nil
}

// ScanExpired returns locks under the key prefix whose lease has passed.
func (s *LockStore) ScanExpired(ctx context.Context, prefix string) ([]*models.CoordinationLock, error) {
	locks, err := s.ScanLocks(ctx, prefix)
	if err != nil {
		return nil, err
	}
	now := s.now()
	expired := locks[:0]
	for _, l := range locks {
		if l.IsExpired(now) {
			expired = append(expired, l)
		}
	}
	return expired, nil
}

// DeleteIfExpired deletes the lock only if its stored expiry is unchanged and has passed.
func (s *LockStore) DeleteIfExpired(ctx context.Context, key string, expiresAt time.Time) (bool, error) {
	deleted, err := deleteExpiredScript.Run(ctx, s.client,
		[]string{s.lockKey(key)},
		strconv.FormatInt(expiresAt.UnixMilli(), 10), s.now().UnixMilli(),
	).Int64()
	if err != nil {
		return false, classify(fmt.Errorf("redis: delete expired lock %s: %w", key, err))
	}
	return deleted == 1, nil
}

// DeletePrefix unconditionally deletes every lock under the key prefix.
func (s *LockStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	var (
		deleted int64
		batch   []string
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.client.Del(ctx, batch...).Result()
		if err != nil {
			return err
		}
		deleted += n
		batch = batch[:0]
		return nil
	}

	iter := s.client.Scan(ctx, 0, s.scanPattern(prefix), scanBatchSize).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= scanBatchSize {
			if err := flush(); err != nil {
				return deleted, classify(fmt.Errorf("redis: delete prefix %s: %w", prefix, err))
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, classify(fmt.Errorf("redis: delete prefix %s: %w", prefix, err))
	}
	if err := flush(); err != nil {
		return deleted, classify(fmt.Errorf("redis: delete prefix %s: %w", prefix, err))
	}
	return deleted, nil
}

// Ping verifies the Redis connection is alive.
func (s *LockStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return classify(fmt.Errorf("redis: ping: %w", err))
	}
	return nil
}

// Close closes the Redis client.
func (s *LockStore) Close(_ context.Context) error {
	if err := s.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("redis: close: %w", err)
	}
	return nil
}

func (s *LockStore) now() time.Time {
	// millisecond precision matches what is stored
	return time.UnixMilli(s.clock.Now().UnixMilli())
}

// classify marks authentication and closed-client failures as store unavailability,
// everything else is left as a transient error.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.ErrClosed) || isAuthError(err) {
		return fmt.Errorf("%w: %w", interfaces.ErrStoreUnavailable, err)
	}
	return err
}

func isAuthError(err error) bool {
	var redisErr redis.Error
	if !errors.As(err, &redisErr) {
		return false
	}
	msg := redisErr.Error()
	for _, prefix := range []string{"NOAUTH", "WRONGPASS", "NOPERM", "ERR AUTH", "ERR invalid password"} {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}

func mapToLock(key string, m map[string]string) (*models.CoordinationLock, error) {
	token, err := strconv.ParseInt(m["token"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis: parse fencing token of %s: %w", key, err)
	}
	expiresAt, err := strconv.ParseInt(m["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis: parse expiry of %s: %w", key, err)
	}
	acquiredAt, _ := strconv.ParseInt(m["acquired_at"], 10, 64) //nolint:errcheck // informational
	renewedAt, _ := strconv.ParseInt(m["renewed_at"], 10, 64)   //nolint:errcheck // informational
	ttl, _ := strconv.ParseInt(m["ttl"], 10, 64)                //nolint:errcheck // informational

	return &models.CoordinationLock{
		Key:          key,
		OwnerID:      m["owner"],
		FencingToken: token,
		AcquiredAt:   time.UnixMilli(acquiredAt),
		RenewedAt:    time.UnixMilli(renewedAt),
		ExpiresAt:    time.UnixMilli(expiresAt),
		TTL:          time.Duration(ttl) * time.Millisecond,
	}, nil
}
