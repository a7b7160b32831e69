package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/unicitynetwork/ntlm-auth-gateway/internal/config"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/logger"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/models"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/storage/interfaces"
)

// RetryPolicy bounds the retries applied to transient store errors.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	MaxInterval time.Duration
}

// NewRetryPolicy creates the retry policy from store configuration
func NewRetryPolicy(cfg config.StoreConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.RetryMaxAttempts,
		Initial:     cfg.RetryInitial,
		MaxInterval: cfg.RetryMaxInterval,
	}
}

// Client is the coordination store client used by every component. It retries transient
// backend errors with exponential backoff and reports exhaustion as ErrStoreUnavailable.
// Domain outcomes (busy, expired) are returned on the first attempt.
type Client struct {
	store  interfaces.CoordinationStore
	policy RetryPolicy
	log    *logger.Logger
}

// Compile-time interface check.
var _ interfaces.CoordinationStore = (*Client)(nil)

// NewClient wraps a backend with the retry policy
func NewClient(store interfaces.CoordinationStore, policy RetryPolicy, log *logger.Logger) *Client {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Client{
		store:  store,
		policy: policy,
		log:    log,
	}
}

// Connect verifies the store is reachable, any error is ErrStoreUnavailable.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.Ping(ctx); err != nil {
		if errors.Is(err, interfaces.ErrStoreUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %w", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}

func (c *Client) AcquireLock(ctx context.Context, key, ownerID string, ttl time.Duration) (*models.CoordinationLock, error) {
	return retry(ctx, c, "acquire "+key, func() (*models.CoordinationLock, error) {
		return c.store.AcquireLock(ctx, key, ownerID, ttl)
	})
}

func (c *Client) RenewLock(ctx context.Context, lock *models.CoordinationLock) (*models.CoordinationLock, error) {
	return retry(ctx, c, "renew "+lock.Key, func() (*models.CoordinationLock, error) {
		return c.store.RenewLock(ctx, lock)
	})
}

func (c *Client) ReleaseLock(ctx context.Context, lock *models.CoordinationLock) error {
	_, err := retry(ctx, c, "release "+lock.Key, func() (struct{}, error) {
		return struct{}{}, c.store.ReleaseLock(ctx, lock)
	})
	return err
}

func (c *Client) GetLock(ctx context.Context, key string) (*models.CoordinationLock, error) {
	return retry(ctx, c, "get "+key, func() (*models.CoordinationLock, error) {
		return c.store.GetLock(ctx, key)
	})
}

func (c *Client) ScanLocks(ctx context.Context, prefix string) ([]*models.CoordinationLock, error) {
	return retry(ctx, c, "scan "+prefix, func() ([]*models.CoordinationLock, error) {
		return c.store.ScanLocks(ctx, prefix)
	})
}

func (c *Client) ScanExpired(ctx context.Context, prefix string) ([]*models.CoordinationLock, error) {
	return retry(ctx, c, "scan expired "+prefix, func() ([]*models.CoordinationLock, error) {
		return c.store.ScanExpired(ctx, prefix)
	})
}

func (c *Client) DeleteIfExpired(ctx context.Context, key string, expiresAt time.Time) (bool, error) {
	return retry(ctx, c, "delete expired "+key, func() (bool, error) {
		return c.store.DeleteIfExpired(ctx, key, expiresAt)
	})
}

func (c *Client) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	return retry(ctx, c, "delete prefix "+prefix, func() (int64, error) {
		return c.store.DeletePrefix(ctx, prefix)
	})
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := retry(ctx, c, "ping", func() (struct{}, error) {
		return struct{}{}, c.store.Ping(ctx)
	})
	return err
}

// Close closes the backend connection, not retried
func (c *Client) Close(ctx context.Context) error {
	return c.store.Close(ctx)
}

func retry[T any](ctx context.Context, c *Client, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.Initial
	b.MaxInterval = c.policy.MaxInterval
	b.MaxElapsedTime = 0

	attempts := 0
	res, err := backoff.RetryNotifyWithData(func() (T, error) {
		attempts++
		v, err := fn()
		if err != nil && isTerminal(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.policy.MaxAttempts-1)), ctx),
		func(err error, next time.Duration) {
			c.log.WithComponent("store").Debug("Transient store error, retrying",
				"op", op, "attempt", attempts, "next", next, "error", err.Error())
		})
	if err == nil || isTerminal(err) {
		return res, err
	}
	return res, fmt.Errorf("%w: %s failed after %d attempts: %w", interfaces.ErrStoreUnavailable, op, attempts, err)
}

// isTerminal reports errors that must not be retried
func isTerminal(err error) bool {
	return errors.Is(err, interfaces.ErrLockBusy) ||
		errors.Is(err, interfaces.ErrLeaseExpired) ||
		errors.Is(err, interfaces.ErrStoreUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
