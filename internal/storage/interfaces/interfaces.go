package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/unicitynetwork/ntlm-auth-gateway/internal/models"
)

var (
	// ErrLockBusy is returned when a lock is held by another owner and has not expired.
	ErrLockBusy = errors.New("lock busy")

	// ErrLeaseExpired is returned when a renewal or release is attempted with a fencing
	// token that no longer matches the stored owner.
	ErrLeaseExpired = errors.New("lease expired")

	// ErrStoreUnavailable marks authentication and availability failures of the store,
	// fatal at startup and retryable during steady-state operation.
	ErrStoreUnavailable = errors.New("coordination store unavailable")
)

// LockStore handles the lease primitives of the coordination store.
// Every operation is atomic for a single key.
type LockStore interface {
	// AcquireLock atomically sets the lock if the key is absent or its lease has expired,
	// returns ErrLockBusy if an unexpired lock exists.
	AcquireLock(ctx context.Context, key, ownerID string, ttl time.Duration) (*models.CoordinationLock, error)

	// RenewLock extends the lease only if the stored fencing token still matches,
	// returns ErrLeaseExpired otherwise.
	RenewLock(ctx context.Context, lock *models.CoordinationLock) (*models.CoordinationLock, error)

	// ReleaseLock deletes the lock if it is still owned by the caller, idempotent.
	ReleaseLock(ctx context.Context, lock *models.CoordinationLock) error

	// GetLock returns the stored lock or nil if the key is absent.
	GetLock(ctx context.Context, key string) (*models.CoordinationLock, error)

	// ScanLocks returns every lock stored under the key prefix.
	ScanLocks(ctx context.Context, prefix string) ([]*models.CoordinationLock, error)

	// ScanExpired returns locks under the key prefix whose lease has passed.
	ScanExpired(ctx context.Context, prefix string) ([]*models.CoordinationLock, error)

	// DeleteIfExpired deletes the lock only if its stored expiry still equals expiresAt
	// and that expiry has passed, returns false if nothing was deleted.
	DeleteIfExpired(ctx context.Context, key string, expiresAt time.Time) (bool, error)

	// DeletePrefix unconditionally deletes every lock under the key prefix.
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
}

// CoordinationStore is a connected coordination store backend.
type CoordinationStore interface {
	LockStore

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
