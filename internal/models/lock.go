package models

import (
	"strings"
	"time"
)

// Key prefixes of the coordination keyspace. All keys are further prefixed with the
// deployment namespace by the store.
const (
	LockKeyPrefix    = "lock:"
	BindingKeyPrefix = "binding:"

	PrimaryElectionResource = "primary-election"
)

// LockKey returns the key of a singleton resource lock: lock:{resource}
func LockKey(resource string) string { return LockKeyPrefix + resource }

// BindingKey returns the key of a machine account binding: binding:{accountID}
func BindingKey(accountID string) string { return BindingKeyPrefix + accountID }

// AccountFromBindingKey extracts the account id from a binding key,
// returns false if the key is not a binding key.
func AccountFromBindingKey(key string) (string, bool) {
	if !strings.HasPrefix(key, BindingKeyPrefix) {
		return "", false
	}
	return strings.TrimPrefix(key, BindingKeyPrefix), true
}

// CoordinationLock represents a lease held on a key of the coordination store.
type CoordinationLock struct {
	Key          string        `json:"key" bson:"_id"`
	OwnerID      string        `json:"ownerId" bson:"ownerId"`
	FencingToken int64         `json:"fencingToken" bson:"fencingToken"`
	AcquiredAt   time.Time     `json:"acquiredAt" bson:"acquiredAt"`
	RenewedAt    time.Time     `json:"renewedAt" bson:"renewedAt"`
	ExpiresAt    time.Time     `json:"expiresAt" bson:"expiresAt"`
	TTL          time.Duration `json:"ttl" bson:"ttl"`
}

// IsExpired checks if the lease has passed its expiry at the given instant.
func (l *CoordinationLock) IsExpired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// IsHeldBy returns true if the lock is owned by the given owner and is not expired
func (l *CoordinationLock) IsHeldBy(ownerID string, now time.Time) bool {
	return l.OwnerID == ownerID && !l.IsExpired(now)
}

// MachineAccountBinding is the view of a binding:{account} lock.
type MachineAccountBinding struct {
	AccountID    string    `json:"accountId"`
	WorkerID     string    `json:"workerId"`
	FencingToken int64     `json:"fencingToken"`
	BoundAt      time.Time `json:"boundAt"`
	LeaseExpiry  time.Time `json:"leaseExpiry"`
}

// NewMachineAccountBinding projects a binding lock, returns nil if the lock is not a binding.
func NewMachineAccountBinding(lock *CoordinationLock) *MachineAccountBinding {
	if lock == nil {
		return nil
	}
	accountID, ok := AccountFromBindingKey(lock.Key)
	if !ok {
		return nil
	}
	return &MachineAccountBinding{
		AccountID:    accountID,
		WorkerID:     lock.OwnerID,
		FencingToken: lock.FencingToken,
		BoundAt:      lock.AcquiredAt,
		LeaseExpiry:  lock.ExpiresAt,
	}
}

// IsActive returns true if the binding lease has not expired yet.
func (b *MachineAccountBinding) IsActive(now time.Time) bool {
	return b.LeaseExpiry.After(now)
}
