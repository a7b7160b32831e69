package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCoordinationLockExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	lock := &CoordinationLock{
		Key:       LockKey(PrimaryElectionResource),
		OwnerID:   "host-1",
		ExpiresAt: now.Add(time.Second),
	}

	require.False(t, lock.IsExpired(now))
	require.True(t, lock.IsHeldBy("host-1", now))
	require.False(t, lock.IsHeldBy("host-2", now))

	// expiry instant itself counts as expired
	require.True(t, lock.IsExpired(now.Add(time.Second)))
	require.False(t, lock.IsHeldBy("host-1", now.Add(2*time.Second)))
}

func TestMachineAccountBindingProjection(t *testing.T) {
	now := time.Now()
	lock := &CoordinationLock{
		Key:          BindingKey("svc-ntlm-2"),
		OwnerID:      "host-42",
		FencingToken: 7,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(30 * time.Second),
	}

	b := NewMachineAccountBinding(lock)
	require.NotNil(t, b)
	require.Equal(t, "svc-ntlm-2", b.AccountID)
	require.Equal(t, "host-42", b.WorkerID)
	require.EqualValues(t, 7, b.FencingToken)
	require.True(t, b.IsActive(now))
	require.False(t, b.IsActive(now.Add(time.Minute)))

	require.Nil(t, NewMachineAccountBinding(&CoordinationLock{Key: LockKey("x")}))
	require.Nil(t, NewMachineAccountBinding(nil))
}
