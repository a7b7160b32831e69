package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/unicitynetwork/ntlm-auth-gateway/internal/logger"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/models"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/storage/interfaces"
)

// MockStore is a mock implementation of the CoordinationStore interface
type MockStore struct {
	mock.Mock
}

func (m *MockStore) AcquireLock(ctx context.Context, key, ownerID string, ttl time.Duration) (*models.CoordinationLock, error) {
	args := m.Called(ctx, key, ownerID, ttl)
	if lock, ok := args.Get(0).(*models.CoordinationLock); ok {
		return lock, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) RenewLock(ctx context.Context, lock *models.CoordinationLock) (*models.CoordinationLock, error) {
	args := m.Called(ctx, lock)
	if l, ok := args.Get(0).(*models.CoordinationLock); ok {
		return l, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) ReleaseLock(ctx context.Context, lock *models.CoordinationLock) error {
	return m.Called(ctx, lock).Error(0)
}

func (m *MockStore) GetLock(ctx context.Context, key string) (*models.CoordinationLock, error) {
	args := m.Called(ctx, key)
	if l, ok := args.Get(0).(*models.CoordinationLock); ok {
		return l, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) ScanLocks(ctx context.Context, prefix string) ([]*models.CoordinationLock, error) {
	args := m.Called(ctx, prefix)
	locks, _ := args.Get(0).([]*models.CoordinationLock)
	return locks, args.Error(1)
}

func (m *MockStore) ScanExpired(ctx context.Context, prefix string) ([]*models.CoordinationLock, error) {
	args := m.Called(ctx, prefix)
	locks, _ := args.Get(0).([]*models.CoordinationLock)
	return locks, args.Error(1)
}

func (m *MockStore) DeleteIfExpired(ctx context.Context, key string, expiresAt time.Time) (bool, error) {
	args := m.Called(ctx, key, expiresAt)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	args := m.Called(ctx, prefix)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockStore) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

var errTransient = errors.New("i/o timeout")

func newTestClient(store *MockStore) *Client {
	return NewClient(store, RetryPolicy{
		MaxAttempts: 3,
		Initial:     time.Millisecond,
		MaxInterval: 5 * time.Millisecond,
	}, logger.Discard())
}

func TestClient_RetriesTransientErrors(t *testing.T) {
	store := new(MockStore)
	client := newTestClient(store)
	lock := &models.CoordinationLock{Key: "lock:x", FencingToken: 3}

	store.On("AcquireLock", mock.Anything, "lock:x", "w1", time.Second).Return(nil, errTransient).Twice()
	store.On("AcquireLock", mock.Anything, "lock:x", "w1", time.Second).Return(lock, nil).Once()

	got, err := client.AcquireLock(context.Background(), "lock:x", "w1", time.Second)
	require.NoError(t, err)
	require.Equal(t, lock, got)
	store.AssertNumberOfCalls(t, "AcquireLock", 3)
}

func TestClient_ExhaustionIsUnavailable(t *testing.T) {
	store := new(MockStore)
	client := newTestClient(store)

	store.On("ScanExpired", mock.Anything, "lock:").Return(nil, errTransient)

	_, err := client.ScanExpired(context.Background(), "lock:")
	require.ErrorIs(t, err, interfaces.ErrStoreUnavailable)
	require.ErrorIs(t, err, errTransient)
	store.AssertNumberOfCalls(t, "ScanExpired", 3)
}

func TestClient_DomainOutcomesAreNotRetried(t *testing.T) {
	store := new(MockStore)
	client := newTestClient(store)
	lock := &models.CoordinationLock{Key: "binding:a"}

	store.On("AcquireLock", mock.Anything, "binding:a", "w1", time.Second).Return(nil, interfaces.ErrLockBusy)
	store.On("RenewLock", mock.Anything, lock).Return(nil, interfaces.ErrLeaseExpired)

	_, err := client.AcquireLock(context.Background(), "binding:a", "w1", time.Second)
	require.ErrorIs(t, err, interfaces.ErrLockBusy)
	require.NotErrorIs(t, err, interfaces.ErrStoreUnavailable)

	_, err = client.RenewLock(context.Background(), lock)
	require.ErrorIs(t, err, interfaces.ErrLeaseExpired)

	store.AssertNumberOfCalls(t, "AcquireLock", 1)
	store.AssertNumberOfCalls(t, "RenewLock", 1)
}

func TestClient_UnavailableIsNotRetried(t *testing.T) {
	store := new(MockStore)
	client := newTestClient(store)

	authErr := errors.Join(interfaces.ErrStoreUnavailable, errors.New("WRONGPASS"))
	store.On("Ping", mock.Anything).Return(authErr)

	err := client.Connect(context.Background())
	require.ErrorIs(t, err, interfaces.ErrStoreUnavailable)
	store.AssertNumberOfCalls(t, "Ping", 1)
}

func TestClient_ConnectWrapsTransientFailure(t *testing.T) {
	store := new(MockStore)
	client := newTestClient(store)
	store.On("Ping", mock.Anything).Return(errTransient)

	err := client.Connect(context.Background())
	require.ErrorIs(t, err, interfaces.ErrStoreUnavailable)
	store.AssertNumberOfCalls(t, "Ping", 3)
}

func TestClient_StopsOnContextCancel(t *testing.T) {
	store := new(MockStore)
	client := NewClient(store, RetryPolicy{MaxAttempts: 100, Initial: 50 * time.Millisecond, MaxInterval: time.Second}, logger.Discard())
	store.On("DeletePrefix", mock.Anything, "binding:").Return(int64(0), errTransient)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.DeletePrefix(ctx, "binding:")
	require.Error(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Less(t, len(store.Calls), 100)
}
