package redis

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/unicitynetwork/ntlm-auth-gateway/internal/models"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/storage/interfaces"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/storage/storetest"
)

// setupTestRedis starts a real Redis server, the scripts are evaluated by its Lua engine.
func setupTestRedis(t *testing.T) *redis.Client {
	if testing.Short() {
		t.Skip("Skipping container test in short mode")
	}
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Could not start Redis container: %v", err)
	}
	t.Cleanup(func() { _ = redisContainer.Terminate(context.Background()) })

	host, err := redisContainer.Host(ctx)
	require.NoError(t, err)
	mappedPort, err := redisContainer.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", host, mappedPort.Port()),
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})
	require.NoError(t, client.Ping(ctx).Err(), "Failed to connect to Redis container")
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestLockStoreContract_RealRedis(t *testing.T) {
	client := setupTestRedis(t)

	storetest.Run(t, func(t *testing.T, clk clock.Clock) interfaces.CoordinationStore {
		// one namespace per test on the shared server
		ns := "ntlm-auth:" + strings.ReplaceAll(t.Name(), "/", "-") + ":"
		return NewLockStore(redis.NewClient(&redis.Options{Addr: client.Options().Addr}), ns, WithClock(clk))
	})
}

func TestLockStore_ScanBeyondOnePage(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()
	store := NewLockStore(client, "ntlm-auth:scan:")

	const accounts = 250
	for i := 0; i < accounts; i++ {
		_, err := store.AcquireLock(ctx, models.BindingKey(fmt.Sprintf("acct-%03d", i)), "host-1", time.Minute)
		require.NoError(t, err)
	}

	locks, err := store.ScanLocks(ctx, models.BindingKeyPrefix)
	require.NoError(t, err)
	require.Len(t, locks, accounts)

	n, err := store.DeletePrefix(ctx, models.BindingKeyPrefix)
	require.NoError(t, err)
	require.EqualValues(t, accounts, n)
}
