package mongodb

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	mongoContainer "github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/unicitynetwork/ntlm-auth-gateway/internal/models"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/storage/interfaces"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/storage/storetest"
)

const testNamespace = "ntlm-auth:test:"

var dbCounter atomic.Int64

// setupMongo starts a MongoDB container for the test, skipping if Docker is unavailable.
func setupMongo(t *testing.T) string {
	ctx := context.Background()

	container, err := mongoContainer.Run(ctx, "mongo:7.0")
	if err != nil {
		t.Skipf("Skipping MongoDB tests - cannot start MongoDB container (Docker not available?): %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate MongoDB container: %v", err)
		}
	})

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	return uri
}

// newTestStore connects a store to a fresh database on the given server.
func newTestStore(t *testing.T, uri string, clk clock.Clock) *LockStore {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	require.NoError(t, client.Ping(ctx, nil))

	db := client.Database(fmt.Sprintf("ntlm_auth_test_%d", dbCounter.Add(1)))
	store := NewLockStore(client, db, testNamespace, WithClock(clk))
	require.NoError(t, store.CreateIndexes(ctx))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = store.Close(ctx)
	})
	return store
}

func TestLockStoreContract(t *testing.T) {
	uri := setupMongo(t)
	storetest.Run(t, func(t *testing.T, clk clock.Clock) interfaces.CoordinationStore {
		return newTestStore(t, uri, clk)
	})
}

func TestLockStore_DocumentLayout(t *testing.T) {
	uri := setupMongo(t)
	ctx := context.Background()
	store := newTestStore(t, uri, clock.New())

	lock, err := store.AcquireLock(ctx, models.BindingKey("acct-1"), "host-1", time.Minute)
	require.NoError(t, err)

	var doc bson.M
	require.NoError(t, store.locks.FindOne(ctx, bson.M{"_id": testNamespace + "binding:acct-1"}).Decode(&doc))
	require.Equal(t, "host-1", doc["ownerId"])
	require.EqualValues(t, lock.FencingToken, doc["fencingToken"])
	require.EqualValues(t, lock.ExpiresAt.UnixMilli(), doc["expiresAt"])

	var fence fenceDocument
	require.NoError(t, store.fences.FindOne(ctx, bson.M{"_id": testNamespace + "binding:acct-1"}).Decode(&fence))
	require.EqualValues(t, 1, fence.Seq)
}

func TestLockStore_PrefixIsLiteral(t *testing.T) {
	uri := setupMongo(t)
	ctx := context.Background()
	store := newTestStore(t, uri, clock.New())

	_, err := store.AcquireLock(ctx, models.BindingKey("acct.1"), "host-1", time.Minute)
	require.NoError(t, err)
	_, err = store.AcquireLock(ctx, models.BindingKey("acctX1"), "host-1", time.Minute)
	require.NoError(t, err)

	locks, err := store.ScanLocks(ctx, models.BindingKey("acct."))
	require.NoError(t, err)
	require.Len(t, locks, 1)
	require.Equal(t, models.BindingKey("acct.1"), locks[0].Key)
}

func TestLockStore_ClosedClientIsUnavailable(t *testing.T) {
	uri := setupMongo(t)
	ctx := context.Background()
	store := newTestStore(t, uri, clock.New())

	require.NoError(t, store.Close(ctx))
	require.NoError(t, store.Close(ctx))
	require.ErrorIs(t, store.Ping(ctx), interfaces.ErrStoreUnavailable)
}
