package mongodb

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/unicitynetwork/ntlm-auth-gateway/internal/config"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/storage/interfaces"
)

const (
	locksCollection  = "coordination_locks"
	fencesCollection = "coordination_fences"
)

// MongoDB server error codes reported on authentication and authorization failures
const (
	codeUnauthorized         = 13
	codeAuthenticationFailed = 18
)

// NewStorage creates a MongoDB-backed lock store. The driver connects lazily,
// reachability is verified by the caller through Ping.
func NewStorage(cfg config.DatabaseConfig, namespace string, opts ...Option) (*LockStore, error) {
	clientOpts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.ServerSelectionTimeout).
		SetSocketTimeout(cfg.SocketTimeout).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetMinPoolSize(cfg.MinPoolSize).
		SetMaxConnIdleTime(cfg.MaxConnIdleTime)

	client, err := mongo.Connect(context.Background(), clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create MongoDB client: %w", err)
	}

	return NewLockStore(client, client.Database(cfg.Database), namespace, opts...), nil
}

// CreateIndexes creates the indexes used by the expiry scans
func (s *LockStore) CreateIndexes(ctx context.Context) error {
	_, err := s.locks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "expiresAt", Value: 1}},
	})
	if err != nil {
		return classify(fmt.Errorf("failed to create lock indexes: %w", err))
	}
	return nil
}

// classify marks authentication and disconnected-client failures as store unavailability,
// network errors and timeouts stay transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrClientDisconnected) || isAuthError(err) {
		return fmt.Errorf("%w: %w", interfaces.ErrStoreUnavailable, err)
	}
	return err
}

func isAuthError(err error) bool {
	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) {
		if serverErr.HasErrorCode(codeAuthenticationFailed) || serverErr.HasErrorCode(codeUnauthorized) {
			return true
		}
	}
	// handshake failures are wrapped in connection errors without a server code
	return strings.Contains(err.Error(), "AuthenticationFailed") ||
		strings.Contains(err.Error(), "auth error")
}
