package storage

import (
	"context"
	"fmt"

	"github.com/unicitynetwork/ntlm-auth-gateway/internal/config"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/logger"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/storage/interfaces"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/storage/mongodb"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/storage/redis"
)

// NewCoordinationStore creates the configured backend, wraps it in the retrying client
// and verifies the store is reachable. Any failure is ErrStoreUnavailable.
func NewCoordinationStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Client, error) {
	backend, err := newBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrStoreUnavailable, err)
	}

	client := NewClient(backend, NewRetryPolicy(cfg.Store), log)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Store.ConnectTimeout)
	defer cancel()

	if err := client.Connect(connectCtx); err != nil {
		_ = backend.Close(context.Background())
		return nil, err
	}

	if mongoStore, ok := backend.(*mongodb.LockStore); ok {
		if err := mongoStore.CreateIndexes(connectCtx); err != nil {
			_ = backend.Close(context.Background())
			return nil, fmt.Errorf("%w: %w", interfaces.ErrStoreUnavailable, err)
		}
	}

	log.WithComponent("store").Info("Connected to coordination store",
		"backend", cfg.Store.Backend,
		"namespace", cfg.Store.Namespace)

	return client, nil
}

func newBackend(cfg *config.Config) (interfaces.CoordinationStore, error) {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		return redis.NewLockStore(redis.NewClient(cfg.Redis), cfg.Store.Namespace), nil
	case config.BackendMongoDB:
		return mongodb.NewStorage(cfg.Database, cfg.Store.Namespace)
	default:
		return nil, fmt.Errorf("unknown coordination backend: %s", cfg.Store.Backend)
	}
}
