package mongodb

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/unicitynetwork/ntlm-auth-gateway/internal/models"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/storage/interfaces"
)

// Compile-time interface check.
var _ interfaces.CoordinationStore = (*LockStore)(nil)

// Option configures the LockStore.
type Option func(*LockStore)

// WithClock sets the clock used for lease arithmetic.
func WithClock(c clock.Clock) Option {
	return func(s *LockStore) { s.clock = c }
}

// lockDocument is the stored form of a lock, times are unix milliseconds.
type lockDocument struct {
	ID           string `bson:"_id"`
	OwnerID      string `bson:"ownerId"`
	FencingToken int64  `bson:"fencingToken"`
	AcquiredAt   int64  `bson:"acquiredAt"`
	RenewedAt    int64  `bson:"renewedAt"`
	ExpiresAt    int64  `bson:"expiresAt"`
	TTL          int64  `bson:"ttl"`
}

type fenceDocument struct {
	ID  string `bson:"_id"`
	Seq int64  `bson:"seq"`
}

// LockStore implements the coordination store primitives on MongoDB documents.
// Document ids carry the namespace, fencing counters live in their own collection
// and are never deleted.
type LockStore struct {
	client    *mongo.Client
	locks     *mongo.Collection
	fences    *mongo.Collection
	namespace string
	clock     clock.Clock
}

// NewLockStore creates a new MongoDB lock store on the given database. The store owns the client.
func NewLockStore(client *mongo.Client, db *mongo.Database, namespace string, opts ...Option) *LockStore {
	s := &LockStore{
		client:    client,
		locks:     db.Collection(locksCollection),
		fences:    db.Collection(fencesCollection),
		namespace: namespace,
		clock:     clock.New(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AcquireLock inserts the lock, or replaces it if the stored lease has expired.
func (s *LockStore) AcquireLock(ctx context.Context, key, ownerID string, ttl time.Duration) (*models.CoordinationLock, error) {
	now := s.now()
	id := s.namespace + key

	// skip burning a fencing token when the lock is plainly held
	held, err := s.locks.CountDocuments(ctx, bson.M{
		"_id":       id,
		"expiresAt": bson.M{"$gt": now.UnixMilli()},
	}, options.Count().SetLimit(1))
	if err != nil {
		return nil, classify(fmt.Errorf("failed to check lock %s: %w", key, err))
	}
	if held > 0 {
		return nil, interfaces.ErrLockBusy
	}

	token, err := s.nextToken(ctx, id)
	if err != nil {
		return nil, err
	}

	doc := lockDocument{
		ID:           id,
		OwnerID:      ownerID,
		FencingToken: token,
		AcquiredAt:   now.UnixMilli(),
		RenewedAt:    now.UnixMilli(),
		ExpiresAt:    now.Add(ttl).UnixMilli(),
		TTL:          ttl.Milliseconds(),
	}

	_, err = s.locks.InsertOne(ctx, doc)
	if err != nil {
		if !mongo.IsDuplicateKeyError(err) {
			return nil, classify(fmt.Errorf("failed to acquire lock %s: %w", key, err))
		}

		// the existing document is only taken over if its lease has passed
		// and it was written with an older token
		filter := bson.M{
			"_id":          id,
			"expiresAt":    bson.M{"$lte": now.UnixMilli()},
			"fencingToken": bson.M{"$lt": token},
		}
		res, err := s.locks.ReplaceOne(ctx, filter, doc)
		if err != nil {
			return nil, classify(fmt.Errorf("failed to take over expired lock %s: %w", key, err))
		}
		if res.MatchedCount == 0 {
			return nil, interfaces.ErrLockBusy
		}
	}

	return s.toLock(&doc), nil
}

// nextToken increments the fencing counter of the document id.
func (s *LockStore) nextToken(ctx context.Context, id string) (int64, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var fence fenceDocument
	for attempt := 0; attempt < 2; attempt++ {
		err := s.fences.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$inc": bson.M{"seq": int64(1)}}, opts).Decode(&fence)
		if err == nil {
			return fence.Seq, nil
		}
		// concurrent upserts of a new counter race on the unique _id, the loser retries as an update
		if !mongo.IsDuplicateKeyError(err) {
			return 0, classify(fmt.Errorf("failed to increment fencing token for %s: %w", id, err))
		}
	}
	return 0, fmt.Errorf("failed to increment fencing token for %s: concurrent counter creation", id)
}

// RenewLock extends the lease by the lock's ttl if owner and fencing token still match.
func (s *LockStore) RenewLock(ctx context.Context, lock *models.CoordinationLock) (*models.CoordinationLock, error) {
	now := s.now()
	expiresAt := now.Add(lock.TTL)

	res, err := s.locks.UpdateOne(ctx, s.ownedFilter(lock), bson.M{
		"$set": bson.M{
			"renewedAt": now.UnixMilli(),
			"expiresAt": expiresAt.UnixMilli(),
		},
	})
	if err != nil {
		return nil, classify(fmt.Errorf("failed to renew lock %s: %w", lock.Key, err))
	}
	if res.MatchedCount == 0 {
		return nil, interfaces.ErrLeaseExpired
	}

	renewed := *lock
	renewed.RenewedAt = now
	renewed.ExpiresAt = expiresAt
	return &renewed, nil
}

// ReleaseLock deletes the lock if it is still owned by the caller.
func (s *LockStore) ReleaseLock(ctx context.Context, lock *models.CoordinationLock) error {
	if _, err := s.locks.DeleteOne(ctx, s.ownedFilter(lock)); err != nil {
		return classify(fmt.Errorf("failed to release lock %s: %w", lock.Key, err))
	}
	return nil
}

// GetLock returns the stored lock or nil if the key is absent.
func (s *LockStore) GetLock(ctx context.Context, key string) (*models.CoordinationLock, error) {
	var doc lockDocument
	err := s.locks.FindOne(ctx, bson.M{"_id": s.namespace + key}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, classify(fmt.Errorf("failed to get lock %s: %w", key, err))
	}
	return s.toLock(&doc), nil
}

// ScanLocks returns every lock stored under the key prefix.
func (s *LockStore) ScanLocks(ctx context.Context, prefix string) ([]*models.CoordinationLock, error) {
	return s.find(ctx, prefix, s.prefixFilter(prefix))
}

// ScanExpired returns locks under the key prefix whose lease has passed.
func (s *LockStore) ScanExpired(ctx context.Context, prefix string) ([]*models.CoordinationLock, error) {
	filter := s.prefixFilter(prefix)
	filter["expiresAt"] = bson.M{"$lte": s.now().UnixMilli()}
	return s.find(ctx, prefix, filter)
}

// DeleteIfExpired deletes the lock only if its stored expiry is unchanged and has passed.
func (s *LockStore) DeleteIfExpired(ctx context.Context, key string, expiresAt time.Time) (bool, error) {
	res, err := s.locks.DeleteOne(ctx, bson.M{
		"_id": s.namespace + key,
		"expiresAt": bson.M{
			"$eq":  expiresAt.UnixMilli(),
			"$lte": s.now().UnixMilli(),
		},
	})
	if err != nil {
		return false, classify(fmt.Errorf("failed to delete expired lock %s: %w", key, err))
	}
	return res.DeletedCount == 1, nil
}

// DeletePrefix unconditionally deletes every lock under the key prefix.
func (s *LockStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	res, err := s.locks.DeleteMany(ctx, s.prefixFilter(prefix))
	if err != nil {
		return 0, classify(fmt.Errorf("failed to delete locks under %s: %w", prefix, err))
	}
	return res.DeletedCount, nil
}

// Ping verifies the database connection
func (s *LockStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return classify(fmt.Errorf("failed to ping MongoDB: %w", err))
	}
	return nil
}

// Close closes the database connection
func (s *LockStore) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil && !errors.Is(err, mongo.ErrClientDisconnected) {
		return fmt.Errorf("failed to disconnect MongoDB: %w", err)
	}
	return nil
}

func (s *LockStore) find(ctx context.Context, prefix string, filter bson.M) ([]*models.CoordinationLock, error) {
	cursor, err := s.locks.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, classify(fmt.Errorf("failed to scan locks under %s: %w", prefix, err))
	}
	defer cursor.Close(ctx)

	var docs []lockDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, classify(fmt.Errorf("failed to decode locks under %s: %w", prefix, err))
	}

	locks := make([]*models.CoordinationLock, 0, len(docs))
	for i := range docs {
		locks = append(locks, s.toLock(&docs[i]))
	}
	return locks, nil
}

func (s *LockStore) ownedFilter(lock *models.CoordinationLock) bson.M {
	return bson.M{
		"_id":          s.namespace + lock.Key,
		"ownerId":      lock.OwnerID,
		"fencingToken": lock.FencingToken,
	}
}

func (s *LockStore) prefixFilter(prefix string) bson.M {
	return bson.M{
		"_id": primitive.Regex{Pattern: "^" + regexp.QuoteMeta(s.namespace+prefix)},
	}
}

func (s *LockStore) toLock(doc *lockDocument) *models.CoordinationLock {
	return &models.CoordinationLock{
		Key:          strings.TrimPrefix(doc.ID, s.namespace),
		OwnerID:      doc.OwnerID,
		FencingToken: doc.FencingToken,
		AcquiredAt:   time.UnixMilli(doc.AcquiredAt),
		RenewedAt:    time.UnixMilli(doc.RenewedAt),
		ExpiresAt:    time.UnixMilli(doc.ExpiresAt),
		TTL:          time.Duration(doc.TTL) * time.Millisecond,
	}
}

func (s *LockStore) now() time.Time {
	return time.UnixMilli(s.clock.Now().UnixMilli())
}
