package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultSnapshotTTL = 5 * time.Minute

var (
	errMissingRedisClient = errors.New("redis client is required")
	errMissingStore       = errors.New("document store is required")
)

// CacheConfig describes the dependencies for the hot snapshot cache.
type CacheConfig struct {
	Client *redis.Client
	Store  *Store
	TTL    time.Duration
	Logger *zap.Logger
}

// Cache holds the current document snapshot in redis, absorbing read bursts
// so the durable store stays off the edit hot path. Entries expire after a
// bounded TTL, which self-heals any drift left behind by a crash before flush.
type Cache struct {
	client *redis.Client
	store  *Store
	ttl    time.Duration
	logger *zap.Logger
}

// NewCache constructs the document snapshot cache.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Cache{client: cfg.Client, store: cfg.Store, ttl: ttl, logger: logger}, nil
}

func snapshotKey(documentID int64) string {
	return fmt.Sprintf("doc:%d", documentID)
}

// Get returns the cached snapshot, loading and populating from the durable
// store on a miss. Missing documents surface as ErrDocumentNotFound.
func (c *Cache) Get(ctx context.Context, documentID int64) (Snapshot, error) {
	raw, err := c.client.Get(ctx, snapshotKey(documentID)).Result()
	if err == nil {
		var snap Snapshot
		if unmarshalErr := json.Unmarshal([]byte(raw), &snap); unmarshalErr == nil {
			return snap, nil
		}
		c.logger.Warn("discarding undecodable cached snapshot",
			zap.Int64("document_id", documentID))
	} else if !errors.Is(err, redis.Nil) {
		return Snapshot{}, fmt.Errorf("documents: cache read: %w", err)
	}

	doc, err := c.store.Load(ctx, documentID)
	if err != nil {
		return Snapshot{}, err
	}

	snap := snapshotOf(doc)
	if err := c.write(ctx, snap); err != nil {
		// The store copy is authoritative; a failed populate only costs the
		// next reader another load.
		c.logger.Warn("snapshot cache populate failed",
			zap.Int64("document_id", documentID), zap.Error(err))
	}
	return snap, nil
}

// Put unconditionally overwrites the cached snapshot, refreshing the TTL.
// It never reads or writes the durable store.
func (c *Cache) Put(ctx context.Context, snap Snapshot) error {
	return c.write(ctx, snap)
}

func (c *Cache) write(ctx context.Context, snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("documents: marshal snapshot: %w", err)
	}
	if err := c.client.Set(ctx, snapshotKey(snap.ID), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("documents: cache write: %w", err)
	}
	return nil
}
