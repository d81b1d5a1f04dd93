package documents

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	sqlite "github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Document{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestStore(t *testing.T, db *gorm.DB) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store
}

func newTestCache(t *testing.T, store *Store, ttl time.Duration) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { client.Close() })
	cache, err := NewCache(CacheConfig{Client: client, Store: store, TTL: ttl})
	if err != nil {
		t.Fatalf("failed to build cache: %v", err)
	}
	return cache, mini
}

func newTestReconciler(t *testing.T, cache *Cache) *Reconciler {
	t.Helper()
	reconciler, err := NewReconciler(ReconcilerConfig{Cache: cache})
	if err != nil {
		t.Fatalf("failed to build reconciler: %v", err)
	}
	return reconciler
}

func mustCreateDocument(t *testing.T, store *Store, title string) Document {
	t.Helper()
	doc, err := store.Create(context.Background(), title, 1, "alice")
	if err != nil {
		t.Fatalf("failed to create document: %v", err)
	}
	return doc
}
