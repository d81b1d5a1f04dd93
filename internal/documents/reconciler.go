package documents

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	errMissingCache      = errors.New("document cache is required")
	errMissingReconciler = errors.New("reconciler is required")
)

// EditOutcome captures the decision for a single proposed edit. A rejection
// is a protocol outcome, not an error: it carries the authoritative content
// and version so the stale client can resync.
type EditOutcome struct {
	Accepted      bool
	ServerVersion int64
	LatestContent string
}

type pendingWrite struct {
	Content    string
	Version    int64
	EnqueuedAt time.Time
	Attempts   int
}

// ReconcilerConfig describes the dependencies for the edit reconciler.
type ReconcilerConfig struct {
	Cache  *Cache
	Clock  func() time.Time
	Logger *zap.Logger
}

// Reconciler owns the version-check protocol for concurrent edits. Versions
// are checked and bumped under a per-document mutex, so edits against one
// document resolve strictly in arrival order and the authoritative version
// never moves backward. Accepted content reaches the cache synchronously;
// durable persistence is deferred to the flusher via the pending queue,
// which coalesces to at most one entry per document.
type Reconciler struct {
	cache  *Cache
	clock  func() time.Time
	logger *zap.Logger

	mu      sync.Mutex
	locks   map[int64]*sync.Mutex
	pending map[int64]pendingWrite
}

// NewReconciler constructs the edit reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Reconciler{
		cache:   cfg.Cache,
		clock:   clock,
		logger:  logger,
		locks:   make(map[int64]*sync.Mutex),
		pending: make(map[int64]pendingWrite),
	}, nil
}

func (r *Reconciler) documentLock(documentID int64) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[documentID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[documentID] = lock
	}
	return lock
}

// ApplyEdit runs the version check for a proposed whole-document edit.
//
// A client behind the authoritative version is rejected and handed the
// current content so it can reconcile locally. A client at or ahead of the
// authoritative version is accepted and the version bumps by exactly one;
// the reconciler, never the client, owns the increment. Two clients editing
// from the same base version both pass the check, and the later one fully
// replaces the earlier content. Last writer wins at whole-document
// granularity; nothing is merged.
func (r *Reconciler) ApplyEdit(ctx context.Context, documentID int64, content string, clientVersion int64) (EditOutcome, error) {
	lock := r.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	snap, err := r.cache.Get(ctx, documentID)
	if err != nil {
		return EditOutcome{}, err
	}

	if clientVersion < snap.ServerVersion {
		return EditOutcome{
			Accepted:      false,
			ServerVersion: snap.ServerVersion,
			LatestContent: snap.Content,
		}, nil
	}

	nextVersion := snap.ServerVersion + 1
	snap.Content = content
	snap.ServerVersion = nextVersion
	if err := r.cache.Put(ctx, snap); err != nil {
		// The synchronous path must not silently drop an edit; the caller
		// gets the failure and may retry with the same client version.
		return EditOutcome{}, err
	}

	r.enqueue(documentID, pendingWrite{
		Content:    content,
		Version:    nextVersion,
		EnqueuedAt: r.clock().UTC(),
	})

	return EditOutcome{
		Accepted:      true,
		ServerVersion: nextVersion,
		LatestContent: content,
	}, nil
}

func (r *Reconciler) enqueue(documentID int64, write pendingWrite) {
	r.mu.Lock()
	r.pending[documentID] = write
	r.mu.Unlock()
}

// drainPending atomically swaps out the queue so edits arriving mid-flush
// land in a fresh map instead of being lost.
func (r *Reconciler) drainPending() map[int64]pendingWrite {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return nil
	}
	drained := r.pending
	r.pending = make(map[int64]pendingWrite)
	return drained
}

// requeue puts a failed flush item back unless a newer edit already claimed
// the slot; the newest version for a document always wins the queue.
func (r *Reconciler) requeue(documentID int64, write pendingWrite) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.pending[documentID]; ok && current.Version >= write.Version {
		return false
	}
	r.pending[documentID] = write
	return true
}

// PendingCount reports the number of documents with unflushed edits.
func (r *Reconciler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
