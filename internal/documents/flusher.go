package documents

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	defaultFlushInterval    = 1500 * time.Millisecond
	defaultMaxFlushAttempts = 3

	opFlush = "documents.flush"
)

// FlusherConfig describes the dependencies for the write-behind worker.
type FlusherConfig struct {
	Reconciler  *Reconciler
	Store       *Store
	Interval    time.Duration
	MaxAttempts int
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Flusher drains the reconciler's pending queue into the durable store on a
// fixed interval, decoupling edit latency from storage latency. A failed
// item is requeued for the next tick unless a newer edit superseded it,
// bounded by MaxAttempts before the write is abandoned with an error log.
type Flusher struct {
	reconciler  *Reconciler
	store       *Store
	interval    time.Duration
	maxAttempts int
	clock       func() time.Time
	logger      *zap.Logger
}

// NewFlusher constructs the write-behind worker.
func NewFlusher(cfg FlusherConfig) (*Flusher, error) {
	if cfg.Reconciler == nil {
		return nil, errMissingReconciler
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxFlushAttempts
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Flusher{
		reconciler:  cfg.Reconciler,
		store:       cfg.Store,
		interval:    interval,
		maxAttempts: maxAttempts,
		clock:       clock,
		logger:      logger,
	}, nil
}

// Run ticks until the context is cancelled, then performs a final drain so
// accepted edits survive a graceful shutdown.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.FlushOnce(context.Background())
			return
		case <-ticker.C:
			f.FlushOnce(ctx)
		}
	}
}

// FlushOnce drains the pending queue and writes each coalesced entry to the
// durable store. Only the newest content/version per document is ever
// written; stale entries cannot reach the store because the reconciler
// overwrites the queue slot on every accepted edit.
func (f *Flusher) FlushOnce(ctx context.Context) {
	drained := f.reconciler.drainPending()
	for documentID, write := range drained {
		err := f.store.UpdateContent(ctx, documentID, write.Content, write.Version, f.clock().UTC())
		if err == nil {
			continue
		}

		write.Attempts++
		if write.Attempts >= f.maxAttempts {
			f.logger.Error("abandoning pending write after repeated flush failures",
				zap.String("operation", opFlush),
				zap.Int64("document_id", documentID),
				zap.Int64("version", write.Version),
				zap.Int("attempts", write.Attempts),
				zap.Error(err))
			continue
		}

		if f.reconciler.requeue(documentID, write) {
			f.logger.Warn("flush failed, write requeued",
				zap.String("operation", opFlush),
				zap.Int64("document_id", documentID),
				zap.Int64("version", write.Version),
				zap.Int("attempts", write.Attempts),
				zap.Error(err))
		}
	}
}
