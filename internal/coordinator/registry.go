package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Woody88/sitelink-sub006/internal/storage"
)

const (
	// defaultEvictAfter is how long a terminal coordinator may sit idle
	// before its actor is reclaimed.
	defaultEvictAfter = 15 * time.Minute

	sweepInterval = time.Minute
)

type entry struct {
	coord      *Coordinator
	lastActive atomic.Int64 // unix nanos, written by the actor on each call
}

// Registry routes calls to per-upload coordinators, creating each actor on
// first use and reclaiming terminal ones after an idle TTL.
type Registry struct {
	store      storage.Store
	logger     *slog.Logger
	evictAfter time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry builds a registry over store. Call Run to enable eviction.
func NewRegistry(store storage.Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:      store,
		logger:     logger,
		evictAfter: defaultEvictAfter,
		entries:    make(map[string]*entry),
	}
}

// SetEvictAfter overrides the idle TTL for terminal coordinators. Call
// before Run.
func (r *Registry) SetEvictAfter(d time.Duration) {
	if d > 0 {
		r.evictAfter = d
	}
}

// Get returns the coordinator for uploadID, spawning its actor if this is
// the first call mentioning the upload.
func (r *Registry) Get(uploadID string) *Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[uploadID]; ok {
		return e.coord
	}
	e := &entry{}
	e.lastActive.Store(time.Now().UnixNano())
	e.coord = newCoordinator(uploadID, r.store, r.logger, func() {
		e.lastActive.Store(time.Now().UnixNano())
	})
	r.entries[uploadID] = e
	r.logger.Debug("coordinator created", "upload_id", uploadID)
	return e.coord
}

// Len reports the number of live coordinators.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Run sweeps for evictable coordinators until ctx is cancelled, then stops
// every remaining actor.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.stopAll()
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep evicts coordinators that are both terminal and idle past the TTL.
// The status call doubles as the lazy timeout check, so an abandoned
// Running upload whose deadline passed becomes TimedOut here and is
// collected on a later sweep.
func (r *Registry) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-r.evictAfter).UnixNano()

	r.mu.Lock()
	stale := make(map[string]*entry)
	for id, e := range r.entries {
		if e.lastActive.Load() < cutoff {
			stale[id] = e
		}
	}
	r.mu.Unlock()

	for id, e := range stale {
		statusCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		snap, err := e.coord.status(statusCtx, true)
		cancel()
		if err != nil {
			continue
		}
		if snap.Status != StatusCompleted && snap.Status != StatusTimedOut {
			continue
		}

		r.mu.Lock()
		// Re-check under the lock: a call may have raced the sweep.
		if cur, ok := r.entries[id]; ok && cur == e && e.lastActive.Load() < cutoff {
			delete(r.entries, id)
			e.coord.stop()
			r.logger.Info("coordinator evicted", "upload_id", id, "status", snap.Status)
		}
		r.mu.Unlock()
	}
}

func (r *Registry) stopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		e.coord.stop()
		delete(r.entries, id)
	}
}
