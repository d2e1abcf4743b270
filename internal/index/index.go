// Package index keeps the metadata-only listing of all sessions.
//
// The index is an in-memory map guarded by a single RWMutex, so listings
// never block each other. Every mutation schedules a debounced snapshot of
// the whole map to a JSON document on disk; Load rebuilds the map from that
// snapshot and reconciles it against the workspace directories.
package index

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/bennoloeffler/bassi-sub003/internal/logging"
	"github.com/bennoloeffler/bassi-sub003/internal/storage"
	"github.com/bennoloeffler/bassi-sub003/pkg/types"
)

const (
	// DefaultDebounce is the delay between a mutation and its snapshot.
	DefaultDebounce = 250 * time.Millisecond
	// SnapshotMaxRetries bounds retries of a failed snapshot write.
	SnapshotMaxRetries = 3
	// SnapshotRetryInterval is the first delay between snapshot retries.
	SnapshotRetryInterval = 50 * time.Millisecond
)

// snapshotVersion is bumped when the snapshot layout changes.
const snapshotVersion = 1

// snapshot is the on-disk form of the index.
type snapshot struct {
	Version  int                    `json:"version"`
	Sessions []types.SessionSummary `json:"sessions"`
}

// Index is the in-memory session index.
type Index struct {
	mu      sync.RWMutex
	entries map[string]types.SessionSummary

	store    *storage.Storage
	key      []string
	debounce time.Duration
	log      zerolog.Logger

	flushMu sync.Mutex // serializes snapshot writes
	timerMu sync.Mutex
	timer   *time.Timer
	closed  bool
}

// Option configures an Index.
type Option func(*Index)

// WithStorage persists snapshots as the document at key (["index"] when
// no key is given).
func WithStorage(st *storage.Storage, key ...string) Option {
	return func(idx *Index) {
		idx.store = st
		if len(key) > 0 {
			idx.key = key
		}
	}
}

// WithDebounce sets the snapshot debounce delay.
func WithDebounce(d time.Duration) Option {
	return func(idx *Index) {
		if d > 0 {
			idx.debounce = d
		}
	}
}

// New creates an empty index.
func New(opts ...Option) *Index {
	idx := &Index{
		entries:  make(map[string]types.SessionSummary),
		key:      []string{"index"},
		debounce: DefaultDebounce,
		log:      logging.ForComponent("index"),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Upsert replaces the record for s.ID as a whole.
func (idx *Index) Upsert(s types.SessionSummary) {
	idx.mu.Lock()
	idx.entries[s.ID] = s
	idx.mu.Unlock()
	idx.schedule()
}

// Get returns the record of a session.
func (idx *Index) Get(id string) (types.SessionSummary, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	s, ok := idx.entries[id]
	return s, ok
}

// Delete removes the record of a session. It reports whether one existed.
func (idx *Index) Delete(id string) bool {
	idx.mu.Lock()
	_, ok := idx.entries[id]
	delete(idx.entries, id)
	idx.mu.Unlock()

	if ok {
		idx.schedule()
	}
	return ok
}

// Len returns the number of indexed sessions.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

func (idx *Index) all() []types.SessionSummary {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]types.SessionSummary, 0, len(idx.entries))
	for _, s := range idx.entries {
		out = append(out, s)
	}
	return out
}

// schedule arms the debounce timer unless one is already pending.
func (idx *Index) schedule() {
	if idx.store == nil {
		return
	}
	idx.timerMu.Lock()
	defer idx.timerMu.Unlock()
	if idx.closed || idx.timer != nil {
		return
	}
	idx.timer = time.AfterFunc(idx.debounce, func() {
		idx.timerMu.Lock()
		idx.timer = nil
		idx.timerMu.Unlock()

		if err := idx.Flush(context.Background()); err != nil {
			idx.log.Error().Err(err).Msg("Failed to write index snapshot")
		}
	})
}

// Flush writes the snapshot now, retrying transient failures with
// exponential backoff.
func (idx *Index) Flush(ctx context.Context) error {
	if idx.store == nil {
		return nil
	}
	idx.flushMu.Lock()
	defer idx.flushMu.Unlock()

	snap := snapshot{Version: snapshotVersion, Sessions: sortSummaries(idx.all(), SortCreatedAt, Asc)}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = SnapshotRetryInterval
	b.RandomizationFactor = 0.5
	b.Reset()

	attempt := 0
	op := func() error {
		attempt++
		err := idx.store.Put(ctx, idx.key, snap)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if err != nil {
			idx.log.Warn().Err(err).Int("attempt", attempt).Msg("Index snapshot write failed")
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, SnapshotMaxRetries), ctx)); err != nil {
		return fmt.Errorf("failed to write index snapshot: %w", err)
	}

	idx.log.Debug().Int("sessions", len(snap.Sessions)).Msg("Index snapshot written")
	return nil
}

// Close stops the debounce timer and writes a final snapshot.
func (idx *Index) Close() error {
	idx.timerMu.Lock()
	idx.closed = true
	if idx.timer != nil {
		idx.timer.Stop()
		idx.timer = nil
	}
	idx.timerMu.Unlock()

	return idx.Flush(context.Background())
}

// readSnapshot loads the stored snapshot. A missing snapshot is empty.
func (idx *Index) readSnapshot(ctx context.Context) ([]types.SessionSummary, error) {
	if idx.store == nil {
		return nil, nil
	}
	var snap snapshot
	if err := idx.store.Get(ctx, idx.key, &snap); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read index snapshot: %w", err)
	}
	return snap.Sessions, nil
}
