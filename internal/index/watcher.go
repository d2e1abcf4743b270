package index

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reconciles the index when session directories appear in or
// disappear from the workspace root outside the process.
type Watcher struct {
	watcher *fsnotify.Watcher
	root    string
	idx     *Index
	ws      Workspaces
	delay   time.Duration

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	mu      sync.Mutex
}

// NewWatcher watches root, the directory ws keeps session workspaces in.
func NewWatcher(root string, idx *Index, ws Workspaces) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(root); err != nil {
		w.Close()
		return nil, err
	}

	idx.log.Info().Str("root", root).Msg("Workspace watcher initialized")
	return &Watcher{
		watcher: w,
		root:    filepath.Clean(root),
		idx:     idx,
		ws:      ws,
		delay:   idx.debounce,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins watching.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	// Bursts of events (a tree being copied in) collapse into one pass.
	timer := time.NewTimer(w.delay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Dir(ev.Name) != w.root {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				timer.Reset(w.delay)
			}
		case <-timer.C:
			w.reconcile()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.idx.log.Error().Err(err).Msg("Workspace watcher error")
		}
	}
}

func (w *Watcher) reconcile() {
	changed, err := w.idx.Reconcile(context.Background(), w.ws)
	if err != nil {
		w.idx.log.Error().Err(err).Msg("Workspace reconciliation failed")
		return
	}
	if changed > 0 {
		w.idx.log.Info().Int("changed", changed).Msg("Index reconciled with workspace root")
	}
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}

	if started {
		<-w.doneCh
	}
	return w.watcher.Close()
}
