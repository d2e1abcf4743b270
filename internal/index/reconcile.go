package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/bennoloeffler/bassi-sub003/internal/workspace"
	"github.com/bennoloeffler/bassi-sub003/pkg/types"
)

// Workspaces is the view of the workspace store the index reconciles
// against.
type Workspaces interface {
	Sessions() ([]string, error)
	Record(sessionID string) (*workspace.Record, error)
}

// Load rebuilds the index from its snapshot and reconciles it with ws.
func (idx *Index) Load(ctx context.Context, ws Workspaces) error {
	sessions, err := idx.readSnapshot(ctx)
	if err != nil {
		return err
	}

	idx.mu.Lock()
	idx.entries = make(map[string]types.SessionSummary, len(sessions))
	for _, s := range sessions {
		if s.ID == "" {
			continue
		}
		// Nothing is live right after startup.
		s.State = types.SessionClosed
		idx.entries[s.ID] = s
	}
	idx.mu.Unlock()

	idx.log.Info().Int("sessions", len(sessions)).Msg("Index snapshot loaded")
	if ws == nil {
		return nil
	}
	_, err = idx.Reconcile(ctx, ws)
	return err
}

// Reconcile indexes session directories that have no record and drops
// records whose directory is gone. It returns the number of records added
// and removed.
func (idx *Index) Reconcile(ctx context.Context, ws Workspaces) (int, error) {
	ids, err := ws.Sessions()
	if err != nil {
		return 0, fmt.Errorf("failed to list workspaces: %w", err)
	}
	onDisk := make(map[string]bool, len(ids))
	for _, id := range ids {
		onDisk[id] = true
	}

	changed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		if _, ok := idx.Get(id); ok {
			continue
		}
		sum, err := summaryFromWorkspace(ws, id)
		if err != nil {
			idx.log.Warn().Err(err).Str("sessionID", id).Msg("Skipping unreadable workspace")
			continue
		}
		idx.mu.Lock()
		if _, ok := idx.entries[id]; !ok {
			idx.entries[id] = sum
			changed++
		}
		idx.mu.Unlock()
		idx.log.Debug().Str("sessionID", id).Msg("Workspace re-indexed")
	}

	idx.mu.Lock()
	for id := range idx.entries {
		if !onDisk[id] {
			delete(idx.entries, id)
			changed++
			idx.log.Debug().Str("sessionID", id).Msg("Dropped index entry without workspace")
		}
	}
	idx.mu.Unlock()

	if changed > 0 {
		idx.schedule()
	}
	return changed, nil
}

func summaryFromWorkspace(ws Workspaces, id string) (types.SessionSummary, error) {
	rec, err := ws.Record(id)
	if err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			return types.SessionSummary{}, err
		}
		return types.SessionSummary{}, fmt.Errorf("failed to read workspace %s: %w", id, err)
	}
	stats := rec.Stats()
	lastActivity := rec.CreatedAt
	for _, f := range rec.Files {
		lastActivity = max(lastActivity, f.UploadedAt)
	}
	return types.SessionSummary{
		ID:          id,
		DisplayName: rec.DisplayName,
		State:       types.SessionClosed,
		Time:        types.SessionTime{Created: rec.CreatedAt, LastActivity: lastActivity},
		FileCount:   stats.FileCount,
		ByteTotal:   stats.ByteTotal,
	}, nil
}
