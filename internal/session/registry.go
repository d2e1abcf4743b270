package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/bennoloeffler/bassi-sub003/internal/agent"
	"github.com/bennoloeffler/bassi-sub003/internal/channel"
	"github.com/bennoloeffler/bassi-sub003/internal/coordinator"
	"github.com/bennoloeffler/bassi-sub003/internal/event"
	"github.com/bennoloeffler/bassi-sub003/internal/index"
	"github.com/bennoloeffler/bassi-sub003/internal/logging"
	"github.com/bennoloeffler/bassi-sub003/internal/metrics"
	"github.com/bennoloeffler/bassi-sub003/internal/permission"
	"github.com/bennoloeffler/bassi-sub003/internal/question"
	"github.com/bennoloeffler/bassi-sub003/internal/storage"
	"github.com/bennoloeffler/bassi-sub003/internal/workspace"
	"github.com/bennoloeffler/bassi-sub003/pkg/types"
)

// ErrNotFound is returned for a session the registry, the index and the
// workspace store all do not know.
var ErrNotFound = errors.New("session not found")

// ErrExists is returned by Create for a session that is already live.
var ErrExists = errors.New("session already exists")

// grantsKey is the storage key of persistent grants inside <session>/.bassi.
var grantsKey = []string{"permissions"}

// Session is the bundle of one live session.
type Session struct {
	Coordinator *coordinator.Coordinator
	Permissions *permission.Manager
	Questions   *question.Broker

	mu    sync.Mutex
	info  types.Session
	stats types.WorkspaceStats

	// pins counts Attach calls holding the session; guarded by Registry.mu.
	pins int
}

// Info returns a copy of the session's metadata.
func (s *Session) Info() types.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.info
	if info.DisplayName != nil {
		name := *info.DisplayName
		info.DisplayName = &name
	}
	return info
}

// summary builds the session's index record.
func (s *Session) summary() types.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := s.info.Summary()
	sum.FileCount = s.stats.FileCount
	sum.ByteTotal = s.stats.ByteTotal
	return sum
}

// Registry maps session ids to live sessions.
type Registry struct {
	workspaces *workspace.Store
	index      *index.Index
	agents     *agent.Registry
	agentName  string
	bus        *event.Bus

	mode            types.PermissionMode
	questionTimeout time.Duration
	stopGrace       time.Duration
	grantStore      func(sessionID string) *storage.Storage

	mu       sync.RWMutex
	sessions map[string]*Session

	unsubscribe func()
	log         zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithBus sets the event bus. It should be the bus the workspace store
// publishes to, so files saved by agents refresh the index counters.
func WithBus(bus *event.Bus) Option {
	return func(r *Registry) { r.bus = bus }
}

// WithAgents sets the agent registry and the agent every session runs.
func WithAgents(agents *agent.Registry, name string) Option {
	return func(r *Registry) {
		r.agents = agents
		if name != "" {
			r.agentName = name
		}
	}
}

// WithPermissionMode sets the mode of new sessions.
func WithPermissionMode(mode types.PermissionMode) Option {
	return func(r *Registry) { r.mode = mode }
}

// WithQuestionTimeout sets the default question timeout of new sessions.
func WithQuestionTimeout(d time.Duration) Option {
	return func(r *Registry) { r.questionTimeout = d }
}

// WithStopGrace sets how long a detaching coordinator waits for its task.
func WithStopGrace(d time.Duration) Option {
	return func(r *Registry) { r.stopGrace = d }
}

// WithGrantStore overrides where persistent grants of a session are kept.
// By default they live in <workspace>/<id>/.bassi/permissions.json.
func WithGrantStore(fn func(sessionID string) *storage.Storage) Option {
	return func(r *Registry) { r.grantStore = fn }
}

// NewRegistry creates a registry over a workspace store and a session index.
func NewRegistry(ws *workspace.Store, idx *index.Index, opts ...Option) *Registry {
	r := &Registry{
		workspaces: ws,
		index:      idx,
		agentName:  agent.DefaultAgent,
		mode:       types.ModeDefault,
		stopGrace:  coordinator.DefaultStopGrace,
		sessions:   make(map[string]*Session),
		log:        logging.ForComponent("session"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.agents == nil {
		r.agents = agent.NewRegistry()
	}
	if r.grantStore == nil {
		r.grantStore = func(id string) *storage.Storage {
			return storage.New(filepath.Join(ws.Path(id), ".bassi"))
		}
	}
	if r.bus != nil {
		r.unsubscribe = r.bus.Subscribe(event.WorkspaceFileAdded, func(e event.Event) {
			if data, ok := e.Data.(event.FileAddedData); ok {
				r.refreshStats(data.SessionID)
			}
		})
	}
	return r
}

// Create registers a new live session. An empty id gets a fresh ULID. The
// workspace is created if missing and an existing one is reopened with its
// display name and files.
func (r *Registry) Create(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		id = ulid.Make().String()
	}
	if _, err := r.Get(id); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	}
	s, err := r.prepare(ctx, id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	}
	r.insertLocked(s)
	r.mu.Unlock()

	r.created(s)
	return s, nil
}

// GetOrCreate returns the live session id, creating it when needed.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*Session, bool, error) {
	return r.getOrCreate(ctx, id, false)
}

// getOrCreate looks up or creates a session. With pin set the session is
// pinned in the same critical section that found or inserted it.
func (r *Registry) getOrCreate(ctx context.Context, id string, pin bool) (*Session, bool, error) {
	if id == "" {
		id = ulid.Make().String()
	}
	if s, ok := r.lookup(id, pin); ok {
		return s, false, nil
	}

	s, err := r.prepare(ctx, id)
	if err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	if cur, ok := r.sessions[id]; ok {
		if pin {
			cur.pins++
		}
		r.mu.Unlock()
		return cur, false, nil
	}
	r.insertLocked(s)
	if pin {
		s.pins++
	}
	r.mu.Unlock()

	r.created(s)
	return s, true, nil
}

func (r *Registry) lookup(id string, pin bool) (*Session, bool) {
	if !pin {
		s, err := r.Get(id)
		return s, err == nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		s.pins++
	}
	return s, ok
}

// prepare builds the bundle of a session from its workspace and stored
// grants. It does not touch the session table.
func (r *Registry) prepare(ctx context.Context, id string) (*Session, error) {
	rec, err := r.workspaces.Create(id)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	now := time.Now().UnixMilli()
	s := &Session{
		info: types.Session{
			ID:            id,
			WorkspacePath: r.workspaces.Path(id),
			State:         types.SessionIdle,
			Time:          types.SessionTime{Created: rec.CreatedAt, LastActivity: now},
		},
		stats: rec.Stats(),
	}
	if rec.DisplayName != "" {
		name := rec.DisplayName
		s.info.DisplayName = &name
	}

	s.Permissions = permission.New(id,
		permission.WithMode(r.mode),
		permission.WithBus(r.bus),
		permission.WithStorage(r.grantStore(id), grantsKey...),
	)
	if err := s.Permissions.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load grants: %w", err)
	}

	qopts := []question.Option{question.WithBus(r.bus)}
	if r.questionTimeout > 0 {
		qopts = append(qopts, question.WithTimeout(r.questionTimeout))
	}
	s.Questions = question.New(id, qopts...)

	ag, err := r.agents.Get(r.agentName)
	if err != nil {
		return nil, err
	}
	s.Coordinator = coordinator.New(id, ag,
		coordinator.WithQuestions(s.Questions),
		coordinator.WithPermissions(s.Permissions),
		coordinator.WithWorkspace(r.workspaces),
		coordinator.WithBus(r.bus),
		coordinator.WithDisplayName(rec.DisplayName),
		coordinator.WithStopGrace(r.stopGrace),
		coordinator.WithHooks(r.hooks(s)),
	)
	return s, nil
}

// insertLocked adds a prepared session to the table. Callers hold r.mu.
func (r *Registry) insertLocked(s *Session) {
	r.sessions[s.info.ID] = s
	metrics.SessionsActive.Inc()
	r.index.Upsert(s.summary())
}

func (r *Registry) created(s *Session) {
	sum := s.summary()
	r.publish(event.SessionCreated, sum)
	r.log.Info().Str("sessionID", sum.ID).Int("files", sum.FileCount).Msg("Session created")
}

func (r *Registry) hooks(s *Session) coordinator.Hooks {
	return coordinator.Hooks{
		Activity: func() { r.touch(s) },
		Renamed:  func(name string) { r.renamed(s, name) },
		TaskStarted: func() {
			r.setState(s, types.SessionActive)
		},
		TaskFinished: func() {
			r.release(s)
		},
	}
}

// Get returns the live session id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Summary returns the index record of a live or stored session.
func (r *Registry) Summary(id string) (types.SessionSummary, error) {
	if s, err := r.Get(id); err == nil {
		return s.summary(), nil
	}
	if sum, ok := r.index.Get(id); ok {
		return sum, nil
	}
	return types.SessionSummary{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// List queries the session index.
func (r *Registry) List(q index.Query) index.Page {
	return r.index.List(q)
}

// Known reports whether the session is live, indexed or has a workspace.
func (r *Registry) Known(id string) bool {
	if _, err := r.Get(id); err == nil {
		return true
	}
	if _, ok := r.index.Get(id); ok {
		return true
	}
	return r.workspaces.Exists(id)
}

// Attach binds ch to the session, creating the session if needed, and
// blocks until the channel is detached. The session is released afterwards
// unless an abandoned task is still running; it is then released when that
// task returns.
func (r *Registry) Attach(ctx context.Context, id string, ch channel.Channel) error {
	s, _, err := r.getOrCreate(ctx, id, true)
	if err != nil {
		return err
	}
	if s.Coordinator.Attached() {
		r.unpin(s)
		return coordinator.ErrSessionBusy
	}

	r.setState(s, types.SessionActive)
	err = s.Coordinator.Attach(ctx, ch)
	r.unpin(s)
	if errors.Is(err, coordinator.ErrSessionBusy) {
		return err
	}
	r.release(s)
	return err
}

func (r *Registry) unpin(s *Session) {
	r.mu.Lock()
	s.pins--
	r.mu.Unlock()
}

// release destroys s if it is still the registered session for its id and
// nothing uses it. The check and the removal happen in one critical
// section, so an Attach that pinned s keeps it alive.
func (r *Registry) release(s *Session) {
	id := s.Info().ID
	removed := r.removeIf(id, func(cur *Session) bool {
		return cur == s && s.pins == 0 && !s.Coordinator.Attached() && !s.Coordinator.Running()
	})
	if removed != nil {
		r.teardown(removed)
	}
}

// removeIf deletes the session id from the table when pred holds for it
// and returns the removed session.
func (r *Registry) removeIf(id string, pred func(*Session) bool) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || !pred(s) {
		return nil
	}
	delete(r.sessions, id)
	return s
}

// Destroy removes a live session from the registry. Session-scoped grants
// are cleared and the index entry is marked closed; the workspace stays on
// disk.
func (r *Registry) Destroy(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.teardown(s)
	return nil
}

func (r *Registry) teardown(s *Session) {
	metrics.SessionsActive.Dec()
	s.Questions.CancelAll()
	s.Permissions.CancelRequests()
	s.Permissions.ClearSession()

	s.mu.Lock()
	s.info.State = types.SessionClosed
	s.info.Time.LastActivity = time.Now().UnixMilli()
	s.mu.Unlock()
	sum := s.summary()

	// A session registered under the same id since owns the record.
	r.mu.RLock()
	_, replaced := r.sessions[sum.ID]
	if !replaced {
		r.index.Upsert(sum)
	}
	r.mu.RUnlock()
	if !replaced {
		r.publish(event.SessionUpdated, sum)
	}
	r.log.Info().Str("sessionID", sum.ID).Msg("Session destroyed")
}

// Delete destroys the session if it is live and removes its workspace and
// index entry.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if !r.Known(id) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	sum, _ := r.Summary(id)

	var busy bool
	removed := r.removeIf(id, func(s *Session) bool {
		busy = s.pins > 0 || s.Coordinator.Attached()
		return !busy
	})
	if busy {
		return coordinator.ErrSessionBusy
	}
	if removed != nil {
		r.teardown(removed)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.workspaces.Purge(id); err != nil {
		return err
	}
	r.index.Delete(id)

	sum.ID = id
	sum.State = types.SessionClosed
	r.publish(event.SessionDeleted, sum)
	r.log.Info().Str("sessionID", id).Msg("Session deleted")
	return nil
}

// Touch records activity on a live session.
func (r *Registry) Touch(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	r.touch(s)
	return nil
}

func (r *Registry) touch(s *Session) {
	s.mu.Lock()
	s.info.Time.LastActivity = time.Now().UnixMilli()
	s.mu.Unlock()
	r.index.Upsert(s.summary())
}

// Rename sets the display name of a live or stored session.
func (r *Registry) Rename(id, name string) (types.SessionSummary, error) {
	if s, err := r.Get(id); err == nil {
		s.Coordinator.SetDisplayName(name)
		return s.summary(), nil
	}

	sum, ok := r.index.Get(id)
	if !ok && !r.workspaces.Exists(id) {
		return types.SessionSummary{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := r.workspaces.SetDisplayName(id, name); err != nil {
		return types.SessionSummary{}, err
	}
	if !ok {
		if stats, err := r.workspaces.Stats(id); err == nil {
			sum.FileCount, sum.ByteTotal = stats.FileCount, stats.ByteTotal
		}
		sum.ID, sum.State = id, types.SessionClosed
	}
	sum.DisplayName = name
	r.index.Upsert(sum)
	r.publish(event.SessionUpdated, sum)
	return sum, nil
}

func (r *Registry) renamed(s *Session, name string) {
	s.mu.Lock()
	s.info.DisplayName = &name
	id := s.info.ID
	s.mu.Unlock()

	if err := r.workspaces.SetDisplayName(id, name); err != nil {
		r.log.Warn().Err(err).Str("sessionID", id).Msg("Failed to persist display name")
	}
	sum := s.summary()
	r.index.Upsert(sum)
	r.publish(event.SessionUpdated, sum)
}

func (r *Registry) setState(s *Session, state types.SessionState) {
	s.mu.Lock()
	changed := s.info.State != state
	s.info.State = state
	s.info.Time.LastActivity = time.Now().UnixMilli()
	s.mu.Unlock()

	sum := s.summary()
	r.index.Upsert(sum)
	if changed {
		r.publish(event.SessionUpdated, sum)
	}
}

// Upload stores r in the session's workspace and refreshes its counters.
// The session does not need to be live.
func (r *Registry) Upload(ctx context.Context, id string, body io.Reader, name string, role types.FolderRole) (*types.WorkspaceFile, error) {
	if !r.Known(id) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	file, err := r.workspaces.Put(ctx, id, body, name, role)
	if err != nil {
		return nil, err
	}
	r.refreshStats(id)
	return file, nil
}

// refreshStats re-reads the file counters of a session into the index.
func (r *Registry) refreshStats(id string) {
	stats, err := r.workspaces.Stats(id)
	if err != nil {
		r.log.Warn().Err(err).Str("sessionID", id).Msg("Failed to read workspace stats")
		return
	}

	if s, err := r.Get(id); err == nil {
		s.mu.Lock()
		s.stats = stats
		s.info.Time.LastActivity = time.Now().UnixMilli()
		s.mu.Unlock()
		r.index.Upsert(s.summary())
		return
	}

	sum, ok := r.index.Get(id)
	if !ok {
		rec, err := r.workspaces.Record(id)
		if err != nil {
			return
		}
		sum = types.SessionSummary{
			ID:          id,
			DisplayName: rec.DisplayName,
			State:       types.SessionClosed,
			Time:        types.SessionTime{Created: rec.CreatedAt},
		}
	}
	sum.FileCount, sum.ByteTotal = stats.FileCount, stats.ByteTotal
	sum.Time.LastActivity = time.Now().UnixMilli()
	r.index.Upsert(sum)
}

// Close destroys every live session and stops following the bus.
func (r *Registry) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		_ = r.Destroy(id)
	}
}

func (r *Registry) publish(t event.EventType, sum types.SessionSummary) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(event.Event{Type: t, Data: event.SessionData{Info: sum}})
}
