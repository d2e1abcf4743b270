// Package permission decides whether an agent may invoke a tool.
//
// A Manager holds the grants of one session at four scopes and evaluates
// them in strict priority order: global, one-time, session, persistent.
// The first scope with a matching grant decides. Permission modes can
// short-circuit the grant table, hooks can veto or force decisions, and in
// default mode a call without a grant is put to the human as an
// out-of-band permission request.
package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bennoloeffler/bassi-sub003/internal/event"
	"github.com/bennoloeffler/bassi-sub003/internal/logging"
	"github.com/bennoloeffler/bassi-sub003/internal/metrics"
	"github.com/bennoloeffler/bassi-sub003/internal/storage"
	"github.com/bennoloeffler/bassi-sub003/pkg/types"
)

// EditTools are allowed without grants in acceptEdits mode.
var EditTools = map[string]bool{
	"Write":        true,
	"Edit":         true,
	"MultiEdit":    true,
	"NotebookEdit": true,
	"write_file":   true,
	"edit_file":    true,
}

// AnyTool is the tool name of a grant that applies to every tool.
const AnyTool = "*"

// DefaultRequestTimeout bounds how long a permission request waits for the
// human.
const DefaultRequestTimeout = 300 * time.Second

// Source names what decided an evaluation.
type Source string

const (
	SourceHook  Source = "hook"
	SourceMode  Source = "mode"
	SourceGrant Source = "grant"
	SourceHuman Source = "human"
	SourceNone  Source = "none"
)

// Result is the outcome of an evaluation.
type Result struct {
	Decision types.Decision
	Source   Source
	Scope    types.GrantScope // set when a grant decided
	Reason   string
}

// ErrInvalidGrant is returned for grants with an unknown scope or no tool.
var ErrInvalidGrant = errors.New("invalid grant")

// Manager evaluates tool permissions for one session.
type Manager struct {
	sessionID string
	log       zerolog.Logger
	bus       *event.Bus
	store     *storage.Storage
	storeKey  []string

	mu     sync.Mutex
	mode   types.PermissionMode
	grants map[types.GrantScope][]types.PermissionGrant
	before []BeforeHook
	after  []AfterHook

	toolMu    sync.Mutex
	toolLocks map[string]*sync.Mutex

	requests requests
}

// Option configures a Manager.
type Option func(*Manager)

// WithMode sets the initial permission mode.
func WithMode(mode types.PermissionMode) Option {
	return func(m *Manager) {
		if mode.Valid() {
			m.mode = mode
		}
	}
}

// WithStorage persists persistent-scope grants as the document at key.
func WithStorage(st *storage.Storage, key ...string) Option {
	return func(m *Manager) {
		m.store = st
		m.storeKey = key
	}
}

// WithBus publishes permission.decided and permission.overridden events.
func WithBus(bus *event.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithNotifier sets the function that delivers permission requests to the
// human. Without one, calls with no matching grant are denied outright.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.requests.notify = n }
}

// WithRequestTimeout bounds how long a permission request waits.
func WithRequestTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.requests.timeout = d
		}
	}
}

// WithBeforeHook adds a hook run before the grant table is consulted.
func WithBeforeHook(h BeforeHook) Option {
	return func(m *Manager) { m.before = append(m.before, h) }
}

// WithAfterHook adds a hook run after a decision is reached.
func WithAfterHook(h AfterHook) Option {
	return func(m *Manager) { m.after = append(m.after, h) }
}

// New creates a manager for one session.
func New(sessionID string, opts ...Option) *Manager {
	m := &Manager{
		sessionID: sessionID,
		log:       logging.ForSession(sessionID, "permission"),
		mode:      types.ModeDefault,
		grants:    make(map[types.GrantScope][]types.PermissionGrant),
		toolLocks: make(map[string]*sync.Mutex),
		requests: requests{
			pending: make(map[string]*pendingRequest),
			timeout: DefaultRequestTimeout,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Mode returns the current permission mode.
func (m *Manager) Mode() types.PermissionMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// SetMode changes the permission mode.
func (m *Manager) SetMode(mode types.PermissionMode) error {
	if !mode.Valid() {
		return fmt.Errorf("unknown permission mode %q", mode)
	}
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()

	m.log.Info().Str("mode", string(mode)).Msg("Permission mode changed")
	return nil
}

// SetNotifier replaces the permission request notifier.
func (m *Manager) SetNotifier(n Notifier) {
	m.requests.mu.Lock()
	defer m.requests.mu.Unlock()
	m.requests.notify = n
}

// AddBeforeHook registers a before_evaluate hook.
func (m *Manager) AddBeforeHook(h BeforeHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.before = append(m.before, h)
}

// AddAfterHook registers an after_decision hook.
func (m *Manager) AddAfterHook(h AfterHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.after = append(m.after, h)
}

// Evaluate decides whether toolName may run with input.
func (m *Manager) Evaluate(ctx context.Context, toolName string, input json.RawMessage) (types.Decision, error) {
	res, err := m.Decide(ctx, toolName, input)
	return res.Decision, err
}

// Decide is Evaluate with the reason for the decision.
//
// The order is: before_evaluate hooks, mode short-circuit, grants by scope
// priority, the human (default mode only), then after_decision hooks. The
// returned error is non-nil only when ctx ended while the human was being
// asked; the decision is then Deny.
func (m *Manager) Decide(ctx context.Context, toolName string, input json.RawMessage) (Result, error) {
	call := Call{SessionID: m.sessionID, ToolName: toolName, Input: input}

	m.mu.Lock()
	before := slices.Clone(m.before)
	after := slices.Clone(m.after)
	mode := m.mode
	m.mu.Unlock()

	res, decided := m.runBefore(ctx, call, before)

	if !decided {
		switch {
		case mode == types.ModeBypassPermissions:
			res, decided = Result{Decision: types.Allow, Source: SourceMode, Reason: string(mode)}, true
		case mode == types.ModeAcceptEdits && EditTools[toolName]:
			res, decided = Result{Decision: types.Allow, Source: SourceMode, Reason: string(mode)}, true
		}
	}

	if !decided {
		if scope, ok := m.consume(toolName, input); ok {
			res, decided = Result{Decision: types.Allow, Source: SourceGrant, Scope: scope}, true
		}
	}

	var err error
	if !decided {
		res, err = m.askHuman(ctx, call)
	}

	res = m.runAfter(ctx, call, res, after)
	m.record(call, res)
	return res, err
}

// consume finds the highest-priority grant matching the call. A matching
// one-time grant loses one use, and is removed when none remain, in the
// same critical section as the match.
func (m *Manager) consume(toolName string, input json.RawMessage) (types.GrantScope, bool) {
	tl := m.toolLock(toolName)
	tl.Lock()
	defer tl.Unlock()

	var commands []Command
	var parseErr error
	if ShellTools[toolName] {
		commands, parseErr = commandsFromInput(input)
	}
	matches := func(g types.PermissionGrant) bool {
		if g.Scope != types.ScopeGlobal && g.ToolName != toolName && g.ToolName != AnyTool {
			return false
		}
		if g.Pattern == "" {
			return true
		}
		return parseErr == nil && MatchAll(g.Pattern, commands)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, scope := range types.ScopePriority {
		grants := m.grants[scope]
		i := slices.IndexFunc(grants, matches)
		if i < 0 {
			continue
		}
		if scope == types.ScopeOneTime {
			grants[i].RemainingUses--
			if grants[i].RemainingUses <= 0 {
				m.grants[scope] = slices.Delete(grants, i, i+1)
			}
		}
		return scope, true
	}
	return "", false
}

func (m *Manager) toolLock(toolName string) *sync.Mutex {
	m.toolMu.Lock()
	defer m.toolMu.Unlock()
	l, ok := m.toolLocks[toolName]
	if !ok {
		l = &sync.Mutex{}
		m.toolLocks[toolName] = l
	}
	return l
}

// Grant adds or replaces a grant for toolName. count is the number of uses
// of a one-time grant (at least one) and ignored for other scopes.
func (m *Manager) Grant(ctx context.Context, scope types.GrantScope, toolName string, count int) error {
	return m.AddGrant(ctx, types.PermissionGrant{Scope: scope, ToolName: toolName, RemainingUses: count})
}

// GrantPattern grants a shell tool for commands matching pattern only.
func (m *Manager) GrantPattern(ctx context.Context, scope types.GrantScope, toolName, pattern string) error {
	return m.AddGrant(ctx, types.PermissionGrant{Scope: scope, ToolName: toolName, Pattern: pattern, RemainingUses: 1})
}

// AddGrant adds g, replacing a grant with the same scope, tool and pattern.
func (m *Manager) AddGrant(ctx context.Context, g types.PermissionGrant) error {
	if !g.Scope.Valid() {
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidGrant, g.Scope)
	}
	if g.Scope == types.ScopeGlobal {
		g.ToolName = AnyTool
		g.Pattern = ""
	}
	if g.ToolName == "" {
		return fmt.Errorf("%w: no tool name", ErrInvalidGrant)
	}
	if g.Pattern != "" && !ShellTools[g.ToolName] {
		return fmt.Errorf("%w: patterns apply to shell tools only", ErrInvalidGrant)
	}
	if g.Scope == types.ScopeOneTime {
		g.RemainingUses = max(g.RemainingUses, 1)
	} else {
		g.RemainingUses = 0
	}

	m.mu.Lock()
	grants := m.grants[g.Scope]
	if i := slices.IndexFunc(grants, sameGrant(g)); i >= 0 {
		grants[i] = g
	} else {
		m.grants[g.Scope] = append(grants, g)
	}
	var snapshot []types.PermissionGrant
	if g.Scope == types.ScopePersistent {
		snapshot = slices.Clone(m.grants[types.ScopePersistent])
	}
	m.mu.Unlock()

	m.log.Info().
		Str("scope", string(g.Scope)).
		Str("tool", g.ToolName).
		Str("pattern", g.Pattern).
		Int("uses", g.RemainingUses).
		Msg("Permission granted")

	if g.Scope == types.ScopePersistent {
		return m.save(ctx, snapshot)
	}
	return nil
}

// Revoke removes every grant for toolName at scope.
func (m *Manager) Revoke(ctx context.Context, scope types.GrantScope, toolName string) error {
	if scope == types.ScopeGlobal {
		toolName = AnyTool
	}

	m.mu.Lock()
	before := len(m.grants[scope])
	m.grants[scope] = slices.DeleteFunc(m.grants[scope], func(g types.PermissionGrant) bool {
		return g.ToolName == toolName
	})
	removed := before != len(m.grants[scope])
	snapshot := slices.Clone(m.grants[types.ScopePersistent])
	m.mu.Unlock()

	if removed && scope == types.ScopePersistent {
		return m.save(ctx, snapshot)
	}
	return nil
}

// Grants returns all grants in priority order.
func (m *Manager) Grants() []types.PermissionGrant {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.PermissionGrant
	for _, scope := range types.ScopePriority {
		out = append(out, m.grants[scope]...)
	}
	return out
}

// ClearSession drops every grant except persistent ones and cancels
// outstanding permission requests. It is called when the session is
// destroyed.
func (m *Manager) ClearSession() {
	m.mu.Lock()
	for _, scope := range []types.GrantScope{types.ScopeGlobal, types.ScopeOneTime, types.ScopeSession} {
		delete(m.grants, scope)
	}
	m.mu.Unlock()

	m.CancelRequests()
}

// Load reads persistent grants from storage, replacing those in memory.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	var grants []types.PermissionGrant
	if err := m.store.Get(ctx, m.storeKey, &grants); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load persistent grants: %w", err)
	}

	grants = slices.DeleteFunc(grants, func(g types.PermissionGrant) bool {
		return g.Scope != types.ScopePersistent || g.ToolName == ""
	})

	m.mu.Lock()
	m.grants[types.ScopePersistent] = grants
	m.mu.Unlock()

	m.log.Debug().Int("grants", len(grants)).Msg("Persistent grants loaded")
	return nil
}

func (m *Manager) save(ctx context.Context, grants []types.PermissionGrant) error {
	if m.store == nil {
		return nil
	}
	if grants == nil {
		grants = []types.PermissionGrant{}
	}
	if err := m.store.Put(ctx, m.storeKey, grants); err != nil {
		return fmt.Errorf("failed to save persistent grants: %w", err)
	}
	return nil
}

func (m *Manager) record(call Call, res Result) {
	metrics.PermissionDecisions.WithLabelValues(string(res.Decision), string(res.Source)).Inc()

	m.log.Debug().
		Str("tool", call.ToolName).
		Str("decision", string(res.Decision)).
		Str("source", string(res.Source)).
		Str("scope", string(res.Scope)).
		Msg("Permission evaluated")

	if m.bus != nil {
		m.bus.Publish(event.Event{
			Type: event.PermissionDecided,
			Data: event.PermissionDecidedData{
				SessionID: m.sessionID,
				ToolName:  call.ToolName,
				Decision:  res.Decision,
				Scope:     res.Scope,
				Reason:    string(res.Source),
			},
		})
	}
}

func sameGrant(g types.PermissionGrant) func(types.PermissionGrant) bool {
	return func(o types.PermissionGrant) bool {
		return o.ToolName == g.ToolName && o.Pattern == g.Pattern
	}
}
