package permission

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/bennoloeffler/bassi-sub003/pkg/types"
)

// Request asks the human to allow a tool invocation.
type Request struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionID"`
	ToolName  string          `json:"toolName"`
	Input     json.RawMessage `json:"input,omitempty"`
	// Patterns are the command patterns a session or persistent approval
	// of a shell tool is recorded as.
	Patterns []string `json:"patterns,omitempty"`
}

// Response is the human's answer to a Request. On Allow, Scope and Count
// describe an optional grant: a one-time count of N allows this call and
// N-1 further ones.
type Response struct {
	RequestID string
	Decision  types.Decision
	Scope     types.GrantScope
	Count     int

	cancelled bool
}

// Notifier delivers a permission request to the human. It must not block.
type Notifier func(req Request)

type pendingRequest struct {
	req Request
	ch  chan Response
}

type requests struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	notify  Notifier
	timeout time.Duration
}

// askHuman sends a permission request and waits for the response.
func (m *Manager) askHuman(ctx context.Context, call Call) (Result, error) {
	m.requests.mu.Lock()
	notify := m.requests.notify
	if notify == nil {
		m.requests.mu.Unlock()
		return Result{Decision: types.Deny, Source: SourceNone, Reason: "no matching grant"}, nil
	}

	req := Request{
		ID:        ulid.Make().String(),
		SessionID: call.SessionID,
		ToolName:  call.ToolName,
		Input:     call.Input,
	}
	if ShellTools[call.ToolName] {
		if commands, err := commandsFromInput(call.Input); err == nil {
			req.Patterns = BuildPatterns(commands)
		}
	}
	p := &pendingRequest{req: req, ch: make(chan Response, 1)}
	m.requests.pending[req.ID] = p
	timeout := m.requests.timeout
	m.requests.mu.Unlock()

	defer func() {
		m.requests.mu.Lock()
		delete(m.requests.pending, req.ID)
		m.requests.mu.Unlock()
	}()

	m.log.Debug().
		Str("requestID", req.ID).
		Str("tool", call.ToolName).
		Msg("Permission requested")
	notify(req)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var resp Response
	select {
	case resp = <-p.ch:
	case <-timer.C:
		return Result{Decision: types.Deny, Source: SourceHuman, Reason: "request timed out"}, nil
	case <-ctx.Done():
		return Result{Decision: types.Deny, Source: SourceHuman, Reason: "request cancelled"}, ctx.Err()
	}

	if resp.cancelled {
		return Result{Decision: types.Deny, Source: SourceHuman, Reason: "request cancelled"}, nil
	}
	if resp.Decision != types.Allow {
		return Result{Decision: types.Deny, Source: SourceHuman, Reason: "rejected"}, nil
	}

	m.applyResponse(ctx, req, resp)
	return Result{Decision: types.Allow, Source: SourceHuman, Scope: resp.Scope}, nil
}

// applyResponse records the grant that came with an approval.
func (m *Manager) applyResponse(ctx context.Context, req Request, resp Response) {
	var err error
	switch resp.Scope {
	case "":
		return
	case types.ScopeOneTime:
		if resp.Count > 1 {
			err = m.Grant(ctx, types.ScopeOneTime, req.ToolName, resp.Count-1)
		}
	case types.ScopeSession, types.ScopePersistent:
		if len(req.Patterns) > 0 {
			for _, pattern := range req.Patterns {
				if err = m.GrantPattern(ctx, resp.Scope, req.ToolName, pattern); err != nil {
					break
				}
			}
		} else {
			err = m.Grant(ctx, resp.Scope, req.ToolName, 0)
		}
	default:
		err = m.Grant(ctx, resp.Scope, req.ToolName, 0)
	}
	if err != nil {
		m.log.Error().Err(err).
			Str("requestID", req.ID).
			Str("scope", string(resp.Scope)).
			Msg("Failed to record grant from permission response")
	}
}

// Respond delivers the human's answer. It reports false when no request
// with that id is waiting.
func (m *Manager) Respond(resp Response) bool {
	m.requests.mu.Lock()
	p, ok := m.requests.pending[resp.RequestID]
	if ok {
		delete(m.requests.pending, resp.RequestID)
	}
	m.requests.mu.Unlock()

	if !ok {
		m.log.Debug().Str("requestID", resp.RequestID).Msg("Response for unknown permission request")
		return false
	}
	p.ch <- resp
	return true
}

// PendingRequests returns the requests waiting for the human.
func (m *Manager) PendingRequests() []Request {
	m.requests.mu.Lock()
	defer m.requests.mu.Unlock()

	out := make([]Request, 0, len(m.requests.pending))
	for _, p := range m.requests.pending {
		out = append(out, p.req)
	}
	return out
}

// CancelRequests denies every outstanding permission request.
func (m *Manager) CancelRequests() {
	m.requests.mu.Lock()
	pending := m.requests.pending
	m.requests.pending = make(map[string]*pendingRequest)
	m.requests.mu.Unlock()

	for id, p := range pending {
		p.ch <- Response{RequestID: id, Decision: types.Deny, cancelled: true}
	}
}
