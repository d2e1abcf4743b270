package permission

import (
	"context"
	"encoding/json"

	"github.com/bennoloeffler/bassi-sub003/internal/event"
	"github.com/bennoloeffler/bassi-sub003/pkg/types"
)

// Call describes one tool invocation under evaluation.
type Call struct {
	SessionID string
	ToolName  string
	Input     json.RawMessage
}

// Verdict is a hook's opinion on a call.
type Verdict int

const (
	// Pass leaves the decision to the next stage.
	Pass Verdict = iota
	// Override forces Allow. It is logged and published as an override.
	Override
	// Block forces Deny. After a decision it can only confirm a Deny; it
	// never turns an Allow into a Deny.
	Block
)

// HookResult is returned by hooks.
type HookResult struct {
	Verdict Verdict
	Reason  string
}

// BeforeHook runs before modes and grants are consulted.
type BeforeHook func(ctx context.Context, call Call) HookResult

// AfterHook observes the decision. It may turn a Deny into an Allow with
// an explicit Override.
type AfterHook func(ctx context.Context, call Call, res Result) HookResult

func (m *Manager) runBefore(ctx context.Context, call Call, hooks []BeforeHook) (Result, bool) {
	for _, h := range hooks {
		hr := h(ctx, call)
		switch hr.Verdict {
		case Override:
			m.overridden(call, hr.Reason, "before_evaluate")
			return Result{Decision: types.Allow, Source: SourceHook, Reason: hr.Reason}, true
		case Block:
			m.log.Info().
				Str("tool", call.ToolName).
				Str("reason", hr.Reason).
				Msg("Tool blocked by before_evaluate hook")
			return Result{Decision: types.Deny, Source: SourceHook, Reason: hr.Reason}, true
		}
	}
	return Result{}, false
}

func (m *Manager) runAfter(ctx context.Context, call Call, res Result, hooks []AfterHook) Result {
	for _, h := range hooks {
		hr := h(ctx, call, res)
		switch {
		case hr.Verdict == Override && res.Decision == types.Deny:
			m.overridden(call, hr.Reason, "after_decision")
			res = Result{Decision: types.Allow, Source: SourceHook, Reason: hr.Reason}
		case hr.Verdict == Block && res.Decision == types.Allow:
			m.log.Warn().
				Str("tool", call.ToolName).
				Str("reason", hr.Reason).
				Msg("after_decision hook cannot revoke an allow; ignored")
		}
	}
	return res
}

func (m *Manager) overridden(call Call, reason, stage string) {
	m.log.Warn().
		Str("tool", call.ToolName).
		Str("stage", stage).
		Str("reason", reason).
		Msg("Permission overridden to allow by hook")

	if m.bus != nil {
		m.bus.Publish(event.Event{
			Type: event.PermissionOverridden,
			Data: event.PermissionDecidedData{
				SessionID: m.sessionID,
				ToolName:  call.ToolName,
				Decision:  types.Allow,
				Reason:    reason,
			},
		})
	}
}
