// Package agent defines the collaborator that does the actual reasoning.
//
// An Agent runs one task per user instruction. It talks to the human only
// through the Host it is handed: Emit streams output, Ask blocks on an
// interactive question, CheckPermission blocks on the permission engine and
// SaveFile stores an artifact in the session workspace. Run must return
// promptly once ctx is cancelled.
package agent

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/bennoloeffler/bassi-sub003/pkg/types"
)

// Agent executes tasks.
type Agent interface {
	Run(ctx context.Context, turn Turn, host Host) (Result, error)
}

// Func adapts a function to Agent.
type Func func(ctx context.Context, turn Turn, host Host) (Result, error)

// Run calls f.
func (f Func) Run(ctx context.Context, turn Turn, host Host) (Result, error) {
	return f(ctx, turn, host)
}

// Turn is the input of one task.
type Turn struct {
	SessionID string
	Text      string
	// Workspace is the directory holding the session's files.
	Workspace string
}

// Result reports what a task consumed.
type Result struct {
	InputTokens  int
	OutputTokens int
	Cost         float64
	Turns        int
}

// Host is the agent's view of its session.
type Host interface {
	Emit(ctx context.Context, ev Event) error
	Ask(ctx context.Context, prompts []types.Prompt, timeout time.Duration) (types.Answers, error)
	CheckPermission(ctx context.Context, toolName string, input json.RawMessage) (types.Decision, error)
	SaveFile(ctx context.Context, name string, r io.Reader) (*types.WorkspaceFile, error)
}

// Event is output produced by an agent. The set is closed.
type Event interface {
	event()
}

// TextDelta is a fragment of the answer.
type TextDelta struct {
	Text string
}

// Thinking is a fragment of reasoning.
type Thinking struct {
	Text string
}

// ToolStart reports that a tool is about to run.
type ToolStart struct {
	Name  string
	Input json.RawMessage
}

// ToolEnd reports a tool's output.
type ToolEnd struct {
	Name   string
	Output string
}

func (TextDelta) event() {}
func (Thinking) event()  {}
func (ToolStart) event() {}
func (ToolEnd) event()   {}
