// Package protocol defines the messages exchanged over a session channel.
//
// Every message is a JSON object with a "type" discriminator. Inbound
// messages (human to coordinator) and outbound messages (coordinator to
// human) are closed sets: each kind is its own Go type and the coordinator
// dispatches with a type switch. Unknown kinds decode to an
// *UnknownTypeError instead of being dropped.
package protocol

import (
	"encoding/json"

	"github.com/bennoloeffler/bassi-sub003/pkg/types"
)

// Version is reported in the init system message.
const Version = "1"

// Message is implemented by every inbound and outbound message.
type Message interface {
	Type() string
}

// Inbound is a message sent by the human.
type Inbound interface {
	Message
	inbound()
}

// Outbound is a message sent to the human.
type Outbound interface {
	Message
	outbound()
}

// Inbound message types.
const (
	TypeUserText           = "user_text"
	TypeInterrupt          = "interrupt"
	TypeAnswer             = "answer"
	TypePermissionResponse = "permission_response"
	TypeConfigChange       = "config_change"
)

// Outbound message types.
const (
	TypeTextDelta         = "text_delta"
	TypeToolStart         = "tool_start"
	TypeToolEnd           = "tool_end"
	TypeThinking          = "thinking"
	TypeSystem            = "system"
	TypeQuestion          = "question"
	TypePermissionRequest = "permission_request"
	TypeResult            = "result"
)

// System message subtypes. Init carries Data; the others carry Content.
const (
	SubtypeInit        = "init"
	SubtypeBusy        = "busy"
	SubtypeError       = "error"
	SubtypeInterrupted = "interrupted"
	SubtypeConfig      = "config"
	SubtypeInfo        = "info"
)

// UserText is a new instruction for the agent.
type UserText struct {
	Text string `json:"text"`
}

// Interrupt cancels the running agent task.
type Interrupt struct{}

// Answer resolves a pending question.
type Answer struct {
	QuestionID string        `json:"question_id"`
	Answers    types.Answers `json:"answers"`
}

// PermissionResponse answers a permission request. Scope and Count are
// optional and describe the grant to add when Decision is allow.
type PermissionResponse struct {
	RequestID string           `json:"request_id"`
	Decision  types.Decision   `json:"decision"`
	Scope     types.GrantScope `json:"scope,omitempty"`
	Count     int              `json:"count,omitempty"`
}

// ConfigChange changes one session setting.
type ConfigChange struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func (UserText) Type() string           { return TypeUserText }
func (Interrupt) Type() string          { return TypeInterrupt }
func (Answer) Type() string             { return TypeAnswer }
func (PermissionResponse) Type() string { return TypePermissionResponse }
func (ConfigChange) Type() string       { return TypeConfigChange }

func (UserText) inbound()           {}
func (Interrupt) inbound()          {}
func (Answer) inbound()             {}
func (PermissionResponse) inbound() {}
func (ConfigChange) inbound()       {}

// TextDelta is a fragment of agent text.
type TextDelta struct {
	Text string `json:"text"`
}

// ToolStart reports a tool invocation.
type ToolStart struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolEnd reports a tool result.
type ToolEnd struct {
	Name   string `json:"name"`
	Output string `json:"output"`
}

// Thinking is a fragment of agent reasoning.
type Thinking struct {
	Text string `json:"text"`
}

// System is a notice from the coordinator.
type System struct {
	Subtype string `json:"subtype"`
	Content string `json:"content,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Question asks the human to answer a set of prompts.
type Question struct {
	ID      string         `json:"id"`
	Prompts []types.Prompt `json:"prompts"`
}

// PermissionRequest asks the human to allow a tool invocation.
type PermissionRequest struct {
	ID       string          `json:"id"`
	ToolName string          `json:"tool_name"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// Usage reports token consumption of a task.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Result closes an agent task.
type Result struct {
	Usage Usage   `json:"usage"`
	Cost  float64 `json:"cost"`
	Turns int     `json:"turns"`
}

func (TextDelta) Type() string         { return TypeTextDelta }
func (ToolStart) Type() string         { return TypeToolStart }
func (ToolEnd) Type() string           { return TypeToolEnd }
func (Thinking) Type() string          { return TypeThinking }
func (System) Type() string            { return TypeSystem }
func (Question) Type() string          { return TypeQuestion }
func (PermissionRequest) Type() string { return TypePermissionRequest }
func (Result) Type() string            { return TypeResult }

func (TextDelta) outbound()         {}
func (ToolStart) outbound()         {}
func (ToolEnd) outbound()           {}
func (Thinking) outbound()          {}
func (System) outbound()            {}
func (Question) outbound()          {}
func (PermissionRequest) outbound() {}
func (Result) outbound()            {}

// InitData is the capability metadata carried by the init system message.
type InitData struct {
	SessionID       string               `json:"session_id"`
	ProtocolVersion string               `json:"protocol_version"`
	PermissionMode  types.PermissionMode `json:"permission_mode"`
	DisplayName     string               `json:"display_name,omitempty"`
	Workspace       types.WorkspaceStats `json:"workspace"`
	Capabilities    []string             `json:"capabilities"`
}
