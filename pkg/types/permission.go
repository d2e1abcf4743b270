package types

// GrantScope is the lifetime and priority tier of a permission grant.
type GrantScope string

const (
	ScopeGlobal     GrantScope = "global"
	ScopeOneTime    GrantScope = "one_time"
	ScopeSession    GrantScope = "session"
	ScopePersistent GrantScope = "persistent"
)

// ScopePriority lists the scopes from highest to lowest priority.
var ScopePriority = []GrantScope{ScopeGlobal, ScopeOneTime, ScopeSession, ScopePersistent}

// Valid reports whether s is a known scope.
func (s GrantScope) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeOneTime, ScopeSession, ScopePersistent:
		return true
	}
	return false
}

// PermissionGrant allows a tool at a given scope.
type PermissionGrant struct {
	Scope    GrantScope `json:"scope"`
	ToolName string     `json:"toolName"`
	// Pattern restricts shell tool grants to matching commands ("git commit *").
	Pattern string `json:"pattern,omitempty"`
	// RemainingUses is only meaningful for ScopeOneTime.
	RemainingUses int `json:"remainingUses,omitempty"`
}

// PermissionMode controls how much of the grant table is consulted.
type PermissionMode string

const (
	ModeDefault           PermissionMode = "default"
	ModeAcceptEdits       PermissionMode = "acceptEdits"
	ModeBypassPermissions PermissionMode = "bypassPermissions"
)

// Valid reports whether m is a supported mode.
func (m PermissionMode) Valid() bool {
	switch m {
	case ModeDefault, ModeAcceptEdits, ModeBypassPermissions:
		return true
	}
	return false
}

// Decision is the outcome of a permission evaluation.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)
