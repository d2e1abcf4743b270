// Package types provides the core data types shared by the bassi packages.
package types

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	// SessionActive means a channel is attached or an agent task is running.
	SessionActive SessionState = "active"
	// SessionIdle means the session is registered but nothing is running.
	SessionIdle SessionState = "idle"
	// SessionClosed means the session's resources were released.
	SessionClosed SessionState = "closed"
)

// Valid reports whether s is a known state.
func (s SessionState) Valid() bool {
	switch s {
	case SessionActive, SessionIdle, SessionClosed:
		return true
	}
	return false
}

// Session represents one conversation between the human and the agent.
type Session struct {
	ID            string       `json:"id"`
	WorkspacePath string       `json:"workspacePath"`
	DisplayName   *string      `json:"displayName,omitempty"` // nil until auto-named
	State         SessionState `json:"state"`
	Time          SessionTime  `json:"time"`
}

// SessionTime contains timestamps for a session in Unix milliseconds.
type SessionTime struct {
	Created      int64 `json:"created"`
	LastActivity int64 `json:"lastActivity"`
}

// SessionSummary is the metadata-only record kept by the session index.
// It is always replaced as a whole, never patched field by field.
type SessionSummary struct {
	ID          string       `json:"id"`
	DisplayName string       `json:"displayName,omitempty"`
	State       SessionState `json:"state"`
	Time        SessionTime  `json:"time"`
	FileCount   int          `json:"fileCount"`
	ByteTotal   int64        `json:"byteTotal"`
}

// Summary converts a session into its index record. File statistics are
// left for the caller to fill.
func (s *Session) Summary() SessionSummary {
	sum := SessionSummary{
		ID:    s.ID,
		State: s.State,
		Time:  s.Time,
	}
	if s.DisplayName != nil {
		sum.DisplayName = *s.DisplayName
	}
	return sum
}
