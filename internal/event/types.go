package event

import "github.com/bennoloeffler/bassi-sub003/pkg/types"

// SessionData is the payload of session.created, session.updated and
// session.deleted events.
type SessionData struct {
	Info types.SessionSummary `json:"info"`
}

// AttachmentData is the payload of session.attached and session.detached.
type AttachmentData struct {
	SessionID    string `json:"sessionID"`
	AttachmentID string `json:"attachmentID"`
}

// FileAddedData is the payload of workspace.file.added.
type FileAddedData struct {
	SessionID    string              `json:"sessionID"`
	File         types.WorkspaceFile `json:"file"`
	Deduplicated bool                `json:"deduplicated"`
}

// PermissionDecidedData is the payload of permission.decided and
// permission.overridden.
type PermissionDecidedData struct {
	SessionID string           `json:"sessionID"`
	ToolName  string           `json:"toolName"`
	Decision  types.Decision   `json:"decision"`
	Scope     types.GrantScope `json:"scope,omitempty"` // scope of the matching grant, if any
	Reason    string           `json:"reason,omitempty"`
}

// QuestionData is the payload of question.asked and question.resolved.
type QuestionData struct {
	SessionID  string           `json:"sessionID"`
	QuestionID string           `json:"questionID"`
	Resolution types.Resolution `json:"resolution"`
}

// SessionID extracts the session an event belongs to, or "" for
// process-wide events.
func SessionID(e Event) string {
	switch data := e.Data.(type) {
	case SessionData:
		return data.Info.ID
	case AttachmentData:
		return data.SessionID
	case FileAddedData:
		return data.SessionID
	case PermissionDecidedData:
		return data.SessionID
	case QuestionData:
		return data.SessionID
	}
	return ""
}
