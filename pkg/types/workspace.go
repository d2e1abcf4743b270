package types

// FolderRole classifies who produced a workspace file.
type FolderRole string

const (
	RoleUserInput   FolderRole = "user_input"
	RoleAgentOutput FolderRole = "agent_output"
	RoleSystem      FolderRole = "system"
)

// Valid reports whether r is a known folder role.
func (r FolderRole) Valid() bool {
	switch r {
	case RoleUserInput, RoleAgentOutput, RoleSystem:
		return true
	}
	return false
}

// Dir returns the directory name used on disk for the role.
func (r FolderRole) Dir() string {
	switch r {
	case RoleAgentOutput:
		return "outputs"
	case RoleSystem:
		return "system"
	default:
		return "inputs"
	}
}

// WorkspaceFile is an immutable, content-addressed file in a session workspace.
type WorkspaceFile struct {
	ContentHash string     `json:"contentHash"`
	LogicalName string     `json:"logicalName"`
	Aliases     []string   `json:"aliases,omitempty"` // other names the same bytes were uploaded under
	Size        int64      `json:"size"`
	UploadedAt  int64      `json:"uploadedAt"`
	FolderRole  FolderRole `json:"folderRole"`
}

// WorkspaceStats aggregates the files of one session.
type WorkspaceStats struct {
	FileCount int   `json:"fileCount"`
	ByteTotal int64 `json:"byteTotal"`
}
