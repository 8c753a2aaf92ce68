// Package blocks defines the architecture-independent Conversation Block
// model (spec §3) shared by the transcript converter, the session state,
// and the event pipeline.
package blocks

// Architecture tags the runner protocol and transcript format a session
// was created with. It determines which internal/transcript backend parses
// the session's raw envelope.
type Architecture string

const (
	// ArchitectureA1 is the SDK-style runner: per-thread line-delimited
	// JSON transcripts, UUID session IDs.
	ArchitectureA1 Architecture = "A1"
	// ArchitectureA2 is the part-based runner: a single JSON document of
	// {info, parts[]} messages, ses_<...> session IDs.
	ArchitectureA2 Architecture = "A2"
)

// Type discriminates the Block sum type.
type Type string

const (
	TypeUserMessage  Type = "user_message"
	TypeAssistant    Type = "assistant_text"
	TypeToolUse      Type = "tool_use"
	TypeToolResult   Type = "tool_result"
	TypeThinking     Type = "thinking"
	TypeSystem       Type = "system"
	TypeSubagent     Type = "subagent"
	TypeError        Type = "error"
)

// ToolStatus is the lifecycle status of a tool_use or subagent block.
type ToolStatus string

const (
	ToolStatusPending ToolStatus = "pending"
	ToolStatusRunning ToolStatus = "running"
	ToolStatusSuccess ToolStatus = "success"
	ToolStatusError   ToolStatus = "error"
)

// IsTerminal reports whether the status admits no further mutation (§3 invariant).
func (s ToolStatus) IsTerminal() bool {
	return s == ToolStatusSuccess || s == ToolStatusError
}

// SystemSubtype enumerates the subtypes of a system block.
type SystemSubtype string

const (
	SystemSessionStart SystemSubtype = "session_start"
	SystemSessionEnd   SystemSubtype = "session_end"
	SystemError        SystemSubtype = "error"
	SystemStatus       SystemSubtype = "status"
	SystemHookResponse SystemSubtype = "hook_response"
	SystemAuthStatus   SystemSubtype = "auth_status"
	SystemLog          SystemSubtype = "log"
)

// Block is the atomic unit of conversation (spec §3). Exactly one of the
// variant-specific field groups is populated per Type; the common fields
// (ID, Timestamp, Type) are always set.
type Block struct {
	ID        string `json:"id"`
	Type      Type   `json:"type"`
	Timestamp string `json:"timestamp"` // ISO 8601

	// user_message / assistant_text / thinking
	Content string  `json:"content,omitempty"`
	Model   *string `json:"model,omitempty"`
	Summary *string `json:"summary,omitempty"`

	// tool_use
	ToolName    string                 `json:"toolName,omitempty"`
	ToolUseID   string                 `json:"toolUseId,omitempty"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Status      ToolStatus             `json:"status,omitempty"`
	DisplayName *string                `json:"displayName,omitempty"`
	Description *string                `json:"description,omitempty"`

	// tool_result
	Output      interface{} `json:"output,omitempty"`
	IsError     bool        `json:"isError,omitempty"`
	DurationMs  *int64      `json:"durationMs,omitempty"`

	// system
	Subtype  SystemSubtype          `json:"subtype,omitempty"`
	Message  string                 `json:"message,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// subagent
	SubagentID string      `json:"subagentId,omitempty"`
	Name       *string     `json:"name,omitempty"`

	// error
	Code *string `json:"code,omitempty"`
}

// Clone returns a deep-enough copy of b suitable for handing to callers
// that must not observe subsequent in-place mutation (session state
// projections return clones, never the live block).
func (b Block) Clone() Block {
	clone := b
	if b.Input != nil {
		clone.Input = cloneMap(b.Input)
	}
	if b.Metadata != nil {
		clone.Metadata = cloneMap(b.Metadata)
	}
	return clone
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Thread is an ordered, independent sequence of blocks: either the main
// conversation or a single subagent thread. Subagent threads do not nest
// (spec §3).
type Thread struct {
	Blocks []Block `json:"blocks"`
}

// Subagent is a sibling conversation referenced by a subagent block in the
// main thread.
type Subagent struct {
	ID     string  `json:"id"`
	Blocks []Block `json:"blocks"`
}

// ParsedConversation is the output of internal/transcript.Parse: the main
// thread's blocks plus any subagent threads discovered within it.
type ParsedConversation struct {
	Blocks    []Block    `json:"blocks"`
	Subagents []Subagent `json:"subagents"`
}

// Envelope is the canonical transcript envelope exchanged across component
// boundaries and persisted verbatim as a single string (spec §3, §6).
type Envelope struct {
	Main      string             `json:"main"`
	Subagents []SubagentEnvelope `json:"subagents"`
}

// SubagentEnvelope pairs a subagent ID with its native (architecture-specific) blob.
type SubagentEnvelope struct {
	ID         string `json:"id"`
	Transcript string `json:"transcript"`
}

// WorkspaceFile is a single file under the session workspace.
type WorkspaceFile struct {
	Path    string  `json:"path"` // relative, POSIX-separated
	Content *string `json:"content,omitempty"` // absent means deleted
}
