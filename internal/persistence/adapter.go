// Package persistence defines C7's adapter contract (spec §6) and the
// Listener that drains session-bus events into it (spec §4.7). The
// concrete store lives in the sqlstore subpackage.
package persistence

import (
	"context"

	"github.com/kandev/agentsession/internal/blocks"
	"github.com/kandev/agentsession/internal/sessionstate"
)

// AgentProfileSummary is the list-view projection of an agent profile.
type AgentProfileSummary struct {
	ID   string
	Name string
}

// AgentProfile is a full agent profile record (skills/commands/subagents
// loading itself is out of scope; this is just the persisted reference
// record the coordinator reads on session create).
type AgentProfile struct {
	ID           string
	Name         string
	Architecture blocks.Architecture
	Definition   map[string]interface{}
}

// Adapter is the persistence contract (spec §6). All calls may fail;
// failures are logged and NOT propagated by the Listener (spec §4.7),
// except where callers (e.g. session create) invoke the adapter directly.
type Adapter interface {
	ListAllSessions(ctx context.Context) ([]sessionstate.PersistedListData, error)
	LoadSession(ctx context.Context, id string) (*sessionstate.Snapshot, error)
	CreateSessionRecord(ctx context.Context, snapshot sessionstate.Snapshot) error
	UpdateSessionRecord(ctx context.Context, id string, partial map[string]interface{}) error

	SaveTranscript(ctx context.Context, sessionID string, envelope blocks.Envelope) error

	SaveWorkspaceFile(ctx context.Context, sessionID string, file blocks.WorkspaceFile) error
	DeleteSessionFile(ctx context.Context, sessionID string, path string) error

	ListAgentProfiles(ctx context.Context) ([]AgentProfileSummary, error)
	LoadAgentProfile(ctx context.Context, id string) (*AgentProfile, error)
}
