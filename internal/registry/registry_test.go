package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/agentsession/internal/agentsession"
	"github.com/kandev/agentsession/internal/blocks"
	"github.com/kandev/agentsession/internal/eventbus/global"
	"github.com/kandev/agentsession/internal/logger"
	"github.com/kandev/agentsession/internal/persistence"
	"github.com/kandev/agentsession/internal/sessionstate"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// memoryAdapter is an in-memory persistence.Adapter good enough to drive
// create/load/list without a real database.
type memoryAdapter struct {
	mu       sync.Mutex
	sessions map[string]sessionstate.Snapshot
}

func newMemoryAdapter() *memoryAdapter {
	return &memoryAdapter{sessions: make(map[string]sessionstate.Snapshot)}
}

func (m *memoryAdapter) ListAllSessions(ctx context.Context) ([]sessionstate.PersistedListData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sessionstate.PersistedListData, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, sessionstate.PersistedListData{
			SessionID: s.SessionID, Architecture: s.Architecture,
			Name: s.Name, CreatedAt: s.CreatedAt, LastActivity: s.LastActivity,
		})
	}
	return out, nil
}

func (m *memoryAdapter) LoadSession(ctx context.Context, id string) (*sessionstate.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *memoryAdapter) CreateSessionRecord(ctx context.Context, snapshot sessionstate.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[snapshot.SessionID] = snapshot
	return nil
}

func (m *memoryAdapter) UpdateSessionRecord(ctx context.Context, id string, partial map[string]interface{}) error {
	return nil
}
func (m *memoryAdapter) SaveTranscript(ctx context.Context, sessionID string, envelope blocks.Envelope) error {
	return nil
}
func (m *memoryAdapter) SaveWorkspaceFile(ctx context.Context, sessionID string, file blocks.WorkspaceFile) error {
	return nil
}
func (m *memoryAdapter) DeleteSessionFile(ctx context.Context, sessionID string, path string) error {
	return nil
}
func (m *memoryAdapter) ListAgentProfiles(ctx context.Context) ([]persistence.AgentProfileSummary, error) {
	return nil, nil
}
func (m *memoryAdapter) LoadAgentProfile(ctx context.Context, id string) (*persistence.AgentProfile, error) {
	return nil, nil
}

func newTestRegistry(t *testing.T) (*Registry, *memoryAdapter) {
	log := newTestLogger(t)
	adapter := newMemoryAdapter()
	bus := global.NewMemoryBus(log)
	deps := agentsession.Deps{Adapter: adapter, Logger: log}
	return New(adapter, deps, bus, log), adapter
}

func TestRegistry_CreateSessionRegistersAndPersists(t *testing.T) {
	reg, adapter := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.CreateSession(ctx, agentsession.CreateArgs{Architecture: blocks.ArchitectureA2})
	require.NoError(t, err)
	require.NotEmpty(t, s.ID())

	require.Same(t, s, reg.GetSession(s.ID()))

	_, ok := adapter.sessions[s.ID()]
	require.True(t, ok, "created session should be persisted")
}

func TestRegistry_LoadSessionIsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.CreateSession(ctx, agentsession.CreateArgs{Architecture: blocks.ArchitectureA1})
	require.NoError(t, err)

	loaded, err := reg.LoadSession(ctx, s.ID())
	require.NoError(t, err)
	require.Same(t, s, loaded, "loading an already-resident session must return the existing instance")
}

func TestRegistry_LoadSessionNotFound(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.LoadSession(context.Background(), "does-not-exist")
	require.Error(t, err)

	var notFound *agentsession.ErrNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestRegistry_UnloadSessionRemovesFromMemory(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.CreateSession(ctx, agentsession.CreateArgs{Architecture: blocks.ArchitectureA2})
	require.NoError(t, err)

	require.NoError(t, reg.UnloadSession(ctx, s.ID()))
	require.Nil(t, reg.GetSession(s.ID()))
}

func TestRegistry_UnloadSessionNotLoadedIsNoOp(t *testing.T) {
	reg, _ := newTestRegistry(t)
	require.NoError(t, reg.UnloadSession(context.Background(), "never-loaded"))
}

func TestRegistry_ListAllSessionsMergesRuntimeState(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.CreateSession(ctx, agentsession.CreateArgs{Architecture: blocks.ArchitectureA2})
	require.NoError(t, err)

	entries, err := reg.ListAllSessions(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, s.ID(), entries[0].SessionID)
	require.NotNil(t, entries[0].Runtime, "a loaded session's entry should carry runtime state")
}

func TestRegistry_SessionsChangedEventPublishedOnCreateAndUnload(t *testing.T) {
	log := newTestLogger(t)
	adapter := newMemoryAdapter()
	bus := global.NewMemoryBus(log)
	deps := agentsession.Deps{Adapter: adapter, Logger: log}
	reg := New(adapter, deps, bus, log)

	received := make(chan *global.Event, 4)
	_, err := bus.Subscribe(global.SubjectSessionsChanged, func(ctx context.Context, evt *global.Event) error {
		received <- evt
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	s, err := reg.CreateSession(ctx, agentsession.CreateArgs{Architecture: blocks.ArchitectureA2})
	require.NoError(t, err)
	require.NoError(t, reg.UnloadSession(ctx, s.ID()))

	reasons := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case evt := <-received:
			reason, _ := evt.Data["reason"].(string)
			reasons[reason] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for sessions:changed event")
		}
	}
	require.True(t, reasons["created"])
	require.True(t, reasons["unloaded"])
}
