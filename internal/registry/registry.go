// Package registry implements C10, the host-wide session registry: it owns
// the in-memory map of loaded sessions, loads/creates them idempotently,
// and fans out sessions:changed/session:status on the global event bus
// (spec §4.10). Grounded on the teacher's SessionManager, which likewise
// guards a map[string]*Session behind a single mutex and treats a second
// load of an already-loaded id as a no-op.
package registry

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentsession/internal/agentsession"
	"github.com/kandev/agentsession/internal/eventbus/global"
	"github.com/kandev/agentsession/internal/logger"
	"github.com/kandev/agentsession/internal/persistence"
	"github.com/kandev/agentsession/internal/sessionstate"
)

const globalEventSource = "registry"

// Registry owns every currently-loaded Session and the persistence adapter
// used to discover ones that are not (spec §4.10).
type Registry struct {
	adapter persistence.Adapter
	deps    agentsession.Deps
	bus     global.Bus
	logger  *logger.Logger

	mu       sync.Mutex
	sessions map[string]*agentsession.Session
}

// New constructs a Registry. deps is reused, unmodified except for its
// OnTerminated callback, to build every Session it loads or creates.
func New(adapter persistence.Adapter, deps agentsession.Deps, bus global.Bus, log *logger.Logger) *Registry {
	r := &Registry{
		adapter:  adapter,
		bus:      bus,
		logger:   log.WithFields(zap.String("component", "registry")),
		sessions: make(map[string]*agentsession.Session),
	}
	deps.OnTerminated = r.onSessionTerminated
	r.deps = deps
	return r
}

// GetSession returns an already-loaded session, or nil if it is not
// currently resident in memory.
func (r *Registry) GetSession(sessionID string) *agentsession.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID]
}

// LoadSession loads sessionID into memory if it is not already resident
// (idempotent — spec §4.10: "returns existing if loaded").
func (r *Registry) LoadSession(ctx context.Context, sessionID string) (*agentsession.Session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[sessionID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	s, err := agentsession.Load(ctx, sessionID, r.deps)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.sessions[sessionID]; ok {
		// Lost a race with a concurrent LoadSession/CreateSession: keep the
		// winner and discard the session we just built.
		r.mu.Unlock()
		_ = s.Destroy(ctx)
		return existing, nil
	}
	r.sessions[sessionID] = s
	r.mu.Unlock()

	return s, nil
}

// CreateSession creates a brand-new session and registers it (spec §4.10).
func (r *Registry) CreateSession(ctx context.Context, args agentsession.CreateArgs) (*agentsession.Session, error) {
	s, err := agentsession.Create(ctx, args, r.deps)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()

	r.publishSessionsChanged(ctx, s.ID(), "created")
	return s, nil
}

// UnloadSession destroys a loaded session's environment and removes it
// from the registry (spec §4.10). Unloading a session that is not
// currently loaded is a no-op.
func (r *Registry) UnloadSession(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	err := s.Destroy(ctx)
	r.publishSessionsChanged(ctx, sessionID, "unloaded")
	return err
}

// ListAllSessions merges the persisted list with the in-memory runtime
// state of whichever of those sessions is currently loaded (spec §4.10).
func (r *Registry) ListAllSessions(ctx context.Context) ([]SessionListEntry, error) {
	persisted, err := r.adapter.ListAllSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing persisted sessions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]SessionListEntry, 0, len(persisted))
	for _, p := range persisted {
		entry := SessionListEntry{PersistedListData: p}
		if s, ok := r.sessions[p.SessionID]; ok {
			runtime := s.GetRuntimeState()
			entry.Runtime = &runtime
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// onSessionTerminated is wired as every Session's OnTerminated callback: it
// unloads the session (without tearing it down again) and announces the
// runtime-state change so subscribers see the final terminated status
// (spec §4.9/§4.10).
func (r *Registry) onSessionTerminated(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	ctx := context.Background()
	r.publishSessionStatus(ctx, sessionID, "terminated")
	r.publishSessionsChanged(ctx, sessionID, "unloaded")
}

func (r *Registry) publishSessionsChanged(ctx context.Context, sessionID, reason string) {
	if r.bus == nil {
		return
	}
	if err := global.SessionsChanged(ctx, r.bus, globalEventSource, sessionID, reason); err != nil {
		r.logger.Warn("failed to publish sessions:changed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (r *Registry) publishSessionStatus(ctx context.Context, sessionID, status string) {
	if r.bus == nil {
		return
	}
	if err := global.SessionStatus(ctx, r.bus, globalEventSource, sessionID, status); err != nil {
		r.logger.Warn("failed to publish session:status", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// SessionListEntry is one row of ListAllSessions: the persisted projection,
// plus the runtime sub-state if the session happens to be loaded.
type SessionListEntry struct {
	sessionstate.PersistedListData
	Runtime *sessionstate.RuntimeState
}
