// Package agentsession implements C9, the per-session coordinator: it wires
// C4 (Execution Environment) through C8 (Client Broadcast Listener) around
// one session's bus and state document, and owns lazy activation, periodic
// sync/health jobs, and teardown (spec §4.9). Grounded on the teacher's
// internal/agent/lifecycle.SessionManager/AgentExecution pairing, adapted
// from an ACP-specific session manager into an architecture-agnostic
// coordinator around the runner protocol.
package agentsession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/agentsession/internal/blocks"
	"github.com/kandev/agentsession/internal/broadcast"
	"github.com/kandev/agentsession/internal/config"
	"github.com/kandev/agentsession/internal/environment"
	"github.com/kandev/agentsession/internal/eventbus"
	"github.com/kandev/agentsession/internal/execenv"
	"github.com/kandev/agentsession/internal/logger"
	"github.com/kandev/agentsession/internal/persistence"
	"github.com/kandev/agentsession/internal/runnerproto"
	"github.com/kandev/agentsession/internal/sessionstate"
)

// workspaceBasePath is the Execution Environment's working directory inside
// the backing primitive (spec §6: helper input baseWorkspacePath).
const workspaceBasePath = "/workspace"

// RunnerAssets bundles the deployment-supplied runner/adapter source files
// installed into every session's environment (spec §4.4 item 1).
type RunnerAssets struct {
	Runner  map[string]string
	Adapter map[string]string
}

// Deps are the shared, process-wide dependencies every Session is built
// from. PrimitiveFactory abstracts over the concrete Environment Primitive
// (Docker in production) so tests can substitute an in-memory one.
type Deps struct {
	Adapter         persistence.Adapter
	Hub             *broadcast.Hub
	Logger          *logger.Logger
	DockerConfig    config.DockerConfig
	SessionConfig   config.SessionConfig
	Assets          RunnerAssets
	PrimitiveFactory func(ctx context.Context, sessionID string) (environment.Primitive, error)
	// OnTerminated is invoked (with the session id) when the health job
	// observes the environment has died, so the registry can unload it
	// (spec §4.9/§4.10).
	OnTerminated func(sessionID string)
}

// CreateArgs are the arguments for creating a brand-new session (spec §4.9).
type CreateArgs struct {
	AgentProfileRef      string
	Architecture         blocks.Architecture
	SessionOptions       map[string]interface{}
	DefaultWorkspaceFiles map[string]string
}

// Session is C9: one session's coordinator, wiring C4 through C8 around a
// session-scoped bus and state document.
type Session struct {
	id     string
	deps   Deps
	logger *logger.Logger

	bus                 *eventbus.Bus
	state               *sessionstate.Document
	persistenceListener *persistence.Listener
	broadcastListener   *broadcast.Listener

	architecture          blocks.Architecture
	defaultWorkspaceFiles map[string]string

	mu           sync.Mutex
	env          *execenv.Environment
	primitive    environment.Primitive
	activating   bool
	activated    bool
	jobsCancel   context.CancelFunc
	jobsWG       sync.WaitGroup
}

func newSession(id string, snapshot sessionstate.Snapshot, deps Deps, defaultWorkspaceFiles map[string]string) *Session {
	log := deps.Logger.WithFields(zap.String("component", "agent-session"), zap.String("session_id", id))
	bus := eventbus.New(id, log)
	state := sessionstate.New(snapshot, log)
	state.Wire(bus)

	queueDepth := deps.SessionConfig.PersistenceQueueDepth
	pl := persistence.NewListener(id, deps.Adapter, state, queueDepth, log)
	pl.Wire(bus)

	var bl *broadcast.Listener
	if deps.Hub != nil {
		bl = broadcast.NewListener(id, deps.Hub)
		bl.Wire(bus)
	}

	return &Session{
		id:                    id,
		deps:                  deps,
		logger:                log,
		bus:                   bus,
		state:                 state,
		persistenceListener:   pl,
		broadcastListener:     bl,
		architecture:          snapshot.Architecture,
		defaultWorkspaceFiles: defaultWorkspaceFiles,
	}
}

// Create creates a brand-new session: generates an id appropriate to the
// architecture, builds the persistence record, and runs a full-state sync
// with the default workspace files (spec §4.9).
func Create(ctx context.Context, args CreateArgs, deps Deps) (*Session, error) {
	id := newSessionID(args.Architecture)
	now := time.Now().UnixMilli()

	snapshot := sessionstate.Snapshot{
		SessionID:       id,
		Architecture:    args.Architecture,
		AgentProfileRef: args.AgentProfileRef,
		SessionOptions:  args.SessionOptions,
		CreatedAt:       now,
	}
	for path, content := range args.DefaultWorkspaceFiles {
		c := content
		snapshot.WorkspaceFiles = append(snapshot.WorkspaceFiles, blocks.WorkspaceFile{Path: path, Content: &c})
	}

	if err := deps.Adapter.CreateSessionRecord(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("creating session record: %w", err)
	}

	s := newSession(id, snapshot, deps, args.DefaultWorkspaceFiles)
	if err := s.persistenceListener.SyncFullState(ctx); err != nil {
		s.logger.Warn("initial full-state sync failed", zap.Error(err))
	}
	return s, nil
}

// Load reconstructs a Session from its persisted snapshot: reads it, parses
// blocks, and wires components, without activating the environment (spec
// §4.9 — "the first shape loads an existing session").
func Load(ctx context.Context, sessionID string, deps Deps) (*Session, error) {
	snapshot, err := deps.Adapter.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", sessionID, err)
	}
	if snapshot == nil {
		return nil, &ErrNotFound{SessionID: sessionID}
	}
	return newSession(sessionID, *snapshot, deps, nil), nil
}

// ErrNotFound is spec §7's ProfileOrSessionNotFound, scoped to sessions.
type ErrNotFound struct{ SessionID string }

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("session %s not found", e.SessionID)
}

func newSessionID(arch blocks.Architecture) string {
	if arch == blocks.ArchitectureA2 {
		return "ses_" + uuid.NewString()
	}
	return uuid.NewString()
}

// ID returns the session's id.
func (s *Session) ID() string { return s.id }

// GetState returns the full client projection (spec §4.9).
func (s *Session) GetState() sessionstate.RuntimeSessionData {
	return s.state.ToRuntimeSessionData()
}

// GetPersistedListData returns the minimal list-view projection.
func (s *Session) GetPersistedListData() sessionstate.PersistedListData {
	return s.state.ToPersistedListData()
}

// GetRuntimeState returns just the derived runtime projection.
func (s *Session) GetRuntimeState() sessionstate.RuntimeState {
	return s.state.GetRuntimeState()
}

// UpdateSessionOptions updates state and emits options:update (spec §4.9).
func (s *Session) UpdateSessionOptions(opts map[string]interface{}) {
	s.bus.Emit(runnerproto.Event{
		Type:    runnerproto.TypeOptionsUpdate,
		Payload: map[string]interface{}{"options": opts},
		Context: runnerproto.EventContext{SessionID: s.id, ConversationID: "main"},
	})
}

// emitStatus emits status:changed carrying the given environment status
// and message, keeping the bus the single source of truth for session
// state's own copy; emitCurrentStatus re-emits the current one.
func (s *Session) emitStatus(status sessionstate.EnvironmentStatus, statusMessage string) {
	runtime := map[string]interface{}{"status": string(status)}
	if statusMessage != "" {
		runtime["statusMessage"] = statusMessage
	}
	s.bus.Emit(runnerproto.Event{
		Type:    runnerproto.TypeStatusChanged,
		Payload: map[string]interface{}{"runtime": runtime},
		Context: runnerproto.EventContext{SessionID: s.id, ConversationID: "main"},
	})
}

// SendMessage lazily activates the environment if needed, injects a
// synthetic user_message block, executes the query, and reconciles error
// state (spec §4.9).
func (s *Session) SendMessage(ctx context.Context, text string) error {
	s.mu.Lock()
	hadEnv := s.env != nil
	s.mu.Unlock()
	if !hadEnv {
		s.emitStatus(sessionstate.EnvStarting, "activating execution environment")
	}

	s.state.SetActiveQueryStartedAt(ptrInt64(time.Now().UnixMilli()))
	defer func() {
		s.state.SetActiveQueryStartedAt(nil)
		s.emitCurrentStatus()
	}()

	if err := s.ensureActivated(ctx); err != nil {
		s.recordActivationError(err)
		return err
	}

	s.emitUserMessageBlock(text)

	s.mu.Lock()
	env := s.env
	s.mu.Unlock()

	err := env.ExecuteQuery(ctx, execenv.ExecuteQueryInput{
		Prompt:            text,
		Architecture:      s.architecture,
		BaseWorkspacePath: workspaceBasePath,
	})
	if err != nil {
		s.recordActivationError(err)
		return err
	}
	return nil
}

func (s *Session) recordActivationError(err error) {
	s.bus.Emit(runnerproto.Event{
		Type:    runnerproto.TypeError,
		Payload: map[string]interface{}{"message": err.Error()},
		Context: runnerproto.EventContext{SessionID: s.id, ConversationID: "main"},
	})
	s.emitStatus(sessionstate.EnvError, err.Error())
}

func (s *Session) emitCurrentStatus() {
	env := s.state.GetRuntimeState().Environment
	if env == nil {
		return
	}
	s.emitStatus(env.Status, env.StatusMessage)
}

func (s *Session) emitUserMessageBlock(text string) {
	id := uuid.NewString()
	ts := time.Now().UTC().Format(time.RFC3339)
	block := map[string]interface{}{
		"id":        id,
		"type":      string(blocks.TypeUserMessage),
		"timestamp": ts,
		"content":   text,
	}
	s.bus.Emit(runnerproto.Event{
		Type:    runnerproto.TypeBlockStart,
		Payload: map[string]interface{}{"block": block},
		Context: runnerproto.EventContext{SessionID: s.id, ConversationID: "main"},
	})
	s.bus.Emit(runnerproto.Event{
		Type:    runnerproto.TypeBlockComplete,
		Payload: map[string]interface{}{"blockId": id, "block": block},
		Context: runnerproto.EventContext{SessionID: s.id, ConversationID: "main"},
	})
}

// ensureActivated runs the lazy activation sequence behind a mutex +
// intent flag (spec §4.9). A caller that arrives while another activation
// is in progress gets an error instead of waiting for that activation.
func (s *Session) ensureActivated(ctx context.Context) error {
	s.mu.Lock()
	if s.env != nil {
		s.mu.Unlock()
		return nil
	}
	if s.activating {
		s.mu.Unlock()
		return fmt.Errorf("session %s: activation already in progress", s.id)
	}
	s.activating = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.activating = false
		s.mu.Unlock()
	}()

	return s.activate(ctx)
}

func (s *Session) activate(ctx context.Context) error {
	s.emitStatus(sessionstate.EnvStarting, "creating environment primitive")
	primitive, err := s.deps.PrimitiveFactory(ctx, s.id)
	if err != nil {
		return fmt.Errorf("creating environment primitive: %w", err)
	}

	sink := func(evt runnerproto.Event) { s.bus.Emit(evt) }
	env := execenv.New(s.id, s.architecture, primitive, sink, s.logger)

	if err := env.InstallRunnerAssets(ctx, s.deps.Assets.Runner, s.deps.Assets.Adapter); err != nil {
		_ = primitive.Terminate(ctx)
		return fmt.Errorf("installing runner assets: %w", err)
	}

	s.emitStatus(sessionstate.EnvStarting, "preparing session")
	data := s.state.ToRuntimeSessionData()
	prepIn := execenv.PrepareSessionInput{
		BaseWorkspacePath: workspaceBasePath,
		AgentProfile:      data.Snapshot.AgentProfileRef,
		WorkspaceFiles:    s.defaultWorkspaceFiles,
	}
	if data.Snapshot.RawTranscript != nil {
		content := data.Snapshot.RawTranscript.Main
		prepIn.SessionTranscript = &content
	}
	if err := env.PrepareSession(ctx, prepIn); err != nil {
		_ = primitive.Terminate(ctx)
		return fmt.Errorf("preparing session: %w", err)
	}

	s.emitStatus(sessionstate.EnvStarting, "starting workspace watcher")
	if err := env.Watch(ctx); err != nil {
		s.logger.Warn("failed to start workspace watcher", zap.Error(err))
	}

	s.mu.Lock()
	s.env = env
	s.primitive = primitive
	s.activated = true
	jobsCtx, cancel := context.WithCancel(context.Background())
	s.jobsCancel = cancel
	s.mu.Unlock()

	s.startPeriodicJobs(jobsCtx)

	s.state.SetEnvironmentRuntime(&sessionstate.EnvironmentRuntime{
		ID:              s.id,
		Status:          sessionstate.EnvReady,
		LastHealthCheck: time.Now().UnixMilli(),
	})
	s.emitStatus(sessionstate.EnvReady, "")
	return nil
}

// startPeriodicJobs launches the sync and health loops (spec §4.9) under an
// errgroup so both are torn down together with jobsCtx.
func (s *Session) startPeriodicJobs(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	s.jobsWG.Add(1)
	go func() {
		defer s.jobsWG.Done()
		g.Go(func() error { return s.runSyncLoop(gctx) })
		g.Go(func() error { return s.runHealthLoop(gctx) })
		_ = g.Wait()
	}()
}

func (s *Session) runSyncLoop(ctx context.Context) error {
	interval := s.deps.SessionConfig.SyncInterval()
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sync(ctx)
		}
	}
}

func (s *Session) sync(ctx context.Context) {
	s.mu.Lock()
	env := s.env
	s.mu.Unlock()
	if env == nil {
		return
	}

	content, err := env.ReadTranscript(ctx, workspaceBasePath)
	if err != nil {
		s.logger.Warn("periodic sync: transcript read failed", zap.Error(err))
	} else if content != nil {
		s.bus.Emit(runnerproto.Event{
			Type:    runnerproto.TypeTranscriptChange,
			Payload: map[string]interface{}{"content": *content},
			Context: runnerproto.EventContext{SessionID: s.id, ConversationID: "main"},
		})
	}

	files, err := env.ListWorkspaceFiles(ctx)
	if err != nil {
		s.logger.Warn("periodic sync: workspace file listing failed", zap.Error(err))
	} else {
		s.state.SetWorkspaceFiles(files)
	}

	if err := s.persistenceListener.SyncFullState(ctx); err != nil {
		s.logger.Warn("periodic sync: full-state persistence failed", zap.Error(err))
	}
}

func (s *Session) runHealthLoop(ctx context.Context) error {
	interval := s.deps.SessionConfig.HealthInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.checkHealth(ctx) {
				return nil // terminated: stop both jobs
			}
		}
	}
}

// checkHealth returns true if the environment was just observed terminated
// (spec §4.9: "set terminated, stop jobs, invoke onEETerminated").
func (s *Session) checkHealth(ctx context.Context) bool {
	s.mu.Lock()
	env := s.env
	s.mu.Unlock()
	if env == nil {
		return false
	}

	now := time.Now().UnixMilli()
	if !env.HealthCheck(ctx) {
		s.mu.Lock()
		cancel := s.jobsCancel
		s.env = nil
		s.primitive = nil
		s.activated = false
		s.jobsCancel = nil
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		s.state.SetEnvironmentRuntime(&sessionstate.EnvironmentRuntime{
			ID: s.id, Status: sessionstate.EnvTerminated, LastHealthCheck: now,
		})
		s.emitStatus(sessionstate.EnvTerminated, "environment primitive no longer running")
		if s.deps.OnTerminated != nil {
			s.deps.OnTerminated(s.id)
		}
		return true
	}

	current := s.state.GetRuntimeState().Environment
	if current != nil && current.Status != sessionstate.EnvReady {
		s.state.SetEnvironmentRuntime(&sessionstate.EnvironmentRuntime{
			ID: s.id, Status: sessionstate.EnvReady, LastHealthCheck: now,
		})
		s.emitStatus(sessionstate.EnvReady, "")
	} else if current != nil {
		current.LastHealthCheck = now
		s.state.SetEnvironmentRuntime(current)
	}
	return false
}

// TerminateExecutionEnvironment stops watchers/periodic jobs, syncs one
// final time, and tears down the primitive (spec §4.9).
func (s *Session) TerminateExecutionEnvironment(ctx context.Context) error {
	s.mu.Lock()
	env := s.env
	primitive := s.primitive
	cancel := s.jobsCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.jobsWG.Wait()

	if err := s.persistenceListener.SyncFullState(ctx); err != nil {
		s.logger.Warn("final sync before termination failed", zap.Error(err))
	}

	if env != nil {
		if err := env.Cleanup(ctx); err != nil {
			s.logger.Warn("environment cleanup failed", zap.Error(err))
		}
	} else if primitive != nil {
		if err := primitive.Terminate(ctx); err != nil {
			s.logger.Warn("primitive termination failed", zap.Error(err))
		}
	}

	s.mu.Lock()
	s.env = nil
	s.primitive = nil
	s.activated = false
	s.mu.Unlock()

	s.state.SetEnvironmentRuntime(&sessionstate.EnvironmentRuntime{
		ID: s.id, Status: sessionstate.EnvTerminated, LastHealthCheck: time.Now().UnixMilli(),
	})
	s.emitStatus(sessionstate.EnvTerminated, "")
	return nil
}

// Destroy tears down the environment (cancelling any in-flight query by
// terminating its subprocess), detaches listeners, and closes the bus
// (spec §4.9/§5 cancellation semantics).
func (s *Session) Destroy(ctx context.Context) error {
	err := s.TerminateExecutionEnvironment(ctx)
	s.persistenceListener.Close()
	s.bus.Close()
	return err
}

func ptrInt64(v int64) *int64 { return &v }
