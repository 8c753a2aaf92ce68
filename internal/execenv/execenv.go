// Package execenv implements C4, the Execution Environment: the per-session
// owner of an environment.Primitive that installs the runner, prepares a
// session, executes queries, and reads back the transcript (spec §4.4).
package execenv

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentsession/internal/blocks"
	"github.com/kandev/agentsession/internal/environment"
	"github.com/kandev/agentsession/internal/logger"
	"github.com/kandev/agentsession/internal/runnerproto"
)

// State is the Execution Environment's lifecycle state (spec §4.4).
type State int

const (
	StateUninitialized State = iota
	StateCreated
	StateReady
	StateQuerying
	StateTerminated
	StateError
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateQuerying:
		return "querying"
	case StateTerminated:
		return "terminated"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// EventSink receives every runnerproto.Event produced by this environment
// (from the runner subprocess or synthesized locally), already enriched
// with the owning session's id. The coordinator wires this to the session
// bus's Emit so the bus remains the sole ordering point (spec §5).
type EventSink func(runnerproto.Event)

// runtimeBin is the interpreter the runner bundle is invoked with; the
// runner is distributed as a script, not a compiled binary (spec §6).
const runtimeBin = "node"

// workspaceIgnorePatterns is the fixed ignore list for the workspace file
// watcher (spec §4.4 item 4): version control, agent config, dependency
// and build directories.
var workspaceIgnorePatterns = []string{
	".git", ".git/*", "node_modules", "node_modules/*",
	".agent", ".agent/*", "dist", "dist/*", "build", "build/*",
}

// ErrPreparationFailed wraps a non-success load-agent-profile/load-session-transcript outcome.
type ErrPreparationFailed struct {
	Helper string
	Reason string
}

func (e *ErrPreparationFailed) Error() string {
	return fmt.Sprintf("execution environment: %s preparation failed: %s", e.Helper, e.Reason)
}

// ErrCodeTranscriptFetchFailed marks a failed post-query transcript read
// (spec §4.4 item 3: "emit an error event with code TRANSCRIPT_FETCH_FAILED").
const ErrCodeTranscriptFetchFailed = "TRANSCRIPT_FETCH_FAILED"

// Environment is the per-session Execution Environment.
type Environment struct {
	sessionID    string
	architecture blocks.Architecture
	primitive    environment.Primitive
	onEvent      EventSink
	logger       *logger.Logger

	mu    sync.Mutex
	state State
}

// New constructs an Execution Environment around an already-created
// Primitive. The caller is expected to have just created the primitive
// (one Primitive per session, for the session's lifetime).
func New(sessionID string, arch blocks.Architecture, primitive environment.Primitive, sink EventSink, log *logger.Logger) *Environment {
	return &Environment{
		sessionID:    sessionID,
		architecture: arch,
		primitive:    primitive,
		onEvent:      sink,
		logger:       log.WithFields(zap.String("component", "execution-environment"), zap.String("session_id", sessionID)),
		state:        StateCreated,
	}
}

func (e *Environment) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Environment) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// InstallRunnerAssets writes the runner bundle (and, for A2, the adapter
// bundle) into app/ (spec §4.4 item 1). The bundle contents themselves are
// a deployment artifact supplied by the caller, not generated here.
func (e *Environment) InstallRunnerAssets(ctx context.Context, runnerBundle map[string]string, adapterBundle map[string]string) error {
	files := make(map[string]string, len(runnerBundle)+len(adapterBundle))
	for path, content := range runnerBundle {
		files[filepath.Join("..", "app", path)] = content
	}
	if e.architecture == blocks.ArchitectureA2 {
		for path, content := range adapterBundle {
			files[filepath.Join("..", "app", "adapter", path)] = content
		}
	}
	// Primitive file operations are rooted at the workspace/ subdir; the
	// app/ bundle is a sibling, so paths are expressed relative to it.
	for path, content := range files {
		if err := e.primitive.WriteFile(ctx, path, content); err != nil {
			return fmt.Errorf("installing runner assets: %w", err)
		}
	}
	return nil
}

// PrepareSessionInput bundles the arguments needed to prepare a session
// for activation (spec §4.4 item 2).
type PrepareSessionInput struct {
	BaseWorkspacePath  string
	AgentProfile       string
	WorkspaceFiles     map[string]string
	SessionTranscript  *string // nil if this is a brand-new session
}

// PrepareSession writes workspace files and runs the load-agent-profile
// (and, if a prior transcript exists, load-session-transcript) helpers.
// Idempotent: safe to call again before each activation.
func (e *Environment) PrepareSession(ctx context.Context, in PrepareSessionInput) error {
	if len(in.WorkspaceFiles) > 0 {
		result, err := e.primitive.WriteFiles(ctx, in.WorkspaceFiles)
		if err != nil {
			return fmt.Errorf("writing workspace files: %w", err)
		}
		for _, failed := range result.Failed {
			e.logger.Warn("failed to write default workspace file", zap.String("path", failed.Path), zap.Error(failed.Err))
		}
	}

	profileOut, err := e.runHelper(ctx, "load-agent-profile", map[string]interface{}{
		"baseWorkspacePath": in.BaseWorkspacePath,
		"agentProfile":      in.AgentProfile,
		"architectureType":  string(e.architecture),
	})
	if err != nil {
		e.setState(StateError)
		return fmt.Errorf("load-agent-profile: %w", err)
	}
	if !profileOut.Success {
		e.setState(StateError)
		return &ErrPreparationFailed{Helper: "load-agent-profile", Reason: profileOut.Error}
	}

	if in.SessionTranscript != nil {
		transcriptOut, err := e.runHelper(ctx, "load-session-transcript", map[string]interface{}{
			"baseWorkspacePath":  in.BaseWorkspacePath,
			"sessionTranscript":  *in.SessionTranscript,
			"sessionId":          e.sessionID,
			"architectureType":   string(e.architecture),
		})
		if err != nil {
			e.setState(StateError)
			return fmt.Errorf("load-session-transcript: %w", err)
		}
		if !transcriptOut.Success {
			e.setState(StateError)
			return &ErrPreparationFailed{Helper: "load-session-transcript", Reason: transcriptOut.Error}
		}
		e.emit(runnerproto.TypeTranscriptWrite, nil, "main")
	}

	e.setState(StateReady)
	return nil
}

// ExecuteQueryInput is the payload fed to the execute-query subcommand.
type ExecuteQueryInput struct {
	Prompt            string
	Architecture      blocks.Architecture
	BaseWorkspacePath string
	Model             string
}

// ExecuteQuery spawns the runner in execute-query mode, forwarding every
// parsed event to the sink enriched with this session's id, then reads
// back the transcript and emits transcript:changed (or an error event on
// read failure) (spec §4.4 item 3).
func (e *Environment) ExecuteQuery(ctx context.Context, in ExecuteQueryInput) error {
	e.setState(StateQuerying)
	defer func() {
		if e.State() == StateQuerying {
			e.setState(StateReady)
		}
	}()

	payload, err := json.Marshal(map[string]interface{}{
		"prompt":            in.Prompt,
		"architecture":      string(in.Architecture),
		"sessionId":         e.sessionID,
		"baseWorkspacePath": in.BaseWorkspacePath,
		"model":             in.Model,
	})
	if err != nil {
		return fmt.Errorf("marshaling execute-query input: %w", err)
	}

	proc, err := e.primitive.Exec(ctx, []string{runtimeBin, "app/runner.js", "execute-query"}, environment.ExecOptions{})
	if err != nil {
		e.setState(StateError)
		return fmt.Errorf("spawning runner: %w", err)
	}

	if err := proc.WriteStdin(string(payload)); err != nil {
		e.setState(StateError)
		return fmt.Errorf("writing query stdin: %w", err)
	}
	if err := proc.CloseStdin(); err != nil {
		e.setState(StateError)
		return fmt.Errorf("closing query stdin: %w", err)
	}

	parser := runnerproto.New(proc.Stdout(), e.logger)
	queryErr := e.drainEvents(parser)

	if _, waitErr := proc.Wait(ctx); waitErr != nil && queryErr == nil {
		queryErr = waitErr
	}

	e.readBackTranscript(ctx, in.BaseWorkspacePath)

	if queryErr != nil {
		e.setState(StateError)
	}
	return queryErr
}

// drainEvents reads every parsed event until EOF, enriching and forwarding
// each to the sink. It never returns an error for malformed lines (C2
// already tolerates those); it only surfaces a hard stream read failure.
func (e *Environment) drainEvents(parser *runnerproto.Parser) error {
	for {
		evt, err := parser.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading runner stream: %w", err)
		}
		evt.Context.SessionID = e.sessionID
		e.onEvent(evt)
	}
}

func (e *Environment) readBackTranscript(ctx context.Context, baseWorkspacePath string) {
	content, err := e.ReadTranscript(ctx, baseWorkspacePath)
	if err != nil {
		e.logger.Warn("transcript fetch failed after query", zap.Error(err))
		e.emit(runnerproto.TypeError, map[string]interface{}{
			"code":    ErrCodeTranscriptFetchFailed,
			"message": err.Error(),
		}, "main")
		return
	}
	if content == nil {
		return
	}
	e.emit(runnerproto.TypeTranscriptChange, map[string]interface{}{
		"content": *content,
	}, "main")
}

// ReadTranscript invokes the read-session-transcript helper and returns
// the canonical envelope string, or nil if no transcript exists yet
// (spec §4.4 item 5).
func (e *Environment) ReadTranscript(ctx context.Context, baseWorkspacePath string) (*string, error) {
	out, err := e.runHelper(ctx, "read-session-transcript", map[string]interface{}{
		"baseWorkspacePath": baseWorkspacePath,
		"sessionId":         e.sessionID,
		"architecture":      string(e.architecture),
	})
	if err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, fmt.Errorf("read-session-transcript: %s", out.Error)
	}
	if len(out.Data) == 0 {
		return nil, nil
	}
	var content string
	if err := json.Unmarshal(out.Data, &content); err != nil {
		return nil, fmt.Errorf("decoding transcript envelope: %w", err)
	}
	return &content, nil
}

// ListWorkspaceFiles enumerates everything under workspace/, skipping
// dot-prefixed top-level segments, with best-effort content (spec §4.4
// item 6).
func (e *Environment) ListWorkspaceFiles(ctx context.Context) ([]blocks.WorkspaceFile, error) {
	paths, err := e.primitive.ListFiles(ctx, "", "*")
	if err != nil {
		return nil, fmt.Errorf("listing workspace files: %w", err)
	}

	var out []blocks.WorkspaceFile
	for _, p := range paths {
		if top := strings.SplitN(p, "/", 2)[0]; strings.HasPrefix(top, ".") {
			continue
		}
		wf := blocks.WorkspaceFile{Path: p}
		if content, err := e.primitive.ReadFile(ctx, p); err == nil {
			wf.Content = &content
		}
		out = append(out, wf)
	}
	return out, nil
}

// Watch starts the workspace file watcher with the fixed ignore list
// (spec §4.4 item 4), translating primitive events into the corresponding
// file:* runner events.
func (e *Environment) Watch(ctx context.Context) error {
	return e.primitive.Watch(ctx, "", func(fe environment.FileEvent) {
		if fe.Content == nil && fe.Op != environment.FileDeleted {
			return // creates/modifies without readable content are suppressed
		}

		var evtType string
		payload := map[string]interface{}{}
		switch fe.Op {
		case environment.FileCreated:
			evtType = runnerproto.TypeFileCreated
			payload["file"] = map[string]interface{}{"path": fe.Path, "content": *fe.Content}
		case environment.FileModified:
			evtType = runnerproto.TypeFileModified
			payload["file"] = map[string]interface{}{"path": fe.Path, "content": *fe.Content}
		case environment.FileDeleted:
			evtType = runnerproto.TypeFileDeleted
			payload["path"] = fe.Path
		default:
			return
		}
		e.emit(evtType, payload, "main")
	}, environment.WatchOptions{IgnorePatterns: workspaceIgnorePatterns})
}

// HealthCheck delegates to the primitive's liveness check (spec §4.4 item 7).
func (e *Environment) HealthCheck(ctx context.Context) bool {
	return e.primitive.IsRunning(ctx)
}

// Cleanup terminates the primitive and marks the Environment terminated
// (spec §4.4 item 8). The Environment's methods do not check that state
// themselves: a later call fails only where the primitive rejects the
// operation after Terminate.
func (e *Environment) Cleanup(ctx context.Context) error {
	err := e.primitive.Terminate(ctx)
	e.setState(StateTerminated)
	return err
}

func (e *Environment) emit(eventType string, payload map[string]interface{}, conversationID string) {
	e.onEvent(runnerproto.Event{
		Type:    eventType,
		Payload: payload,
		Context: runnerproto.EventContext{SessionID: e.sessionID, ConversationID: conversationID},
	})
}

// runHelper spawns a helper subcommand, writes its JSON input to stdin,
// forwards any non-terminal events it emits, and returns the final
// script-output payload (spec §4.4/§6).
func (e *Environment) runHelper(ctx context.Context, subcommand string, input map[string]interface{}) (runnerproto.ScriptOutputPayload, error) {
	var out runnerproto.ScriptOutputPayload

	payload, err := json.Marshal(input)
	if err != nil {
		return out, fmt.Errorf("marshaling %s input: %w", subcommand, err)
	}

	proc, err := e.primitive.Exec(ctx, []string{runtimeBin, "app/runner.js", subcommand}, environment.ExecOptions{})
	if err != nil {
		return out, fmt.Errorf("spawning %s: %w", subcommand, err)
	}

	if err := proc.WriteStdin(string(payload)); err != nil {
		return out, fmt.Errorf("writing %s stdin: %w", subcommand, err)
	}
	if err := proc.CloseStdin(); err != nil {
		return out, fmt.Errorf("closing %s stdin: %w", subcommand, err)
	}

	parser := runnerproto.New(proc.Stdout(), e.logger)
	var sawOutput bool
	for {
		evt, err := parser.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, fmt.Errorf("reading %s stream: %w", subcommand, err)
		}
		if evt.Type == runnerproto.TypeScriptOutput {
			decoded, decErr := runnerproto.DecodeScriptOutput(evt)
			if decErr == nil {
				out = decoded
				sawOutput = true
			}
			continue
		}
		evt.Context.SessionID = e.sessionID
		e.onEvent(evt)
	}

	code, waitErr := proc.Wait(ctx)
	if waitErr != nil {
		return out, fmt.Errorf("waiting for %s: %w", subcommand, waitErr)
	}
	if code != 0 {
		return out, fmt.Errorf("%s exited with code %d", subcommand, code)
	}
	if !sawOutput {
		out.Success = true // helper terminated cleanly with no explicit verdict
	}
	return out, nil
}
