// Package sessionstate implements C6, Session State: the authoritative
// in-memory session document. Mutations occur through bus-subscribed
// handlers registered by Wire and through the exported Set* methods the
// coordinator calls directly; queries return defensive copies of the
// projection they serve (spec §4.6).
package sessionstate

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentsession/internal/blocks"
	"github.com/kandev/agentsession/internal/eventbus"
	"github.com/kandev/agentsession/internal/logger"
	"github.com/kandev/agentsession/internal/runnerproto"
	"github.com/kandev/agentsession/internal/transcript"
)

// EnvironmentStatus mirrors the Session Runtime State's environment.status
// enum (spec §3).
type EnvironmentStatus string

const (
	EnvStarting   EnvironmentStatus = "starting"
	EnvReady      EnvironmentStatus = "ready"
	EnvUnhealthy  EnvironmentStatus = "unhealthy"
	EnvTerminated EnvironmentStatus = "terminated"
	EnvError      EnvironmentStatus = "error"
)

// EnvironmentRuntime is the derived, non-persisted environment sub-state.
type EnvironmentRuntime struct {
	ID              string
	Status          EnvironmentStatus
	StatusMessage   string
	RestartCount    int
	LastHealthCheck int64 // epoch ms
}

// LastError records the most recent error surfaced to runtime state.
type LastError struct {
	Message   string
	Code      string
	Timestamp int64
}

// RuntimeState is the derived, not-persisted runtime projection (spec §3).
type RuntimeState struct {
	IsLoaded            bool
	Environment         *EnvironmentRuntime
	ActiveQueryStartedAt *int64
	LastError           *LastError
}

// Snapshot is the persisted session snapshot (spec §3): never contains
// derived blocks or runtime state.
type Snapshot struct {
	SessionID      string
	Architecture   blocks.Architecture
	AgentProfileRef string
	SessionOptions map[string]interface{}
	CreatedAt      int64
	LastActivity   *int64
	Name           *string
	Metadata       map[string]interface{}
	RawTranscript  *blocks.Envelope
	WorkspaceFiles []blocks.WorkspaceFile
}

// RuntimeSessionData is the full client projection (spec §4.6):
// persisted snapshot fields + derived blocks/subagents/runtime.
type RuntimeSessionData struct {
	Snapshot  Snapshot
	Blocks    []blocks.Block
	Subagents []blocks.Subagent
	Runtime   RuntimeState
}

// PersistedListData is the minimal projection used for list views.
type PersistedListData struct {
	SessionID    string
	Architecture blocks.Architecture
	Name         *string
	CreatedAt    int64
	LastActivity *int64
}

// Document is the authoritative session document. Mutation happens in the
// unexported on* handlers that Wire subscribes to the bus, and in the
// exported Set* methods, which the coordinator calls directly without
// going through the bus.
type Document struct {
	mu sync.RWMutex

	snapshot  Snapshot
	blocks    []blocks.Block
	subagents map[string][]blocks.Block
	runtime   RuntimeState

	logger *logger.Logger
}

// New constructs a Document seeded from a persisted snapshot (or a fresh
// empty one for a brand-new session).
func New(snapshot Snapshot, log *logger.Logger) *Document {
	d := &Document{
		snapshot:  snapshot,
		subagents: make(map[string][]blocks.Block),
		runtime:   RuntimeState{IsLoaded: true},
		logger:    log.WithFields(zap.String("component", "session-state"), zap.String("session_id", snapshot.SessionID)),
	}
	if snapshot.RawTranscript != nil {
		d.reparse(*snapshot.RawTranscript)
	}
	return d
}

// Wire registers this Document's mutation handlers on the session bus
// (spec §4.6: "Mutations occur ONLY through bus-subscribed handlers").
func (d *Document) Wire(bus *eventbus.Bus) {
	bus.On(runnerproto.TypeBlockStart, d.onBlockStart)
	bus.On(runnerproto.TypeBlockDelta, d.onBlockDelta)
	bus.On(runnerproto.TypeBlockUpdate, d.onBlockUpdate)
	bus.On(runnerproto.TypeBlockComplete, d.onBlockComplete)
	bus.On(runnerproto.TypeTranscriptChange, d.onTranscriptChanged)
	bus.On(runnerproto.TypeOptionsUpdate, d.onOptionsUpdate)
	bus.On(runnerproto.TypeStatusChanged, d.onStatusChanged)
	bus.On(runnerproto.TypeError, d.onError)
}

func (d *Document) onBlockStart(evt runnerproto.Event) error {
	blk, ok := evt.Payload["block"].(map[string]interface{})
	if !ok {
		return nil
	}
	b := decodeBlock(blk)

	d.mu.Lock()
	defer d.mu.Unlock()
	if evt.Context.ConversationID != "" && evt.Context.ConversationID != "main" {
		cid := evt.Context.ConversationID
		d.subagents[cid] = append(d.subagents[cid], b)
		return nil
	}
	d.blocks = append(d.blocks, b)
	return nil
}

func (d *Document) onBlockDelta(evt runnerproto.Event) error {
	blockID, _ := evt.Payload["blockId"].(string)
	delta, _ := evt.Payload["delta"].(string)
	if blockID == "" {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.mutateBlock(evt.Context.ConversationID, blockID, func(b *blocks.Block) {
		b.Content += delta
	})
	return nil
}

func (d *Document) onBlockUpdate(evt runnerproto.Event) error {
	blockID, _ := evt.Payload["blockId"].(string)
	updates, _ := evt.Payload["updates"].(map[string]interface{})
	if blockID == "" {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.mutateBlock(evt.Context.ConversationID, blockID, func(b *blocks.Block) {
		applyUpdates(b, updates)
	})
	return nil
}

func (d *Document) onBlockComplete(evt runnerproto.Event) error {
	blockID, _ := evt.Payload["blockId"].(string)
	final, ok := evt.Payload["block"].(map[string]interface{})
	if blockID == "" || !ok {
		return nil
	}
	replacement := decodeBlock(final)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.mutateBlock(evt.Context.ConversationID, blockID, func(b *blocks.Block) {
		*b = replacement
	})
	return nil
}

func (d *Document) onTranscriptChanged(evt runnerproto.Event) error {
	content, _ := evt.Payload["content"].(string)
	if content == "" {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	env := blocks.Envelope{Main: content}
	d.snapshot.RawTranscript = &env
	d.reparseLocked(env)
	return nil
}

func (d *Document) onOptionsUpdate(evt runnerproto.Event) error {
	opts, _ := evt.Payload["options"].(map[string]interface{})

	d.mu.Lock()
	defer d.mu.Unlock()
	d.snapshot.SessionOptions = opts
	return nil
}

func (d *Document) onStatusChanged(evt runnerproto.Event) error {
	runtime, _ := evt.Payload["runtime"].(map[string]interface{})

	d.mu.Lock()
	defer d.mu.Unlock()
	if status, ok := runtime["status"].(string); ok {
		if d.runtime.Environment == nil {
			d.runtime.Environment = &EnvironmentRuntime{}
		}
		d.runtime.Environment.Status = EnvironmentStatus(status)
	}
	if msg, ok := runtime["statusMessage"].(string); ok && d.runtime.Environment != nil {
		d.runtime.Environment.StatusMessage = msg
	}
	return nil
}

func (d *Document) onError(evt runnerproto.Event) error {
	message, _ := evt.Payload["message"].(string)
	code, _ := evt.Payload["code"].(string)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.runtime.LastError = &LastError{Message: message, Code: code, Timestamp: nowMillis()}
	return nil
}

// mutateBlock locates the target block by id in the main thread or the
// named subagent thread and applies fn to it. Caller must hold d.mu.
func (d *Document) mutateBlock(conversationID, blockID string, fn func(*blocks.Block)) {
	if conversationID != "" && conversationID != "main" {
		list := d.subagents[conversationID]
		for i := range list {
			if list[i].ID == blockID {
				fn(&list[i])
				return
			}
		}
		return
	}
	for i := range d.blocks {
		if d.blocks[i].ID == blockID {
			fn(&d.blocks[i])
			return
		}
	}
}

func (d *Document) reparse(env blocks.Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reparseLocked(env)
}

// reparseLocked re-invokes C3 and atomically swaps blocks/subagents (spec
// §4.6 invariant). Caller must hold d.mu.
func (d *Document) reparseLocked(env blocks.Envelope) {
	parsed := transcript.Parse(d.snapshot.Architecture, env)
	d.blocks = parsed.Blocks
	d.subagents = make(map[string][]blocks.Block, len(parsed.Subagents))
	for _, sub := range parsed.Subagents {
		d.subagents[sub.ID] = sub.Blocks
	}
}

// ToRuntimeSessionData returns a deep copy of the client projection (spec §4.6).
func (d *Document) ToRuntimeSessionData() RuntimeSessionData {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := RuntimeSessionData{
		Snapshot: cloneSnapshot(d.snapshot),
		Runtime:  cloneRuntime(d.runtime),
	}
	for _, b := range d.blocks {
		out.Blocks = append(out.Blocks, b.Clone())
	}
	for id, list := range d.subagents {
		sub := blocks.Subagent{ID: id}
		for _, b := range list {
			sub.Blocks = append(sub.Blocks, b.Clone())
		}
		out.Subagents = append(out.Subagents, sub)
	}
	return out
}

// ToPersistedListData returns the minimal list-view projection (spec §4.6).
func (d *Document) ToPersistedListData() PersistedListData {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return PersistedListData{
		SessionID:    d.snapshot.SessionID,
		Architecture: d.snapshot.Architecture,
		Name:         d.snapshot.Name,
		CreatedAt:    d.snapshot.CreatedAt,
		LastActivity: d.snapshot.LastActivity,
	}
}

// GetRuntimeState returns a deep copy of just the runtime portion (spec §4.6).
func (d *Document) GetRuntimeState() RuntimeState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return cloneRuntime(d.runtime)
}

// SetWorkspaceFiles replaces the persisted workspace-files projection,
// invoked by the coordinator after a sync reads them from the environment.
func (d *Document) SetWorkspaceFiles(files []blocks.WorkspaceFile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.snapshot.WorkspaceFiles = append([]blocks.WorkspaceFile(nil), files...)
}

// SetEnvironmentRuntime replaces the derived environment sub-state
// directly (used by the coordinator during activation/health transitions,
// ahead of a status:changed bus round-trip).
func (d *Document) SetEnvironmentRuntime(env *EnvironmentRuntime) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runtime.Environment = env
}

// SetActiveQueryStartedAt marks (or clears, with nil) the in-flight query start time.
func (d *Document) SetActiveQueryStartedAt(ts *int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runtime.ActiveQueryStartedAt = ts
}

func cloneSnapshot(s Snapshot) Snapshot {
	out := s
	if s.SessionOptions != nil {
		out.SessionOptions = cloneAnyMap(s.SessionOptions)
	}
	if s.Metadata != nil {
		out.Metadata = cloneAnyMap(s.Metadata)
	}
	if s.RawTranscript != nil {
		env := *s.RawTranscript
		out.RawTranscript = &env
	}
	out.WorkspaceFiles = append([]blocks.WorkspaceFile(nil), s.WorkspaceFiles...)
	return out
}

func cloneRuntime(r RuntimeState) RuntimeState {
	out := r
	if r.Environment != nil {
		env := *r.Environment
		out.Environment = &env
	}
	if r.ActiveQueryStartedAt != nil {
		ts := *r.ActiveQueryStartedAt
		out.ActiveQueryStartedAt = &ts
	}
	if r.LastError != nil {
		le := *r.LastError
		out.LastError = &le
	}
	return out
}

func cloneAnyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
