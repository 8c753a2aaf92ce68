package sessionstate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kandev/agentsession/internal/blocks"
	"github.com/kandev/agentsession/internal/eventbus"
	"github.com/kandev/agentsession/internal/logger"
	"github.com/kandev/agentsession/internal/runnerproto"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestDocument_BlockStartAppendsToMainThread(t *testing.T) {
	log := newTestLogger(t)
	doc := New(Snapshot{SessionID: "s1", Architecture: blocks.ArchitectureA2}, log)
	bus := eventbus.New("s1", log)
	doc.Wire(bus)

	bus.Emit(runnerproto.Event{
		Type:    runnerproto.TypeBlockStart,
		Payload: map[string]interface{}{"block": map[string]interface{}{"id": "b1", "type": "assistant_text", "content": "hi"}},
		Context: runnerproto.EventContext{SessionID: "s1", ConversationID: "main"},
	})

	data := doc.ToRuntimeSessionData()
	require.Len(t, data.Blocks, 1)
	require.Equal(t, "b1", data.Blocks[0].ID)
	require.Equal(t, "hi", data.Blocks[0].Content)
}

func TestDocument_BlockStartRoutesSubagentByConversationID(t *testing.T) {
	log := newTestLogger(t)
	doc := New(Snapshot{SessionID: "s1", Architecture: blocks.ArchitectureA2}, log)
	bus := eventbus.New("s1", log)
	doc.Wire(bus)

	bus.Emit(runnerproto.Event{
		Type:    runnerproto.TypeBlockStart,
		Payload: map[string]interface{}{"block": map[string]interface{}{"id": "b1", "type": "assistant_text", "content": "nested"}},
		Context: runnerproto.EventContext{SessionID: "s1", ConversationID: "sub1"},
	})

	data := doc.ToRuntimeSessionData()
	require.Empty(t, data.Blocks)
	require.Len(t, data.Subagents, 1)
	require.Equal(t, "sub1", data.Subagents[0].ID)
	require.Len(t, data.Subagents[0].Blocks, 1)
}

func TestDocument_BlockDeltaAppendsContent(t *testing.T) {
	log := newTestLogger(t)
	doc := New(Snapshot{SessionID: "s1", Architecture: blocks.ArchitectureA2}, log)
	bus := eventbus.New("s1", log)
	doc.Wire(bus)

	bus.Emit(runnerproto.Event{
		Type:    runnerproto.TypeBlockStart,
		Payload: map[string]interface{}{"block": map[string]interface{}{"id": "b1", "type": "assistant_text", "content": "He"}},
		Context: runnerproto.EventContext{SessionID: "s1", ConversationID: "main"},
	})
	bus.Emit(runnerproto.Event{
		Type:    runnerproto.TypeBlockDelta,
		Payload: map[string]interface{}{"blockId": "b1", "delta": "llo"},
		Context: runnerproto.EventContext{SessionID: "s1", ConversationID: "main"},
	})

	data := doc.ToRuntimeSessionData()
	require.Equal(t, "Hello", data.Blocks[0].Content)
}

func TestDocument_BlockCompleteReplacesBlock(t *testing.T) {
	log := newTestLogger(t)
	doc := New(Snapshot{SessionID: "s1", Architecture: blocks.ArchitectureA2}, log)
	bus := eventbus.New("s1", log)
	doc.Wire(bus)

	bus.Emit(runnerproto.Event{
		Type:    runnerproto.TypeBlockStart,
		Payload: map[string]interface{}{"block": map[string]interface{}{"id": "b1", "type": "tool_use", "status": "pending"}},
		Context: runnerproto.EventContext{SessionID: "s1", ConversationID: "main"},
	})
	bus.Emit(runnerproto.Event{
		Type: runnerproto.TypeBlockComplete,
		Payload: map[string]interface{}{
			"blockId": "b1",
			"block":   map[string]interface{}{"id": "b1", "type": "tool_use", "status": "success"},
		},
		Context: runnerproto.EventContext{SessionID: "s1", ConversationID: "main"},
	})

	data := doc.ToRuntimeSessionData()
	require.Equal(t, blocks.ToolStatusSuccess, data.Blocks[0].Status)
}

func TestDocument_OptionsUpdateReplacesSessionOptions(t *testing.T) {
	log := newTestLogger(t)
	doc := New(Snapshot{SessionID: "s1", Architecture: blocks.ArchitectureA2}, log)
	bus := eventbus.New("s1", log)
	doc.Wire(bus)

	bus.Emit(runnerproto.Event{
		Type:    runnerproto.TypeOptionsUpdate,
		Payload: map[string]interface{}{"options": map[string]interface{}{"model": "fast"}},
		Context: runnerproto.EventContext{SessionID: "s1", ConversationID: "main"},
	})

	data := doc.ToRuntimeSessionData()
	require.Equal(t, "fast", data.Snapshot.SessionOptions["model"])
}

func TestDocument_StatusChangedUpdatesEnvironmentRuntime(t *testing.T) {
	log := newTestLogger(t)
	doc := New(Snapshot{SessionID: "s1", Architecture: blocks.ArchitectureA2}, log)
	bus := eventbus.New("s1", log)
	doc.Wire(bus)

	bus.Emit(runnerproto.Event{
		Type:    runnerproto.TypeStatusChanged,
		Payload: map[string]interface{}{"runtime": map[string]interface{}{"status": "ready", "statusMessage": ""}},
		Context: runnerproto.EventContext{SessionID: "s1", ConversationID: "main"},
	})

	state := doc.GetRuntimeState()
	require.NotNil(t, state.Environment)
	require.Equal(t, EnvReady, state.Environment.Status)
}

func TestDocument_ErrorEventRecordsLastError(t *testing.T) {
	log := newTestLogger(t)
	doc := New(Snapshot{SessionID: "s1", Architecture: blocks.ArchitectureA2}, log)
	bus := eventbus.New("s1", log)
	doc.Wire(bus)

	bus.Emit(runnerproto.Event{
		Type:    runnerproto.TypeError,
		Payload: map[string]interface{}{"message": "boom", "code": "EACT"},
		Context: runnerproto.EventContext{SessionID: "s1", ConversationID: "main"},
	})

	state := doc.GetRuntimeState()
	require.NotNil(t, state.LastError)
	require.Equal(t, "boom", state.LastError.Message)
	require.Equal(t, "EACT", state.LastError.Code)
}

func TestDocument_TranscriptChangeReparsesBlocks(t *testing.T) {
	log := newTestLogger(t)
	doc := New(Snapshot{SessionID: "s1", Architecture: blocks.ArchitectureA1}, log)
	bus := eventbus.New("s1", log)
	doc.Wire(bus)

	raw := `{"type":"user","uuid":"u1","message":{"role":"user","content":"hi again"}}`
	bus.Emit(runnerproto.Event{
		Type:    runnerproto.TypeTranscriptChange,
		Payload: map[string]interface{}{"content": raw},
		Context: runnerproto.EventContext{SessionID: "s1", ConversationID: "main"},
	})

	data := doc.ToRuntimeSessionData()
	require.Len(t, data.Blocks, 1)
	require.Equal(t, "hi again", data.Blocks[0].Content)
}

func TestDocument_ToPersistedListDataProjectsMinimalFields(t *testing.T) {
	log := newTestLogger(t)
	name := "my session"
	doc := New(Snapshot{SessionID: "s1", Architecture: blocks.ArchitectureA2, Name: &name, CreatedAt: 42}, log)

	list := doc.ToPersistedListData()
	require.Equal(t, "s1", list.SessionID)
	require.Equal(t, &name, list.Name)
	require.Equal(t, int64(42), list.CreatedAt)
}
