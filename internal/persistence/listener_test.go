package persistence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/agentsession/internal/blocks"
	"github.com/kandev/agentsession/internal/eventbus"
	"github.com/kandev/agentsession/internal/logger"
	"github.com/kandev/agentsession/internal/runnerproto"
	"github.com/kandev/agentsession/internal/sessionstate"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// fakeAdapter records every call it receives; each method is safe for
// concurrent use since the Listener's drain goroutine is the only caller
// but tests assert from the main goroutine.
type fakeAdapter struct {
	mu              sync.Mutex
	savedFiles      []blocks.WorkspaceFile
	deletedPaths    []string
	savedTranscript []blocks.Envelope
	updatedRecords  []map[string]interface{}
}

func (f *fakeAdapter) ListAllSessions(ctx context.Context) ([]sessionstate.PersistedListData, error) {
	return nil, nil
}
func (f *fakeAdapter) LoadSession(ctx context.Context, id string) (*sessionstate.Snapshot, error) {
	return nil, nil
}
func (f *fakeAdapter) CreateSessionRecord(ctx context.Context, snapshot sessionstate.Snapshot) error {
	return nil
}
func (f *fakeAdapter) UpdateSessionRecord(ctx context.Context, id string, partial map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updatedRecords = append(f.updatedRecords, partial)
	return nil
}
func (f *fakeAdapter) SaveTranscript(ctx context.Context, sessionID string, envelope blocks.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedTranscript = append(f.savedTranscript, envelope)
	return nil
}
func (f *fakeAdapter) SaveWorkspaceFile(ctx context.Context, sessionID string, file blocks.WorkspaceFile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedFiles = append(f.savedFiles, file)
	return nil
}
func (f *fakeAdapter) DeleteSessionFile(ctx context.Context, sessionID string, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedPaths = append(f.deletedPaths, path)
	return nil
}
func (f *fakeAdapter) ListAgentProfiles(ctx context.Context) ([]AgentProfileSummary, error) {
	return nil, nil
}
func (f *fakeAdapter) LoadAgentProfile(ctx context.Context, id string) (*AgentProfile, error) {
	return nil, nil
}

func (f *fakeAdapter) snapshot() fakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeAdapter{
		savedFiles:      append([]blocks.WorkspaceFile(nil), f.savedFiles...),
		deletedPaths:    append([]string(nil), f.deletedPaths...),
		savedTranscript: append([]blocks.Envelope(nil), f.savedTranscript...),
		updatedRecords:  append([]map[string]interface{}(nil), f.updatedRecords...),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestListener_FileWriteIsQueuedAndSaved(t *testing.T) {
	log := newTestLogger(t)
	adapter := &fakeAdapter{}
	state := sessionstate.New(sessionstate.Snapshot{SessionID: "s1"}, log)
	l := NewListener("s1", adapter, state, 8, log)
	defer l.Close()

	bus := eventbus.New("s1", log)
	l.Wire(bus)

	bus.Emit(runnerproto.Event{
		Type: runnerproto.TypeFileCreated,
		Payload: map[string]interface{}{
			"file": map[string]interface{}{"path": "foo.txt", "content": "hello"},
		},
	})

	waitFor(t, func() bool { return len(adapter.snapshot().savedFiles) == 1 })
	saved := adapter.snapshot().savedFiles[0]
	require.Equal(t, "foo.txt", saved.Path)
	require.NotNil(t, saved.Content)
	require.Equal(t, "hello", *saved.Content)
}

func TestListener_FileDeleteIsQueued(t *testing.T) {
	log := newTestLogger(t)
	adapter := &fakeAdapter{}
	state := sessionstate.New(sessionstate.Snapshot{SessionID: "s1"}, log)
	l := NewListener("s1", adapter, state, 8, log)
	defer l.Close()

	bus := eventbus.New("s1", log)
	l.Wire(bus)

	bus.Emit(runnerproto.Event{
		Type:    runnerproto.TypeFileDeleted,
		Payload: map[string]interface{}{"path": "foo.txt"},
	})

	waitFor(t, func() bool { return len(adapter.snapshot().deletedPaths) == 1 })
	require.Equal(t, "foo.txt", adapter.snapshot().deletedPaths[0])
}

func TestListener_PreservesEmissionOrderAcrossManyWrites(t *testing.T) {
	log := newTestLogger(t)
	adapter := &fakeAdapter{}
	state := sessionstate.New(sessionstate.Snapshot{SessionID: "s1"}, log)
	l := NewListener("s1", adapter, state, 64, log)
	defer l.Close()

	bus := eventbus.New("s1", log)
	l.Wire(bus)

	const n = 50
	for i := 0; i < n; i++ {
		bus.Emit(runnerproto.Event{
			Type: runnerproto.TypeFileCreated,
			Payload: map[string]interface{}{
				"file": map[string]interface{}{"path": "f.txt", "content": string(rune('a' + i%26))},
			},
		})
	}

	waitFor(t, func() bool { return len(adapter.snapshot().savedFiles) == n })
	files := adapter.snapshot().savedFiles
	for i := 0; i < n; i++ {
		require.Equal(t, string(rune('a'+i%26)), *files[i].Content, "write %d out of order", i)
	}
}

func TestListener_SyncFullStateWritesRecordTranscriptAndFiles(t *testing.T) {
	log := newTestLogger(t)
	adapter := &fakeAdapter{}
	name := "my session"
	state := sessionstate.New(sessionstate.Snapshot{
		SessionID:      "s1",
		Name:           &name,
		RawTranscript:  &blocks.Envelope{Main: "transcript-content"},
		WorkspaceFiles: []blocks.WorkspaceFile{{Path: "a.txt"}, {Path: "b.txt"}},
	}, log)
	l := NewListener("s1", adapter, state, 8, log)
	defer l.Close()

	err := l.SyncFullState(context.Background())
	require.NoError(t, err)

	snap := adapter.snapshot()
	require.Len(t, snap.updatedRecords, 1)
	require.Len(t, snap.savedTranscript, 1)
	require.Equal(t, "transcript-content", snap.savedTranscript[0].Main)
	require.Len(t, snap.savedFiles, 2)
}

func TestListener_CloseDrainsPendingWrites(t *testing.T) {
	log := newTestLogger(t)
	adapter := &fakeAdapter{}
	state := sessionstate.New(sessionstate.Snapshot{SessionID: "s1"}, log)
	l := NewListener("s1", adapter, state, 8, log)

	bus := eventbus.New("s1", log)
	l.Wire(bus)

	bus.Emit(runnerproto.Event{
		Type: runnerproto.TypeFileCreated,
		Payload: map[string]interface{}{
			"file": map[string]interface{}{"path": "foo.txt", "content": "hello"},
		},
	})

	l.Close()
	require.Len(t, adapter.snapshot().savedFiles, 1)
}
