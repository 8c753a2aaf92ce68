package persistence

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentsession/internal/blocks"
	"github.com/kandev/agentsession/internal/eventbus"
	"github.com/kandev/agentsession/internal/logger"
	"github.com/kandev/agentsession/internal/runnerproto"
	"github.com/kandev/agentsession/internal/sessionstate"
)

// writeJob is one unit of work on the per-session serial write queue.
type writeJob func(ctx context.Context)

// Listener subscribes to a fixed set of session-bus events (spec §4.7) and
// translates each into an Adapter call, issued through a single-goroutine
// per-session queue so persisted state reflects bus-emission order. It is
// grounded on the teacher's StreamManager goroutine-per-concern pattern:
// no exact analogue exists for a serial persistence queue, so this is
// built fresh in that idiom.
type Listener struct {
	sessionID string
	adapter   Adapter
	state     *sessionstate.Document
	logger    *logger.Logger

	queue  chan writeJob
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewListener constructs and starts a Listener's drain goroutine. queueDepth
// bounds the number of pending writes before a slow adapter applies
// back-pressure to the emitting session (spec §5: writeFiles/persistence
// calls may block/suspend).
func NewListener(sessionID string, adapter Adapter, state *sessionstate.Document, queueDepth int, log *logger.Logger) *Listener {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	l := &Listener{
		sessionID: sessionID,
		adapter:   adapter,
		state:     state,
		logger:    log.WithFields(zap.String("component", "persistence-listener"), zap.String("session_id", sessionID)),
		queue:     make(chan writeJob, queueDepth),
		done:      make(chan struct{}),
	}
	l.wg.Add(1)
	go l.drain()
	return l
}

// Wire registers this Listener's incremental-write handlers on the
// session bus (spec §4.7's fixed event set).
func (l *Listener) Wire(bus *eventbus.Bus) {
	bus.On(runnerproto.TypeFileCreated, l.onFileWrite)
	bus.On(runnerproto.TypeFileModified, l.onFileWrite)
	bus.On(runnerproto.TypeFileDeleted, l.onFileDelete)
	bus.On(runnerproto.TypeTranscriptChange, l.onTranscriptChanged)
	bus.On(runnerproto.TypeOptionsUpdate, l.onOptionsUpdate)
}

func (l *Listener) drain() {
	defer l.wg.Done()
	ctx := context.Background()
	for {
		select {
		case job, ok := <-l.queue:
			if !ok {
				return
			}
			job(ctx)
		case <-l.done:
			// Drain whatever remains before exiting (spec §5: "pending
			// persistence writes on the per-session queue are allowed to
			// drain").
			for {
				select {
				case job := <-l.queue:
					job(ctx)
				default:
					return
				}
			}
		}
	}
}

func (l *Listener) enqueue(job writeJob) {
	select {
	case l.queue <- job:
	default:
		// Queue full: apply back-pressure by blocking rather than
		// dropping, so persisted order is never silently skipped.
		l.queue <- job
	}
}

func (l *Listener) onFileWrite(evt runnerproto.Event) error {
	file, ok := evt.Payload["file"].(map[string]interface{})
	if !ok {
		return nil
	}
	path, _ := file["path"].(string)
	content, _ := file["content"].(string)
	if path == "" {
		return nil
	}

	l.enqueue(func(ctx context.Context) {
		if err := l.adapter.SaveWorkspaceFile(ctx, l.sessionID, blocks.WorkspaceFile{Path: path, Content: &content}); err != nil {
			l.logger.Error("failed to save workspace file", zap.String("path", path), zap.Error(err))
		}
	})
	return nil
}

func (l *Listener) onFileDelete(evt runnerproto.Event) error {
	path, _ := evt.Payload["path"].(string)
	if path == "" {
		return nil
	}

	l.enqueue(func(ctx context.Context) {
		if err := l.adapter.DeleteSessionFile(ctx, l.sessionID, path); err != nil {
			l.logger.Error("failed to delete workspace file", zap.String("path", path), zap.Error(err))
		}
	})
	return nil
}

func (l *Listener) onTranscriptChanged(evt runnerproto.Event) error {
	content, _ := evt.Payload["content"].(string)
	if content == "" {
		return nil
	}

	l.enqueue(func(ctx context.Context) {
		if err := l.adapter.SaveTranscript(ctx, l.sessionID, blocks.Envelope{Main: content}); err != nil {
			l.logger.Error("failed to save transcript", zap.Error(err))
		}
	})
	return nil
}

func (l *Listener) onOptionsUpdate(evt runnerproto.Event) error {
	opts, _ := evt.Payload["options"].(map[string]interface{})

	l.enqueue(func(ctx context.Context) {
		if err := l.adapter.UpdateSessionRecord(ctx, l.sessionID, map[string]interface{}{
			"session_options": encodeOptions(opts),
		}); err != nil {
			l.logger.Error("failed to update session options", zap.Error(err))
		}
	})
	return nil
}

// SyncFullState writes the session record, transcript (if present), and
// every workspace file (spec §4.7: invoked at terminate, every periodic
// sync, and after session creation). Unlike incremental writes, this is
// issued synchronously so the caller can await completion.
func (l *Listener) SyncFullState(ctx context.Context) error {
	data := l.state.ToRuntimeSessionData()

	if err := l.adapter.UpdateSessionRecord(ctx, l.sessionID, map[string]interface{}{
		"name":          data.Snapshot.Name,
		"last_activity": data.Snapshot.LastActivity,
		"metadata":      encodeOptions(data.Snapshot.Metadata),
	}); err != nil {
		l.logger.Error("full sync: failed to update session record", zap.Error(err))
	}

	if data.Snapshot.RawTranscript != nil {
		if err := l.adapter.SaveTranscript(ctx, l.sessionID, *data.Snapshot.RawTranscript); err != nil {
			l.logger.Error("full sync: failed to save transcript", zap.Error(err))
		}
	}

	for _, f := range data.Snapshot.WorkspaceFiles {
		if err := l.adapter.SaveWorkspaceFile(ctx, l.sessionID, f); err != nil {
			l.logger.Error("full sync: failed to save workspace file", zap.String("path", f.Path), zap.Error(err))
		}
	}

	return nil
}

// Close signals the drain goroutine to finish the queued writes and waits
// for it (spec §5 cancellation semantics). It does not detach the bus
// handlers; writes enqueued after Close are not drained.
func (l *Listener) Close() {
	close(l.done)
	l.wg.Wait()
}

func encodeOptions(m map[string]interface{}) interface{} {
	if m == nil {
		return nil
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return string(encoded)
}
