package execenv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kandev/agentsession/internal/blocks"
	"github.com/kandev/agentsession/internal/environment"
	"github.com/kandev/agentsession/internal/logger"
	"github.com/kandev/agentsession/internal/runnerproto"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// watchingPrimitive is a no-op environment.Primitive whose Watch invokes
// the callback once with a scripted event, synchronously.
type watchingPrimitive struct {
	event environment.FileEvent
}

func (p *watchingPrimitive) Exec(ctx context.Context, argv []string, opts environment.ExecOptions) (environment.Process, error) {
	return nil, nil
}
func (p *watchingPrimitive) ReadFile(ctx context.Context, path string) (string, error) { return "", nil }
func (p *watchingPrimitive) WriteFile(ctx context.Context, path, content string) error  { return nil }
func (p *watchingPrimitive) WriteFiles(ctx context.Context, files map[string]string) (environment.WriteFilesResult, error) {
	return environment.WriteFilesResult{}, nil
}
func (p *watchingPrimitive) CreateDirectory(ctx context.Context, path string) error { return nil }
func (p *watchingPrimitive) ListFiles(ctx context.Context, dir, glob string) ([]string, error) {
	return nil, nil
}
func (p *watchingPrimitive) IsRunning(ctx context.Context) bool      { return true }
func (p *watchingPrimitive) Poll(ctx context.Context) (*int, error) { return nil, nil }
func (p *watchingPrimitive) Terminate(ctx context.Context) error    { return nil }
func (p *watchingPrimitive) Watch(ctx context.Context, path string, cb environment.WatchCallback, opts environment.WatchOptions) error {
	cb(p.event)
	return nil
}

func TestEnvironment_WatchEmitsFlatPathForFileDeleted(t *testing.T) {
	primitive := &watchingPrimitive{event: environment.FileEvent{Op: environment.FileDeleted, Path: "foo.txt"}}

	var captured runnerproto.Event
	sink := func(evt runnerproto.Event) { captured = evt }

	env := New("s1", blocks.ArchitectureA2, primitive, sink, newTestLogger(t))
	require.NoError(t, env.Watch(context.Background()))

	require.Equal(t, runnerproto.TypeFileDeleted, captured.Type)
	require.Equal(t, "foo.txt", captured.Payload["path"])
	require.Nil(t, captured.Payload["file"], "file:deleted must not nest path under \"file\"")
}

func TestEnvironment_WatchEmitsNestedFileForCreatedAndModified(t *testing.T) {
	content := "hello"
	primitive := &watchingPrimitive{event: environment.FileEvent{Op: environment.FileCreated, Path: "foo.txt", Content: &content}}

	var captured runnerproto.Event
	sink := func(evt runnerproto.Event) { captured = evt }

	env := New("s1", blocks.ArchitectureA2, primitive, sink, newTestLogger(t))
	require.NoError(t, env.Watch(context.Background()))

	require.Equal(t, runnerproto.TypeFileCreated, captured.Type)
	file, ok := captured.Payload["file"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "foo.txt", file["path"])
	require.Equal(t, "hello", file["content"])
}

func TestEnvironment_WatchSuppressesUnreadableCreateOrModify(t *testing.T) {
	primitive := &watchingPrimitive{event: environment.FileEvent{Op: environment.FileCreated, Path: "foo.txt", Content: nil}}

	called := false
	sink := func(evt runnerproto.Event) { called = true }

	env := New("s1", blocks.ArchitectureA2, primitive, sink, newTestLogger(t))
	require.NoError(t, env.Watch(context.Background()))
	require.False(t, called)
}
