// Package environment implements C1, the Environment Primitive: an
// abstraction over one isolated workspace root, exposing only spawn,
// file I/O, directory listing, and a filesystem watcher (spec §4.1).
package environment

import (
	"context"
	"io"
)

// ExecOptions configures a single Primitive.Exec invocation.
type ExecOptions struct {
	// Cwd is relative to the environment's workspace root; empty means the
	// environment's default working directory.
	Cwd string
}

// Process is a running (or finished) subprocess inside the environment.
// Stdout/Stderr are lazy, single-reader byte streams: only the first
// Read matters, and they must be drained (or closed) before Wait
// resolves, per spec §4.1's invariant.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// WriteStdin writes text to the process's stdin.
	WriteStdin(text string) error
	// CloseStdin closes stdin, signaling EOF to the process.
	CloseStdin() error
	// Wait blocks until the process exits and returns its exit code.
	Wait(ctx context.Context) (int, error)
}

// WriteFilesResult reports the partial-success outcome of a batch write
// (spec §4.1): every file is attempted, failures are reported rather than
// aborting the batch.
type WriteFilesResult struct {
	Success []string
	Failed  []FailedWrite
}

// FailedWrite pairs a path with the error that prevented writing it.
type FailedWrite struct {
	Path string
	Err  error
}

// FileEvent is delivered to a Watch callback for each filesystem change
// observed under the watched path.
type FileEvent struct {
	Op      FileOp
	Path    string  // relative, POSIX-separated
	Content *string // best-effort; nil if unreadable (e.g. deleted before read)
}

// FileOp enumerates the kinds of filesystem change Watch reports.
type FileOp int

const (
	FileCreated FileOp = iota
	FileModified
	FileDeleted
)

// WatchOptions configures Primitive.Watch.
type WatchOptions struct {
	IgnorePatterns []string
}

// WatchCallback is invoked for each file create/modify/delete under the
// watched path.
type WatchCallback func(FileEvent)

// Primitive abstracts spawn/read/write/watch over one isolated workspace
// (spec §4.1). Exactly one Primitive backs one session's Execution
// Environment for its lifetime.
type Primitive interface {
	// Exec spawns argv[0] with argv[1:] inside the environment.
	Exec(ctx context.Context, argv []string, opts ExecOptions) (Process, error)

	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error
	WriteFiles(ctx context.Context, files map[string]string) (WriteFilesResult, error)
	CreateDirectory(ctx context.Context, path string) error
	ListFiles(ctx context.Context, dir string, glob string) ([]string, error)

	// IsRunning reports whether the environment's backing process (the
	// container, sandbox, or local process group) is alive.
	IsRunning(ctx context.Context) bool
	// Poll returns nil if the environment is still running, else the
	// exit code of its backing process.
	Poll(ctx context.Context) (*int, error)
	// Terminate is idempotent: calling it more than once is a no-op.
	Terminate(ctx context.Context) error

	// Watch starts a filesystem watcher rooted at path. The watcher is
	// stopped as part of Terminate.
	Watch(ctx context.Context, path string, cb WatchCallback, opts WatchOptions) error
}

// ErrTerminated is returned by a Primitive operation that refuses to run
// after Terminate has completed. DockerPrimitive returns it from Exec and
// Watch; its file operations (ReadFile, WriteFile, WriteFiles, ListFiles,
// CreateDirectory) do not check for termination and still act on the
// host-side session directory.
var ErrTerminated = errTerminated{}

type errTerminated struct{}

func (errTerminated) Error() string { return "environment primitive terminated" }
