package environment

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/kandev/agentsession/internal/config"
	"github.com/kandev/agentsession/internal/logger"
)

// DockerPrimitive backs C1 with one Docker container per session. The
// session's workspace root is bind-mounted from the host at
// {VolumeBasePath}/{sessionID}, the way the teacher's ContainerManager
// mounts a session's workspace into /workspace (internal/agent/lifecycle/
// container.go). File I/O and the filesystem watcher operate directly on
// the host-side mount; Exec runs inside the container via docker exec,
// since only the runner's own process needs container isolation.
type DockerPrimitive struct {
	cli    *dockerclient.Client
	cfg    config.DockerConfig
	logger *logger.Logger

	sessionID string
	hostRoot  string // host-side bind-mount source, e.g. {VolumeBasePath}/{sessionID}

	mu          sync.Mutex
	containerID string
	terminated  bool
	watcher     *fsWatcher
}

// NewDockerPrimitive creates and starts the backing
// container for sessionID, deriving SESSION_DIR subdirectories the way
// spec §4.1 describes (app/, workspace/, mcps/, claude-config).
func NewDockerPrimitive(ctx context.Context, cfg config.DockerConfig, sessionID string, log *logger.Logger) (*DockerPrimitive, error) {
	opts := []dockerclient.Opt{dockerclient.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, dockerclient.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, dockerclient.WithVersion(cfg.APIVersion))
	}

	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	hostRoot := filepath.Join(cfg.VolumeBasePath, sessionID)
	for _, sub := range []string{"app", "workspace", "mcps", "claude-config"} {
		if err := os.MkdirAll(filepath.Join(hostRoot, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating session dir %s: %w", sub, err)
		}
	}

	p := &DockerPrimitive{
		cli:       cli,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "environment-primitive"), zap.String("session_id", sessionID)),
		sessionID: sessionID,
		hostRoot:  hostRoot,
	}

	containerID, err := p.createContainer(ctx)
	if err != nil {
		return nil, err
	}
	p.containerID = containerID

	if err := p.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		_ = p.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("starting container: %w", err)
	}

	p.logger.Info("environment container started", zap.String("container_id", containerID))
	return p, nil
}

func (p *DockerPrimitive) createContainer(ctx context.Context) (string, error) {
	image := p.cfg.RunnerImage
	mounts := []mount.Mount{
		{Type: mount.TypeBind, Source: filepath.Join(p.hostRoot, "app"), Target: "/app"},
		{Type: mount.TypeBind, Source: filepath.Join(p.hostRoot, "workspace"), Target: "/workspace"},
		{Type: mount.TypeBind, Source: filepath.Join(p.hostRoot, "mcps"), Target: "/mcps"},
	}

	resp, err := p.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      image,
			WorkingDir: "/workspace",
			Cmd:        []string{"sleep", "infinity"},
			Labels: map[string]string{
				"agentsession.session_id": p.sessionID,
			},
			Tty: false,
		},
		&container.HostConfig{
			Mounts:      mounts,
			NetworkMode: container.NetworkMode(p.cfg.DefaultNetwork),
			AutoRemove:  false,
		},
		nil, nil,
		fmt.Sprintf("agentsession-%s", shortID(p.sessionID)),
	)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}
	return resp.ID, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Exec runs argv inside the session's container via docker exec.
func (p *DockerPrimitive) Exec(ctx context.Context, argv []string, opts ExecOptions) (Process, error) {
	if p.isTerminated() {
		return nil, ErrTerminated
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("exec: empty argv")
	}

	cwd := "/workspace"
	if opts.Cwd != "" {
		cwd = opts.Cwd
	}

	execCfg := container.ExecOptions{
		Cmd:          argv,
		WorkingDir:   cwd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}

	created, err := p.cli.ContainerExecCreate(ctx, p.containerID, execCfg)
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	attached, err := p.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	return newDockerProcess(p.cli, created.ID, attached), nil
}

func (p *DockerPrimitive) ReadFile(_ context.Context, path string) (string, error) {
	data, err := os.ReadFile(filepath.Join(p.hostRoot, "workspace", path))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (p *DockerPrimitive) WriteFile(_ context.Context, path, content string) error {
	full := filepath.Join(p.hostRoot, "workspace", path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, []byte(content), 0o644)
}

// WriteFiles attempts every entry even if some fail (spec §4.1 partial-success contract).
func (p *DockerPrimitive) WriteFiles(ctx context.Context, files map[string]string) (WriteFilesResult, error) {
	var result WriteFilesResult
	for path, content := range files {
		if err := p.WriteFile(ctx, path, content); err != nil {
			result.Failed = append(result.Failed, FailedWrite{Path: path, Err: err})
			p.logger.Warn("failed to write workspace file", zap.String("path", path), zap.Error(err))
			continue
		}
		result.Success = append(result.Success, path)
	}
	return result, nil
}

func (p *DockerPrimitive) CreateDirectory(_ context.Context, path string) error {
	return os.MkdirAll(filepath.Join(p.hostRoot, "workspace", path), 0o755)
}

func (p *DockerPrimitive) ListFiles(_ context.Context, dir string, glob string) ([]string, error) {
	root := filepath.Join(p.hostRoot, "workspace", dir)
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // best-effort listing, skip unreadable entries
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if glob != "" {
			if ok, _ := filepath.Match(glob, filepath.Base(rel)); !ok {
				return nil
			}
		}
		files = append(files, rel)
		return nil
	})
	return files, err
}

func (p *DockerPrimitive) IsRunning(ctx context.Context) bool {
	if p.isTerminated() {
		return false
	}
	info, err := p.cli.ContainerInspect(ctx, p.containerID)
	if err != nil {
		return false
	}
	return info.State != nil && info.State.Running
}

func (p *DockerPrimitive) Poll(ctx context.Context) (*int, error) {
	if p.isTerminated() {
		code := -1
		return &code, nil
	}
	info, err := p.cli.ContainerInspect(ctx, p.containerID)
	if err != nil {
		return nil, err
	}
	if info.State != nil && info.State.Running {
		return nil, nil
	}
	code := 0
	if info.State != nil {
		code = info.State.ExitCode
	}
	return &code, nil
}

func (p *DockerPrimitive) Watch(ctx context.Context, path string, cb WatchCallback, opts WatchOptions) error {
	if p.isTerminated() {
		return ErrTerminated
	}

	root := filepath.Join(p.hostRoot, "workspace", path)
	w, err := newFSWatcher(root, p.hostRoot, cb, opts.IgnorePatterns, p.logger)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.watcher = w
	p.mu.Unlock()

	go w.run(ctx)
	return nil
}

func (p *DockerPrimitive) Terminate(ctx context.Context) error {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return nil
	}
	p.terminated = true
	watcher := p.watcher
	p.mu.Unlock()

	if watcher != nil {
		watcher.stop()
	}

	timeout := 10
	if err := p.cli.ContainerStop(ctx, p.containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		p.logger.Warn("graceful container stop failed, forcing removal", zap.Error(err))
	}
	if err := p.cli.ContainerRemove(ctx, p.containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("removing container: %w", err)
	}
	return nil
}

func (p *DockerPrimitive) isTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// dockerProcessImpl adapts a docker exec attachment to the Process
// interface. Docker multiplexes stdout/stderr over one connection using
// the standard 8-byte stream-header framing; stdcopy.StdCopy splits that
// into two pipes on attach so Stdout()/Stderr() can be read independently,
// matching the teacher's own demultiplexStream helper (internal/agent/
// docker/client.go) applied here to exec streams instead of container logs.
type dockerProcessImpl struct {
	cli      *dockerclient.Client
	execID   string
	attached dockerclient.HijackedResponse
	stdinMu  sync.Mutex

	stdoutR *io.PipeReader
	stderrR *io.PipeReader
}

func newDockerProcess(cli *dockerclient.Client, execID string, attached dockerclient.HijackedResponse) Process {
	stdoutW, stdoutR := io.Pipe()
	stderrW, stderrR := io.Pipe()

	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, attached.Reader)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	return &dockerProcessImpl{
		cli:      cli,
		execID:   execID,
		attached: attached,
		stdoutR:  stdoutR,
		stderrR:  stderrR,
	}
}

func (d *dockerProcessImpl) Stdout() io.Reader { return d.stdoutR }
func (d *dockerProcessImpl) Stderr() io.Reader { return d.stderrR }

func (d *dockerProcessImpl) WriteStdin(text string) error {
	d.stdinMu.Lock()
	defer d.stdinMu.Unlock()
	_, err := d.attached.Conn.Write([]byte(text))
	return err
}

func (d *dockerProcessImpl) CloseStdin() error {
	return d.attached.CloseWrite()
}

func (d *dockerProcessImpl) Wait(ctx context.Context) (int, error) {
	defer d.attached.Close()
	for {
		inspect, err := d.cli.ContainerExecInspect(ctx, d.execID)
		if err != nil {
			return -1, err
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
