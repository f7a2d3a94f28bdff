package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/config"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/model"
)

// dockerExecutor runs the configured executable inside a Docker container,
// adapted from the teacher's Container (container.go): same
// create/start/attach-logs/wait/stop shape, generalized to a
// deterministically-named, bind-mounted container instead of the
// teacher's fixed project/corpus binds.
type dockerExecutor struct {
	cfg          model.ExecutorConfig
	name         string
	hostCwd      string
	containerCwd string
	cli          *client.Client
	logger       *slog.Logger

	mu        sync.Mutex
	logs      io.ReadCloser
	stdout    chan string
	stderr    chan string
	failCount int
}

func newDockerExecutor(cfg model.ExecutorConfig, workerTaskID int64, scratchRoot, purpose string,
	volumeMap []config.VolumeMapping, logger *slog.Logger) (*dockerExecutor, error) {

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("new docker client: %w", err)
	}

	name := ContainerName(workerTaskID, purpose, cfg.Exe, cfg.Args)
	hostCwd := filepath.Join(scratchRoot, scratchDirName(workerTaskID, purpose))
	containerCwd, err := config.ResolveContainerPath(volumeMap, hostCwd)
	if err != nil {
		return nil, fmt.Errorf("resolve bind mount for %q: %w", hostCwd, err)
	}

	return &dockerExecutor{
		cfg:          cfg,
		name:         name,
		hostCwd:      hostCwd,
		containerCwd: containerCwd,
		cli:          cli,
		logger:       logger,
	}, nil
}

func (e *dockerExecutor) Setup(ctx context.Context) error {
	if err := os.MkdirAll(e.hostCwd, 0o755); err != nil {
		return err
	}

	// Reap a stale container left by a prior crashed run under the same
	// deterministic name.
	_ = e.cli.ContainerRemove(ctx, e.name, container.RemoveOptions{Force: true})

	reader, err := e.cli.ImagePull(ctx, e.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %q: %w", e.cfg.Image, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image %q: %w", e.cfg.Image, err)
	}
	return nil
}

func (e *dockerExecutor) CreateRelativeDirp(p string) error { return mkdirp(e.hostCwd, p) }
func (e *dockerExecutor) RmRelativeDirp(p string) error     { return rmrf(e.hostCwd, p) }
func (e *dockerExecutor) CwdPath() string                   { return e.hostCwd }

func (e *dockerExecutor) containerConfig() (*container.Config, *container.HostConfig) {
	envs := make([]string, 0, len(e.cfg.Envs))
	for k, v := range e.cfg.Envs {
		envs = append(envs, k+"="+v)
	}

	cfg := &container.Config{
		Image:        e.cfg.Image,
		Cmd:          append([]string{e.cfg.Exe}, e.cfg.Args...),
		WorkingDir:   filepath.Join(e.containerCwd, e.cfg.Cwd),
		User:         fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		AttachStdout: true,
		AttachStderr: true,
		Env:          envs,
	}
	hostCfg := &container.HostConfig{
		Binds: []string{fmt.Sprintf("%s:%s", e.hostCwd, e.containerCwd)},
		Resources: container.Resources{
			NanoCPUs: int64(e.cfg.CPUs) * 1_000_000_000,
		},
	}
	return cfg, hostCfg
}

func (e *dockerExecutor) create(ctx context.Context) error {
	cfg, hostCfg := e.containerConfig()
	_, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, e.name)
	if err != nil {
		return fmt.Errorf("create container %q: %w", e.name, err)
	}
	return nil
}

func (e *dockerExecutor) Spawn(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.create(ctx); err != nil {
		return err
	}
	if err := e.cli.ContainerStart(ctx, e.name, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %q: %w", e.name, err)
	}

	logs, err := e.cli.ContainerLogs(ctx, e.name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("attach logs for %q: %w", e.name, err)
	}

	e.logs = logs
	e.stdout = make(chan string, 64)
	e.stderr = make(chan string, 64)
	// Docker multiplexes stdout/stderr onto one stream when Tty is
	// unset; treat it as combined output on the stdout channel.
	go streamLines(logs, e.stdout)
	close(e.stderr)

	return nil
}

func (e *dockerExecutor) SpawnBlocking(ctx context.Context) (BlockingResult, error) {
	if err := e.create(ctx); err != nil {
		return BlockingResult{}, err
	}
	defer e.cli.ContainerRemove(context.Background(), e.name, container.RemoveOptions{Force: true})

	if err := e.cli.ContainerStart(ctx, e.name, container.StartOptions{}); err != nil {
		return BlockingResult{}, fmt.Errorf("start container %q: %w", e.name, err)
	}

	statusCh, errCh := e.cli.ContainerWait(ctx, e.name, container.WaitConditionNotRunning)
	var exitStatus int
	select {
	case err := <-errCh:
		return BlockingResult{}, fmt.Errorf("wait container %q: %w", e.name, err)
	case status := <-statusCh:
		exitStatus = int(status.StatusCode)
	}

	logs, err := e.cli.ContainerLogs(ctx, e.name, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return BlockingResult{ExitStatus: exitStatus}, nil
	}
	defer logs.Close()
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, logs)

	return BlockingResult{ExitStatus: exitStatus, Stdout: buf.Bytes()}, nil
}

func (e *dockerExecutor) StdoutLines() <-chan string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stdout
}

func (e *dockerExecutor) StderrLines() <-chan string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stderr
}

// Wait blocks on the Docker daemon's own ContainerWait primitive rather than
// polling: unlike the kubernetes engine (whose client has no blocking
// equivalent and so needs consecutiveMissesThreshold's poll hysteresis),
// ContainerWait already reports exit with no missed-check ambiguity.
func (e *dockerExecutor) Wait(ctx context.Context, killSwitch <-chan struct{}) error {
	statusCh, errCh := e.cli.ContainerWait(ctx, e.name, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("wait container %q: %w", e.name, err)
		}
		return nil
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return fmt.Errorf("container %q exited with status %d", e.name, status.StatusCode)
		}
		return nil
	case <-killSwitch:
		_ = e.cli.ContainerStop(context.Background(), e.name, container.StopOptions{})
		return nil
	case <-ctx.Done():
		_ = e.cli.ContainerStop(context.Background(), e.name, container.StopOptions{})
		return ctx.Err()
	}
}

// Close stops and removes the container by name; errors are logged, not
// propagated, matching spec.md §4.3's "idempotent teardown" contract.
func (e *dockerExecutor) Close() error {
	if err := e.cli.ContainerStop(context.Background(), e.name, container.StopOptions{}); err != nil && e.logger != nil {
		e.logger.Warn("stop container failed", "container", e.name, "error", err)
	}
	if err := e.cli.ContainerRemove(context.Background(), e.name, container.RemoveOptions{Force: true}); err != nil && e.logger != nil {
		e.logger.Warn("remove container failed", "container", e.name, "error", err)
	}
	return nil
}
