// Package executor implements the Executor capability set of spec.md §4.3
// for the two variants the profile can select: native (os/exec) and
// container (docker or kubernetes engine, chosen by ExecutorConfig.Engine).
package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/config"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/model"
)

// BlockingResult is returned by SpawnBlocking: validate/dedup/stat-
// collection executions that run to completion rather than being
// supervised.
type BlockingResult struct {
	ExitStatus int
	Stdout     []byte
	Stderr     []byte
}

// Executor is the capability set a FuzzDriver and its collaborators use to
// run a configured executable, polymorphic over {native, container}.
type Executor interface {
	// Setup prepares the cwd (and, for the docker engine, pulls the image;
	// a pull failure is fatal per spec.md §7).
	Setup(ctx context.Context) error

	// CreateRelativeDirp / RmRelativeDirp mkdir-p / rm-r a path resolved
	// under cwd.
	CreateRelativeDirp(p string) error
	RmRelativeDirp(p string) error

	// Spawn launches the configured executable non-blocking, returning
	// once the child is reported running.
	Spawn(ctx context.Context) error

	// SpawnBlocking launches the configured executable and waits for it
	// to finish, capturing its output. Used for validate/dedup/stat
	// collection.
	SpawnBlocking(ctx context.Context) (BlockingResult, error)

	// StdoutLines / StderrLines return line-oriented channels for the
	// most recent Spawn, drained concurrently to prevent pipe stall.
	StdoutLines() <-chan string
	StderrLines() <-chan string

	// CwdPath returns the absolute path synchronizers should operate
	// under.
	CwdPath() string

	// Wait completes when the child is observed terminated or
	// killSwitch fires.
	Wait(ctx context.Context, killSwitch <-chan struct{}) error

	// Close idempotently tears the executor down. Errors are logged,
	// not propagated (container close especially).
	Close() error
}

// New constructs the Executor variant named by cfg.Executor. purpose
// disambiguates this executor's scratch cwd (and, for container variants,
// its name) from any other executor sharing workerTaskID/scratchRoot; pass
// "" for a FuzzDriver's own main executor, and a short label ("lcov_replay",
// "crash_validate", "dedup_compare", ...) for every other collaborator that
// builds one, so the two never collide on the same directory. volumeMap is
// only consulted by the container variants, to resolve the container-side
// mount point for the host scratch cwd.
func New(cfg model.ExecutorConfig, workerTaskID int64, scratchRoot, purpose string,
	volumeMap []config.VolumeMapping, logger *slog.Logger) (Executor, error) {

	switch cfg.Executor {
	case model.ExecutorNative:
		return newNativeExecutor(cfg, workerTaskID, scratchRoot, purpose, logger), nil
	case model.ExecutorContainer:
		switch cfg.Engine {
		case model.EngineKubernetes:
			return newKubernetesExecutor(cfg, workerTaskID, scratchRoot, purpose, volumeMap, logger)
		case model.EngineDocker, "":
			return newDockerExecutor(cfg, workerTaskID, scratchRoot, purpose, volumeMap, logger)
		default:
			return nil, fmt.Errorf("unrecognized container engine %q", cfg.Engine)
		}
	default:
		return nil, fmt.Errorf("unrecognized executor %q", cfg.Executor)
	}
}

// scratchDirName names the worker_task-scoped scratch directory a native or
// container executor operates in. purpose=="" reproduces the original
// worker_task_<id> directory a FuzzDriver's main executor has always used;
// any other purpose gets its own sibling directory so concurrent scratch
// executors (lcov replay, crash validate, dedup compare) never share a cwd
// with the live fuzzer or each other.
func scratchDirName(workerTaskID int64, purpose string) string {
	if purpose == "" {
		return fmt.Sprintf("worker_task_%d", workerTaskID)
	}
	return fmt.Sprintf("worker_task_%d_%s", workerTaskID, purpose)
}

// streamLines copies r line-by-line onto ch, closing ch on EOF. Intended
// to run in its own goroutine per spec.md §4.3's "drained concurrently to
// prevent pipe stall" requirement.
func streamLines(r io.Reader, ch chan<- string) {
	defer close(ch)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		ch <- scanner.Text()
	}
}

func mkdirp(base, rel string) error {
	return os.MkdirAll(filepath.Join(base, rel), 0o755)
}

func rmrf(base, rel string) error {
	return os.RemoveAll(filepath.Join(base, rel))
}
