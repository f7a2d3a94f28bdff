// Package crashsync implements CrashSynchronizer (spec.md §4.5), grounded
// on original_source/src/executor/crash_syncer.rs: watch the crash
// directory, optionally validate each candidate in a scratch cwd, then
// upload it regardless of validation outcome.
package crashsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/config"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/dedup"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/executor"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/filewatcher"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/model"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/notify"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/rpcapi"
)

const validateArgName = "crash.fuzzy"

// validatePurpose disambiguates the validate executor from the FuzzDriver's
// own main executor, which shares the same workerTaskID/scratchRoot.
const validatePurpose = "crash_validate"

// Synchronizer watches a worker_task's crash directory and uploads each
// newly observed crashing input, validating it first when configured.
type Synchronizer struct {
	client       *rpcapi.OrchestratorClient
	cfg          model.CrashConfig
	workerTaskID int64
	taskID       int64
	absPath      string
	scratchRoot  string
	volumeMap    []config.VolumeMapping
	logger       *slog.Logger
	notifier     notify.CrashNotifier // optional, may be nil
	dedup        *dedup.Deduplicator  // optional, nil unless cfg.Deduplicate is set
}

// New constructs a Synchronizer. cwd is the executor's absolute cwd.
func New(client *rpcapi.OrchestratorClient, cfg model.CrashConfig, workerTaskID, taskID int64,
	cwd, scratchRoot string, volumeMap []config.VolumeMapping, logger *slog.Logger,
	notifier notify.CrashNotifier) *Synchronizer {

	s := &Synchronizer{
		client:       client,
		cfg:          cfg,
		workerTaskID: workerTaskID,
		taskID:       taskID,
		absPath:      filepath.Join(cwd, cfg.Path),
		scratchRoot:  scratchRoot,
		volumeMap:    volumeMap,
		logger:       logger,
		notifier:     notifier,
	}
	if cfg.Deduplicate != nil {
		s.dedup = dedup.New(client, *cfg.Deduplicate, scratchRoot, volumeMap, logger)
	}
	return s
}

// Run watches the crash directory until ctx is canceled, uploading each
// observed candidate.
func (s *Synchronizer) Run(ctx context.Context) error {
	filters, err := filewatcher.CompileFilters("", s.cfg.Filter)
	if err != nil {
		return fmt.Errorf("compile crash filter: %w", err)
	}

	if err := os.MkdirAll(s.absPath, 0o755); err != nil {
		return fmt.Errorf("mkdir crash dir: %w", err)
	}

	watcher, err := filewatcher.NewEventWatcher(ctx, s.absPath, filters)
	if err != nil {
		return fmt.Errorf("watch crash dir: %w", err)
	}
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case name, ok := <-watcher.Files():
			if !ok {
				return nil
			}
			s.handleOne(ctx, name)
		}
	}
}

func (s *Synchronizer) handleOne(ctx context.Context, name string) {
	path := filepath.Join(s.absPath, name)
	content, err := os.ReadFile(path)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("read crash candidate failed", "path", path, "error", err)
		}
		return
	}

	output, verified := s.validate(ctx, content)

	sum := sha256.Sum256(content)
	checksum := hex.EncodeToString(sum[:])
	workerTaskID := s.workerTaskID

	crash, err := s.client.SubmitCrash(ctx, &rpcapi.NewCrash{
		Content:      content,
		Checksum:     checksum,
		Label:        s.cfg.Label,
		Verified:     verified,
		Output:       output,
		WorkerTaskID: &workerTaskID,
		TaskID:       s.taskID,
	})
	if err != nil {
		// The upload is not retried: the watcher will not replay this
		// event, so a failed upload is only logged and this crash file
		// is not submitted.
		if s.logger != nil {
			s.logger.Error("crash upload failed", "path", path, "error", err)
		}
		return
	}

	if verified && s.notifier != nil {
		if err := s.notifier.NotifyCrash(ctx, s.taskID, *crash); err != nil && s.logger != nil {
			s.logger.Warn("crash notification failed", "crash_id", crash.ID, "error", err)
		}
	}

	if verified && s.dedup != nil {
		if err := s.dedup.Dedup(ctx, s.taskID, *crash, s.workerTaskID); err != nil && s.logger != nil {
			s.logger.Warn("crash dedup failed", "crash_id", crash.ID, "error", err)
		}
	}
}

// validate runs cfg.Validate (if configured) in a scratch cwd with the
// crash content written out and passed as the executable's last argument.
// A non-zero exit marks the crash verified; validator errors are treated
// as verified=false, output=nil (the upload still happens).
func (s *Synchronizer) validate(ctx context.Context, content []byte) (*string, bool) {
	if s.cfg.Validate == nil {
		return nil, false
	}

	cfg := *s.cfg.Validate
	cfg.Args = append(append([]string{}, cfg.Args...), validateArgName)

	exec, err := executor.New(cfg, s.workerTaskID, s.scratchRoot, validatePurpose, s.volumeMap, s.logger)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("crash validate executor construction failed", "error", err)
		}
		return nil, false
	}
	if err := exec.Setup(ctx); err != nil {
		if s.logger != nil {
			s.logger.Error("crash validate setup failed", "error", err)
		}
		return nil, false
	}
	defer func() {
		exec.Close()
		os.RemoveAll(exec.CwdPath())
	}()

	crashFile := filepath.Join(exec.CwdPath(), validateArgName)
	if err := os.WriteFile(crashFile, content, 0o644); err != nil {
		if s.logger != nil {
			s.logger.Error("write crash candidate into validate cwd failed", "error", err)
		}
		return nil, false
	}

	res, err := exec.SpawnBlocking(ctx)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("crash validate run failed", "error", err)
		}
		return nil, false
	}

	output := fmt.Sprintf("STDOUT\n------\n%s\nSTDERR\n------\n%s\n", res.Stdout, res.Stderr)
	verified := res.ExitStatus != 0
	return &output, verified
}
