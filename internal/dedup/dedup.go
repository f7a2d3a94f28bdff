// Package dedup implements CrashDeduplicator (spec.md §4.6), grounded on
// original_source/src/executor/crash_deduplicator.rs's dedup_crash: for
// each undeduplicated verified crash, run the configured comparator against
// every earlier verified crash for the same task until one returns a
// zero exit status (the diff(1) convention for "these two are the same").
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/config"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/executor"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/model"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/rpcapi"
)

const (
	candidateArgName = "crash.fuzzy"
	anchorArgName    = "original.fuzzy"

	// comparePurpose disambiguates the comparator executor from the
	// FuzzDriver's own main executor, which shares the same
	// workerTaskID/scratchRoot.
	comparePurpose = "dedup_compare"
)

// Deduplicator compares one newly verified crash against all earlier
// verified crashes of the same task, recording the first match as its
// Duplicate pointer.
type Deduplicator struct {
	client      *rpcapi.OrchestratorClient
	cfg         model.ExecutorConfig
	scratchRoot string
	volumeMap   []config.VolumeMapping
	logger      *slog.Logger
}

// New constructs a Deduplicator. workerTaskID (passed to Dedup) scopes the
// scratch cwd the comparator executor runs in; it does not otherwise
// participate in the comparison.
func New(client *rpcapi.OrchestratorClient, cfg model.ExecutorConfig, scratchRoot string,
	volumeMap []config.VolumeMapping, logger *slog.Logger) *Deduplicator {

	return &Deduplicator{client: client, cfg: cfg, scratchRoot: scratchRoot, volumeMap: volumeMap, logger: logger}
}

// Dedup fetches every verified, not-yet-duplicate crash for taskID and
// attempts to match crash (which must already be present in that set) against
// every verified crash with a strictly smaller ID. A match sets
// crash.Duplicate to the first earlier crash's ID and stops scanning: the
// comparison DAG only ever points to smaller IDs, so repeated runs always
// terminate.
func (d *Deduplicator) Dedup(ctx context.Context, taskID int64, crash model.Crash, workerTaskID int64) error {
	if crash.Output == nil {
		return nil
	}

	verified := true
	candidates, err := d.client.GetCrashes(ctx, &rpcapi.FilterCrash{TaskID: &taskID, Verified: &verified})
	if err != nil {
		return fmt.Errorf("list verified crashes for task %d: %w", taskID, err)
	}

	for _, other := range *candidates {
		if other.ID >= crash.ID || other.Output == nil {
			continue
		}
		dup, err := d.compare(ctx, workerTaskID, crash, other)
		if err != nil {
			if d.logger != nil {
				d.logger.Warn("crash comparator run failed, skipping pair",
					"crash_id", crash.ID, "other_id", other.ID, "error", err)
			}
			continue
		}
		if dup {
			duplicate := other.ID
			_, err := d.client.UpdateCrash(ctx, &rpcapi.PatchCrash{ID: crash.ID, Duplicate: &duplicate})
			if err != nil {
				return fmt.Errorf("record duplicate crash %d -> %d: %w", crash.ID, other.ID, err)
			}
			return nil
		}
	}
	return nil
}

// compare runs the configured comparator once with both crashes' captured
// outputs written into its scratch cwd, returning true (duplicate) iff the
// comparator exits zero.
func (d *Deduplicator) compare(ctx context.Context, workerTaskID int64, crash, other model.Crash) (bool, error) {
	cfg := d.cfg
	cfg.Args = append(append([]string{}, cfg.Args...), anchorArgName, candidateArgName)

	exec, err := executor.New(cfg, workerTaskID, d.scratchRoot, comparePurpose, d.volumeMap, d.logger)
	if err != nil {
		return false, fmt.Errorf("construct comparator executor: %w", err)
	}
	if err := exec.Setup(ctx); err != nil {
		return false, fmt.Errorf("setup comparator executor: %w", err)
	}
	defer func() {
		exec.Close()
		os.RemoveAll(exec.CwdPath())
	}()

	if err := os.WriteFile(filepath.Join(exec.CwdPath(), anchorArgName), []byte(*other.Output), 0o644); err != nil {
		return false, fmt.Errorf("write comparator anchor file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(exec.CwdPath(), candidateArgName), []byte(*crash.Output), 0o644); err != nil {
		return false, fmt.Errorf("write comparator candidate file: %w", err)
	}

	res, err := exec.SpawnBlocking(ctx)
	if err != nil {
		return false, fmt.Errorf("run comparator: %w", err)
	}
	return res.ExitStatus == 0, nil
}
