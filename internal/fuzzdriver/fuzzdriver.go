// Package fuzzdriver implements the FuzzDriver core state machine of
// spec.md §4.8, grounded on original_source/src/fuzz_driver/mod.rs's
// generic FuzzDriver::start and its libfuzzer.rs/honggfuzz.rs fix_args +
// default-stat-collector variants.
package fuzzdriver

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/config"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/corpussync"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/crashsync"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/executor"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/model"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/notify"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/rpcapi"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/stats"
)

// mainExecutorPurpose is the empty disambiguation suffix a FuzzDriver's own
// executor uses, preserving the original worker_task_<id> scratch directory
// layout; every collaborator that builds its own scratch executor
// (LCovCollector, crashsync's validator, dedup's comparator) must pass a
// distinct, non-empty purpose instead.
const mainExecutorPurpose = ""

// statUploadInterval matches the original's
// WORKER_FUZZDRIVER_STAT_UPLOAD_INTERVAL calibration.
const statUploadInterval = 30 * time.Second

const honggfuzzLogName = "honggfuzz.log"

// State is one node of the driver's lifecycle. Illegal transitions are a
// programming error, enforced by the single caller of Start.
type State int

const (
	StateNew State = iota
	StateConfigured
	StateSetup
	StateRunning
	StateDraining
	StateClosed
)

// Driver supervises one WorkerTask's fuzzer process end to end: executor,
// corpus sync, crash sync, and stats, under one cooperative cancellation.
type Driver struct {
	client       *rpcapi.OrchestratorClient
	cfg          model.FuzzConfig
	workerTaskID int64
	taskID       int64
	scratchRoot  string
	volumeMap    []config.VolumeMapping
	logger       *slog.Logger
	notifier     notify.CrashNotifier

	state State
}

// New constructs a Driver in state New. cfg should already be validated
// (model.ValidateFuzzConfig). volumeMap is the worker's configured
// host/container volume map, forwarded to every container executor this
// driver (or its collaborators) constructs.
func New(client *rpcapi.OrchestratorClient, cfg model.FuzzConfig, workerTaskID, taskID int64,
	scratchRoot string, volumeMap []config.VolumeMapping, logger *slog.Logger,
	notifier notify.CrashNotifier) *Driver {

	return &Driver{
		client:       client,
		cfg:          cfg,
		workerTaskID: workerTaskID,
		taskID:       taskID,
		scratchRoot:  scratchRoot,
		volumeMap:    volumeMap,
		logger:       logger,
		notifier:     notifier,
		state:        StateNew,
	}
}

// State reports the driver's current lifecycle node.
func (d *Driver) State() State { return d.state }

// fixArgs prepends driver-specific CLI flags, per spec.md §4.8(a).
func (d *Driver) fixArgs() {
	switch d.cfg.Driver {
	case model.DriverLibfuzzer:
		args := []string{fmt.Sprintf("-workers=%d", d.cfg.Execution.CPUs), "-reload=1"}
		d.cfg.Execution.Args = append(args, d.cfg.Execution.Args...)
	case model.DriverHonggfuzz:
		args := []string{"--logfile", honggfuzzLogName, "--threads", strconv.Itoa(d.cfg.Execution.CPUs)}
		d.cfg.Execution.Args = append(args, d.cfg.Execution.Args...)
	}
}

// Start runs the full lifecycle to completion: configure, setup, spawn,
// supervise, drain, close. It returns when the run is over for any reason
// (collaborator failure, child death, or killSwitch firing) — this return
// is the driver's death signal to its WorkerTaskManager. Start never
// restarts a collaborator in place; a fresh Driver must be constructed for
// the next attempt.
func (d *Driver) Start(ctx context.Context, killSwitch <-chan struct{}) error {
	d.fixArgs()
	d.state = StateConfigured

	exec, err := executor.New(d.cfg.Execution, d.workerTaskID, d.scratchRoot, mainExecutorPurpose, d.volumeMap, d.logger)
	if err != nil {
		return fmt.Errorf("construct executor: %w", err)
	}
	if err := exec.Setup(ctx); err != nil {
		return fmt.Errorf("executor setup: %w", err)
	}
	if err := exec.CreateRelativeDirp(d.cfg.Corpus.Path); err != nil {
		return fmt.Errorf("create corpus dir: %w", err)
	}
	if err := exec.CreateRelativeDirp(d.cfg.Crash.Path); err != nil {
		return fmt.Errorf("create crash dir: %w", err)
	}
	d.state = StateSetup

	corpusSync := corpussync.New(d.client, d.cfg.Corpus, d.workerTaskID, exec.CwdPath(), d.logger)
	crashSync := crashsync.New(d.client, d.cfg.Crash, d.workerTaskID, d.taskID, exec.CwdPath(), d.scratchRoot,
		d.volumeMap, d.logger, d.notifier)
	statsRunner := d.buildStatsRunner(exec)

	if err := corpusSync.InitialPull(ctx); err != nil {
		exec.Close()
		return fmt.Errorf("initial corpus pull: %w", err)
	}

	if err := exec.Spawn(ctx); err != nil {
		exec.Close()
		return fmt.Errorf("spawn executor: %w", err)
	}

	if err := d.client.UpdateWorkerTask(ctx, &rpcapi.PatchWorkerTask{ID: d.workerTaskID, Running: true}); err != nil {
		if d.logger != nil {
			d.logger.Warn("mark worker_task running failed", "worker_task_id", d.workerTaskID, "error", err)
		}
	}
	d.state = StateRunning

	runCtx, cancelRun := context.WithCancel(ctx)

	corpusDone := make(chan error, 1)
	crashDone := make(chan error, 1)
	var statsDone chan error
	execKill := make(chan struct{})
	runnerDone := make(chan error, 1)

	go func() { corpusDone <- corpusSync.Run(runCtx) }()
	go func() { crashDone <- crashSync.Run(runCtx) }()
	if statsRunner != nil {
		statsDone = make(chan error, 1)
		go func() { statsDone <- statsRunner.Run(runCtx) }()
	}
	go func() { runnerDone <- exec.Wait(runCtx, execKill) }()

	select {
	case err := <-corpusDone:
		if d.logger != nil {
			d.logger.Error("corpus sync ended run", "worker_task_id", d.workerTaskID, "error", err)
		}
	case err := <-crashDone:
		if d.logger != nil {
			d.logger.Error("crash sync ended run", "worker_task_id", d.workerTaskID, "error", err)
		}
	case err := <-statsDone:
		if d.logger != nil {
			d.logger.Error("stats collection ended run", "worker_task_id", d.workerTaskID, "error", err)
		}
	case err := <-runnerDone:
		if d.logger != nil {
			d.logger.Error("executor ended run", "worker_task_id", d.workerTaskID, "error", err)
		}
	case <-killSwitch:
		if d.logger != nil {
			d.logger.Info("driver received kill switch", "worker_task_id", d.workerTaskID)
		}
	}

	d.state = StateDraining
	cancelRun()
	close(execKill)

	if err := corpusSync.Close(ctx, corpusSync.LastPush()); err != nil && d.logger != nil {
		d.logger.Warn("final corpus flush failed", "worker_task_id", d.workerTaskID, "error", err)
	}
	if err := exec.RmRelativeDirp(d.cfg.Corpus.Path); err != nil && d.logger != nil {
		d.logger.Warn("corpus dir teardown failed", "worker_task_id", d.workerTaskID, "error", err)
	}
	if err := exec.Close(); err != nil && d.logger != nil {
		d.logger.Warn("executor close failed", "worker_task_id", d.workerTaskID, "error", err)
	}

	if err := d.client.UpdateWorkerTask(ctx, &rpcapi.PatchWorkerTask{ID: d.workerTaskID, Running: false}); err != nil && d.logger != nil {
		d.logger.Warn("mark worker_task inactive failed", "worker_task_id", d.workerTaskID, "error", err)
	}
	d.state = StateClosed
	return nil
}

// buildStatsRunner applies the driver-customization-vs-profile-override
// rule of spec.md §4.7: an explicit profile fuzz_stat collector always
// wins over the driver's default.
func (d *Driver) buildStatsRunner(exec executor.Executor) *stats.Runner {
	if d.cfg.FuzzStat != nil {
		collector := stats.NewLCovCollector(d.client, d.cfg.FuzzStat.Execution, d.workerTaskID,
			d.cfg.Corpus.Label, d.scratchRoot, d.volumeMap, d.logger)
		return stats.NewRunner(d.client, collector, d.workerTaskID, statUploadInterval, d.logger)
	}

	var collector stats.Collector
	switch d.cfg.Driver {
	case model.DriverLibfuzzer:
		collector = stats.NewLibFuzzerCollector(exec.CwdPath(), d.cfg.Execution.CPUs)
	case model.DriverHonggfuzz:
		collector = stats.NewHonggfuzzCollector(filepath.Join(exec.CwdPath(), honggfuzzLogName))
	default:
		return nil
	}
	return stats.NewRunner(d.client, collector, d.workerTaskID, statUploadInterval, d.logger)
}
