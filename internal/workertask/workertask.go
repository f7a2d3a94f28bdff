// Package workertask implements the WorkerTaskManager reconciliation loop
// of spec.md §4.9, grounded on the teacher's worker.go WorkerGroup/TaskQueue
// shape (a fixed-membership supervisor polling a shared source of truth)
// and on original_source/src/common/worker_tasks.rs's active/inactive
// patching convention.
package workertask

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/config"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/fuzzdriver"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/model"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/notify"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/rpcapi"
)

// entry is the manager's bookkeeping for one started driver: the profile
// version it was started with, the kill switch to stop it, and the channel
// its Start goroutine reports completion on.
type entry struct {
	taskUpdatedAt time.Time
	kill          chan struct{}
	done          chan error
}

// Manager runs one worker's reconciliation loop: it owns no fuzzing state
// itself, only the in-memory map of currently-running FuzzDriver instances
// and the tick that keeps that map in sync with the Scheduler's intent.
type Manager struct {
	client      *rpcapi.OrchestratorClient
	workerUUID  string
	scratchRoot string
	volumeMap   []config.VolumeMapping
	interval    time.Duration
	logger      *slog.Logger
	notifier    notify.CrashNotifier

	entries map[int64]*entry
}

// New constructs a Manager for one worker identity. scratchRoot is the base
// directory each FuzzDriver's Executor derives its own worker_task-scoped
// cwd from; volumeMap is the worker's configured host/container volume map,
// forwarded to every container Executor a started FuzzDriver constructs.
func New(client *rpcapi.OrchestratorClient, workerUUID, scratchRoot string, volumeMap []config.VolumeMapping,
	interval time.Duration, logger *slog.Logger, notifier notify.CrashNotifier) *Manager {

	return &Manager{
		client:      client,
		workerUUID:  workerUUID,
		scratchRoot: scratchRoot,
		volumeMap:   volumeMap,
		interval:    interval,
		logger:      logger,
		notifier:    notifier,
		entries:     make(map[int64]*entry),
	}
}

// Run ticks reconcile at m.interval until ctx is canceled. Every driver it
// has started is stopped (kill sent, drain awaited) before Run returns, so
// a canceled Manager leaves no orphaned FuzzDriver behind.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			return ctx.Err()
		case <-ticker.C:
			if err := m.reconcile(ctx); err != nil && m.logger != nil {
				m.logger.Error("reconcile failed", "worker_uuid", m.workerUUID, "error", err)
			}
		}
	}
}

func (m *Manager) trackedIDs() []int64 {
	ids := make([]int64, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	return ids
}

// reconcile runs one tick of the §4.9 algorithm: stops first, then
// health-checks and restarts, then starts. Ordering maximises free
// resources before new work is attempted.
func (m *Manager) reconcile(ctx context.Context) error {
	assignments, err := m.client.GetWorkerTask(ctx, &rpcapi.FilterWorkerTask{
		WorkerUUID:    m.workerUUID,
		WorkerTaskIDs: m.trackedIDs(),
	})
	if err != nil {
		return err
	}

	byID := make(map[int64]model.WorkerTask, len(*assignments))
	for _, a := range *assignments {
		byID[a.ID] = a
	}

	// Pass 1: stops.
	for id, e := range m.entries {
		a, known := byID[id]
		if known && !a.Active {
			m.stop(id, e)
		}
	}

	// Pass 2: restarts and health-checks.
	for id, e := range m.entries {
		a, known := byID[id]
		if !known || !a.Active {
			continue
		}
		if !e.taskUpdatedAt.Equal(a.Task.UpdatedAt) {
			m.stop(id, e)
			m.start(ctx, a)
			continue
		}
		select {
		case err := <-e.done:
			if m.logger != nil {
				m.logger.Warn("fuzz driver died", "worker_task_id", id, "error", err)
			}
			delete(m.entries, id)
		default:
			// Alive, do nothing.
		}
	}

	// Pass 3: starts.
	for id, a := range byID {
		if _, tracked := m.entries[id]; tracked {
			continue
		}
		if !a.Active {
			continue
		}
		m.start(ctx, a)
	}

	return nil
}

// stop sends the kill signal and awaits the driver's drain before removing
// it from the map, per spec.md §5's ordering guarantee: a driver is never
// started for an assignment while the previous one is still draining.
func (m *Manager) stop(id int64, e *entry) {
	close(e.kill)
	<-e.done
	delete(m.entries, id)
}

func (m *Manager) stopAll() {
	for id, e := range m.entries {
		m.stop(id, e)
	}
}

// start deserializes the assignment's profile, constructs a FuzzDriver, and
// spawns it in its own goroutine, recording the handle needed to stop or
// health-check it on later ticks.
func (m *Manager) start(ctx context.Context, a model.WorkerTask) {
	cfg, err := model.ParseFuzzConfig(a.Task.Profile)
	if err != nil {
		if m.logger != nil {
			m.logger.Error("bad profile, skipping assignment", "worker_task_id", a.ID, "error", err)
		}
		return
	}

	d := fuzzdriver.New(m.client, *cfg, a.ID, a.TaskID, m.scratchRoot, m.volumeMap, m.logger, m.notifier)

	e := &entry{
		taskUpdatedAt: a.Task.UpdatedAt,
		kill:          make(chan struct{}),
		done:          make(chan error, 1),
	}
	m.entries[a.ID] = e

	go func() { e.done <- d.Start(ctx, e.kill) }()
}
