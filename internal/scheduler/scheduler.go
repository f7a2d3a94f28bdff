// Package scheduler implements the master-side control loop of spec.md
// §4.10: revoke, deactivate, allocate, prune, on a fixed tick. It is the
// only component that legitimately calls store.SetWorkerTaskActive — every
// other caller only ever reads or sets the driver-reported Running flag.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/model"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/store"
)

// Scheduler runs the allocation loop against a Store. It holds no state of
// its own between ticks; every decision is recomputed from the Store.
type Scheduler struct {
	store            store.Store
	interval         time.Duration
	unreachableAfter time.Duration
	retention        time.Duration
	logger           *slog.Logger
}

// New constructs a Scheduler. unreachableAfter is the absolute duration a
// worker may go without a SysStat before it is deactivated (25x the
// heartbeat interval per spec.md §4.10, computed by the caller).
func New(st store.Store, interval, unreachableAfter, retention time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:            st,
		interval:         interval,
		unreachableAfter: unreachableAfter,
		retention:        retention,
		logger:           logger,
	}
}

// Run ticks Tick at s.interval until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil && s.logger != nil {
				s.logger.Error("scheduler tick failed", "error", err)
			}
		}
	}
}

// Tick runs one pass of the four-step algorithm: revoke stale assignments,
// deactivate unreachable workers, allocate, prune. Each step runs to
// completion even if an earlier step reports a per-task error, so one bad
// task cannot starve the rest of the fleet; Tick returns the first error
// encountered, if any, after every step has run.
func (s *Scheduler) Tick(ctx context.Context) error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	note(s.revokeStaleAssignments(ctx))
	note(s.deactivateUnreachableWorkers(ctx))
	note(s.allocate(ctx))
	note(s.prune(ctx))

	return firstErr
}

// revokeStaleAssignments deactivates every active WorkerTask belonging to a
// Task that is no longer active.
func (s *Scheduler) revokeStaleAssignments(ctx context.Context) error {
	tasks, err := s.store.FilterTasks(ctx, store.TaskFilter{})
	if err != nil {
		return err
	}

	for _, t := range tasks {
		if t.Active {
			continue
		}
		assigned, err := s.store.ListWorkerTasksForTask(ctx, t.ID)
		if err != nil {
			return err
		}
		for _, wt := range assigned {
			if !wt.Active {
				continue
			}
			if err := s.store.SetWorkerTaskActive(ctx, wt.ID, false); err != nil {
				return err
			}
			if s.logger != nil {
				s.logger.Info("revoked stale assignment", "worker_task_id", wt.ID, "task_id", t.ID)
			}
		}
	}
	return nil
}

// deactivateUnreachableWorkers marks inactive any Worker whose last SysStat
// predates the unreachable threshold, and deactivates all its WorkerTasks.
func (s *Scheduler) deactivateUnreachableWorkers(ctx context.Context) error {
	workers, err := s.store.ListActiveWorkers(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, w := range workers {
		lastSeen, ok, err := s.store.LastSysStatAt(ctx, w.ID)
		if err != nil {
			return err
		}
		if ok && now.Sub(lastSeen) < s.unreachableAfter {
			continue
		}

		if err := s.store.MarkWorkerInactive(ctx, w.ID); err != nil {
			return err
		}
		if s.logger != nil {
			s.logger.Warn("worker unreachable, deactivating", "worker_id", w.ID)
		}

		assigned, err := s.store.ListWorkerTasksForWorker(ctx, w.ID)
		if err != nil {
			return err
		}
		for _, wt := range assigned {
			if wt.Active {
				if err := s.store.SetWorkerTaskActive(ctx, wt.ID, false); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// allocate satisfies every active Task's CPU need, per Task, atomically: it
// either reactivates an inactive WorkerTask whose shape matches or creates a
// new one, and never partially allocates.
func (s *Scheduler) allocate(ctx context.Context) error {
	tasks, err := s.store.ListActiveTasks(ctx)
	if err != nil {
		return err
	}

	for _, t := range tasks {
		cfg, err := model.ParseFuzzConfig(t.Profile)
		if err != nil {
			if s.logger != nil {
				s.logger.Error("task has unparseable profile, skipping allocation", "task_id", t.ID, "error", err)
			}
			continue
		}

		used, err := s.store.SumActiveCPUsForTask(ctx, t.ID)
		if err != nil {
			return err
		}
		need := cfg.Execution.CPUs - used
		if need <= 0 {
			continue
		}

		reactivated, err := s.store.FindInactiveWorkerTask(ctx, t.ID, need)
		if err != nil {
			return err
		}
		if reactivated != nil {
			if err := s.store.SetWorkerTaskActive(ctx, reactivated.ID, true); err != nil {
				return err
			}
			if s.logger != nil {
				s.logger.Info("reactivated worker_task", "worker_task_id", reactivated.ID, "task_id", t.ID)
			}
			continue
		}

		free, err := s.store.ListFreeCPUs(ctx)
		if err != nil {
			return err
		}
		workerID, ok := firstFit(free, need)
		if !ok {
			if s.logger != nil {
				s.logger.Info("no worker fits task's cpu need, retrying next tick", "task_id", t.ID, "need", need)
			}
			continue
		}

		wt, err := s.store.CreateWorkerTask(ctx, t.ID, workerID, need)
		if err != nil {
			return err
		}
		if s.logger != nil {
			s.logger.Info("created worker_task", "worker_task_id", wt.ID, "task_id", t.ID, "worker_id", workerID, "cpus", need)
		}
	}
	return nil
}

// firstFit picks the lowest-ID worker with at least need free cpus. Store
// iteration order is unspecified, so the candidates are sorted by worker ID
// first to make the tie-break deterministic, per spec.md §4.10.
func firstFit(free map[int64]int, need int) (int64, bool) {
	ids := make([]int64, 0, len(free))
	for id := range free {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if free[id] >= need {
			return id, true
		}
	}
	return 0, false
}

// prune deletes SysStat and TraceEvent rows older than the retention
// period.
func (s *Scheduler) prune(ctx context.Context) error {
	cutoff := time.Now().Add(-s.retention)

	if _, err := s.store.DeleteSysStatsOlderThan(ctx, cutoff); err != nil {
		return err
	}
	if _, err := s.store.DeleteTraceEventsOlderThan(ctx, cutoff); err != nil {
		return err
	}
	return nil
}
