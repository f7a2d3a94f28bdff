package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/model"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProfile = `{
	"driver": "generic",
	"execution": {"executor": "native", "cpus": 2, "executable": "sleep", "args": ["30"], "cwd": "."},
	"corpus": {"path": "corpus", "label": "l1", "refresh_interval_s": 1},
	"crash": {"path": "crashes", "label": "l1"}
}`

func TestRevokeStaleAssignments_DeactivatesWorkerTaskOfInactiveTask(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()

	worker, err := st.UpsertWorker(ctx, "w1", 4, 1024)
	require.NoError(t, err)
	task, err := st.UpsertTask(ctx, "t1", testProfile)
	require.NoError(t, err)
	wt, err := st.CreateWorkerTask(ctx, task.ID, worker.ID, 2)
	require.NoError(t, err)

	active := false
	_, err = st.PatchTask(ctx, task.ID, &active, nil)
	require.NoError(t, err)

	s := New(st, time.Second, time.Hour, 7*24*time.Hour, nil)
	require.NoError(t, s.revokeStaleAssignments(ctx))

	got, err := st.ListWorkerTasksForTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, wt.ID, got[0].ID)
	assert.False(t, got[0].Active)
}

func TestDeactivateUnreachableWorkers_NeverReportedIsDeactivated(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()

	worker, err := st.UpsertWorker(ctx, "w1", 4, 1024)
	require.NoError(t, err)
	task, err := st.UpsertTask(ctx, "t1", testProfile)
	require.NoError(t, err)
	wt, err := st.CreateWorkerTask(ctx, task.ID, worker.ID, 2)
	require.NoError(t, err)

	s := New(st, time.Second, time.Hour, 7*24*time.Hour, nil)
	require.NoError(t, s.deactivateUnreachableWorkers(ctx))

	workers, err := st.ListActiveWorkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, workers)

	got, err := st.ListWorkerTasksForWorker(ctx, worker.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, wt.ID, got[0].ID)
	assert.False(t, got[0].Active)
}

func TestDeactivateUnreachableWorkers_RecentHeartbeatStaysActive(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()

	worker, err := st.UpsertWorker(ctx, "w1", 4, 1024)
	require.NoError(t, err)
	require.NoError(t, st.InsertSysStat(ctx, model.SysStat{WorkerID: worker.ID, CPUUsage: 0.1, MemUsage: 0.1}))

	s := New(st, time.Second, time.Hour, 7*24*time.Hour, nil)
	require.NoError(t, s.deactivateUnreachableWorkers(ctx))

	workers, err := st.ListActiveWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.True(t, workers[0].Active)
}

func TestAllocate_CreatesNewWorkerTaskWhenNoneToReactivate(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()

	worker, err := st.UpsertWorker(ctx, "w1", 4, 1024)
	require.NoError(t, err)
	task, err := st.UpsertTask(ctx, "t1", testProfile)
	require.NoError(t, err)

	s := New(st, time.Second, time.Hour, 7*24*time.Hour, nil)
	require.NoError(t, s.allocate(ctx))

	got, err := st.ListWorkerTasksForTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, worker.ID, got[0].WorkerID)
	assert.Equal(t, 2, got[0].CPUs)
	assert.True(t, got[0].Active)
}

func TestAllocate_ReactivatesMatchingInactiveWorkerTaskBeforeCreatingNew(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()

	worker, err := st.UpsertWorker(ctx, "w1", 4, 1024)
	require.NoError(t, err)
	task, err := st.UpsertTask(ctx, "t1", testProfile)
	require.NoError(t, err)
	wt, err := st.CreateWorkerTask(ctx, task.ID, worker.ID, 2)
	require.NoError(t, err)
	require.NoError(t, st.SetWorkerTaskActive(ctx, wt.ID, false))

	s := New(st, time.Second, time.Hour, 7*24*time.Hour, nil)
	require.NoError(t, s.allocate(ctx))

	got, err := st.ListWorkerTasksForTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, got, 1, "no new worker_task should have been created")
	assert.Equal(t, wt.ID, got[0].ID)
	assert.True(t, got[0].Active)
}

func TestAllocate_SkipsWhenNoWorkerFits(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()

	_, err := st.UpsertWorker(ctx, "w1", 1, 1024)
	require.NoError(t, err)
	task, err := st.UpsertTask(ctx, "t1", testProfile) // needs 2 cpus
	require.NoError(t, err)

	s := New(st, time.Second, time.Hour, 7*24*time.Hour, nil)
	require.NoError(t, s.allocate(ctx))

	got, err := st.ListWorkerTasksForTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPrune_DeletesOldSysStatsAndTraceEvents(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()

	base := time.Now().Add(-8 * 24 * time.Hour)
	memstore.SetClockForTest(func() time.Time { return base })
	require.NoError(t, st.InsertSysStat(ctx, model.SysStat{WorkerID: 1}))
	require.NoError(t, st.InsertTraceEvent(ctx, model.TraceEvent{WorkerID: 1}))
	memstore.SetClockForTest(time.Now)
	t.Cleanup(func() { memstore.SetClockForTest(time.Now) })

	s := New(st, time.Second, time.Hour, 7*24*time.Hour, nil)
	require.NoError(t, s.prune(ctx))

	n, err := st.DeleteSysStatsOlderThan(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "already pruned")
}
