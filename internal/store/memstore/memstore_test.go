package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/model"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertWorker_IdempotentOnUUID(t *testing.T) {
	s := New()
	ctx := context.Background()

	w1, err := s.UpsertWorker(ctx, "uuid-1", 4, 1024)
	require.NoError(t, err)

	w2, err := s.UpsertWorker(ctx, "uuid-1", 8, 2048)
	require.NoError(t, err)

	assert.Equal(t, w1.ID, w2.ID)
	assert.Equal(t, 8, w2.CPUs)
}

func TestListFreeCPUs_SubtractsActiveWorkerTasks(t *testing.T) {
	s := New()
	ctx := context.Background()

	w, err := s.UpsertWorker(ctx, "uuid-1", 10, 0)
	require.NoError(t, err)

	task, err := s.UpsertTask(ctx, "task-a", `{}`)
	require.NoError(t, err)

	_, err = s.CreateWorkerTask(ctx, task.ID, w.ID, 4)
	require.NoError(t, err)

	free, err := s.ListFreeCPUs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, free[w.ID])
}

func TestFindInactiveWorkerTask_MatchesShapeOnActiveWorker(t *testing.T) {
	s := New()
	ctx := context.Background()

	w, err := s.UpsertWorker(ctx, "uuid-1", 10, 0)
	require.NoError(t, err)
	task, err := s.UpsertTask(ctx, "task-a", `{}`)
	require.NoError(t, err)

	wt, err := s.CreateWorkerTask(ctx, task.ID, w.ID, 4)
	require.NoError(t, err)
	require.NoError(t, s.SetWorkerTaskActive(ctx, wt.ID, false))

	found, err := s.FindInactiveWorkerTask(ctx, task.ID, 4)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, wt.ID, found.ID)

	none, err := s.FindInactiveWorkerTask(ctx, task.ID, 5)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestListWorkerTasksFor_IncludeIDsSurfacesRevoked(t *testing.T) {
	s := New()
	ctx := context.Background()

	w, err := s.UpsertWorker(ctx, "uuid-1", 10, 0)
	require.NoError(t, err)
	task, err := s.UpsertTask(ctx, "task-a", `{}`)
	require.NoError(t, err)
	wt, err := s.CreateWorkerTask(ctx, task.ID, w.ID, 4)
	require.NoError(t, err)

	active := false
	_, err = s.PatchTask(ctx, task.ID, &active, nil)
	require.NoError(t, err)

	// Task now inactive: not returned by the worker-uuid match, but still
	// surfaced via include_ids.
	got, err := s.ListWorkerTasksFor(ctx, "uuid-1", nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.ListWorkerTasksFor(ctx, "uuid-1", []int64{wt.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, wt.ID, got[0].ID)
}

func TestInsertCorpus_DedupesByChecksumAndLabel(t *testing.T) {
	s := New()
	ctx := context.Background()

	c1, err := s.InsertCorpus(ctx, model.Corpus{Checksum: "abc", Label: "l1", Content: []byte("x")})
	require.NoError(t, err)

	c2, err := s.InsertCorpus(ctx, model.Corpus{Checksum: "abc", Label: "l1", Content: []byte("x")})
	require.NoError(t, err)

	assert.Equal(t, c1.ID, c2.ID)
}

func TestQueryCorpus_FiltersByNotWorkerTaskID(t *testing.T) {
	s := New()
	ctx := context.Background()

	owner := int64(7)
	_, err := s.InsertCorpus(ctx, model.Corpus{Checksum: "a", Label: "l", WorkerTaskID: &owner})
	require.NoError(t, err)
	_, err = s.InsertCorpus(ctx, model.Corpus{Checksum: "b", Label: "l"})
	require.NoError(t, err)

	got, err := s.QueryCorpus(ctx, store.CorpusFilter{Label: "l", NotWorkerTaskID: &owner})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Checksum)
}

func TestMarkWorkerInactive_NotFound(t *testing.T) {
	s := New()
	err := s.MarkWorkerInactive(context.Background(), 999)
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))
}

func TestDeleteSysStatsOlderThan(t *testing.T) {
	s := New()
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	SetClockForTest(func() time.Time { return base })
	require.NoError(t, s.InsertSysStat(ctx, model.SysStat{WorkerID: 1}))

	SetClockForTest(func() time.Time { return base.Add(10 * 24 * time.Hour) })
	require.NoError(t, s.InsertSysStat(ctx, model.SysStat{WorkerID: 1}))
	t.Cleanup(func() { SetClockForTest(time.Now) })

	n, err := s.DeleteSysStatsOlderThan(ctx, base.Add(7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
