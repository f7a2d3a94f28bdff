package workertask

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/rpcapi"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProfile = `{
	"driver": "generic",
	"execution": {"executor": "native", "cpus": 1, "executable": "sleep", "args": ["30"], "cwd": "."},
	"corpus": {"path": "corpus", "label": "l1", "refresh_interval_s": 1},
	"crash": {"path": "crashes", "label": "l1"}
}`

func newTestFixture(t *testing.T) (*memstore.Store, *rpcapi.OrchestratorClient) {
	t.Helper()
	st := memstore.New()
	srv := rpcapi.NewServer("", nil, st, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return st, rpcapi.NewOrchestratorClient(ts.URL, nil)
}

func TestReconcile_StartsAndStopsAssignment(t *testing.T) {
	ctx := context.Background()
	st, client := newTestFixture(t)

	worker, err := st.UpsertWorker(ctx, "worker-a", 4, 1024)
	require.NoError(t, err)
	task, err := st.UpsertTask(ctx, "t1", testProfile)
	require.NoError(t, err)
	wt, err := st.CreateWorkerTask(ctx, task.ID, worker.ID, 1)
	require.NoError(t, err)
	require.NoError(t, st.SetWorkerTaskActive(ctx, wt.ID, true))

	m := New(client, "worker-a", t.TempDir(), nil, time.Second, nil, nil)
	require.NoError(t, m.reconcile(ctx))
	assert.Len(t, m.entries, 1)

	require.NoError(t, st.SetWorkerTaskActive(ctx, wt.ID, false))
	require.NoError(t, m.reconcile(ctx))
	assert.Empty(t, m.entries)
}

func TestReconcile_RestartsOnProfileChange(t *testing.T) {
	ctx := context.Background()
	st, client := newTestFixture(t)

	worker, err := st.UpsertWorker(ctx, "worker-a", 4, 1024)
	require.NoError(t, err)
	task, err := st.UpsertTask(ctx, "t1", testProfile)
	require.NoError(t, err)
	wt, err := st.CreateWorkerTask(ctx, task.ID, worker.ID, 1)
	require.NoError(t, err)
	require.NoError(t, st.SetWorkerTaskActive(ctx, wt.ID, true))

	m := New(client, "worker-a", t.TempDir(), nil, time.Second, nil, nil)
	require.NoError(t, m.reconcile(ctx))
	require.Len(t, m.entries, 1)
	firstUpdatedAt := m.entries[wt.ID].taskUpdatedAt

	// Force a distinguishable updated_at on the profile change.
	time.Sleep(2 * time.Millisecond)
	active := true
	profile := testProfile
	_, err = st.PatchTask(ctx, task.ID, &active, &profile)
	require.NoError(t, err)

	require.NoError(t, m.reconcile(ctx))
	require.Len(t, m.entries, 1)
	assert.True(t, m.entries[wt.ID].taskUpdatedAt.After(firstUpdatedAt))
}

func TestReconcile_SkipsUnparseableProfile(t *testing.T) {
	ctx := context.Background()
	st, client := newTestFixture(t)

	worker, err := st.UpsertWorker(ctx, "worker-a", 4, 1024)
	require.NoError(t, err)
	task, err := st.UpsertTask(ctx, "t1", "not json")
	require.NoError(t, err)
	wt, err := st.CreateWorkerTask(ctx, task.ID, worker.ID, 1)
	require.NoError(t, err)
	require.NoError(t, st.SetWorkerTaskActive(ctx, wt.ID, true))

	m := New(client, "worker-a", t.TempDir(), nil, time.Second, nil, nil)
	require.NoError(t, m.reconcile(ctx))
	assert.Empty(t, m.entries)
}

func TestRun_StopsAllDriversOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	st, client := newTestFixture(t)

	worker, err := st.UpsertWorker(context.Background(), "worker-a", 4, 1024)
	require.NoError(t, err)
	task, err := st.UpsertTask(context.Background(), "t1", testProfile)
	require.NoError(t, err)
	wt, err := st.CreateWorkerTask(context.Background(), task.ID, worker.ID, 1)
	require.NoError(t, err)
	require.NoError(t, st.SetWorkerTaskActive(context.Background(), wt.ID, true))

	m := New(client, "worker-a", t.TempDir(), nil, 10*time.Millisecond, nil, nil)

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// One reconcile tick (10ms interval) is enough to pick up the
	// assignment and spawn its driver before cancellation.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	assert.Empty(t, m.entries)
}
