package rpcapi

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestServer spins up a plain-HTTP httptest.Server hosting the same
// handler the mTLS Server would serve, so the RPC surface can be
// exercised without a real certificate chain.
func newTestServer(t *testing.T) (*httptest.Server, *OrchestratorClient, *CollectorClient) {
	t.Helper()
	st := memstore.New()
	srv := NewServer("", nil, st, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return ts, NewOrchestratorClient(ts.URL, nil), NewCollectorClient(ts.URL, nil)
}

func TestHeartbeat_UpsertsWorker(t *testing.T) {
	ctx := context.Background()
	_, _, collector := newTestServer(t)

	w1, err := collector.Heartbeat(ctx, &NewWorker{UUID: "worker-1", CPUs: 4, Memory: 1024})
	require.NoError(t, err)
	assert.NotZero(t, w1.ID)

	w2, err := collector.Heartbeat(ctx, &NewWorker{UUID: "worker-1", CPUs: 8, Memory: 2048})
	require.NoError(t, err)
	assert.Equal(t, w1.ID, w2.ID)
	assert.Equal(t, 8, w2.CPUs)
}

func TestSubmitTask_RejectsInvalidProfile(t *testing.T) {
	ctx := context.Background()
	_, orch, _ := newTestServer(t)

	_, err := orch.SubmitTask(ctx, &NewTask{Name: "t1", Profile: "not json"})
	require.Error(t, err)
}

func TestSubmitTask_AcceptsValidProfile(t *testing.T) {
	ctx := context.Background()
	_, orch, _ := newTestServer(t)

	profile := `{
		"execution": {"executor": "native", "cpus": 1, "executable": "./fuzz", "cwd": "."},
		"corpus": {"path": "corpus", "label": "l1", "refresh_interval_s": 30, "upload": true},
		"crash": {"path": "crashes", "label": "l1"}
	}`

	task, err := orch.SubmitTask(ctx, &NewTask{Name: "t1", Profile: profile})
	require.NoError(t, err)
	assert.Equal(t, "t1", task.Name)
	assert.True(t, task.Active)
}

func TestCorpusRoundTrip_GetAndDeleteDoNotCascadeToCrashes(t *testing.T) {
	ctx := context.Background()
	_, orch, _ := newTestServer(t)

	_, err := orch.SubmitCorpus(ctx, &NewCorpus{Content: []byte("seed"), Checksum: "abc", Label: "l1"})
	require.NoError(t, err)

	taskID := int64(1)
	_, err = orch.SubmitCrash(ctx, &NewCrash{Content: []byte("crash"), Checksum: "def", Label: "l1", TaskID: taskID})
	require.NoError(t, err)

	err = orch.DeleteCorpus(ctx, &FilterCorpus{Label: "l1"})
	require.NoError(t, err)

	corpora, err := orch.GetCorpus(ctx, &FilterCorpus{Label: "l1"})
	require.NoError(t, err)
	assert.Empty(t, *corpora)

	crashes, err := orch.GetCrashes(ctx, &FilterCrash{Label: "l1"})
	require.NoError(t, err)
	assert.Len(t, *crashes, 1)
}

func TestGetWorkerTask_EmptyForWorkerWithoutAssignments(t *testing.T) {
	ctx := context.Background()
	_, orch, collector := newTestServer(t)

	w, err := collector.Heartbeat(ctx, &NewWorker{UUID: "worker-1", CPUs: 4, Memory: 1024})
	require.NoError(t, err)
	_ = w

	got, err := orch.GetWorkerTask(ctx, &FilterWorkerTask{WorkerUUID: "worker-1"})
	require.NoError(t, err)
	assert.Empty(t, *got)
}
