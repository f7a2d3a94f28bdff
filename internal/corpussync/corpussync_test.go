package corpussync

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/model"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/rpcapi"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *rpcapi.OrchestratorClient {
	t.Helper()
	st := memstore.New()
	srv := rpcapi.NewServer("", nil, st, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return rpcapi.NewOrchestratorClient(ts.URL, nil)
}

func TestInitialPull_WritesDownloadedCorpusWithFuzzySuffix(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	workerTaskID := int64(99)
	_, err := client.SubmitCorpus(ctx, &rpcapi.NewCorpus{Content: []byte("seed"), Checksum: "abc123", Label: "l1"})
	require.NoError(t, err)

	cwd := t.TempDir()
	cfg := model.CorpusConfig{Path: "corpus", Label: "l1", RefreshIntervalS: 1}
	s := New(client, cfg, workerTaskID, cwd, nil)

	require.NoError(t, s.InitialPull(ctx))

	data, err := os.ReadFile(filepath.Join(cwd, "corpus", "abc123.fuzzy"))
	require.NoError(t, err)
	assert.Equal(t, "seed", string(data))
}

func TestInitialPull_ExcludesOwnWorkerTask(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	owner := int64(1)
	_, err := client.SubmitCorpus(ctx, &rpcapi.NewCorpus{Content: []byte("mine"), Checksum: "own1", Label: "l1", WorkerTaskID: &owner})
	require.NoError(t, err)

	cwd := t.TempDir()
	cfg := model.CorpusConfig{Path: "corpus", Label: "l1", RefreshIntervalS: 1}
	s := New(client, cfg, owner, cwd, nil)

	require.NoError(t, s.InitialPull(ctx))

	_, err = os.Stat(filepath.Join(cwd, "corpus", "own1.fuzzy"))
	assert.True(t, os.IsNotExist(err))
}

func TestPushLoop_UploadsNewFileAndSkipsFuzzySuffix(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newTestClient(t)
	cwd := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(cwd, "corpus"), 0o755))

	cfg := model.CorpusConfig{Path: "corpus", Label: "l1", RefreshIntervalS: 1, Upload: true}
	s := New(client, cfg, 7, cwd, nil)

	go s.pushLoop(ctx)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(cwd, "corpus", "new-sample"), []byte("data"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cwd, "corpus", "downloaded.fuzzy"), []byte("skip"), 0o644))

	require.Eventually(t, func() bool {
		got, err := client.GetCorpus(ctx, &rpcapi.FilterCorpus{Label: "l1"})
		return err == nil && len(*got) == 1
	}, 3*time.Second, 50*time.Millisecond)
}

func TestClose_FlushesPendingUploadsWithoutLooping(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	cwd := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(cwd, "corpus"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cwd, "corpus", "pending"), []byte("data"), 0o644))

	cfg := model.CorpusConfig{Path: "corpus", Label: "l1", RefreshIntervalS: 30, Upload: true}
	s := New(client, cfg, 7, cwd, nil)

	require.NoError(t, s.Close(ctx, time.Now().Add(-time.Hour)))

	got, err := client.GetCorpus(ctx, &rpcapi.FilterCorpus{Label: "l1"})
	require.NoError(t, err)
	assert.Len(t, *got, 1)
}
