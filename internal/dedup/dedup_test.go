package dedup

import (
	"context"
	"net/http/httptest"
	"testing"

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

func submitVerified(t *testing.T, client *rpcapi.OrchestratorClient, taskID int64, checksum, output string) model.Crash {
	t.Helper()
	crash, err := client.SubmitCrash(context.Background(), &rpcapi.NewCrash{
		Content:  []byte(checksum),
		Checksum: checksum,
		Label:    "l1",
		Verified: true,
		Output:   &output,
		TaskID:   taskID,
	})
	require.NoError(t, err)
	return *crash
}

func TestDedup_ZeroExitMarksDuplicateOfSmallerID(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	anchor := submitVerified(t, client, 1, "a", "same output")
	candidate := submitVerified(t, client, 1, "b", "same output")

	cfg := model.ExecutorConfig{
		Executor: model.ExecutorNative,
		CPUs:     1,
		Exe:      "diff",
		Cwd:      ".",
	}
	d := New(client, cfg, t.TempDir(), nil, nil)
	require.NoError(t, d.Dedup(ctx, 1, candidate, 7))

	got, err := client.GetCrashes(ctx, &rpcapi.FilterCrash{Label: "l1", DuplicateIncluded: true})
	require.NoError(t, err)
	var patched *model.Crash
	for i := range *got {
		if (*got)[i].ID == candidate.ID {
			patched = &(*got)[i]
		}
	}
	require.NotNil(t, patched)
	require.NotNil(t, patched.Duplicate)
	assert.Equal(t, anchor.ID, *patched.Duplicate)
}

func TestDedup_NonZeroExitLeavesUndeduplicated(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	submitVerified(t, client, 1, "a", "output one")
	candidate := submitVerified(t, client, 1, "b", "output two")

	cfg := model.ExecutorConfig{
		Executor: model.ExecutorNative,
		CPUs:     1,
		Exe:      "diff",
		Cwd:      ".",
	}
	d := New(client, cfg, t.TempDir(), nil, nil)
	require.NoError(t, d.Dedup(ctx, 1, candidate, 7))

	got, err := client.GetCrashes(ctx, &rpcapi.FilterCrash{Label: "l1"})
	require.NoError(t, err)
	for _, c := range *got {
		if c.ID == candidate.ID {
			assert.Nil(t, c.Duplicate)
		}
	}
}
