package stats

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/rpcapi"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLibFuzzerCollector_AveragesAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fuzz-0.log"), []byte(
		"#100 NEW cov: 10 ft: 3 corp: 2/2b exec/s: 200 rss: 30Mb L: 1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fuzz-1.log"), []byte(
		"#200 NEW cov: 20 ft: 3 corp: 2/2b exec/s: 400 rss: 50Mb L: 1\n"), 0o644))

	c := NewLibFuzzerCollector(dir, 2)
	stat, err := c.GetStat(context.Background())
	require.NoError(t, err)
	require.NotNil(t, stat)
	assert.Equal(t, int64(15), *stat.BranchCoverage)
	assert.Equal(t, int64(300), *stat.Execs)
	assert.Equal(t, int64(40), *stat.Memory)
}

func TestLibFuzzerCollector_ReturnsNilWhenTooFewLogs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fuzz-0.log"), []byte("cov: 1 exec/s: 1 rss: 1Mb\n"), 0o644))

	c := NewLibFuzzerCollector(dir, 2)
	stat, err := c.GetStat(context.Background())
	require.NoError(t, err)
	assert.Nil(t, stat)
}

func TestHonggfuzzCollector_ExtractsFourthTotField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "honggfuzz.log")
	require.NoError(t, os.WriteFile(path, []byte(
		"Size:27 (i,b,hw,ed,ip,cmp): 0/0/0/1/0/0, Tot:0/0/0/144/11/2408\n"+
			"Size:63 (i,b,hw,ed,ip,cmp): 0/0/0/2/0/0, Tot:0/0/0/149/11/2410\n"), 0o644))

	c := NewHonggfuzzCollector(path)
	stat, err := c.GetStat(context.Background())
	require.NoError(t, err)
	require.NotNil(t, stat)
	assert.Equal(t, int64(149), *stat.BranchCoverage)
}

func TestParseLCov_SumsHitCounts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.lcov")
	require.NoError(t, os.WriteFile(path, []byte(
		"DA:1,5\nDA:2,0\nBRDA:3,0,0,4\nBRDA:3,0,1,-\nFNDA:2,foo\nFNDA:0,bar\n"), 0o644))

	lh, bh, fh, err := parseLCov(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1), lh)
	assert.Equal(t, int64(1), bh)
	assert.Equal(t, int64(1), fh)
}

func TestRunner_StopsWhenContextCanceled(t *testing.T) {
	st := memstore.New()
	srv := rpcapi.NewServer("", nil, st, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	client := rpcapi.NewOrchestratorClient(ts.URL, nil)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fuzz-0.log"), []byte(
		"cov: 5 ft: 1 corp: 1/1b exec/s: 10 rss: 5Mb\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())

	collector := NewLibFuzzerCollector(dir, 1)
	r := NewRunner(client, collector, 7, 20*time.Millisecond, nil)

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(80 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
