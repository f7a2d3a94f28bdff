package executor

import (
	"context"
	"testing"
	"time"

	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainerName_DeterministicOnShape(t *testing.T) {
	n1 := ContainerName(1, "", "./fuzz", []string{"-a", "b"})
	n2 := ContainerName(1, "", "./fuzz", []string{"-a", "b"})
	n3 := ContainerName(2, "", "./fuzz", []string{"-a", "b"})

	assert.Equal(t, n1, n2)
	assert.NotEqual(t, n1, n3)
}

func TestContainerName_DistinguishesPurpose(t *testing.T) {
	main := ContainerName(1, "", "./fuzz", []string{"-a", "b"})
	replay := ContainerName(1, "lcov_replay", "./fuzz", []string{"-a", "b"})

	assert.NotEqual(t, main, replay)
}

func TestNativeExecutor_SpawnBlockingCapturesExitStatus(t *testing.T) {
	dir := t.TempDir()
	cfg := model.ExecutorConfig{
		Executor: model.ExecutorNative,
		CPUs:     1,
		Exe:      "sh",
		Args:     []string{"-c", "echo hello; exit 3"},
		Cwd:      ".",
	}

	e := newNativeExecutor(cfg, 1, dir, "", nil)
	require.NoError(t, e.Setup(context.Background()))

	res, err := e.SpawnBlocking(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitStatus)
	assert.Contains(t, string(res.Stdout), "hello")
}

func TestNativeExecutor_WaitRespectsKillSwitch(t *testing.T) {
	dir := t.TempDir()
	cfg := model.ExecutorConfig{
		Executor: model.ExecutorNative,
		CPUs:     1,
		Exe:      "sleep",
		Args:     []string{"30"},
		Cwd:      ".",
	}

	e := newNativeExecutor(cfg, 1, dir, "", nil)
	require.NoError(t, e.Setup(context.Background()))
	require.NoError(t, e.Spawn(context.Background()))

	kill := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- e.Wait(context.Background(), kill) }()

	close(kill)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after kill switch fired")
	}
}

func TestNativeExecutor_CreateAndRmRelativeDirp(t *testing.T) {
	dir := t.TempDir()
	e := newNativeExecutor(model.ExecutorConfig{Exe: "true"}, 1, dir, "", nil)
	require.NoError(t, e.Setup(context.Background()))

	require.NoError(t, e.CreateRelativeDirp("corpus"))
	require.NoError(t, e.RmRelativeDirp("corpus"))
}
