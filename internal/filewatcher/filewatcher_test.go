package filewatcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileFilters_BlacklistWinsOverWhitelist(t *testing.T) {
	f, err := CompileFilters(`\.fuzzy$`, `.*`)
	require.NoError(t, err)

	assert.False(t, f.accepts("abc.fuzzy"))
	assert.True(t, f.accepts("abc.txt"))
}

func TestCompileFilters_InvalidRegex(t *testing.T) {
	_, err := CompileFilters("(", "")
	require.Error(t, err)
}

func TestScanWatcher_EmitsFilesCreatedAfterConstruction(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pre-existing.txt"), []byte("x"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f, err := CompileFilters(`\.fuzzy$`, "")
	require.NoError(t, err)

	w := NewScanWatcher(ctx, dir, 20*time.Millisecond, f)
	defer w.Close()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("y"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.fuzzy"), []byte("z"), 0o644))

	select {
	case name := <-w.Files():
		assert.Equal(t, "new.txt", name)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for scan watcher to observe new file")
	}
}
