package blobstore

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/model"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeUploader) Upload(_ context.Context, input *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if input.Body != nil {
		_, _ = io.ReadAll(input.Body)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, *input.Key)
	return &manager.UploadOutput{}, nil
}

func (f *fakeUploader) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.keys))
	copy(out, f.keys)
	return out
}

func TestArchiveCorpus_UploadsAndAdvancesWatermark(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()

	_, err := st.InsertCorpus(ctx, model.Corpus{Content: []byte("seed"), Checksum: "abc", Label: "l1"})
	require.NoError(t, err)

	up := &fakeUploader{}
	a := &Archiver{store: st, uploader: up, bucket: "bkt", interval: time.Second}

	require.NoError(t, a.archiveCorpus(ctx))
	assert.Equal(t, []string{"corpus/abc"}, up.snapshot())
	assert.False(t, a.lastCorpusAt.IsZero())

	// A second pass with nothing new uploads nothing further.
	require.NoError(t, a.archiveCorpus(ctx))
	assert.Len(t, up.snapshot(), 1)
}

func TestArchiveCrashes_IncludesDuplicates(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()

	verified := true
	anchor, err := st.InsertCrash(ctx, model.Crash{Content: []byte("x"), Checksum: "c1", Label: "l1", Verified: verified, TaskID: 1})
	require.NoError(t, err)
	_, err = st.InsertCrash(ctx, model.Crash{Content: []byte("x"), Checksum: "c2", Label: "l1", Verified: verified, TaskID: 1, Duplicate: &anchor.ID})
	require.NoError(t, err)

	up := &fakeUploader{}
	a := &Archiver{store: st, uploader: up, bucket: "bkt", interval: time.Second}

	require.NoError(t, a.archiveCrashes(ctx))
	assert.Equal(t, []string{"crash/c1", "crash/c2"}, up.snapshot())
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	st := memstore.New()
	a := &Archiver{store: st, uploader: &fakeUploader{}, bucket: "bkt", interval: 10 * time.Millisecond}

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
