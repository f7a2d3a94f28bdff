// Package blobstore implements the content archival side channel of
// SPEC_FULL.md §5.K: a periodic job that durably copies corpus and crash
// content to S3, grounded on the teacher's storage.go uploadObject. It is
// additive — the Store remains the only source of truth the Scheduler and
// RPC surface read from.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/store"
)

// s3Uploader is the subset of *manager.Uploader's surface Archiver needs,
// seamed out so tests can exercise archiveCorpus/archiveCrashes without a
// live AWS endpoint.
type s3Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Archiver periodically uploads newly created corpus/crash content to S3,
// keyed by checksum so re-runs are idempotent overwrites.
type Archiver struct {
	store    store.Store
	uploader s3Uploader
	bucket   string
	interval time.Duration
	logger   *slog.Logger

	lastCorpusAt time.Time
	lastCrashAt  time.Time
}

// New constructs an Archiver against the default AWS credential chain
// (environment, shared config, IMDS), the same resolution teacher's
// NewS3Store relies on.
func New(ctx context.Context, st store.Store, bucket string, interval time.Duration, logger *slog.Logger) (*Archiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &Archiver{
		store:    st,
		uploader: manager.NewUploader(s3.NewFromConfig(cfg)),
		bucket:   bucket,
		interval: interval,
		logger:   logger,
	}, nil
}

// Run ticks at a.interval until ctx is canceled, archiving whatever is new
// each pass. A single pass's error is logged, not fatal: the next tick
// retries from the same watermark.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.tick(ctx); err != nil && a.logger != nil {
				a.logger.Error("archival pass failed", "error", err)
			}
		}
	}
}

func (a *Archiver) tick(ctx context.Context) error {
	if err := a.archiveCorpus(ctx); err != nil {
		return fmt.Errorf("archive corpus: %w", err)
	}
	if err := a.archiveCrashes(ctx); err != nil {
		return fmt.Errorf("archive crashes: %w", err)
	}
	return nil
}

func (a *Archiver) archiveCorpus(ctx context.Context) error {
	entries, err := a.store.QueryCorpus(ctx, store.CorpusFilter{CreatedAfter: a.lastCorpusAt})
	if err != nil {
		return err
	}

	for _, c := range entries {
		key := fmt.Sprintf("corpus/%s", c.Checksum)
		if err := a.upload(ctx, key, c.Content); err != nil {
			return err
		}
		if c.CreatedAt.After(a.lastCorpusAt) {
			a.lastCorpusAt = c.CreatedAt
		}
	}
	return nil
}

func (a *Archiver) archiveCrashes(ctx context.Context) error {
	entries, err := a.store.QueryCrash(ctx, store.CrashFilter{CreatedAfter: a.lastCrashAt, DuplicateIncluded: true})
	if err != nil {
		return err
	}

	for _, c := range entries {
		key := fmt.Sprintf("crash/%s", c.Checksum)
		if err := a.upload(ctx, key, c.Content); err != nil {
			return err
		}
		if c.CreatedAt.After(a.lastCrashAt) {
			a.lastCrashAt = c.CreatedAt
		}
	}
	return nil
}

func (a *Archiver) upload(ctx context.Context, key string, content []byte) error {
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(content),
	})
	if err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", a.bucket, key, err)
	}
	if a.logger != nil {
		a.logger.Info("archived blob", "bucket", a.bucket, "key", key, "bytes", len(content))
	}
	return nil
}
