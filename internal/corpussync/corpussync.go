// Package corpussync implements CorpusSynchronizer (spec.md §4.4),
// grounded on original_source/src/executor/corpus_syncer.rs's
// setup_corpus/upload/download/close, composed with internal/filewatcher
// for the push side's whitelist/blacklist scan.
package corpussync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/filewatcher"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/model"
	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/rpcapi"
)

// ownDownloadSuffix marks files this synchronizer writes, so the push
// watcher's blacklist can exclude them from re-upload (spec.md §4.4).
const ownDownloadSuffix = ".fuzzy"

// Synchronizer keeps a local directory consistent with the master's
// corpus store for one worker_task's configured label, and pushes new
// local samples.
type Synchronizer struct {
	client       *rpcapi.OrchestratorClient
	cfg          model.CorpusConfig
	workerTaskID int64
	absPath      string
	logger       *slog.Logger

	mu        sync.Mutex
	lastPull  time.Time
	lastPush  time.Time
}

// New constructs a Synchronizer. cwd is the executor's absolute cwd; the
// corpus directory is resolved as cwd/cfg.Path.
func New(client *rpcapi.OrchestratorClient, cfg model.CorpusConfig, workerTaskID int64, cwd string, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		client:       client,
		cfg:          cfg,
		workerTaskID: workerTaskID,
		absPath:      filepath.Join(cwd, cfg.Path),
		logger:       logger,
	}
}

// InitialPull downloads all corpus entries with label=L not already owned
// by this worker_task, writing each to {path}/{checksum}.fuzzy. Fatal on
// failure per spec.md §4.8 step 4 (the driver cannot fuzz without the
// seeds it was supposed to have).
func (s *Synchronizer) InitialPull(ctx context.Context) error {
	if err := s.pullSince(ctx, time.Time{}); err != nil {
		return fmt.Errorf("initial corpus pull: %w", err)
	}
	s.mu.Lock()
	s.lastPull = time.Now()
	s.mu.Unlock()
	return nil
}

func (s *Synchronizer) pullSince(ctx context.Context, since time.Time) error {
	notSelf := s.workerTaskID
	entries, err := s.client.GetCorpus(ctx, &rpcapi.FilterCorpus{
		Label:           s.cfg.Label,
		CreatedAfter:    since,
		NotWorkerTaskID: &notSelf,
	})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.absPath, 0o755); err != nil {
		return fmt.Errorf("mkdir corpus dir: %w", err)
	}
	for _, c := range *entries {
		dst := filepath.Join(s.absPath, c.Checksum+ownDownloadSuffix)
		if err := os.WriteFile(dst, c.Content, 0o644); err != nil {
			return fmt.Errorf("write corpus %s: %w", c.Checksum, err)
		}
	}
	return nil
}

// Run drives the pull loop and, if cfg.Upload is set, the push loop,
// until ctx is canceled. Both loops run as two cooperative goroutines
// sharing the same RPC client, per spec.md §4.4's concurrency note.
func (s *Synchronizer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pullLoop(ctx)
	}()

	if s.cfg.Upload {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.pushLoop(ctx)
		}()
	}

	wg.Wait()
	return ctx.Err()
}

func (s *Synchronizer) pullLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.RefreshIntervalS) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			since := s.lastPull
			s.mu.Unlock()

			if err := s.pullSince(ctx, since); err != nil {
				if s.logger != nil {
					s.logger.Warn("corpus pull failed, will retry next tick", "error", err)
				}
				continue
			}
			s.mu.Lock()
			s.lastPull = time.Now()
			s.mu.Unlock()
		}
	}
}

func (s *Synchronizer) pushLoop(ctx context.Context) {
	filters, err := filewatcher.CompileFilters(`\`+ownDownloadSuffix+`$`, s.cfg.UploadFilter)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("invalid upload_filter, push loop disabled", "error", err)
		}
		return
	}

	interval := time.Duration(s.cfg.RefreshIntervalS) * time.Second
	watcher := filewatcher.NewScanWatcher(ctx, s.absPath, interval, filters)
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case name, ok := <-watcher.Files():
			if !ok {
				return
			}
			s.uploadOne(ctx, name)
		}
	}
}

func (s *Synchronizer) uploadOne(ctx context.Context, name string) {
	path := filepath.Join(s.absPath, name)
	content, err := os.ReadFile(path)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("read corpus candidate failed, will be rediscovered next scan", "path", path, "error", err)
		}
		return
	}

	sum := sha256.Sum256(content)
	checksum := hex.EncodeToString(sum[:])
	workerTaskID := s.workerTaskID

	_, err = s.client.SubmitCorpus(ctx, &rpcapi.NewCorpus{
		Content:      content,
		Checksum:     checksum,
		Label:        s.cfg.Label,
		WorkerTaskID: &workerTaskID,
	})
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("corpus upload failed, will be rediscovered next scan", "path", path, "error", err)
		}
		return
	}

	s.mu.Lock()
	s.lastPush = time.Now()
	s.mu.Unlock()
}

// LastPush reports the time of the most recently successful upload, the
// lastUploadFloor a caller should pass to Close so its final pass only
// re-scans content this synchronizer hasn't already pushed.
func (s *Synchronizer) LastPush() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPush
}

// Close performs a final push pass from lastUploadFloor without the
// infinite loop, called on shutdown so in-flight samples are not lost.
func (s *Synchronizer) Close(ctx context.Context, lastUploadFloor time.Time) error {
	if !s.cfg.Upload {
		return nil
	}

	filters, err := filewatcher.CompileFilters(`\`+ownDownloadSuffix+`$`, s.cfg.UploadFilter)
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(s.absPath)
	if err != nil {
		return fmt.Errorf("read corpus dir on close: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().Before(lastUploadFloor) {
			continue
		}
		name := entry.Name()
		if !filters.Accepts(name) {
			continue
		}
		s.uploadOne(ctx, name)
	}
	return nil
}
