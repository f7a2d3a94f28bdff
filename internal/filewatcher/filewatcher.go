// Package filewatcher implements the two FileWatcher modes of spec.md
// §4.2: an fsnotify-backed event mode (the idiomatic Go analogue of the
// original's inotify usage, original_source/src/executor/file_watcher.rs)
// and a scan mode that re-lists a directory and filters by mtime, for
// platforms or deployments where an event API is unavailable.
package filewatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/fsnotify/fsnotify"
)

// eventBufferSize matches the original's 4096-byte inotify buffer budget,
// translated into "events buffered before a slow consumer blocks the
// watcher".
const eventBufferSize = 4096 / 32

// Watcher produces a sequence of filenames created in a directory after
// construction, filtered by an optional blacklist/whitelist regex pair.
// Both default to accept-all. Finite only after Close.
type Watcher interface {
	// Files returns a channel of newly observed filenames (not full
	// paths). The channel closes when the watcher is closed or its
	// context is canceled.
	Files() <-chan string
	Close() error
}

// Filters holds the accept-set regexes shared by both watcher modes.
type Filters struct {
	Blacklist *regexp.Regexp // must NOT match
	Whitelist *regexp.Regexp // must match
}

// Accepts reports whether name passes both the blacklist and whitelist.
func (f Filters) Accepts(name string) bool { return f.accepts(name) }

func (f Filters) accepts(name string) bool {
	if f.Blacklist != nil && f.Blacklist.MatchString(name) {
		return false
	}
	if f.Whitelist != nil && !f.Whitelist.MatchString(name) {
		return false
	}
	return true
}

// CompileFilters compiles optional blacklist/whitelist regex strings,
// leaving a nil *regexp.Regexp (accept-all) for each empty pattern.
func CompileFilters(blacklist, whitelist string) (Filters, error) {
	var f Filters
	var err error
	if blacklist != "" {
		f.Blacklist, err = regexp.Compile(blacklist)
		if err != nil {
			return Filters{}, fmt.Errorf("compile blacklist: %w", err)
		}
	}
	if whitelist != "" {
		f.Whitelist, err = regexp.Compile(whitelist)
		if err != nil {
			return Filters{}, fmt.Errorf("compile whitelist: %w", err)
		}
	}
	return f, nil
}

// eventWatcher is the fsnotify-backed event mode.
type eventWatcher struct {
	fsw    *fsnotify.Watcher
	out    chan string
	done   chan struct{}
}

// NewEventWatcher subscribes to create events in dir. Emits exactly once
// per create event observed, matching the original's "create events only"
// contract.
func NewEventWatcher(ctx context.Context, dir string, f Filters) (Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("new fsnotify watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %q: %w", dir, err)
	}

	w := &eventWatcher{
		fsw:  fsw,
		out:  make(chan string, eventBufferSize),
		done: make(chan struct{}),
	}
	go w.loop(ctx, f)
	return w, nil
}

func (w *eventWatcher) loop(ctx context.Context, f Filters) {
	defer close(w.out)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Create == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			if !f.accepts(name) {
				continue
			}
			select {
			case w.out <- name:
			case <-ctx.Done():
				return
			case <-w.done:
				return
			}
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *eventWatcher) Files() <-chan string { return w.out }

func (w *eventWatcher) Close() error {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	return w.fsw.Close()
}

// scanWatcher re-lists dir on a fixed interval, emitting entries created
// since the last scan that pass the filters.
type scanWatcher struct {
	out    chan string
	cancel context.CancelFunc
}

// NewScanWatcher polls dir every interval, starting from the time of
// construction as the initial marker.
func NewScanWatcher(ctx context.Context, dir string, interval time.Duration, f Filters) Watcher {
	ctx, cancel := context.WithCancel(ctx)
	w := &scanWatcher{out: make(chan string, eventBufferSize), cancel: cancel}
	go w.loop(ctx, dir, interval, f)
	return w
}

func (w *scanWatcher) loop(ctx context.Context, dir string, interval time.Duration, f Filters) {
	defer close(w.out)
	marker := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			next := time.Now()
			entries, err := os.ReadDir(dir)
			if err != nil {
				continue
			}
			for _, entry := range entries {
				if entry.IsDir() {
					continue
				}
				if !f.accepts(entry.Name()) {
					continue
				}
				info, err := entry.Info()
				if err != nil {
					continue
				}
				if info.ModTime().Before(marker) {
					continue
				}
				select {
				case w.out <- entry.Name():
				case <-ctx.Done():
					return
				}
			}
			marker = next
		}
	}
}

func (w *scanWatcher) Files() <-chan string { return w.out }

func (w *scanWatcher) Close() error {
	w.cancel()
	return nil
}
