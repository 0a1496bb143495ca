// Package dropdir ingests analyzer result files written to a shared folder.
//
// Layout under the root directory:
//
//	<root>/<DEVICE_CODE>/<file>       routed to DEVICE_CODE
//	<root>/<DEVICE_CODE>__<file>      same, for analyzers that cannot write subfolders
//	<root>/processed/<DEVICE_CODE>/   files ingested successfully
//	<root>/failed/<DEVICE_CODE>/      files the handler rejected
//
// Files are picked up once they have stopped changing for the settle
// interval, so partially written exports are never read.
package dropdir

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	ProcessedDir = "processed"
	FailedDir    = "failed"

	DefaultSettle = 750 * time.Millisecond
)

// Handler ingests the content of one file for the analyzer deviceCode.
type Handler func(ctx context.Context, deviceCode string, data []byte, path string) error

type Watcher struct {
	root    string
	settle  time.Duration
	maxSize int64
	handler Handler
	logger  zerolog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	ready  chan string
}

func New(root string, maxSize int64, handler Handler, logger zerolog.Logger) (*Watcher, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("drop folder: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("drop folder %s is not a directory", root)
	}
	return &Watcher{
		root:    root,
		settle:  DefaultSettle,
		maxSize: maxSize,
		handler: handler,
		logger:  logger.With().Str("component", "dropdir").Str("root", root).Logger(),
		timers:  make(map[string]*time.Timer),
		ready:   make(chan string, 64),
	}, nil
}

func (w *Watcher) SetSettle(d time.Duration) { w.settle = d }

// Run watches the folder until ctx is cancelled. Files already present when
// Run starts are processed first.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer fw.Close()

	if err := w.watchTree(fw); err != nil {
		return err
	}
	w.Sweep(ctx)
	w.logger.Info().Msg("watching drop folder")

	for {
		select {
		case <-ctx.Done():
			w.stopTimers()
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, fw, ev)
		case path := <-w.ready:
			w.process(ctx, path)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("drop folder watcher error")
		}
	}
}

func (w *Watcher) watchTree(fw *fsnotify.Watcher) error {
	if err := fw.Add(w.root); err != nil {
		return fmt.Errorf("watch %s: %w", w.root, err)
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return fmt.Errorf("read drop folder: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() && !reserved(e.Name()) {
			if err := fw.Add(filepath.Join(w.root, e.Name())); err != nil {
				w.logger.Warn().Err(err).Str("dir", e.Name()).Msg("cannot watch device folder")
			}
		}
	}
	return nil
}

func (w *Watcher) handleEvent(ctx context.Context, fw *fsnotify.Watcher, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if filepath.Dir(ev.Name) == filepath.Clean(w.root) && !reserved(info.Name()) {
			if err := fw.Add(ev.Name); err != nil {
				w.logger.Warn().Err(err).Str("dir", ev.Name).Msg("cannot watch device folder")
			}
			w.sweepDir(ctx, ev.Name)
		}
		return
	}
	if _, ok := w.Route(ev.Name); ok {
		w.schedule(ev.Name)
	}
}

// schedule (re)arms the settle timer for path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.timers[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.ready <- path
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for p, t := range w.timers {
		t.Stop()
		delete(w.timers, p)
	}
}

// Sweep processes every routable file currently in the folder.
func (w *Watcher) Sweep(ctx context.Context) {
	w.sweepDir(ctx, w.root)
	entries, err := os.ReadDir(w.root)
	if err != nil {
		w.logger.Error().Err(err).Msg("read drop folder")
		return
	}
	for _, e := range entries {
		if e.IsDir() && !reserved(e.Name()) {
			w.sweepDir(ctx, filepath.Join(w.root, e.Name()))
		}
	}
}

func (w *Watcher) sweepDir(ctx context.Context, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if _, ok := w.Route(path); ok {
			w.process(ctx, path)
		}
	}
}

// Route maps a file path to the device code it belongs to.
func (w *Watcher) Route(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	name := filepath.Base(rel)
	if ignored(name) {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	switch len(parts) {
	case 1:
		code, _, ok := strings.Cut(name, "__")
		if !ok || code == "" {
			return "", false
		}
		return code, true
	case 2:
		if reserved(parts[0]) {
			return "", false
		}
		return parts[0], true
	}
	return "", false
}

func (w *Watcher) process(ctx context.Context, path string) {
	code, ok := w.Route(path)
	if !ok {
		return
	}
	log := w.logger.With().Str("device", code).Str("file", path).Logger()

	data, err := w.read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		log.Error().Err(err).Msg("read dropped file")
		w.move(path, FailedDir, code)
		return
	}

	if err := w.handler(ctx, code, data, path); err != nil {
		log.Error().Err(err).Msg("dropped file rejected")
		w.move(path, FailedDir, code)
		return
	}
	log.Info().Int("bytes", len(data)).Msg("dropped file ingested")
	w.move(path, ProcessedDir, code)
}

func (w *Watcher) read(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	limit := w.maxSize
	if limit <= 0 {
		return io.ReadAll(f)
	}
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("file exceeds %d bytes", limit)
	}
	return data, nil
}

func (w *Watcher) move(path, bucket, code string) {
	dir := filepath.Join(w.root, bucket, code)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.logger.Error().Err(err).Str("dir", dir).Msg("create archive folder")
		return
	}
	dest := filepath.Join(dir, time.Now().UTC().Format("20060102T150405.000")+"_"+filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		w.logger.Error().Err(err).Str("dest", dest).Msg("archive dropped file")
	}
}

func reserved(name string) bool {
	return name == ProcessedDir || name == FailedDir
}

// ignored skips hidden files and in-progress copies.
func ignored(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~") {
		return true
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".tmp", ".part", ".partial", ".swp":
		return true
	}
	return false
}
