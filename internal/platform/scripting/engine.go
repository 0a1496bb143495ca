// Package scripting runs per-analyzer JavaScript parse scripts. A script
// named "<name>.js" defines parse(raw) and returns the bridge's JSON result
// shape; scripts are compiled once and reloaded when the file changes.
package scripting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	scriptExt  = ".js"
	entryPoint = "parse"

	// DefaultTimeout bounds a single parse call.
	DefaultTimeout = 2 * time.Second
)

var ErrUnknownScript = errors.New("unknown parse script")

type script struct {
	mu    sync.Mutex // goja runtimes are not goroutine safe
	vm    *goja.Runtime
	parse goja.Callable
}

type Engine struct {
	dir     string
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.RWMutex
	scripts map[string]*script
}

// NewEngine compiles every script in dir. A script that fails to compile
// is logged and skipped so one bad file does not take the others down.
func NewEngine(dir string, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		dir:     dir,
		timeout: DefaultTimeout,
		logger:  logger.With().Str("component", "scripting").Logger(),
		scripts: make(map[string]*script),
	}
	if dir == "" {
		return e, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read script directory %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != scriptExt {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), scriptExt)
		if err := e.Reload(name); err != nil {
			e.logger.Error().Err(err).Str("script", name).Msg("parse script not loaded")
		}
	}
	return e, nil
}

// SetTimeout overrides DefaultTimeout.
func (e *Engine) SetTimeout(d time.Duration) {
	e.timeout = d
}

// Reload reads and compiles <dir>/<name>.js, replacing any previous version.
func (e *Engine) Reload(name string) error {
	src, err := os.ReadFile(filepath.Join(e.dir, name+scriptExt))
	if err != nil {
		return fmt.Errorf("read script %s: %w", name, err)
	}
	return e.Register(name, string(src))
}

// Register compiles source under name.
func (e *Engine) Register(name, source string) error {
	s, err := e.compile(name, source)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.scripts[name] = s
	e.mu.Unlock()
	e.logger.Info().Str("script", name).Msg("parse script loaded")
	return nil
}

func (e *Engine) remove(name string) {
	e.mu.Lock()
	delete(e.scripts, name)
	e.mu.Unlock()
	e.logger.Info().Str("script", name).Msg("parse script removed")
}

func (e *Engine) compile(name, source string) (*script, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	log := e.logger.With().Str("script", name).Logger()
	_ = vm.Set("log", func(msg string) { log.Debug().Msg(msg) })
	_ = vm.Set("parseJSON", func(s string) interface{} {
		var v interface{}
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			panic(vm.NewGoError(fmt.Errorf("parseJSON: %w", err)))
		}
		return v
	})
	_ = vm.Set("splitLines", func(s string) []string {
		s = strings.ReplaceAll(s, "\r\n", "\n")
		return strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == '\r' })
	})

	if _, err := vm.RunScript(name+scriptExt, source); err != nil {
		return nil, fmt.Errorf("compile script %s: %w", name, err)
	}
	fn, ok := goja.AssertFunction(vm.Get(entryPoint))
	if !ok {
		return nil, fmt.Errorf("script %s does not define a %s(raw) function", name, entryPoint)
	}
	return &script{vm: vm, parse: fn}, nil
}

func (e *Engine) Has(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.scripts[name]
	return ok
}

func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.scripts))
	for n := range e.scripts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run calls parse(raw) and returns its result re-encoded as JSON. The call
// is interrupted when ctx ends or the engine timeout elapses.
func (e *Engine) Run(ctx context.Context, name string, raw []byte) ([]byte, error) {
	e.mu.RLock()
	s, ok := e.scripts[name]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScript, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { s.vm.Interrupt(ctx.Err()) })
	defer stop()
	defer s.vm.ClearInterrupt()

	val, err := s.parse(goja.Undefined(), s.vm.ToValue(string(raw)))
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, fmt.Errorf("script %s interrupted: %v", name, interrupted.Value())
		}
		return nil, fmt.Errorf("script %s: %w", name, err)
	}
	if goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, fmt.Errorf("script %s returned no result", name)
	}
	out, err := json.Marshal(val.Export())
	if err != nil {
		return nil, fmt.Errorf("encode result of script %s: %w", name, err)
	}
	return out, nil
}

// Watch reloads scripts as files in the directory are written, created or
// removed. It blocks until ctx is done.
func (e *Engine) Watch(ctx context.Context) error {
	if e.dir == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create script watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(e.dir); err != nil {
		return fmt.Errorf("watch %s: %w", e.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			e.handleEvent(ev)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			e.logger.Warn().Err(err).Msg("script watcher error")
		}
	}
}

func (e *Engine) handleEvent(ev fsnotify.Event) {
	base := filepath.Base(ev.Name)
	if filepath.Ext(base) != scriptExt {
		return
	}
	name := strings.TrimSuffix(base, scriptExt)

	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		e.remove(name)
	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Create):
		if err := e.Reload(name); err != nil {
			// Keep the previous version running.
			e.logger.Error().Err(err).Str("script", name).Msg("parse script reload failed")
		}
	}
}
