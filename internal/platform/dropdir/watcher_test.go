package dropdir

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recorder struct {
	mu    sync.Mutex
	calls map[string][]byte
	fail  map[string]bool
}

func newRecorder() *recorder {
	return &recorder{calls: map[string][]byte{}, fail: map[string]bool{}}
}

func (r *recorder) handle(_ context.Context, code string, data []byte, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[code] = data
	if r.fail[code] {
		return errors.New("unknown device")
	}
	return nil
}

func (r *recorder) get(code string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.calls[code]
	return d, ok
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func archived(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestRoute(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, 0, newRecorder().handle, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	tests := []struct {
		path string
		code string
		ok   bool
	}{
		{filepath.Join(root, "XN-1", "run.hl7"), "XN-1", true},
		{filepath.Join(root, "COBAS__2024.json"), "COBAS", true},
		{filepath.Join(root, "loose.json"), "", false},
		{filepath.Join(root, "__x.json"), "", false},
		{filepath.Join(root, "XN-1", "run.hl7.part"), "", false},
		{filepath.Join(root, "XN-1", ".hidden"), "", false},
		{filepath.Join(root, ProcessedDir, "file.hl7"), "", false},
		{filepath.Join(root, "XN-1", "nested", "file.hl7"), "", false},
		{filepath.Join(filepath.Dir(root), "elsewhere.hl7"), "", false},
	}
	for _, tt := range tests {
		code, ok := w.Route(tt.path)
		if code != tt.code || ok != tt.ok {
			t.Errorf("Route(%s) = (%q, %v), want (%q, %v)", tt.path, code, ok, tt.code, tt.ok)
		}
	}
}

func TestNew_NotADirectory(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file")
	write(t, f, "x")
	if _, err := New(f, 0, newRecorder().handle, zerolog.Nop()); err == nil {
		t.Error("expected error for non-directory root")
	}
	if _, err := New(filepath.Join(t.TempDir(), "missing"), 0, newRecorder().handle, zerolog.Nop()); err == nil {
		t.Error("expected error for missing root")
	}
}

func TestSweep_ArchivesFiles(t *testing.T) {
	root := t.TempDir()
	rec := newRecorder()
	rec.fail["BAD"] = true
	write(t, filepath.Join(root, "XN-1", "a.hl7"), "MSH|...")
	write(t, filepath.Join(root, "COBAS__b.json"), `{"sample_id":"S"}`)
	write(t, filepath.Join(root, "BAD", "c.json"), "{}")

	w, _ := New(root, 0, rec.handle, zerolog.Nop())
	w.Sweep(context.Background())

	if d, ok := rec.get("XN-1"); !ok || string(d) != "MSH|..." {
		t.Errorf("XN-1 not ingested: %q", d)
	}
	if _, ok := rec.get("COBAS"); !ok {
		t.Error("COBAS not ingested")
	}
	if n := len(archived(t, filepath.Join(root, ProcessedDir, "XN-1"))); n != 1 {
		t.Errorf("expected 1 processed XN-1 file, got %d", n)
	}
	if n := len(archived(t, filepath.Join(root, ProcessedDir, "COBAS"))); n != 1 {
		t.Errorf("expected 1 processed COBAS file, got %d", n)
	}
	if n := len(archived(t, filepath.Join(root, FailedDir, "BAD"))); n != 1 {
		t.Errorf("expected 1 failed BAD file, got %d", n)
	}
	if _, err := os.Stat(filepath.Join(root, "XN-1", "a.hl7")); !os.IsNotExist(err) {
		t.Error("source file should have been moved")
	}
}

func TestSweep_OversizedFileFails(t *testing.T) {
	root := t.TempDir()
	rec := newRecorder()
	write(t, filepath.Join(root, "XN", "big.txt"), "0123456789")

	w, _ := New(root, 4, rec.handle, zerolog.Nop())
	w.Sweep(context.Background())

	if _, ok := rec.get("XN"); ok {
		t.Error("oversized file must not reach the handler")
	}
	if n := len(archived(t, filepath.Join(root, FailedDir, "XN"))); n != 1 {
		t.Errorf("expected oversized file in failed/, got %d", n)
	}
}

func TestRun_PicksUpNewFiles(t *testing.T) {
	root := t.TempDir()
	rec := newRecorder()
	w, _ := New(root, 0, rec.handle, zerolog.Nop())
	w.SetSettle(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.Mkdir(filepath.Join(root, "XN-9"), 0o755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	write(t, filepath.Join(root, "XN-9", "late.json"), `{"sample_id":"S9"}`)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := rec.get("XN-9"); ok {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if d, ok := rec.get("XN-9"); !ok || string(d) != `{"sample_id":"S9"}` {
		t.Fatalf("new file not ingested, got %q", d)
	}
}
