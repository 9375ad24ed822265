package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipelines.yaml")
	if err := os.WriteFile(path, []byte(samplePipelines), 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	var mu sync.Mutex
	var reloaded []*PipelineFile
	w, err := NewWatcher(dir, func(p string, f *PipelineFile) {
		mu.Lock()
		reloaded = append(reloaded, f)
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte(samplePipelines), 0644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reloaded) > 0
	})

	mu.Lock()
	defer mu.Unlock()
	if reloaded[0].Pipeline("content") == nil {
		t.Errorf("reloaded file missing pipeline: %v", reloaded[0].Names())
	}
}

func TestWatcherReportsParseErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipelines.yaml")

	var mu sync.Mutex
	var errs []error
	w, err := NewWatcher(dir, nil, func(p string, err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("pipelines: ["), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) > 0
	})
}

func TestWatcherIgnoresNonYAML(t *testing.T) {
	dir := t.TempDir()

	var mu sync.Mutex
	calls := 0
	w, err := NewWatcher(dir, func(p string, f *PipelineFile) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, func(p string, err error) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("non-YAML file triggered %d callbacks", calls)
	}
}

func TestWatcherCloseIsIdempotent(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
