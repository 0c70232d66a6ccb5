package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type change struct {
	kb   string
	path string
}

// collectChanges starts a watcher over root with a short debounce and
// returns a channel of settled changes.
func collectChanges(t *testing.T, root string) chan change {
	t.Helper()
	changes := make(chan change, 16)
	w := New(root, func(kb, path string) {
		changes <- change{kb: kb, path: path}
	}, WithDebounce(50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return changes
}

func waitChange(t *testing.T, changes chan change) change {
	t.Helper()
	select {
	case c := <-changes:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change")
		return change{}
	}
}

func TestWatcher_fileInKnowledgeBaseDir(t *testing.T) {
	root := t.TempDir()
	kbDir := filepath.Join(root, "handbook")
	if err := os.MkdirAll(kbDir, 0755); err != nil {
		t.Fatal(err)
	}
	changes := collectChanges(t, root)

	path := filepath.Join(kbDir, "doc.txt")
	if err := os.WriteFile(path, []byte("updated contents"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := waitChange(t, changes)
	if c.kb != "handbook" {
		t.Errorf("knowledge base = %q, want handbook", c.kb)
	}
	if c.path != path {
		t.Errorf("path = %q, want %q", c.path, path)
	}
}

func TestWatcher_newKnowledgeBaseDirPickedUp(t *testing.T) {
	root := t.TempDir()
	changes := collectChanges(t, root)

	kbDir := filepath.Join(root, "fresh")
	if err := os.MkdirAll(kbDir, 0755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher a moment to add the new directory.
	time.Sleep(200 * time.Millisecond)
	path := filepath.Join(kbDir, "doc.md")
	if err := os.WriteFile(path, []byte("# notes"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := waitChange(t, changes)
	if c.kb != "fresh" {
		t.Errorf("knowledge base = %q, want fresh", c.kb)
	}
}

func TestWatcher_removeTriggersRebuild(t *testing.T) {
	root := t.TempDir()
	kbDir := filepath.Join(root, "handbook")
	if err := os.MkdirAll(kbDir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(kbDir, "doc.txt")
	if err := os.WriteFile(path, []byte("contents"), 0o644); err != nil {
		t.Fatal(err)
	}
	changes := collectChanges(t, root)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	c := waitChange(t, changes)
	if c.kb != "handbook" {
		t.Errorf("knowledge base = %q, want handbook", c.kb)
	}
	if c.path != path {
		t.Errorf("path = %q, want %q", c.path, path)
	}
}

func TestWatcher_removeUnsupportedIgnored(t *testing.T) {
	root := t.TempDir()
	kbDir := filepath.Join(root, "kb")
	if err := os.MkdirAll(kbDir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(kbDir, "tool.exe")
	if err := os.WriteFile(path, []byte("MZ"), 0o644); err != nil {
		t.Fatal(err)
	}
	changes := collectChanges(t, root)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-changes:
		t.Fatalf("unexpected change %+v", c)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_ignoresUnsupportedAndRootFiles(t *testing.T) {
	root := t.TempDir()
	kbDir := filepath.Join(root, "kb")
	if err := os.MkdirAll(kbDir, 0755); err != nil {
		t.Fatal(err)
	}
	changes := collectChanges(t, root)

	// Unsupported extension inside a knowledge base.
	if err := os.WriteFile(filepath.Join(kbDir, "tool.exe"), []byte("MZ"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Supported extension but directly in the root: no knowledge base.
	if err := os.WriteFile(filepath.Join(root, "stray.txt"), []byte("stray"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-changes:
		t.Fatalf("unexpected change %+v", c)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_debouncesBursts(t *testing.T) {
	root := t.TempDir()
	kbDir := filepath.Join(root, "kb")
	if err := os.MkdirAll(kbDir, 0755); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	count := 0
	w := New(root, func(kb, path string) {
		mu.Lock()
		count++
		mu.Unlock()
	}, WithDebounce(150*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	defer w.Stop()

	path := filepath.Join(kbDir, "doc.txt")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("draft"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(500 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("change callbacks = %d, want 1", count)
	}
}

func TestWatcher_stopIdempotent(t *testing.T) {
	w := New(t.TempDir(), nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	w.Stop()
	w.Stop()
}
