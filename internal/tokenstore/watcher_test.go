package tokenstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherSignalsExternalChange(t *testing.T) {
	store := newTestStore(t)
	watcher, err := NewWatcher(store)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer watcher.Close()

	// Prime the in-memory cache.
	if token := store.Load(); token != nil {
		t.Fatalf("expected empty store, got %+v", token)
	}

	// Another process writes a token file through its own store.
	other, err := NewStore(Config{Dir: store.Dir(), FileMode: true})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	other.Save(testTokenSet())

	select {
	case <-watcher.Events():
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for change signal")
	}

	// The watcher reset the cache, so Load sees the new file.
	if token := store.Load(); token == nil {
		t.Fatal("expected token set after external write")
	}
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	store := newTestStore(t)
	watcher, err := NewWatcher(store)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer watcher.Close()

	if err := os.WriteFile(filepath.Join(store.Dir(), "notes.txt"), []byte("x"), 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case <-watcher.Events():
		t.Fatal("unexpected signal for unrelated file")
	case <-time.After(200 * time.Millisecond):
	}
}
