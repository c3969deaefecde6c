package tokenstore

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"quill/pkg/logging"
)

// Watcher reports mutations of the token storage directory made by other
// processes, so a running session controller can pick up a login or logout
// performed elsewhere. Subscribing to it is optional.
type Watcher struct {
	fsw    *fsnotify.Watcher
	events chan struct{}
	done   chan struct{}
}

// NewWatcher watches the store's directory for changes to its storage files.
// The store must be in file mode.
func NewWatcher(store *Store) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := fsw.Add(store.Dir()); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{
		fsw:    fsw,
		events: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go w.run(store)

	return w, nil
}

// Events delivers a signal whenever persisted auth state changed on disk.
// Signals are coalesced; receivers should re-read the store, not assume a
// particular change.
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) run(store *Store) {
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if name != tokenFile && name != identityFile {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}

			logging.Debug("TokenStore", "storage change detected: %s %s", event.Op, name)
			store.Reset()

			select {
			case w.events <- struct{}{}:
			default:
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Warn("TokenStore", "storage watcher error: %v", err)
		}
	}
}
