package ghtoken

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchPrivateKeyFile watches the parent directory of path (to catch
// atomic-write renames, not just in-place writes) and calls
// m.SetPrivateKey whenever the file changes. It returns the watcher so
// the caller can Close it on shutdown.
func WatchPrivateKeyFile(m *Manager, path string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				data, err := os.ReadFile(path)
				if err != nil {
					slog.Warn("ghtoken.key_reload_failed", "path", path, "err", err)
					continue
				}
				m.SetPrivateKey(data)
				slog.Info("ghtoken.key_reloaded", "path", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("ghtoken.watch_error", "err", err)
			}
		}
	}()

	return watcher, nil
}
