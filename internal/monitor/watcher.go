package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// PolicyWatcher reloads the monitor's policy whenever the policy file
// changes. Keys missing from the file fall back to the policy the monitor
// had when watching started. An invalid file is logged and the previous
// policy stays.
type PolicyWatcher struct {
	path    string
	base    Policy
	monitor *Monitor
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchPolicy loads path once and keeps watching its directory, so editors
// that replace the file by rename are picked up too.
func WatchPolicy(ctx context.Context, path string, m *Monitor) (*PolicyWatcher, error) {
	base := m.Policy()
	p, err := LoadPolicy(path, base)
	if err != nil {
		return nil, err
	}
	m.SetPolicy(p)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create policy watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch policy directory: %w", err)
	}
	pw := &PolicyWatcher{
		path:    filepath.Clean(path),
		base:    base,
		monitor: m,
		watcher: w,
		done:    make(chan struct{}),
	}
	go pw.run(ctx)
	slog.Info("policy watcher started", "path", path)
	return pw, nil
}

func (pw *PolicyWatcher) Close() error {
	err := pw.watcher.Close()
	<-pw.done
	return err
}

func (pw *PolicyWatcher) run(ctx context.Context) {
	defer close(pw.done)
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != pw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			debounce = time.After(reloadDebounce)
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("policy watcher error", "error", err)
		case <-debounce:
			debounce = nil
			pw.reload()
		}
	}
}

func (pw *PolicyWatcher) reload() {
	p, err := LoadPolicy(pw.path, pw.base)
	if err != nil {
		slog.Error("failed to reload policy, keeping previous", "path", pw.path, "error", err)
		return
	}
	pw.monitor.SetPolicy(p)
	slog.Info("policy reloaded", "path", pw.path)
}
