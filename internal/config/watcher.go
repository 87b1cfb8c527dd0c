package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the config file on change and hands the parsed result to a
// callback. Only replica topology is meant to change at runtime; the
// consumer decides what to apply.
type Watcher struct {
	path     string
	onReload func(*Config)
	logger   *zap.Logger

	fw        *fsnotify.Watcher
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// Watch starts watching path. The callback runs on the watcher goroutine.
func Watch(path string, onReload func(*Config), logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files on save, which drops a
	// watch registered on the file itself.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		onReload: onReload,
		logger:   logger,
		fw:       fw,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)

	// Debounce bursts of write events from a single save.
	var pending <-chan time.Time

	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)
		case <-pending:
			pending = nil
			w.reload()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watch error", zap.Error(err))
		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		// Keep serving the previous topology on a bad edit.
		w.logger.Error("config reload rejected", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.logger.Info("config reloaded", zap.String("path", w.path))
	w.onReload(cfg)
}

// Close stops the watcher and waits for its goroutine to exit. Safe to
// call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.stop)
		err = w.fw.Close()
		<-w.done
	})
	return err
}
