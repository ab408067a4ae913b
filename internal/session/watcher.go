package session

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"forge/internal/logging"
)

// ContextWatcher notices manual edits to context.md between turns. It
// only flips a flag; the orchestrator consumes the flag at turn start
// and re-reads the file, so edits land on the next turn rather than
// interrupting an in-flight one.
type ContextWatcher struct {
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	target  string
	changed bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewContextWatcher watches the session directory for writes to
// context.md. The directory is watched rather than the file so the
// watcher survives editors that replace the file on save.
func NewContextWatcher(m *Manager) (*ContextWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(m.Dir()); err != nil {
		w.Close()
		return nil, err
	}

	cw := &ContextWatcher{
		watcher: w,
		target:  filepath.Base(m.ContextPath()),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go cw.run()
	logging.Session("watching %s for manual edits", m.ContextPath())
	return cw, nil
}

func (cw *ContextWatcher) run() {
	defer close(cw.doneCh)
	for {
		select {
		case <-cw.stopCh:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != cw.target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cw.mu.Lock()
			cw.changed = true
			cw.mu.Unlock()
			logging.SessionDebug("context.md changed on disk")
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logging.SessionWarn("context watcher: %v", err)
		}
	}
}

// Changed reports whether context.md was edited since the last call,
// and resets the flag.
func (cw *ContextWatcher) Changed() bool {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	c := cw.changed
	cw.changed = false
	return c
}

// Close stops the watcher.
func (cw *ContextWatcher) Close() error {
	close(cw.stopCh)
	err := cw.watcher.Close()
	<-cw.doneCh
	return err
}
