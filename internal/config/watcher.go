package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeEvent describes one observed change to a watched file.
type ChangeEvent struct {
	File      string
	Action    string // create, modify, delete
	Timestamp time.Time
}

// ChangeHandler is invoked after a watched file changes and its validator
// (if any) accepted the new content.
type ChangeHandler func(event ChangeEvent) error

// FileWatcher hot-reloads individual configuration files. It watches the
// parent directory because editors typically replace files via rename.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	stopCh   chan struct{}
	started  bool
	mu       sync.Mutex
	handlers map[string][]ChangeHandler
	validate map[string]func(path string) error
	dirs     map[string]bool
}

// NewFileWatcher creates an inactive watcher; call Watch then Start.
func NewFileWatcher(logger *zap.Logger) (*FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &FileWatcher{
		watcher:  w,
		logger:   logger,
		stopCh:   make(chan struct{}),
		handlers: make(map[string][]ChangeHandler),
		validate: make(map[string]func(string) error),
		dirs:     make(map[string]bool),
	}, nil
}

// Watch registers a file for hot reload. The validator runs before the
// handler; a failing validator keeps the previous configuration active.
func (fw *FileWatcher) Watch(path string, validator func(path string) error, handler ChangeHandler) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	dir := filepath.Dir(abs)

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if !fw.dirs[dir] {
		if err := fw.watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		fw.dirs[dir] = true
	}
	if validator != nil {
		fw.validate[abs] = validator
	}
	fw.handlers[abs] = append(fw.handlers[abs], handler)

	fw.logger.Info("Watching configuration file", zap.String("path", abs))
	return nil
}

// Start begins delivering change events until Stop is called.
func (fw *FileWatcher) Start() {
	fw.mu.Lock()
	if fw.started {
		fw.mu.Unlock()
		return
	}
	fw.started = true
	fw.mu.Unlock()

	go fw.loop()
}

func (fw *FileWatcher) loop() {
	// Debounce rapid write bursts per file.
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil {
				continue
			}
			fw.mu.Lock()
			_, watched := fw.handlers[abs]
			fw.mu.Unlock()
			if watched {
				pending[abs] = time.Now()
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Warn("File watcher error", zap.Error(err))
		case <-ticker.C:
			now := time.Now()
			for path, at := range pending {
				if now.Sub(at) < 200*time.Millisecond {
					continue
				}
				delete(pending, path)
				fw.dispatch(path)
			}
		case <-fw.stopCh:
			return
		}
	}
}

func (fw *FileWatcher) dispatch(path string) {
	action := "modify"
	if _, err := os.Stat(path); err != nil {
		action = "delete"
	}

	fw.mu.Lock()
	validator := fw.validate[path]
	handlers := make([]ChangeHandler, len(fw.handlers[path]))
	copy(handlers, fw.handlers[path])
	fw.mu.Unlock()

	if action != "delete" && validator != nil {
		if err := validator(path); err != nil {
			fw.logger.Warn("Rejected configuration change; keeping previous",
				zap.String("path", path),
				zap.Error(err),
			)
			return
		}
	}

	event := ChangeEvent{File: path, Action: action, Timestamp: time.Now()}
	for _, h := range handlers {
		if err := h(event); err != nil {
			fw.logger.Warn("Configuration change handler failed",
				zap.String("path", path),
				zap.Error(err),
			)
		}
	}
}

// Stop halts event delivery and closes the underlying watcher.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if !fw.started {
		return fw.watcher.Close()
	}
	close(fw.stopCh)
	fw.started = false
	return fw.watcher.Close()
}
