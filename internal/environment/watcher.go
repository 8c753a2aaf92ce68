package environment

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kandev/agentsession/internal/logger"
)

// fsWatcher wraps an fsnotify.Watcher rooted at a host-side directory,
// translating raw fs events into environment.FileEvent callbacks with
// ignore-pattern filtering (spec §4.1's file-change watcher, grounded on
// the teacher's internal/workspace/watcher.go usage of fsnotify).
type fsWatcher struct {
	watcher  *fsnotify.Watcher
	root     string
	relBase  string // hostRoot, used to compute paths relative to the session's bind mount
	cb       WatchCallback
	ignore   []string
	logger   *logger.Logger
	stopCh   chan struct{}
}

func newFSWatcher(root, relBase string, cb WatchCallback, ignore []string, log *logger.Logger) (*fsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	fw := &fsWatcher{
		watcher: w,
		root:    root,
		relBase: relBase,
		cb:      cb,
		ignore:  ignore,
		logger:  log,
		stopCh:  make(chan struct{}),
	}

	if err := fw.addRecursive(root); err != nil {
		w.Close()
		return nil, err
	}

	return fw, nil
}

func (fw *fsWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // best-effort: skip paths that vanished mid-walk
		}
		if d.IsDir() {
			if fw.isIgnored(path) {
				return filepath.SkipDir
			}
			return fw.watcher.Add(path)
		}
		return nil
	})
}

func (fw *fsWatcher) isIgnored(path string) bool {
	rel, err := filepath.Rel(fw.root, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range fw.ignore {
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, filepath.Base(rel)); ok {
			return true
		}
		if strings.HasPrefix(rel, strings.TrimSuffix(pattern, "/")+"/") {
			return true
		}
	}
	return false
}

func (fw *fsWatcher) run(ctx context.Context) {
	defer fw.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.stopCh:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handle(event)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Warn("workspace watcher error", zap.Error(err))
		}
	}
}

func (fw *fsWatcher) handle(event fsnotify.Event) {
	if fw.isIgnored(event.Name) {
		return
	}

	rel, err := filepath.Rel(fw.root, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	switch {
	case event.Op&fsnotify.Create != 0:
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = fw.watcher.Add(event.Name)
			return
		}
		fw.emit(FileCreated, rel, event.Name)

	case event.Op&fsnotify.Write != 0:
		fw.emit(FileModified, rel, event.Name)

	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		fw.cb(FileEvent{Op: FileDeleted, Path: rel, Content: nil})
	}
}

func (fw *fsWatcher) emit(op FileOp, rel, absPath string) {
	var content *string
	if data, err := os.ReadFile(absPath); err == nil {
		s := string(data)
		content = &s
	}
	fw.cb(FileEvent{Op: op, Path: rel, Content: content})
}

func (fw *fsWatcher) stop() {
	close(fw.stopCh)
}
