package scene

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Scene is a loaded graph with its index.
type Scene struct {
	Root   *Node
	Index  *Index
	Source string
}

// Watcher reloads a scene file when it changes on disk. Successful reloads
// are published on Updates; failed ones keep the previous scene.
type Watcher struct {
	loader  *Loader
	path    string
	fs      *fsnotify.Watcher
	updates chan Scene
	delay   time.Duration
	log     *zap.Logger
}

// NewWatcher watches the directory holding path so that editors which
// replace the file atomically are still noticed.
func NewWatcher(loader *Loader, path string, log *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	return &Watcher{
		loader:  loader,
		path:    filepath.Clean(path),
		fs:      fw,
		updates: make(chan Scene, 1),
		delay:   100 * time.Millisecond,
		log:     log.With(zap.String("scene", path)),
	}, nil
}

// Updates delivers the most recent successful reload.
func (w *Watcher) Updates() <-chan Scene { return w.updates }

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fs.Close()

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				debounce.Reset(w.delay)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("scene watcher error", zap.Error(err))
		case <-debounce.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	root, index, err := w.loader.Load(FileSource{Path: w.path})
	if err != nil {
		w.log.Warn("scene reload failed, keeping previous scene", zap.Error(err))
		return
	}
	// Only the newest scene matters to the consumer.
	select {
	case <-w.updates:
	default:
	}
	w.updates <- Scene{Root: root, Index: index, Source: w.path}
}
