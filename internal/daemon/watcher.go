package daemon

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// EventOp is what happened to a watched file.
type EventOp int

const (
	OpCreate EventOp = iota
	OpModify
	// OpDelete covers removal and renaming the file away.
	OpDelete
)

func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// FileEvent is a change to one of the watched task files.
type FileEvent struct {
	// Name is the file name relative to the watched directory.
	Name string
	Path string
	Op   EventOp
}

// Watcher reports changes to a fixed set of file names in one directory.
// Editors often save by renaming a temporary file over the original, which
// drops a watch on the file itself, so the directory is watched instead.
type Watcher struct {
	fsw    *fsnotify.Watcher
	dir    string
	names  map[string]struct{}
	logger *zap.Logger

	events chan FileEvent
	quit   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// Watch starts watching dir for changes to the named files. The returned
// Watcher must be closed.
func Watch(dir string, names []string, logger *zap.Logger) (*Watcher, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("at least one file name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(abs); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", abs, err)
	}

	w := &Watcher{
		fsw:    fsw,
		dir:    abs,
		names:  make(map[string]struct{}, len(names)),
		logger: logger,
		events: make(chan FileEvent, 32),
		quit:   make(chan struct{}),
	}
	for _, n := range names {
		w.names[n] = struct{}{}
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Dir returns the absolute path of the watched directory.
func (w *Watcher) Dir() string { return w.dir }

// Events delivers changes until Close, which closes the channel.
func (w *Watcher) Events() <-chan FileEvent { return w.events }

// Close stops the watcher and waits for its goroutine. Repeated calls are
// no-ops.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.quit)
		err = w.fsw.Close()
		w.wg.Wait()
		close(w.events)
	})
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.quit:
			return
		case raw, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			ev, keep := w.translate(raw)
			if !keep {
				continue
			}
			select {
			case w.events <- ev:
			case <-w.quit:
				return
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.String("dir", w.dir), zap.Error(err))
		}
	}
}

// translate keeps events for watched names in the watched directory.
// Chmod-only events are dropped.
func (w *Watcher) translate(raw fsnotify.Event) (FileEvent, bool) {
	dir, name := filepath.Split(raw.Name)
	if _, ok := w.names[name]; !ok || filepath.Clean(dir) != w.dir {
		return FileEvent{}, false
	}

	ev := FileEvent{Name: name, Path: raw.Name}
	switch {
	case raw.Has(fsnotify.Create):
		ev.Op = OpCreate
	case raw.Has(fsnotify.Write):
		ev.Op = OpModify
	case raw.Has(fsnotify.Remove), raw.Has(fsnotify.Rename):
		ev.Op = OpDelete
	default:
		return FileEvent{}, false
	}
	return ev, true
}
