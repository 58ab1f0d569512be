// Package daemon keeps the task files in sync in the background.
//
// The daemon:
//  1. Loads both files, and optionally syncs them on startup
//  2. Saves list edits to disk after a short debounce
//  3. Syncs on an interval, backing off after retryable failures
//  4. Reloads and syncs a file when another program edits it on disk
//  5. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/todosync/todosync/internal/localstore"
	"github.com/todosync/todosync/internal/orchestrator"
	"github.com/todosync/todosync/internal/remote"
	tsync "github.com/todosync/todosync/internal/sync"
)

// Config holds configuration for the daemon.
type Config struct {
	// DebounceInterval is how long a file must go without edits before it
	// is saved. This batches rapid edits together.
	DebounceInterval time.Duration

	// SyncInterval is the time between background syncs. Zero disables
	// interval syncing.
	SyncInterval time.Duration

	// RetryInitialInterval is the first retry delay after a retryable sync
	// failure. Later retries back off exponentially up to SyncInterval.
	RetryInitialInterval time.Duration

	// SyncOnStartup syncs both files right after the initial load.
	SyncOnStartup bool

	// Watch enables reloading files edited by other programs.
	Watch bool

	// Logger for daemon activity.
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval:     500 * time.Millisecond,
		SyncInterval:         5 * time.Minute,
		RetryInitialInterval: 10 * time.Second,
		SyncOnStartup:        true,
		Watch:                true,
		Logger:               zap.NewNop(),
	}
}

// Daemon drives a Coordinator in the background.
type Daemon struct {
	coord  *orchestrator.Coordinator
	local  localstore.Store
	dir    string
	config *Config
	logger *zap.Logger

	files map[string]*tsync.Orchestrator

	changeQueue   map[string]time.Time // file name -> last edit
	changeQueueMu sync.Mutex

	trigger chan struct{}
	ready   chan struct{}
	retry   backoff.BackOff

	startMu sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// New creates a daemon.
//
// The daemon requires:
//   - coord: the coordinator for the primary and archive files
//   - local: the store both files live in
//   - dir: the OS directory behind local, watched for external edits
//     when Config.Watch is set
//
// Use Start() to begin.
func New(coord *orchestrator.Coordinator, local localstore.Store, dir string, config *Config) (*Daemon, error) {
	if coord == nil {
		return nil, fmt.Errorf("coordinator cannot be nil")
	}
	if local == nil {
		return nil, fmt.Errorf("local store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Watch && dir == "" {
		return nil, fmt.Errorf("dir cannot be empty when watching")
	}
	if config.DebounceInterval <= 0 {
		return nil, fmt.Errorf("debounce interval must be positive")
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = config.RetryInitialInterval
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = time.Second
	}
	if config.SyncInterval > 0 {
		retry.MaxInterval = config.SyncInterval
	}
	retry.MaxElapsedTime = 0
	retry.Reset()

	primary, archive := coord.Primary(), coord.ArchiveFile()
	return &Daemon{
		coord:  coord,
		local:  local,
		dir:    dir,
		config: config,
		logger: logger.Named("daemon"),
		files: map[string]*tsync.Orchestrator{
			primary.Name(): primary,
			archive.Name(): archive,
		},
		changeQueue: make(map[string]time.Time),
		trigger:     make(chan struct{}, 1),
		ready:       make(chan struct{}),
		retry:       retry,
	}, nil
}

// Start runs the daemon until ctx is cancelled. The initial load must
// succeed; sync failures are logged and retried.
func (d *Daemon) Start(ctx context.Context) error {
	d.startMu.Lock()
	if d.started {
		d.startMu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.startMu.Unlock()

	d.logger.Info("starting daemon")

	if err := d.coord.LoadAll(ctx); err != nil {
		return fmt.Errorf("initial load failed: %w", err)
	}

	var watcher *Watcher
	if d.config.Watch {
		names := make([]string, 0, len(d.files))
		for name := range d.files {
			names = append(names, name)
		}
		var err error
		if watcher, err = Watch(d.dir, names, d.logger); err != nil {
			return err
		}
		d.logger.Info("watching for external edits", zap.String("dir", watcher.Dir()))
	}

	runCtx, cancel := context.WithCancel(ctx)

	var unsubscribe []func()
	for _, o := range d.files {
		events, unsub := o.Subscribe()
		unsubscribe = append(unsubscribe, unsub)
		d.wg.Add(1)
		go d.watchListEvents(events)
	}

	d.wg.Add(2)
	go d.processChangeQueue(runCtx)
	go d.syncLoop(runCtx)
	if watcher != nil {
		d.wg.Add(1)
		go d.watchFileEvents(runCtx, watcher)
	}

	if d.config.SyncOnStartup {
		d.SyncNow()
	}
	close(d.ready)

	<-ctx.Done()
	d.logger.Info("shutdown signal received")

	cancel()
	if watcher != nil {
		if err := watcher.Close(); err != nil {
			d.logger.Warn("error closing watcher", zap.Error(err))
		}
	}
	for _, unsub := range unsubscribe {
		unsub()
	}
	d.wg.Wait()

	// Flush edits made since the last debounce tick.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := d.coord.SaveAllIfDirty(flushCtx); err != nil {
		d.logger.Error("failed to save on shutdown", zap.Error(err))
	}

	d.logger.Info("daemon stopped")
	return nil
}

// Ready is closed once the files are loaded and edits are being tracked.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// SyncNow requests a sync of both files without waiting for the interval.
func (d *Daemon) SyncNow() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// watchListEvents queues a debounced save for every edit to a list.
// Programmatic resets from load, pull and merge are ignored.
func (d *Daemon) watchListEvents(events <-chan tsync.Event) {
	defer d.wg.Done()

	for e := range events {
		if e.Kind != tsync.EventListChanged || e.Reset {
			continue
		}
		d.queueChange(e.File)
	}
}

func (d *Daemon) queueChange(name string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[name] = time.Now()
}

func (d *Daemon) processChangeQueue(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.processPendingChanges(ctx)
		}
	}
}

// processPendingChanges saves files whose last edit is older than the
// debounce interval.
func (d *Daemon) processPendingChanges(ctx context.Context) {
	d.changeQueueMu.Lock()
	now := time.Now()
	var ready []string
	for name, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, name)
		delete(d.changeQueue, name)
	}
	d.changeQueueMu.Unlock()

	for _, name := range ready {
		if err := d.files[name].SaveIfDirty(ctx); err != nil {
			d.logger.Error("failed to save", zap.String("file", name), zap.Error(err))
			continue
		}
		d.logger.Debug("saved edits", zap.String("file", name))
	}
}

// syncLoop syncs on the interval and on SyncNow. After a retryable failure
// the next attempt is scheduled by exponential backoff instead.
func (d *Daemon) syncLoop(ctx context.Context) {
	defer d.wg.Done()

	timer := time.NewTimer(d.idleDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.trigger:
		case <-timer.C:
		}

		next := d.idleDelay()
		err := d.coord.SyncAll(ctx)
		switch {
		case err == nil:
			d.retry.Reset()
		case ctx.Err() != nil:
			return
		case remote.IsRetryable(err):
			// Checked first so a busy file cannot hide another file's
			// transport failure.
			next = d.retry.NextBackOff()
			d.logger.Warn("sync failed, retrying", zap.Duration("in", next), zap.Error(err))
		case errors.Is(err, tsync.ErrSyncInProgress):
			d.logger.Debug("sync skipped, file busy")
		default:
			d.retry.Reset()
			d.logger.Error("sync failed", zap.String("category", remote.Category(err)), zap.Error(err))
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)
	}
}

// idleDelay is the wait between syncs when nothing needs retrying.
func (d *Daemon) idleDelay() time.Duration {
	if d.config.SyncInterval > 0 {
		return d.config.SyncInterval
	}
	// Interval syncing disabled; only SyncNow wakes the loop.
	return 24 * time.Hour * 365
}

func (d *Daemon) watchFileEvents(ctx context.Context, w *Watcher) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.Events():
			if !ok {
				return
			}
			d.handleFileEvent(ctx, event)
		}
	}
}

// handleFileEvent reloads a file changed by another program and schedules a
// sync. The orchestrator recognizes its own writes, including those of a
// pull still in flight when the event arrives.
func (d *Daemon) handleFileEvent(ctx context.Context, event FileEvent) {
	o := d.files[event.Name]
	if o == nil || event.Op == OpDelete {
		return
	}

	changed, err := o.ReloadChanged(ctx)
	switch {
	case errors.Is(err, tsync.ErrUnsavedEdits):
		d.logger.Warn("file changed on disk while edits are unsaved, keeping in-memory list",
			zap.String("file", event.Name))
		return
	case errors.Is(err, fs.ErrNotExist):
		// Usually a rename in flight; the create that follows retries.
		d.logger.Debug("changed file is gone", zap.String("file", event.Name))
		return
	case err != nil:
		d.logger.Error("failed to reload", zap.String("file", event.Name), zap.Error(err))
		return
	case !changed:
		return
	}

	d.logger.Info("external edit detected", zap.String("file", event.Name), zap.Stringer("op", event.Op))
	d.SyncNow()
}
