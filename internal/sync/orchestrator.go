package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	stdsync "sync"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/todosync/todosync/internal/localstore"
	"github.com/todosync/todosync/internal/merge"
	"github.com/todosync/todosync/internal/remote"
	"github.com/todosync/todosync/internal/state"
	"github.com/todosync/todosync/internal/task"
	"github.com/todosync/todosync/internal/telemetry"
)

const instrumentationName = "github.com/todosync/todosync/internal/sync"

// MergeCacheSuffix is appended to a file name to name its merge cache.
const MergeCacheSuffix = ".mergecache"

// ErrSyncInProgress is returned by Sync when a sync of the same file is
// already running or the file is held by a Coordinator.
var ErrSyncInProgress = errors.New("sync already in progress")

// Config identifies the tracked file and tunes the sync behaviour.
type Config struct {
	// Name is the file name, used both locally and remotely.
	Name string

	// RemotePath is the remote folder holding the file.
	RemotePath string

	// RerunOnConflict re-runs the decision once from fresh metadata when an
	// upload fails its revision precondition.
	RerunOnConflict bool
}

// DefaultConfig returns the configuration for a file in the default remote
// folder.
func DefaultConfig(name string) Config {
	return Config{
		Name:            name,
		RemotePath:      "/todo",
		RerunOnConflict: true,
	}
}

// Options supplies optional collaborators.
type Options struct {
	// List is the in-memory task list. A new empty list is used when nil.
	List *task.List

	// Merger reconciles diverged lists. merge.New() when nil.
	Merger merge.Merger

	// Tokens is cleared when the remote rejects the credential.
	Tokens remote.TokenStore

	// Logger receives structured logs. zap.NewNop() when nil.
	Logger *zap.Logger
}

// Orchestrator keeps one local task file consistent with its remote copy.
type Orchestrator struct {
	cfg    Config
	list   *task.List
	local  localstore.Store
	remote remote.Client
	meta   state.MetadataStore
	merger merge.Merger
	tokens remote.TokenStore
	logger *zap.Logger

	tracer  trace.Tracer
	actions metric.Int64Counter
	errors  metric.Int64Counter

	// mu guards the fields below.
	mu           stdsync.Mutex
	state        State
	syncing      bool
	held         bool
	loaded       bool
	savedVersion uint64

	// io serializes file I/O, metadata writes and list replacement.
	io stdsync.Mutex
	// diskHash is the xxhash of the local file as last read or written by
	// this orchestrator. Guarded by io.
	diskHash  uint64
	diskKnown bool

	subMu     stdsync.Mutex
	subs      map[int]chan Event
	nextSubID int

	stopObserving func()
}

// New creates an orchestrator for one file.
func New(cfg Config, local localstore.Store, client remote.Client, meta state.MetadataStore, opts Options) (*Orchestrator, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("file name cannot be empty")
	}
	if local == nil {
		return nil, fmt.Errorf("local store cannot be nil")
	}
	if client == nil {
		return nil, fmt.Errorf("remote client cannot be nil")
	}
	if meta == nil {
		return nil, fmt.Errorf("metadata store cannot be nil")
	}

	o := &Orchestrator{
		cfg:    cfg,
		list:   opts.List,
		local:  local,
		remote: client,
		meta:   meta,
		merger: opts.Merger,
		tokens: opts.Tokens,
		logger: opts.Logger,
		subs:   make(map[int]chan Event),
	}
	if o.list == nil {
		o.list = task.NewList()
	}
	if o.merger == nil {
		o.merger = merge.New()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	o.logger = o.logger.Named("sync").With(zap.String("file", cfg.Name))
	o.savedVersion = o.list.Version()

	o.tracer = telemetry.Tracer(instrumentationName)
	meter := telemetry.Meter(instrumentationName)
	var err error
	if o.actions, err = meter.Int64Counter("todosync.sync.actions",
		metric.WithDescription("Sync passes by chosen action")); err != nil {
		return nil, fmt.Errorf("failed to create actions counter: %w", err)
	}
	if o.errors, err = meter.Int64Counter("todosync.sync.errors",
		metric.WithDescription("Failed syncs by error category")); err != nil {
		return nil, fmt.Errorf("failed to create errors counter: %w", err)
	}

	o.stopObserving = o.list.Observe(func(c task.Change) {
		o.publish(Event{Kind: EventListChanged, Change: c.Kind, Reset: c.Kind == task.ChangeReset})
	})
	return o, nil
}

// Close stops event delivery and closes all subscriber channels.
func (o *Orchestrator) Close() {
	o.stopObserving()
	o.closeSubscribers()
}

// Name returns the tracked file name.
func (o *Orchestrator) Name() string {
	return o.cfg.Name
}

// List returns the in-memory task list.
func (o *Orchestrator) List() *task.List {
	return o.list
}

// State returns the current loading state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Dirty reports whether the in-memory list differs from what was last
// loaded or saved.
func (o *Orchestrator) Dirty() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.list.Version() != o.savedVersion
}

// Status is a point-in-time view of a tracked file.
type Status struct {
	Name        string
	State       State
	LocalExists bool
	Metadata    state.Metadata
	Dirty       bool
}

// Status returns the current state and persisted metadata.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	md, err := o.meta.Metadata(ctx, o.cfg.Name)
	if err != nil {
		return Status{}, err
	}
	exists, err := o.local.Exists(o.cfg.Name)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Name:        o.cfg.Name,
		State:       o.State(),
		LocalExists: exists,
		Metadata:    md,
		Dirty:       o.Dirty(),
	}, nil
}

// setState records a transition and notifies subscribers.
func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	changed := o.state != s
	o.state = s
	o.mu.Unlock()

	if changed {
		o.publish(Event{Kind: EventStateChanged, State: s})
	}
}

// settle returns to Syncing while a sync or hold is active, else Ready.
func (o *Orchestrator) settle() {
	o.mu.Lock()
	s := Ready
	if o.syncing || o.held {
		s = Syncing
	}
	o.mu.Unlock()
	o.setState(s)
}

// Load replaces the in-memory list with the local file, if it exists.
func (o *Orchestrator) Load(ctx context.Context) error {
	o.setState(Loading)
	defer o.settle()

	o.io.Lock()
	defer o.io.Unlock()
	return o.loadLocked()
}

// EnsureLoaded loads the local file unless the list was already loaded or
// holds unsaved edits.
func (o *Orchestrator) EnsureLoaded(ctx context.Context) error {
	o.mu.Lock()
	loaded := o.loaded
	o.mu.Unlock()
	if loaded || o.Dirty() {
		return nil
	}
	return o.Load(ctx)
}

func (o *Orchestrator) loadLocked() error {
	exists, err := o.local.Exists(o.cfg.Name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	data, err := o.local.Read(o.cfg.Name)
	if err != nil {
		return err
	}
	tasks, err := task.ParseAll(data)
	if err != nil {
		return fmt.Errorf("load %s: %w", o.cfg.Name, err)
	}

	o.recordDisk(data)
	o.list.Replace(tasks)
	o.markSaved(o.list.Version())
	o.logger.Debug("loaded", zap.Int("tasks", len(tasks)))
	return nil
}

// writeLocked writes the tracked file and remembers its content hash.
// Caller holds o.io.
func (o *Orchestrator) writeLocked(data []byte) error {
	if err := o.local.Write(o.cfg.Name, data); err != nil {
		return err
	}
	o.recordDisk(data)
	return nil
}

func (o *Orchestrator) recordDisk(data []byte) {
	o.diskHash = xxhash.Sum64(data)
	o.diskKnown = true
}

func (o *Orchestrator) markSaved(v uint64) {
	o.mu.Lock()
	o.savedVersion = v
	o.loaded = true
	o.mu.Unlock()
}

// Save writes the in-memory list to the local file and marks the file as
// having unpushed changes. It never touches the network.
func (o *Orchestrator) Save(ctx context.Context) error {
	o.setState(Saving)
	defer o.settle()

	o.io.Lock()
	defer o.io.Unlock()
	return o.saveLocked(ctx)
}

// SaveIfDirty saves only when the list changed since it was last loaded or
// saved.
func (o *Orchestrator) SaveIfDirty(ctx context.Context) error {
	if !o.Dirty() {
		return nil
	}
	return o.Save(ctx)
}

func (o *Orchestrator) saveLocked(ctx context.Context) error {
	tasks, v := o.list.Snapshot()
	if err := o.writeLocked(task.Serialize(tasks)); err != nil {
		return err
	}
	md, err := o.meta.Metadata(ctx, o.cfg.Name)
	if err != nil {
		return err
	}
	md.HasChanges = true
	if err := o.saveMetadata(ctx, md); err != nil {
		return err
	}
	o.markSaved(v)
	o.logger.Debug("saved", zap.Int("tasks", len(tasks)))
	return nil
}

// saveMetadata persists md and emits EventHasChangesChanged on a flip.
func (o *Orchestrator) saveMetadata(ctx context.Context, md state.Metadata) error {
	prev, err := o.meta.Metadata(ctx, o.cfg.Name)
	if err != nil {
		return err
	}
	if err := o.meta.SaveMetadata(ctx, o.cfg.Name, md); err != nil {
		return err
	}
	if prev.HasChanges != md.HasChanges {
		o.publish(Event{Kind: EventHasChangesChanged, HasChanges: md.HasChanges})
	}
	return nil
}

// Sync reconciles the local file with the remote copy. It returns
// ErrSyncInProgress without side effects when a sync is already running or
// the file is held.
func (o *Orchestrator) Sync(ctx context.Context) error {
	o.mu.Lock()
	if o.syncing || o.held {
		o.mu.Unlock()
		return ErrSyncInProgress
	}
	o.syncing = true
	o.mu.Unlock()

	o.setState(Syncing)
	err := o.run(ctx)

	o.mu.Lock()
	o.syncing = false
	o.mu.Unlock()
	o.settle()
	return err
}

// SyncAsync runs Sync on its own goroutine. The returned channel receives
// the result and is then closed.
func (o *Orchestrator) SyncAsync(ctx context.Context) <-chan error {
	ch := make(chan error, 1)
	go func() {
		defer close(ch)
		ch <- o.Sync(ctx)
	}()
	return ch
}

// run performs one sync, re-running the decision once on a revision
// precondition failure when configured.
func (o *Orchestrator) run(ctx context.Context) error {
	ctx, span := o.tracer.Start(ctx, "sync."+o.cfg.Name)
	defer span.End()

	err := o.prepare(ctx)
	if err == nil {
		attempts := 1
		if o.cfg.RerunOnConflict {
			attempts = 2
		}
		for i := 1; i <= attempts; i++ {
			var action Action
			action, err = o.pass(ctx)
			span.SetAttributes(attribute.String("action", string(action)))
			o.actions.Add(ctx, 1, metric.WithAttributes(
				attribute.String("file", o.cfg.Name),
				attribute.String("action", string(action)),
			))
			if !errors.Is(err, remote.ErrPreconditionFailed) || i == attempts {
				break
			}
			o.logger.Info("remote changed during sync, retrying", zap.String("action", string(action)))
		}
	}

	if err != nil {
		o.fail(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, remote.Category(err))
	}
	return err
}

// prepare loads the list on first use and flushes unsaved edits.
func (o *Orchestrator) prepare(ctx context.Context) error {
	o.mu.Lock()
	loaded := o.loaded
	o.mu.Unlock()

	if !loaded && !o.Dirty() {
		o.io.Lock()
		err := o.loadLocked()
		o.io.Unlock()
		if err != nil {
			return err
		}
	}
	if o.Dirty() {
		o.io.Lock()
		err := o.saveLocked(ctx)
		o.io.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// fail reports a failed sync.
func (o *Orchestrator) fail(ctx context.Context, err error) {
	category := remote.Category(err)
	if errors.Is(err, task.ErrMalformed) {
		category = "malformed"
	}
	o.logger.Warn("sync failed", zap.String("category", category), zap.Error(err))
	o.errors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("file", o.cfg.Name),
		attribute.String("category", category),
	))

	if errors.Is(err, remote.ErrUnauthorized) && o.tokens != nil {
		if cerr := o.tokens.ClearToken(ctx); cerr != nil {
			o.logger.Error("failed to clear rejected token", zap.Error(cerr))
		}
	}
	o.publish(Event{Kind: EventSyncError, Err: err, Category: category})
}

// pass runs the decision algorithm once from a fresh metadata snapshot.
func (o *Orchestrator) pass(ctx context.Context) (Action, error) {
	rmd, err := o.remote.GetMetadata(ctx, o.cfg.RemotePath, o.cfg.Name)
	if err != nil {
		return ActionNone, fmt.Errorf("fetch metadata: %w", err)
	}
	localExists, err := o.local.Exists(o.cfg.Name)
	if err != nil {
		return ActionNone, err
	}
	md, err := o.meta.Metadata(ctx, o.cfg.Name)
	if err != nil {
		return ActionNone, err
	}

	action := Decide(rmd, localExists, md)
	o.logger.Debug("sync decision",
		zap.String("action", string(action)),
		zap.Bool("remote_exists", rmd.Exists),
		zap.Bool("local_exists", localExists),
		zap.Bool("has_changes", md.HasChanges),
	)

	switch action {
	case ActionNone:
		if o.list.Len() == 0 {
			return action, o.Load(ctx)
		}
		return action, nil
	case ActionBootstrap:
		return action, o.bootstrap(ctx)
	case ActionPull:
		return action, o.pull(ctx)
	case ActionMerge:
		return action, o.merge(ctx, md.LocalRevision == "")
	case ActionPush:
		var precondition *string
		if rmd.Exists {
			if o.list.Len() == 0 {
				if err := o.Load(ctx); err != nil {
					return action, err
				}
			}
			rev := md.LocalRevision
			precondition = &rev
		}
		return action, o.push(ctx, precondition)
	default:
		return action, fmt.Errorf("unknown action %q", action)
	}
}

func (o *Orchestrator) cacheName() string {
	return o.cfg.Name + MergeCacheSuffix
}

// bootstrap creates an empty local file without marking it changed.
func (o *Orchestrator) bootstrap(ctx context.Context) error {
	o.io.Lock()
	err := o.writeLocked(task.Serialize(nil))
	o.io.Unlock()
	if err != nil {
		return err
	}
	o.logger.Info("created empty local file")
	return o.Load(ctx)
}

// push uploads the local file.
func (o *Orchestrator) push(ctx context.Context, precondition *string) error {
	o.io.Lock()
	defer o.io.Unlock()

	data, err := o.local.Read(o.cfg.Name)
	if err != nil {
		return err
	}
	rev, err := o.remote.Upload(ctx, o.cfg.RemotePath, o.cfg.Name, precondition, data)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}

	if err := o.local.Write(o.cacheName(), data); err != nil {
		return err
	}
	if err := o.saveMetadata(ctx, state.Metadata{LocalRevision: rev}); err != nil {
		return err
	}
	o.logger.Info("pushed", zap.String("revision", rev), zap.Int("bytes", len(data)))
	return nil
}

// pull replaces the local file with the remote copy.
func (o *Orchestrator) pull(ctx context.Context) error {
	base, baseVersion := o.list.Snapshot()

	data, rev, err := o.remote.Download(ctx, o.cfg.RemotePath, o.cfg.Name)
	if err != nil {
		return fmt.Errorf("pull: %w", err)
	}
	theirs, err := task.ParseAll(data)
	if err != nil {
		return fmt.Errorf("pull %s: %w", o.cfg.Name, err)
	}

	o.setState(Loading)
	defer o.settle()

	o.io.Lock()
	defer o.io.Unlock()

	if err := o.writeLocked(data); err != nil {
		return err
	}
	if err := o.local.Write(o.cacheName(), data); err != nil {
		return err
	}
	if err := o.saveMetadata(ctx, state.Metadata{LocalRevision: rev}); err != nil {
		return err
	}
	o.logger.Info("pulled", zap.String("revision", rev), zap.Int("tasks", len(theirs)))
	return o.commitLocked(ctx, base, baseVersion, theirs)
}

// merge reconciles local and remote edits and uploads the result. Nothing
// local changes until the upload succeeds.
func (o *Orchestrator) merge(ctx context.Context, noAncestor bool) error {
	ours, oursVersion := o.list.Snapshot()

	var ancestor []task.Task
	if !noAncestor {
		ancestor = o.readMergeCache()
	}

	data, rev, err := o.remote.Download(ctx, o.cfg.RemotePath, o.cfg.Name)
	if err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	theirs, err := task.ParseAll(data)
	if err != nil {
		return fmt.Errorf("merge %s: %w", o.cfg.Name, err)
	}

	merged := o.merger.Merge(ancestor, theirs, ours)
	out := task.Serialize(merged)

	newRev, err := o.remote.Upload(ctx, o.cfg.RemotePath, o.cfg.Name, &rev, out)
	if err != nil {
		return fmt.Errorf("merge: %w", err)
	}

	o.io.Lock()
	defer o.io.Unlock()

	if err := o.writeLocked(out); err != nil {
		return err
	}
	if err := o.local.Write(o.cacheName(), out); err != nil {
		return err
	}
	if err := o.saveMetadata(ctx, state.Metadata{LocalRevision: newRev}); err != nil {
		return err
	}
	o.logger.Info("merged",
		zap.String("revision", newRev),
		zap.Int("ancestor", len(ancestor)),
		zap.Int("theirs", len(theirs)),
		zap.Int("ours", len(ours)),
		zap.Int("merged", len(merged)),
	)
	return o.commitLocked(ctx, ours, oursVersion, merged)
}

// readMergeCache returns the last confirmed sync point, or nil.
func (o *Orchestrator) readMergeCache() []task.Task {
	data, err := o.local.Read(o.cacheName())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		o.logger.Warn("merge cache unreadable, merging without ancestor", zap.Error(err))
		return nil
	}
	tasks, err := task.ParseAll(data)
	if err != nil {
		o.logger.Warn("merge cache malformed, merging without ancestor", zap.Error(err))
		return nil
	}
	return tasks
}

// commitLocked replaces the list with result. Edits made to the list since
// base was taken are re-applied with a second three-way merge and saved, so
// the file keeps unpushed changes. Caller holds o.io.
func (o *Orchestrator) commitLocked(ctx context.Context, base []task.Task, baseVersion uint64, result []task.Task) error {
	for {
		current, v := o.list.Snapshot()
		final := result
		concurrent := v != baseVersion
		if concurrent {
			final = o.merger.Merge(base, result, current)
		}

		newVersion, ok := o.list.ReplaceIfVersion(v, final)
		if !ok {
			continue
		}
		if !concurrent {
			o.markSaved(newVersion)
			return nil
		}
		o.logger.Info("list edited during sync, keeping edits as unpushed changes")
		return o.saveLocked(ctx)
	}
}
