// Package orchestrator coordinates the primary task file and its archive for
// operations that span both.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/todosync/todosync/internal/sync"
	"github.com/todosync/todosync/internal/task"
)

// Archive workflow steps, named in errors.
const (
	StepHold        = "hold"
	StepSyncArchive = "sync archive"
	StepLoadPrimary = "load primary"
	StepMove        = "move completed tasks"
	StepSaveArchive = "save archive"
	StepSavePrimary = "save primary"
	StepPushArchive = "push archive"
	StepPushPrimary = "push primary"
)

// StepError reports which archive step failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("archive: %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Config tunes the coordinator.
type Config struct {
	// PreserveLineNumbers leaves a blank line in the primary file for each
	// archived task.
	PreserveLineNumbers bool
}

// Coordinator runs compound operations over a primary and an archive file.
type Coordinator struct {
	primary *sync.Orchestrator
	archive *sync.Orchestrator
	cfg     Config
	logger  *zap.Logger
}

// ArchiveResult describes a completed archive run.
type ArchiveResult struct {
	// Moved holds the archived tasks in their original order.
	Moved []task.Task
}

// New creates a coordinator. logger may be nil.
func New(primary, archive *sync.Orchestrator, cfg Config, logger *zap.Logger) (*Coordinator, error) {
	if primary == nil || archive == nil {
		return nil, fmt.Errorf("primary and archive orchestrators are required")
	}
	if primary == archive {
		return nil, fmt.Errorf("primary and archive must be different files")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		primary: primary,
		archive: archive,
		cfg:     cfg,
		logger:  logger.Named("coordinator"),
	}, nil
}

// Primary returns the primary file orchestrator.
func (c *Coordinator) Primary() *sync.Orchestrator { return c.primary }

// ArchiveFile returns the archive file orchestrator.
func (c *Coordinator) ArchiveFile() *sync.Orchestrator { return c.archive }

// LoadAll loads both files. It is the application-ready signal.
func (c *Coordinator) LoadAll(ctx context.Context) error {
	return c.each(func(o *sync.Orchestrator) error { return o.Load(ctx) })
}

// SyncAll syncs both files concurrently and joins their errors.
func (c *Coordinator) SyncAll(ctx context.Context) error {
	return c.each(func(o *sync.Orchestrator) error { return o.Sync(ctx) })
}

// SaveAllIfDirty saves whichever files have unsaved edits.
func (c *Coordinator) SaveAllIfDirty(ctx context.Context) error {
	return c.each(func(o *sync.Orchestrator) error { return o.SaveIfDirty(ctx) })
}

func (c *Coordinator) each(fn func(*sync.Orchestrator) error) error {
	orchs := []*sync.Orchestrator{c.primary, c.archive}
	errs := make([]error, len(orchs))

	var g errgroup.Group
	for i, o := range orchs {
		g.Go(func() error {
			if err := fn(o); err != nil {
				errs[i] = fmt.Errorf("%s: %w", o.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Archive moves completed tasks from the primary file to the archive file
// and pushes both. The archive is synced and saved before the primary, so a
// failure at any step can duplicate a task across the files but never lose
// it. Independent syncs of either file are refused while it runs.
func (c *Coordinator) Archive(ctx context.Context) (ArchiveResult, error) {
	primary, err := c.primary.Hold()
	if err != nil {
		return ArchiveResult{}, &StepError{Step: StepHold, Err: err}
	}
	defer primary.Release()

	archive, err := c.archive.Hold()
	if err != nil {
		return ArchiveResult{}, &StepError{Step: StepHold, Err: err}
	}
	defer archive.Release()

	if err := archive.Sync(ctx); err != nil {
		return ArchiveResult{}, &StepError{Step: StepSyncArchive, Err: err}
	}

	if err := c.primary.EnsureLoaded(ctx); err != nil {
		return ArchiveResult{}, &StepError{Step: StepLoadPrimary, Err: err}
	}

	primaryBefore := c.primary.Checkpoint()
	archiveBefore := c.archive.Checkpoint()

	moved := c.primary.List().RemoveCompletedTasks(c.cfg.PreserveLineNumbers)
	if len(moved) == 0 {
		c.logger.Info("no completed tasks to archive")
		return ArchiveResult{}, nil
	}
	c.archive.List().Batch(func() {
		for _, t := range moved {
			c.archive.List().Add(t)
		}
	})
	c.logger.Info("moving completed tasks", zap.Int("count", len(moved)))

	if err := c.archive.Save(ctx); err != nil {
		// Nothing durable happened yet; put both lists back.
		if rerr := errors.Join(
			c.primary.Restore(ctx, primaryBefore),
			c.archive.Restore(ctx, archiveBefore),
		); rerr != nil {
			c.logger.Error("failed to restore lists after archive save failure", zap.Error(rerr))
		}
		return ArchiveResult{}, &StepError{Step: StepSaveArchive, Err: err}
	}
	result := ArchiveResult{Moved: moved}

	if err := c.primary.Save(ctx); err != nil {
		return result, &StepError{Step: StepSavePrimary, Err: err}
	}
	if err := archive.Sync(ctx); err != nil {
		return result, &StepError{Step: StepPushArchive, Err: err}
	}
	if err := primary.Sync(ctx); err != nil {
		return result, &StepError{Step: StepPushPrimary, Err: err}
	}

	c.logger.Info("archive complete", zap.Int("moved", len(moved)))
	return result, nil
}
