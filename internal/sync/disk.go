package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/todosync/todosync/internal/task"
)

// ErrUnsavedEdits is returned by ReloadChanged when the file changed on disk
// while the list holds edits that were not saved yet.
var ErrUnsavedEdits = errors.New("list has unsaved edits")

// ReloadChanged adopts the local file when another program changed it and
// saves it back as an unpushed change. It reports false when the file still
// holds what this orchestrator last read or wrote, including writes made by
// a pull or merge that is finishing concurrently.
func (o *Orchestrator) ReloadChanged(ctx context.Context) (bool, error) {
	o.io.Lock()
	defer o.io.Unlock()

	data, err := o.local.Read(o.cfg.Name)
	if err != nil {
		return false, err
	}
	if o.diskKnown && xxhash.Sum64(data) == o.diskHash {
		return false, nil
	}
	if o.Dirty() {
		return false, ErrUnsavedEdits
	}
	tasks, err := task.ParseAll(data)
	if err != nil {
		return false, fmt.Errorf("reload %s: %w", o.cfg.Name, err)
	}

	o.setState(Loading)
	defer o.settle()

	o.recordDisk(data)
	o.list.Replace(tasks)
	o.markSaved(o.list.Version())
	o.logger.Info("adopted external edit", zap.Int("tasks", len(tasks)))
	return true, o.saveLocked(ctx)
}

// Checkpoint captures the list and whether it had unsaved edits, for
// Restore.
type Checkpoint struct {
	tasks []task.Task
	dirty bool
}

// Checkpoint captures the current list.
func (o *Orchestrator) Checkpoint() Checkpoint {
	o.mu.Lock()
	defer o.mu.Unlock()
	tasks, v := o.list.Snapshot()
	return Checkpoint{tasks: tasks, dirty: v != o.savedVersion}
}

// Restore puts the list back to cp. A checkpoint taken while the list was
// saved leaves the list saved, rewriting the local file only if it no
// longer matches, so a rolled back operation does not surface as a local
// change on the next sync.
func (o *Orchestrator) Restore(ctx context.Context, cp Checkpoint) error {
	o.io.Lock()
	defer o.io.Unlock()

	var v uint64
	for {
		var ok bool
		if v, ok = o.list.ReplaceIfVersion(o.list.Version(), cp.tasks); ok {
			break
		}
	}
	if cp.dirty {
		return nil
	}

	data := task.Serialize(cp.tasks)
	if !o.diskKnown || xxhash.Sum64(data) != o.diskHash {
		if err := o.writeLocked(data); err != nil {
			return fmt.Errorf("restore %s: %w", o.cfg.Name, err)
		}
	}
	o.markSaved(v)
	return nil
}
