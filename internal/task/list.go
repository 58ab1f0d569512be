package task

import (
	"fmt"
	"sync"
)

// ChangeKind identifies the kind of list mutation in a Change.
type ChangeKind int

const (
	// ChangeAdded is emitted when a task is added or inserted.
	ChangeAdded ChangeKind = iota
	// ChangeRemoved is emitted when a task is removed.
	ChangeRemoved
	// ChangeReplaced is emitted when a task at an index is replaced.
	ChangeReplaced
	// ChangeUpdated is emitted when a task is mutated in place.
	ChangeUpdated
	// ChangeBatch is emitted once when an outermost batch ends.
	ChangeBatch
	// ChangeReset is emitted when the whole list is replaced programmatically
	// (load, pull, merge). Consumers must not treat it as a user edit.
	ChangeReset
)

// String returns the change kind name.
func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeRemoved:
		return "removed"
	case ChangeReplaced:
		return "replaced"
	case ChangeUpdated:
		return "updated"
	case ChangeBatch:
		return "batch"
	case ChangeReset:
		return "reset"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// IsEdit reports whether the change originated from an edit rather than a
// programmatic reset.
func (k ChangeKind) IsEdit() bool {
	return k != ChangeReset
}

// Change describes a single list mutation.
type Change struct {
	Kind  ChangeKind
	Index int
	Task  Task
	Old   Task
}

// Observer receives list changes. Observers are called synchronously after
// the list lock is released, so they may read the list.
type Observer func(Change)

// List is an ordered, observable sequence of tasks. It is safe for
// concurrent use.
type List struct {
	mu      sync.RWMutex
	tasks   []Task
	version uint64

	batchDepth   int
	batchPending bool

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObsID int
}

// NewList creates a list holding a copy of tasks.
func NewList(tasks ...Task) *List {
	l := &List{observers: make(map[int]Observer)}
	l.tasks = append([]Task(nil), tasks...)
	return l
}

// Observe registers fn and returns a function that unregisters it.
func (l *List) Observe(fn Observer) (cancel func()) {
	l.obsMu.Lock()
	id := l.nextObsID
	l.nextObsID++
	l.observers[id] = fn
	l.obsMu.Unlock()

	return func() {
		l.obsMu.Lock()
		delete(l.observers, id)
		l.obsMu.Unlock()
	}
}

func (l *List) notify(c Change) {
	l.obsMu.RLock()
	obs := make([]Observer, 0, len(l.observers))
	for _, fn := range l.observers {
		obs = append(obs, fn)
	}
	l.obsMu.RUnlock()

	for _, fn := range obs {
		fn(c)
	}
}

// mutate runs fn under the write lock, bumps the version, and emits the
// returned change unless a batch is open.
func (l *List) mutate(fn func() (Change, error)) error {
	l.mu.Lock()
	c, err := fn()
	if err != nil {
		l.mu.Unlock()
		return err
	}
	l.version++
	emit := true
	if l.batchDepth > 0 && c.Kind != ChangeReset {
		l.batchPending = true
		emit = false
	}
	l.mu.Unlock()

	if emit {
		l.notify(c)
	}
	return nil
}

func (l *List) checkIndex(i, n int) error {
	if i < 0 || i >= n {
		return fmt.Errorf("index %d out of range [0,%d)", i, n)
	}
	return nil
}

// Len returns the number of tasks.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.tasks)
}

// At returns the task at index i.
func (l *List) At(i int) (Task, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if err := l.checkIndex(i, len(l.tasks)); err != nil {
		return Task{}, err
	}
	return l.tasks[i], nil
}

// Tasks returns a snapshot of the list in storage order.
func (l *List) Tasks() []Task {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Task(nil), l.tasks...)
}

// Snapshot returns the tasks together with the version they were read at.
func (l *List) Snapshot() ([]Task, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Task(nil), l.tasks...), l.version
}

// Version returns a counter bumped on every mutation.
func (l *List) Version() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.version
}

// Bytes serializes the current list.
func (l *List) Bytes() []byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Serialize(l.tasks)
}

// IndexOf returns the index of the first task equal to t, or -1.
func (l *List) IndexOf(t Task) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i, x := range l.tasks {
		if x.Equal(t) {
			return i
		}
	}
	return -1
}

// Add appends a task.
func (l *List) Add(t Task) {
	_ = l.mutate(func() (Change, error) {
		l.tasks = append(l.tasks, t)
		return Change{Kind: ChangeAdded, Index: len(l.tasks) - 1, Task: t}, nil
	})
}

// Insert places t at index i, shifting later tasks. i may equal Len.
func (l *List) Insert(i int, t Task) error {
	return l.mutate(func() (Change, error) {
		if i < 0 || i > len(l.tasks) {
			return Change{}, fmt.Errorf("index %d out of range [0,%d]", i, len(l.tasks))
		}
		l.tasks = append(l.tasks, Task{})
		copy(l.tasks[i+1:], l.tasks[i:])
		l.tasks[i] = t
		return Change{Kind: ChangeAdded, Index: i, Task: t}, nil
	})
}

// RemoveAt removes the task at index i.
func (l *List) RemoveAt(i int) (Task, error) {
	var removed Task
	err := l.mutate(func() (Change, error) {
		if err := l.checkIndex(i, len(l.tasks)); err != nil {
			return Change{}, err
		}
		removed = l.tasks[i]
		l.tasks = append(l.tasks[:i], l.tasks[i+1:]...)
		return Change{Kind: ChangeRemoved, Index: i, Task: removed}, nil
	})
	return removed, err
}

// Remove removes the first task equal to t and reports whether one was found.
func (l *List) Remove(t Task) bool {
	err := l.mutate(func() (Change, error) {
		for i, x := range l.tasks {
			if x.Equal(t) {
				l.tasks = append(l.tasks[:i], l.tasks[i+1:]...)
				return Change{Kind: ChangeRemoved, Index: i, Task: x}, nil
			}
		}
		return Change{}, errNotInList
	})
	return err == nil
}

var errNotInList = fmt.Errorf("task not in list")

// Set replaces the task at index i.
func (l *List) Set(i int, t Task) error {
	return l.mutate(func() (Change, error) {
		if err := l.checkIndex(i, len(l.tasks)); err != nil {
			return Change{}, err
		}
		old := l.tasks[i]
		l.tasks[i] = t
		return Change{Kind: ChangeReplaced, Index: i, Task: t, Old: old}, nil
	})
}

// Update applies fn to the task at index i, for example to toggle its
// completion, and stores the result.
func (l *List) Update(i int, fn func(Task) Task) (Task, error) {
	var updated Task
	err := l.mutate(func() (Change, error) {
		if err := l.checkIndex(i, len(l.tasks)); err != nil {
			return Change{}, err
		}
		old := l.tasks[i]
		updated = fn(old)
		l.tasks[i] = updated
		return Change{Kind: ChangeUpdated, Index: i, Task: updated, Old: old}, nil
	})
	return updated, err
}

// Replace swaps the whole contents for tasks and emits a single ChangeReset.
// It is the programmatic path used by load, pull and merge.
func (l *List) Replace(tasks []Task) {
	_ = l.mutate(func() (Change, error) {
		l.tasks = append([]Task(nil), tasks...)
		return Change{Kind: ChangeReset, Index: -1}, nil
	})
}

// ReplaceIfVersion behaves like Replace but only when the list is still at
// version v. It returns the new version and whether the swap happened.
func (l *List) ReplaceIfVersion(v uint64, tasks []Task) (uint64, bool) {
	var newVersion uint64
	err := l.mutate(func() (Change, error) {
		if l.version != v {
			return Change{}, errVersionMismatch
		}
		l.tasks = append([]Task(nil), tasks...)
		newVersion = l.version + 1
		return Change{Kind: ChangeReset, Index: -1}, nil
	})
	return newVersion, err == nil
}

var errVersionMismatch = fmt.Errorf("list version changed")

// BeginBatch defers notifications until the matching EndBatch. Batches nest.
func (l *List) BeginBatch() {
	l.mu.Lock()
	l.batchDepth++
	l.mu.Unlock()
}

// EndBatch closes a batch. When the outermost batch closes and any mutation
// happened inside it, one ChangeBatch notification is emitted.
func (l *List) EndBatch() {
	l.mu.Lock()
	if l.batchDepth == 0 {
		l.mu.Unlock()
		return
	}
	l.batchDepth--
	emit := l.batchDepth == 0 && l.batchPending
	if emit {
		l.batchPending = false
	}
	l.mu.Unlock()

	if emit {
		l.notify(Change{Kind: ChangeBatch, Index: -1})
	}
}

// Batch runs fn between BeginBatch and EndBatch.
func (l *List) Batch(fn func()) {
	l.BeginBatch()
	defer l.EndBatch()
	fn()
}

// RemoveCompletedTasks removes completed tasks and returns them in their
// original order. With preserveLineNumbers each removed task is replaced by
// a blank line so the remaining tasks keep their positions.
func (l *List) RemoveCompletedTasks(preserveLineNumbers bool) []Task {
	var completed []Task
	_ = l.mutate(func() (Change, error) {
		kept := make([]Task, 0, len(l.tasks))
		for _, t := range l.tasks {
			if !t.Completed {
				kept = append(kept, t)
				continue
			}
			completed = append(completed, t)
			if preserveLineNumbers {
				kept = append(kept, Task{})
			}
		}
		if len(completed) == 0 {
			return Change{}, errNoCompleted
		}
		l.tasks = kept
		return Change{Kind: ChangeBatch, Index: -1}, nil
	})
	return completed
}

var errNoCompleted = fmt.Errorf("no completed tasks")

// Filter returns the tasks for which keep returns true, in storage order.
func (l *List) Filter(keep func(Task) bool) []Task {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Task
	for _, t := range l.tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

// ByProject matches tasks tagged with +project.
func ByProject(project string) func(Task) bool {
	return func(t Task) bool { return t.HasProject(project) }
}

// ByContext matches tasks tagged with @context.
func ByContext(context string) func(Task) bool {
	return func(t Task) bool { return t.HasContext(context) }
}
