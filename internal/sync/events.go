package sync

import (
	"fmt"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/todosync/todosync/internal/task"
)

// State is the loading state of a tracked file.
type State int

const (
	Ready State = iota
	Loading
	Saving
	Syncing
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Loading:
		return "loading"
	case Saving:
		return "saving"
	case Syncing:
		return "syncing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventKind identifies the kind of Event.
type EventKind int

const (
	// EventStateChanged is emitted on every state transition.
	EventStateChanged EventKind = iota
	// EventListChanged is emitted for every task list notification.
	EventListChanged
	// EventSyncError is emitted once per failed sync.
	EventSyncError
	// EventHasChangesChanged is emitted when the unpushed-changes flag flips.
	EventHasChangesChanged
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventListChanged:
		return "list_changed"
	case EventSyncError:
		return "sync_error"
	case EventHasChangesChanged:
		return "has_changes_changed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a notification from an Orchestrator.
type Event struct {
	File string
	Kind EventKind
	Time time.Time

	// State is set for EventStateChanged.
	State State

	// Change and Reset are set for EventListChanged. Reset is true when the
	// list was replaced programmatically (load, pull, merge); such changes
	// must not be treated as user edits.
	Change task.ChangeKind
	Reset  bool

	// Err and Category are set for EventSyncError.
	Err      error
	Category string

	// HasChanges is set for EventHasChangesChanged.
	HasChanges bool
}

// subscriberBuffer is the channel capacity per subscriber. Events beyond it
// are dropped for that subscriber.
const subscriberBuffer = 128

// Subscribe returns a channel receiving every subsequent event and a
// function that unsubscribes and closes the channel.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	o.subMu.Lock()
	id := o.nextSubID
	o.nextSubID++
	o.subs[id] = ch
	o.subMu.Unlock()

	var once stdsync.Once
	return ch, func() {
		once.Do(func() {
			o.subMu.Lock()
			if _, ok := o.subs[id]; ok {
				delete(o.subs, id)
				close(ch)
			}
			o.subMu.Unlock()
		})
	}
}

func (o *Orchestrator) publish(e Event) {
	e.File = o.cfg.Name
	e.Time = time.Now()

	o.subMu.Lock()
	defer o.subMu.Unlock()
	for _, ch := range o.subs {
		select {
		case ch <- e:
		default:
			o.logger.Warn("dropping event for slow subscriber", zap.Stringer("kind", e.Kind))
		}
	}
}

func (o *Orchestrator) closeSubscribers() {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for id, ch := range o.subs {
		delete(o.subs, id)
		close(ch)
	}
}
