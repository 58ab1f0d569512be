package dashboard

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	tsync "github.com/todosync/todosync/internal/sync"
)

// FileStatus is the dashboard view of one tracked file.
type FileStatus struct {
	File          string    `json:"file"`
	State         string    `json:"state"`
	Tasks         int       `json:"tasks"`
	LocalRevision string    `json:"local_revision,omitempty"`
	HasChanges    bool      `json:"has_changes"`
	Dirty         bool      `json:"dirty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

// StatusData contains the status of every file
type StatusData struct {
	Files []FileStatus `json:"files"`
}

// StateData contains a loading state transition
type StateData struct {
	File  string `json:"file"`
	State string `json:"state"`
}

// ListData contains list change information
type ListData struct {
	File   string `json:"file"`
	Change string `json:"change"`
	Reset  bool   `json:"reset"`
}

// SyncErrorData contains a failed sync
type SyncErrorData struct {
	File     string `json:"file"`
	Category string `json:"category"`
	Error    string `json:"error"`
}

// HasChangesData contains the unpushed-changes flag
type HasChangesData struct {
	File       string `json:"file"`
	HasChanges bool   `json:"has_changes"`
}

func newMessage(typ MessageType, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Timestamp: time.Now(), Data: raw}, nil
}

// MessageFor converts an orchestrator event to a dashboard message.
func MessageFor(e tsync.Event) (Message, error) {
	var (
		typ  MessageType
		data any
	)
	switch e.Kind {
	case tsync.EventStateChanged:
		typ, data = MessageTypeState, StateData{File: e.File, State: e.State.String()}
	case tsync.EventListChanged:
		typ, data = MessageTypeList, ListData{File: e.File, Change: e.Change.String(), Reset: e.Reset}
	case tsync.EventSyncError:
		msg := ""
		if e.Err != nil {
			msg = e.Err.Error()
		}
		typ, data = MessageTypeSyncError, SyncErrorData{File: e.File, Category: e.Category, Error: msg}
	default:
		typ, data = MessageTypeHasChanges, HasChangesData{File: e.File, HasChanges: e.HasChanges}
	}

	m, err := newMessage(typ, data)
	if err != nil {
		return Message{}, err
	}
	if !e.Time.IsZero() {
		m.Timestamp = e.Time
	}
	return m, nil
}

// Handler forwards orchestrator events to a Server.
type Handler struct {
	server *Server
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{server: server, logger: logger.Named("dashboard")}
}

// Attach forwards every event of o until detach is called or o is closed.
func (h *Handler) Attach(o *tsync.Orchestrator) (detach func()) {
	events, unsubscribe := o.Subscribe()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for e := range events {
			msg, err := MessageFor(e)
			if err != nil {
				h.logger.Error("failed to format event", zap.Error(err))
				continue
			}
			h.server.Broadcast(msg)
		}
	}()
	return unsubscribe
}

// Wait blocks until every attached forwarder has stopped.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// StatusOf builds a StatusFunc over the given orchestrators.
func StatusOf(orchs ...*tsync.Orchestrator) StatusFunc {
	return func(ctx context.Context) ([]FileStatus, error) {
		out := make([]FileStatus, 0, len(orchs))
		for _, o := range orchs {
			st, err := o.Status(ctx)
			if err != nil {
				return nil, err
			}
			out = append(out, FileStatus{
				File:          st.Name,
				State:         st.State.String(),
				Tasks:         o.List().Len(),
				LocalRevision: st.Metadata.LocalRevision,
				HasChanges:    st.Metadata.HasChanges,
				Dirty:         st.Dirty,
				UpdatedAt:     st.Metadata.UpdatedAt,
			})
		}
		return out, nil
	}
}
