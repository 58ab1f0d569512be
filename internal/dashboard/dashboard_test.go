package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/todosync/todosync/internal/localstore"
	"github.com/todosync/todosync/internal/remote"
	"github.com/todosync/todosync/internal/remote/remotetest"
	"github.com/todosync/todosync/internal/state"
	tsync "github.com/todosync/todosync/internal/sync"
	"github.com/todosync/todosync/internal/task"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memMetadata struct {
	mu sync.Mutex
	m  map[string]state.Metadata
}

func (s *memMetadata) Metadata(_ context.Context, file string) (state.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[file], nil
}

func (s *memMetadata) SaveMetadata(_ context.Context, file string, md state.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[file] = md
	return nil
}

func newOrchestrator(t *testing.T) *tsync.Orchestrator {
	t.Helper()
	o, err := tsync.New(tsync.DefaultConfig("todo.txt"),
		localstore.NewFs(afero.NewMemMapFs()),
		remotetest.New(),
		&memMetadata{m: make(map[string]state.Metadata)},
		tsync.Options{})
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return o
}

func startServer(t *testing.T, status StatusFunc) *Server {
	t.Helper()
	s := NewServer(&Config{Addr: "127.0.0.1:0", Status: status})
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func httpClient(t *testing.T) *http.Client {
	t.Helper()
	tr := &http.Transport{}
	t.Cleanup(tr.CloseIdleConnections)
	return &http.Client{Transport: tr, Timeout: 5 * time.Second}
}

func dial(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr := &http.Transport{}
	t.Cleanup(tr.CloseIdleConnections)
	conn, _, err := websocket.Dial(ctx, "ws://"+s.Addr()+"/ws", &websocket.DialOptions{
		HTTPClient: &http.Client{Transport: tr},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func waitForClients(t *testing.T, s *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.ClientCount() == n }, 5*time.Second, 10*time.Millisecond)
}

func TestServerStreamsEvents(t *testing.T) {
	o := newOrchestrator(t)
	s := startServer(t, StatusOf(o))

	h := NewHandler(s, nil)
	detach := h.Attach(o)
	t.Cleanup(func() {
		detach()
		h.Wait()
	})

	conn := dial(t, s)

	greeting := readMessage(t, conn)
	require.Equal(t, MessageTypeStatus, greeting.Type)
	var status StatusData
	require.NoError(t, json.Unmarshal(greeting.Data, &status))
	require.Len(t, status.Files, 1)
	assert.Equal(t, "todo.txt", status.Files[0].File)
	assert.Equal(t, "ready", status.Files[0].State)

	waitForClients(t, s, 1)
	o.List().Add(task.Parse("stream me"))

	msg := readMessage(t, conn)
	require.Equal(t, MessageTypeList, msg.Type)
	var list ListData
	require.NoError(t, json.Unmarshal(msg.Data, &list))
	assert.Equal(t, ListData{File: "todo.txt", Change: "added"}, list)
}

func TestStopDisconnectsClients(t *testing.T) {
	s := startServer(t, nil)
	conn := dial(t, s)
	waitForClients(t, s, 1)

	require.NoError(t, s.Stop())
	assert.Zero(t, s.ClientCount())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Error(t, err)
}

func TestClientDisconnectIsNoticed(t *testing.T) {
	s := startServer(t, nil)
	conn := dial(t, s)
	waitForClients(t, s, 1)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	waitForClients(t, s, 0)
}

func TestHealthAndStatusEndpoints(t *testing.T) {
	o := newOrchestrator(t)
	s := startServer(t, StatusOf(o))
	client := httpClient(t)

	resp, err := client.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	_ = resp.Body.Close()
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 0, health["clients"])

	resp, err = client.Get("http://" + s.Addr() + "/status")
	require.NoError(t, err)
	var status StatusData
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	_ = resp.Body.Close()
	require.Len(t, status.Files, 1)
	assert.Equal(t, "todo.txt", status.Files[0].File)
}

func TestStatusUnavailable(t *testing.T) {
	s := startServer(t, nil)

	resp, err := httpClient(t).Get("http://" + s.Addr() + "/status")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMessageFor(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		event tsync.Event
		typ   MessageType
		data  any
	}{
		{
			name:  "state",
			event: tsync.Event{File: "todo.txt", Kind: tsync.EventStateChanged, State: tsync.Syncing},
			typ:   MessageTypeState,
			data:  StateData{File: "todo.txt", State: "syncing"},
		},
		{
			name:  "list reset",
			event: tsync.Event{File: "todo.txt", Kind: tsync.EventListChanged, Change: task.ChangeReset, Reset: true},
			typ:   MessageTypeList,
			data:  ListData{File: "todo.txt", Change: "reset", Reset: true},
		},
		{
			name: "sync error",
			event: tsync.Event{File: "done.txt", Kind: tsync.EventSyncError,
				Err: errors.New("boom"), Category: remote.Category(remote.ErrServer)},
			typ:  MessageTypeSyncError,
			data: SyncErrorData{File: "done.txt", Category: "server", Error: "boom"},
		},
		{
			name:  "has changes",
			event: tsync.Event{File: "todo.txt", Kind: tsync.EventHasChangesChanged, HasChanges: true},
			typ:   MessageTypeHasChanges,
			data:  HasChangesData{File: "todo.txt", HasChanges: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.event.Time = at
			msg, err := MessageFor(tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.typ, msg.Type)
			assert.Equal(t, at, msg.Timestamp)

			want, err := json.Marshal(tt.data)
			require.NoError(t, err)
			assert.JSONEq(t, string(want), string(msg.Data))
		})
	}
}
