// Package dashboard provides a WebSocket server that streams sync activity.
//
// The dashboard broadcasts state transitions, list edits, sync errors and
// unpushed-change flags for each tracked file to connected clients.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// MessageType names the payload carried by a Message.
type MessageType string

const (
	// MessageTypeStatus carries the status of every file. It is the first
	// message each client receives.
	MessageTypeStatus MessageType = "status"

	MessageTypeState      MessageType = "state"
	MessageTypeList       MessageType = "list"
	MessageTypeSyncError  MessageType = "sync_error"
	MessageTypeHasChanges MessageType = "has_changes"
)

// Message is the envelope written to clients as one JSON text frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StatusFunc reports the current status of every file.
type StatusFunc func(ctx context.Context) ([]FileStatus, error)

const (
	// clientQueueSize bounds the frames waiting for one client. A client
	// that falls this far behind is disconnected.
	clientQueueSize = 64

	writeTimeout    = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: 127.0.0.1:7420)
	Addr string

	// Status, when set, backs the /status endpoint and the greeting sent to
	// new clients.
	Status StatusFunc

	Logger *zap.Logger
}

// DefaultConfig returns the loopback listen address and a no-op logger.
func DefaultConfig() *Config {
	return &Config{
		Addr:   "127.0.0.1:7420",
		Logger: zap.NewNop(),
	}
}

// Server fans messages out to WebSocket clients. Each client has its own
// send queue and writer goroutine.
type Server struct {
	addr   string
	status StatusFunc
	logger *zap.Logger

	ln   net.Listener
	http *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	// done is closed by Stop to end every client.
	done chan struct{}
	wg   sync.WaitGroup
}

type client struct {
	conn  *websocket.Conn
	queue chan []byte

	// evicted is closed when the client is dropped for falling behind.
	evicted   chan struct{}
	evictOnce sync.Once
}

func (c *client) evict() {
	c.evictOnce.Do(func() { close(c.evicted) })
}

// NewServer creates a server. Call Start to begin listening.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	addr := config.Addr
	if addr == "" {
		addr = DefaultConfig().Addr
	}

	return &Server{
		addr:    addr,
		status:  config.Status,
		logger:  logger.Named("dashboard"),
		clients: make(map[*client]struct{}),
		done:    make(chan struct{}),
	}
}

// Start listens on the configured address and serves /ws, /health and
// /status in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("dashboard listening", zap.String("addr", ln.Addr().String()))
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dashboard server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the HTTP server down. It is safe
// to call more than once.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	var err error
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := s.http.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("dashboard shutdown: %w", shutdownErr)
		}
	}

	s.wg.Wait()
	s.logger.Info("dashboard stopped")
	return err
}

// Broadcast queues msg for every connected client without blocking.
func (s *Server) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to encode message", zap.String("type", string(msg.Type)), zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.queue <- frame:
		default:
			s.logger.Warn("client too slow, disconnecting", zap.String("type", string(msg.Type)))
			c.evict()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		conn:    conn,
		queue:   make(chan []byte, clientQueueSize),
		evicted: make(chan struct{}),
	}

	// The greeting is queued before the client is visible to Broadcast so
	// it is always delivered first.
	if greeting, ok := s.statusMessage(r.Context()); ok {
		if frame, err := json.Marshal(greeting); err == nil {
			c.queue <- frame
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Debug("client connected", zap.Int("clients", n))
	go s.serveClient(c)
}

// serveClient writes queued frames until the peer goes away, the client is
// evicted or the server stops. Incoming frames are discarded.
func (s *Server) serveClient(c *client) {
	defer s.wg.Done()

	peer := c.conn.CloseRead(context.Background())
	code, reason := websocket.StatusNormalClosure, ""
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		n := len(s.clients)
		s.mu.Unlock()
		_ = c.conn.Close(code, reason)
		s.logger.Debug("client disconnected", zap.Int("clients", n))
	}()

	for {
		select {
		case frame := <-c.queue:
			ctx, cancel := context.WithTimeout(peer, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				s.logger.Debug("write to client failed", zap.Error(err))
				return
			}
		case <-peer.Done():
			return
		case <-c.evicted:
			code, reason = websocket.StatusPolicyViolation, "too slow"
			return
		case <-s.done:
			code, reason = websocket.StatusGoingAway, "server shutting down"
			return
		}
	}
}

func (s *Server) statusMessage(ctx context.Context) (Message, bool) {
	if s.status == nil {
		return Message{}, false
	}
	files, err := s.status(ctx)
	if err != nil {
		s.logger.Warn("failed to read status", zap.Error(err))
		return Message{}, false
	}
	msg, err := newMessage(MessageTypeStatus, StatusData{Files: files})
	if err != nil {
		return Message{}, false
	}
	return msg, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.statusMessage(r.Context())
	if !ok {
		http.Error(w, "status unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, msg.Data)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
