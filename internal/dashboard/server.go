// Package dashboard exposes the sync engine's state over a local
// WebSocket so desktop or web frontends can observe it live: status
// snapshots on every orchestrator transition and row-change events as
// they are applied to the store.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ledgersync/ledgersync/internal/syncer"
)

// MessageType defines the kind of dashboard message.
type MessageType string

const (
	// MessageTypeStatus carries a syncer.Status snapshot.
	MessageTypeStatus MessageType = "status"

	// MessageTypeChange carries one applied row change.
	MessageTypeChange MessageType = "change"
)

// Message is one dashboard broadcast.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ChangeData describes an applied row change.
type ChangeData struct {
	Table     string `json:"table"`
	ID        string `json:"id"`
	Operation string `json:"operation"`
	Origin    string `json:"origin"` // local or remote
}

// Config holds server configuration.
type Config struct {
	// Port to listen on; 0 picks an ephemeral port. The config layer
	// defaults this to 8844 for the daemon.
	Port int

	// Logger for server activity. Defaults to stderr.
	Logger *log.Logger
}

// Server manages WebSocket connections and fans sync events out to
// them. New clients receive the latest status snapshot on connect.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]bool

	statusMu   sync.Mutex
	lastStatus *syncer.Status

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a dashboard server; call Start to begin listening.
func NewServer(config *Config) *Server {
	if config == nil {
		config = &Config{}
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      fmt.Sprintf("127.0.0.1:%d", config.Port),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins the HTTP server and WebSocket handler.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", s.addr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.wg.Wait()
	return nil
}

// BroadcastStatus publishes a status snapshot to all clients. Wire it
// directly into Orchestrator.Subscribe.
func (s *Server) BroadcastStatus(status syncer.Status) {
	s.statusMu.Lock()
	s.lastStatus = &status
	s.statusMu.Unlock()

	data, err := json.Marshal(status)
	if err != nil {
		s.logger.Printf("Failed to marshal status: %v", err)
		return
	}
	s.enqueue(Message{Type: MessageTypeStatus, Data: data})
}

// BroadcastChange publishes one applied row change. Wire it into
// store.Subscribe.
func (s *Server) BroadcastChange(change ChangeData) {
	data, err := json.Marshal(change)
	if err != nil {
		s.logger.Printf("Failed to marshal change: %v", err)
		return
	}
	s.enqueue(Message{Type: MessageTypeChange, Data: data})
}

func (s *Server) enqueue(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("Client connected (total: %d)", count)

	// A new client starts from the latest known status rather than
	// waiting for the next transition.
	s.statusMu.Lock()
	last := s.lastStatus
	s.statusMu.Unlock()
	if last != nil {
		data, _ := json.Marshal(last)
		welcome, _ := json.Marshal(Message{Type: MessageTypeStatus, Timestamp: time.Now(), Data: data})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = conn.Write(ctx, websocket.MessageText, welcome)
		cancel()
	}

	go s.readLoop(conn)
}

// readLoop drains client frames so pings are answered; client messages
// carry no meaning.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		count := len(s.clients)
		s.clientsMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", count)
		return
	}
	s.clientsMu.Unlock()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	count := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": count,
	})
}

// Addr returns the listening address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
