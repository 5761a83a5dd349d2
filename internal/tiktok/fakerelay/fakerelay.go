// Package fakerelay is a local webcast relay that pushes scripted TikTok events.
// It backs the devrelay command and the tiktok tests.
package fakerelay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type Server struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	offline map[string]bool
	conns   map[*websocket.Conn]struct{}
	joined  chan string
}

func New() *Server {
	return &Server{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		offline:  make(map[string]bool),
		conns:    make(map[*websocket.Conn]struct{}),
		joined:   make(chan string, 16),
	}
}

// SetOffline makes handshakes for user fail with 404.
func (s *Server) SetOffline(user string, offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline[user] = offline
}

// Joined yields the uniqueId of every accepted connection.
func (s *Server) Joined() <-chan string { return s.joined }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("uniqueId")
	s.mu.Lock()
	off := s.offline[user]
	s.mu.Unlock()
	if user == "" || off {
		http.Error(w, "user not live", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("fakerelay: upgrade failed", "err", err)
		return
	}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	select {
	case s.joined <- user:
	default:
	}

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Send pushes one {event, data} frame to every connected client.
func (s *Server) Send(event string, data any) error {
	payload, err := json.Marshal(map[string]any{"event": event, "data": data})
	if err != nil {
		return err
	}
	return s.SendRaw(payload)
}

// SendRaw pushes an arbitrary text frame.
func (s *Server) SendRaw(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for conn := range s.conns {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		err := conn.WriteMessage(websocket.TextMessage, frame)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Clients is the number of open relay sockets.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close ends every socket with a normal closure.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	}
}
