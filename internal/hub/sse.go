package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const ssePingEvery = 20 * time.Second

var errSSEClosed = errors.New("hub: sse stream closed")

// sseConn serializes writes from the client writer and the keepalive ticker
// onto one ResponseWriter.
type sseConn struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

func (s *sseConn) Write(_ context.Context, frame []byte) error {
	return s.send(func() error {
		_, err := fmt.Fprintf(s.w, "data: %s\n\n", frame)
		return err
	})
}

func (s *sseConn) ping() error {
	return s.send(func() error {
		_, err := fmt.Fprint(s.w, ":ping\n\n")
		return err
	})
}

func (s *sseConn) send(write func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSSEClosed
	}
	if err := write(); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseConn) Close(string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ServeSSE streams envelopes as Server-Sent Events until the request ends.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	conn := &sseConn{w: w, flusher: flusher}
	if err := conn.send(func() error {
		_, err := fmt.Fprint(w, ":ok\n\n")
		return err
	}); err != nil {
		return
	}

	client, err := h.Attach(r.Context(), "sse", conn)
	if err != nil {
		return
	}

	ticker := time.NewTicker(ssePingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			client.Detach()
			<-client.Done()
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				client.Detach()
				<-client.Done()
				return
			}
		}
	}
}
