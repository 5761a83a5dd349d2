package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/you/multichat/internal/core"
	"github.com/you/multichat/internal/hub"
	"github.com/you/multichat/internal/telemetry"
)

func startStreamServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	h := hub.New(hub.Options{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.Done()
	})
	srv := httptest.NewServer(New(newFakeController(), h, nil, nil, opts).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestWebsocketUpgradeThroughMiddleware(t *testing.T) {
	metrics := telemetry.New()
	srv := startStreamServer(t, Options{Metrics: metrics, RateLimit: 10, RateBurst: 5})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	var env core.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode greeting: %v", err)
	}
	if env.Type != core.TypeConnection {
		t.Fatalf("first frame type = %q", env.Type)
	}
}

func TestSSEThroughMiddlewareIsPlain(t *testing.T) {
	srv := startStreamServer(t, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stream", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := (&http.Transport{DisableCompression: true}).RoundTrip(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if enc := resp.Header.Get("Content-Encoding"); enc != "" {
		t.Fatalf("event stream must not be compressed, got %q", enc)
	}
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read first line: %v", err)
	}
	if line != ":ok\n" {
		t.Fatalf("unexpected first line %q", line)
	}
}
