// Command devrelay serves a fake TikTok webcast relay for local overlay work.
// Point tiktok.relay_url at ws://127.0.0.1:8788/webcast.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/you/multichat/internal/tiktok/fakerelay"
)

type emitReq struct {
	Event    string `json:"event"`
	Username string `json:"username"`
	Text     string `json:"text"`
	Gift     string `json:"gift,omitempty"`
	Count    int    `json:"count,omitempty"`
	Viewers  int    `json:"viewers,omitempty"`
}

func (r emitReq) payload() (string, map[string]any, error) {
	switch r.Event {
	case "", "chat":
		if r.Username == "" || r.Text == "" {
			return "", nil, fmt.Errorf("username and text required")
		}
		return "chat", map[string]any{"uniqueId": r.Username, "comment": r.Text}, nil
	case "gift":
		count := r.Count
		if count <= 0 {
			count = 1
		}
		return "gift", map[string]any{
			"uniqueId":    r.Username,
			"giftName":    r.Gift,
			"giftType":    1,
			"repeatEnd":   true,
			"repeatCount": count,
		}, nil
	case "roomInfo":
		return "roomInfo", map[string]any{"viewerCount": r.Viewers}, nil
	case "streamEnd":
		return "streamEnd", map[string]any{}, nil
	default:
		return "", nil, fmt.Errorf("unknown event %q", r.Event)
	}
}

var script = []emitReq{
	{Event: "chat", Username: "devfan", Text: "hello from the fake relay"},
	{Event: "roomInfo", Viewers: 42},
	{Event: "chat", Username: "lurker", Text: "first time here"},
	{Event: "gift", Username: "devfan", Gift: "Rose", Count: 5},
	{Event: "chat", Username: "modbot", Text: "be nice in chat"},
}

func main() {
	var (
		addr     string
		interval time.Duration
		offline  string
	)
	flag.StringVar(&addr, "addr", "127.0.0.1:8788", "HTTP listen address")
	flag.DurationVar(&interval, "interval", 3*time.Second, "Scripted event interval (0 disables)")
	flag.StringVar(&offline, "offline", "", "Comma separated usernames reported as not live")
	flag.Parse()

	relay := fakerelay.New()
	for _, user := range strings.Split(offline, ",") {
		if user = strings.TrimSpace(user); user != "" {
			relay.SetOffline(user, true)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("GET /webcast", relay)
	mux.HandleFunc("POST /emit", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req emitReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		event, data, err := req.payload()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := relay.Send(event, data); err != nil {
			http.Error(w, "send failed: "+err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "clients": relay.Clients()})
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if interval > 0 {
		go runScript(ctx, relay, interval)
	}

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		relay.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("devrelay listening", "addr", addr, "interval", interval)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("devrelay stopped", "err", err)
		os.Exit(1)
	}
}

func runScript(ctx context.Context, relay *fakerelay.Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if relay.Clients() == 0 {
			continue
		}
		event, data, err := script[i%len(script)].payload()
		if err != nil {
			continue
		}
		if err := relay.Send(event, data); err != nil {
			slog.Warn("devrelay: send failed", "event", event, "err", err)
		}
	}
}
