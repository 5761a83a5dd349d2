package httpapi

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/you/multichat/internal/badges"
	"github.com/you/multichat/internal/core"
	"github.com/you/multichat/internal/supervisor"
	"github.com/you/multichat/internal/telemetry"
	"github.com/you/multichat/internal/window"
)

type fakeController struct {
	statuses map[core.Platform]core.Status
	started  []core.Platform
}

func newFakeController() *fakeController {
	return &fakeController{statuses: map[core.Platform]core.Status{
		core.Twitch:  {State: core.StateStopped, Message: "No Twitch channel configured"},
		core.YouTube: {State: core.StateStopped, Message: "Not started", Channel: "UCx"},
		core.TikTok:  {State: core.StateStopped, Message: "Not started", Channel: "streamer"},
	}}
}

func (f *fakeController) check(p core.Platform) error {
	if _, ok := f.statuses[p]; !ok {
		return supervisor.ErrUnknownPlatform
	}
	if p == core.Twitch {
		return fmt.Errorf("%w: no channel", supervisor.ErrNotConfigured)
	}
	return nil
}

func (f *fakeController) Start(_ context.Context, p core.Platform) (bool, error) {
	if err := f.check(p); err != nil {
		return false, err
	}
	f.started = append(f.started, p)
	f.statuses[p] = core.Status{State: core.StateConnected, Running: true, Channel: f.statuses[p].Channel}
	return true, nil
}

func (f *fakeController) Stop(p core.Platform) (bool, error) {
	if err := f.check(p); err != nil {
		return false, err
	}
	f.statuses[p] = core.Status{State: core.StateStopped, Message: "Stopped"}
	return false, nil
}

func (f *fakeController) Restart(ctx context.Context, p core.Platform) error {
	_, err := f.Start(ctx, p)
	return err
}

func (f *fakeController) Status(p core.Platform) (core.Status, error) {
	st, ok := f.statuses[p]
	if !ok {
		return core.Status{}, supervisor.ErrUnknownPlatform
	}
	return st, nil
}

func (f *fakeController) Statuses() map[core.Platform]core.Status { return f.statuses }

type fakeStreams struct{}

func (fakeStreams) ServeWS(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusSwitchingProtocols)
}
func (fakeStreams) ServeSSE(w http.ResponseWriter, _ *http.Request) {
	_, _ = io.WriteString(w, ":ok\n\n")
}
func (fakeStreams) Clients() int { return 2 }

type fakeBadges struct{ fail bool }

func (f fakeBadges) Get(_ context.Context, channel string) (*badges.Catalog, error) {
	if f.fail {
		return nil, errors.New("helix down")
	}
	return &badges.Catalog{Channel: channel, BadgeSets: map[string]badges.Set{
		"subscriber": {Versions: map[string]badges.Image{"1": {URL1x: "https://cdn.test/1.png"}}},
	}}, nil
}

func newTestServer(t *testing.T, opts Options) (*Server, *fakeController, *window.Store) {
	t.Helper()
	store, err := window.Open(context.Background(), window.Options{Capacity: 50})
	if err != nil {
		t.Fatalf("open window: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctl := newFakeController()
	return New(ctl, fakeStreams{}, fakeBadges{}, store, opts), ctl, store
}

func do(t *testing.T, s *Server, method, target string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})
	rec := do(t, s, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected healthz %d %q", rec.Code, rec.Body.String())
	}
}

func TestStatusRoutes(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})

	rec := do(t, s, http.MethodGet, "/api/status", nil)
	var all map[string]core.Status
	decode(t, rec, &all)
	if len(all) != 3 || all["youtube"].Message != "Not started" {
		t.Fatalf("unexpected statuses: %+v", all)
	}

	rec = do(t, s, http.MethodGet, "/api/TikTok/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var one core.Status
	decode(t, rec, &one)
	if one.Channel != "streamer" {
		t.Fatalf("unexpected status %+v", one)
	}

	for _, path := range []string{"/api/myspace/status", "/api/tiktok/other"} {
		if rec := do(t, s, http.MethodGet, path, nil); rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, rec.Code)
		}
	}
}

func TestControlRoutes(t *testing.T) {
	s, ctl, _ := newTestServer(t, Options{})

	cases := []struct {
		path    string
		code    int
		success bool
	}{
		{"/api/tiktok/start", http.StatusOK, true},
		{"/api/twitch/start", http.StatusBadRequest, false},
		{"/api/myspace/start", http.StatusNotFound, false},
		{"/api/tiktok/stop", http.StatusOK, true},
		{"/api/youtube/restart", http.StatusOK, true},
	}
	for _, tc := range cases {
		rec := do(t, s, http.MethodPost, tc.path, nil)
		if rec.Code != tc.code {
			t.Fatalf("%s: expected %d, got %d (%s)", tc.path, tc.code, rec.Code, rec.Body.String())
		}
		var resp controlResponse
		decode(t, rec, &resp)
		if resp.Success != tc.success {
			t.Fatalf("%s: expected success=%v, got %+v", tc.path, tc.success, resp)
		}
		if tc.success && resp.Status == nil {
			t.Fatalf("%s: expected status in response", tc.path)
		}
	}
	if len(ctl.started) != 2 {
		t.Fatalf("expected two starts, got %v", ctl.started)
	}

	if rec := do(t, s, http.MethodGet, "/api/tiktok/start", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("GET start should not route, got %d", rec.Code)
	}
}

func TestMessagesRoute(t *testing.T) {
	s, _, store := newTestServer(t, Options{})
	for i, p := range []core.Platform{core.Twitch, core.TikTok, core.Twitch} {
		msg := core.ChatMessage{ID: fmt.Sprint(i), Ts: int64(i), Platform: p, Username: "user", Message: fmt.Sprintf("msg %d", i), Badges: []string{}}
		if err := store.Write(msg); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	rec := do(t, s, http.MethodGet, "/api/messages?platform=twitch&order=asc", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp messagesResponse
	decode(t, rec, &resp)
	if resp.Count != 2 || len(resp.Messages) != 2 || resp.Messages[0].ID != "0" {
		t.Fatalf("unexpected messages: %+v", resp)
	}

	if rec := do(t, s, http.MethodGet, "/api/messages?limit=-1", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestBadgesRoute(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})
	rec := do(t, s, http.MethodGet, "/api/badges/SomeChannel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var cat map[string]any
	decode(t, rec, &cat)
	if _, ok := cat["badge_sets"]; !ok {
		t.Fatalf("missing badge_sets: %v", cat)
	}

	failing := New(newFakeController(), fakeStreams{}, fakeBadges{fail: true}, nil, Options{})
	if rec := do(t, failing, http.MethodGet, "/api/badges/x", nil); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if rec := do(t, failing, http.MethodGet, "/api/messages", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without window, got %d", rec.Code)
	}
	noBadges := New(newFakeController(), fakeStreams{}, nil, nil, Options{})
	if rec := do(t, noBadges, http.MethodGet, "/api/badges/x", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without badges, got %d", rec.Code)
	}
}

func TestInfoRoute(t *testing.T) {
	s, _, _ := newTestServer(t, Options{Build: BuildInfo{Version: "1.2.3", Revision: "abc"}, Summary: map[string]any{"addr": ":8787"}})
	rec := do(t, s, http.MethodGet, "/api/info", nil)
	var info infoResponse
	decode(t, rec, &info)
	if info.Version != "1.2.3" || info.Revision != "abc" || info.Clients != 2 || info.Go == "" {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestRateLimit(t *testing.T) {
	metrics := telemetry.New()
	s, _, _ := newTestServer(t, Options{RateLimit: 1, RateBurst: 1, Metrics: metrics})

	if rec := do(t, s, http.MethodGet, "/api/status", nil); rec.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", rec.Code)
	}
	rec := do(t, s, http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	// health checks are never limited
	if rec := do(t, s, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz should not be limited, got %d", rec.Code)
	}

	body := do(t, s, http.MethodGet, "/metrics", nil).Body.String()
	for _, want := range []string{"multichat_http_rate_limited_total 1", "multichat_http_requests_total"} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestGzipResponses(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})
	rec := do(t, s, http.MethodGet, "/api/status", map[string]string{"Accept-Encoding": "gzip"})
	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip encoding, headers %v", rec.Header())
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	var all map[string]core.Status
	if err := json.NewDecoder(zr).Decode(&all); err != nil {
		t.Fatalf("decode gzip body: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("unexpected statuses %v", all)
	}
}

func TestCORS(t *testing.T) {
	s, _, _ := newTestServer(t, Options{CORSOrigins: []string{"https://overlay.test"}})

	rec := do(t, s, http.MethodOptions, "/api/tiktok/start", map[string]string{
		"Origin":                        "https://overlay.test",
		"Access-Control-Request-Method": "POST",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://overlay.test" {
		t.Fatalf("unexpected allow origin %q", got)
	}

	rec = do(t, s, http.MethodGet, "/api/status", map[string]string{"Origin": "https://evil.test"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for disallowed origin, got %d", rec.Code)
	}
}

func TestRateLimitBucketsPerRouteClass(t *testing.T) {
	s, _, _ := newTestServer(t, Options{RateLimit: 0.5, RateBurst: 1})

	if rec := do(t, s, http.MethodGet, "/api/status", nil); rec.Code != http.StatusOK {
		t.Fatalf("first read should pass, got %d", rec.Code)
	}
	rec := do(t, s, http.MethodGet, "/api/tiktok/status", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second read should share the read bucket, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("Retry-After = %q, want 2", got)
	}

	// control verbs draw from their own bucket
	if rec := do(t, s, http.MethodPost, "/api/tiktok/start", nil); rec.Code != http.StatusOK {
		t.Fatalf("start should not be starved by reads, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/tiktok/stop", nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second control call should be limited, got %d", rec.Code)
	}

	// another client has its own buckets
	other := map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}
	if rec := do(t, s, http.MethodGet, "/api/status", other); rec.Code != http.StatusOK {
		t.Fatalf("other client should pass, got %d", rec.Code)
	}
}

func TestStreamRoutesAreNeverCompressed(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})
	rec := do(t, s, http.MethodGet, "/stream", map[string]string{
		"Accept-Encoding": "gzip",
		"Accept":          "*/*",
	})
	if enc := rec.Header().Get("Content-Encoding"); enc != "" {
		t.Fatalf("stream must not be compressed, got %q", enc)
	}
	if rec.Body.String() != ":ok\n\n" {
		t.Fatalf("unexpected stream body %q", rec.Body.String())
	}

	// the SSE handler relies on Flush reaching the connection
	direct := httptest.NewRecorder()
	(&trackedWriter{ResponseWriter: direct}).Flush()
	if !direct.Flushed {
		t.Fatal("Flush did not reach the underlying writer")
	}
}

func TestGzipHonorsRefusal(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})
	rec := do(t, s, http.MethodGet, "/api/status", map[string]string{"Accept-Encoding": "gzip;q=0, identity"})
	if enc := rec.Header().Get("Content-Encoding"); enc != "" {
		t.Fatalf("expected identity encoding, got %q", enc)
	}
	var all map[string]core.Status
	decode(t, rec, &all)
}

func TestPreflightWithoutOriginPolicy(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})
	rec := do(t, s, http.MethodOptions, "/api/tiktok/start", map[string]string{"Origin": "https://overlay.test"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("preflight should have no body, got %q", rec.Body.String())
	}
}
