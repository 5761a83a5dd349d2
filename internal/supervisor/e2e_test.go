package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/you/multichat/internal/adapter"
	"github.com/you/multichat/internal/backoff"
	"github.com/you/multichat/internal/core"
	"github.com/you/multichat/internal/hub"
	"github.com/you/multichat/internal/tiktok"
	"github.com/you/multichat/internal/tiktok/fakerelay"
)

func TestTikTokOnlyEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	relay := fakerelay.New()
	relaySrv := httptest.NewServer(relay)
	defer relaySrv.Close()

	h := hub.New(hub.Options{}, nil)
	sup := New(Options{Hub: h, Platforms: []Spec{
		{Platform: core.Twitch, Unconfigured: "No Twitch channel configured"},
		{Platform: core.YouTube, Unconfigured: "No YouTube channel configured"},
		{
			Platform:  core.TikTok,
			Channel:   "streamer",
			AutoStart: true,
			Factory: func(cb adapter.Callbacks) (adapter.Adapter, error) {
				return tiktok.New(tiktok.Config{
					Username:       "streamer",
					RelayURL:       "ws" + strings.TrimPrefix(relaySrv.URL, "http"),
					Retry:          backoff.Policy{Base: 10 * time.Millisecond, Factor: 1, Max: 10 * time.Millisecond},
					Cooldown:       backoff.Policy{Base: 10 * time.Millisecond, Factor: 1, Max: 10 * time.Millisecond},
					ConnectTimeout: 2 * time.Second,
					StopTimeout:    time.Second,
				}, cb), nil
			},
		},
	}})
	h.SetSnapshotter(sup)

	hubCtx, stopHub := context.WithCancel(context.Background())
	go h.Run(hubCtx)
	defer func() {
		stopHub()
		<-h.Done()
	}()

	wsSrv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer wsSrv.Close()

	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(wsSrv.URL, "http"), nil)
	require.NoError(t, err)
	defer c.Close(websocket.StatusNormalClosure, "")

	read := func() core.Envelope {
		_, data, err := c.Read(ctx)
		require.NoError(t, err)
		var env core.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return env
	}

	greeting := read()
	require.Equal(t, core.TypeConnection, greeting.Type)
	for _, want := range []string{"twitch-status", "youtube-status", "tiktok-status"} {
		assert.Equal(t, want, read().Type)
	}

	require.NoError(t, sup.StartConfigured(ctx))
	select {
	case user := <-relay.Joined():
		require.Equal(t, "streamer", user)
	case <-ctx.Done():
		t.Fatal("tiktok adapter never joined the relay")
	}

	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, relay.Send("chat", map[string]any{"uniqueId": "fan", "comment": text}))
	}

	var chats []core.ChatMessage
	for len(chats) < 3 {
		env := read()
		if env.Type != core.TypeChat {
			continue
		}
		raw, err := json.Marshal(env.Data)
		require.NoError(t, err)
		var msg core.ChatMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		chats = append(chats, msg)
	}

	ids := map[string]bool{}
	for i, want := range []string{"one", "two", "three"} {
		assert.Equal(t, want, chats[i].Message)
		assert.Equal(t, core.TikTok, chats[i].Platform)
		assert.Equal(t, "fan", chats[i].Username)
		assert.NotEmpty(t, chats[i].ID)
		ids[chats[i].ID] = true
	}
	assert.Len(t, ids, 3)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelShutdown()
	require.NoError(t, sup.Shutdown(shutdownCtx))
}
