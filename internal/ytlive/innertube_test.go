package ytlive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/multichat/internal/adapter"
)

const popoutPage = `<html><script>ytcfg.set({"INNERTUBE_API_KEY":"key123","INNERTUBE_CLIENT_VERSION":"2.20240101"});</script>
<script>window["ytInitialData"] = {"contents":{"liveChatRenderer":{"continuations":[{"invalidationContinuationData":{"continuation":"cont-0"}}],"header":{"title":{"simpleText":"Top chat"}}}}};</script></html>`

const pollResponse = `{
  "continuationContents": {
    "liveChatContinuation": {
      "continuations": [{"timedContinuationData": {"continuation": "cont-1"}}],
      "actions": [
        {"addChatItemAction": {"item": {"liveChatTextMessageRenderer": {
          "id": "msg-1",
          "authorName": {"simpleText": "alice"},
          "message": {"runs": [{"text": "hello "}, {"emoji": {"shortcuts": [":wave:"]}}]},
          "timestampUsec": "1700000000000000",
          "authorBadges": [{"liveChatAuthorBadgeRenderer": {"icon": {"iconType": "MODERATOR"}}}]
        }}}},
        {"addChatItemAction": {"item": {"liveChatPaidMessageRenderer": {
          "id": "msg-2",
          "authorName": {"simpleText": "bob"},
          "purchaseAmountText": {"simpleText": "$5.00"}
        }}}}
      ]
    }
  }
}`

type fakeInnertube struct {
	mu            sync.Mutex
	continuations []string
	pollStatus    int
	pollBody      string
}

func (f *fakeInnertube) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/live_chat", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("is_popout"))
		assert.Equal(t, "dQw4w9WgXcQ", r.URL.Query().Get("v"))
		io.WriteString(w, popoutPage)
	})
	mux.HandleFunc("/youtubei/v1/live_chat/get_live_chat", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key123", r.URL.Query().Get("key"))
		var body struct {
			Continuation string `json:"continuation"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		f.mu.Lock()
		f.continuations = append(f.continuations, body.Continuation)
		status, resp := f.pollStatus, f.pollBody
		f.mu.Unlock()

		if status != 0 {
			w.WriteHeader(status)
		}
		io.WriteString(w, resp)
	})
	return mux
}

func (f *fakeInnertube) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.continuations...)
}

func newTestInnertube(t *testing.T, fake *fakeInnertube) *innertubeSource {
	server := httptest.NewServer(fake.handler(t))
	t.Cleanup(server.Close)

	src := newInnertubeSource("dQw4w9WgXcQ", server.Client(), NewResolver(server.Client()))
	src.baseURL = server.URL
	return src
}

func TestInnertubeOpenAndPoll(t *testing.T) {
	fake := &fakeInnertube{pollBody: pollResponse}
	src := newTestInnertube(t, fake)
	ctx := context.Background()

	require.NoError(t, src.Open(ctx))
	assert.Equal(t, "key123", src.apiKey)
	assert.Equal(t, "cont-0", src.continuation)

	items, err := src.Visible(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "msg-1", items[0].ID)
	assert.Equal(t, "alice", items[0].Author)
	assert.Equal(t, "hello :wave:", items[0].Text)
	assert.Equal(t, []string{"moderator"}, items[0].Badges)

	assert.Equal(t, "bob", items[1].Author)
	assert.Equal(t, "$5.00", items[1].Text)
	assert.Equal(t, []string{"superchat"}, items[1].Badges)

	// Visible alone does not move the cursor
	_, err = src.Visible(ctx)
	require.NoError(t, err)
	require.NoError(t, src.Advance(ctx))
	_, err = src.Visible(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"cont-0", "cont-0", "cont-1"}, fake.seen())

	offline, err := src.Offline(ctx)
	require.NoError(t, err)
	assert.False(t, offline)
}

func TestInnertubeOfflineMarker(t *testing.T) {
	fake := &fakeInnertube{pollBody: `{"continuationContents":{"liveChatContinuation":{"actions":[{"addLiveChatTickerItemAction":{"item":{"banner":{"text":{"runs":[{"text":"Live chat is unavailable for this stream"}]}}}}}]}}}`}
	src := newTestInnertube(t, fake)
	ctx := context.Background()

	require.NoError(t, src.Open(ctx))
	_, err := src.Visible(ctx)
	require.ErrorIs(t, err, errNoContinuation)

	offline, err := src.Offline(ctx)
	require.NoError(t, err)
	assert.True(t, offline)
}

func TestInnertubeUserTextIsNotAnOfflineMarker(t *testing.T) {
	body := `{"continuationContents":{"liveChatContinuation":{"actions":[{"addChatItemAction":{"item":{"liveChatTextMessageRenderer":{"id":"x","authorName":{"simpleText":"c"},"message":{"runs":[{"text":"the game ended"}]}}}}}]}}}`
	fake := &fakeInnertube{pollBody: body}
	src := newTestInnertube(t, fake)
	ctx := context.Background()

	require.NoError(t, src.Open(ctx))
	items, err := src.Visible(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)

	offline, _ := src.Offline(ctx)
	assert.False(t, offline)
}

func TestInnertubeResolveFailureIsTransient(t *testing.T) {
	client := &http.Client{Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("no network in tests")
	})}
	src := newInnertubeSource("@creator", client, NewResolver(client))
	err := src.Open(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, adapter.ErrNotFound)
}
