package ytlive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/you/multichat/internal/adapter"
)

var errNoContinuation = errors.New("ytlive: live chat continuation missing")

// innertubeSource reads the popout live chat page and follows its
// get_live_chat continuations.
type innertubeSource struct {
	target   string
	baseURL  string
	http     *http.Client
	resolver *Resolver

	videoID       string
	apiKey        string
	clientVersion string
	continuation  string
	pending       string
	lastText      string
}

func newInnertubeSource(target string, client *http.Client, resolver *Resolver) *innertubeSource {
	return &innertubeSource{
		target:   target,
		baseURL:  "https://www.youtube.com",
		http:     client,
		resolver: resolver,
	}
}

func (s *innertubeSource) Open(ctx context.Context) error {
	res, err := s.resolver.Resolve(ctx, s.target)
	if err != nil {
		return err
	}
	if !res.Live {
		return fmt.Errorf("ytlive: %s is not live: %w", s.target, adapter.ErrNotFound)
	}
	s.videoID = res.VideoID
	return s.bootstrap(ctx)
}

func (s *innertubeSource) Reload(ctx context.Context) error {
	s.apiKey, s.clientVersion, s.continuation, s.pending = "", "", "", ""
	return s.Open(ctx)
}

func (s *innertubeSource) Close() error {
	s.http.CloseIdleConnections()
	return nil
}

func (s *innertubeSource) bootstrap(ctx context.Context) error {
	pageURL := s.baseURL + "/live_chat?is_popout=1&v=" + url.QueryEscape(s.videoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en")

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("ytlive: live chat page: %w", adapter.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ytlive: live chat page status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return err
	}
	text := string(body)

	apiKey := extractString(text, `"INNERTUBE_API_KEY":"`)
	clientVersion := extractString(text, `"INNERTUBE_CLIENT_VERSION":"`)
	if apiKey == "" || clientVersion == "" {
		return errors.New("ytlive: could not locate api key or client version")
	}

	initJSON, ok := extractJSONAssignment(text, "ytInitialData")
	if !ok {
		return errors.New("ytlive: could not locate initial data")
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(initJSON), &data); err != nil {
		return fmt.Errorf("ytlive: parse initial data: %w", err)
	}

	s.lastText = visibleText(data)
	continuation := findInitialContinuation(data)
	if continuation == "" {
		if offlineText(s.lastText) {
			return fmt.Errorf("ytlive: chat unavailable: %w", adapter.ErrNotFound)
		}
		return errNoContinuation
	}

	s.apiKey, s.clientVersion, s.continuation = apiKey, clientVersion, continuation
	slog.Info("ytlive: bootstrap succeeded", "video", s.videoID, "version", clientVersion)
	return nil
}

func (s *innertubeSource) Visible(ctx context.Context) ([]Item, error) {
	if s.continuation == "" {
		return nil, errNoContinuation
	}
	endpoint := fmt.Sprintf("%s/youtubei/v1/live_chat/get_live_chat?key=%s", s.baseURL, url.QueryEscape(s.apiKey))

	payload := map[string]any{
		"context": map[string]any{
			"client": map[string]any{
				"clientName":    "WEB",
				"clientVersion": s.clientVersion,
				"hl":            "en",
			},
		},
		"continuation": s.continuation,
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return nil, fmt.Errorf("ytlive: poll status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("ytlive: decode poll response: %w", err)
	}

	s.lastText = visibleText(decoded)
	s.pending = extractContinuation(decoded)
	items := extractItems(decoded)
	if s.pending == "" && len(items) == 0 {
		return nil, errNoContinuation
	}
	return items, nil
}

func (s *innertubeSource) Advance(context.Context) error {
	if s.pending == "" {
		return errNoContinuation
	}
	s.continuation = s.pending
	return nil
}

func (s *innertubeSource) Offline(context.Context) (bool, error) {
	return offlineText(s.lastText), nil
}

func extractContinuation(payload map[string]any) string {
	lc := digMap(payload, "continuationContents", "liveChatContinuation")
	if lc == nil {
		return ""
	}
	return continuationFromNode(lc)
}

// extractItems collects chat entries from both addChatItemAction lists and
// replayed continuation items.
func extractItems(payload map[string]any) []Item {
	var items []Item
	add := func(item map[string]any) {
		if r, ok := item["liveChatTextMessageRenderer"].(map[string]any); ok {
			if it, ok := buildItem(r); ok {
				items = append(items, it)
			}
		}
		if r, ok := item["liveChatPaidMessageRenderer"].(map[string]any); ok {
			if it, ok := buildItem(r); ok {
				it.Badges = append(it.Badges, "superchat")
				amount := textField(r, "purchaseAmountText")
				it.Raw["amount"] = amount
				if it.Text == "" {
					it.Text = amount
				}
				items = append(items, it)
			}
		}
	}
	for _, action := range gatherActions(payload) {
		if item := digMap(action, "addChatItemAction", "item"); item != nil {
			add(item)
		}
		if replay := digMap(action, "replayChatItemAction"); replay != nil {
			if nested, ok := replay["actions"].([]any); ok {
				for _, n := range nested {
					if m, ok := n.(map[string]any); ok {
						if item := digMap(m, "addChatItemAction", "item"); item != nil {
							add(item)
						}
					}
				}
			}
		}
	}
	return items
}

func gatherActions(payload map[string]any) []map[string]any {
	var out []map[string]any
	collect := func(arr []any) {
		for _, item := range arr {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
	}
	if arr, ok := payload["actions"].([]any); ok {
		collect(arr)
	}
	if lc := digMap(payload, "continuationContents", "liveChatContinuation"); lc != nil {
		if arr, ok := lc["actions"].([]any); ok {
			collect(arr)
		}
	}
	return out
}

func buildItem(renderer map[string]any) (Item, bool) {
	it := Item{
		ID:     stringField(renderer, "id"),
		Author: textField(renderer, "authorName"),
		Text:   textField(renderer, "message"),
		Time:   stringField(renderer, "timestampUsec"),
		Badges: authorBadges(renderer),
	}
	if it.ID == "" && it.Author == "" && it.Text == "" {
		return Item{}, false
	}
	it.Raw = map[string]any{"authorChannelId": stringField(renderer, "authorExternalChannelId")}
	return it, true
}

// authorBadges maps the renderer's badge icons to owner, moderator, verified
// and member.
func authorBadges(renderer map[string]any) []string {
	arr, ok := renderer["authorBadges"].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, entry := range arr {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		badge := digMap(m, "liveChatAuthorBadgeRenderer")
		if badge == nil {
			continue
		}
		if icon := digMap(badge, "icon"); icon != nil {
			if kind, ok := icon["iconType"].(string); ok && kind != "" {
				out = append(out, strings.ToLower(kind))
				continue
			}
		}
		if badge["customThumbnail"] != nil {
			out = append(out, "member")
		}
	}
	return out
}

// visibleText joins the non-chat text in a payload: banners, placeholders and
// system notices. Chat message bodies are skipped so user text cannot look
// like an offline marker.
func visibleText(payload any) string {
	var parts []string
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case map[string]any:
			for key, child := range val {
				if strings.HasSuffix(key, "MessageRenderer") && key != "liveChatViewerEngagementMessageRenderer" {
					continue
				}
				if key == "simpleText" {
					if s, ok := child.(string); ok {
						parts = append(parts, s)
					}
					continue
				}
				if key == "runs" {
					if runs, ok := child.([]any); ok {
						for _, r := range runs {
							if m, ok := r.(map[string]any); ok {
								if s, ok := m["text"].(string); ok {
									parts = append(parts, s)
								}
							}
						}
					}
					continue
				}
				walk(child)
			}
		case []any:
			for _, child := range val {
				walk(child)
			}
		}
	}
	walk(payload)
	return strings.Join(parts, " ")
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func textField(m map[string]any, key string) string {
	nested, ok := m[key].(map[string]any)
	if !ok {
		return ""
	}
	if s, ok := nested["simpleText"].(string); ok {
		return s
	}
	runs, ok := nested["runs"].([]any)
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, run := range runs {
		part, ok := run.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := part["text"].(string); ok {
			b.WriteString(text)
			continue
		}
		// emoji runs carry a shortcut such as :smile:
		if shortcuts, ok := digMap(part, "emoji")["shortcuts"].([]any); ok && len(shortcuts) > 0 {
			if sc, ok := shortcuts[0].(string); ok {
				b.WriteString(sc)
			}
		}
	}
	return b.String()
}

func extractString(text, marker string) string {
	idx := strings.Index(text, marker)
	if idx == -1 {
		return ""
	}
	start := idx + len(marker)
	end := strings.Index(text[start:], "\"")
	if end == -1 {
		return ""
	}
	return text[start : start+end]
}

func digMap(m map[string]any, keys ...string) map[string]any {
	current := m
	for _, key := range keys {
		next, ok := current[key].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return current
}

func findInitialContinuation(data map[string]any) string {
	type queueItem struct {
		value      any
		inLiveChat bool
	}
	queue := []queueItem{{value: data}}
	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		switch v := item.value.(type) {
		case map[string]any:
			inLiveChat := item.inLiveChat || mapHasLiveChatKey(v)
			if inLiveChat {
				if cont := continuationFromNode(v); cont != "" {
					return cont
				}
			}
			for key, child := range v {
				queue = append(queue, queueItem{value: child, inLiveChat: inLiveChat || isLiveChatKey(key)})
			}
		case []any:
			for _, child := range v {
				queue = append(queue, queueItem{value: child, inLiveChat: item.inLiveChat})
			}
		}
	}
	return ""
}

func isLiveChatKey(key string) bool {
	return strings.Contains(strings.ToLower(key), "livechat")
}

func mapHasLiveChatKey(m map[string]any) bool {
	for key := range m {
		if isLiveChatKey(key) {
			return true
		}
	}
	return false
}

func continuationFromNode(node map[string]any) string {
	if arr, ok := node["continuations"].([]any); ok {
		for _, elem := range arr {
			m, ok := elem.(map[string]any)
			if !ok {
				continue
			}
			for _, key := range []string{"invalidationContinuationData", "timedContinuationData", "reloadContinuationData"} {
				if next := digMap(m, key); next != nil {
					if s, ok := next["continuation"].(string); ok && s != "" {
						return s
					}
				}
			}
		}
	}
	if endpoint := digMap(node, "continuationEndpoint", "continuationCommand"); endpoint != nil {
		if s, ok := endpoint["token"].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
