package ytlive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
	"unicode"
)

var (
	videoIDRe   = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)
	channelIDRe = regexp.MustCompile(`^UC[A-Za-z0-9_-]{22}$`)
)

// ResolveResult captures the outcome of a YouTube livestream lookup.
type ResolveResult struct {
	Live     bool
	VideoID  string
	WatchURL string
	ChatURL  string
}

// Resolver locates the active livestream for a video id, channel id, handle or
// YouTube URL.
type Resolver struct {
	http *http.Client
}

// NewResolver creates a resolver backed by the provided HTTP client.
// If client is nil a default client with a sane timeout is used.
func NewResolver(client *http.Client) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Resolver{http: client}
}

// Resolve fetches the target's page and reports whether a livestream is
// active. Bare video ids are trusted without a request.
func (r *Resolver) Resolve(ctx context.Context, raw string) (ResolveResult, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ResolveResult{}, errors.New("ytlive: empty target")
	}
	if videoIDRe.MatchString(raw) {
		return liveResult(raw), nil
	}

	normalized, err := normalizeYouTubeURL(raw)
	if err != nil {
		return ResolveResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, normalized.String(), nil)
	if err != nil {
		return ResolveResult{}, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en")

	resp, err := r.http.Do(req)
	if err != nil {
		return ResolveResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ResolveResult{}, nil
	}
	if resp.StatusCode >= 400 {
		return ResolveResult{}, fmt.Errorf("ytlive: resolve status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return ResolveResult{}, err
	}
	rawBody := string(body)

	if videoID, live, ok := extractInitialPlayerState(rawBody); ok {
		if !live {
			return ResolveResult{VideoID: videoID, WatchURL: watchURL(videoID)}, nil
		}
		return liveResult(videoID), nil
	}

	// Redirected to a watch page but no player JSON: trust the live markers.
	videoID := strings.TrimSpace(resp.Request.URL.Query().Get("v"))
	if strings.EqualFold(resp.Request.URL.Path, "/watch") && videoID != "" && containsLiveIndicator(rawBody) {
		return liveResult(videoID), nil
	}
	return ResolveResult{VideoID: videoID, WatchURL: watchURL(videoID)}, nil
}

func liveResult(videoID string) ResolveResult {
	return ResolveResult{Live: true, VideoID: videoID, WatchURL: watchURL(videoID), ChatURL: popoutChatURL(videoID)}
}

// normalizeYouTubeURL coerces YouTube URLs, channel ids and handle shorthand
// into fetchable https://www.youtube.com pages.
func normalizeYouTubeURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("ytlive: empty url")
	}

	switch {
	case channelIDRe.MatchString(trimmed):
		trimmed = "https://www.youtube.com/channel/" + trimmed
	case strings.HasPrefix(trimmed, "@"):
		trimmed = "https://www.youtube.com/" + trimmed
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("ytlive: parse url: %w", err)
	}
	u.Fragment = ""

	switch strings.ToLower(u.Host) {
	case "youtu.be":
		id := strings.Trim(u.Path, "/")
		if id == "" {
			return nil, errors.New("ytlive: missing video id in youtu.be url")
		}
		return url.Parse(watchURL(id))
	case "youtube.com", "www.youtube.com", "m.youtube.com":
		u.Scheme = "https"
		u.Host = "www.youtube.com"

		switch {
		case strings.HasPrefix(u.Path, "/@"), strings.HasPrefix(u.Path, "/channel/"), strings.HasPrefix(u.Path, "/c/"):
			u.Path = liveTabPath(u.Path)
			u.RawQuery = ""
			return u, nil
		case strings.EqualFold(u.Path, "/watch"), strings.EqualFold(u.Path, "/live_chat"):
			videoID := strings.TrimSpace(u.Query().Get("v"))
			if videoID == "" {
				return nil, errors.New("ytlive: url missing video id")
			}
			return url.Parse(watchURL(videoID))
		case strings.HasPrefix(u.Path, "/live/"):
			return url.Parse(watchURL(strings.Trim(strings.TrimPrefix(u.Path, "/live/"), "/")))
		}
		u.Path = path.Clean(u.Path)
		return u, nil
	default:
		return nil, fmt.Errorf("ytlive: unsupported host %q", u.Host)
	}
}

// liveTabPath turns a channel path into its /live tab.
func liveTabPath(p string) string {
	trimmed := strings.TrimSuffix(p, "/")
	trimmed = strings.TrimSuffix(trimmed, "/live")
	return trimmed + "/live"
}

func watchURL(videoID string) string {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return ""
	}
	return (&url.URL{Scheme: "https", Host: "www.youtube.com", Path: "/watch", RawQuery: url.Values{"v": {videoID}}.Encode()}).String()
}

func popoutChatURL(videoID string) string {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return ""
	}
	return "https://www.youtube.com/live_chat?is_popout=1&v=" + url.QueryEscape(videoID)
}

func extractInitialPlayerState(body string) (string, bool, bool) {
	for _, marker := range []string{"ytInitialPlayerResponse", "ytInitialData"} {
		raw, ok := extractJSONAssignment(body, marker)
		if !ok {
			continue
		}
		videoID, live, hasVideo, err := parseInitialPlayerJSON(raw)
		if err != nil || !hasVideo {
			continue
		}
		return videoID, live, true
	}
	return "", false, false
}

// extractJSONAssignment finds `marker ... = {` and returns the balanced JSON
// value that follows.
func extractJSONAssignment(body, marker string) (string, bool) {
	search := 0
	for {
		idx := strings.Index(body[search:], marker)
		if idx == -1 {
			return "", false
		}
		idx += search
		pos := idx + len(marker)
		for pos < len(body) {
			ch := body[pos]
			if ch == '=' || ch == ':' {
				pos++
				break
			}
			if unicode.IsSpace(rune(ch)) || ch == ']' || ch == '"' || ch == '\'' || ch == ')' {
				pos++
				continue
			}
			pos = -1
			break
		}
		if pos == -1 || pos >= len(body) {
			search = idx + len(marker)
			continue
		}
		for pos < len(body) && unicode.IsSpace(rune(body[pos])) {
			pos++
		}
		if pos >= len(body) {
			return "", false
		}
		if body[pos] != '{' && body[pos] != '[' {
			search = idx + len(marker)
			continue
		}
		if slice, ok := sliceBalancedJSON(body[pos:]); ok {
			return slice, true
		}
		search = idx + len(marker)
	}
}

func sliceBalancedJSON(s string) (string, bool) {
	stack := make([]rune, 0, 8)
	inString, escape := false, false
	for i, r := range s {
		if inString {
			switch {
			case escape:
				escape = false
			case r == '\\':
				escape = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, r)
		case '}', ']':
			if len(stack) == 0 {
				return "", false
			}
			open := stack[len(stack)-1]
			if (open == '{' && r != '}') || (open == '[' && r != ']') {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}

type playerResponsePayload struct {
	StreamingData *struct {
		HLSManifestURL string `json:"hlsManifestUrl"`
	} `json:"streamingData"`
	VideoDetails struct {
		VideoID       string `json:"videoId"`
		IsLive        bool   `json:"isLive"`
		IsLiveContent bool   `json:"isLiveContent"`
		IsUpcoming    bool   `json:"isUpcoming"`
	} `json:"videoDetails"`
}

func parseInitialPlayerJSON(raw string) (string, bool, bool, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &root); err != nil {
		return "", false, false, err
	}

	payload := playerResponsePayload{}
	src := []byte(raw)
	if nested, ok := root["playerResponse"]; ok {
		src = nested
	}
	if err := json.Unmarshal(src, &payload); err != nil {
		return "", false, false, err
	}

	videoID := strings.TrimSpace(payload.VideoDetails.VideoID)
	if videoID == "" {
		return "", false, false, nil
	}
	if payload.VideoDetails.IsUpcoming {
		return videoID, false, true, nil
	}
	live := payload.VideoDetails.IsLive || (payload.VideoDetails.IsLiveContent && payload.StreamingData != nil)
	return videoID, live, true, nil
}

func containsLiveIndicator(body string) bool {
	lowered := strings.ToLower(body)
	for _, marker := range []string{`"islivenow":true`, `"islive":true`, "livechatrenderer"} {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}
