package ytlive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/you/multichat/internal/adapter"
)

var offlineReasons = map[string]bool{
	"liveChatEnded":    true,
	"liveChatNotFound": true,
	"liveChatDisabled": true,
}

// dataAPISource polls liveChatMessages.list. It is used when an API key is
// configured.
type dataAPISource struct {
	target   string
	apiKey   string
	endpoint string
	http     *http.Client
	resolver *Resolver
	now      func() time.Time

	svc       *yt.Service
	chatID    string
	pageToken string
	pending   string
	notBefore time.Time
	offline   bool
}

func newDataAPISource(target, apiKey string, client *http.Client, resolver *Resolver) *dataAPISource {
	return &dataAPISource{target: target, apiKey: apiKey, http: client, resolver: resolver, now: time.Now}
}

func (s *dataAPISource) Open(ctx context.Context) error {
	if s.svc == nil {
		opts := []option.ClientOption{option.WithAPIKey(s.apiKey)}
		if s.endpoint != "" {
			opts = append(opts, option.WithEndpoint(s.endpoint), option.WithHTTPClient(s.http))
		}
		svc, err := yt.NewService(ctx, opts...)
		if err != nil {
			return fmt.Errorf("ytlive: youtube service: %w", err)
		}
		s.svc = svc
	}

	res, err := s.resolver.Resolve(ctx, s.target)
	if err != nil {
		return err
	}
	if !res.Live {
		return fmt.Errorf("ytlive: %s is not live: %w", s.target, adapter.ErrNotFound)
	}

	resp, err := s.svc.Videos.List([]string{"liveStreamingDetails"}).Id(res.VideoID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("ytlive: videos.list: %w", err)
	}
	if len(resp.Items) == 0 || resp.Items[0].LiveStreamingDetails == nil || resp.Items[0].LiveStreamingDetails.ActiveLiveChatId == "" {
		return fmt.Errorf("ytlive: no active chat for %s: %w", res.VideoID, adapter.ErrNotFound)
	}
	s.chatID = resp.Items[0].LiveStreamingDetails.ActiveLiveChatId
	s.pageToken, s.pending, s.offline = "", "", false
	s.notBefore = time.Time{}
	return nil
}

func (s *dataAPISource) Visible(ctx context.Context) ([]Item, error) {
	if s.chatID == "" {
		return nil, errors.New("ytlive: chat not opened")
	}
	if s.now().Before(s.notBefore) {
		return nil, nil
	}

	call := s.svc.LiveChatMessages.List(s.chatID, []string{"snippet", "authorDetails"}).Context(ctx)
	if s.pageToken != "" {
		call = call.PageToken(s.pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) {
			for _, item := range gerr.Errors {
				if offlineReasons[item.Reason] {
					s.offline = true
				}
			}
		}
		return nil, fmt.Errorf("ytlive: liveChatMessages.list: %w", err)
	}

	if resp.OfflineAt != "" {
		s.offline = true
	}
	s.pending = resp.NextPageToken
	if resp.PollingIntervalMillis > 0 {
		s.notBefore = s.now().Add(time.Duration(resp.PollingIntervalMillis) * time.Millisecond)
	}

	items := make([]Item, 0, len(resp.Items))
	for _, msg := range resp.Items {
		if it, ok := itemFromAPI(msg); ok {
			items = append(items, it)
		}
	}
	return items, nil
}

func (s *dataAPISource) Advance(context.Context) error {
	if s.pending != "" {
		s.pageToken = s.pending
	}
	return nil
}

func (s *dataAPISource) Offline(context.Context) (bool, error) { return s.offline, nil }

func (s *dataAPISource) Reload(ctx context.Context) error {
	s.chatID = ""
	return s.Open(ctx)
}

func (s *dataAPISource) Close() error { return nil }

func itemFromAPI(msg *yt.LiveChatMessage) (Item, bool) {
	if msg == nil || msg.Snippet == nil {
		return Item{}, false
	}
	it := Item{
		ID:   msg.Id,
		Text: msg.Snippet.DisplayMessage,
		Time: msg.Snippet.PublishedAt,
		Raw:  map[string]any{"type": msg.Snippet.Type},
	}
	if a := msg.AuthorDetails; a != nil {
		it.Author = a.DisplayName
		it.Raw["authorChannelId"] = a.ChannelId
		if a.IsChatOwner {
			it.Badges = append(it.Badges, "owner")
		}
		if a.IsChatModerator {
			it.Badges = append(it.Badges, "moderator")
		}
		if a.IsVerified {
			it.Badges = append(it.Badges, "verified")
		}
		if a.IsChatSponsor {
			it.Badges = append(it.Badges, "member")
		}
	}
	if sc := msg.Snippet.SuperChatDetails; sc != nil {
		it.Badges = append(it.Badges, "superchat")
		it.Raw["amount"] = sc.AmountDisplayString
		if strings.TrimSpace(it.Text) == "" {
			it.Text = sc.AmountDisplayString
		}
	}
	return it, true
}
