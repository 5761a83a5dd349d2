package badges

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

var (
	helixBaseURL     = "https://api.twitch.tv/helix"
	oauthTokenURL    = "https://id.twitch.tv/oauth2/token"
	badgeGlobalPath  = "/chat/badges/global"
	badgeChannelPath = "/chat/badges"
	usersPath        = "/users"
)

var ErrNoCredentials = errors.New("badges: twitch client id and secret or user token required")

type helixBadgeResponse struct {
	Data []helixBadgeSet `json:"data"`
}

type helixBadgeSet struct {
	SetID    string           `json:"set_id"`
	Versions []helixBadgeItem `json:"versions"`
}

type helixBadgeItem struct {
	ID         string `json:"id"`
	ImageURL1x string `json:"image_url_1x"`
	ImageURL2x string `json:"image_url_2x"`
	ImageURL4x string `json:"image_url_4x"`
}

type helixUsersResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// HelixFetcher loads badge catalogs from the Twitch Helix API. An app token
// from the client credentials grant is preferred; UserToken is the fallback.
type HelixFetcher struct {
	ClientID     string
	ClientSecret string
	UserToken    string
	HTTP         *http.Client

	once   sync.Once
	tokens oauth2.TokenSource
}

func (f *HelixFetcher) httpClient() *http.Client {
	if f.HTTP != nil {
		return f.HTTP
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func (f *HelixFetcher) tokenSource() oauth2.TokenSource {
	f.once.Do(func() {
		clientID := strings.TrimSpace(f.ClientID)
		switch {
		case clientID != "" && strings.TrimSpace(f.ClientSecret) != "":
			cfg := clientcredentials.Config{
				ClientID:     clientID,
				ClientSecret: strings.TrimSpace(f.ClientSecret),
				TokenURL:     oauthTokenURL,
				AuthStyle:    oauth2.AuthStyleInParams,
			}
			ctx := context.WithValue(context.Background(), oauth2.HTTPClient, f.httpClient())
			f.tokens = cfg.TokenSource(ctx)
		case clientID != "" && strings.TrimSpace(f.UserToken) != "":
			tok := strings.TrimPrefix(strings.TrimSpace(f.UserToken), "oauth:")
			f.tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok, TokenType: "Bearer"})
		}
	})
	return f.tokens
}

// Fetch returns the global sets overlaid with channel's own sets.
func (f *HelixFetcher) Fetch(ctx context.Context, channel string) (*Catalog, error) {
	ts := f.tokenSource()
	if ts == nil {
		return nil, ErrNoCredentials
	}
	tok, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("badges: app token: %w", err)
	}
	token := tok.AccessToken

	channel = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channel), "#"))

	global, gerr := f.fetchBadgeSets(ctx, token, "")
	if gerr != nil {
		slog.Warn("badges: fetch global badges", "err", gerr)
	}

	var own map[string]Set
	var cerr error
	if channel != "" {
		broadcasterID := channel
		if !isNumericID(channel) {
			broadcasterID, cerr = f.lookupUserID(ctx, token, channel)
		}
		if cerr == nil {
			own, cerr = f.fetchBadgeSets(ctx, token, broadcasterID)
		}
		if cerr != nil {
			slog.Warn("badges: fetch channel badges", "channel", channel, "err", cerr)
		}
	}

	if gerr != nil && (channel == "" || cerr != nil) {
		return nil, fmt.Errorf("badges: no badge sets for %q: %w", channel, errors.Join(gerr, cerr))
	}

	cat := &Catalog{Channel: channel, BadgeSets: merge(global, own)}
	slog.Info("badges: fetched badge metadata", "channel", channel, "sets", len(cat.BadgeSets))
	return cat, nil
}

func (f *HelixFetcher) get(ctx context.Context, token, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Client-Id", strings.TrimSpace(f.ClientID))
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (f *HelixFetcher) fetchBadgeSets(ctx context.Context, token, broadcasterID string) (map[string]Set, error) {
	base := strings.TrimSuffix(helixBaseURL, "/")
	endpoint := base + badgeGlobalPath
	if broadcasterID != "" {
		endpoint = base + badgeChannelPath + "?broadcaster_id=" + url.QueryEscape(broadcasterID)
	}
	var parsed helixBadgeResponse
	if err := f.get(ctx, token, endpoint, &parsed); err != nil {
		return nil, err
	}
	return convertBadgeSets(parsed.Data), nil
}

func (f *HelixFetcher) lookupUserID(ctx context.Context, token, channel string) (string, error) {
	endpoint := strings.TrimSuffix(helixBaseURL, "/") + usersPath + "?login=" + url.QueryEscape(channel)
	var parsed helixUsersResponse
	if err := f.get(ctx, token, endpoint, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Data) == 0 || parsed.Data[0].ID == "" {
		return "", errors.New("user not found")
	}
	return parsed.Data[0].ID, nil
}

// convertBadgeSets turns Helix's list shape into badge_sets, filling missing
// sizes from the nearest available one.
func convertBadgeSets(sets []helixBadgeSet) map[string]Set {
	result := make(map[string]Set, len(sets))
	for _, set := range sets {
		if set.SetID == "" {
			continue
		}
		versions := map[string]Image{}
		for _, v := range set.Versions {
			if v.ID == "" {
				continue
			}
			versions[v.ID] = Image{
				URL1x: firstNonEmpty(v.ImageURL1x, v.ImageURL2x, v.ImageURL4x),
				URL2x: firstNonEmpty(v.ImageURL2x, v.ImageURL1x, v.ImageURL4x),
				URL4x: firstNonEmpty(v.ImageURL4x, v.ImageURL2x, v.ImageURL1x),
			}
		}
		if len(versions) > 0 {
			result[set.SetID] = Set{Versions: versions}
		}
	}
	return result
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func isNumericID(value string) bool {
	if value == "" {
		return false
	}
	for i := 0; i < len(value); i++ {
		if value[i] < '0' || value[i] > '9' {
			return false
		}
	}
	return true
}
