package twitchirc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

var refreshTokenURL = "https://id.twitch.tv/oauth2/token"

const (
	defaultRefreshTimeout = 15 * time.Second
	minRefreshInterval    = time.Minute
)

// Refresher keeps the IRC token file fresh using a Twitch refresh token. The
// file write is picked up by TokenSource.Watch, which reconnects the adapter.
type Refresher struct {
	ClientID     string
	ClientSecret string
	TokenFile    string
	HTTP         *http.Client
	Logger       *slog.Logger

	mu      sync.Mutex
	refresh string
}

func NewRefresher(clientID, clientSecret, refreshToken, tokenFile string) *Refresher {
	return &Refresher{
		ClientID:     strings.TrimSpace(clientID),
		ClientSecret: strings.TrimSpace(clientSecret),
		TokenFile:    strings.TrimSpace(tokenFile),
		refresh:      strings.TrimSpace(refreshToken),
	}
}

func (r *Refresher) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Refresh exchanges the refresh token, writes the new access token to the
// token file and returns how long it is valid.
func (r *Refresher) Refresh(ctx context.Context) (time.Duration, error) {
	r.mu.Lock()
	refresh := r.refresh
	r.mu.Unlock()

	if r.ClientID == "" || r.ClientSecret == "" || refresh == "" {
		return 0, errors.New("twitchirc: refresh requires client credentials and refresh token")
	}
	if r.TokenFile == "" {
		return 0, errors.New("twitchirc: refresh requires a token file")
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRefreshTimeout)
		defer cancel()
	}
	if r.HTTP != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.HTTP)
	}

	conf := oauth2.Config{
		ClientID:     r.ClientID,
		ClientSecret: r.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  refreshTokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh}).Token()
	if err != nil {
		return 0, fmt.Errorf("twitchirc: refresh token: %w", err)
	}
	access := strings.TrimSpace(tok.AccessToken)
	if access == "" {
		return 0, errors.New("twitchirc: refresh returned empty token")
	}
	// Twitch rotates refresh tokens
	if next := strings.TrimSpace(tok.RefreshToken); next != "" {
		r.mu.Lock()
		r.refresh = next
		r.mu.Unlock()
	}

	if err := writeTokenFile(r.TokenFile, NormalizeToken(access)); err != nil {
		return 0, err
	}

	valid := time.Hour
	if !tok.Expiry.IsZero() {
		valid = time.Until(tok.Expiry)
	}
	r.logger().Info("twitchirc: token refreshed", "expires_at", time.Now().Add(valid).UTC().Format(time.RFC3339))
	return valid, nil
}

// Run refreshes immediately, then again before each token expires, until
// ctx ends. Failures retry with a doubling delay capped at a minute.
func (r *Refresher) Run(ctx context.Context) {
	wait := time.Duration(0)
	retry := time.Second
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		valid, err := r.Refresh(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger().Warn("twitchirc: token refresh failed", "err", err, "retry_in", retry)
			timer.Reset(retry)
			retry = min(retry*2, time.Minute)
			continue
		}
		retry = time.Second
		timer.Reset(refreshInterval(valid))
	}
}

// refreshInterval schedules the next refresh at 85% of the token lifetime.
func refreshInterval(valid time.Duration) time.Duration {
	next := time.Duration(float64(valid) * 0.85)
	if next < minRefreshInterval {
		return minRefreshInterval
	}
	return next
}

func writeTokenFile(path, token string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("twitchirc: open token file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(token + "\n"); err != nil {
		return fmt.Errorf("twitchirc: write token file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("twitchirc: sync token file: %w", err)
	}
	return nil
}
