package twitchirc

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

var ErrEmptyToken = errors.New("twitchirc: empty token")

const tokenDebounce = 250 * time.Millisecond

// NormalizeToken trims the token and ensures the "oauth:" prefix. Empty input
// stays empty.
func NormalizeToken(s string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "oauth:") {
		return trimmed
	}
	return "oauth:" + trimmed
}

// TokenSource yields the IRC password. A token file, when set, wins over the
// static token so rotations on disk take effect on the next connect. A nil
// TokenSource means anonymous login.
type TokenSource struct {
	static string
	path   string

	mu     sync.Mutex
	cached string
}

func NewTokenSource(static, path string) *TokenSource {
	return &TokenSource{static: NormalizeToken(static), path: strings.TrimSpace(path)}
}

// Current returns the token to log in with, or "" for anonymous.
func (s *TokenSource) Current() string {
	if s == nil {
		return ""
	}
	if s.path != "" {
		if token, _, err := s.Load(); err == nil {
			return token
		}
	}
	return s.static
}

// Load reads the token file. changed reports whether it differs from the last
// read.
func (s *TokenSource) Load() (token string, changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", false, err
	}
	token = NormalizeToken(string(data))
	if token == "" {
		s.cached = ""
		return "", false, ErrEmptyToken
	}
	if token == s.cached {
		return token, false, nil
	}
	s.cached = token
	return token, true, nil
}

// Watch calls onChange after the token file content changes, debounced. It
// returns once the watcher is installed; the watch ends with ctx.
func (s *TokenSource) Watch(ctx context.Context, onChange func()) error {
	if s == nil || s.path == "" {
		return nil
	}
	// prime the cache so the first event only fires on a real change
	_, _, _ = s.Load()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(s.path); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		debounce := time.NewTimer(time.Hour)
		debounce.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					// editors replace files; re-arm on the new inode
					if err := w.Add(s.path); err != nil {
						slog.Warn("twitchirc: token watch re-add", "path", s.path, "err", err)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					debounce.Reset(tokenDebounce)
				}
			case <-debounce.C:
				_, changed, err := s.Load()
				if err != nil {
					slog.Warn("twitchirc: token reload failed", "path", s.path, "err", err)
					continue
				}
				if changed {
					slog.Info("twitchirc: token file changed", "path", s.path)
					onChange()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("twitchirc: token watch error", "err", err)
			}
		}
	}()
	return nil
}
