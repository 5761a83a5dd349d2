package twitchirc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNormalizeToken(t *testing.T) {
	cases := []struct {
		in  string
		out string
	}{
		{"", ""},
		{"   ", ""},
		{"oauth:abc", "oauth:abc"},
		{"abc", "oauth:abc"},
		{"  abc\n", "oauth:abc"},
	}

	for _, c := range cases {
		if got := NormalizeToken(c.in); got != c.out {
			t.Fatalf("NormalizeToken(%q) = %q; want %q", c.in, got, c.out)
		}
	}
}

func TestTokenSourcePrefersFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("fromfile\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	src := NewTokenSource("static", path)
	if got := src.Current(); got != "oauth:fromfile" {
		t.Fatalf("Current = %q", got)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := src.Current(); got != "oauth:static" {
		t.Fatalf("fallback Current = %q", got)
	}

	var nilSrc *TokenSource
	if nilSrc.Current() != "" {
		t.Fatalf("nil source should be anonymous")
	}
}

func TestTokenSourceLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("oauth:first"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	src := NewTokenSource("", path)

	token, changed, err := src.Load()
	if err != nil || !changed || token != "oauth:first" {
		t.Fatalf("first load = %q, %v, %v", token, changed, err)
	}
	token, changed, err = src.Load()
	if err != nil || changed || token != "oauth:first" {
		t.Fatalf("second load = %q, %v, %v", token, changed, err)
	}

	if err := os.WriteFile(path, []byte("\n\n"), 0o600); err != nil {
		t.Fatalf("write empty: %v", err)
	}
	if _, _, err := src.Load(); !errors.Is(err, ErrEmptyToken) {
		t.Fatalf("expected ErrEmptyToken, got %v", err)
	}
}

func TestTokenSourceWatchFiresOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("one"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	src := NewTokenSource("", path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan struct{}, 4)
	if err := src.Watch(ctx, func() { fired <- struct{}{} }); err != nil {
		t.Fatalf("watch: %v", err)
	}

	if err := os.WriteFile(path, []byte("two"), 0o600); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatalf("watcher did not fire")
	}
	if got := src.Current(); got != "oauth:two" {
		t.Fatalf("Current = %q", got)
	}
}
